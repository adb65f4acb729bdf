// Package uploader defines the backend-agnostic capability every object
// store backend (S3, GCS, Azure Blob) implements. Backend selection is a
// per-sink instantiation of a concrete type, never cross-backend dynamic
// dispatch inside the upload loop itself.
package uploader

import "context"

// Uploader uploads one local file to one backend object, skipping the
// transfer entirely when the server object already matches.
type Uploader interface {
	// NeedUpload reports whether objectKey in bucket must be (re-)uploaded:
	// false means the idempotence check found a matching server object.
	NeedUpload(ctx context.Context, bucket, objectKey, localPath string) (bool, error)

	// Upload transfers localPath to bucket/objectKey and returns the
	// number of objects written (0 or 1) and bytes transferred.
	Upload(ctx context.Context, bucket, objectKey, localPath string) (count int, bytes int64, err error)
}
