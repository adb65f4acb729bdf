package s3

import "time"

// completedPart is one part accepted into an in-progress multipart upload,
// either recovered from the server or freshly uploaded this attempt.
type completedPart struct {
	PartNumber int
	ETag       string
}

// recoveryState tracks an in-progress multipart upload while verify_and_advance
// walks the server-reported parts and the uploader resumes past them,
// mirroring the teacher's MultipartUploadState bookkeeping but trimmed to
// only what the recovery and resume paths need.
type recoveryState struct {
	UploadID       string
	Bucket         string
	Key            string
	ChunkSize      int64
	CompletedParts []completedPart
	NextPartNumber int
	BytesConsumed  int64
	StartedAt      time.Time
}

func newRecoveryState(uploadID, bucket, key string, chunkSize int64) *recoveryState {
	return &recoveryState{
		UploadID:       uploadID,
		Bucket:         bucket,
		Key:            key,
		ChunkSize:      chunkSize,
		NextPartNumber: 1,
		StartedAt:      time.Now(),
	}
}

func (s *recoveryState) accept(partNumber int, etag string, size int64) {
	s.CompletedParts = append(s.CompletedParts, completedPart{PartNumber: partNumber, ETag: etag})
	s.NextPartNumber = partNumber + 1
	s.BytesConsumed += size
}
