// Package checkpoint persists the upload sink's dedup state: which
// (filename, bucket, object key) triples have been uploaded, and until when
// that fact suppresses re-upload.
package checkpoint

import (
	"fmt"

	"github.com/pingcap/tidb-pipeline-extensions/pkg/errors"
)

// Key identifies an upload for dedup and checkpointing purposes. It is
// immutable once constructed.
type Key struct {
	Filename  string `json:"filename"`
	Bucket    string `json:"bucket"`
	ObjectKey string `json:"object_key"`
}

// EventFields is the minimal shape this package needs out of a host event:
// the two string-valued fields the upload sink reads to build a Key.
type EventFields interface {
	// GetString returns the string value of field and whether it was present.
	GetString(field string) (string, bool)
}

// FromEvent derives a Key from an inbound event's "message" (local filename)
// and "key" (destination object key) fields. bucket comes from sink
// configuration, not the event. An event missing either field fails
// construction and must be rejected by the caller.
func FromEvent(ev EventFields, bucket string) (Key, error) {
	filename, ok := ev.GetString("message")
	if !ok || filename == "" {
		return Key{}, errors.New(errors.CodeEventMissingField, "event missing \"message\" field").
			WithComponent("checkpoint").WithOperation("FromEvent")
	}
	objectKey, ok := ev.GetString("key")
	if !ok || objectKey == "" {
		return Key{}, errors.New(errors.CodeEventMissingField, "event missing \"key\" field").
			WithComponent("checkpoint").WithOperation("FromEvent")
	}
	return Key{Filename: filename, Bucket: bucket, ObjectKey: objectKey}, nil
}

func (k Key) String() string {
	return fmt.Sprintf("%s|%s|%s", k.Bucket, k.ObjectKey, k.Filename)
}
