// Package checkpoint persists which (filename, bucket, object key) tuples
// have already been uploaded, so a restart does not re-upload files whose
// on-disk content has not changed since the last successful upload.
//
// The persistence pattern (write to a "checkpoints.new.json" sibling, fsync, rename over the
// stable file) mirrors the index-file handling in the teacher's persistent
// cache, with an fsync added before rename so a crash between write and
// rename can never leave a half-written stable file.
package checkpoint

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pingcap/tidb-pipeline-extensions/pkg/errors"
	"github.com/pingcap/tidb-pipeline-extensions/pkg/logging"
)

const fileVersion = "1"

// record is one persisted checkpoint entry.
type record struct {
	Key      Key       `json:"upload_key"`
	UploadAt time.Time `json:"upload_at"`
	ExpireAt time.Time `json:"expire_at"`
}

// fileFormat is the tagged-union-ish envelope written to disk.
type fileFormat struct {
	Version     string   `json:"version"`
	Checkpoints []record `json:"checkpoints"`
}

// Checkpointer durably remembers which files have been uploaded.
type Checkpointer struct {
	mu      sync.Mutex
	dataDir string
	logger  *logging.Logger

	entries     map[Key]record
	lastWritten []byte // serialized form of the last successful write, for the no-op check
}

// New constructs an empty Checkpointer rooted at dataDir. It does not touch
// disk; call Read to load any existing state.
func New(dataDir string, logger *logging.Logger) *Checkpointer {
	if logger == nil {
		logger, _ = logging.New(logging.DefaultConfig())
	}
	return &Checkpointer{
		dataDir: dataDir,
		logger:  logger.WithComponent("checkpoint"),
		entries: make(map[Key]record),
	}
}

func (c *Checkpointer) stablePath() string {
	return filepath.Join(c.dataDir, "checkpoints.json")
}

func (c *Checkpointer) tmpPath() string {
	return filepath.Join(c.dataDir, "checkpoints.new.json")
}

// Read loads checkpoint state from disk. It tries the tmp file first (a
// leftover from a write that fsynced but never reached rename); on success
// it promotes tmp to stable. A missing file is not an error. Malformed
// content logs a warning and leaves state empty — corruption here must
// never block the sink from starting.
func (c *Checkpointer) Read() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if data, err := os.ReadFile(c.tmpPath()); err == nil {
		if entries, perr := parseFile(data); perr == nil {
			c.entries = entries
			_ = os.Rename(c.tmpPath(), c.stablePath())
			return nil
		}
	}

	data, err := os.ReadFile(c.stablePath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.New(errors.CodeCheckpointRead, "reading checkpoint file").
			WithComponent("checkpoint").WithOperation("Read").WithCause(err)
	}

	entries, perr := parseFile(data)
	if perr != nil {
		c.logger.Warn("checkpoint file malformed, starting empty", map[string]interface{}{"error": perr.Error()})
		c.entries = make(map[Key]record)
		return nil
	}
	c.entries = entries
	return nil
}

func parseFile(data []byte) (map[Key]record, error) {
	var ff fileFormat
	if err := json.Unmarshal(data, &ff); err != nil {
		return nil, err
	}
	out := make(map[Key]record, len(ff.Checkpoints))
	for _, r := range ff.Checkpoints {
		out[r.Key] = r
	}
	return out, nil
}

// Contains reports whether a version of key at least as new as
// fileModifiedAfter has already been uploaded.
func (c *Checkpointer) Contains(key Key, fileModifiedAfter time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.entries[key]
	if !ok {
		return false
	}
	return !r.UploadAt.Before(fileModifiedAfter)
}

// Update records that key was uploaded at uploadAt, expiring expireAfter
// after uploadAt.
func (c *Checkpointer) Update(key Key, uploadAt time.Time, expireAfter time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = record{
		Key:      key,
		UploadAt: uploadAt,
		ExpireAt: uploadAt.Add(expireAfter),
	}
}

// Write prunes expired entries, serializes the remaining state, and
// atomically persists it. It is a no-op (and returns the previous count)
// when the serialized form is byte-identical to the last successful write.
func (c *Checkpointer) Write() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	recs := make([]record, 0, len(c.entries))
	for k, r := range c.entries {
		if r.ExpireAt.Before(now) {
			delete(c.entries, k)
			continue
		}
		recs = append(recs, r)
	}

	ff := fileFormat{Version: fileVersion, Checkpoints: recs}
	data, err := json.Marshal(ff)
	if err != nil {
		return 0, errors.New(errors.CodeCheckpointWrite, "marshaling checkpoints").
			WithComponent("checkpoint").WithOperation("Write").WithCause(err)
	}

	if c.lastWritten != nil && string(c.lastWritten) == string(data) {
		return len(recs), nil
	}

	if err := os.MkdirAll(c.dataDir, 0o755); err != nil {
		return 0, errors.New(errors.CodeCheckpointWrite, "creating checkpoint directory").
			WithComponent("checkpoint").WithOperation("Write").WithCause(err)
	}

	f, err := os.OpenFile(c.tmpPath(), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, errors.New(errors.CodeCheckpointWrite, "creating tmp checkpoint file").
			WithComponent("checkpoint").WithOperation("Write").WithCause(err)
	}

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(c.tmpPath())
		return 0, errors.New(errors.CodeCheckpointWrite, "writing tmp checkpoint file").
			WithComponent("checkpoint").WithOperation("Write").WithCause(err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(c.tmpPath())
		return 0, errors.New(errors.CodeCheckpointWrite, "fsyncing tmp checkpoint file").
			WithComponent("checkpoint").WithOperation("Write").WithCause(err)
	}
	if err := f.Close(); err != nil {
		return 0, errors.New(errors.CodeCheckpointWrite, "closing tmp checkpoint file").
			WithComponent("checkpoint").WithOperation("Write").WithCause(err)
	}

	if err := os.Rename(c.tmpPath(), c.stablePath()); err != nil {
		return 0, errors.New(errors.CodeCheckpointWrite, "renaming checkpoint file into place").
			WithComponent("checkpoint").WithOperation("Write").WithCause(err)
	}

	c.lastWritten = data
	return len(recs), nil
}
