package uploadsink

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pingcap/tidb-pipeline-extensions/internal/checkpoint"
)

type fakeFinalizer struct {
	delivered bool
	rejected  bool
	done      chan struct{}
}

func newFakeFinalizer() *fakeFinalizer {
	return &fakeFinalizer{done: make(chan struct{}, 1)}
}

func (f *fakeFinalizer) Delivered() {
	f.delivered = true
	f.done <- struct{}{}
}

func (f *fakeFinalizer) Rejected() {
	f.rejected = true
	f.done <- struct{}{}
}

type fakeEvent struct {
	fields    map[string]string
	finalizer *fakeFinalizer
}

func (e *fakeEvent) GetString(field string) (string, bool) {
	v, ok := e.fields[field]
	return v, ok
}

func (e *fakeEvent) Finalizer() Finalizer { return e.finalizer }

func newFakeEvent(filename, key string) *fakeEvent {
	return &fakeEvent{
		fields:    map[string]string{"message": filename, "key": key},
		finalizer: newFakeFinalizer(),
	}
}

type fakeBackend struct {
	needUpload      bool
	uploadErr       error
	uploadCount     int
	uploadBytes     int64
	uploadCalls     int
	needUploadCalls int
}

func (b *fakeBackend) NeedUpload(ctx context.Context, bucket, objectKey, localPath string) (bool, error) {
	b.needUploadCalls++
	return b.needUpload, nil
}

func (b *fakeBackend) Upload(ctx context.Context, bucket, objectKey, localPath string) (int, int64, error) {
	b.uploadCalls++
	if b.uploadErr != nil {
		return 0, 0, b.uploadErr
	}
	return b.uploadCount, b.uploadBytes, nil
}

func newTestSink(t *testing.T, backend *fakeBackend, delay time.Duration) (*Sink, *checkpoint.Checkpointer) {
	t.Helper()
	dir := t.TempDir()
	cp := checkpoint.New(dir, nil)
	if err := cp.Read(); err != nil {
		t.Fatalf("checkpoint Read: %v", err)
	}
	cfg := Config{Bucket: "bkt", Delay: delay, ExpireAfter: time.Hour, CheckpointDir: dir}
	return New(cfg, cp, backend, nil, nil), cp
}

func writeTempFile(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "data.txt")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestSink_RejectsEventMissingFields(t *testing.T) {
	backend := &fakeBackend{needUpload: true, uploadCount: 1, uploadBytes: 10}
	sink, _ := newTestSink(t, backend, time.Millisecond)

	ev := &fakeEvent{fields: map[string]string{}, finalizer: newFakeFinalizer()}
	sink.handleEvent(ev)

	if !ev.finalizer.rejected {
		t.Error("expected event with no fields to be rejected")
	}
}

func TestSink_RejectsEventWhenFileMissing(t *testing.T) {
	backend := &fakeBackend{needUpload: true}
	sink, _ := newTestSink(t, backend, time.Millisecond)

	ev := newFakeEvent("/does/not/exist", "obj/key")
	sink.handleEvent(ev)

	if !ev.finalizer.rejected {
		t.Error("expected event for missing file to be rejected")
	}
}

func TestSink_UploadsNewFileAndUpdatesCheckpoint(t *testing.T) {
	path := writeTempFile(t, "hello")
	backend := &fakeBackend{needUpload: true, uploadCount: 1, uploadBytes: 5}
	sink, cp := newTestSink(t, backend, time.Millisecond)

	ev := newFakeEvent(path, "obj/key")
	sink.handleEvent(ev)

	if _, pending := sink.pending[mustKey(t, path, "obj/key")]; !pending {
		t.Fatal("expected key to be pending after handleEvent")
	}

	time.Sleep(5 * time.Millisecond)
	sink.fireExpired(context.Background())

	if !ev.finalizer.delivered {
		t.Error("expected finalizer to be Delivered after successful upload")
	}
	if backend.uploadCalls != 1 {
		t.Errorf("uploadCalls = %d, want 1", backend.uploadCalls)
	}
	info, _ := os.Stat(path)
	if !cp.Contains(mustKey(t, path, "obj/key"), info.ModTime()) {
		t.Error("expected checkpoint to contain the uploaded key")
	}
}

func TestSink_DuplicateEventIsDeliveredWithoutReupload(t *testing.T) {
	path := writeTempFile(t, "hello")
	backend := &fakeBackend{needUpload: true, uploadCount: 1, uploadBytes: 5}
	sink, _ := newTestSink(t, backend, time.Millisecond)

	ev1 := newFakeEvent(path, "obj/key")
	sink.handleEvent(ev1)
	time.Sleep(5 * time.Millisecond)
	sink.fireExpired(context.Background())

	ev2 := newFakeEvent(path, "obj/key")
	sink.handleEvent(ev2)

	if !ev2.finalizer.delivered {
		t.Error("expected duplicate event (unchanged mtime) to be Delivered immediately")
	}
	if backend.uploadCalls != 1 {
		t.Errorf("uploadCalls = %d, want 1 (no re-upload for unchanged file)", backend.uploadCalls)
	}
}

func TestSink_PendingEventIsDeliveredWithoutQueueingTwice(t *testing.T) {
	path := writeTempFile(t, "hello")
	backend := &fakeBackend{needUpload: true, uploadCount: 1, uploadBytes: 5}
	sink, _ := newTestSink(t, backend, time.Hour) // long delay so it stays pending

	ev1 := newFakeEvent(path, "obj/key")
	sink.handleEvent(ev1)

	ev2 := newFakeEvent(path, "obj/key")
	sink.handleEvent(ev2)

	if !ev2.finalizer.delivered {
		t.Error("expected second event for an already-pending key to be Delivered")
	}
	if sink.queue.Len() != 1 {
		t.Errorf("queue length = %d, want 1 (no duplicate queueing)", sink.queue.Len())
	}
}

func TestSink_FailedUploadRejectsAndSkipsCheckpoint(t *testing.T) {
	path := writeTempFile(t, "hello")
	backend := &fakeBackend{needUpload: true, uploadErr: errUpload}
	sink, cp := newTestSink(t, backend, time.Millisecond)

	ev := newFakeEvent(path, "obj/key")
	sink.handleEvent(ev)
	time.Sleep(5 * time.Millisecond)
	sink.fireExpired(context.Background())

	if !ev.finalizer.rejected {
		t.Error("expected finalizer to be Rejected after failed upload")
	}
	info, _ := os.Stat(path)
	if cp.Contains(mustKey(t, path, "obj/key"), info.ModTime()) {
		t.Error("expected checkpoint NOT to contain the key after a failed upload")
	}
}

func TestSink_SkippedUploadStillUpdatesCheckpoint(t *testing.T) {
	path := writeTempFile(t, "hello")
	backend := &fakeBackend{needUpload: false}
	sink, cp := newTestSink(t, backend, time.Millisecond)

	ev := newFakeEvent(path, "obj/key")
	sink.handleEvent(ev)
	time.Sleep(5 * time.Millisecond)
	sink.fireExpired(context.Background())

	if !ev.finalizer.delivered {
		t.Error("expected finalizer to be Delivered when the idempotence check skips upload")
	}
	if backend.uploadCalls != 0 {
		t.Errorf("uploadCalls = %d, want 0 (server already has matching content)", backend.uploadCalls)
	}
	info, _ := os.Stat(path)
	if !cp.Contains(mustKey(t, path, "obj/key"), info.ModTime()) {
		t.Error("expected checkpoint to be updated even when upload was skipped")
	}
}

func mustKey(t *testing.T, filename, objectKey string) checkpoint.Key {
	t.Helper()
	ev := &fakeEvent{fields: map[string]string{"message": filename, "key": objectKey}}
	k, err := checkpoint.FromEvent(ev, "bkt")
	if err != nil {
		t.Fatal(err)
	}
	return k
}

var errUpload = &uploadTestError{"simulated upload failure"}

type uploadTestError struct{ msg string }

func (e *uploadTestError) Error() string { return e.msg }
