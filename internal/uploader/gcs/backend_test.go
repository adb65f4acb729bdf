package gcs

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pingcap/tidb-pipeline-extensions/internal/etag"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }

func newResponse(status int, header http.Header) *http.Response {
	if header == nil {
		header = http.Header{}
	}
	return &http.Response{StatusCode: status, Header: header, Body: io.NopCloser(bytes.NewReader(nil))}
}

// TestUpload_ExactMultipleOfChunkSizeSendsEmptyFinalChunk guards against the
// regression where a file whose size is an exact multiple of the chunk
// size never issued the documented trailing zero-byte completion PUT: its
// last full chunk was (incorrectly) sent as the final call instead of as an
// intermediate one.
func TestUpload_ExactMultipleOfChunkSizeSendsEmptyFinalChunk(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "exact.bin")
	data := bytes.Repeat([]byte{0x42}, etag.ChunkSize)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("writing fixture file: %v", err)
	}

	const sessionURI = "https://storage.googleapis.com/upload/session-123"
	var contentRanges []string

	transport := roundTripFunc(func(req *http.Request) (*http.Response, error) {
		switch {
		case req.Method == http.MethodPost:
			h := http.Header{}
			h.Set("location", sessionURI)
			return newResponse(http.StatusOK, h), nil
		case req.Method == http.MethodPut:
			cr := req.Header.Get("content-range")
			contentRanges = append(contentRanges, cr)
			if strings.HasPrefix(cr, fmt.Sprintf("bytes */%d", int64(len(data)))) {
				return newResponse(http.StatusOK, nil), nil
			}
			end := int64(len(data)) - 1
			h := http.Header{}
			h.Set("range", fmt.Sprintf("bytes=0-%d", end))
			return newResponse(http.StatusPermanentRedirect, h), nil
		default:
			t.Fatalf("unexpected request method %s", req.Method)
			return nil, nil
		}
	})

	b := NewBackend(nil, DefaultConfig(), nil)
	b.httpClient = &http.Client{Transport: transport}

	count, byteSize, err := b.Upload(context.Background(), "bucket", "key", path)
	if err != nil {
		t.Fatalf("Upload() error: %v", err)
	}
	if count != 1 || byteSize != int64(len(data)) {
		t.Errorf("Upload() = (%d, %d), want (1, %d)", count, byteSize, len(data))
	}

	if len(contentRanges) != 2 {
		t.Fatalf("expected exactly 2 PUT requests (one full chunk, one empty completion), got %d: %v", len(contentRanges), contentRanges)
	}
	if contentRanges[0] != fmt.Sprintf("bytes 0-%d/*", len(data)-1) {
		t.Errorf("first chunk content-range = %q, want an intermediate (no total) range", contentRanges[0])
	}
	want := fmt.Sprintf("bytes */%d", len(data))
	if contentRanges[1] != want {
		t.Errorf("final chunk content-range = %q, want %q (empty-body completion)", contentRanges[1], want)
	}
}

func TestParseGoogHashMD5(t *testing.T) {
	cases := []struct {
		header string
		want   string
		ok     bool
	}{
		{"crc32c=abc==,md5=def==", "def==", true},
		{"md5=xyz==", "xyz==", true},
		{"crc32c=abc==", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		got, ok := parseGoogHashMD5(tc.header)
		if ok != tc.ok || got != tc.want {
			t.Errorf("parseGoogHashMD5(%q) = (%q, %v), want (%q, %v)", tc.header, got, ok, tc.want, tc.ok)
		}
	}
}
