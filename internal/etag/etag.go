// Package etag computes the per-backend content fingerprint used to skip
// uploads whose server object already matches local file content: S3's
// chunked ETag algorithm, and the base64 MD5 used by GCS and Azure Blob.
package etag

import (
	"crypto/md5" //nolint:gosec // content-fingerprint, not a security boundary
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/pingcap/tidb-pipeline-extensions/pkg/errors"
)

// ChunkSize is the multipart chunk size used both as the S3 ETag chunk
// boundary and the streaming upload chunk size across all three backends.
const ChunkSize = 8 * 1024 * 1024

// MaxChunks bounds how large a file S3's ETag algorithm will fingerprint.
const MaxChunks = 10000

// bufCap is the size buffers are shrunk back to between files, to avoid
// steady-state memory bloat from one oversized chunk read.
const bufCap = 10 * 1024

// S3 computes AWS S3's multipart ETag: md5(file) if the file is smaller
// than one chunk, otherwise hex(md5(concat(chunk md5s)))-<chunk_count>.
func S3(r io.Reader) (string, error) {
	buf := make([]byte, ChunkSize)
	var chunkDigests []byte
	chunkCount := 0
	var firstChunk []byte
	firstChunkSize := 0

	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			chunkCount++
			if chunkCount > MaxChunks {
				return "", errors.New(errors.CodeUploadTooLarge, "file exceeds maximum chunk count for S3 ETag computation").
					WithComponent("etag").WithOperation("S3").
					WithDetail("max_chunks", MaxChunks)
			}
			sum := md5.Sum(buf[:n]) //nolint:gosec
			if chunkCount == 1 {
				firstChunk = append([]byte(nil), sum[:]...)
				firstChunkSize = n
			}
			chunkDigests = append(chunkDigests, sum[:]...)
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return "", errors.New(errors.CodeInternalError, "reading file for S3 ETag").
				WithComponent("etag").WithOperation("S3").WithCause(err)
		}
	}

	if chunkCount == 0 {
		sum := md5.Sum(nil) //nolint:gosec
		return hex.EncodeToString(sum[:]), nil
	}
	if chunkCount == 1 && firstChunkSize < ChunkSize {
		// Total size strictly less than one chunk: plain file MD5, no suffix.
		return hex.EncodeToString(firstChunk), nil
	}

	// Size >= one chunk (including exactly one full chunk): the
	// multipart form applies even when chunkCount == 1.
	combined := md5.Sum(chunkDigests) //nolint:gosec
	return fmt.Sprintf("%s-%d", hex.EncodeToString(combined[:]), chunkCount), nil
}

// Base64MD5 computes md5(file) encoded in standard base64, the fingerprint
// format used by GCS's x-goog-hash header and Azure's o11y_etag tag.
func Base64MD5(r io.Reader) (string, error) {
	h := md5.New() //nolint:gosec
	buf := make([]byte, ChunkSize)
	if _, err := io.CopyBuffer(h, r, buf); err != nil {
		return "", errors.New(errors.CodeInternalError, "reading file for base64 MD5").
			WithComponent("etag").WithOperation("Base64MD5").WithCause(err)
	}
	return base64.StdEncoding.EncodeToString(h.Sum(nil)), nil
}

// ShrinkBuffer returns buf if it is already small, otherwise a fresh
// small buffer — callers use this between files so a single large file
// does not pin an 8 MiB buffer for the lifetime of the sink.
func ShrinkBuffer(buf []byte) []byte {
	if cap(buf) <= bufCap {
		return buf
	}
	return make([]byte, 0, bufCap)
}
