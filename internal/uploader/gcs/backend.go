// Package gcs implements the Google Cloud Storage backend using the raw
// resumable-upload HTTP protocol rather than the generic GCS client
// library, so the sink controls chunk boundaries and content-range
// headers exactly as the recovery contract requires.
package gcs

import (
	"bytes"
	"context"
	"crypto/md5" //nolint:gosec // content-MD5 header, not a security boundary
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"golang.org/x/oauth2"

	"github.com/pingcap/tidb-pipeline-extensions/internal/etag"
	"github.com/pingcap/tidb-pipeline-extensions/pkg/errors"
	"github.com/pingcap/tidb-pipeline-extensions/pkg/logging"
)

const uploadEndpoint = "https://storage.googleapis.com/upload/storage/v1/b/%s/o"
const objectEndpoint = "https://storage.googleapis.com/%s/%s"

// Backend uploads files to GCS, matching the uploader.Uploader capability.
type Backend struct {
	httpClient *http.Client
	cfg        *Config
	logger     *logging.Logger
}

// NewBackend constructs a Backend that authenticates with tokenSource,
// following golang.org/x/oauth2/google's standard bearer-token pattern.
func NewBackend(tokenSource oauth2.TokenSource, cfg *Config, logger *logging.Logger) *Backend {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger, _ = logging.New(logging.DefaultConfig())
	}
	return &Backend{
		httpClient: oauth2.NewClient(context.Background(), tokenSource),
		cfg:        cfg,
		logger:     logger.WithComponent("uploader.gcs"),
	}
}

// NeedUpload HEADs the object and compares the server's x-goog-hash MD5
// token to the locally computed base64 MD5. Any failure proceeds to upload.
func (b *Backend) NeedUpload(ctx context.Context, bucket, objectKey, localPath string) (bool, error) {
	localMD5, err := localBase64MD5(localPath)
	if err != nil {
		return true, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, fmt.Sprintf(objectEndpoint, bucket, url.PathEscape(objectKey)), nil)
	if err != nil {
		return true, nil
	}
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return true, nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return true, nil
	}

	serverMD5, ok := parseGoogHashMD5(resp.Header.Get("x-goog-hash"))
	if !ok {
		return true, nil
	}
	return serverMD5 != localMD5, nil
}

func parseGoogHashMD5(header string) (string, bool) {
	for _, tok := range strings.Split(header, ",") {
		tok = strings.TrimSpace(tok)
		if strings.HasPrefix(tok, "md5=") {
			return strings.TrimPrefix(tok, "md5="), true
		}
	}
	return "", false
}

func localBase64MD5(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", errors.New(errors.CodeInternalError, "opening file for MD5 computation").
			WithComponent("uploader.gcs").WithOperation("NeedUpload").WithCause(err)
	}
	defer f.Close()
	return etag.Base64MD5(f)
}

// Upload performs a GCS resumable upload: start a session, then PUT
// 8 MiB chunks with content-range headers, finishing with the (possibly
// empty) final chunk.
func (b *Backend) Upload(ctx context.Context, bucket, objectKey, localPath string) (int, int64, error) {
	info, err := os.Stat(localPath)
	if err != nil {
		return 0, 0, errors.New(errors.CodeInternalError, "stat'ing file for upload").
			WithComponent("uploader.gcs").WithOperation("Upload").WithCause(err)
	}
	total := info.Size()

	sessionURI, err := b.startSession(ctx, bucket, objectKey)
	if err != nil {
		return 0, 0, err
	}

	f, err := os.Open(localPath)
	if err != nil {
		return 0, 0, errors.New(errors.CodeInternalError, "opening file for upload").
			WithComponent("uploader.gcs").WithOperation("Upload").WithCause(err)
	}
	defer f.Close()

	buf := make([]byte, etag.ChunkSize)
	var begin int64
	for {
		n, rerr := io.ReadFull(f, buf)
		if rerr != nil && rerr != io.EOF && rerr != io.ErrUnexpectedEOF {
			b.abortSession(ctx, sessionURI)
			return 0, 0, errors.New(errors.CodeInternalError, "reading chunk for GCS upload").
				WithComponent("uploader.gcs").WithOperation("Upload").WithCause(rerr)
		}

		// A read only counts as final once it's short (or hits EOF with
		// nothing left) — never because the running byte count happens to
		// reach total. A file whose size is an exact multiple of the chunk
		// size must still see its last full chunk go out as an
		// intermediate PUT, followed by a genuine empty-body completion
		// call once ReadFull reports EOF with n == 0.
		isLast := n < len(buf)
		end := begin + int64(n) - 1

		if !isLast {
			if perr := b.putIntermediateChunk(ctx, sessionURI, buf[:n], begin, end); perr != nil {
				b.abortSession(ctx, sessionURI)
				return 0, 0, perr
			}
		} else {
			if perr := b.putFinalChunk(ctx, sessionURI, buf[:n], begin, end, total); perr != nil {
				b.abortSession(ctx, sessionURI)
				return 0, 0, perr
			}
			break
		}
		begin += int64(n)
	}

	b.logger.Info("uploaded file", map[string]interface{}{"bucket": bucket, "key": objectKey, "byte_size": total})
	return 1, total, nil
}

func (b *Backend) startSession(ctx context.Context, bucket, objectKey string) (string, error) {
	q := url.Values{}
	q.Set("uploadType", "resumable")
	q.Set("name", objectKey)
	endpoint := fmt.Sprintf(uploadEndpoint, bucket) + "?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return "", errors.New(errors.CodeInternalError, "building resumable session request").
			WithComponent("uploader.gcs").WithOperation("Upload").WithCause(err)
	}
	req.Header.Set("x-goog-resumable", "start")
	req.Header.Set("content-length", "0")
	if b.cfg.ACL != "" {
		req.Header.Set("x-goog-acl", b.cfg.ACL)
	}
	if b.cfg.StorageClass != "" {
		req.Header.Set("x-goog-storage-class", b.cfg.StorageClass)
	}
	for k, v := range b.cfg.Metadata {
		req.Header.Set("x-goog-meta-"+k, v)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return "", errors.New(errors.CodeNetworkError, "starting GCS resumable session").
			WithComponent("uploader.gcs").WithOperation("Upload").WithCause(err)
	}
	defer resp.Body.Close()

	location := resp.Header.Get("location")
	if location == "" {
		return "", errors.New(errors.CodeNetworkError, "GCS resumable session response missing location header").
			WithComponent("uploader.gcs").WithOperation("Upload").
			WithDetail("status", resp.StatusCode)
	}
	return location, nil
}

func (b *Backend) putIntermediateChunk(ctx context.Context, sessionURI string, chunk []byte, begin, end int64) error {
	sum := md5.Sum(chunk) //nolint:gosec
	contentMD5 := base64.StdEncoding.EncodeToString(sum[:])

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, sessionURI, bytes.NewReader(chunk))
	if err != nil {
		return errors.New(errors.CodeInternalError, "building GCS chunk request").
			WithComponent("uploader.gcs").WithOperation("Upload").WithCause(err)
	}
	req.ContentLength = int64(len(chunk))
	req.Header.Set("content-type", "application/octet-stream")
	req.Header.Set("content-md5", contentMD5)
	req.Header.Set("content-range", fmt.Sprintf("bytes %d-%d/*", begin, end))

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return errors.New(errors.CodeNetworkError, "uploading GCS chunk").
			WithComponent("uploader.gcs").WithOperation("Upload").WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPermanentRedirect {
		return errors.New(errors.CodeNetworkError, "unexpected status for intermediate GCS chunk").
			WithComponent("uploader.gcs").WithOperation("Upload").WithDetail("status", resp.StatusCode)
	}

	rangeHeader := resp.Header.Get("range")
	if !strings.HasSuffix(rangeHeader, fmt.Sprintf("-%d", end)) {
		return errors.New(errors.CodeUploadMismatch, "uploaded bytes mismatch").
			WithComponent("uploader.gcs").WithOperation("Upload").
			WithDetail("range_header", rangeHeader).WithDetail("expected_end", end)
	}
	return nil
}

func (b *Backend) putFinalChunk(ctx context.Context, sessionURI string, chunk []byte, begin, end, total int64) error {
	var body io.Reader = bytes.NewReader(chunk)
	var contentRange string
	if len(chunk) == 0 {
		contentRange = fmt.Sprintf("bytes */%d", total)
	} else {
		contentRange = fmt.Sprintf("bytes %d-%d/%d", begin, end, total)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, sessionURI, body)
	if err != nil {
		return errors.New(errors.CodeInternalError, "building final GCS chunk request").
			WithComponent("uploader.gcs").WithOperation("Upload").WithCause(err)
	}
	req.ContentLength = int64(len(chunk))
	req.Header.Set("content-range", contentRange)
	if len(chunk) > 0 {
		sum := md5.Sum(chunk) //nolint:gosec
		req.Header.Set("content-md5", base64.StdEncoding.EncodeToString(sum[:]))
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return errors.New(errors.CodeNetworkError, "uploading final GCS chunk").
			WithComponent("uploader.gcs").WithOperation("Upload").WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.New(errors.CodeNetworkError, "unexpected status for final GCS chunk").
			WithComponent("uploader.gcs").WithOperation("Upload").WithDetail("status", resp.StatusCode)
	}
	return nil
}

func (b *Backend) abortSession(ctx context.Context, sessionURI string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, sessionURI, nil)
	if err != nil {
		return
	}
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return
	}
	defer resp.Body.Close()
}
