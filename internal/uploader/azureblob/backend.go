// Package azureblob implements the Azure Blob Storage backend: block blobs
// for small files, staged blocks plus a commit for large ones, with the
// content fingerprint carried in a custom blob tag since Azure has no
// portable equivalent to S3's ETag or GCS's x-goog-hash.
package azureblob

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"os"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/streaming"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"

	"github.com/pingcap/tidb-pipeline-extensions/internal/etag"
	"github.com/pingcap/tidb-pipeline-extensions/pkg/errors"
	"github.com/pingcap/tidb-pipeline-extensions/pkg/logging"
)

// Backend uploads files to Azure Blob Storage, matching the
// uploader.Uploader capability.
type Backend struct {
	serviceURL string
	cred       azcore.TokenCredential
	cfg        *Config
	logger     *logging.Logger
}

// NewBackend constructs a Backend against the given service URL
// (https://<account>.blob.core.windows.net), authenticating with cred.
func NewBackend(serviceURL string, cred azcore.TokenCredential, cfg *Config, logger *logging.Logger) *Backend {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger, _ = logging.New(logging.DefaultConfig())
	}
	return &Backend{serviceURL: serviceURL, cred: cred, cfg: cfg, logger: logger.WithComponent("uploader.azureblob")}
}

func (b *Backend) blockBlobClient(bucket, objectKey string) (*blockblob.Client, error) {
	blobURL := fmt.Sprintf("%s/%s/%s", b.serviceURL, bucket, objectKey)
	client, err := blockblob.NewClient(blobURL, b.cred, nil)
	if err != nil {
		return nil, errors.New(errors.CodeConnectionFailed, "creating Azure block blob client").
			WithComponent("uploader.azureblob").WithOperation("blockBlobClient").WithCause(err)
	}
	return client, nil
}

// NeedUpload reads the blob's tags; if the o11y_etag tag matches the
// locally computed base64 MD5, upload is skipped. Any failure proceeds to
// upload.
func (b *Backend) NeedUpload(ctx context.Context, bucket, objectKey, localPath string) (bool, error) {
	localMD5, err := localBase64MD5(localPath)
	if err != nil {
		return true, err
	}

	client, err := b.blockBlobClient(bucket, objectKey)
	if err != nil {
		return true, nil
	}

	tagsResp, err := client.GetTags(ctx, nil)
	if err != nil || tagsResp.BlobTagSet == nil {
		return true, nil
	}
	for _, tag := range tagsResp.BlobTagSet {
		if tag.Key != nil && *tag.Key == TagName && tag.Value != nil {
			return *tag.Value != localMD5, nil
		}
	}
	return true, nil
}

func localBase64MD5(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", errors.New(errors.CodeInternalError, "opening file for MD5 computation").
			WithComponent("uploader.azureblob").WithOperation("NeedUpload").WithCause(err)
	}
	defer f.Close()
	return etag.Base64MD5(f)
}

// Upload transfers localPath as bucket/objectKey, using PutBlockBlob for
// small files and staged blocks plus CommitBlockList for large ones.
func (b *Backend) Upload(ctx context.Context, bucket, objectKey, localPath string) (int, int64, error) {
	info, err := os.Stat(localPath)
	if err != nil {
		return 0, 0, errors.New(errors.CodeInternalError, "stat'ing file for upload").
			WithComponent("uploader.azureblob").WithOperation("Upload").WithCause(err)
	}

	localMD5, err := localBase64MD5(localPath)
	if err != nil {
		return 0, 0, err
	}

	client, err := b.blockBlobClient(bucket, objectKey)
	if err != nil {
		return 0, 0, err
	}

	if info.Size() <= etag.ChunkSize {
		return b.uploadWhole(ctx, client, localPath, info.Size(), localMD5)
	}
	return b.uploadBlocks(ctx, client, localPath, info.Size(), localMD5)
}

func (b *Backend) uploadWhole(ctx context.Context, client *blockblob.Client, localPath string, size int64, localMD5 string) (int, int64, error) {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return 0, 0, errors.New(errors.CodeInternalError, "reading file for upload").
			WithComponent("uploader.azureblob").WithOperation("Upload").WithCause(err)
	}

	_, err = client.Upload(ctx, streamingBody(data), &blockblob.UploadOptions{
		Tags: map[string]string{TagName: localMD5},
		HTTPHeaders: &blob.HTTPHeaders{
			BlobContentType: to.Ptr(b.cfg.ContentType),
		},
	})
	if err != nil {
		return 0, 0, errors.New(errors.CodeNetworkError, "PutBlockBlob failed").
			WithComponent("uploader.azureblob").WithOperation("Upload").WithCause(err)
	}

	b.logger.Info("uploaded file", map[string]interface{}{"byte_size": size})
	return 1, size, nil
}

func (b *Backend) uploadBlocks(ctx context.Context, client *blockblob.Client, localPath string, size int64, localMD5 string) (int, int64, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return 0, 0, errors.New(errors.CodeInternalError, "opening file for upload").
			WithComponent("uploader.azureblob").WithOperation("Upload").WithCause(err)
	}
	defer f.Close()

	buf := make([]byte, etag.ChunkSize)
	var blockIDs []string
	for index := 0; ; index++ {
		n, rerr := io.ReadFull(f, buf)
		if n == 0 {
			break
		}
		if rerr != nil && rerr != io.EOF && rerr != io.ErrUnexpectedEOF {
			return 0, 0, errors.New(errors.CodeInternalError, "reading block for upload").
				WithComponent("uploader.azureblob").WithOperation("Upload").WithCause(rerr)
		}

		blockID := base64.StdEncoding.EncodeToString([]byte(fmt.Sprintf("%032d", index)))
		if _, err := client.StageBlock(ctx, blockID, streamingBody(buf[:n]), nil); err != nil {
			return 0, 0, errors.New(errors.CodeNetworkError, "PutBlock failed").
				WithComponent("uploader.azureblob").WithOperation("Upload").
				WithDetail("block_index", index).WithCause(err)
		}
		blockIDs = append(blockIDs, blockID)

		if n < etag.ChunkSize {
			break
		}
	}

	_, err = client.CommitBlockList(ctx, blockIDs, &blockblob.CommitBlockListOptions{
		Tags: map[string]string{TagName: localMD5},
		HTTPHeaders: &blob.HTTPHeaders{
			BlobContentType: to.Ptr(b.cfg.ContentType),
		},
	})
	if err != nil {
		return 0, 0, errors.New(errors.CodeNetworkError, "PutBlockList failed").
			WithComponent("uploader.azureblob").WithOperation("Upload").WithCause(err)
	}

	b.logger.Info("uploaded file", map[string]interface{}{"byte_size": size})
	return 1, size, nil
}

func streamingBody(data []byte) io.ReadSeekCloser {
	return streaming.NopCloser(bytes.NewReader(data))
}
