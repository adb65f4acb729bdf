package s3

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, "application/octet-stream", cfg.ContentType)
}

func TestApplyGrant(t *testing.T) {
	cases := []struct {
		permission string
		check      func(*testing.T, *s3.PutObjectInput)
	}{
		{"FULL_CONTROL", func(t *testing.T, in *s3.PutObjectInput) { assert.Equal(t, "acct", aws.ToString(in.GrantFullControl)) }},
		{"READ", func(t *testing.T, in *s3.PutObjectInput) { assert.Equal(t, "acct", aws.ToString(in.GrantRead)) }},
		{"WRITE", func(t *testing.T, in *s3.PutObjectInput) { assert.Equal(t, "acct", aws.ToString(in.GrantWrite)) }},
	}
	for _, tc := range cases {
		input := &s3.PutObjectInput{}
		applyGrant(input, Grant{Grantee: "acct", Permission: tc.permission})
		tc.check(t, input)
	}
}

func TestApplyObjectMetadata_PutObject(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ACL = "bucket-owner-full-control"
	cfg.StorageClass = "STANDARD_IA"
	cfg.SSE = "aws:kms"
	cfg.SSEKMSKeyID = "key-123"
	cfg.Tags = map[string]string{"env": "prod"}
	cfg.Grants = []Grant{{Grantee: "acct", Permission: "READ"}}
	b := NewBackend(nil, cfg, nil)

	input := &s3.PutObjectInput{}
	b.applyObjectMetadata(input)

	assert.Equal(t, "bucket-owner-full-control", string(input.ACL))
	assert.Equal(t, "STANDARD_IA", string(input.StorageClass))
	assert.Equal(t, "aws:kms", string(input.ServerSideEncryption))
	assert.Equal(t, "key-123", aws.ToString(input.SSEKMSKeyId))
	assert.Equal(t, "env=prod", aws.ToString(input.Tagging))
	assert.Equal(t, "acct", aws.ToString(input.GrantRead))
}

// TestApplyObjectMetadata_MultipartParity guards against the createFresh
// regression where a multipart upload silently dropped ACL/StorageClass/
// SSE/Tags/Grants that the single-shot path carried through: both input
// types must end up with identical object-level settings given the same
// config.
func TestApplyObjectMetadata_MultipartParity(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ACL = "private"
	cfg.StorageClass = "GLACIER"
	cfg.SSE = "AES256"
	cfg.Tags = map[string]string{"team": "topsql"}
	cfg.Grants = []Grant{
		{Grantee: "acct-full", Permission: "FULL_CONTROL"},
		{Grantee: "acct-read", Permission: "READ"},
		{Grantee: "acct-write", Permission: "WRITE"}, // no-op for multipart, see applyMultipartGrant
	}
	b := NewBackend(nil, cfg, nil)

	single := &s3.PutObjectInput{}
	b.applyObjectMetadata(single)

	multipart := &s3.CreateMultipartUploadInput{}
	b.applyMultipartObjectMetadata(multipart)

	assert.Equal(t, string(single.ACL), string(multipart.ACL))
	assert.Equal(t, string(single.StorageClass), string(multipart.StorageClass))
	assert.Equal(t, string(single.ServerSideEncryption), string(multipart.ServerSideEncryption))
	assert.Equal(t, aws.ToString(single.Tagging), aws.ToString(multipart.Tagging))
	assert.Equal(t, aws.ToString(single.GrantFullControl), aws.ToString(multipart.GrantFullControl))
	assert.Equal(t, aws.ToString(single.GrantRead), aws.ToString(multipart.GrantRead))
	// CreateMultipartUploadInput has no GrantWrite field at all (the S3 API
	// doesn't support x-amz-grant-write on this call) — the WRITE grant
	// above is asserted only against the single-shot input, where it did
	// apply, to document the asymmetry rather than silently drop it.
	assert.Equal(t, "acct-write", aws.ToString(single.GrantWrite))
}

func TestRecoveryStateAccept(t *testing.T) {
	state := newRecoveryState("upload-1", "bucket", "key", 8*1024*1024)
	require.Equal(t, 1, state.NextPartNumber)

	state.accept(1, "etag-1", 1024)
	assert.Equal(t, 2, state.NextPartNumber)
	assert.Equal(t, int64(1024), state.BytesConsumed)
	assert.Len(t, state.CompletedParts, 1)
	assert.Equal(t, "etag-1", state.CompletedParts[0].ETag)
}

func TestLocalFileETag(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	got, err := localFileETag(path)
	require.NoError(t, err)
	assert.NotEmpty(t, got)
}
