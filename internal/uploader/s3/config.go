package s3

import "time"

// Config carries connection settings and the object metadata applied to
// every upload issued by this backend.
type Config struct {
	Region         string `yaml:"region"`
	Endpoint       string `yaml:"endpoint"`
	ForcePathStyle bool   `yaml:"force_path_style"`

	MaxRetries     int           `yaml:"max_retries"`
	RequestTimeout time.Duration `yaml:"request_timeout"`

	ACL          string            `yaml:"acl"`
	StorageClass string            `yaml:"storage_class"`
	SSE          string            `yaml:"sse"`
	SSEKMSKeyID  string            `yaml:"sse_kms_key_id"`
	Tags         map[string]string `yaml:"tags"`
	Grants       []Grant           `yaml:"grants"`
	ContentType  string            `yaml:"content_type"`
	Encoding     string            `yaml:"content_encoding"`
}

// Grant is an explicit ACL grant (e.g. full control to a specific
// canonical account), carried through to PutObject/CreateMultipartUpload.
type Grant struct {
	Grantee    string `yaml:"grantee"`
	Permission string `yaml:"permission"`
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxRetries:     3,
		RequestTimeout: 60 * time.Second,
		ContentType:    "application/octet-stream",
	}
}
