package azureblob

// Config carries the object metadata applied to every Azure Blob upload.
type Config struct {
	ContentType string `yaml:"content_type"`
}

// TagName is the custom blob tag used to store the content fingerprint,
// since Azure has no portable server-computed MD5 equivalent to compare
// against the way S3's ETag and GCS's x-goog-hash do.
const TagName = "o11y_etag"

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() *Config {
	return &Config{ContentType: "application/octet-stream"}
}
