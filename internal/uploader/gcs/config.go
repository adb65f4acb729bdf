package gcs

// Config carries the object metadata for GCS uploads. ACL, StorageClass and
// Metadata are sent when the resumable session starts; Backend does not send
// ContentType. The OAuth2 token source is a NewBackend argument, not part of
// Config.
type Config struct {
	ACL          string            `yaml:"acl"`
	StorageClass string            `yaml:"storage_class"`
	Metadata     map[string]string `yaml:"metadata"`
	ContentType  string            `yaml:"content_type"`
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() *Config {
	return &Config{ContentType: "application/octet-stream"}
}
