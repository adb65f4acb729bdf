package azureblob

import (
	"encoding/base64"
	"fmt"
	"testing"
)

func TestBlockIDEncoding(t *testing.T) {
	for _, index := range []int{0, 1, 9999} {
		id := base64.StdEncoding.EncodeToString([]byte(fmt.Sprintf("%032d", index)))
		decoded, err := base64.StdEncoding.DecodeString(id)
		if err != nil {
			t.Fatalf("block id for index %d did not round-trip: %v", index, err)
		}
		if len(decoded) != 32 {
			t.Errorf("decoded block id for index %d has length %d, want 32", index, len(decoded))
		}
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.ContentType != "application/octet-stream" {
		t.Errorf("ContentType = %q, want application/octet-stream", cfg.ContentType)
	}
}
