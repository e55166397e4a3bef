package appconfig

import (
	"strings"
	"testing"

	"pkt.systems/nbsync/schema"
)

func TestDefaultConfigMatchesClientDefaults(t *testing.T) {
	cfg, err := DefaultConfig()
	if err != nil {
		t.Fatalf("default config: %v", err)
	}
	client := cfg.ClientConfig()
	if client.RetryDelay != schema.DefaultRetryDelay {
		t.Fatalf("expected retry delay %v, got %v", schema.DefaultRetryDelay, client.RetryDelay)
	}
	if client.InitialConnectDelay != schema.DefaultInitialConnectDelay {
		t.Fatalf("expected initial delay %v, got %v", schema.DefaultInitialConnectDelay, client.InitialConnectDelay)
	}
	if client.DisableOutputBroadcast {
		t.Fatalf("expected outputs to be broadcast by default")
	}
	if !strings.HasSuffix(cfg.Outputs.ArchivePath, "outputs.db") {
		t.Fatalf("unexpected archive path %q", cfg.Outputs.ArchivePath)
	}
}
