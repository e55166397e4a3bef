package appconfig

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func TestLoadRejectsUnsupportedConfigVersion(t *testing.T) {
	path := writeConfig(t, `
config_version: 7
user: alice
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "unsupported config_version") {
		t.Fatalf("expected config_version error, got %v", err)
	}
}

func TestLoadRequiresConfigVersion(t *testing.T) {
	path := writeConfig(t, `
user: alice
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "config_version is required") {
		t.Fatalf("expected config_version error, got %v", err)
	}
}

func TestLoadRejectsInvalidGatewayURL(t *testing.T) {
	path := writeConfig(t, `
config_version: 1
kernel:
  gateway_url: localhost:8888
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "kernel.gateway_url") {
		t.Fatalf("expected gateway_url error, got %v", err)
	}
}

func TestLoadRejectsNotebookScheme(t *testing.T) {
	path := writeConfig(t, `
config_version: 1
notebook:
  url: ftp://notebooks.example.com
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "unsupported scheme") {
		t.Fatalf("expected scheme error, got %v", err)
	}
}

func TestLoadMergesFileDefaultsAndEnv(t *testing.T) {
	t.Setenv("NB_TOKEN", "from-env")
	t.Setenv("NBSYNC_KERNEL_KERNEL_NAME", "julia-1.10")
	path := writeConfig(t, `
config_version: 1
user: alice
notebook:
  url: wss://notebooks.example.com/ws
  token: $NB_TOKEN
kernel:
  gateway_url: https://gateway.example.com
  retry_delay_ms: 2500
outputs:
  broadcast: false
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.User != "alice" || cfg.Notebook.Token != "from-env" {
		t.Fatalf("unexpected user/token: %q %q", cfg.User, cfg.Notebook.Token)
	}
	if cfg.Kernel.KernelName != "julia-1.10" {
		t.Fatalf("expected env override, got %q", cfg.Kernel.KernelName)
	}
	if !cfg.Kernel.AutoConnect || cfg.Log.KernelLogMax == 0 {
		t.Fatalf("expected defaults to survive: %+v", cfg)
	}
	client := cfg.ClientConfig()
	if client.RetryDelay != 2500*time.Millisecond {
		t.Fatalf("unexpected retry delay %v", client.RetryDelay)
	}
	if !client.DisableOutputBroadcast || client.GatewayURI != "https://gateway.example.com" {
		t.Fatalf("unexpected client config %+v", client)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("USER", "bob")
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.User != "bob" {
		t.Fatalf("expected $USER expansion, got %q", cfg.User)
	}
	if cfg.ConfigVersion != CurrentConfigVersion {
		t.Fatalf("unexpected version %d", cfg.ConfigVersion)
	}
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("FOO", "bar")
	value := expandEnv("$FOO/$UID/$GID/$MISSING")
	if !strings.HasPrefix(value, "bar/") {
		t.Fatalf("expected env expansion, got %q", value)
	}
	if strings.Contains(value, "$UID") || strings.Contains(value, "$GID") {
		t.Fatalf("expected UID/GID expansion, got %q", value)
	}
	if !strings.HasSuffix(value, "/$MISSING") {
		t.Fatalf("expected missing vars to remain, got %q", value)
	}
}

func TestWriteDefaultRespectsOverwrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	written, err := WriteDefault(path, false)
	if err != nil {
		t.Fatalf("write default: %v", err)
	}
	if written != path {
		t.Fatalf("expected path %q, got %q", path, written)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("expected config to exist: %v", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("decode written config: %v", err)
	}
	if cfg.ConfigVersion != CurrentConfigVersion || cfg.Kernel.KernelName == "" {
		t.Fatalf("unexpected written config %+v", cfg)
	}
	if _, err := WriteDefault(path, false); err == nil {
		t.Fatalf("expected error when config exists")
	}
	if _, err := WriteDefault(path, true); err != nil {
		t.Fatalf("expected overwrite to succeed: %v", err)
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(strings.TrimSpace(content)+"\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}
