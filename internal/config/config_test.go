package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const exampleYAML = `
node:
  endpoint: seed.example.org:9999
  api_key: abc123
sync:
  from_height: 1000
  max_retries: 3
bloom:
  enabled: true
  addresses:
    - "XiV2YXJpb3VzLWFkZHI="
logging:
  debug: true
`

func writeTemp(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
	return path
}

func TestLoad_AppliesDefaults(t *testing.T) {
	path := writeTemp(t, "spvsyncd.yaml", exampleYAML)

	cfg, err := Load(path, "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Node.Endpoint != "seed.example.org:9999" {
		t.Errorf("endpoint = %q", cfg.Node.Endpoint)
	}
	if cfg.Sync.FromHeight != 1000 {
		t.Errorf("from_height = %d, want 1000", cfg.Sync.FromHeight)
	}
	if cfg.Sync.MaxRetries != 3 {
		t.Errorf("max_retries = %d, want 3", cfg.Sync.MaxRetries)
	}
	if cfg.Sync.MaxParallelStreams != 8 {
		t.Errorf("max_parallel_streams default = %d, want 8", cfg.Sync.MaxParallelStreams)
	}
	if cfg.Sync.TargetBatchSize != 50000 {
		t.Errorf("target_batch_size default = %d, want 50000", cfg.Sync.TargetBatchSize)
	}
	if cfg.Sync.RetryInterval != time.Second {
		t.Errorf("retry_interval default = %v, want 1s", cfg.Sync.RetryInterval)
	}
	if !cfg.Bloom.Enabled || len(cfg.Bloom.Addresses) != 1 {
		t.Errorf("bloom config not parsed: %+v", cfg.Bloom)
	}
}

func TestLoad_MissingEndpoint(t *testing.T) {
	path := writeTemp(t, "bad.yaml", "node:\n  api_key: x\n")

	if _, err := Load(path, ""); err == nil {
		t.Fatal("expected error for missing node.endpoint")
	}
}

func TestLoad_BloomEnabledRequiresAddresses(t *testing.T) {
	path := writeTemp(t, "bad.yaml", "node:\n  endpoint: x:1\nbloom:\n  enabled: true\n")

	if _, err := Load(path, ""); err == nil {
		t.Fatal("expected error for bloom.enabled with no addresses")
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	path := writeTemp(t, "spvsyncd.yaml", exampleYAML)

	t.Setenv("SPVSYNCD_NODE_ENDPOINT", "override.example.org:1")
	t.Setenv("SPVSYNCD_LOG_DEBUG", "false")

	cfg, err := Load(path, "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Node.Endpoint != "override.example.org:1" {
		t.Errorf("endpoint override not applied: %q", cfg.Node.Endpoint)
	}
	if cfg.Logging.Debug {
		t.Errorf("logging.debug override not applied")
	}
}
