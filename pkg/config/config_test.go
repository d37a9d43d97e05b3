package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Model.Provider != "openai" {
		t.Errorf("provider = %q, want openai", cfg.Model.Provider)
	}
	if !cfg.Streaming.Enabled || !cfg.Streaming.FastRetry {
		t.Errorf("streaming defaults = %+v", cfg.Streaming)
	}
	b := cfg.Budget()
	if b.FirstChunk != 18*time.Second || b.IdleChunk != 30*time.Second || b.Total != 120*time.Second {
		t.Errorf("budget = %+v", b)
	}
	if cfg.DataDir == "" {
		t.Error("DataDir not defaulted")
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
model:
  provider: gemini
  name: gemini-2.0-flash
  api_key_env: GEMINI_API_KEY
streaming:
  enabled: true
  first_chunk_timeout_s: 5
  min_chunk_chars: 16
  fast_retry: false
data_dir: /tmp/chatpipe-data
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Model.Provider != "gemini" || cfg.Model.Name != "gemini-2.0-flash" {
		t.Errorf("model = %+v", cfg.Model)
	}
	if cfg.Budget().FirstChunk != 5*time.Second {
		t.Errorf("first chunk budget = %v, want 5s", cfg.Budget().FirstChunk)
	}
	// Untouched fields keep their defaults.
	if cfg.Budget().IdleChunk != 30*time.Second {
		t.Errorf("idle budget = %v, want default 30s", cfg.Budget().IdleChunk)
	}
	if cfg.Streaming.MinChunkChars != 16 {
		t.Errorf("min chunk chars = %d, want 16", cfg.Streaming.MinChunkChars)
	}
	if cfg.Streaming.FastRetry {
		t.Error("fast_retry should be off")
	}
	if cfg.DataDir != "/tmp/chatpipe-data" {
		t.Errorf("data dir = %q", cfg.DataDir)
	}
}

func TestValidate_RejectsBadValues(t *testing.T) {
	cfg := Default()
	cfg.Model.Provider = "mystery"
	if err := cfg.Validate(); err == nil {
		t.Error("unknown provider accepted")
	}

	cfg = Default()
	cfg.Streaming.TotalTimeoutS = 0
	if err := cfg.Validate(); err == nil {
		t.Error("zero total timeout accepted")
	}

	cfg = Default()
	cfg.Streaming.MinChunkChars = 0
	if err := cfg.Validate(); err == nil {
		t.Error("zero min chunk chars accepted")
	}
}
