package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/chunkd-io/chunkd/internal/bytesize"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}
	return path
}

func TestLoad_MissingFile_ReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Logging.Level != "INFO" {
		t.Errorf("Expected default level INFO, got %q", cfg.Logging.Level)
	}
	if cfg.Repository.Type != "memory" {
		t.Errorf("Expected default repository type memory, got %q", cfg.Repository.Type)
	}
	if cfg.Upload.SessionTTL != 24*time.Hour {
		t.Errorf("Expected default session TTL 24h, got %v", cfg.Upload.SessionTTL)
	}
}

func TestLoad_FullConfig(t *testing.T) {
	path := writeTempConfig(t, `
logging:
  level: debug
  format: json
  output: stderr
shutdown_timeout: 15s
metrics:
  enabled: true
api:
  port: 9000
  max_chunk_size: 16MB
  request_timeout: 2m
repository:
  type: badger
  badger:
    path: /var/lib/chunkd/sessions
chunk_store:
  type: filesystem
  filesystem:
    base_path: /var/lib/chunkd/chunks
artifact_store:
  type: s3
  s3:
    bucket: chunkd-artifacts
    region: eu-west-1
upload:
  session_ttl: 2h
  reaper_interval: 30s
  cas_max_attempts: 3
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Logging.Level != "DEBUG" {
		t.Errorf("Expected level DEBUG (normalized), got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Expected format json, got %q", cfg.Logging.Format)
	}
	if cfg.ShutdownTimeout != 15*time.Second {
		t.Errorf("Expected shutdown timeout 15s, got %v", cfg.ShutdownTimeout)
	}
	if !cfg.Metrics.Enabled {
		t.Error("Expected metrics enabled")
	}
	if cfg.Metrics.Port != 9090 {
		t.Errorf("Expected default metrics port 9090, got %d", cfg.Metrics.Port)
	}
	if cfg.API.Port != 9000 {
		t.Errorf("Expected API port 9000, got %d", cfg.API.Port)
	}
	if cfg.API.MaxChunkSize != 16*bytesize.MB {
		t.Errorf("Expected max chunk size 16MB, got %v", cfg.API.MaxChunkSize)
	}
	if cfg.API.RequestTimeout != 2*time.Minute {
		t.Errorf("Expected request timeout 2m, got %v", cfg.API.RequestTimeout)
	}
	if cfg.Repository.Type != "badger" {
		t.Errorf("Expected repository type badger, got %q", cfg.Repository.Type)
	}
	if path, _ := cfg.Repository.Badger["path"].(string); path != "/var/lib/chunkd/sessions" {
		t.Errorf("Expected badger path to be decoded, got %v", cfg.Repository.Badger)
	}
	if cfg.ChunkStore.Type != "filesystem" {
		t.Errorf("Expected chunk store type filesystem, got %q", cfg.ChunkStore.Type)
	}
	if cfg.ChunkStore.Filesystem.BasePath != "/var/lib/chunkd/chunks" {
		t.Errorf("Expected chunk store base path, got %q", cfg.ChunkStore.Filesystem.BasePath)
	}
	if cfg.ArtifactStore.S3.Bucket != "chunkd-artifacts" {
		t.Errorf("Expected artifact bucket, got %q", cfg.ArtifactStore.S3.Bucket)
	}
	if cfg.Upload.SessionTTL != 2*time.Hour {
		t.Errorf("Expected session TTL 2h, got %v", cfg.Upload.SessionTTL)
	}
	if cfg.Upload.ReaperInterval != 30*time.Second {
		t.Errorf("Expected reaper interval 30s, got %v", cfg.Upload.ReaperInterval)
	}
	if cfg.Upload.CASMaxAttempts != 3 {
		t.Errorf("Expected cas_max_attempts 3, got %d", cfg.Upload.CASMaxAttempts)
	}
}

func TestLoad_InvalidStoreType_Fails(t *testing.T) {
	path := writeTempConfig(t, `
chunk_store:
  type: carrier-pigeon
`)

	if _, err := Load(path); err == nil {
		t.Fatal("Expected validation error for unknown store type")
	}
}

func TestLoad_FilesystemWithoutBasePath_Fails(t *testing.T) {
	path := writeTempConfig(t, `
artifact_store:
  type: filesystem
`)

	if _, err := Load(path); err == nil {
		t.Fatal("Expected validation error for missing base_path")
	}
}

func TestLoad_MalformedYAML_Fails(t *testing.T) {
	path := writeTempConfig(t, "logging: [not: valid")

	if _, err := Load(path); err == nil {
		t.Fatal("Expected error for malformed YAML")
	}
}

func TestSaveConfig_RoundTrip(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Logging.Level = "DEBUG"
	cfg.Upload.SessionTTL = 6 * time.Hour

	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Saved config missing: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("Expected mode 0600, got %v", info.Mode().Perm())
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load after save failed: %v", err)
	}
	if loaded.Logging.Level != "DEBUG" {
		t.Errorf("Expected level DEBUG, got %q", loaded.Logging.Level)
	}
	if loaded.Upload.SessionTTL != 6*time.Hour {
		t.Errorf("Expected session TTL 6h, got %v", loaded.Upload.SessionTTL)
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("CHUNKD_LOGGING_LEVEL", "ERROR")

	path := writeTempConfig(t, `
logging:
  level: info
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Logging.Level != "ERROR" {
		t.Errorf("Expected env override ERROR, got %q", cfg.Logging.Level)
	}
}
