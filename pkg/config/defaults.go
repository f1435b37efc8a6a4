package config

import (
	"strings"
	"time"
)

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// This function is called after loading configuration from file and environment
// variables to fill in any missing values with sensible defaults.
//
// Default Strategy:
//   - Zero values (0, "", false, nil) are replaced with defaults
//   - Explicit values are preserved
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyShutdownTimeoutDefaults(cfg)
	applyMetricsDefaults(&cfg.Metrics)
	applyRepositoryDefaults(&cfg.Repository)
	applyChunkStoreDefaults(&cfg.ChunkStore)
	applyArtifactStoreDefaults(&cfg.ArtifactStore)
	applyUploadDefaults(&cfg.Upload)
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	// Normalize log level to uppercase for consistent internal representation
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

// applyShutdownTimeoutDefaults sets shutdown timeout defaults.
func applyShutdownTimeoutDefaults(cfg *Config) {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
}

// applyMetricsDefaults sets metrics defaults.
func applyMetricsDefaults(cfg *MetricsConfig) {
	// Enabled defaults to false (opt-in for metrics)
	// Port defaults to 9090 if metrics are enabled
	if cfg.Enabled && cfg.Port == 0 {
		cfg.Port = 9090
	}
}

// applyRepositoryDefaults sets session repository defaults.
func applyRepositoryDefaults(cfg *RepositoryConfig) {
	if cfg.Type == "" {
		cfg.Type = "memory"
	}
}

// applyChunkStoreDefaults sets chunk store defaults.
func applyChunkStoreDefaults(cfg *ChunkStoreConfig) {
	if cfg.Type == "" {
		cfg.Type = "memory"
	}
}

// applyArtifactStoreDefaults sets artifact store defaults.
func applyArtifactStoreDefaults(cfg *ArtifactStoreConfig) {
	if cfg.Type == "" {
		cfg.Type = "memory"
	}
}

// applyUploadDefaults sets upload engine defaults.
func applyUploadDefaults(cfg *UploadConfig) {
	if cfg.SessionTTL == 0 {
		cfg.SessionTTL = 24 * time.Hour
	}
	if cfg.ReaperInterval == 0 {
		cfg.ReaperInterval = 5 * time.Minute
	}
	if cfg.CASMaxAttempts == 0 {
		cfg.CASMaxAttempts = 5
	}
}

// GetDefaultConfig returns a Config struct with all default values applied.
//
// This is useful for:
//   - Generating sample configuration files
//   - Testing
//   - Documentation
func GetDefaultConfig() *Config {
	cfg := &Config{
		Logging: LoggingConfig{},
		Repository: RepositoryConfig{
			Type: "memory",
		},
		ChunkStore: ChunkStoreConfig{
			Type: "memory",
		},
		ArtifactStore: ArtifactStoreConfig{
			Type: "memory",
		},
	}

	ApplyDefaults(cfg)
	return cfg
}
