package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/chunkd-io/chunkd/internal/bytesize"
	"github.com/chunkd-io/chunkd/pkg/api"
)

// Config represents the chunkd configuration.
//
// This structure captures all static configuration of the chunkd server:
//   - Logging configuration
//   - Server settings (shutdown timeout, metrics, API)
//   - Session repository backend (memory, badger, postgres)
//   - Chunk store backend (memory, filesystem, s3)
//   - Artifact store backend (memory, filesystem, s3)
//   - Upload engine tuning (session TTL, reaper interval)
//
// Configuration sources (in order of precedence):
//  1. CLI flags (highest priority)
//  2. Environment variables (CHUNKD_*)
//  3. Configuration file (YAML)
//  4. Default values (lowest priority)
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// ShutdownTimeout is the maximum time to wait for graceful shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0" yaml:"shutdown_timeout"`

	// Metrics contains Prometheus metrics server configuration
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// API contains the REST API server configuration
	API api.APIConfig `mapstructure:"api" yaml:"api"`

	// Repository configures the session repository backend
	Repository RepositoryConfig `mapstructure:"repository" yaml:"repository"`

	// ChunkStore configures the staged chunk bytes backend
	ChunkStore ChunkStoreConfig `mapstructure:"chunk_store" yaml:"chunk_store"`

	// ArtifactStore configures the merged artifact backend
	ArtifactStore ArtifactStoreConfig `mapstructure:"artifact_store" yaml:"artifact_store"`

	// Upload contains upload engine tuning
	Upload UploadConfig `mapstructure:"upload" yaml:"upload"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive, normalized to uppercase)
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format specifies the log output format
	// Valid values: text, json
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// MetricsConfig configures the Prometheus metrics HTTP server.
// When Enabled is false, no metrics are collected (zero overhead).
type MetricsConfig struct {
	// Enabled controls whether metrics collection and HTTP server are enabled
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Port is the HTTP port for the metrics endpoint
	// Default: 9090
	Port int `mapstructure:"port" validate:"omitempty,min=1,max=65535" yaml:"port"`
}

// RepositoryConfig selects and configures the session repository backend.
//
// Backend-specific settings live in the sub-map matching the selected type;
// they are decoded into the backend's own config struct at startup.
type RepositoryConfig struct {
	// Type selects the backend.
	// Valid values: memory, badger, postgres
	// Default: memory
	Type string `mapstructure:"type" validate:"omitempty,oneof=memory badger postgres" yaml:"type"`

	// Badger holds BadgerDB-specific settings (path, in_memory)
	Badger map[string]interface{} `mapstructure:"badger" yaml:"badger,omitempty"`

	// Postgres holds PostgreSQL-specific settings (host, port, database, ...)
	Postgres map[string]interface{} `mapstructure:"postgres" yaml:"postgres,omitempty"`
}

// ChunkStoreConfig selects and configures the chunk store backend.
type ChunkStoreConfig struct {
	// Type selects the backend.
	// Valid values: memory, filesystem, s3
	// Default: memory
	Type string `mapstructure:"type" validate:"omitempty,oneof=memory filesystem s3" yaml:"type"`

	// Filesystem holds filesystem-specific settings (base_path, ...)
	Filesystem FSStoreConfig `mapstructure:"filesystem" yaml:"filesystem,omitempty"`

	// S3 holds S3-specific settings (bucket, region, endpoint, ...)
	S3 S3StoreConfig `mapstructure:"s3" yaml:"s3,omitempty"`
}

// ArtifactStoreConfig selects and configures the artifact store backend.
type ArtifactStoreConfig struct {
	// Type selects the backend.
	// Valid values: memory, filesystem, s3
	// Default: memory
	Type string `mapstructure:"type" validate:"omitempty,oneof=memory filesystem s3" yaml:"type"`

	// Filesystem holds filesystem-specific settings (base_path, ...)
	Filesystem FSStoreConfig `mapstructure:"filesystem" yaml:"filesystem,omitempty"`

	// S3 holds S3-specific settings (bucket, region, endpoint, ...)
	S3 S3StoreConfig `mapstructure:"s3" yaml:"s3,omitempty"`
}

// FSStoreConfig holds filesystem backend settings shared by the chunk and
// artifact stores.
type FSStoreConfig struct {
	// BasePath is the root directory for stored bytes (required for the
	// filesystem backend)
	BasePath string `mapstructure:"base_path" yaml:"base_path,omitempty"`

	// CreateDir controls whether BasePath is created if missing.
	// Default: true
	CreateDir *bool `mapstructure:"create_dir" yaml:"create_dir,omitempty"`

	// DirMode is the permission mode for created directories (octal).
	// Default: 0755
	DirMode uint32 `mapstructure:"dir_mode" yaml:"dir_mode,omitempty"`
}

// S3StoreConfig holds S3 backend settings shared by the chunk and artifact
// stores.
type S3StoreConfig struct {
	// Bucket is the S3 bucket name (required for the s3 backend)
	Bucket string `mapstructure:"bucket" yaml:"bucket,omitempty"`

	// Region is the AWS region (optional, uses SDK default if empty)
	Region string `mapstructure:"region" yaml:"region,omitempty"`

	// Endpoint is the S3 endpoint URL (optional, for S3-compatible services)
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`

	// KeyPrefix is prepended to all object keys (e.g., "chunks/")
	KeyPrefix string `mapstructure:"key_prefix" yaml:"key_prefix,omitempty"`

	// AccessKeyID and SecretAccessKey override the SDK's default credential
	// chain when both are set (for MinIO/Localstack)
	AccessKeyID     string `mapstructure:"access_key_id" yaml:"access_key_id,omitempty"`
	SecretAccessKey string `mapstructure:"secret_access_key" yaml:"secret_access_key,omitempty"`

	// ForcePathStyle forces path-style addressing (required for Localstack/MinIO)
	ForcePathStyle bool `mapstructure:"force_path_style" yaml:"force_path_style,omitempty"`
}

// UploadConfig tunes the upload engine and the session reaper.
type UploadConfig struct {
	// SessionTTL is how long a session may sit without activity before the
	// reaper expires it.
	// Default: 24h
	SessionTTL time.Duration `mapstructure:"session_ttl" validate:"omitempty,gt=0" yaml:"session_ttl"`

	// ReaperInterval is how often the reaper sweeps for stalled sessions.
	// Default: 5m
	ReaperInterval time.Duration `mapstructure:"reaper_interval" validate:"omitempty,gt=0" yaml:"reaper_interval"`

	// CASMaxAttempts bounds internal retries on concurrent session updates.
	// Default: 5
	CASMaxAttempts int `mapstructure:"cas_max_attempts" validate:"omitempty,min=1" yaml:"cas_max_attempts"`
}

// Load loads configuration from file, environment, and defaults.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (CHUNKD_*)
//  2. Configuration file
//  3. Default values
//
// Parameters:
//   - configPath: Path to config file (empty string uses default location)
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: Configuration loading or validation error
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Configure viper
	setupViper(v, configPath)

	// Read configuration file if it exists
	configFileFound, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}

	// If no config file was found, use defaults
	if !configFileFound {
		cfg := GetDefaultConfig()
		return cfg, nil
	}

	// Unmarshal into config struct with custom decode hooks
	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Apply defaults for any missing values
	ApplyDefaults(&cfg)

	// Validate configuration
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// MustLoad loads configuration with helpful error messages.
// It checks if the config file exists and provides user-friendly instructions if not.
func MustLoad(configPath string) (*Config, error) {
	// Determine config path
	if configPath == "" {
		if !DefaultConfigExists() {
			return nil, fmt.Errorf("no configuration file found at default location: %s\n\n"+
				"Please initialize a configuration file first:\n"+
				"  chunkd init\n\n"+
				"Or specify a custom config file:\n"+
				"  chunkd <command> --config /path/to/config.yaml",
				GetDefaultConfigPath())
		}
		configPath = GetDefaultConfigPath()
	} else {
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			return nil, fmt.Errorf("configuration file not found: %s\n\n"+
				"Please create the configuration file:\n"+
				"  chunkd init --config %s",
				configPath, configPath)
		}
	}

	// Load configuration
	cfg, err := Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to the specified file path.
// The configuration is saved in YAML format using proper yaml tags.
func SaveConfig(cfg *Config, path string) error {
	// Create parent directory if it doesn't exist
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// Use yaml.Marshal directly to respect yaml tags
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// Write to file with restricted permissions (0600 = owner read/write only).
	// Config files may contain storage credentials.
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// setupViper configures viper with environment variables and config file settings.
func setupViper(v *viper.Viper, configPath string) {
	// Set up environment variable support
	// Environment variables use CHUNKD_ prefix and underscores
	// Example: CHUNKD_LOGGING_LEVEL=DEBUG
	v.SetEnvPrefix("CHUNKD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Configure config file search
	if configPath != "" {
		// Use explicitly specified config file
		v.SetConfigFile(configPath)
	} else {
		// Use default location: $XDG_CONFIG_HOME/chunkd/config.yaml
		configDir := getConfigDir()
		v.AddConfigPath(configDir)
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the configuration file if it exists.
// Returns (fileFound, error) where fileFound indicates if a config file was found.
func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		// Check if error is "config file not found"
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found is acceptable - use defaults
			return false, nil
		}
		// Also check for os.PathError when explicit config file doesn't exist
		if os.IsNotExist(err) {
			return false, nil
		}
		// Other errors are problems
		return false, fmt.Errorf("failed to read config file: %w", err)
	}

	return true, nil
}

// configDecodeHooks returns a combined decode hook for all custom types.
// This includes ByteSize and time.Duration parsing.
func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		byteSizeDecodeHook(),
		durationDecodeHook(),
	)
}

// byteSizeDecodeHook returns a mapstructure decode hook that converts strings
// and integers to bytesize.ByteSize. This enables config files to use
// human-readable sizes like "1Gi", "500Mi", "100MB", or plain numbers.
func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		// Only handle conversion to ByteSize
		if to != reflect.TypeOf(bytesize.ByteSize(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			// Parse human-readable string like "1Gi", "500Mi", "100MB"
			return bytesize.ParseByteSize(v)
		case int:
			return bytesize.ByteSize(v), nil
		case int64:
			return bytesize.ByteSize(v), nil
		case uint64:
			return bytesize.ByteSize(v), nil
		case float64:
			// YAML often deserializes numbers as float64
			return bytesize.ByteSize(v), nil
		default:
			return data, nil
		}
	}
}

// durationDecodeHook returns a mapstructure decode hook that converts strings
// to time.Duration. This enables config files to use human-readable durations
// like "30s", "5m", "1h".
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		// Only handle conversion to time.Duration
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			// Parse duration string like "30s", "5m", "1h"
			return time.ParseDuration(v)
		case int:
			// Assume nanoseconds for raw integers
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			// YAML often deserializes numbers as float64
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

// getConfigDir returns the configuration directory path.
//
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config, or falls back to current
// directory (.) if home directory cannot be determined.
func getConfigDir() string {
	// Check XDG_CONFIG_HOME
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "chunkd")
	}

	// Fall back to ~/.config
	home, err := os.UserHomeDir()
	if err != nil {
		// If we can't get home dir, use current directory as last resort
		return "."
	}

	return filepath.Join(home, ".config", "chunkd")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// DefaultConfigExists checks if a config file exists at the default location.
func DefaultConfigExists() bool {
	path := GetDefaultConfigPath()
	_, err := os.Stat(path)
	return err == nil
}

// GetConfigDir returns the configuration directory path (exposed for init command).
func GetConfigDir() string {
	return getConfigDir()
}
