package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Validate checks the configuration for errors.
//
// Validation happens in two passes:
//  1. Struct tag validation (ranges, oneof sets, required fields)
//  2. Cross-field checks the tags cannot express (backend-specific
//     requirements such as a base path for filesystem stores)
//
// Returns a descriptive error listing every failed field.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("configuration is nil")
	}

	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) {
			return formatValidationErrors(validationErrors)
		}
		return err
	}

	if err := validateRepository(&cfg.Repository); err != nil {
		return err
	}
	if err := validateStoreBackend("chunk_store", cfg.ChunkStore.Type, cfg.ChunkStore.Filesystem, cfg.ChunkStore.S3); err != nil {
		return err
	}
	if err := validateStoreBackend("artifact_store", cfg.ArtifactStore.Type, cfg.ArtifactStore.Filesystem, cfg.ArtifactStore.S3); err != nil {
		return err
	}

	return nil
}

// validateRepository checks backend-specific repository requirements.
func validateRepository(cfg *RepositoryConfig) error {
	switch cfg.Type {
	case "badger":
		path, _ := cfg.Badger["path"].(string)
		inMemory, _ := cfg.Badger["in_memory"].(bool)
		if path == "" && !inMemory {
			return fmt.Errorf("repository: badger backend requires path (or in_memory: true)")
		}
	case "postgres":
		for _, field := range []string{"host", "database", "user"} {
			if v, _ := cfg.Postgres[field].(string); v == "" {
				return fmt.Errorf("repository: postgres backend requires %s", field)
			}
		}
	}
	return nil
}

// validateStoreBackend checks backend-specific chunk/artifact store
// requirements.
func validateStoreBackend(section, storeType string, fs FSStoreConfig, s3 S3StoreConfig) error {
	switch storeType {
	case "filesystem":
		if fs.BasePath == "" {
			return fmt.Errorf("%s: filesystem backend requires base_path", section)
		}
	case "s3":
		if s3.Bucket == "" {
			return fmt.Errorf("%s: s3 backend requires bucket", section)
		}
	}
	return nil
}

// formatValidationErrors converts validator errors into a readable message
// listing every failed field.
func formatValidationErrors(errs validator.ValidationErrors) error {
	messages := make([]string, 0, len(errs))
	for _, e := range errs {
		switch e.Tag() {
		case "required":
			messages = append(messages, fmt.Sprintf("%s is required", fieldPath(e)))
		case "oneof":
			messages = append(messages, fmt.Sprintf("%s must be one of: %s", fieldPath(e), e.Param()))
		case "min":
			messages = append(messages, fmt.Sprintf("%s must be at least %s", fieldPath(e), e.Param()))
		case "max":
			messages = append(messages, fmt.Sprintf("%s must be at most %s", fieldPath(e), e.Param()))
		case "gt":
			messages = append(messages, fmt.Sprintf("%s must be greater than %s", fieldPath(e), e.Param()))
		default:
			messages = append(messages, fmt.Sprintf("%s failed %s validation", fieldPath(e), e.Tag()))
		}
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(messages, "; "))
}

// fieldPath renders the struct namespace without the leading type name.
func fieldPath(e validator.FieldError) string {
	path := e.StructNamespace()
	if idx := strings.Index(path, "."); idx >= 0 {
		path = path[idx+1:]
	}
	return path
}
