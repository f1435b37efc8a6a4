package config

import (
	"context"
	"fmt"
	"os"

	"github.com/mitchellh/mapstructure"

	"github.com/chunkd-io/chunkd/pkg/upload"
	artifactfs "github.com/chunkd-io/chunkd/pkg/upload/artifact/fs"
	artifactmemory "github.com/chunkd-io/chunkd/pkg/upload/artifact/memory"
	artifacts3 "github.com/chunkd-io/chunkd/pkg/upload/artifact/s3"
	"github.com/chunkd-io/chunkd/pkg/upload/repo/badger"
	repomemory "github.com/chunkd-io/chunkd/pkg/upload/repo/memory"
	"github.com/chunkd-io/chunkd/pkg/upload/repo/postgres"
	chunkfs "github.com/chunkd-io/chunkd/pkg/upload/store/fs"
	chunkmemory "github.com/chunkd-io/chunkd/pkg/upload/store/memory"
	chunks3 "github.com/chunkd-io/chunkd/pkg/upload/store/s3"
)

// CreateSessionRepository creates a session repository instance from
// configuration.
func CreateSessionRepository(ctx context.Context, cfg RepositoryConfig) (upload.SessionRepository, error) {
	switch cfg.Type {
	case "memory", "":
		return repomemory.New(), nil
	case "badger":
		return createBadgerRepository(cfg)
	case "postgres":
		return createPostgresRepository(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown repository type: %q", cfg.Type)
	}
}

// createBadgerRepository creates a BadgerDB session repository.
func createBadgerRepository(cfg RepositoryConfig) (upload.SessionRepository, error) {
	var badgerCfg badger.Config
	if err := decodeBackendConfig(cfg.Badger, &badgerCfg); err != nil {
		return nil, fmt.Errorf("invalid badger config: %w", err)
	}

	if badgerCfg.Path == "" && !badgerCfg.InMemory {
		return nil, fmt.Errorf("badger repository requires path to be set")
	}

	repo, err := badger.New(badgerCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}
	return repo, nil
}

// createPostgresRepository creates a PostgreSQL session repository.
func createPostgresRepository(ctx context.Context, cfg RepositoryConfig) (upload.SessionRepository, error) {
	var pgCfg postgres.Config
	if err := decodeBackendConfig(cfg.Postgres, &pgCfg); err != nil {
		return nil, fmt.Errorf("invalid postgres config: %w", err)
	}

	pgCfg.ApplyDefaults()
	if err := pgCfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid postgres config: %w", err)
	}

	repo, err := postgres.New(ctx, &pgCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	return repo, nil
}

// CreateChunkStore creates a chunk store instance from configuration.
func CreateChunkStore(ctx context.Context, cfg ChunkStoreConfig) (upload.ChunkStore, error) {
	switch cfg.Type {
	case "memory", "":
		return chunkmemory.New(), nil
	case "filesystem":
		if cfg.Filesystem.BasePath == "" {
			return nil, fmt.Errorf("filesystem chunk store requires base_path to be set")
		}
		return chunkfs.New(chunkfs.Config{
			BasePath:  cfg.Filesystem.BasePath,
			CreateDir: cfg.Filesystem.createDir(),
			DirMode:   os.FileMode(cfg.Filesystem.DirMode),
		})
	case "s3":
		if cfg.S3.Bucket == "" {
			return nil, fmt.Errorf("s3 chunk store requires bucket to be set")
		}
		return chunks3.NewFromConfig(ctx, chunks3.Config{
			Bucket:          cfg.S3.Bucket,
			Region:          cfg.S3.Region,
			Endpoint:        cfg.S3.Endpoint,
			KeyPrefix:       cfg.S3.KeyPrefix,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			ForcePathStyle:  cfg.S3.ForcePathStyle,
		})
	default:
		return nil, fmt.Errorf("unknown chunk store type: %q", cfg.Type)
	}
}

// CreateArtifactStore creates an artifact store instance from configuration.
func CreateArtifactStore(ctx context.Context, cfg ArtifactStoreConfig) (upload.ArtifactStore, error) {
	switch cfg.Type {
	case "memory", "":
		return artifactmemory.New(), nil
	case "filesystem":
		if cfg.Filesystem.BasePath == "" {
			return nil, fmt.Errorf("filesystem artifact store requires base_path to be set")
		}
		return artifactfs.New(artifactfs.Config{
			BasePath:  cfg.Filesystem.BasePath,
			CreateDir: cfg.Filesystem.createDir(),
		})
	case "s3":
		if cfg.S3.Bucket == "" {
			return nil, fmt.Errorf("s3 artifact store requires bucket to be set")
		}
		return artifacts3.NewFromConfig(ctx, artifacts3.Config{
			Bucket:          cfg.S3.Bucket,
			Region:          cfg.S3.Region,
			Endpoint:        cfg.S3.Endpoint,
			KeyPrefix:       cfg.S3.KeyPrefix,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			ForcePathStyle:  cfg.S3.ForcePathStyle,
		})
	default:
		return nil, fmt.Errorf("unknown artifact store type: %q", cfg.Type)
	}
}

// createDir resolves the CreateDir pointer; directories are created by
// default.
func (c FSStoreConfig) createDir() bool {
	if c.CreateDir == nil {
		return true
	}
	return *c.CreateDir
}

// decodeBackendConfig decodes a backend sub-map into its typed config,
// applying the same decode hooks used for the top-level config (durations,
// byte sizes).
func decodeBackendConfig(input map[string]interface{}, target any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: configDecodeHooks(),
		Result:     target,
	})
	if err != nil {
		return err
	}
	return decoder.Decode(input)
}
