package storage

import (
	"context"
	"fmt"

	"github.com/lgulliver/waypoint/pkg/config"
	"github.com/rs/zerolog/log"
)

// Backend names accepted in StorageConfig.Type
const (
	BackendLocal = "local"
	BackendS3    = "s3"
)

// Open returns the blob backend selected by cfg.Type
func Open(ctx context.Context, cfg *config.StorageConfig) (BlobStorage, error) {
	var (
		blobs BlobStorage
		err   error
	)
	switch cfg.Type {
	case BackendLocal, "":
		blobs, err = NewLocalStorage(cfg.LocalPath)
	case BackendS3:
		blobs, err = NewS3Storage(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s storage: %w", cfg.Type, err)
	}

	log.Info().Str("type", cfg.Type).Str("bucket", cfg.Bucket).Str("path", cfg.LocalPath).Msg("Blob storage ready")
	return blobs, nil
}
