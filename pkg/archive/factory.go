package archive

import (
	"context"
	"fmt"
)

// Kind selects an archive backend.
type Kind string

const (
	KindNone Kind = "none"
	KindFS   Kind = "fs"
	KindS3   Kind = "s3"
	KindGCS  Kind = "gcs"
)

// GCSConfig holds configuration for GCSStore.
type GCSConfig struct {
	Bucket string
	Prefix string
}

// Config selects and configures the archive backend.
type Config struct {
	Kind Kind
	Dir  string
	S3   S3Config
	GCS  GCSConfig
}

// New creates the store selected by cfg. KindNone returns a nil store.
func New(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Kind {
	case KindNone, "":
		return nil, nil
	case KindFS:
		if cfg.Dir == "" {
			return nil, fmt.Errorf("archive: directory is required for fs storage")
		}
		return NewFileStore(cfg.Dir)
	case KindS3:
		return NewS3Store(ctx, cfg.S3)
	case KindGCS:
		return newGCSStore(ctx, cfg.GCS)
	default:
		return nil, fmt.Errorf("unsupported archive storage type: %s", cfg.Kind)
	}
}
