package artifacts

import (
	"context"
	"fmt"
)

// StoreType represents the type of artifact storage backend.
type StoreType string

const (
	StoreTypeFS     StoreType = "fs"
	StoreTypeMemory StoreType = "memory"
	StoreTypeS3     StoreType = "s3"
	StoreTypeGCS    StoreType = "gcs"
	StoreTypeBadger StoreType = "badger"
)

type GCSStoreConfig struct {
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
}

// Config selects and configures an object store backend.
type Config struct {
	Type   StoreType         `mapstructure:"type"`
	Dir    string            `mapstructure:"dir"`
	S3     S3StoreConfig     `mapstructure:"s3"`
	GCS    GCSStoreConfig    `mapstructure:"gcs"`
	Badger BadgerStoreConfig `mapstructure:"badger"`
}

// NewStoreFromConfig builds the configured backend. An empty type means "fs".
func NewStoreFromConfig(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Type {
	case "", StoreTypeFS:
		dir := cfg.Dir
		if dir == "" {
			dir = "data"
		}
		return NewFileStore(dir)
	case StoreTypeMemory:
		return NewMemoryStore(), nil
	case StoreTypeS3:
		if cfg.S3.Bucket == "" {
			return nil, fmt.Errorf("artifacts.s3.bucket is required for S3 storage")
		}
		if cfg.S3.Region == "" {
			cfg.S3.Region = "us-east-1"
		}
		return NewS3Store(ctx, cfg.S3)
	case StoreTypeGCS:
		if cfg.GCS.Bucket == "" {
			return nil, fmt.Errorf("artifacts.gcs.bucket is required for GCS storage")
		}
		return newGCSStore(ctx, cfg.GCS)
	case StoreTypeBadger:
		b := cfg.Badger
		if b.Dir == "" && !b.InMemory {
			b.Dir = cfg.Dir
		}
		return NewBadgerStore(b)
	default:
		return nil, fmt.Errorf("unsupported artifact storage type: %s", cfg.Type)
	}
}
