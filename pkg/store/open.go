package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/mosesy5688-cell/ai-nexus-sub001/pkg/artifacts"
)

type Backend string

const (
	BackendObject   Backend = "object"
	BackendPostgres Backend = "postgres"
	BackendSQLite   Backend = "sqlite"
)

// Config selects where manifests live.
type Config struct {
	Backend   Backend          `mapstructure:"backend"`
	DSN       string           `mapstructure:"dsn"`
	Artifacts artifacts.Config `mapstructure:"artifacts"`
}

// Open builds the configured ManifestStore. SQL backends have their schema created.
func Open(ctx context.Context, cfg Config) (ManifestStore, error) {
	switch cfg.Backend {
	case "", BackendObject:
		objects, err := artifacts.NewStoreFromConfig(ctx, cfg.Artifacts)
		if err != nil {
			return nil, err
		}
		return NewObjectManifestStore(objects), nil
	case BackendPostgres, BackendSQLite:
		if cfg.DSN == "" {
			return nil, fmt.Errorf("store.dsn is required for the %s backend", cfg.Backend)
		}
		db, err := sql.Open(string(cfg.Backend), cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", cfg.Backend, err)
		}
		if cfg.Backend == BackendSQLite {
			// One writer at a time; the CAS predicate does the rest.
			db.SetMaxOpenConns(1)
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("ping %s: %w", cfg.Backend, err)
		}
		s := NewSQLManifestStore(db)
		if err := s.Init(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported manifest store backend: %s", cfg.Backend)
	}
}
