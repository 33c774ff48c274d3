// Package backend opens the store.Gateway selected by store.driver.
package backend

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/msageha/cogno/internal/config"
	"github.com/msageha/cogno/internal/model"
	"github.com/msageha/cogno/internal/store"
	"github.com/msageha/cogno/internal/store/memstore"
	"github.com/msageha/cogno/internal/store/postgres"
	"github.com/msageha/cogno/internal/store/sqlite"
)

// DefaultSQLitePath is used, relative to the data dir, when the sqlite driver has no DSN.
const DefaultSQLitePath = "state/cogno.db"

func Open(ctx context.Context, cfg model.Config, dataDir string) (store.Gateway, error) {
	dsn := config.ResolveDSN(cfg)
	switch cfg.Store.Driver {
	case "memory":
		return memstore.New(), nil
	case "sqlite":
		if dsn == "" {
			dsn = filepath.Join(dataDir, DefaultSQLitePath)
		} else if dsn != ":memory:" && !filepath.IsAbs(dsn) {
			dsn = filepath.Join(dataDir, dsn)
		}
		s, err := sqlite.Open(dsn)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return s, nil
	case "postgres":
		if dsn == "" {
			return nil, fmt.Errorf("store.driver postgres: neither store.dsn nor $%s is set", cfg.Store.DSNEnv)
		}
		s, err := postgres.Open(ctx, dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Store.Driver)
	}
}
