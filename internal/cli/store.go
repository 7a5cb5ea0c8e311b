package cli

import (
	"context"

	"github.com/lsm/wikiflow/internal/config"
	"github.com/lsm/wikiflow/internal/store"
	"github.com/lsm/wikiflow/internal/store/postgres"
)

// storeHandle is the part of the store the operator commands use.
type storeHandle interface {
	Stats(ctx context.Context) (store.Stats, error)
	Close() error
}

// openStoreFunc opens the store and applies pending migrations.
// Tests can replace this to stub out the database.
var openStoreFunc = func(ctx context.Context, cfg config.DatabaseConfig) (storeHandle, error) {
	return postgres.New(ctx, postgres.Config{
		URL:             cfg.URL,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
	})
}
