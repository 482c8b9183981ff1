package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/geoattend/internal/config"
	"github.com/sells-group/geoattend/internal/store"
)

func initStore(ctx context.Context, c *config.Config) (store.Store, error) {
	switch c.Store.Driver {
	case "sqlite":
		dsn := c.Store.DatabaseURL
		if dsn == "" {
			dsn = "geoattend.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, c.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: c.Store.MaxConns,
			MinConns: c.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", c.Store.Driver)
	}
}

// openMigratedStore opens the configured store and brings its schema up to date.
func openMigratedStore(ctx context.Context, c *config.Config) (store.Store, error) {
	st, err := initStore(ctx, c)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}
