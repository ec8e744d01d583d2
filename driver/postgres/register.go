package postgres

import (
	"context"
	"time"

	"github.com/gobeaver/treefs"
)

// connectTimeout bounds connecting and creating the schema.
const connectTimeout = 30 * time.Second

func init() {
	treefs.RegisterDriver("postgres", func(cfg *treefs.Config) (treefs.Directory, error) {
		ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
		defer cancel()
		return Open(ctx, cfg.PostgresURL, cfg.PostgresTable)
	})
}
