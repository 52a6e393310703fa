package factory

import (
	"context"
	"fmt"
	"strings"

	"github.com/example/slotwatch/internal/store"
	pg "github.com/example/slotwatch/internal/store/postgres"
	rd "github.com/example/slotwatch/internal/store/redis"
	sq "github.com/example/slotwatch/internal/store/sqlite"
)

type Options struct {
	// Driver is one of memory, sqlite, postgres, redis. Empty infers from DSN.
	Driver string
	DSN    string
	Redis  rd.Config
}

// Open selects a store implementation.
//   - memory
//   - sqlite: DSN is a path, "sqlite://<path>" also accepted (default)
//   - postgres: DSN "postgres://..." or "postgresql://..."
//   - redis: DSN "redis://..." or the fields of Options.Redis
func Open(ctx context.Context, opts Options) (store.Store, error) {
	driver := strings.ToLower(strings.TrimSpace(opts.Driver))
	dsn := strings.TrimSpace(opts.DSN)
	if driver == "" {
		driver = inferDriver(dsn)
	}

	switch driver {
	case "memory":
		return store.NewMemory(), nil
	case "sqlite":
		if dsn == "" {
			dsn = "slotwatch.db"
		}
		return sq.New(ctx, strings.TrimPrefix(dsn, "sqlite://"))
	case "postgres", "postgresql":
		if dsn == "" {
			return nil, fmt.Errorf("postgres store needs STORE_DSN")
		}
		return pg.New(ctx, dsn)
	case "redis":
		rc := opts.Redis
		if rc.URL == "" && strings.HasPrefix(strings.ToLower(dsn), "redis://") {
			rc.URL = dsn
		}
		return rd.New(ctx, rc)
	default:
		return nil, fmt.Errorf("unknown store driver %q", opts.Driver)
	}
}

func inferDriver(dsn string) string {
	ld := strings.ToLower(dsn)
	switch {
	case strings.HasPrefix(ld, "postgres://"), strings.HasPrefix(ld, "postgresql://"):
		return "postgres"
	case strings.HasPrefix(ld, "redis://"):
		return "redis"
	default:
		return "sqlite"
	}
}
