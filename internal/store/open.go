package store

import (
	"context"
	"fmt"
	"strings"
)

// Open builds an AttemptStore from a DSN. Supported schemes: memory://,
// sqlite://<path> (sqlite://:memory: for a private in-memory database) and
// postgres:// or postgresql://.
func Open(ctx context.Context, dsn string) (AttemptStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryStore(), nil
	}

	scheme, rest, ok := strings.Cut(dsn, "://")
	if !ok {
		return nil, fmt.Errorf("store dsn %q has no scheme", dsn)
	}

	switch strings.ToLower(scheme) {
	case "memory":
		return NewMemoryStore(), nil
	case "sqlite", "sqlite3":
		if rest == "" {
			return nil, fmt.Errorf("sqlite dsn requires a path")
		}
		return NewSQLiteStore(ctx, rest)
	case "postgres", "postgresql":
		return NewPostgresStore(ctx, dsn)
	default:
		return nil, fmt.Errorf("unsupported store scheme: %s", scheme)
	}
}
