// Package store selects a grievance backend from a DSN.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"grievdesk.org/internal/grievance"
	"grievdesk.org/internal/store/pg"
	"grievdesk.org/internal/store/sqlite"
)

const (
	KindMemory   = "memory"
	KindPostgres = "postgres"
	KindSQLite   = "sqlite"
)

// Backend is an opened store plus what the caller needs to manage it.
type Backend struct {
	Store grievance.Store
	Kind  string
	// DB is nil for the in-memory backend.
	DB    *sql.DB
	close func() error
}

func (b *Backend) Close() error {
	if b == nil || b.close == nil {
		return nil
	}
	return b.close()
}

// Open understands three DSN forms:
//
//	"" or "memory"                      in-process, lost on exit
//	postgres://... or postgresql://...  Postgres via pgx
//	sqlite:/path/to/file.db             embedded SQLite
func Open(ctx context.Context, dsn string) (*Backend, error) {
	dsn = strings.TrimSpace(dsn)
	switch {
	case dsn == "" || dsn == KindMemory:
		return &Backend{Store: grievance.NewInMemory(), Kind: KindMemory}, nil
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		s, err := pg.Open(dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := s.Ping(ctx); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		return &Backend{Store: s, Kind: KindPostgres, DB: s.DB(), close: s.Close}, nil
	case strings.HasPrefix(dsn, "sqlite:"):
		s, err := sqlite.Open(strings.TrimPrefix(dsn, "sqlite:"))
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		return &Backend{Store: s, Kind: KindSQLite, DB: s.DB(), close: s.Close}, nil
	}
	return nil, fmt.Errorf("unsupported DSN scheme in %q", redact(dsn))
}

// redact strips credentials from a DSN for error messages.
func redact(dsn string) string {
	if at := strings.LastIndex(dsn, "@"); at >= 0 {
		if i := strings.Index(dsn, "://"); i >= 0 && i < at {
			return dsn[:i+3] + "***" + dsn[at:]
		}
	}
	return dsn
}
