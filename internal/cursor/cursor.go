// Package cursor persists the identifier of the last mirrored post so a
// restart does not publish it again.
package cursor

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/blackmichael/feed-mirror/internal/domain"
)

// DefaultPath is where the file store keeps the cursor when no store is
// configured.
const DefaultPath = "data/last_mirrored.json"

// Open returns the store described by dsn:
//
//	memory                 process memory only
//	sqlite://path          SQLite database (sqlite://:memory: for a throwaway one)
//	postgres://...         PostgreSQL
//	redis://host:port/db   Redis
//	file://path or a path  JSON file
//
// key names the cursor inside shared stores, so several mirrors can use the
// same database.
func Open(ctx context.Context, dsn, key string) (domain.CursorRepository, error) {
	switch {
	case dsn == "memory":
		return NewMemory(), nil
	case strings.HasPrefix(dsn, "sqlite://"):
		store, err := OpenSQLite(ctx, strings.TrimPrefix(dsn, "sqlite://"), key)
		if err != nil {
			return nil, err
		}
		return store, nil
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		store, err := OpenPostgres(ctx, dsn, key)
		if err != nil {
			return nil, err
		}
		return store, nil
	case strings.HasPrefix(dsn, "redis://"), strings.HasPrefix(dsn, "rediss://"):
		store, err := OpenRedis(ctx, dsn, key)
		if err != nil {
			return nil, err
		}
		return store, nil
	case strings.HasPrefix(dsn, "file://"):
		return NewFile(strings.TrimPrefix(dsn, "file://")), nil
	case dsn == "":
		return NewFile(DefaultPath), nil
	case strings.Contains(dsn, "://"):
		return nil, fmt.Errorf("unsupported cursor store %q", dsn)
	default:
		return NewFile(dsn), nil
	}
}

// Memory keeps the cursor in process memory.
type Memory struct {
	mu sync.Mutex
	id string
	ok bool
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) GetCursor(context.Context) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.id, m.ok, nil
}

func (m *Memory) UpdateCursor(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.id, m.ok = id, true
	return nil
}

func (m *Memory) Close() error { return nil }
