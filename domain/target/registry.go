// Package target implements the Target Registry (C3): a cached pool of
// *sqlx.DB engines opened against user-configured DB Targets, keyed by
// target id (spec.md §4.3).
package target

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jmoiron/sqlx"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/microsoft/go-mssqldb"
	_ "modernc.org/sqlite"

	"github.com/RohithBalasubramani/plc-logger/domain/catalog"
	agenterrors "github.com/RohithBalasubramani/plc-logger/infrastructure/errors"
)

const testTimeout = time.Second

// driverName maps a catalog.Provider to the database/sql driver registered
// under that name.
func driverName(p catalog.Provider) (string, error) {
	switch p {
	case catalog.ProviderSQLite:
		return "sqlite", nil
	case catalog.ProviderPostgres:
		return "postgres", nil
	case catalog.ProviderMySQL:
		return "mysql", nil
	case catalog.ProviderSQLServer:
		return "sqlserver", nil
	default:
		return "", agenterrors.New(agenterrors.CodeProtocolInvalid, fmt.Sprintf("unsupported target provider %q", p), 400)
	}
}

// Registry opens and caches one *sqlx.DB per target id, evicting the least
// recently used engine (and closing it) once capacity is exceeded.
type Registry struct {
	mu      sync.Mutex
	engines *lru.Cache[string, *sqlx.DB]
	store   catalog.Store
}

// New creates a Registry backed by store (used to resolve target
// provider/connection-string by id) with room for capacity concurrently
// open engines.
func New(store catalog.Store, capacity int) (*Registry, error) {
	r := &Registry{store: store}
	cache, err := lru.NewWithEvict(capacity, func(_ string, db *sqlx.DB) {
		db.Close()
	})
	if err != nil {
		return nil, fmt.Errorf("target: new lru: %w", err)
	}
	r.engines = cache
	return r, nil
}

// Engine returns the cached *sqlx.DB for targetID, opening and caching it
// on first use.
func (r *Registry) Engine(ctx context.Context, targetID string) (*sqlx.DB, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if db, ok := r.engines.Get(targetID); ok {
		return db, nil
	}

	t, err := r.store.GetTarget(ctx, targetID)
	if err != nil {
		return nil, err
	}

	drv, err := driverName(t.Provider)
	if err != nil {
		return nil, err
	}

	db, err := sqlx.Open(drv, t.ConnectionString)
	if err != nil {
		return nil, agenterrors.Wrap(agenterrors.CodeDBTargetUnreachable, "failed to open target connection", 502, err)
	}
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	r.engines.Add(targetID, db)
	return db, nil
}

// Test opens (or reuses) the target's engine and runs a dialect-neutral
// SELECT 1 under a 1s timeout, recording the observed status on the
// catalog record (spec.md §4.3).
func (r *Registry) Test(ctx context.Context, targetID string) error {
	db, err := r.Engine(ctx, targetID)
	if err != nil {
		_ = r.store.SetTargetStatus(ctx, targetID, catalog.TargetFail, strPtr(err.Error()))
		return err
	}

	testCtx, cancel := context.WithTimeout(ctx, testTimeout)
	defer cancel()

	if _, err := db.ExecContext(testCtx, "SELECT 1"); err != nil {
		msg := err.Error()
		_ = r.store.SetTargetStatus(ctx, targetID, catalog.TargetFail, &msg)
		return agenterrors.DBTargetUnreachable(err)
	}

	return r.store.SetTargetStatus(ctx, targetID, catalog.TargetOK, nil)
}

// Evict closes and forgets targetID's cached engine, if any. Call this
// before deleting a DB Target so the next use of its id (should one ever
// exist) does not hand back a closed connection transparently.
func (r *Registry) Evict(targetID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.engines.Remove(targetID)
}

// Close closes every cached engine.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, key := range r.engines.Keys() {
		if db, ok := r.engines.Peek(key); ok {
			db.Close()
		}
	}
	r.engines.Purge()
	return nil
}

func strPtr(s string) *string { return &s }
