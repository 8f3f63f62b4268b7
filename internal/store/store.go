// Package store is the durable, transactional relational persistence
// layer backing the network, relayer, relayer_transaction,
// relayer_audit_log, and signing history tables.
//
// Grounded on certenIO-certen-validator's pkg/database package: a thin
// *sql.DB wrapper opened against the "postgres" driver registered by
// github.com/lib/pq, connection-pool tuning via SetMaxOpenConns /
// SetMaxIdleConns, and a repository-per-aggregate layout (Store here plays
// the role of their Client, transactions.go/relayers.go/audit.go the role of
// their repository_*.go files). Every status transition is written with a
// `WHERE status IN (...)` predicate as an optimistic compare-and-swap, so a
// lost race becomes a no-op rather than a lost update.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/relayforge/evmrelay/internal/config"
)

// Store is the Postgres-backed implementation of every repository interface
// this package declares (TransactionStore, RelayerStore, AuditStore,
// SigningHistoryStore, APIKeyStore; policies are persisted through
// RelayerStore). Callers that only need a
// subset should accept the narrower interface, not *Store, so tests can
// substitute an in-memory fake.
type Store struct {
	db *sql.DB
}

// Open connects to cfg.DSN and tunes the connection pool per
// cfg.MaxOpenConns/MaxIdleConns, the same bounded-pool discipline applied
// elsewhere in this module to RPC providers.
func Open(cfg config.DatabaseConfig) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store: database dsn is required")
	}
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	return &Store{db: db}, nil
}

// FromDB wraps an already-open *sql.DB, used by tests running against a
// local Postgres instance (e.g. via a docker-backed integration suite) and
// by callers that manage the pool themselves.
func FromDB(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// DB exposes the underlying pool for migration tooling and health checks.
func (s *Store) DB() *sql.DB { return s.db }
