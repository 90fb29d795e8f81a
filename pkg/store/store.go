// Package store owns all persistent state. Every mutation runs in a
// transaction, and the audit event explaining a mutation is appended inside
// the same transaction, so the pair either both commit or both abort.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"

	_ "github.com/mattn/go-sqlite3"
	"k8s.io/utils/clock"
)

type Store struct {
	db    *sql.DB
	clock clock.PassiveClock
}

// Open opens (creating if needed) the sqlite database at path and applies
// pending migrations. WAL journaling, foreign keys and a busy timeout are
// enabled through the DSN so every pooled connection gets them.
func Open(path string, clk clock.PassiveClock) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?%s", path, url.Values{
		"_journal_mode": []string{"WAL"},
		"_busy_timeout": []string{"30000"},
		"_foreign_keys": []string{"on"},
		"_loc":          []string{"UTC"},
	}.Encode())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database, %w", err)
	}
	s := &Store{db: db, clock: clk}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Tx is a transactional view of the store. All mutating methods live here.
type Tx struct {
	tx    *sql.Tx
	clock clock.PassiveClock
}

// Update runs fn inside a transaction, committing if fn returns nil and
// rolling back otherwise.
func (s *Store) Update(ctx context.Context, fn func(tx *Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction, %w", err)
	}
	if err := fn(&Tx{tx: tx, clock: s.clock}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction, %w", err)
	}
	return nil
}

type migration struct {
	version string
	stmts   []string
}

var migrations = []migration{
	{
		version: "0001_initial",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS leases (
				lease_id TEXT PRIMARY KEY,
				vm_id TEXT NOT NULL,
				node_name TEXT NOT NULL,
				label TEXT NOT NULL,
				state TEXT NOT NULL DEFAULT 'REQUESTED',
				host_id TEXT,
				created_at TIMESTAMP NOT NULL,
				updated_at TIMESTAMP NOT NULL,
				connect_deadline TIMESTAMP NOT NULL,
				ttl_deadline TIMESTAMP NOT NULL,
				disconnected_at TIMESTAMP,
				bound_build_url TEXT,
				last_error TEXT,
				CONSTRAINT uq_leases_vm_id UNIQUE (vm_id),
				CONSTRAINT uq_leases_node_name UNIQUE (node_name)
			)`,
			`CREATE TABLE IF NOT EXISTS hosts (
				host_id TEXT PRIMARY KEY,
				enabled INTEGER NOT NULL DEFAULT 1,
				bootstrap_token_hash TEXT,
				session_token_hash TEXT,
				session_expires_at TIMESTAMP,
				os_family TEXT,
				os_flavor TEXT,
				os_version TEXT,
				cpu_arch TEXT,
				addr TEXT,
				qemu_binary TEXT,
				supported_accels TEXT,
				selected_accel TEXT,
				cpu_total INTEGER NOT NULL DEFAULT 0,
				cpu_free INTEGER NOT NULL DEFAULT 0,
				ram_total_mb INTEGER NOT NULL DEFAULT 0,
				ram_free_mb INTEGER NOT NULL DEFAULT 0,
				io_pressure REAL NOT NULL DEFAULT 0,
				last_seen TIMESTAMP
			)`,
			`CREATE TABLE IF NOT EXISTS events (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				timestamp TIMESTAMP NOT NULL,
				lease_id TEXT REFERENCES leases(lease_id),
				event_type TEXT NOT NULL,
				payload_json TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_leases_state ON leases(state)`,
			`CREATE INDEX IF NOT EXISTS idx_events_lease_id ON events(lease_id)`,
		},
	},
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMP NOT NULL
		)`); err != nil {
		return fmt.Errorf("creating schema_migrations, %w", err)
	}
	for _, m := range migrations {
		var applied int
		if err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM schema_migrations WHERE version = ?`, m.version).Scan(&applied); err != nil {
			return fmt.Errorf("checking migration %s, %w", m.version, err)
		}
		if applied > 0 {
			continue
		}
		err := s.Update(ctx, func(tx *Tx) error {
			for _, stmt := range m.stmts {
				if _, err := tx.tx.ExecContext(ctx, stmt); err != nil {
					return fmt.Errorf("applying migration %s, %w", m.version, err)
				}
			}
			_, err := tx.tx.ExecContext(ctx,
				`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`,
				m.version, s.clock.Now().UTC())
			return err
		})
		if err != nil {
			return err
		}
	}
	return nil
}
