// Package store is the single-writer persistent store backing every entity
// in §3: users, nodes, bindings, messages, boards, peers, routes, and the
// sync log. All reads and writes go through one *sql.DB connection pool;
// Open sets no limit on its concurrency.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/advbbs/advbbs/internal/shared"
	"github.com/advbbs/advbbs/internal/store/migrations"
)

// Store wraps a PostgreSQL connection pool and exposes CRUD plus the
// specialized queries described in §4.B.
type Store struct {
	db *sql.DB
}

// Open connects to dsn (a PostgreSQL DSN understood by pgx) and returns a
// Store. It does not run migrations; call Migrate explicitly so the caller
// controls when schema changes happen.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying *sql.DB for callers that need dbx.WithTx.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Migrate runs every pending forward-only goose migration.
func (s *Store) Migrate(ctx context.Context) error {
	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("store: set dialect: %w", err)
	}
	if err := goose.UpContext(ctx, s.db, "."); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// EnsureMasterSalt loads the immutable master_key_salt row, creating it with
// newSalt (generated by the caller, typically cryptox.GenerateSalt) the
// first time the store is ever opened. If the row is missing but users
// already exist, the salt was deleted or this is not the original store —
// continuing would silently make every wrapped user key unrecoverable, so
// this returns shared.ErrCorruptStore instead (§3, §4.A, §7).
func (s *Store) EnsureMasterSalt(ctx context.Context, newSalt []byte) ([]byte, error) {
	salt, err := s.loadMasterSalt(ctx)
	if err == nil {
		return salt, nil
	}
	if !errors.Is(err, shared.ErrNotFound) {
		return nil, err
	}

	hasUsers, err := s.anyUsersExist(ctx)
	if err != nil {
		return nil, err
	}
	if hasUsers {
		return nil, shared.ErrCorruptStore
	}

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO bbs_settings (id, master_key_salt) VALUES (1, $1)`, newSalt); err != nil {
		return nil, fmt.Errorf("store: create master salt: %w", err)
	}
	return newSalt, nil
}

func (s *Store) loadMasterSalt(ctx context.Context) ([]byte, error) {
	var salt []byte
	err := s.db.QueryRowContext(ctx, `SELECT master_key_salt FROM bbs_settings WHERE id = 1`).Scan(&salt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, shared.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: load master salt: %w", err)
	}
	return salt, nil
}

func (s *Store) anyUsersExist(ctx context.Context) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n); err != nil {
		return false, fmt.Errorf("store: count users: %w", err)
	}
	return n > 0, nil
}
