package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/advbbs/advbbs/internal/shared"
)

// CreateUser inserts a new user with a freshly generated UUID. Returns
// shared.ErrAlreadyExists if the case-insensitive name is taken.
func (s *Store) CreateUser(ctx context.Context, u *User) (*User, error) {
	u.ID = uuid.NewString()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (
			id, name, name_lower, password_salt, password_verifier,
			wrapped_key, wrapped_key_nonce, is_admin, created_at_us
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		u.ID, u.Name, strings.ToLower(u.Name), u.PasswordSalt, u.PasswordVerifier,
		u.WrappedKey, u.WrappedKeyNonce, u.IsAdmin, u.CreatedAtUs)
	if isUniqueViolation(err) {
		return nil, shared.ErrAlreadyExists
	}
	if err != nil {
		return nil, fmt.Errorf("store: create user: %w", err)
	}
	return u, nil
}

// GetUserByName looks up a user case-insensitively.
func (s *Store) GetUserByName(ctx context.Context, name string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, password_salt, password_verifier, wrapped_key, wrapped_key_nonce,
		       recovery_wrapped_key, recovery_wrapped_nonce, is_admin, banned, ban_reason,
		       ban_origin, ban_actor, banned_at_us, must_change_password, failed_login_count,
		       locked_until_us, created_at_us, last_seen_at_us
		FROM users WHERE name_lower = $1`, strings.ToLower(name))
	return scanUser(row)
}

// GetUserByID looks up a user by primary key.
func (s *Store) GetUserByID(ctx context.Context, id string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, password_salt, password_verifier, wrapped_key, wrapped_key_nonce,
		       recovery_wrapped_key, recovery_wrapped_nonce, is_admin, banned, ban_reason,
		       ban_origin, ban_actor, banned_at_us, must_change_password, failed_login_count,
		       locked_until_us, created_at_us, last_seen_at_us
		FROM users WHERE id = $1`, id)
	return scanUser(row)
}

func scanUser(row *sql.Row) (*User, error) {
	u := &User{}
	var recKey, recNonce sql.NullString
	var banReason, banOrigin, banActor sql.NullString
	var bannedAt, lockedUntil, lastSeen sql.NullInt64

	err := row.Scan(&u.ID, &u.Name, &u.PasswordSalt, &u.PasswordVerifier, &u.WrappedKey, &u.WrappedKeyNonce,
		&recKey, &recNonce, &u.IsAdmin, &u.Banned, &banReason, &banOrigin, &banActor, &bannedAt,
		&u.MustChangePassword, &u.FailedLoginCount, &lockedUntil, &u.CreatedAtUs, &lastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, shared.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan user: %w", err)
	}

	u.RecoveryWrappedKey = []byte(recKey.String)
	u.RecoveryWrappedNonce = []byte(recNonce.String)
	u.BanReason = banReason.String
	u.BanOrigin = banOrigin.String
	u.BanActor = banActor.String
	u.BannedAtUs = bannedAt.Int64
	u.LockedUntilUs = lockedUntil.Int64
	u.LastSeenAtUs = lastSeen.Int64
	return u, nil
}

// UpdateUserKey rewraps a user's key, used by change-password and
// admin-recovery flows.
func (s *Store) UpdateUserKey(ctx context.Context, userID string, salt, verifier, wrappedKey, wrappedNonce []byte, mustChangePassword bool) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET password_salt = $2, password_verifier = $3,
		       wrapped_key = $4, wrapped_key_nonce = $5, must_change_password = $6
		WHERE id = $1`, userID, salt, verifier, wrappedKey, wrappedNonce, mustChangePassword)
	if err != nil {
		return fmt.Errorf("store: update user key: %w", err)
	}
	return nil
}

// SetRecoveryKey stores the admin-assisted-recovery wrapping described in
// §4.A: a second wrapping of the user's key directly under the master key.
func (s *Store) SetRecoveryKey(ctx context.Context, userID string, wrappedKey, nonce []byte) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET recovery_wrapped_key = $2, recovery_wrapped_nonce = $3 WHERE id = $1`,
		userID, wrappedKey, nonce)
	if err != nil {
		return fmt.Errorf("store: set recovery key: %w", err)
	}
	return nil
}

// RecordLoginSuccess resets the failed-login counter and bumps last_seen.
func (s *Store) RecordLoginSuccess(ctx context.Context, userID string, nowUs int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET failed_login_count = 0, locked_until_us = NULL, last_seen_at_us = $2
		WHERE id = $1`, userID, nowUs)
	if err != nil {
		return fmt.Errorf("store: record login success: %w", err)
	}
	return nil
}

// RecordLoginFailure increments the failed-login counter and returns the new
// count, so the caller can decide whether to lock the account.
func (s *Store) RecordLoginFailure(ctx context.Context, userID string) (int, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE users SET failed_login_count = failed_login_count + 1
		WHERE id = $1 RETURNING failed_login_count`, userID)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("store: record login failure: %w", err)
	}
	return n, nil
}

// LockUser sets locked_until_us for the lockout duration.
func (s *Store) LockUser(ctx context.Context, userID string, untilUs int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET locked_until_us = $2 WHERE id = $1`, userID, untilUs)
	if err != nil {
		return fmt.Errorf("store: lock user: %w", err)
	}
	return nil
}

// BanUser records a ban with its origin, actor, and reason. Local bans are
// never re-broadcast to peers (§9).
func (s *Store) BanUser(ctx context.Context, userID, reason, origin, actor string, atUs int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET banned = TRUE, ban_reason = $2, ban_origin = $3, ban_actor = $4, banned_at_us = $5
		WHERE id = $1`, userID, reason, origin, actor, atUs)
	if err != nil {
		return fmt.Errorf("store: ban user: %w", err)
	}
	return nil
}

// isUniqueViolation reports whether err is a PostgreSQL unique_violation
// (SQLSTATE 23505), e.g. a duplicate case-insensitive username or callsign.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
