package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/advbbs/advbbs/internal/dbx"
	"github.com/advbbs/advbbs/internal/shared"
)

// CreateBoard inserts a new board with a freshly generated UUID.
func (s *Store) CreateBoard(ctx context.Context, b *Board) (*Board, error) {
	b.ID = uuid.NewString()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO boards (id, name, description, board_type, synced, wrapped_key, wrapped_key_nonce, created_at_us)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		b.ID, b.Name, b.Description, b.Type, b.Synced, b.WrappedKey, b.WrappedKeyNonce, b.CreatedAtUs)
	if isUniqueViolation(err) {
		return nil, shared.ErrAlreadyExists
	}
	if err != nil {
		return nil, fmt.Errorf("store: create board: %w", err)
	}
	return b, nil
}

const boardColumns = `id, name, description, board_type, synced, wrapped_key, wrapped_key_nonce, created_at_us, pending_count, last_sync_at_us`

// GetBoard looks up a board by id.
func (s *Store) GetBoard(ctx context.Context, id string) (*Board, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+boardColumns+` FROM boards WHERE id = $1`, id)
	return scanBoard(row)
}

// GetBoardByName looks up a board by its unique name.
func (s *Store) GetBoardByName(ctx context.Context, name string) (*Board, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+boardColumns+` FROM boards WHERE name = $1`, name)
	return scanBoard(row)
}

func scanBoard(row *sql.Row) (*Board, error) {
	b := &Board{}
	var lastSync sql.NullInt64
	err := row.Scan(&b.ID, &b.Name, &b.Description, &b.Type, &b.Synced,
		&b.WrappedKey, &b.WrappedKeyNonce, &b.CreatedAtUs, &b.PendingCount, &lastSync)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, shared.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan board: %w", err)
	}
	b.LastSyncAtUs = lastSync.Int64
	return b, nil
}

// ListBoards returns every board, optionally restricted to synced ones.
func (s *Store) ListBoards(ctx context.Context, syncedOnly bool) ([]*Board, error) {
	query := `SELECT ` + boardColumns + ` FROM boards`
	if syncedOnly {
		query += ` WHERE synced = TRUE`
	}
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("store: list boards: %w", err)
	}
	defer rows.Close()

	var out []*Board
	for rows.Next() {
		b := &Board{}
		var lastSync sql.NullInt64
		if err := rows.Scan(&b.ID, &b.Name, &b.Description, &b.Type, &b.Synced,
			&b.WrappedKey, &b.WrappedKeyNonce, &b.CreatedAtUs, &b.PendingCount, &lastSync); err != nil {
			return nil, fmt.Errorf("store: scan board row: %w", err)
		}
		b.LastSyncAtUs = lastSync.Int64
		out = append(out, b)
	}
	return out, rows.Err()
}

// IncrementPendingCount bumps a board's pending-sync counter after a local
// post, the batch-trigger input in §4.H.
func (s *Store) IncrementPendingCount(ctx context.Context, boardID string) error {
	return incrementPendingCount(ctx, s.db, boardID)
}

func incrementPendingCount(ctx context.Context, tx dbx.DBTX, boardID string) error {
	_, err := tx.ExecContext(ctx, `UPDATE boards SET pending_count = pending_count + 1 WHERE id = $1`, boardID)
	if err != nil {
		return fmt.Errorf("store: increment pending count: %w", err)
	}
	return nil
}

// ResetPendingCount zeroes a board's pending-sync counter once a batch has
// been fully acknowledged.
func (s *Store) ResetPendingCount(ctx context.Context, boardID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE boards SET pending_count = 0 WHERE id = $1`, boardID)
	if err != nil {
		return fmt.Errorf("store: reset pending count: %w", err)
	}
	return nil
}

// SyncedBoardCount returns the number of boards currently flagged synced,
// used to enforce the configured max_synced_boards ceiling before a new
// board is opted in (§3).
func (s *Store) SyncedBoardCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM boards WHERE synced = TRUE`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: synced board count: %w", err)
	}
	return n, nil
}

// SetSynced flips a board's synced flag. Callers must check
// SyncedBoardCount against the configured ceiling before setting it true.
func (s *Store) SetSynced(ctx context.Context, boardID string, synced bool) error {
	_, err := s.db.ExecContext(ctx, `UPDATE boards SET synced = $2 WHERE id = $1`, boardID, synced)
	if err != nil {
		return fmt.Errorf("store: set synced: %w", err)
	}
	return nil
}

// TouchSync stamps last_sync_at_us after a board-sync batch completes.
func (s *Store) TouchSync(ctx context.Context, boardID string, atUs int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE boards SET last_sync_at_us = $2 WHERE id = $1`, boardID, atUs)
	if err != nil {
		return fmt.Errorf("store: touch sync: %w", err)
	}
	return nil
}

// GrantBoardAccess records a restricted board's key wrapped under grantee's
// user key (§4.A key hierarchy: per-grantee wrapping, not a shared secret).
func (s *Store) GrantBoardAccess(ctx context.Context, a *BoardAccess) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO board_access (board_id, user_id, wrapped_key, wrapped_key_nonce)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (board_id, user_id) DO UPDATE SET
			wrapped_key = EXCLUDED.wrapped_key, wrapped_key_nonce = EXCLUDED.wrapped_key_nonce`,
		a.BoardID, a.UserID, a.WrappedKey, a.WrappedKeyNonce)
	if err != nil {
		return fmt.Errorf("store: grant board access: %w", err)
	}
	return nil
}

// RevokeBoardAccess removes a grantee's wrapped key for a restricted board.
func (s *Store) RevokeBoardAccess(ctx context.Context, boardID, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM board_access WHERE board_id = $1 AND user_id = $2`, boardID, userID)
	if err != nil {
		return fmt.Errorf("store: revoke board access: %w", err)
	}
	return nil
}

// GetBoardAccess returns the wrapped key granted to userID for boardID, or
// shared.ErrNotFound if no grant exists.
func (s *Store) GetBoardAccess(ctx context.Context, boardID, userID string) (*BoardAccess, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT board_id, user_id, wrapped_key, wrapped_key_nonce
		FROM board_access WHERE board_id = $1 AND user_id = $2`, boardID, userID)
	a := &BoardAccess{}
	err := row.Scan(&a.BoardID, &a.UserID, &a.WrappedKey, &a.WrappedKeyNonce)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, shared.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get board access: %w", err)
	}
	return a, nil
}
