package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/advbbs/advbbs/internal/shared"
)

// RecordSyncPending marks (messageUUID, peerNode, direction) as pending,
// creating the row on first touch. Prevents redundant re-sends of the same
// message to the same peer across restarts (§3).
func (s *Store) RecordSyncPending(ctx context.Context, messageUUID, peerNode string, direction SyncDirection) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_log (message_uuid, peer_node, direction, status, attempts)
		VALUES ($1,$2,$3,'pending',0)
		ON CONFLICT (message_uuid, peer_node, direction) DO NOTHING`,
		messageUUID, peerNode, direction)
	if err != nil {
		return fmt.Errorf("store: record sync pending: %w", err)
	}
	return nil
}

// MarkSyncAcked transitions a sync-log row to acked.
func (s *Store) MarkSyncAcked(ctx context.Context, messageUUID, peerNode string, direction SyncDirection) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sync_log SET status = 'acked' WHERE message_uuid = $1 AND peer_node = $2 AND direction = $3`,
		messageUUID, peerNode, direction)
	if err != nil {
		return fmt.Errorf("store: mark sync acked: %w", err)
	}
	return nil
}

// MarkSyncFailed transitions a sync-log row to failed and bumps its attempt
// counter, returning the new count so the caller can apply retry/backoff.
func (s *Store) MarkSyncFailed(ctx context.Context, messageUUID, peerNode string, direction SyncDirection, atUs int64) (int, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE sync_log SET status = 'failed', attempts = attempts + 1, last_attempt_us = $4
		WHERE message_uuid = $1 AND peer_node = $2 AND direction = $3
		RETURNING attempts`, messageUUID, peerNode, direction, atUs)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("store: mark sync failed: %w", err)
	}
	return n, nil
}

// GetSyncStatus looks up one sync-log row.
func (s *Store) GetSyncStatus(ctx context.Context, messageUUID, peerNode string, direction SyncDirection) (*SyncLogEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT message_uuid, peer_node, direction, status, attempts, last_attempt_us
		FROM sync_log WHERE message_uuid = $1 AND peer_node = $2 AND direction = $3`,
		messageUUID, peerNode, direction)
	e := &SyncLogEntry{}
	var lastAttempt sql.NullInt64
	err := row.Scan(&e.MessageUUID, &e.PeerNode, &e.Direction, &e.Status, &e.Attempts, &lastAttempt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, shared.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get sync status: %w", err)
	}
	e.LastAttemptUs = lastAttempt.Int64
	return e, nil
}

// PendingSyncsForPeer returns every pending sync-log entry for a peer in
// the given direction (§4.H).
func (s *Store) PendingSyncsForPeer(ctx context.Context, peerNode string, direction SyncDirection) ([]*SyncLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT message_uuid, peer_node, direction, status, attempts, last_attempt_us
		FROM sync_log
		WHERE peer_node = $1 AND direction = $2 AND status = 'pending'`, peerNode, direction)
	if err != nil {
		return nil, fmt.Errorf("store: pending syncs for peer: %w", err)
	}
	defer rows.Close()

	var out []*SyncLogEntry
	for rows.Next() {
		e := &SyncLogEntry{}
		var lastAttempt sql.NullInt64
		if err := rows.Scan(&e.MessageUUID, &e.PeerNode, &e.Direction, &e.Status, &e.Attempts, &lastAttempt); err != nil {
			return nil, fmt.Errorf("store: scan pending sync: %w", err)
		}
		e.LastAttemptUs = lastAttempt.Int64
		out = append(out, e)
	}
	return out, rows.Err()
}
