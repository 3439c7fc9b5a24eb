package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/advbbs/advbbs/internal/shared"
)

// UpsertPeer creates or updates a trusted-peer record. Peers are configured
// by the operator, never learned automatically (§3).
func (s *Store) UpsertPeer(ctx context.Context, p *Peer) error {
	if p.Health == "" {
		p.Health = HealthUnknown
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO peers (node_id, callsign, callsign_lower, enabled, health, miss_count, quality)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (node_id) DO UPDATE SET
			callsign = EXCLUDED.callsign, callsign_lower = EXCLUDED.callsign_lower,
			enabled = EXCLUDED.enabled`,
		p.NodeID, p.Callsign, strings.ToLower(p.Callsign), p.Enabled, p.Health, p.MissCount, p.Quality)
	if isUniqueViolation(err) {
		return shared.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("store: upsert peer: %w", err)
	}
	return nil
}

// GetPeer looks up a peer by node id.
func (s *Store) GetPeer(ctx context.Context, nodeID string) (*Peer, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT node_id, callsign, enabled, health, miss_count, quality, last_seen_at_us, last_sync_at_us
		FROM peers WHERE node_id = $1`, nodeID)
	return scanPeer(row)
}

// GetPeerByCallsign looks up a peer case-insensitively by its `!callsign`
// routing token.
func (s *Store) GetPeerByCallsign(ctx context.Context, callsign string) (*Peer, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT node_id, callsign, enabled, health, miss_count, quality, last_seen_at_us, last_sync_at_us
		FROM peers WHERE callsign_lower = $1`, strings.ToLower(callsign))
	return scanPeer(row)
}

func scanPeer(row *sql.Row) (*Peer, error) {
	p := &Peer{}
	var lastSeen, lastSync sql.NullInt64
	err := row.Scan(&p.NodeID, &p.Callsign, &p.Enabled, &p.Health, &p.MissCount, &p.Quality, &lastSeen, &lastSync)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, shared.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan peer: %w", err)
	}
	p.LastSeenAtUs = lastSeen.Int64
	p.LastSyncAtUs = lastSync.Int64
	return p, nil
}

// ListPeers returns every configured peer, enabled or not.
func (s *Store) ListPeers(ctx context.Context) ([]*Peer, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT node_id, callsign, enabled, health, miss_count, quality, last_seen_at_us, last_sync_at_us
		FROM peers ORDER BY callsign_lower`)
	if err != nil {
		return nil, fmt.Errorf("store: list peers: %w", err)
	}
	defer rows.Close()

	var out []*Peer
	for rows.Next() {
		p := &Peer{}
		var lastSeen, lastSync sql.NullInt64
		if err := rows.Scan(&p.NodeID, &p.Callsign, &p.Enabled, &p.Health, &p.MissCount, &p.Quality,
			&lastSeen, &lastSync); err != nil {
			return nil, fmt.Errorf("store: scan peer row: %w", err)
		}
		p.LastSeenAtUs = lastSeen.Int64
		p.LastSyncAtUs = lastSync.Int64
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpdatePeerHealth persists a RAP health-FSM transition (§4.F).
func (s *Store) UpdatePeerHealth(ctx context.Context, nodeID string, health PeerHealth, missCount int, quality float64, seenAtUs int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE peers SET health = $2, miss_count = $3, quality = $4, last_seen_at_us = $5
		WHERE node_id = $1`, nodeID, health, missCount, quality, seenAtUs)
	if err != nil {
		return fmt.Errorf("store: update peer health: %w", err)
	}
	return nil
}

// TouchPeerSync stamps last_sync_at_us after a board-sync round with this
// peer completes.
func (s *Store) TouchPeerSync(ctx context.Context, nodeID string, atUs int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE peers SET last_sync_at_us = $2 WHERE node_id = $1`, nodeID, atUs)
	if err != nil {
		return fmt.Errorf("store: touch peer sync: %w", err)
	}
	return nil
}

// SetPeerEnabled toggles whether a peer participates in federation without
// forgetting its learned health/quality history.
func (s *Store) SetPeerEnabled(ctx context.Context, nodeID string, enabled bool) error {
	_, err := s.db.ExecContext(ctx, `UPDATE peers SET enabled = $2 WHERE node_id = $1`, nodeID, enabled)
	if err != nil {
		return fmt.Errorf("store: set peer enabled: %w", err)
	}
	return nil
}
