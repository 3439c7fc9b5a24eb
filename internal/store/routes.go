package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/advbbs/advbbs/internal/shared"
)

// UpsertRoute installs or refreshes a distance-vector route learned via RAP
// (§4.F). Callers are responsible for the loop-prevention and hop-count-bound
// checks before calling this — the store layer persists whatever it is
// given.
func (s *Store) UpsertRoute(ctx context.Context, r *Route) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO routes (destination, next_hop_node, hop_count, quality, learned_at_us, expires_at_us)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (destination) DO UPDATE SET
			next_hop_node = EXCLUDED.next_hop_node, hop_count = EXCLUDED.hop_count,
			quality = EXCLUDED.quality, learned_at_us = EXCLUDED.learned_at_us,
			expires_at_us = EXCLUDED.expires_at_us`,
		r.Destination, r.NextHopNode, r.HopCount, r.Quality, r.LearnedAtUs, r.ExpiresAtUs)
	if err != nil {
		return fmt.Errorf("store: upsert route: %w", err)
	}
	return nil
}

// GetRoute looks up the current best route to destination.
func (s *Store) GetRoute(ctx context.Context, destination string) (*Route, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT destination, next_hop_node, hop_count, quality, learned_at_us, expires_at_us
		FROM routes WHERE destination = $1`, destination)
	r := &Route{}
	err := row.Scan(&r.Destination, &r.NextHopNode, &r.HopCount, &r.Quality, &r.LearnedAtUs, &r.ExpiresAtUs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, shared.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get route: %w", err)
	}
	return r, nil
}

// ListRoutes returns every known route, for building a RAP_ROUTES
// advertisement or the operator-facing routing table view.
func (s *Store) ListRoutes(ctx context.Context) ([]*Route, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT destination, next_hop_node, hop_count, quality, learned_at_us, expires_at_us
		FROM routes ORDER BY destination`)
	if err != nil {
		return nil, fmt.Errorf("store: list routes: %w", err)
	}
	defer rows.Close()

	var out []*Route
	for rows.Next() {
		r := &Route{}
		if err := rows.Scan(&r.Destination, &r.NextHopNode, &r.HopCount, &r.Quality,
			&r.LearnedAtUs, &r.ExpiresAtUs); err != nil {
			return nil, fmt.Errorf("store: scan route: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ExpireRoutes deletes every route whose expires_at_us has passed nowUs,
// returning how many were removed. Driven by the scheduler's periodic
// route-expiry tick (§4.K).
func (s *Store) ExpireRoutes(ctx context.Context, nowUs int64) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM routes WHERE expires_at_us <= $1`, nowUs)
	if err != nil {
		return 0, fmt.Errorf("store: expire routes: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: expire routes rows affected: %w", err)
	}
	return int(n), nil
}

// RemoveRoutesViaNextHop deletes every route whose next hop is nodeID, used
// when a peer goes dead and its downstream routes are no longer reachable
// through it.
func (s *Store) RemoveRoutesViaNextHop(ctx context.Context, nodeID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM routes WHERE next_hop_node = $1`, nodeID)
	if err != nil {
		return fmt.Errorf("store: remove routes via next hop: %w", err)
	}
	return nil
}
