package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/advbbs/advbbs/internal/shared"
)

// UpsertNode creates a node on first contact or refreshes its last-seen
// metrics. Nodes exist independently of users (§3).
func (s *Store) UpsertNode(ctx context.Context, n *Node) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO nodes (id, display_name, first_seen_at_us, last_seen_at_us, last_rssi, last_snr)
		VALUES ($1, $2, $3, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			last_seen_at_us = EXCLUDED.last_seen_at_us,
			last_rssi = EXCLUDED.last_rssi,
			last_snr = EXCLUDED.last_snr,
			display_name = COALESCE(NULLIF(EXCLUDED.display_name, ''), nodes.display_name)`,
		n.ID, n.DisplayName, n.LastSeenAtUs, n.LastRSSI, n.LastSNR)
	if err != nil {
		return fmt.Errorf("store: upsert node: %w", err)
	}
	return nil
}

// AddBinding links a user to a node. The first binding for a user is always
// primary (enforced by the caller at registration time); subsequent calls
// may add secondary devices.
func (s *Store) AddBinding(ctx context.Context, b *UserNodeBinding) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_node_bindings (user_id, node_id, is_primary, bound_at_us)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, node_id) DO NOTHING`,
		b.UserID, b.NodeID, b.IsPrimary, b.BoundAtUs)
	if err != nil {
		return fmt.Errorf("store: add binding: %w", err)
	}
	return nil
}

// RemoveBinding deletes one user-node binding. Callers must enforce the
// "never remove the last binding or the current device" rule (§3, §4.I)
// before calling this — the store layer does not know which node is
// "current".
func (s *Store) RemoveBinding(ctx context.Context, userID, nodeID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM user_node_bindings WHERE user_id = $1 AND node_id = $2`, userID, nodeID)
	if err != nil {
		return fmt.Errorf("store: remove binding: %w", err)
	}
	return nil
}

// ListBindings returns every node bound to userID.
func (s *Store) ListBindings(ctx context.Context, userID string) ([]*UserNodeBinding, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, node_id, is_primary, bound_at_us FROM user_node_bindings
		WHERE user_id = $1 ORDER BY bound_at_us`, userID)
	if err != nil {
		return nil, fmt.Errorf("store: list bindings: %w", err)
	}
	defer rows.Close()

	var out []*UserNodeBinding
	for rows.Next() {
		b := &UserNodeBinding{}
		if err := rows.Scan(&b.UserID, &b.NodeID, &b.IsPrimary, &b.BoundAtUs); err != nil {
			return nil, fmt.Errorf("store: scan binding: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// FindUserByNode returns the user bound to nodeID, or shared.ErrNotFound if
// no binding exists. Used by the session layer's node-as-second-factor
// check (§4.I).
func (s *Store) FindUserByNode(ctx context.Context, nodeID string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT u.id, u.name, u.password_salt, u.password_verifier, u.wrapped_key, u.wrapped_key_nonce,
		       u.recovery_wrapped_key, u.recovery_wrapped_nonce, u.is_admin, u.banned, u.ban_reason,
		       u.ban_origin, u.ban_actor, u.banned_at_us, u.must_change_password, u.failed_login_count,
		       u.locked_until_us, u.created_at_us, u.last_seen_at_us
		FROM users u
		JOIN user_node_bindings b ON b.user_id = u.id
		WHERE b.node_id = $1`, nodeID)
	user, err := scanUser(row)
	if errors.Is(err, shared.ErrNotFound) {
		return nil, shared.ErrNotFound
	}
	return user, err
}

// BindingCount returns how many nodes are bound to userID, used to enforce
// "a user must have >= 1 binding at all times" (§3).
func (s *Store) BindingCount(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM user_node_bindings WHERE user_id = $1`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: binding count: %w", err)
	}
	return n, nil
}
