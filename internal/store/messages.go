package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/advbbs/advbbs/internal/dbx"
	"github.com/advbbs/advbbs/internal/shared"
)

// InsertMessage inserts a new message keyed by its UUID. If a row with the
// same UUID already exists this is a no-op that returns
// shared.ErrDuplicateUUID rather than an error the caller needs to treat as
// fatal — callers should updateAtMost the sync-log receipt and move on
// (§3 invariant, §7: "DuplicateUuid (silent)").
func (s *Store) InsertMessage(ctx context.Context, m *Message) error {
	return insertMessage(ctx, s.db, m)
}

func insertMessage(ctx context.Context, tx dbx.DBTX, m *Message) error {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO messages (
			uuid, kind, sender_user_id, recipient_user_id, board_id, author, origin_bbs,
			subject_ciphertext, subject_nonce, body_ciphertext, body_nonce,
			created_at_us, updated_at_us, expires_at_us, hop_count
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$12,$13,$14)
		ON CONFLICT (uuid) DO NOTHING`,
		m.UUID, m.Kind, nullString(m.SenderUserID), nullString(m.RecipientUserID), nullString(m.BoardID),
		m.Author, m.OriginBBS, m.SubjectCiphertext, m.SubjectNonce, m.BodyCiphertext, m.BodyNonce,
		m.CreatedAtUs, nullInt64(m.ExpiresAtUs), m.HopCount)
	if err != nil {
		return fmt.Errorf("store: insert message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: insert message rows affected: %w", err)
	}
	if n == 0 {
		return shared.ErrDuplicateUUID
	}
	return nil
}

// InsertBoardPost inserts a bulletin message and bumps its board's
// pending-sync counter atomically, so a crash between the two writes can
// never leave a post recorded without it ever being counted toward the next
// sync batch, or vice versa (§4.H batch trigger depends on pending_count
// tracking every inserted post exactly once).
func (s *Store) InsertBoardPost(ctx context.Context, m *Message, boardID string) error {
	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if err := insertMessage(ctx, tx, m); err != nil {
			return err
		}
		return incrementPendingCount(ctx, tx, boardID)
	})
}

// MessageExists reports whether uuid is already present, for the board-sync
// incoming-batch dedup check (§4.H).
func (s *Store) MessageExists(ctx context.Context, uuid string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE uuid = $1`, uuid).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("store: message exists: %w", err)
	}
	return n > 0, nil
}

// MarkDelivered sets delivered_at_us for a mail message, once a MAILDLV
// reaches the terminal BBS's origin.
func (s *Store) MarkDelivered(ctx context.Context, uuid string, atUs int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE messages SET delivered_at_us = $2, updated_at_us = $2 WHERE uuid = $1`, uuid, atUs)
	if err != nil {
		return fmt.Errorf("store: mark delivered: %w", err)
	}
	return nil
}

// MarkRead sets read_at_us the first time a user reads a mail message.
func (s *Store) MarkRead(ctx context.Context, uuid string, atUs int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE messages SET read_at_us = $2, updated_at_us = $2 WHERE uuid = $1 AND read_at_us IS NULL`,
		uuid, atUs)
	if err != nil {
		return fmt.Errorf("store: mark read: %w", err)
	}
	return nil
}

// UnreadMail returns a recipient's unread mail, oldest first.
func (s *Store) UnreadMail(ctx context.Context, recipientUserID string) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT uuid, author, origin_bbs, body_ciphertext, body_nonce,
		       subject_ciphertext, subject_nonce, created_at_us
		FROM messages
		WHERE recipient_user_id = $1 AND kind = 'mail' AND read_at_us IS NULL
		ORDER BY created_at_us`, recipientUserID)
	if err != nil {
		return nil, fmt.Errorf("store: unread mail: %w", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		m := &Message{RecipientUserID: recipientUserID, Kind: KindMail}
		var subjCt, subjNonce []byte
		if err := rows.Scan(&m.UUID, &m.Author, &m.OriginBBS, &m.BodyCiphertext, &m.BodyNonce,
			&subjCt, &subjNonce, &m.CreatedAtUs); err != nil {
			return nil, fmt.Errorf("store: scan unread mail: %w", err)
		}
		m.SubjectCiphertext, m.SubjectNonce = subjCt, subjNonce
		out = append(out, m)
	}
	return out, rows.Err()
}

// BoardPosts returns up to limit posts for boardID, oldest-first, optionally
// only those created after sinceUs (0 means no lower bound). Used both by
// the reader-facing listing and by outgoing board-sync batching.
func (s *Store) BoardPosts(ctx context.Context, boardID string, sinceUs int64, limit int) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT uuid, author, origin_bbs, subject_ciphertext, subject_nonce,
		       body_ciphertext, body_nonce, created_at_us
		FROM messages
		WHERE board_id = $1 AND kind = 'bulletin' AND created_at_us > $2
		ORDER BY created_at_us
		LIMIT $3`, boardID, sinceUs, limit)
	if err != nil {
		return nil, fmt.Errorf("store: board posts: %w", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		m := &Message{BoardID: boardID, Kind: KindBulletin}
		if err := rows.Scan(&m.UUID, &m.Author, &m.OriginBBS, &m.SubjectCiphertext, &m.SubjectNonce,
			&m.BodyCiphertext, &m.BodyNonce, &m.CreatedAtUs); err != nil {
			return nil, fmt.Errorf("store: scan board post: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// PendingOutboundMail returns mail messages this BBS originated that have
// not yet been delivered.
func (s *Store) PendingOutboundMail(ctx context.Context, originBBS string) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT uuid, sender_user_id, recipient_user_id, created_at_us, attempts, last_attempt_at_us, hop_count
		FROM messages
		WHERE kind = 'mail' AND origin_bbs = $1 AND delivered_at_us IS NULL`, originBBS)
	if err != nil {
		return nil, fmt.Errorf("store: pending outbound mail: %w", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		m := &Message{Kind: KindMail, OriginBBS: originBBS}
		var lastAttempt sql.NullInt64
		if err := rows.Scan(&m.UUID, &m.SenderUserID, &m.RecipientUserID, &m.CreatedAtUs,
			&m.Attempts, &lastAttempt, &m.HopCount); err != nil {
			return nil, fmt.Errorf("store: scan pending mail: %w", err)
		}
		m.LastAttemptAtUs = lastAttempt.Int64
		out = append(out, m)
	}
	return out, rows.Err()
}

// DeleteExpiredMessages removes every message older than cutoffUs, the
// scheduler's message-age expiry tick (§4.K). Returns the count removed.
func (s *Store) DeleteExpiredMessages(ctx context.Context, cutoffUs int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE created_at_us < $1`, cutoffUs)
	if err != nil {
		return 0, fmt.Errorf("store: delete expired messages: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: delete expired messages rows affected: %w", err)
	}
	return n, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt64(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}
