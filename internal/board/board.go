// Package board implements the board sync engine: batch-triggered
// BOARDREQ/ACK/NAK/DAT/DLV exchange between peers, convergent-union dedup,
// and author federation tagging (§4.H).
package board

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/advbbs/advbbs/internal/chunker"
	"github.com/advbbs/advbbs/internal/cryptox"
	"github.com/advbbs/advbbs/internal/logging"
	"github.com/advbbs/advbbs/internal/shared"
	"github.com/advbbs/advbbs/internal/store"
	"github.com/advbbs/advbbs/internal/transport"
	"github.com/advbbs/advbbs/internal/wire"
)

const (
	FrameReq = "BOARDREQ"
	FrameAck = "BOARDACK"
	FrameNak = "BOARDNAK"
	FrameDat = "BOARDDAT"
	FrameDlv = "BOARDDLV"

	NakSyncDisabled = "SYNC_DISABLED"
	NakMaxBoards    = "MAX_SYNCED_BOARDS"

	// recordSep (ASCII RS) separates post records within a batch payload.
	recordSep = "\x1f"
	// fieldSep (ASCII GS) separates fields within one post record.
	fieldSep = "\x1e"
)

// Record is one post as carried in a BOARDDAT batch payload: uuid, author,
// origin_bbs, timestamp_us, subject, body — all plaintext over the trusted
// federation link, re-encrypted under the local board key at the receiver.
type Record struct {
	UUID        string
	Author      string
	OriginBBS   string
	TimestampUs int64
	Subject     string
	Body        string
}

// EncodeBatch renders records as RS-joined, GS-delimited-field post records.
func EncodeBatch(records []Record) string {
	parts := make([]string, 0, len(records))
	for _, r := range records {
		parts = append(parts, strings.Join([]string{
			r.UUID, r.Author, r.OriginBBS, strconv.FormatInt(r.TimestampUs, 10), r.Subject, r.Body,
		}, fieldSep))
	}
	return strings.Join(parts, recordSep)
}

// DecodeBatch parses a batch payload, skipping malformed records rather than
// failing the whole batch.
func DecodeBatch(payload string) []Record {
	if payload == "" {
		return nil
	}
	var out []Record
	for _, rec := range strings.Split(payload, recordSep) {
		fields := strings.Split(rec, fieldSep)
		if len(fields) != 6 {
			continue
		}
		ts, err := strconv.ParseInt(fields[3], 10, 64)
		if err != nil {
			continue
		}
		out = append(out, Record{
			UUID: fields[0], Author: fields[1], OriginBBS: fields[2],
			TimestampUs: ts, Subject: fields[4], Body: fields[5],
		})
	}
	return out
}

// Config is the subset of board-sync timing/threshold settings the engine
// needs.
type Config struct {
	SyncEnabled     bool
	BatchThreshold  int
	BatchInterval   time.Duration
	MaxSyncedBoards int
	BatchSize       int
	ContentSize     int
	MaxChunks       int
}

// Store is the slice of the store the board engine needs. *store.Store
// satisfies this; tests supply an in-memory fake.
type Store interface {
	ListBoards(ctx context.Context, syncedOnly bool) ([]*store.Board, error)
	GetBoardByName(ctx context.Context, name string) (*store.Board, error)
	CreateBoard(ctx context.Context, b *store.Board) (*store.Board, error)
	SyncedBoardCount(ctx context.Context) (int, error)
	SetSynced(ctx context.Context, boardID string, synced bool) error
	ResetPendingCount(ctx context.Context, boardID string) error
	TouchSync(ctx context.Context, boardID string, atUs int64) error
	BoardPosts(ctx context.Context, boardID string, sinceUs int64, limit int) ([]*store.Message, error)
	MessageExists(ctx context.Context, uuid string) (bool, error)
	InsertMessage(ctx context.Context, m *store.Message) error
	InsertBoardPost(ctx context.Context, m *store.Message, boardID string) error
	RecordSyncPending(ctx context.Context, messageUUID, peerNode string, direction store.SyncDirection) error
	MarkSyncAcked(ctx context.Context, messageUUID, peerNode string, direction store.SyncDirection) error
	GetSyncStatus(ctx context.Context, messageUUID, peerNode string, direction store.SyncDirection) (*store.SyncLogEntry, error)
	ListPeers(ctx context.Context) ([]*store.Peer, error)
}

// outboundBatch tracks one in-flight outgoing sync batch awaiting ACK/DLV.
type outboundBatch struct {
	board   *store.Board
	peer    string
	sinceUs int64
	uuids   []string
}

// inboundBatch tracks one in-flight incoming sync batch being reassembled.
type inboundBatch struct {
	board      *store.Board
	returnPath string
	numParts   int
	parts      map[int]string
	startedUs  int64
}

// Engine runs the board sync FSM for one BBS node.
type Engine struct {
	cfg       Config
	store     Store
	adapter   transport.Adapter
	log       logging.Logger
	now       func() time.Time
	masterKey []byte

	outbound map[string]*outboundBatch // keyed by board.Name + "|" + peer node
	inbound  map[string]*inboundBatch  // keyed by board.Name + "|" + peer node
}

// New builds a board sync engine. masterKey unwraps a board's key to
// decrypt outgoing posts and re-wrap incoming ones.
func New(cfg Config, st Store, adapter transport.Adapter, log logging.Logger, now func() time.Time, masterKey []byte) *Engine {
	if now == nil {
		now = time.Now
	}
	return &Engine{
		cfg: cfg, store: st, adapter: adapter, log: log, now: now, masterKey: masterKey,
		outbound: make(map[string]*outboundBatch), inbound: make(map[string]*inboundBatch),
	}
}

func batchKey(boardName, peerNode string) string { return boardName + "|" + peerNode }

// PostLocal seals and inserts a locally authored post, the command
// dispatcher's `!post` handler. It bumps the board's pending-sync counter so
// the next scheduler tick's TriggerSyncs can fan it out to peers.
func (e *Engine) PostLocal(ctx context.Context, boardName, author, subject, body string) (*store.Message, error) {
	b, err := e.store.GetBoardByName(ctx, boardName)
	if err != nil {
		return nil, err
	}
	boardKey, err := cryptox.UnwrapKey(e.masterKey, b.WrappedKey, b.WrappedKeyNonce)
	if err != nil {
		return nil, err
	}

	msgUUID := uuid.NewString()
	createdAtUs := e.now().UnixMicro()

	var subjectCiphertext, subjectNonce []byte
	if subject != "" {
		subjectCiphertext, subjectNonce, err = cryptox.Seal(boardKey, []byte(subject), msgUUID, createdAtUs)
		if err != nil {
			return nil, err
		}
	}
	bodyCiphertext, bodyNonce, err := cryptox.Seal(boardKey, []byte(body), msgUUID, createdAtUs)
	if err != nil {
		return nil, err
	}

	msg := &store.Message{
		UUID: msgUUID, Kind: store.KindBulletin, BoardID: b.ID,
		Author: author, OriginBBS: "", CreatedAtUs: createdAtUs,
		SubjectCiphertext: subjectCiphertext, SubjectNonce: subjectNonce,
		BodyCiphertext: bodyCiphertext, BodyNonce: bodyNonce,
	}
	if err := e.store.InsertBoardPost(ctx, msg, b.ID); err != nil {
		return nil, err
	}
	return msg, nil
}

// SetBoardSynced flips boardName's synced flag, the admin `!syncboard`
// handler. Enabling sync is rejected if the global sync.enabled gate
// (cfg.SyncEnabled) is off, or once SyncedBoardCount has already reached
// cfg.MaxSyncedBoards (§3: "at most max_synced_boards may have synced=true
// simultaneously"); disabling is always allowed.
func (e *Engine) SetBoardSynced(ctx context.Context, boardName string, synced bool) error {
	b, err := e.store.GetBoardByName(ctx, boardName)
	if err != nil {
		return err
	}
	if synced && !b.Synced {
		if !e.cfg.SyncEnabled {
			return shared.ErrSyncDisabledBoard
		}
		n, err := e.store.SyncedBoardCount(ctx)
		if err != nil {
			return err
		}
		if n >= e.cfg.MaxSyncedBoards {
			return shared.ErrTooManySynced
		}
	}
	return e.store.SetSynced(ctx, b.ID, synced)
}

// ReadRecent returns the most recent posts on boardName, decrypted under the
// board's key, newest last, for the `!read`/`!board` handlers.
func (e *Engine) ReadRecent(ctx context.Context, boardName string, limit int) ([]Record, error) {
	b, err := e.store.GetBoardByName(ctx, boardName)
	if err != nil {
		return nil, err
	}
	boardKey, err := cryptox.UnwrapKey(e.masterKey, b.WrappedKey, b.WrappedKeyNonce)
	if err != nil {
		return nil, err
	}
	// BoardPosts counts its limit from the oldest post, so fetch every post
	// and keep the newest limit of them.
	posts, err := e.store.BoardPosts(ctx, b.ID, 0, math.MaxInt32)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(posts) > limit {
		posts = posts[len(posts)-limit:]
	}
	records := make([]Record, 0, len(posts))
	for _, m := range posts {
		subject, err := openOrEmpty(boardKey, m.SubjectCiphertext, m.SubjectNonce, m.UUID, m.CreatedAtUs)
		if err != nil {
			return nil, err
		}
		body, err := cryptox.Open(boardKey, m.BodyCiphertext, m.BodyNonce, m.UUID, m.CreatedAtUs)
		if err != nil {
			return nil, err
		}
		records = append(records, Record{
			UUID: m.UUID, Author: m.Author, OriginBBS: m.OriginBBS,
			TimestampUs: m.CreatedAtUs, Subject: subject, Body: string(body),
		})
	}
	return records, nil
}

// TriggerSyncs checks every synced board's batch-trigger condition against
// every enabled peer and starts a sync for any that fire, driven by the
// scheduler's per-board sync-trigger tick.
func (e *Engine) TriggerSyncs(ctx context.Context) error {
	if !e.cfg.SyncEnabled {
		return nil
	}
	boards, err := e.store.ListBoards(ctx, true)
	if err != nil {
		return err
	}
	peers, err := e.store.ListPeers(ctx)
	if err != nil {
		return err
	}
	nowUs := e.now().UnixMicro()
	for _, b := range boards {
		fires := b.PendingCount >= e.cfg.BatchThreshold ||
			(b.PendingCount >= 1 && nowUs-b.LastSyncAtUs >= e.cfg.BatchInterval.Microseconds())
		if !fires {
			continue
		}
		for _, p := range peers {
			if !p.Enabled {
				continue
			}
			if err := e.startSync(ctx, b, p.NodeID); err != nil {
				e.log.Warn(ctx, "board: sync start failed", "board", b.Name, "peer", p.Callsign, "err", err)
			}
		}
	}
	return nil
}

// startSync gathers up to BatchSize posts on b created after b.LastSyncAtUs
// whose outbound sync-log entry for peer is not acked, and sends BOARDREQ,
// per §4.H step 1-2. LastSyncAtUs is the board's last sync time with any
// peer, not a per-peer acked time, and posts that arrived from other BBSes
// are gathered along with locally authored ones.
func (e *Engine) startSync(ctx context.Context, b *store.Board, peerNode string) error {
	posts, err := e.store.BoardPosts(ctx, b.ID, b.LastSyncAtUs, e.cfg.BatchSize)
	if err != nil {
		return err
	}

	var uuids []string
	for _, m := range posts {
		status, err := e.store.GetSyncStatus(ctx, m.UUID, peerNode, store.DirectionOutbound)
		if err == nil && status.Status == store.SyncAcked {
			continue
		}
		uuids = append(uuids, m.UUID)
		if err := e.store.RecordSyncPending(ctx, m.UUID, peerNode, store.DirectionOutbound); err != nil {
			return err
		}
	}
	if len(uuids) == 0 {
		return nil
	}

	e.outbound[batchKey(b.Name, peerNode)] = &outboundBatch{board: b, peer: peerNode, sinceUs: b.LastSyncAtUs, uuids: uuids}
	payload := fmt.Sprintf("%s|%d|%d", b.Name, len(uuids), b.LastSyncAtUs)
	return e.adapter.SendUnicast(ctx, peerNode, wire.Encode(FrameReq, payload))
}

// HandleReq processes an inbound BOARDREQ from peer P, per §4.H: lazily
// creates an unknown board as local-only-synced, rejects a known but
// sync-disabled board, otherwise acks and awaits BOARDDAT.
func (e *Engine) HandleReq(ctx context.Context, fromNode, boardName string, count int, sinceUs int64) error {
	if !e.cfg.SyncEnabled {
		return e.adapter.SendUnicast(ctx, fromNode, wire.Encode(FrameNak, boardName+"|"+NakSyncDisabled))
	}
	b, err := e.store.GetBoardByName(ctx, boardName)
	if err != nil {
		n, cerr := e.store.SyncedBoardCount(ctx)
		if cerr != nil {
			return cerr
		}
		if n >= e.cfg.MaxSyncedBoards {
			return e.adapter.SendUnicast(ctx, fromNode, wire.Encode(FrameNak, boardName+"|"+NakMaxBoards))
		}

		wrappedKey, wrappedNonce, err := cryptox.WrapKey(e.masterKey, cryptox.GenerateUserKey())
		if err != nil {
			return err
		}
		b, err = e.store.CreateBoard(ctx, &store.Board{
			Name: boardName, Type: store.BoardPublic, Synced: true,
			WrappedKey: wrappedKey, WrappedKeyNonce: wrappedNonce,
			CreatedAtUs: e.now().UnixMicro(),
		})
		if err != nil {
			return err
		}
	} else if !b.Synced {
		return e.adapter.SendUnicast(ctx, fromNode, wire.Encode(FrameNak, boardName+"|"+NakSyncDisabled))
	}

	e.inbound[batchKey(boardName, fromNode)] = &inboundBatch{board: b, returnPath: fromNode, parts: map[int]string{}, startedUs: e.now().UnixMicro()}
	return e.adapter.SendUnicast(ctx, fromNode, wire.Encode(FrameAck, boardName))
}

// HandleNak processes a BOARDNAK at the sender, dropping the outbound batch
// without marking anything acked.
func (e *Engine) HandleNak(ctx context.Context, fromNode, boardName, reason string) error {
	delete(e.outbound, batchKey(boardName, fromNode))
	e.log.Warn(ctx, "board: sync rejected by peer", "board", boardName, "peer", fromNode, "reason", reason)
	return nil
}

// HandleAck processes a BOARDACK at the sender: decrypts each queued post
// under the board key and transmits BOARDDAT chunks.
func (e *Engine) HandleAck(ctx context.Context, fromNode, boardName string) error {
	ob, ok := e.outbound[batchKey(boardName, fromNode)]
	if !ok {
		return nil
	}

	boardKey, err := cryptox.UnwrapKey(e.masterKey, ob.board.WrappedKey, ob.board.WrappedKeyNonce)
	if err != nil {
		return err
	}

	wanted := make(map[string]bool, len(ob.uuids))
	for _, uuid := range ob.uuids {
		wanted[uuid] = true
	}

	posts, err := e.store.BoardPosts(ctx, ob.board.ID, ob.sinceUs, len(ob.uuids))
	if err != nil {
		return err
	}
	records := make([]Record, 0, len(ob.uuids))
	for _, m := range posts {
		if !wanted[m.UUID] {
			continue
		}
		subject, err := openOrEmpty(boardKey, m.SubjectCiphertext, m.SubjectNonce, m.UUID, m.CreatedAtUs)
		if err != nil {
			return err
		}
		body, err := cryptox.Open(boardKey, m.BodyCiphertext, m.BodyNonce, m.UUID, m.CreatedAtUs)
		if err != nil {
			return err
		}
		records = append(records, Record{
			UUID: m.UUID, Author: m.Author, OriginBBS: m.OriginBBS,
			TimestampUs: m.CreatedAtUs, Subject: subject, Body: string(body),
		})
	}

	batch := EncodeBatch(records)
	fragments, err := chunker.Split(batch, e.cfg.ContentSize, e.cfg.MaxChunks)
	if err != nil {
		return shared.ErrChunkSendFailed
	}
	for i, frag := range fragments {
		payload := fmt.Sprintf("%s|%d/%d|%s", boardName, i+1, len(fragments), frag)
		if err := e.adapter.SendUnicast(ctx, fromNode, wire.Encode(FrameDat, payload)); err != nil {
			return shared.ErrDeliveryFailed
		}
	}
	return nil
}

func openOrEmpty(key, ciphertext, nonce []byte, uuid string, createdAtUs int64) (string, error) {
	if len(ciphertext) == 0 {
		return "", nil
	}
	pt, err := cryptox.Open(key, ciphertext, nonce, uuid, createdAtUs)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}

// HandleDlv processes a BOARDDLV at the sender: marks every UUID in the
// batch acked, touches the board's sync time, and resets its pending count.
func (e *Engine) HandleDlv(ctx context.Context, fromNode, boardName string) error {
	key := batchKey(boardName, fromNode)
	ob, ok := e.outbound[key]
	if !ok {
		return nil
	}
	delete(e.outbound, key)

	for _, uuid := range ob.uuids {
		if err := e.store.MarkSyncAcked(ctx, uuid, fromNode, store.DirectionOutbound); err != nil {
			return err
		}
	}
	if err := e.store.TouchSync(ctx, ob.board.ID, e.now().UnixMicro()); err != nil {
		return err
	}
	return e.store.ResetPendingCount(ctx, ob.board.ID)
}

// HandleDat buffers an inbound BOARDDAT fragment, processing the batch once
// every part has arrived: dedup by UUID, rewrite bare authors to
// author@origin_bbs, re-encrypt under the local board key, and insert —
// convergent-union only, never propagating deletes (§4.H).
func (e *Engine) HandleDat(ctx context.Context, fromNode, boardName string, part, total int, payload string) error {
	key := batchKey(boardName, fromNode)
	buf, ok := e.inbound[key]
	if !ok {
		return nil
	}
	buf.numParts = total
	buf.parts[part] = payload
	if len(buf.parts) < total {
		return nil
	}

	var sb strings.Builder
	for i := 1; i <= total; i++ {
		sb.WriteString(buf.parts[i])
	}
	delete(e.inbound, key)

	boardKey, err := cryptox.UnwrapKey(e.masterKey, buf.board.WrappedKey, buf.board.WrappedKeyNonce)
	if err != nil {
		return err
	}

	for _, rec := range DecodeBatch(sb.String()) {
		exists, err := e.store.MessageExists(ctx, rec.UUID)
		if err != nil {
			return err
		}
		if exists {
			continue
		}

		author := rec.Author
		if !strings.Contains(author, "@") {
			author = author + "@" + rec.OriginBBS
		}

		var subjectCiphertext, subjectNonce []byte
		if rec.Subject != "" {
			subjectCiphertext, subjectNonce, err = cryptox.Seal(boardKey, []byte(rec.Subject), rec.UUID, rec.TimestampUs)
			if err != nil {
				return err
			}
		}
		bodyCiphertext, bodyNonce, err := cryptox.Seal(boardKey, []byte(rec.Body), rec.UUID, rec.TimestampUs)
		if err != nil {
			return err
		}

		msg := &store.Message{
			UUID: rec.UUID, Kind: store.KindBulletin, BoardID: buf.board.ID,
			Author: author, OriginBBS: rec.OriginBBS, CreatedAtUs: rec.TimestampUs,
			SubjectCiphertext: subjectCiphertext, SubjectNonce: subjectNonce,
			BodyCiphertext: bodyCiphertext, BodyNonce: bodyNonce,
		}
		if err := e.store.InsertMessage(ctx, msg); err != nil && !errors.Is(err, shared.ErrDuplicateUUID) {
			return err
		}
	}

	return e.adapter.SendUnicast(ctx, buf.returnPath, wire.Encode(FrameDlv, boardName))
}

// SweepStaleReassembly discards incoming batch buffers that never completed
// within maxAge, freeing memory held for a peer that stopped sending
// BOARDDAT parts partway through. Returns the dropped board|peer keys.
func (e *Engine) SweepStaleReassembly(ctx context.Context, maxAge time.Duration) []string {
	var dropped []string
	cutoff := e.now().Add(-maxAge).UnixMicro()
	for key, buf := range e.inbound {
		if buf.startedUs != 0 && buf.startedUs <= cutoff {
			dropped = append(dropped, key)
			delete(e.inbound, key)
		}
	}
	return dropped
}
