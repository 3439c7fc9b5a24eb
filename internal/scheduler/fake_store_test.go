package scheduler

import (
	"context"

	"github.com/advbbs/advbbs/internal/shared"
	"github.com/advbbs/advbbs/internal/store"
)

// fakeStore is a single in-memory double satisfying rap.RouteStore,
// mail.Store, board.Store, and scheduler.MessageStore at once, the same
// combined-fake approach internal/dispatch uses to wire several engines
// against one backing map set without a database.
type fakeStore struct {
	peers  map[string]*store.Peer
	routes map[string]*store.Route

	users    map[string]*store.User
	messages map[string]*store.Message

	boards  map[string]*store.Board
	syncLog map[string]*store.SyncLogEntry
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		peers: map[string]*store.Peer{}, routes: map[string]*store.Route{},
		users: map[string]*store.User{}, messages: map[string]*store.Message{},
		boards: map[string]*store.Board{}, syncLog: map[string]*store.SyncLogEntry{},
	}
}

func (f *fakeStore) addPeer(p *store.Peer) { f.peers[p.NodeID] = p }

// --- rap.RouteStore ---

func (f *fakeStore) ListPeers(ctx context.Context) ([]*store.Peer, error) {
	var out []*store.Peer
	for _, p := range f.peers {
		out = append(out, p)
	}
	return out, nil
}

func (f *fakeStore) GetPeer(ctx context.Context, nodeID string) (*store.Peer, error) {
	p, ok := f.peers[nodeID]
	if !ok {
		return nil, shared.ErrNotFound
	}
	return p, nil
}

func (f *fakeStore) UpdatePeerHealth(ctx context.Context, nodeID string, health store.PeerHealth, missCount int, quality float64, seenAtUs int64) error {
	p, ok := f.peers[nodeID]
	if !ok {
		return shared.ErrNotFound
	}
	p.Health, p.MissCount, p.Quality, p.LastSeenAtUs = health, missCount, quality, seenAtUs
	return nil
}

func (f *fakeStore) RemoveRoutesViaNextHop(ctx context.Context, nodeID string) error {
	for dest, r := range f.routes {
		if r.NextHopNode == nodeID {
			delete(f.routes, dest)
		}
	}
	return nil
}

func (f *fakeStore) ListRoutes(ctx context.Context) ([]*store.Route, error) {
	var out []*store.Route
	for _, r := range f.routes {
		out = append(out, r)
	}
	return out, nil
}

func (f *fakeStore) GetRoute(ctx context.Context, destination string) (*store.Route, error) {
	r, ok := f.routes[destination]
	if !ok {
		return nil, shared.ErrNotFound
	}
	return r, nil
}

func (f *fakeStore) UpsertRoute(ctx context.Context, r *store.Route) error {
	cp := *r
	f.routes[r.Destination] = &cp
	return nil
}

func (f *fakeStore) ExpireRoutes(ctx context.Context, nowUs int64) (int, error) {
	n := 0
	for dest, r := range f.routes {
		if r.ExpiresAtUs <= nowUs {
			delete(f.routes, dest)
			n++
		}
	}
	return n, nil
}

// --- mail.Store / board.Store shared surface ---

func (f *fakeStore) GetPeerByCallsign(ctx context.Context, callsign string) (*store.Peer, error) {
	for _, p := range f.peers {
		if p.Callsign == callsign {
			return p, nil
		}
	}
	return nil, shared.ErrNotFound
}

func (f *fakeStore) GetUserByName(ctx context.Context, name string) (*store.User, error) {
	u, ok := f.users[name]
	if !ok {
		return nil, shared.ErrNotFound
	}
	return u, nil
}

func (f *fakeStore) MarkDelivered(ctx context.Context, uuid string, atUs int64) error {
	m, ok := f.messages[uuid]
	if !ok {
		return shared.ErrNotFound
	}
	m.DeliveredAtUs = atUs
	return nil
}

func (f *fakeStore) UnreadMail(ctx context.Context, recipientUserID string) ([]*store.Message, error) {
	var out []*store.Message
	for _, m := range f.messages {
		if m.Kind == store.KindMail && m.RecipientUserID == recipientUserID && m.ReadAtUs == 0 {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeStore) MarkRead(ctx context.Context, uuid string, atUs int64) error {
	m, ok := f.messages[uuid]
	if !ok {
		return shared.ErrNotFound
	}
	m.ReadAtUs = atUs
	return nil
}

func (f *fakeStore) ListBoards(ctx context.Context, syncedOnly bool) ([]*store.Board, error) {
	var out []*store.Board
	for _, b := range f.boards {
		if syncedOnly && !b.Synced {
			continue
		}
		out = append(out, b)
	}
	return out, nil
}

func (f *fakeStore) GetBoardByName(ctx context.Context, name string) (*store.Board, error) {
	b, ok := f.boards[name]
	if !ok {
		return nil, shared.ErrNotFound
	}
	return b, nil
}

func (f *fakeStore) CreateBoard(ctx context.Context, b *store.Board) (*store.Board, error) {
	if b.ID == "" {
		b.ID = "board-" + b.Name
	}
	f.boards[b.Name] = b
	return b, nil
}

func (f *fakeStore) SyncedBoardCount(ctx context.Context) (int, error) {
	n := 0
	for _, b := range f.boards {
		if b.Synced {
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) SetSynced(ctx context.Context, boardID string, synced bool) error {
	for _, b := range f.boards {
		if b.ID == boardID {
			b.Synced = synced
			return nil
		}
	}
	return shared.ErrNotFound
}

func (f *fakeStore) IncrementPendingCount(ctx context.Context, boardID string) error {
	for _, b := range f.boards {
		if b.ID == boardID {
			b.PendingCount++
			return nil
		}
	}
	return shared.ErrNotFound
}

func (f *fakeStore) ResetPendingCount(ctx context.Context, boardID string) error {
	for _, b := range f.boards {
		if b.ID == boardID {
			b.PendingCount = 0
			return nil
		}
	}
	return shared.ErrNotFound
}

func (f *fakeStore) TouchSync(ctx context.Context, boardID string, atUs int64) error {
	for _, b := range f.boards {
		if b.ID == boardID {
			b.LastSyncAtUs = atUs
			return nil
		}
	}
	return shared.ErrNotFound
}

func (f *fakeStore) BoardPosts(ctx context.Context, boardID string, sinceUs int64, limit int) ([]*store.Message, error) {
	var out []*store.Message
	for _, m := range f.messages {
		if m.BoardID != boardID || m.CreatedAtUs <= sinceUs {
			continue
		}
		out = append(out, m)
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStore) MessageExists(ctx context.Context, uuid string) (bool, error) {
	_, ok := f.messages[uuid]
	return ok, nil
}

func (f *fakeStore) InsertMessage(ctx context.Context, m *store.Message) error {
	if _, ok := f.messages[m.UUID]; ok {
		return shared.ErrDuplicateUUID
	}
	f.messages[m.UUID] = m
	return nil
}

func (f *fakeStore) InsertBoardPost(ctx context.Context, m *store.Message, boardID string) error {
	if err := f.InsertMessage(ctx, m); err != nil {
		return err
	}
	return f.IncrementPendingCount(ctx, boardID)
}

func (f *fakeStore) RecordSyncPending(ctx context.Context, messageUUID, peerNode string, direction store.SyncDirection) error {
	k := messageUUID + "|" + peerNode + "|" + string(direction)
	if _, ok := f.syncLog[k]; !ok {
		f.syncLog[k] = &store.SyncLogEntry{MessageUUID: messageUUID, PeerNode: peerNode, Direction: direction, Status: store.SyncPending}
	}
	return nil
}

func (f *fakeStore) MarkSyncAcked(ctx context.Context, messageUUID, peerNode string, direction store.SyncDirection) error {
	k := messageUUID + "|" + peerNode + "|" + string(direction)
	e, ok := f.syncLog[k]
	if !ok {
		return shared.ErrNotFound
	}
	e.Status = store.SyncAcked
	return nil
}

func (f *fakeStore) GetSyncStatus(ctx context.Context, messageUUID, peerNode string, direction store.SyncDirection) (*store.SyncLogEntry, error) {
	k := messageUUID + "|" + peerNode + "|" + string(direction)
	e, ok := f.syncLog[k]
	if !ok {
		return nil, shared.ErrNotFound
	}
	return e, nil
}

// --- scheduler.MessageStore ---

func (f *fakeStore) DeleteExpiredMessages(ctx context.Context, cutoffUs int64) (int64, error) {
	var n int64
	for uuid, m := range f.messages {
		if m.CreatedAtUs < cutoffUs {
			delete(f.messages, uuid)
			n++
		}
	}
	return n, nil
}
