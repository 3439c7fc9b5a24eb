package board

import (
	"context"
	"sort"

	"github.com/advbbs/advbbs/internal/shared"
	"github.com/advbbs/advbbs/internal/store"
)

// fakeStore is a minimal in-memory board.Store for exercising the sync
// engine without a real database connection.
type fakeStore struct {
	boards   map[string]*store.Board // by name
	peers    []*store.Peer
	messages map[string]*store.Message
	syncLog  map[string]*store.SyncLogEntry // by uuid|peer|direction
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		boards: map[string]*store.Board{}, messages: map[string]*store.Message{},
		syncLog: map[string]*store.SyncLogEntry{},
	}
}

func (f *fakeStore) addBoard(b *store.Board)  { f.boards[b.Name] = b }
func (f *fakeStore) addPeer(p *store.Peer)    { f.peers = append(f.peers, p) }
func (f *fakeStore) addMessage(m *store.Message) { f.messages[m.UUID] = m }

func syncKey(uuid, peerNode string, direction store.SyncDirection) string {
	return uuid + "|" + peerNode + "|" + string(direction)
}

func (f *fakeStore) ListBoards(ctx context.Context, syncedOnly bool) ([]*store.Board, error) {
	var out []*store.Board
	for _, b := range f.boards {
		if syncedOnly && !b.Synced {
			continue
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
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
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAtUs < out[j].CreatedAtUs })
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
	k := syncKey(messageUUID, peerNode, direction)
	if _, ok := f.syncLog[k]; !ok {
		f.syncLog[k] = &store.SyncLogEntry{MessageUUID: messageUUID, PeerNode: peerNode, Direction: direction, Status: store.SyncPending}
	}
	return nil
}

func (f *fakeStore) MarkSyncAcked(ctx context.Context, messageUUID, peerNode string, direction store.SyncDirection) error {
	k := syncKey(messageUUID, peerNode, direction)
	e, ok := f.syncLog[k]
	if !ok {
		return shared.ErrNotFound
	}
	e.Status = store.SyncAcked
	return nil
}

func (f *fakeStore) GetSyncStatus(ctx context.Context, messageUUID, peerNode string, direction store.SyncDirection) (*store.SyncLogEntry, error) {
	e, ok := f.syncLog[syncKey(messageUUID, peerNode, direction)]
	if !ok {
		return nil, shared.ErrNotFound
	}
	return e, nil
}

func (f *fakeStore) ListPeers(ctx context.Context) ([]*store.Peer, error) {
	return f.peers, nil
}
