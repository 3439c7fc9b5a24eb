package federation

import (
	"context"
	"strings"

	"github.com/advbbs/advbbs/internal/shared"
	"github.com/advbbs/advbbs/internal/store"
)

// fakeStore is a single in-memory double satisfying rap.RouteStore,
// mail.Store, board.Store, and session.Store at once, the same
// combined-fake approach internal/dispatch and internal/scheduler use.
type fakeStore struct {
	usersByID  map[string]*store.User
	nameToID   map[string]string
	bindings   map[string][]*store.UserNodeBinding
	nodeToUser map[string]string

	peers  map[string]*store.Peer
	routes map[string]*store.Route

	boards   map[string]*store.Board
	messages map[string]*store.Message
	syncLog  map[string]*store.SyncLogEntry
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		usersByID: map[string]*store.User{}, nameToID: map[string]string{},
		bindings: map[string][]*store.UserNodeBinding{}, nodeToUser: map[string]string{},
		peers: map[string]*store.Peer{}, routes: map[string]*store.Route{},
		boards: map[string]*store.Board{}, messages: map[string]*store.Message{}, syncLog: map[string]*store.SyncLogEntry{},
	}
}

func (f *fakeStore) addPeer(p *store.Peer) { f.peers[p.NodeID] = p }

// --- session.Store ---

func (f *fakeStore) CreateUser(ctx context.Context, u *store.User) (*store.User, error) {
	lower := strings.ToLower(u.Name)
	if _, ok := f.nameToID[lower]; ok {
		return nil, shared.ErrAlreadyExists
	}
	u.ID = "user-" + u.Name
	f.usersByID[u.ID] = u
	f.nameToID[lower] = u.ID
	return u, nil
}

func (f *fakeStore) GetUserByName(ctx context.Context, name string) (*store.User, error) {
	id, ok := f.nameToID[strings.ToLower(name)]
	if !ok {
		return nil, shared.ErrNotFound
	}
	return f.usersByID[id], nil
}

func (f *fakeStore) GetUserByID(ctx context.Context, id string) (*store.User, error) {
	u, ok := f.usersByID[id]
	if !ok {
		return nil, shared.ErrNotFound
	}
	return u, nil
}

func (f *fakeStore) UpdateUserKey(ctx context.Context, userID string, salt, verifier, wrappedKey, wrappedNonce []byte, mustChangePassword bool) error {
	u, ok := f.usersByID[userID]
	if !ok {
		return shared.ErrNotFound
	}
	u.PasswordSalt, u.PasswordVerifier = salt, verifier
	u.WrappedKey, u.WrappedKeyNonce = wrappedKey, wrappedNonce
	u.MustChangePassword = mustChangePassword
	return nil
}

func (f *fakeStore) SetRecoveryKey(ctx context.Context, userID string, wrappedKey, nonce []byte) error {
	u, ok := f.usersByID[userID]
	if !ok {
		return shared.ErrNotFound
	}
	u.RecoveryWrappedKey, u.RecoveryWrappedNonce = wrappedKey, nonce
	return nil
}

func (f *fakeStore) RecordLoginSuccess(ctx context.Context, userID string, nowUs int64) error {
	u, ok := f.usersByID[userID]
	if !ok {
		return shared.ErrNotFound
	}
	u.FailedLoginCount = 0
	u.LockedUntilUs = 0
	u.LastSeenAtUs = nowUs
	return nil
}

func (f *fakeStore) RecordLoginFailure(ctx context.Context, userID string) (int, error) {
	u, ok := f.usersByID[userID]
	if !ok {
		return 0, shared.ErrNotFound
	}
	u.FailedLoginCount++
	return u.FailedLoginCount, nil
}

func (f *fakeStore) LockUser(ctx context.Context, userID string, untilUs int64) error {
	u, ok := f.usersByID[userID]
	if !ok {
		return shared.ErrNotFound
	}
	u.LockedUntilUs = untilUs
	return nil
}

func (f *fakeStore) UpsertNode(ctx context.Context, n *store.Node) error { return nil }

func (f *fakeStore) AddBinding(ctx context.Context, b *store.UserNodeBinding) error {
	f.bindings[b.UserID] = append(f.bindings[b.UserID], b)
	f.nodeToUser[b.NodeID] = b.UserID
	return nil
}

func (f *fakeStore) RemoveBinding(ctx context.Context, userID, nodeID string) error {
	list := f.bindings[userID]
	for i, b := range list {
		if b.NodeID == nodeID {
			f.bindings[userID] = append(list[:i], list[i+1:]...)
			delete(f.nodeToUser, nodeID)
			return nil
		}
	}
	return shared.ErrNotFound
}

func (f *fakeStore) ListBindings(ctx context.Context, userID string) ([]*store.UserNodeBinding, error) {
	return f.bindings[userID], nil
}

func (f *fakeStore) FindUserByNode(ctx context.Context, nodeID string) (*store.User, error) {
	userID, ok := f.nodeToUser[nodeID]
	if !ok {
		return nil, shared.ErrNotFound
	}
	return f.usersByID[userID], nil
}

func (f *fakeStore) BindingCount(ctx context.Context, userID string) (int, error) {
	return len(f.bindings[userID]), nil
}

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

// peerChecker adapts fakeStore's peer map to federation.PeerChecker.
type peerChecker struct{ store *fakeStore }

func (p *peerChecker) IsPeerNode(ctx context.Context, node string) bool {
	_, ok := p.store.peers[node]
	return ok
}
