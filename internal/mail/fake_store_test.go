package mail

import (
	"context"

	"github.com/advbbs/advbbs/internal/shared"
	"github.com/advbbs/advbbs/internal/store"
)

// fakeStore is a minimal in-memory mail.Store for exercising the mail
// engine without a real database connection.
type fakeStore struct {
	peers    map[string]*store.Peer
	users    map[string]*store.User
	messages map[string]*store.Message
}

func newFakeStore() *fakeStore {
	return &fakeStore{peers: map[string]*store.Peer{}, users: map[string]*store.User{}, messages: map[string]*store.Message{}}
}

func (f *fakeStore) addPeer(p *store.Peer) { f.peers[p.Callsign] = p }
func (f *fakeStore) addUser(u *store.User) { f.users[u.Name] = u }

func (f *fakeStore) GetPeerByCallsign(ctx context.Context, callsign string) (*store.Peer, error) {
	p, ok := f.peers[callsign]
	if !ok {
		return nil, shared.ErrNotFound
	}
	return p, nil
}

func (f *fakeStore) GetUserByName(ctx context.Context, name string) (*store.User, error) {
	u, ok := f.users[name]
	if !ok {
		return nil, shared.ErrNotFound
	}
	return u, nil
}

func (f *fakeStore) InsertMessage(ctx context.Context, m *store.Message) error {
	if _, ok := f.messages[m.UUID]; ok {
		return shared.ErrDuplicateUUID
	}
	f.messages[m.UUID] = m
	return nil
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

// fakeRouter is a minimal in-memory mail.Router for tests.
type fakeRouter struct {
	routes map[string]string
}

func newFakeRouter() *fakeRouter { return &fakeRouter{routes: map[string]string{}} }

func (r *fakeRouter) Lookup(ctx context.Context, callsign string) (string, error) {
	return r.routes[callsign], nil
}
