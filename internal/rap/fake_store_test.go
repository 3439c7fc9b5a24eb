package rap

import (
	"context"

	"github.com/advbbs/advbbs/internal/shared"
	"github.com/advbbs/advbbs/internal/store"
)

// fakeStore is a minimal in-memory RouteStore for exercising the RAP engine
// without a real database connection.
type fakeStore struct {
	peers  map[string]*store.Peer
	routes map[string]*store.Route
}

func newFakeStore() *fakeStore {
	return &fakeStore{peers: map[string]*store.Peer{}, routes: map[string]*store.Route{}}
}

func (f *fakeStore) addPeer(p *store.Peer) { f.peers[p.NodeID] = p }

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
