package session

import (
	"context"
	"strings"

	"github.com/advbbs/advbbs/internal/shared"
	"github.com/advbbs/advbbs/internal/store"
)

// fakeStore is a minimal in-memory session.Store for exercising the
// session engine without a real database connection.
type fakeStore struct {
	usersByID   map[string]*store.User
	nameToID    map[string]string // name_lower -> id
	bindings    map[string][]*store.UserNodeBinding // userID -> bindings
	nodeToUser  map[string]string                   // nodeID -> userID
	nextUserNum int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		usersByID: map[string]*store.User{}, nameToID: map[string]string{},
		bindings: map[string][]*store.UserNodeBinding{}, nodeToUser: map[string]string{},
	}
}

func (f *fakeStore) CreateUser(ctx context.Context, u *store.User) (*store.User, error) {
	lower := strings.ToLower(u.Name)
	if _, ok := f.nameToID[lower]; ok {
		return nil, shared.ErrAlreadyExists
	}
	f.nextUserNum++
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
