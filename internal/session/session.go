// Package session implements registration, login, and node-binding
// management: sessions keyed by (user, current_node), password-derived key
// wrapping, login rate limiting, and failed-login lockout (§4.I).
package session

import (
	"context"
	"crypto/rand"
	"encoding/base32"
	"time"

	"github.com/advbbs/advbbs/internal/cryptox"
	"github.com/advbbs/advbbs/internal/logging"
	"github.com/advbbs/advbbs/internal/shared"
	"github.com/advbbs/advbbs/internal/store"
)

// Config is the subset of session-related timing/threshold settings the
// engine needs.
type Config struct {
	IdleTimeout          time.Duration
	MaxFailedLogins      int
	LockoutDuration      time.Duration
	LoginRateLimitPerMin int
}

// Store is the slice of the store the session engine needs. *store.Store
// satisfies this; tests supply an in-memory fake.
type Store interface {
	CreateUser(ctx context.Context, u *store.User) (*store.User, error)
	GetUserByName(ctx context.Context, name string) (*store.User, error)
	GetUserByID(ctx context.Context, id string) (*store.User, error)
	UpdateUserKey(ctx context.Context, userID string, salt, verifier, wrappedKey, wrappedNonce []byte, mustChangePassword bool) error
	SetRecoveryKey(ctx context.Context, userID string, wrappedKey, nonce []byte) error
	RecordLoginSuccess(ctx context.Context, userID string, nowUs int64) error
	RecordLoginFailure(ctx context.Context, userID string) (int, error)
	LockUser(ctx context.Context, userID string, untilUs int64) error
	UpsertNode(ctx context.Context, n *store.Node) error
	AddBinding(ctx context.Context, b *store.UserNodeBinding) error
	RemoveBinding(ctx context.Context, userID, nodeID string) error
	ListBindings(ctx context.Context, userID string) ([]*store.UserNodeBinding, error)
	FindUserByNode(ctx context.Context, nodeID string) (*store.User, error)
	BindingCount(ctx context.Context, userID string) (int, error)
}

// Session tracks one authenticated (user, node) pair.
type Session struct {
	UserID         string
	Username       string
	Node           string
	IsAdmin        bool
	LoginAtUs      int64
	LastActivityUs int64
}

// Engine runs registration, login, and node-binding management for one BBS
// node. masterKey wraps/unwraps per-user keys, mirroring mail.Engine and
// board.Engine's own use of the in-memory master key.
type Engine struct {
	cfg       Config
	store     Store
	log       logging.Logger
	now       func() time.Time
	masterKey []byte
	kdfParams cryptox.KDFParams

	sessions      map[string]*Session // keyed by userID + "|" + node
	loginAttempts map[string][]int64  // keyed by node, timestamps in micros
}

// New builds a session engine.
func New(cfg Config, st Store, log logging.Logger, now func() time.Time, masterKey []byte) *Engine {
	if now == nil {
		now = time.Now
	}
	return &Engine{
		cfg: cfg, store: st, log: log, now: now, masterKey: masterKey,
		kdfParams: cryptox.DefaultKDFParams(),
		sessions:  make(map[string]*Session), loginAttempts: make(map[string][]int64),
	}
}

func sessionKey(userID, node string) string { return userID + "|" + node }

// Register creates a user and its first (primary) node binding. The user,
// node, recovery key and binding are written by separate store calls, not
// in one transaction: if a later call fails, the rows written before it
// remain.
func (e *Engine) Register(ctx context.Context, name, password, node string) (*store.User, error) {
	salt := cryptox.GenerateSalt(e.kdfParams.SaltLen)
	derivedKey := cryptox.DeriveKey([]byte(password), salt, e.kdfParams)
	verifier := cryptox.MakeVerifier(derivedKey)

	rawUserKey := cryptox.GenerateUserKey()
	wrappedKey, wrappedNonce, err := cryptox.WrapKey(derivedKey, rawUserKey)
	if err != nil {
		return nil, err
	}
	recoveryWrapped, recoveryNonce, err := cryptox.WrapKey(e.masterKey, rawUserKey)
	if err != nil {
		return nil, err
	}

	nowUs := e.now().UnixMicro()
	u := &store.User{
		Name: name, PasswordSalt: salt, PasswordVerifier: verifier,
		WrappedKey: wrappedKey, WrappedKeyNonce: wrappedNonce,
		RecoveryWrappedKey: recoveryWrapped, RecoveryWrappedNonce: recoveryNonce,
		CreatedAtUs: nowUs,
	}
	u, err = e.store.CreateUser(ctx, u)
	if err != nil {
		return nil, err
	}

	if err := e.store.UpsertNode(ctx, &store.Node{ID: node, FirstSeenAtUs: nowUs, LastSeenAtUs: nowUs}); err != nil {
		return nil, err
	}
	if err := e.store.SetRecoveryKey(ctx, u.ID, recoveryWrapped, recoveryNonce); err != nil {
		return nil, err
	}
	if err := e.store.AddBinding(ctx, &store.UserNodeBinding{UserID: u.ID, NodeID: node, IsPrimary: true, BoundAtUs: nowUs}); err != nil {
		return nil, err
	}
	return u, nil
}

// Login verifies password and node-binding 2FA, enforcing lockout and the
// per-node rate limit, and opens a session on success.
func (e *Engine) Login(ctx context.Context, name, password, node string) (*Session, error) {
	if !e.allowLoginAttempt(node) {
		return nil, shared.ErrRateLimited
	}

	u, err := e.store.GetUserByName(ctx, name)
	if err != nil {
		return nil, shared.ErrInvalidCredentials
	}

	nowUs := e.now().UnixMicro()
	if u.LockedUntilUs > 0 && nowUs < u.LockedUntilUs {
		return nil, shared.ErrAccountLocked
	}

	bound, err := e.store.FindUserByNode(ctx, node)
	if err != nil || bound.ID != u.ID {
		return nil, shared.ErrUserNotBoundToNode
	}

	if !cryptox.VerifyPassword([]byte(password), u.PasswordSalt, e.kdfParams, u.PasswordVerifier) {
		count, ferr := e.store.RecordLoginFailure(ctx, u.ID)
		if ferr != nil {
			return nil, ferr
		}
		if count >= e.cfg.MaxFailedLogins {
			if err := e.store.LockUser(ctx, u.ID, nowUs+e.cfg.LockoutDuration.Microseconds()); err != nil {
				return nil, err
			}
		}
		return nil, shared.ErrInvalidCredentials
	}

	if err := e.store.RecordLoginSuccess(ctx, u.ID, nowUs); err != nil {
		return nil, err
	}

	sess := &Session{UserID: u.ID, Username: u.Name, Node: node, IsAdmin: u.IsAdmin, LoginAtUs: nowUs, LastActivityUs: nowUs}
	e.sessions[sessionKey(u.ID, node)] = sess
	return sess, nil
}

// allowLoginAttempt enforces the per-node login-attempt rate limit,
// pruning attempts older than one minute.
func (e *Engine) allowLoginAttempt(node string) bool {
	nowUs := e.now().UnixMicro()
	cutoff := nowUs - time.Minute.Microseconds()

	attempts := e.loginAttempts[node]
	kept := attempts[:0]
	for _, ts := range attempts {
		if ts > cutoff {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= e.cfg.LoginRateLimitPerMin {
		e.loginAttempts[node] = kept
		return false
	}
	e.loginAttempts[node] = append(kept, nowUs)
	return true
}

// Logout closes the session for (userID, node).
func (e *Engine) Logout(ctx context.Context, userID, node string) {
	delete(e.sessions, sessionKey(userID, node))
}

// Lookup returns the active session for (userID, node), or nil if none
// exists or it has gone idle past IdleTimeout.
func (e *Engine) Lookup(userID, node string) *Session {
	sess, ok := e.sessions[sessionKey(userID, node)]
	if !ok {
		return nil
	}
	if e.now().UnixMicro()-sess.LastActivityUs > e.cfg.IdleTimeout.Microseconds() {
		delete(e.sessions, sessionKey(userID, node))
		return nil
	}
	return sess
}

// Touch refreshes a session's idle timer, called on every authenticated
// command.
func (e *Engine) Touch(sess *Session) {
	sess.LastActivityUs = e.now().UnixMicro()
}

// ChangePassword verifies oldPassword, then rewraps the user's key under a
// key derived from newPassword.
func (e *Engine) ChangePassword(ctx context.Context, sess *Session, oldPassword, newPassword string) error {
	u, err := e.store.GetUserByID(ctx, sess.UserID)
	if err != nil {
		return err
	}
	if !cryptox.VerifyPassword([]byte(oldPassword), u.PasswordSalt, e.kdfParams, u.PasswordVerifier) {
		return shared.ErrInvalidCredentials
	}

	oldDerivedKey := cryptox.DeriveKey([]byte(oldPassword), u.PasswordSalt, e.kdfParams)
	rawUserKey, err := cryptox.UnwrapKey(oldDerivedKey, u.WrappedKey, u.WrappedKeyNonce)
	if err != nil {
		return err
	}

	newSalt := cryptox.GenerateSalt(e.kdfParams.SaltLen)
	newDerivedKey := cryptox.DeriveKey([]byte(newPassword), newSalt, e.kdfParams)
	newVerifier := cryptox.MakeVerifier(newDerivedKey)
	newWrappedKey, newWrappedNonce, err := cryptox.WrapKey(newDerivedKey, rawUserKey)
	if err != nil {
		return err
	}

	return e.store.UpdateUserKey(ctx, u.ID, newSalt, newVerifier, newWrappedKey, newWrappedNonce, false)
}

// AddNode binds an additional node to the session's user, requiring an
// already-authenticated session.
func (e *Engine) AddNode(ctx context.Context, sess *Session, nodeID string) error {
	nowUs := e.now().UnixMicro()
	if err := e.store.UpsertNode(ctx, &store.Node{ID: nodeID, FirstSeenAtUs: nowUs, LastSeenAtUs: nowUs}); err != nil {
		return err
	}
	return e.store.AddBinding(ctx, &store.UserNodeBinding{UserID: sess.UserID, NodeID: nodeID, BoundAtUs: nowUs})
}

// RemoveNode unbinds a node, refusing to remove the last remaining binding
// or the node the session is currently authenticated from.
func (e *Engine) RemoveNode(ctx context.Context, sess *Session, nodeID string) error {
	if nodeID == sess.Node {
		return shared.ErrBoundToCurrentNode
	}
	count, err := e.store.BindingCount(ctx, sess.UserID)
	if err != nil {
		return err
	}
	if count <= 1 {
		return shared.ErrLastBindingRemaining
	}
	return e.store.RemoveBinding(ctx, sess.UserID, nodeID)
}

// ListNodes returns every node bound to the session's user.
func (e *Engine) ListNodes(ctx context.Context, sess *Session) ([]*store.UserNodeBinding, error) {
	return e.store.ListBindings(ctx, sess.UserID)
}

// recoveryPassphraseLen is the length, in base32 characters, of the random
// temporary passphrase Recover hands back to the operator.
const recoveryPassphraseLen = 16

// Recover generates a random temporary passphrase, rewraps the user's key
// using the alternate master-wrapped copy, and forces a password change on
// next login. Callers must check admin privilege before invoking this.
func (e *Engine) Recover(ctx context.Context, username string) (passphrase string, err error) {
	u, err := e.store.GetUserByName(ctx, username)
	if err != nil {
		return "", err
	}

	rawUserKey, err := cryptox.UnwrapKey(e.masterKey, u.RecoveryWrappedKey, u.RecoveryWrappedNonce)
	if err != nil {
		return "", err
	}

	passphrase = generatePassphrase()
	salt := cryptox.GenerateSalt(e.kdfParams.SaltLen)
	derivedKey := cryptox.DeriveKey([]byte(passphrase), salt, e.kdfParams)
	verifier := cryptox.MakeVerifier(derivedKey)
	wrappedKey, wrappedNonce, err := cryptox.WrapKey(derivedKey, rawUserKey)
	if err != nil {
		return "", err
	}

	if err := e.store.UpdateUserKey(ctx, u.ID, salt, verifier, wrappedKey, wrappedNonce, true); err != nil {
		return "", err
	}
	return passphrase, nil
}

func generatePassphrase() string {
	buf := make([]byte, recoveryPassphraseLen)
	if _, err := rand.Read(buf); err != nil {
		panic(err) // crypto/rand failing means the platform is broken
	}
	return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(buf)[:recoveryPassphraseLen]
}
