// Package dispatch implements the command dispatcher: a `!`-prefixed
// command registry with access-level gating and short-lived reply-context
// tracking for bare mail-reply and board-post shorthand (§4.J).
package dispatch

import (
	"context"
	"strings"
	"time"

	"github.com/advbbs/advbbs/internal/session"
	"github.com/advbbs/advbbs/internal/shared"
)

// AccessLevel gates which commands a sender may invoke.
type AccessLevel int

const (
	// AccessAlways is open to any sender, peer or not, authenticated or not.
	AccessAlways AccessLevel = iota
	// AccessSyncBoardOrAuth is open to a configured federation peer node or
	// an authenticated user — board-scoped commands a remote BBS's sync
	// traffic and a logged-in local user both need.
	AccessSyncBoardOrAuth
	// AccessAuthenticated requires an active session.
	AccessAuthenticated
	// AccessAdmin requires an active session belonging to an admin user.
	AccessAdmin
)

// Handler runs one command's logic and returns the text to send back to
// the invoking node (subject to outbound chunking by the caller).
type Handler func(ctx context.Context, node string, args []string, sess *session.Session) (string, error)

// Command is one registry entry.
type Command struct {
	Name    string
	Alias   string
	Access  AccessLevel
	Handler Handler
}

// replyKind distinguishes the two bare-text shorthand contexts.
type replyKind int

const (
	replyKindMail replyKind = iota
	replyKindBoardPost
)

// replyContext is a short-lived association letting a bare (non-`!`)
// plaintext message from a node be reinterpreted as an implicit command.
type replyContext struct {
	kind      replyKind
	target    string // sender address (user@BBS) for replyKindMail, board name for replyKindBoardPost
	expiresUs int64
}

// Config holds the reply-context window durations.
type Config struct {
	MailReplyWindow  time.Duration
	BoardReplyWindow time.Duration
}

// PeerChecker reports whether node is a configured federation peer, for
// AccessSyncBoardOrAuth gating.
type PeerChecker interface {
	IsPeerNode(ctx context.Context, node string) bool
}

// SessionLookup is the slice of session.Engine the dispatcher needs to
// enforce §4.I's idle-session timeout, mirroring PeerChecker's narrow
// interface. *session.Engine satisfies this.
type SessionLookup interface {
	Lookup(userID, node string) *session.Session
	Touch(sess *session.Session)
}

// Dispatcher parses and routes `!`-prefixed command text, and the two bare-
// text shorthands, for one BBS node.
type Dispatcher struct {
	cfg      Config
	peers    PeerChecker
	sessions SessionLookup
	now      func() time.Time

	byName map[string]*Command // canonical name and alias, both lowercased

	sessionsByNode map[string]*session.Session
	replyContexts  map[string]*replyContext
}

// New builds a command dispatcher. sessions may be nil, in which case a
// node's cached session is treated as never idle-expiring — callers that
// need §4.I's timeout enforced must supply a real *session.Engine.
func New(cfg Config, peers PeerChecker, sessions SessionLookup, now func() time.Time) *Dispatcher {
	if now == nil {
		now = time.Now
	}
	return &Dispatcher{
		cfg: cfg, peers: peers, sessions: sessions, now: now,
		byName: make(map[string]*Command), sessionsByNode: make(map[string]*session.Session),
		replyContexts: make(map[string]*replyContext),
	}
}

// Register adds a command under its canonical name and, if set, its alias.
// Both are matched case-insensitively.
func (d *Dispatcher) Register(cmd Command) {
	d.byName[strings.ToLower(cmd.Name)] = &cmd
	if cmd.Alias != "" {
		d.byName[strings.ToLower(cmd.Alias)] = &cmd
	}
}

// BindSession associates node with an authenticated session, called by the
// login command handler on success.
func (d *Dispatcher) BindSession(node string, sess *session.Session) {
	d.sessionsByNode[node] = sess
}

// UnbindSession clears node's session association, called by the logout
// command handler.
func (d *Dispatcher) UnbindSession(node string) {
	delete(d.sessionsByNode, node)
}

// SessionFor returns the session currently bound to node, or nil if none is
// bound or it has gone idle past §4.I's IdleTimeout.
func (d *Dispatcher) SessionFor(node string) *session.Session {
	return d.activeSession(node)
}

// activeSession returns node's cached session, revalidated against the
// session engine's idle-timeout so a stale binding is evicted rather than
// handed to a command handler.
func (d *Dispatcher) activeSession(node string) *session.Session {
	cached, ok := d.sessionsByNode[node]
	if !ok {
		return nil
	}
	if d.sessions == nil {
		return cached
	}
	sess := d.sessions.Lookup(cached.UserID, cached.Node)
	if sess == nil {
		delete(d.sessionsByNode, node)
	}
	return sess
}

// SetMailReplyContext opens a short-lived window in which a bare plaintext
// message from node is reinterpreted as `!reply <sender> <text>`, after the
// user reads a mail message from sender (a user@BBS address).
func (d *Dispatcher) SetMailReplyContext(node, sender string) {
	d.replyContexts[node] = &replyContext{kind: replyKindMail, target: sender, expiresUs: d.now().Add(d.cfg.MailReplyWindow).UnixMicro()}
}

// SetBoardPostContext opens a short-lived window in which a bare plaintext
// message from node is reinterpreted as `!post <text>`, after the user
// enters board.
func (d *Dispatcher) SetBoardPostContext(node, board string) {
	d.replyContexts[node] = &replyContext{kind: replyKindBoardPost, target: board, expiresUs: d.now().Add(d.cfg.BoardReplyWindow).UnixMicro()}
}

// invalidateReplyContext drops node's reply context, called whenever an
// explicit command runs.
func (d *Dispatcher) invalidateReplyContext(node string) {
	delete(d.replyContexts, node)
}

// Dispatch parses text from node and invokes the matching command,
// applying case folding, access-level checks, and reply-context
// reinterpretation.
func (d *Dispatcher) Dispatch(ctx context.Context, node, text string) (string, error) {
	if !strings.HasPrefix(text, "!") {
		return d.dispatchReplyShorthand(ctx, node, text)
	}

	fields := strings.Fields(text[1:])
	if len(fields) == 0 {
		return "", shared.ErrBadSyntax
	}
	name := strings.ToLower(fields[0])
	args := fields[1:]

	d.invalidateReplyContext(node)
	return d.invoke(ctx, node, name, args)
}

func (d *Dispatcher) dispatchReplyShorthand(ctx context.Context, node, text string) (string, error) {
	rc, ok := d.replyContexts[node]
	if !ok || d.now().UnixMicro() > rc.expiresUs {
		delete(d.replyContexts, node)
		return "", shared.ErrUnknownCommand
	}

	switch rc.kind {
	case replyKindMail:
		return d.invoke(ctx, node, "reply", []string{rc.target, text})
	case replyKindBoardPost:
		return d.invoke(ctx, node, "post", []string{rc.target, text})
	default:
		return "", shared.ErrUnknownCommand
	}
}

func (d *Dispatcher) invoke(ctx context.Context, node, name string, args []string) (string, error) {
	cmd, ok := d.byName[name]
	if !ok {
		return "", shared.ErrUnknownCommand
	}

	sess := d.activeSession(node)
	if !d.allowed(ctx, cmd.Access, node, sess) {
		return "", shared.ErrForbiddenByAccess
	}

	out, err := cmd.Handler(ctx, node, args, sess)
	if err == nil && sess != nil && d.sessions != nil {
		d.sessions.Touch(sess)
	}
	return out, err
}

func (d *Dispatcher) allowed(ctx context.Context, access AccessLevel, node string, sess *session.Session) bool {
	switch access {
	case AccessAlways:
		return true
	case AccessSyncBoardOrAuth:
		return sess != nil || (d.peers != nil && d.peers.IsPeerNode(ctx, node))
	case AccessAuthenticated:
		return sess != nil
	case AccessAdmin:
		return sess != nil && sess.IsAdmin
	default:
		return false
	}
}
