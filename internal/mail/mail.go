// Package mail implements the remote-mail delivery state machine: request,
// accept, data, confirm, with loop prevention and multi-hop relaying (§4.G).
package mail

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/advbbs/advbbs/internal/chunker"
	"github.com/advbbs/advbbs/internal/cryptox"
	"github.com/advbbs/advbbs/internal/logging"
	"github.com/advbbs/advbbs/internal/shared"
	"github.com/advbbs/advbbs/internal/store"
	"github.com/advbbs/advbbs/internal/transport"
	"github.com/advbbs/advbbs/internal/wire"
)

const (
	FrameReq = "MAILREQ"
	FrameAck = "MAILACK"
	FrameNak = "MAILNAK"
	FrameDat = "MAILDAT"
	FrameDlv = "MAILDLV"

	NakNoUser  = "NOUSER"
	NakNoRoute = "NOROUTE"
	NakLoop    = "LOOP"
	NakMaxHops = "MAXHOPS"
)

// Router resolves the next-hop peer node for a destination callsign, either
// from direct-peer configuration or RAP. Returning "" with a nil error
// means no route exists.
type Router interface {
	Lookup(ctx context.Context, callsign string) (string, error)
}

// Store is the slice of the store the mail engine needs. *store.Store
// satisfies this; tests supply an in-memory fake.
type Store interface {
	GetPeerByCallsign(ctx context.Context, callsign string) (*store.Peer, error)
	GetUserByName(ctx context.Context, name string) (*store.User, error)
	InsertMessage(ctx context.Context, m *store.Message) error
	MarkDelivered(ctx context.Context, uuid string, atUs int64) error
	UnreadMail(ctx context.Context, recipientUserID string) ([]*store.Message, error)
	MarkRead(ctx context.Context, uuid string, atUs int64) error
}

// Config is the subset of mail-related timing/threshold settings the FSM
// needs.
type Config struct {
	RemoteBodyMax  int
	ContentSize    int
	MaxChunks      int
	MaxHops        int
	AckTimeout     time.Duration
	RetryAttempts  int
	RetryBackoff   []time.Duration
	DeliveryExpiry time.Duration
}

// pendingDelivery tracks one in-flight mail send awaiting its ACK/DLV —
// either originated locally (upstreamNode == "") or relayed on behalf of
// upstreamNode, which ACK/NAK/DLV are forwarded back to.
type pendingDelivery struct {
	uuid         string
	toBBS        string
	nextHop      string
	body         string
	attempts     int
	startedUs    int64
	upstreamNode string
}

// Engine runs the mail FSM for one BBS node. Mail travels plaintext over the
// trusted federation link and is re-encrypted at the terminal BBS under the
// recipient's own key (§4.G) — masterKey unwraps that per-user key.
type Engine struct {
	callsign  string
	cfg       Config
	store     Store
	router    Router
	adapter   transport.Adapter
	log       logging.Logger
	now       func() time.Time
	masterKey []byte

	pending map[string]*pendingDelivery
	// reassembly buffers keyed by UUID at the terminal BBS.
	inbound map[string]*inboundBuffer
}

type inboundBuffer struct {
	fromUser, fromBBS, toUser string
	numParts                  int
	parts                     map[int]string
	returnPath                string
	startedUs                 int64
}

// New builds a mail engine. masterKey is this BBS's in-memory master key,
// used to unwrap a recipient's user key when sealing a delivered message.
func New(callsign string, cfg Config, st Store, router Router, adapter transport.Adapter, log logging.Logger, now func() time.Time, masterKey []byte) *Engine {
	if now == nil {
		now = time.Now
	}
	return &Engine{
		callsign: callsign, cfg: cfg, store: st, router: router, adapter: adapter, log: log, now: now, masterKey: masterKey,
		pending: make(map[string]*pendingDelivery), inbound: make(map[string]*inboundBuffer),
	}
}

// Send originates a mail delivery from fromUser to toUser@toBBS (toBBS ""
// means local, same-BBS delivery — §6's `<localpart>`-only address form).
// Returns nil once the message is stored locally or its MAILREQ is sent, or
// a sentinel failure from the §4.G taxonomy.
func (e *Engine) Send(ctx context.Context, uuid, fromUser, toUser, toBBS, body string) error {
	if len(body) > e.cfg.RemoteBodyMax {
		return shared.ErrRemoteBodyTooLong
	}

	if toBBS == "" || toBBS == e.callsign {
		return e.deliverLocal(ctx, uuid, fromUser, e.callsign, toUser, body)
	}

	nextHop, err := e.resolveNextHop(ctx, toBBS)
	if err != nil {
		return err
	}
	if nextHop == "" {
		return shared.ErrNoRouteToBBS
	}

	fragments, err := chunker.Split(body, e.cfg.ContentSize, e.cfg.MaxChunks)
	if err != nil {
		return shared.ErrChunkSendFailed
	}
	numParts := len(fragments)

	e.pending[uuid] = &pendingDelivery{uuid: uuid, toBBS: toBBS, nextHop: nextHop, body: body, startedUs: e.now().UnixMicro()}

	payload := strings.Join([]string{uuid, fromUser, e.callsign, toUser, toBBS, "1", strconv.Itoa(numParts), e.callsign}, "|")
	return e.adapter.SendUnicast(ctx, nextHop, wire.Encode(FrameReq, payload))
}

// deliverLocal seals body under the recipient's key and stores it directly,
// skipping the wire FSM entirely — used both for same-BBS Send and, via
// HandleDat, for a federated message terminating here. fromBBS is recorded
// as the message's origin BBS.
func (e *Engine) deliverLocal(ctx context.Context, uuid, fromUser, fromBBS, toUser, body string) error {
	recipient, err := e.store.GetUserByName(ctx, toUser)
	if err != nil {
		return shared.ErrRecipientUnknown
	}
	// recipient.WrappedKey is wrapped under their password-derived key, which
	// is never available here; RecoveryWrappedKey is the same raw user key
	// wrapped directly under the BBS master key, set at registration
	// (session.Engine.Register) for exactly this always-available path.
	userKey, err := cryptox.UnwrapKey(e.masterKey, recipient.RecoveryWrappedKey, recipient.RecoveryWrappedNonce)
	if err != nil {
		return err
	}
	createdAtUs := e.now().UnixMicro()
	bodyCiphertext, bodyNonce, err := cryptox.Seal(userKey, []byte(body), uuid, createdAtUs)
	if err != nil {
		return err
	}
	msg := &store.Message{
		UUID: uuid, Kind: store.KindMail, RecipientUserID: recipient.ID,
		Author: fromUser, OriginBBS: fromBBS, CreatedAtUs: createdAtUs,
		BodyCiphertext: bodyCiphertext, BodyNonce: bodyNonce,
	}
	if err := e.store.InsertMessage(ctx, msg); err != nil && !errors.Is(err, shared.ErrDuplicateUUID) {
		return err
	}
	return e.store.MarkDelivered(ctx, uuid, createdAtUs)
}

// resolveNextHop checks direct peers first, then RAP.
func (e *Engine) resolveNextHop(ctx context.Context, toBBS string) (string, error) {
	peer, err := e.store.GetPeerByCallsign(ctx, toBBS)
	if err == nil {
		return peer.NodeID, nil
	}
	return e.router.Lookup(ctx, toBBS)
}

// HandleAck processes a MAILACK at the sender: transmits each MAILDAT
// fragment with inter-chunk rate-limiter spacing left to the caller.
func (e *Engine) HandleAck(ctx context.Context, fromNode, uuid string) error {
	pd, ok := e.pending[uuid]
	if !ok {
		return nil
	}
	if pd.upstreamNode != "" {
		return e.adapter.SendUnicast(ctx, pd.upstreamNode, wire.Encode(FrameAck, uuid+"|OK"))
	}
	fragments, err := chunker.Split(pd.body, e.cfg.ContentSize, e.cfg.MaxChunks)
	if err != nil {
		delete(e.pending, uuid)
		return shared.ErrChunkSendFailed
	}
	for i, frag := range fragments {
		payload := fmt.Sprintf("%s|%d/%d|%s", uuid, i+1, len(fragments), frag)
		if _, err := e.adapter.SendUnicastAwaitAck(ctx, fromNode, wire.Encode(FrameDat, payload), e.cfg.AckTimeout); err != nil {
			delete(e.pending, uuid)
			return shared.ErrDeliveryFailed
		}
	}
	return nil
}

// HandleDlv processes a MAILDLV: at the sender it marks the message
// delivered and releases the pending-delivery slot; at a relay it forwards
// the MAILDLV back upstream.
func (e *Engine) HandleDlv(ctx context.Context, uuid, rest string) error {
	pd, relay := e.pending[uuid]
	delete(e.pending, uuid)
	if relay && pd.upstreamNode != "" {
		return e.adapter.SendUnicast(ctx, pd.upstreamNode, wire.Encode(FrameDlv, uuid+"|"+rest))
	}
	return e.store.MarkDelivered(ctx, uuid, e.now().UnixMicro())
}

// HandleNak processes a MAILNAK: at the sender it returns the sentinel error
// matching reason to the caller (federation.Router logs it); at a relay it
// forwards the MAILNAK back upstream.
func (e *Engine) HandleNak(ctx context.Context, uuid, reason string) error {
	pd, relay := e.pending[uuid]
	delete(e.pending, uuid)
	if relay && pd.upstreamNode != "" {
		return e.adapter.SendUnicast(ctx, pd.upstreamNode, wire.Encode(FrameNak, uuid+"|"+reason))
	}
	switch reason {
	case NakNoUser:
		return shared.ErrRecipientUnknown
	case NakNoRoute:
		return shared.ErrNoRouteToBBS
	case NakLoop:
		return shared.ErrLooped
	case NakMaxHops:
		return shared.ErrMaxHopsExceeded
	default:
		return shared.ErrDeliveryFailed
	}
}

// HandleReq processes an inbound MAILREQ from peer P: loop/hop checks,
// terminal-delivery or relay.
func (e *Engine) HandleReq(ctx context.Context, fromNode, uuid, fromUser, fromBBS, toUser, toBBS string, hop int, route []string) error {
	for _, c := range route {
		if c == e.callsign {
			return e.adapter.SendUnicast(ctx, fromNode, wire.Encode(FrameNak, uuid+"|"+NakLoop))
		}
	}
	if hop > e.cfg.MaxHops {
		return e.adapter.SendUnicast(ctx, fromNode, wire.Encode(FrameNak, uuid+"|"+NakMaxHops))
	}

	if toBBS == e.callsign {
		if _, err := e.store.GetUserByName(ctx, toUser); err != nil {
			return e.adapter.SendUnicast(ctx, fromNode, wire.Encode(FrameNak, uuid+"|"+NakNoUser))
		}
		e.inbound[uuid] = &inboundBuffer{fromUser: fromUser, fromBBS: fromBBS, toUser: toUser, parts: map[int]string{}, returnPath: fromNode, startedUs: e.now().UnixMicro()}
		return e.adapter.SendUnicast(ctx, fromNode, wire.Encode(FrameAck, uuid+"|OK"))
	}

	nextHop, err := e.resolveNextHop(ctx, toBBS)
	if err != nil {
		return err
	}
	if nextHop == "" {
		return e.adapter.SendUnicast(ctx, fromNode, wire.Encode(FrameNak, uuid+"|"+NakNoRoute))
	}
	newRoute := append(append([]string{}, route...), e.callsign)
	payload := strings.Join([]string{uuid, fromUser, fromBBS, toUser, toBBS, strconv.Itoa(hop + 1), "", strings.Join(newRoute, ",")}, "|")
	e.pending[uuid] = &pendingDelivery{uuid: uuid, toBBS: toBBS, nextHop: nextHop, upstreamNode: fromNode, startedUs: e.now().UnixMicro()}
	return e.adapter.SendUnicast(ctx, nextHop, wire.Encode(FrameReq, payload))
}

// HandleDat processes an inbound MAILDAT part. At the terminal BBS it
// buffers the part, assembling and storing the message once every part has
// arrived (§4.G). At a relay, it forwards the part to the next hop
// unchanged, without buffering or storing it.
func (e *Engine) HandleDat(ctx context.Context, uuid string, part, total int, payload string) error {
	if pd, ok := e.pending[uuid]; ok {
		frame := wire.Encode(FrameDat, fmt.Sprintf("%s|%d/%d|%s", uuid, part, total, payload))
		return e.adapter.SendUnicast(ctx, pd.nextHop, frame)
	}

	buf, ok := e.inbound[uuid]
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
	delete(e.inbound, uuid)

	if err := e.deliverLocal(ctx, uuid, buf.fromUser, buf.fromBBS, buf.toUser, sb.String()); err != nil && !errors.Is(err, shared.ErrDuplicateUUID) {
		return err
	}
	return e.adapter.SendUnicast(ctx, buf.returnPath, wire.Encode(FrameDlv, uuid+"|OK|"+buf.toUser+"@"+e.callsign))
}

// InboxMessage is one decrypted unread mail item, for the `!mail` command.
type InboxMessage struct {
	UUID string
	From string
	Body string
}

// ReadInbox returns username's unread mail, decrypted under their recovery-
// wrapped key, and marks each returned message read.
func (e *Engine) ReadInbox(ctx context.Context, username string) ([]InboxMessage, error) {
	recipient, err := e.store.GetUserByName(ctx, username)
	if err != nil {
		return nil, err
	}
	userKey, err := cryptox.UnwrapKey(e.masterKey, recipient.RecoveryWrappedKey, recipient.RecoveryWrappedNonce)
	if err != nil {
		return nil, err
	}
	unread, err := e.store.UnreadMail(ctx, recipient.ID)
	if err != nil {
		return nil, err
	}
	out := make([]InboxMessage, 0, len(unread))
	for _, m := range unread {
		body, err := cryptox.Open(userKey, m.BodyCiphertext, m.BodyNonce, m.UUID, m.CreatedAtUs)
		if err != nil {
			return nil, err
		}
		from := m.Author
		if m.OriginBBS != "" {
			from = from + "@" + m.OriginBBS
		}
		out = append(out, InboxMessage{UUID: m.UUID, From: from, Body: string(body)})
		if err := e.store.MarkRead(ctx, m.UUID, e.now().UnixMicro()); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// SweepExpired fails and drops every pending delivery older than
// DeliveryExpiry, returning their UUIDs.
func (e *Engine) SweepExpired(ctx context.Context) []string {
	var expired []string
	cutoff := e.now().Add(-e.cfg.DeliveryExpiry).UnixMicro()
	for uuid, pd := range e.pending {
		if pd.startedUs <= cutoff {
			expired = append(expired, uuid)
			delete(e.pending, uuid)
		}
	}
	return expired
}

// SweepStaleReassembly discards terminal-BBS reassembly buffers that never
// completed within maxAge, freeing memory held for a sender that stopped
// sending MAILDAT parts partway through. Returns the dropped UUIDs.
func (e *Engine) SweepStaleReassembly(ctx context.Context, maxAge time.Duration) []string {
	var dropped []string
	cutoff := e.now().Add(-maxAge).UnixMicro()
	for uuid, buf := range e.inbound {
		if buf.startedUs != 0 && buf.startedUs <= cutoff {
			dropped = append(dropped, uuid)
			delete(e.inbound, uuid)
		}
	}
	return dropped
}
