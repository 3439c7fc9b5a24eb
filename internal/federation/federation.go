// Package federation implements the inbound frame router (§4.L): generic
// chunk reassembly, then a demux to the RAP engine, mail FSM, board sync
// engine, or the command dispatcher depending on the assembled payload's
// shape.
package federation

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/advbbs/advbbs/internal/board"
	"github.com/advbbs/advbbs/internal/chunker"
	"github.com/advbbs/advbbs/internal/dispatch"
	"github.com/advbbs/advbbs/internal/logging"
	"github.com/advbbs/advbbs/internal/mail"
	"github.com/advbbs/advbbs/internal/rap"
	"github.com/advbbs/advbbs/internal/shared"
	"github.com/advbbs/advbbs/internal/transport"
	"github.com/advbbs/advbbs/internal/wire"
)

// PeerChecker reports whether node is a configured federation peer.
// Commands (payloads beginning "!") bypass this check entirely — that is
// the user path, open to any sender — but every RAP/mail/board frame
// requires it, per §4.L step 1.
type PeerChecker interface {
	IsPeerNode(ctx context.Context, node string) bool
}

// Router is the single inbound entry point wired to
// transport.Adapter.SetInboundHandler.
type Router struct {
	peers       PeerChecker
	rapEngine   *rap.Engine
	mailEngine  *mail.Engine
	boardEngine *board.Engine
	dispatcher  *dispatch.Dispatcher
	reassembler *chunker.Reassembler
	adapter     transport.Adapter
	log         logging.Logger
	now         func() time.Time
}

// New builds a federation router. now defaults to time.Now if nil. adapter
// is used only to send command-dispatch replies back to sender; every
// federation-protocol reply is already sent by the RAP/mail/board engines
// themselves as part of handling the inbound frame.
func New(peers PeerChecker, rapEngine *rap.Engine, mailEngine *mail.Engine, boardEngine *board.Engine,
	dispatcher *dispatch.Dispatcher, reassembler *chunker.Reassembler, adapter transport.Adapter,
	log logging.Logger, now func() time.Time) *Router {
	if now == nil {
		now = time.Now
	}
	return &Router{
		peers: peers, rapEngine: rapEngine, mailEngine: mailEngine, boardEngine: boardEngine,
		dispatcher: dispatcher, reassembler: reassembler, adapter: adapter, log: log, now: now,
	}
}

// HandleInbound matches transport.InboundHandler and is the value passed to
// SetInboundHandler. channel is unused by unicast federation traffic and by
// command text; it exists for parity with the Adapter interface.
func (r *Router) HandleInbound(ctx context.Context, sender, channel, text string) {
	assembled, ok := r.reassembler.Feed(sender, text, r.now())
	if !ok {
		return
	}

	if strings.HasPrefix(assembled, "!") {
		reply, err := r.dispatcher.Dispatch(ctx, sender, assembled)
		if err != nil {
			r.log.Warn(ctx, "federation: command dispatch failed", "sender", sender, "err", err)
			r.reply(ctx, sender, err.Error())
			return
		}
		if reply != "" {
			r.reply(ctx, sender, reply)
		}
		return
	}

	frame, err := wire.Decode(assembled)
	if err != nil {
		r.log.Warn(ctx, "federation: malformed or incompatible frame dropped", "sender", sender, "err", err)
		return
	}

	if !r.peers.IsPeerNode(ctx, sender) {
		r.log.Warn(ctx, "federation: frame from non-peer dropped", "sender", sender, "type", frame.Type)
		return
	}

	switch {
	case strings.HasPrefix(frame.Type, "RAP_"):
		r.routeRAP(ctx, sender, frame)
	case strings.HasPrefix(frame.Type, "MAIL"):
		r.routeMail(ctx, sender, frame)
	case strings.HasPrefix(frame.Type, "BOARD"):
		r.routeBoard(ctx, sender, frame)
	default:
		r.log.Warn(ctx, "federation: unrecognized frame type ignored", "sender", sender, "type", frame.Type)
	}
}

// reply chunks a command's response text and sends each fragment back to
// sender as a bare unicast frame (no root envelope — command traffic is
// plaintext, not a federation sub-protocol); the rate limiter inside the
// adapter governs inter-frame timing.
func (r *Router) reply(ctx context.Context, sender, text string) {
	fragments, err := chunker.Split(text, chunker.DefaultContentSize, defaultReplyMaxChunks)
	if err != nil {
		r.log.Warn(ctx, "federation: reply too long to chunk", "sender", sender, "err", err)
		return
	}
	for _, frag := range fragments {
		if err := r.adapter.SendUnicast(ctx, sender, frag); err != nil {
			r.log.Warn(ctx, "federation: reply send failed", "sender", sender, "err", err)
			return
		}
	}
}

const defaultReplyMaxChunks = 16

func (r *Router) routeRAP(ctx context.Context, sender string, frame wire.Frame) {
	var err error
	switch frame.Type {
	case rap.FramePing:
		err = r.rapEngine.HandlePing(ctx, sender)
	case rap.FramePong:
		err = r.rapEngine.HandlePong(ctx, sender, frame.Payload)
	case rap.FrameRoutes:
		err = r.rapEngine.HandleRoutes(ctx, sender, frame.Payload)
	default:
		r.log.Warn(ctx, "federation: unrecognized RAP frame ignored", "sender", sender, "type", frame.Type)
		return
	}
	if err != nil {
		r.log.Warn(ctx, "federation: rap handler failed", "sender", sender, "type", frame.Type, "err", err)
	}
}

func (r *Router) routeMail(ctx context.Context, sender string, frame wire.Frame) {
	var err error
	switch frame.Type {
	case mail.FrameReq:
		err = r.handleMailReq(ctx, sender, frame.Payload)
	case mail.FrameAck:
		uuid, _, _ := strings.Cut(frame.Payload, "|")
		err = r.mailEngine.HandleAck(ctx, sender, uuid)
	case mail.FrameNak:
		uuid, reason, _ := strings.Cut(frame.Payload, "|")
		err = r.mailEngine.HandleNak(ctx, uuid, reason)
	case mail.FrameDlv:
		uuid, rest, _ := strings.Cut(frame.Payload, "|")
		err = r.mailEngine.HandleDlv(ctx, uuid, rest)
	case mail.FrameDat:
		err = r.handleMailDat(ctx, frame.Payload)
	default:
		r.log.Warn(ctx, "federation: unrecognized mail frame ignored", "sender", sender, "type", frame.Type)
		return
	}
	if err != nil {
		r.log.Warn(ctx, "federation: mail handler failed", "sender", sender, "type", frame.Type, "err", err)
	}
}

// handleMailReq parses "uuid|fromUser|fromBBS|toUser|toBBS|hop|numParts|route"
// (numParts is accepted but unused; HandleReq tracks parts per-DAT-frame).
func (r *Router) handleMailReq(ctx context.Context, sender, payload string) error {
	fields := strings.Split(payload, "|")
	if len(fields) != 8 {
		return shared.ErrMalformedFrame
	}
	uuid, fromUser, fromBBS, toUser, toBBS, hopStr, _, routeStr := fields[0], fields[1], fields[2], fields[3], fields[4], fields[5], fields[6], fields[7]
	hop, err := strconv.Atoi(hopStr)
	if err != nil {
		return shared.ErrMalformedFrame
	}
	var route []string
	if routeStr != "" {
		route = strings.Split(routeStr, ",")
	}
	return r.mailEngine.HandleReq(ctx, sender, uuid, fromUser, fromBBS, toUser, toBBS, hop, route)
}

// handleMailDat parses "uuid|part/total|payload".
func (r *Router) handleMailDat(ctx context.Context, payload string) error {
	fields := strings.SplitN(payload, "|", 3)
	if len(fields) != 3 {
		return shared.ErrMalformedFrame
	}
	part, total, err := parsePartTotal(fields[1])
	if err != nil {
		return err
	}
	return r.mailEngine.HandleDat(ctx, fields[0], part, total, fields[2])
}

func (r *Router) routeBoard(ctx context.Context, sender string, frame wire.Frame) {
	var err error
	switch frame.Type {
	case board.FrameReq:
		err = r.handleBoardReq(ctx, sender, frame.Payload)
	case board.FrameAck:
		err = r.boardEngine.HandleAck(ctx, sender, frame.Payload)
	case board.FrameNak:
		boardName, reason, _ := strings.Cut(frame.Payload, "|")
		err = r.boardEngine.HandleNak(ctx, sender, boardName, reason)
	case board.FrameDlv:
		err = r.boardEngine.HandleDlv(ctx, sender, frame.Payload)
	case board.FrameDat:
		err = r.handleBoardDat(ctx, sender, frame.Payload)
	default:
		r.log.Warn(ctx, "federation: unrecognized board frame ignored", "sender", sender, "type", frame.Type)
		return
	}
	if err != nil {
		r.log.Warn(ctx, "federation: board handler failed", "sender", sender, "type", frame.Type, "err", err)
	}
}

// handleBoardReq parses "boardName|count|sinceUs".
func (r *Router) handleBoardReq(ctx context.Context, sender, payload string) error {
	fields := strings.SplitN(payload, "|", 3)
	if len(fields) != 3 {
		return shared.ErrMalformedFrame
	}
	count, err := strconv.Atoi(fields[1])
	if err != nil {
		return shared.ErrMalformedFrame
	}
	sinceUs, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return shared.ErrMalformedFrame
	}
	return r.boardEngine.HandleReq(ctx, sender, fields[0], count, sinceUs)
}

// handleBoardDat parses "boardName|part/total|payload".
func (r *Router) handleBoardDat(ctx context.Context, sender, payload string) error {
	fields := strings.SplitN(payload, "|", 3)
	if len(fields) != 3 {
		return shared.ErrMalformedFrame
	}
	part, total, err := parsePartTotal(fields[1])
	if err != nil {
		return err
	}
	return r.boardEngine.HandleDat(ctx, sender, fields[0], part, total, fields[2])
}

func parsePartTotal(s string) (part, total int, err error) {
	partStr, totalStr, ok := strings.Cut(s, "/")
	if !ok {
		return 0, 0, shared.ErrMalformedFrame
	}
	part, err1 := strconv.Atoi(partStr)
	total, err2 := strconv.Atoi(totalStr)
	if err1 != nil || err2 != nil {
		return 0, 0, shared.ErrMalformedFrame
	}
	return part, total, nil
}
