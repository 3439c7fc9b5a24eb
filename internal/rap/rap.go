// Package rap implements the Route Announcement Protocol: a distance-vector
// router over the federation mesh, peer health tracking, and route expiry
// (§4.F).
package rap

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/advbbs/advbbs/internal/logging"
	"github.com/advbbs/advbbs/internal/shared"
	"github.com/advbbs/advbbs/internal/store"
	"github.com/advbbs/advbbs/internal/transport"
	"github.com/advbbs/advbbs/internal/wire"
)

const (
	FramePing   = "RAP_PING"
	FramePong   = "RAP_PONG"
	FrameRoutes = "RAP_ROUTES"
)

// RouteEntry is one advertised (destination, hop, quality) triple decoded
// off a route table payload.
type RouteEntry struct {
	Destination string
	Hop         int
	Quality     float64
}

// EncodeRouteTable renders entries as `;`-joined `callsign:hop:quality`
// triples.
func EncodeRouteTable(entries []RouteEntry) string {
	parts := make([]string, 0, len(entries))
	for _, e := range entries {
		parts = append(parts, fmt.Sprintf("%s:%d:%s", e.Destination, e.Hop, strconv.FormatFloat(e.Quality, 'f', 2, 64)))
	}
	return strings.Join(parts, ";")
}

// DecodeRouteTable parses a `;`-joined route table payload, skipping
// malformed triples rather than failing the whole frame.
func DecodeRouteTable(s string) []RouteEntry {
	if s == "" {
		return nil
	}
	var out []RouteEntry
	for _, triple := range strings.Split(s, ";") {
		fields := strings.Split(triple, ":")
		if len(fields) != 3 {
			continue
		}
		hop, err := strconv.Atoi(fields[1])
		if err != nil {
			continue
		}
		quality, err := strconv.ParseFloat(fields[2], 64)
		if err != nil {
			continue
		}
		out = append(out, RouteEntry{Destination: fields[0], Hop: hop, Quality: quality})
	}
	return out
}

// Config is the subset of timing/threshold settings the RAP engine needs,
// injected rather than read from a global (§9 redesign flag).
type Config struct {
	MaxHops              int
	UnreachableThreshold int
	DeadThreshold        int
	RouteExpiry          time.Duration
}

// RouteStore is the slice of the store the RAP engine needs: peer records
// and the route table. *store.Store satisfies this; tests supply an
// in-memory fake.
type RouteStore interface {
	ListPeers(ctx context.Context) ([]*store.Peer, error)
	GetPeer(ctx context.Context, nodeID string) (*store.Peer, error)
	UpdatePeerHealth(ctx context.Context, nodeID string, health store.PeerHealth, missCount int, quality float64, seenAtUs int64) error
	RemoveRoutesViaNextHop(ctx context.Context, nodeID string) error
	ListRoutes(ctx context.Context) ([]*store.Route, error)
	GetRoute(ctx context.Context, destination string) (*store.Route, error)
	UpsertRoute(ctx context.Context, r *store.Route) error
	ExpireRoutes(ctx context.Context, nowUs int64) (int, error)
}

// Engine runs the RAP distance-vector router for one BBS node.
type Engine struct {
	callsign string
	cfg      Config
	store    RouteStore
	adapter  transport.Adapter
	log      logging.Logger
	now      func() time.Time
}

// New builds a RAP engine. now defaults to time.Now when nil.
func New(callsign string, cfg Config, st RouteStore, adapter transport.Adapter, log logging.Logger, now func() time.Time) *Engine {
	if now == nil {
		now = time.Now
	}
	return &Engine{callsign: callsign, cfg: cfg, store: st, adapter: adapter, log: log, now: now}
}

// selfRoute is always present in our own advertised table with hop 0,
// quality 1.0.
func (e *Engine) selfRoute() RouteEntry {
	return RouteEntry{Destination: e.callsign, Hop: 0, Quality: 1.0}
}

// advertisedTable builds the route table we advertise to peers: our own
// entry plus every non-expired, non-dead route we know.
func (e *Engine) advertisedTable(ctx context.Context) ([]RouteEntry, error) {
	routes, err := e.store.ListRoutes(ctx)
	if err != nil {
		return nil, err
	}
	out := []RouteEntry{e.selfRoute()}
	nowUs := e.now().UnixMicro()
	for _, r := range routes {
		if r.ExpiresAtUs <= nowUs {
			continue
		}
		peer, err := e.store.GetPeer(ctx, r.NextHopNode)
		if err == nil && peer.Health == store.HealthDead {
			continue
		}
		out = append(out, RouteEntry{Destination: r.Destination, Hop: r.HopCount, Quality: r.Quality})
	}
	return out, nil
}

// SendHeartbeats sends RAP_PING to every enabled peer, driven by the
// scheduler's heartbeat tick.
func (e *Engine) SendHeartbeats(ctx context.Context) error {
	peers, err := e.store.ListPeers(ctx)
	if err != nil {
		return err
	}
	ts := strconv.FormatInt(e.now().UnixMicro(), 10)
	frame := wire.Encode(FramePing, ts)
	for _, p := range peers {
		if !p.Enabled {
			continue
		}
		if err := e.adapter.SendUnicast(ctx, p.NodeID, frame); err != nil {
			e.log.Warn(ctx, "rap: heartbeat send failed", "peer", p.Callsign, "err", err)
		}
	}
	return nil
}

// ShareRoutes sends RAP_ROUTES to every enabled peer, driven by the
// scheduler's route-share tick.
func (e *Engine) ShareRoutes(ctx context.Context) error {
	peers, err := e.store.ListPeers(ctx)
	if err != nil {
		return err
	}
	table, err := e.advertisedTable(ctx)
	if err != nil {
		return err
	}
	frame := wire.Encode(FrameRoutes, EncodeRouteTable(table))
	for _, p := range peers {
		if !p.Enabled {
			continue
		}
		if err := e.adapter.SendUnicast(ctx, p.NodeID, frame); err != nil {
			e.log.Warn(ctx, "rap: route share send failed", "peer", p.Callsign, "err", err)
		}
	}
	return nil
}

// ExpireRoutes deletes every route whose expiry has passed, driven by the
// scheduler's periodic tick.
func (e *Engine) ExpireRoutes(ctx context.Context) (int, error) {
	return e.store.ExpireRoutes(ctx, e.now().UnixMicro())
}

// HandlePing responds to an inbound RAP_PING from peer nodeID: replies
// RAP_PONG carrying our own route table, and marks the peer alive.
func (e *Engine) HandlePing(ctx context.Context, fromNode string) error {
	if err := e.markAlive(ctx, fromNode); err != nil {
		return err
	}
	table, err := e.advertisedTable(ctx)
	if err != nil {
		return err
	}
	reply := wire.Encode(FramePong, EncodeRouteTable(table))
	return e.adapter.SendUnicast(ctx, fromNode, reply)
}

// HandlePong processes an inbound RAP_PONG from peer nodeID: marks it
// alive and installs/refreshes any advertised routes.
func (e *Engine) HandlePong(ctx context.Context, fromNode, payload string) error {
	if err := e.markAlive(ctx, fromNode); err != nil {
		return err
	}
	return e.installRoutes(ctx, fromNode, DecodeRouteTable(payload))
}

// HandleRoutes processes a bare RAP_ROUTES advertisement from peer nodeID.
func (e *Engine) HandleRoutes(ctx context.Context, fromNode, payload string) error {
	return e.installRoutes(ctx, fromNode, DecodeRouteTable(payload))
}

func (e *Engine) markAlive(ctx context.Context, nodeID string) error {
	peer, err := e.store.GetPeer(ctx, nodeID)
	if err != nil {
		return err
	}
	return e.store.UpdatePeerHealth(ctx, nodeID, store.HealthAlive, 0, peer.Quality, e.now().UnixMicro())
}

// RecordMiss increments a peer's miss counter against a missed heartbeat
// reply and drives the health FSM transitions (alive -> unreachable ->
// dead) described in §4.F.
func (e *Engine) RecordMiss(ctx context.Context, nodeID string) error {
	peer, err := e.store.GetPeer(ctx, nodeID)
	if err != nil {
		return err
	}
	missCount := peer.MissCount + 1
	health := peer.Health
	switch {
	case missCount >= e.cfg.DeadThreshold:
		health = store.HealthDead
		if err := e.store.RemoveRoutesViaNextHop(ctx, nodeID); err != nil {
			return err
		}
	case missCount >= e.cfg.UnreachableThreshold:
		health = store.HealthUnreachable
	case peer.Health == store.HealthUnknown:
		health = store.HealthUnreachable
	}
	return e.store.UpdatePeerHealth(ctx, nodeID, health, missCount, peer.Quality, peer.LastSeenAtUs)
}

// installRoutes applies the route-installation rule in §4.F step 3/4 for
// every advertised entry other than self.
func (e *Engine) installRoutes(ctx context.Context, viaNode string, entries []RouteEntry) error {
	nowUs := e.now().UnixMicro()
	expiresAtUs := e.now().Add(e.cfg.RouteExpiry).UnixMicro()

	for _, adv := range entries {
		if adv.Destination == e.callsign {
			continue
		}
		candidateHop := adv.Hop + 1
		if candidateHop > e.cfg.MaxHops {
			continue
		}

		existing, err := e.store.GetRoute(ctx, adv.Destination)
		switch {
		case errors.Is(err, shared.ErrNotFound):
			if err := e.store.UpsertRoute(ctx, &store.Route{
				Destination: adv.Destination, NextHopNode: viaNode, HopCount: candidateHop,
				Quality: adv.Quality, LearnedAtUs: nowUs, ExpiresAtUs: expiresAtUs,
			}); err != nil {
				return err
			}
		case err != nil:
			return err
		case candidateHop < existing.HopCount || (candidateHop == existing.HopCount && adv.Quality > existing.Quality):
			if err := e.store.UpsertRoute(ctx, &store.Route{
				Destination: adv.Destination, NextHopNode: viaNode, HopCount: candidateHop,
				Quality: adv.Quality, LearnedAtUs: nowUs, ExpiresAtUs: expiresAtUs,
			}); err != nil {
				return err
			}
		case existing.NextHopNode == viaNode && candidateHop == existing.HopCount:
			existing.ExpiresAtUs = expiresAtUs
			if err := e.store.UpsertRoute(ctx, existing); err != nil {
				return err
			}
		}
	}
	return nil
}

// Lookup resolves the next-hop peer node for callsign, returning "" if
// absent, expired, or the next-hop peer is dead.
func (e *Engine) Lookup(ctx context.Context, callsign string) (string, error) {
	route, err := e.store.GetRoute(ctx, callsign)
	if errors.Is(err, shared.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if route.ExpiresAtUs <= e.now().UnixMicro() {
		return "", nil
	}
	peer, err := e.store.GetPeer(ctx, route.NextHopNode)
	if errors.Is(err, shared.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if peer.Health == store.HealthDead {
		return "", nil
	}
	return route.NextHopNode, nil
}
