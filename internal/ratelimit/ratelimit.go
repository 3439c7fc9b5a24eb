// Package ratelimit enforces the per-operation minimum spacing and
// per-peer throttles in §4.E. Callers can ask how long to wait before
// issuing a frame (Remaining, Reserve) and await that duration themselves,
// or call Wait, which blocks until the class's spacing has elapsed.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/advbbs/advbbs/internal/shared"
)

// Class identifies an output channel with its own minimum spacing.
type Class string

const (
	ClassUnicast    Class = "unicast"     // outbound unicast frames, radio protection
	ClassMailChunk  Class = "mail_chunk"  // MAILDAT inter-chunk spacing
	ClassBoardChunk Class = "board_chunk" // BOARDDAT inter-chunk spacing
)

// Config holds the minimum spacing per class and the per-peer sync-request
// throttle. Defaults match §4.E.
type Config struct {
	Intervals        map[Class]time.Duration
	PeerSyncInterval time.Duration
}

// DefaultConfig returns the spec defaults: unicast >= 3.5s, mail chunks
// ~2.4s, board chunks ~3s, one sync request per peer per 5 minutes.
func DefaultConfig() Config {
	return Config{
		Intervals: map[Class]time.Duration{
			ClassUnicast:    3500 * time.Millisecond,
			ClassMailChunk:  2400 * time.Millisecond,
			ClassBoardChunk: 3 * time.Second,
		},
		PeerSyncInterval: 5 * time.Minute,
	}
}

// Limiter tracks the last-send timestamp per class and a token bucket per
// peer for sync-request throttling. transport.RateLimitedAdapter holds one
// and calls Wait before every send; its own mutex makes it safe to share a
// single instance across the receive loop and per-delivery tasks.
type Limiter struct {
	cfg Config
	now func() time.Time

	mu       sync.Mutex
	lastSend map[Class]time.Time

	peerMu       sync.Mutex
	peerSyncRate map[string]*rate.Limiter
}

// New returns a Limiter using cfg. now defaults to time.Now when nil.
func New(cfg Config, now func() time.Time) *Limiter {
	if now == nil {
		now = time.Now
	}
	return &Limiter{
		cfg:          cfg,
		now:          now,
		lastSend:     make(map[Class]time.Time),
		peerSyncRate: make(map[string]*rate.Limiter),
	}
}

// Remaining returns how long the caller must wait before issuing the next
// frame of class, without blocking or updating internal state.
func (l *Limiter) Remaining(class Class) time.Duration {
	interval, ok := l.cfg.Intervals[class]
	if !ok {
		return 0
	}

	l.mu.Lock()
	last, seen := l.lastSend[class]
	l.mu.Unlock()
	if !seen {
		return 0
	}

	elapsed := l.now().Sub(last)
	if elapsed >= interval {
		return 0
	}
	return interval - elapsed
}

// Reserve books a send slot for class as of now and returns the duration
// the caller must wait before actually transmitting.
func (l *Limiter) Reserve(class Class) time.Duration {
	wait := l.Remaining(class)

	l.mu.Lock()
	defer l.mu.Unlock()
	next := l.now()
	if wait > 0 {
		next = next.Add(wait)
	}
	l.lastSend[class] = next
	return wait
}

// Wait blocks until class's minimum spacing has elapsed, or ctx is
// cancelled first.
func (l *Limiter) Wait(ctx context.Context, class Class) error {
	wait := l.Reserve(class)
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AllowPeerSync reports whether a board-sync request to peerNode may be
// sent now, enforcing the ~1-per-5-minutes throttle. It consumes a token on
// success.
func (l *Limiter) AllowPeerSync(peerNode string) bool {
	l.peerMu.Lock()
	defer l.peerMu.Unlock()

	lim, ok := l.peerSyncRate[peerNode]
	if !ok {
		lim = rate.NewLimiter(rate.Every(l.cfg.PeerSyncInterval), 1)
		l.peerSyncRate[peerNode] = lim
	}
	return lim.Allow()
}

// RequirePeerSync is AllowPeerSync expressed as an error, for call sites
// that want to propagate shared.ErrRateLimited directly.
func (l *Limiter) RequirePeerSync(peerNode string) error {
	if l.AllowPeerSync(peerNode) {
		return nil
	}
	return shared.ErrRateLimited
}
