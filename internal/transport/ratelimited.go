package transport

import (
	"context"
	"time"

	"github.com/advbbs/advbbs/internal/ratelimit"
)

// RateLimitedAdapter wraps another Adapter, enforcing §4.E's minimum
// inter-frame spacing on every outbound send before delegating. Inbound
// handling passes straight through unmodified.
type RateLimitedAdapter struct {
	inner   Adapter
	limiter *ratelimit.Limiter
}

// NewRateLimited wraps inner with limiter's ClassUnicast spacing. Chunk-
// class-specific spacing (ratelimit.ClassMailChunk / ClassBoardChunk) and
// the per-peer sync throttle (limiter.AllowPeerSync) are exposed by the
// ratelimit package for callers that emit those frame types directly and
// can identify their own class; this adapter only sees plain send calls,
// so it can enforce the outermost unicast spacing every frame shares.
func NewRateLimited(inner Adapter, limiter *ratelimit.Limiter) *RateLimitedAdapter {
	return &RateLimitedAdapter{inner: inner, limiter: limiter}
}

func (a *RateLimitedAdapter) SendUnicast(ctx context.Context, peerNode, text string) error {
	if err := a.limiter.Wait(ctx, ratelimit.ClassUnicast); err != nil {
		return err
	}
	return a.inner.SendUnicast(ctx, peerNode, text)
}

func (a *RateLimitedAdapter) SendUnicastAwaitAck(ctx context.Context, peerNode, text string, timeout time.Duration) (AckResult, error) {
	if err := a.limiter.Wait(ctx, ratelimit.ClassUnicast); err != nil {
		return AckResult{}, err
	}
	return a.inner.SendUnicastAwaitAck(ctx, peerNode, text, timeout)
}

func (a *RateLimitedAdapter) Broadcast(ctx context.Context, channel, text string) error {
	if err := a.limiter.Wait(ctx, ratelimit.ClassUnicast); err != nil {
		return err
	}
	return a.inner.Broadcast(ctx, channel, text)
}

func (a *RateLimitedAdapter) SetInboundHandler(h InboundHandler) {
	a.inner.SetInboundHandler(h)
}
