// Package scheduler drives every periodic background task the server needs
// with one cooperative tick loop (§4.K, §5): RAP heartbeats and route-share,
// route expiry, chunk-buffer cleanup, pending-delivery ACK-timeout sweep,
// per-board sync trigger checks, announcement broadcast, database backup,
// and message-age expiry. It owns no locks across a suspension point, per
// §5's rule against blocking a cooperative task inside a transport wait.
package scheduler

import (
	"context"
	"time"

	"github.com/advbbs/advbbs/internal/board"
	"github.com/advbbs/advbbs/internal/chunker"
	"github.com/advbbs/advbbs/internal/logging"
	"github.com/advbbs/advbbs/internal/mail"
	"github.com/advbbs/advbbs/internal/rap"
	"github.com/advbbs/advbbs/internal/transport"
	"github.com/advbbs/advbbs/internal/wire"
)

const (
	// AnnounceFrame is the root-envelope type of a periodic presence beacon.
	AnnounceFrame = "ANNOUNCE"
	// AnnounceChannel is the public broadcast channel announcements go out on.
	AnnounceChannel = "public"
)

// MessageStore is the slice of the store the scheduler needs for
// message-age expiry.
type MessageStore interface {
	DeleteExpiredMessages(ctx context.Context, cutoffUs int64) (int64, error)
}

// BackupFunc runs one database backup pass. See NewPgDumpBackup for the
// production implementation.
type BackupFunc func(ctx context.Context) error

// Config holds every interval the scheduler drives. A zero AnnounceInterval
// disables the announcement broadcast task entirely; every other zero
// interval disables that task the same way, since there is never a reason
// to run a periodic task on every single base tick.
type Config struct {
	HeartbeatInterval    time.Duration
	RouteShareInterval   time.Duration
	RouteExpiryInterval  time.Duration
	ChunkCleanupInterval time.Duration
	AckSweepInterval     time.Duration
	BoardSyncInterval    time.Duration
	AnnounceInterval     time.Duration
	BackupInterval       time.Duration
	MessageExpiryInterval time.Duration

	ReassemblyMaxAge time.Duration
	MessageMaxAge    time.Duration
}

// task is one named periodic job: run fn every interval, tracking its own
// last-run time so independent tasks don't share a clock.
type task struct {
	name      string
	interval  time.Duration
	lastRunUs int64
	ran       bool
	fn        func(ctx context.Context)
}

// Scheduler is the single cooperative driver for every background task.
// Callers construct it with New, add tasks with addTask (done once inside
// New for the standard wiring), then call Run to block until ctx is
// cancelled.
type Scheduler struct {
	log   logging.Logger
	now   func() time.Time
	tasks []*task

	// tick is how often Run wakes up to check which tasks are due. It must
	// be no larger than the shortest configured task interval.
	tick time.Duration
}

// New wires the standard advBBS scheduler: RAP heartbeat/route-share/route-
// expiry, mail and board chunk-reassembly cleanup, mail's pending-delivery
// ACK-timeout sweep, board sync-trigger checks, an announcement beacon,
// periodic database backup, and message-age expiry. now defaults to
// time.Now if nil. reassembler is the same *chunker.Reassembler instance the
// federation router feeds inbound fragments into; pass nil to skip its
// sweep (e.g. in tests that don't exercise inbound reassembly).
func New(cfg Config, callsign string, rapEngine *rap.Engine, mailEngine *mail.Engine, boardEngine *board.Engine,
	msgStore MessageStore, backup BackupFunc, reassembler *chunker.Reassembler, adapter transport.Adapter, log logging.Logger, now func() time.Time) *Scheduler {
	if now == nil {
		now = time.Now
	}
	s := &Scheduler{log: log, now: now, tick: shortestTick(cfg)}

	s.addTask("rap-heartbeat", cfg.HeartbeatInterval, func(ctx context.Context) {
		if err := rapEngine.SendHeartbeats(ctx); err != nil {
			log.Warn(ctx, "scheduler: rap heartbeat failed", "err", err)
		}
	})
	s.addTask("rap-route-share", cfg.RouteShareInterval, func(ctx context.Context) {
		if err := rapEngine.ShareRoutes(ctx); err != nil {
			log.Warn(ctx, "scheduler: rap route share failed", "err", err)
		}
	})
	s.addTask("rap-route-expiry", cfg.RouteExpiryInterval, func(ctx context.Context) {
		n, err := rapEngine.ExpireRoutes(ctx)
		if err != nil {
			log.Warn(ctx, "scheduler: rap route expiry failed", "err", err)
			return
		}
		if n > 0 {
			log.Info(ctx, "scheduler: expired stale routes", "count", n)
		}
	})
	s.addTask("chunk-cleanup", cfg.ChunkCleanupInterval, func(ctx context.Context) {
		maxAge := cfg.ReassemblyMaxAge
		if dropped := mailEngine.SweepStaleReassembly(ctx, maxAge); len(dropped) > 0 {
			log.Info(ctx, "scheduler: dropped stale mail reassembly buffers", "count", len(dropped))
		}
		if dropped := boardEngine.SweepStaleReassembly(ctx, maxAge); len(dropped) > 0 {
			log.Info(ctx, "scheduler: dropped stale board reassembly buffers", "count", len(dropped))
		}
		if reassembler != nil {
			reassembler.Sweep(now())
		}
	})
	s.addTask("ack-sweep", cfg.AckSweepInterval, func(ctx context.Context) {
		if expired := mailEngine.SweepExpired(ctx); len(expired) > 0 {
			log.Info(ctx, "scheduler: expired pending mail deliveries", "count", len(expired))
		}
	})
	s.addTask("board-sync-trigger", cfg.BoardSyncInterval, func(ctx context.Context) {
		if err := boardEngine.TriggerSyncs(ctx); err != nil {
			log.Warn(ctx, "scheduler: board sync trigger failed", "err", err)
		}
	})
	s.addTask("announce", cfg.AnnounceInterval, func(ctx context.Context) {
		frame := wire.Encode(AnnounceFrame, callsign)
		if err := adapter.Broadcast(ctx, AnnounceChannel, frame); err != nil {
			log.Warn(ctx, "scheduler: announce broadcast failed", "err", err)
		}
	})
	s.addTask("backup", cfg.BackupInterval, func(ctx context.Context) {
		if backup == nil {
			return
		}
		if err := backup(ctx); err != nil {
			log.Warn(ctx, "scheduler: database backup failed", "err", err)
		}
	})
	s.addTask("message-expiry", cfg.MessageExpiryInterval, func(ctx context.Context) {
		cutoff := now().Add(-cfg.MessageMaxAge).UnixMicro()
		n, err := msgStore.DeleteExpiredMessages(ctx, cutoff)
		if err != nil {
			log.Warn(ctx, "scheduler: message expiry failed", "err", err)
			return
		}
		if n > 0 {
			log.Info(ctx, "scheduler: deleted expired messages", "count", n)
		}
	})

	return s
}

// addTask registers fn to run every interval. A zero or negative interval
// disables the task (per §4.K: "0 disables" for the announce interval,
// generalized to every task here).
func (s *Scheduler) addTask(name string, interval time.Duration, fn func(ctx context.Context)) {
	if interval <= 0 {
		return
	}
	s.tasks = append(s.tasks, &task{name: name, interval: interval, fn: fn})
}

// shortestTick picks a base tick no longer than the shortest enabled
// interval, so every task fires close to its configured cadence.
func shortestTick(cfg Config) time.Duration {
	shortest := cfg.AnnounceInterval
	for _, d := range []time.Duration{
		cfg.HeartbeatInterval, cfg.RouteShareInterval, cfg.RouteExpiryInterval,
		cfg.ChunkCleanupInterval, cfg.AckSweepInterval, cfg.BoardSyncInterval,
		cfg.BackupInterval, cfg.MessageExpiryInterval,
	} {
		if d > 0 && (shortest <= 0 || d < shortest) {
			shortest = d
		}
	}
	if shortest <= 0 {
		return time.Minute
	}
	return shortest
}

// Run blocks, waking every base tick to run any due task, until ctx is
// cancelled. Grounded on the teacher's StartOnlineStatusWatcher: one
// time.Ticker driving a select loop with a ctx.Done() exit case.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Tick(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Tick runs every task whose interval has elapsed since its last run. It is
// exported separately from Run so tests can drive the scheduler
// deterministically against a fixed now, without a real ticker.
func (s *Scheduler) Tick(ctx context.Context) {
	nowUs := s.now().UnixMicro()
	for _, t := range s.tasks {
		if t.ran && nowUs-t.lastRunUs < t.interval.Microseconds() {
			continue
		}
		t.ran = true
		t.lastRunUs = nowUs
		t.fn(ctx)
	}
}
