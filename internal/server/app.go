// Package server wires every advBBS component into one running process:
// storage, the crypto master key, the RAP/mail/board engines, the command
// dispatcher, the federation router, and the background scheduler. It
// mirrors the teacher's App/NewApp/Run shape (config load, signal-driven
// graceful shutdown, one long-running goroutine group) generalized from a
// single gRPC listener to several cooperating components sharing one
// transport adapter.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/advbbs/advbbs/internal/board"
	"github.com/advbbs/advbbs/internal/chunker"
	"github.com/advbbs/advbbs/internal/config"
	"github.com/advbbs/advbbs/internal/cryptox"
	"github.com/advbbs/advbbs/internal/dispatch"
	"github.com/advbbs/advbbs/internal/federation"
	"github.com/advbbs/advbbs/internal/logging"
	"github.com/advbbs/advbbs/internal/mail"
	"github.com/advbbs/advbbs/internal/rap"
	"github.com/advbbs/advbbs/internal/ratelimit"
	"github.com/advbbs/advbbs/internal/scheduler"
	"github.com/advbbs/advbbs/internal/session"
	"github.com/advbbs/advbbs/internal/store"
	"github.com/advbbs/advbbs/internal/transport"
)

// App owns every long-lived component of one BBS node.
type App struct {
	config *config.Config
	logger logging.Logger
	store  *store.Store

	router    *federation.Router
	scheduler *scheduler.Scheduler
	adapter   transport.Adapter
}

// NewApp opens the store, derives the master key, and wires every engine
// together. It does not start the background scheduler or accept inbound
// traffic; call Run for that.
func NewApp(c *config.Config) (*App, error) {
	slogger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	logger := logging.NewSlogLogger(slogger)

	if c.OperatorPassphrase == "" {
		return nil, fmt.Errorf("app: ADVBBS_PASSPHRASE is not set")
	}

	st, err := store.Open(c.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("app: open store: %w", err)
	}
	ctx := context.Background()
	if err := st.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("app: migrate store: %w", err)
	}

	kdf := cryptox.DefaultKDFParams()
	kdf.Time, kdf.Memory, kdf.Threads = c.KDFTimeCost, c.KDFMemoryCostKiB, c.KDFParallelism
	newSalt := cryptox.GenerateSalt(kdf.SaltLen)
	salt, err := st.EnsureMasterSalt(ctx, newSalt)
	if err != nil {
		return nil, fmt.Errorf("app: ensure master salt: %w", err)
	}
	masterKey := cryptox.DeriveKey([]byte(c.OperatorPassphrase), salt, kdf)

	// This node's own transport identity is out of scope (§1: the radio
	// driver itself is not implemented here); a single-node MemoryNetwork
	// stands in for it until a real transport.Adapter is supplied at the
	// deployment layer, following the same Adapter contract every engine
	// above already codes against.
	net := transport.NewMemoryNetwork()
	rlCfg := ratelimit.Config{
		Intervals: map[ratelimit.Class]time.Duration{
			ratelimit.ClassUnicast:    c.UnicastMinInterval,
			ratelimit.ClassMailChunk:  c.MailChunkMinInterval,
			ratelimit.ClassBoardChunk: c.BoardChunkMinInterval,
		},
		PeerSyncInterval: c.PeerSyncThrottle,
	}
	limiter := ratelimit.New(rlCfg, nil)
	adapter := transport.NewRateLimited(net.NewNode(c.Callsign), limiter)

	peers := newStaticPeerChecker(c.Peers)
	for _, p := range c.Peers {
		if err := st.UpsertPeer(ctx, &store.Peer{NodeID: p.NodeID, Callsign: p.Callsign, Enabled: p.Enabled}); err != nil {
			return nil, fmt.Errorf("app: upsert configured peer %s: %w", p.NodeID, err)
		}
	}

	rapCfg := rap.Config{
		MaxHops: c.MaxHops, UnreachableThreshold: c.UnreachableThreshold,
		DeadThreshold: c.DeadThreshold, RouteExpiry: c.RouteExpiry,
	}
	rapEngine := rap.New(c.Callsign, rapCfg, st, adapter, logger, nil)

	mailCfg := mail.Config{
		RemoteBodyMax: c.RemoteBodyMax, ContentSize: c.ContentSize, MaxChunks: c.MailMaxChunks,
		MaxHops: c.MaxHops, AckTimeout: c.MailAckTimeout, RetryAttempts: c.MailRetryAttempts,
		RetryBackoff: c.MailRetryBackoff, DeliveryExpiry: c.DeliveryExpiry,
	}
	mailEngine := mail.New(c.Callsign, mailCfg, st, rapEngine, adapter, logger, nil, masterKey)

	boardCfg := board.Config{
		SyncEnabled: c.SyncEnabled,
		BatchThreshold: c.BoardBatchThreshold, BatchInterval: c.BoardBatchInterval,
		MaxSyncedBoards: c.MaxSyncedBoards, BatchSize: c.BoardBatchSize,
		ContentSize: c.ContentSize, MaxChunks: c.SyncMaxChunks,
	}
	boardEngine := board.New(boardCfg, st, adapter, logger, nil, masterKey)

	sessCfg := session.Config{
		IdleTimeout: c.SessionIdleTimeout, MaxFailedLogins: c.MaxFailedLogins,
		LockoutDuration: c.LockoutDuration, LoginRateLimitPerMin: c.LoginRateLimitPerMin,
	}
	sessEngine := session.New(sessCfg, st, logger, nil, masterKey)

	dispatchCfg := dispatch.Config{MailReplyWindow: c.MailReplyWindow, BoardReplyWindow: c.BoardReplyWindow}
	dispatcher := dispatch.New(dispatchCfg, peers, sessEngine, nil)
	dispatch.RegisterDefaultCommands(dispatcher, sessEngine, mailEngine, boardEngine)

	reassembler := chunker.NewReassembler()
	router := federation.New(peers, rapEngine, mailEngine, boardEngine, dispatcher, reassembler, adapter, logger, nil)
	adapter.SetInboundHandler(router.HandleInbound)

	backup := scheduler.NewPgDumpBackup(c.DatabaseDSN, c.BackupDir, nil)
	schedCfg := scheduler.Config{
		HeartbeatInterval: c.HeartbeatInterval, RouteShareInterval: c.RouteShareInterval,
		RouteExpiryInterval: c.RouteShareInterval, ChunkCleanupInterval: c.ChunkCleanupInterval,
		AckSweepInterval: c.MailAckTimeout, BoardSyncInterval: c.BoardBatchInterval,
		AnnounceInterval: c.AnnounceInterval, BackupInterval: c.BackupInterval,
		MessageExpiryInterval: c.BackupInterval, ReassemblyMaxAge: c.DeliveryExpiry,
		MessageMaxAge: c.MessageMaxAge,
	}
	sched := scheduler.New(schedCfg, c.Callsign, rapEngine, mailEngine, boardEngine, st, backup, reassembler, adapter, logger, nil)

	return &App{config: c, logger: logger, store: st, router: router, scheduler: sched, adapter: adapter}, nil
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

// Run blocks until an interrupt or terminate signal arrives, then shuts
// down cleanly.
func (app *App) Run(ctx context.Context) {
	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "starting advBBS node", "callsign", app.config.Callsign)
	app.initSignalHandler(cancelFunc)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		app.scheduler.Run(ctx)
	}()
	wg.Wait()

	if err := app.store.Close(); err != nil {
		app.logger.Error(ctx, "error closing store", "err", err)
	}
	app.logger.Info(ctx, "advBBS node stopped")
}
