package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"

	"swarmview/mirror/internal/config"
	"swarmview/mirror/internal/driver"
	"swarmview/mirror/internal/effectstream"
	httpapi "swarmview/mirror/internal/http"
	"swarmview/mirror/internal/logging"
	"swarmview/mirror/internal/metrics"
	"swarmview/mirror/internal/reconcile"
	"swarmview/mirror/internal/replay"
	"swarmview/mirror/internal/scene"
	"swarmview/mirror/internal/snapshot"
	"swarmview/mirror/internal/transport"
)

const (
	shutdownTimeout        = 5 * time.Second
	replaySweepInterval    = 10 * time.Minute
	snapshotUserAgent      = "swarmview-mirror/1"
	readHeaderTimeout      = 5 * time.Second
	completionGraceMessage = "simulation complete, serving final state"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging setup failed: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("mirror exited", logging.Error(err))
	}
}

// app holds the wired components of one mirror process.
type app struct {
	cfg         *config.Config
	scene       scene.Scene
	log         *logging.Logger
	mirror      *reconcile.Reconciler
	driver      *driver.Driver
	broadcaster *effectstream.Broadcaster
	hub         *Hub
	metrics     *metrics.Collector
	recorder    *replay.Recorder
	cleaner     *replay.Cleaner
	handler     http.Handler
}

func run(ctx context.Context, cfg *config.Config, logger *logging.Logger) error {
	a, err := build(cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.spawnAgents(); err != nil {
		return err
	}

	server := &http.Server{Addr: cfg.Address, Handler: a.handler, ReadHeaderTimeout: readHeaderTimeout}
	serveErr := make(chan error, 2)
	go func() {
		endpoints := advertise(cfg.Address, false)
		logger.Info("mirror listening", logging.String("ops", endpoints.Ops), logging.String("viewer", endpoints.Viewer))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- fmt.Errorf("http server: %w", err)
		}
	}()

	var grpcServer *grpc.Server
	if cfg.GRPCAddr != "" {
		grpcServer, err = a.startEffectStream(serveErr)
		if err != nil {
			return err
		}
	}

	if a.cleaner != nil {
		go a.cleaner.Run(ctx, replaySweepInterval)
	}
	a.driver.Start(ctx)

	driverDone := a.driver.Done()
	for running := true; running; {
		select {
		case <-ctx.Done():
			logger.Info("shutdown requested")
			running = false
		case err := <-serveErr:
			logger.Error("listener failed", logging.Error(err))
			running = false
		case <-driverDone:
			logger.Info(completionGraceMessage)
			driverDone = nil
		}
	}

	if err := a.driver.Stop(); err != nil && !errors.Is(err, snapshot.ErrSimulationComplete) {
		logger.Warn("driver stopped with error", logging.Error(err))
	}
	a.broadcaster.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown failed", logging.Error(err))
	}
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}
	return nil
}

func build(cfg *config.Config, logger *logging.Logger) (*app, error) {
	sc, err := scene.Load(cfg.ScenePath, cfg.AgentIDs)
	if err != nil {
		return nil, err
	}
	a := &app{
		cfg:         cfg,
		scene:       sc,
		log:         logger,
		metrics:     metrics.New(),
		broadcaster: effectstream.NewBroadcaster(),
	}
	a.mirror = reconcile.New(reconcile.Options{CarryOffset: sc.Offset(), Height: sc.Height(), Logger: logger})

	poller, err := transport.NewPoller(transport.Options{
		URL:       cfg.SourceURL,
		Timeout:   cfg.FetchTimeout,
		Retries:   cfg.FetchRetries,
		UserAgent: snapshotUserAgent,
	})
	if err != nil {
		return nil, err
	}

	var recorder driver.Recorder
	if cfg.Replay.Enabled() {
		a.recorder, err = replay.NewRecorder(cfg.Replay.Dir, sessionTemplate(cfg, sc), a.bootstrapPayload, nil, logger)
		if err != nil {
			return nil, fmt.Errorf("open replay recorder: %w", err)
		}
		recorder = a.recorder
		a.cleaner = replay.NewCleaner(cfg.Replay.Dir, replay.RetentionPolicy{
			MaxSessions: cfg.Replay.MaxSessions,
			MaxAge:      cfg.Replay.MaxAge,
		}, func() string { return a.recorder.Stats().Directory }, logger)
	}

	a.driver, err = driver.New(driver.Options{
		Fetcher:        poller,
		Mirror:         a.mirror,
		Publishers:     []driver.Publisher{a.broadcaster},
		Recorder:       recorder,
		Observers:      []driver.Observer{a.metrics},
		Interval:       cfg.PollInterval,
		StopOnComplete: cfg.StopOnComplete,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}

	var viewerAuth viewerAuthenticator
	if cfg.ViewerSecret != "" {
		if viewerAuth, err = newPassAuthenticator(cfg.ViewerSecret); err != nil {
			return nil, err
		}
	}
	a.hub = NewHub(HubOptions{
		Broadcaster:    a.broadcaster,
		Bootstrap:      a.mirror.Bootstrap,
		AllowedOrigins: cfg.AllowedOrigins,
		MaxViewers:     cfg.MaxViewers,
		PingInterval:   cfg.PingInterval,
		Authenticator:  viewerAuth,
		OnViewerChange: a.metrics.SetViewers,
		Logger:         logger,
	})

	handlers := httpapi.NewHandlerSet(httpapi.Options{
		Logger:      logger,
		Readiness:   a,
		State:       a.mirror.View,
		Stats:       a.stats,
		Metrics:     a.metrics.Handler(),
		Roller:      a.roller(),
		AdminToken:  cfg.AdminToken,
		RateLimiter: httpapi.NewWindowLimiter(cfg.Replay.RollWindow, cfg.Replay.RollBurst, nil),
	})
	mux := http.NewServeMux()
	handlers.Register(mux)
	mux.Handle("/ws", a.hub)
	a.handler = logging.HTTPTraceMiddleware(logger)(mux)
	return a, nil
}

func sessionTemplate(cfg *config.Config, sc scene.Scene) replay.Header {
	header := replay.Header{
		SchemaVersion: replay.HeaderSchemaVersion,
		SourceURL:     cfg.SourceURL,
		CarryOffset:   [3]float64(sc.Offset()),
		FoodHeight:    sc.Height(),
	}
	for _, spawn := range sc.Agents {
		header.Agents = append(header.Agents, replay.SpawnPoint{ID: spawn.ID, Position: spawn.Position})
	}
	return header
}

func (a *app) bootstrapPayload() (uint64, []byte, error) {
	batch := a.mirror.Bootstrap()
	payload, err := json.Marshal(batch)
	return batch.Sequence, payload, err
}

func (a *app) spawnAgents() error {
	for _, spawn := range a.scene.Agents {
		if err := a.driver.Spawn(spawn.ID, spawn.Cell()); err != nil {
			return fmt.Errorf("spawn agent %d: %w", spawn.ID, err)
		}
	}
	a.log.Info("agents spawned", logging.Int("count", len(a.scene.Agents)))
	return nil
}

func (a *app) startEffectStream(serveErr chan<- error) (*grpc.Server, error) {
	opts, err := effectStreamServerOptions(a.cfg, a.log)
	if err != nil {
		return nil, err
	}
	lis, err := net.Listen("tcp", a.cfg.GRPCAddr)
	if err != nil {
		return nil, fmt.Errorf("listen effect stream: %w", err)
	}
	server := grpc.NewServer(opts...)
	effectstream.Register(server, effectstream.NewService(a.broadcaster, a.mirror.Bootstrap, effectstream.WithLogger(a.log)))
	go func() {
		a.log.Info("effect stream listening", logging.String("address", lis.Addr().String()))
		if err := server.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			serveErr <- fmt.Errorf("effect stream: %w", err)
		}
	}()
	return server, nil
}

func (a *app) roller() httpapi.SessionRoller {
	if a.recorder == nil {
		return nil
	}
	return httpapi.SessionRollerFunc(func(ctx context.Context) (string, error) {
		var closed string
		err := a.driver.Exclusive(func() error {
			var rollErr error
			closed, rollErr = a.recorder.Roll()
			return rollErr
		})
		if err == nil {
			a.metrics.IncRolls()
		}
		return closed, err
	})
}

func (a *app) stats() httpapi.Stats {
	stats := httpapi.Stats{Driver: a.driver.Stats(), Viewers: a.hub.ViewerCount()}
	if a.recorder != nil {
		recorder := a.recorder.Stats()
		stats.Replay = &recorder
	}
	if a.cleaner != nil {
		storage := a.cleaner.Stats()
		stats.Storage = &storage
	}
	return stats
}

// Ready, ViewerCount and Uptime satisfy httpapi.ReadinessProvider.
func (a *app) Ready() bool           { return a.driver.Ready() }
func (a *app) ViewerCount() int      { return a.hub.ViewerCount() }
func (a *app) Uptime() time.Duration { return a.hub.Uptime() }

func (a *app) close() {
	if a.recorder != nil {
		if err := a.recorder.Close(); err != nil {
			a.log.Warn("replay close failed", logging.Error(err))
		}
	}
}
