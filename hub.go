// Package hub is the NAISYS hub server: the coordination point that runners,
// hosts and peer hubs connect to over websockets.
//
//	app, err := hub.New(
//	    hub.WithVersion(version),
//	    hub.WithLogger(logger),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// New loads configuration, opens and migrates the store and wires every
// service onto the connection registry. Run starts the background loops and
// the HTTP server and blocks until ctx ends.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/swax/naisys-hub/internal/auth"
	"github.com/swax/naisys-hub/internal/config"
	"github.com/swax/naisys-hub/internal/federation"
	"github.com/swax/naisys-hub/internal/idgen"
	"github.com/swax/naisys-hub/internal/model"
	"github.com/swax/naisys-hub/internal/ratelimit"
	"github.com/swax/naisys-hub/internal/registry"
	"github.com/swax/naisys-hub/internal/server"
	"github.com/swax/naisys-hub/internal/service/directory"
	"github.com/swax/naisys-hub/internal/service/ingest"
	"github.com/swax/naisys-hub/internal/service/ownership"
	"github.com/swax/naisys-hub/internal/service/presence"
	"github.com/swax/naisys-hub/internal/service/sessions"
	"github.com/swax/naisys-hub/internal/service/syncer"
	"github.com/swax/naisys-hub/internal/storage"
	"github.com/swax/naisys-hub/internal/telemetry"
	"github.com/swax/naisys-hub/migrations"
)

const shutdownTimeout = 10 * time.Second

// App is the hub lifecycle. Construct with New(), run with Run().
type App struct {
	cfg      config.Config
	db       *storage.DB
	reg      *registry.Registry
	srv      *server.Server
	listener net.Listener
	limiter  ratelimit.Limiter

	presence *presence.Aggregator
	syncer   *syncer.Syncer
	watcher  *directory.Watcher
	peers    *federation.Client

	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New initialises the hub. It opens the store, runs migrations, wires all
// services and returns a ready-to-run App. It does NOT start any goroutines
// or accept connections; call Run() for that.
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	cfg, err := loadConfig(o)
	if err != nil {
		return nil, err
	}

	logger.Info("hub starting", "version", version, "name", cfg.Name, "port", cfg.Port)

	ctx := context.Background()

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	inst, err := telemetry.NewInstruments()
	if err != nil {
		_ = otelShutdown(ctx)
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	db, err := storage.New(ctx, cfg.DatabaseURL, cfg.NotifyURL, logger)
	if err != nil {
		_ = otelShutdown(ctx)
		return nil, err
	}
	policy := db.RetryPolicy()
	policy.MaxAttempts = cfg.StoreMaxAttempts
	policy.BaseDelay = cfg.StoreBaseDelay
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		logger.Warn("storage: transient error, retrying", "attempt", attempt, "delay", delay, "error", err)
		inst.StoreRetry(context.Background())
	}
	db.SetRetryPolicy(policy)

	fail := func(err error) (*App, error) {
		db.Close(ctx)
		_ = otelShutdown(ctx)
		return nil, err
	}

	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fail(fmt.Errorf("migrations: %w", err))
	}

	tables := model.SyncTables()
	if err := model.ApplyRuleOverrides(tables, cfg.SyncRules); err != nil {
		return fail(fmt.Errorf("sync rules: %w", err))
	}

	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.TokenTTL)
	if err != nil {
		return fail(err)
	}

	ids := idgen.New()
	reg := registry.New(db, auth.NewAuthenticator(cfg.AccessKey, jwtMgr), ids, registry.Config{
		SchemaVersion:  db.SchemaVersion(),
		RequestTimeout: cfg.AckTimeout,
	}, logger, inst)

	// Services register their handlers and hooks before anything is served.
	dir := directory.NewBroadcaster(db, reg, logger)
	dir.Register()

	agg := presence.New(db, reg, presence.Config{
		Interval: cfg.PresenceInterval,
		Window:   cfg.PresenceWindow,
	}, logger, inst)
	agg.Register()

	ingest.New(db, ids, logger, inst).Register(reg)
	sessions.New(db, logger).Register(reg)

	puller := syncer.New(db, ownership.NewValidator(db, tables), dir, syncer.Config{
		Interval:      cfg.SyncInterval,
		Timeout:       cfg.SyncTimeout,
		SchemaVersion: db.SchemaVersion(),
	}, logger, inst)
	puller.Register(reg)

	peers := federation.New(federation.Config{
		URLs:          cfg.PeerURLs,
		AccessKey:     cfg.PeerAccessKey,
		Name:          cfg.Name,
		RetryDelay:    cfg.PeerRetryDelay,
		SchemaVersion: db.SchemaVersion(),
	}, reg, logger)

	var limiter ratelimit.Limiter = ratelimit.NoopLimiter{}
	if cfg.RateLimitRPS > 0 {
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		logger.Info("rate limiting: handshakes per ip", "rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		logger.Info("rate limiting: disabled")
	}

	srv := server.New(server.ServerConfig{
		Hub:          reg,
		DB:           db,
		Conns:        reg,
		Limiter:      limiter,
		Logger:       logger,
		Port:         cfg.Port,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		Version:      version,
	})

	return &App{
		cfg:          cfg,
		db:           db,
		reg:          reg,
		srv:          srv,
		listener:     o.listener,
		limiter:      limiter,
		presence:     agg,
		syncer:       puller,
		watcher:      directory.NewWatcher(db, dir, cfg.DirectoryPollInterval, logger),
		peers:        peers,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

func loadConfig(o resolvedOptions) (config.Config, error) {
	var cfg config.Config
	if o.cfg != nil {
		cfg = *o.cfg
	} else {
		// Load .env file if present (non-fatal; production won't have one).
		_ = godotenv.Load()
		loaded, err := config.Load()
		if err != nil {
			return config.Config{}, fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.notifyURL != "" {
		cfg.NotifyURL = o.notifyURL
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// Handler returns the root HTTP handler for use in tests.
func (a *App) Handler() http.Handler {
	return a.srv.Handler()
}

// Run starts the background loops and the HTTP server, then blocks until ctx
// is cancelled or one of them fails. Resources are released on return.
func (a *App) Run(ctx context.Context) error {
	defer a.close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.presence.Run(gctx) })
	g.Go(func() error { return a.syncer.Run(gctx) })
	g.Go(func() error { return a.watcher.Run(gctx) })
	g.Go(func() error { return a.peers.Run(gctx) })
	g.Go(func() error {
		var err error
		if a.listener != nil {
			err = a.srv.Serve(a.listener)
		} else {
			err = a.srv.Start()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.stop()
		return nil
	})

	err := g.Wait()
	a.logger.Info("hub stopped")
	return err
}

// stop ends HTTP serving and drops every websocket. Hijacked connections are
// invisible to http.Server.Shutdown, so the registry closes them itself.
func (a *App) stop() {
	a.logger.Info("hub shutting down", "connections", a.reg.Count())

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.srv.Shutdown(ctx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	a.reg.CloseAll()
	if err := a.reg.Wait(ctx); err != nil {
		a.logger.Warn("hub: connections still closing", "error", err)
	}
}

func (a *App) close() {
	_ = a.limiter.Close()
	_ = a.otelShutdown(context.Background())
	a.db.Close(context.Background())
}
