package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/dvkpatel11/roomly-harmony-space/internal/api"
	"github.com/dvkpatel11/roomly-harmony-space/internal/auth"
	"github.com/dvkpatel11/roomly-harmony-space/internal/blobcache"
	"github.com/dvkpatel11/roomly-harmony-space/internal/chat"
	"github.com/dvkpatel11/roomly-harmony-space/internal/chatsync"
	"github.com/dvkpatel11/roomly-harmony-space/internal/config"
	"github.com/dvkpatel11/roomly-harmony-space/internal/httpapi"
	"github.com/dvkpatel11/roomly-harmony-space/internal/metrics"
	"github.com/dvkpatel11/roomly-harmony-space/internal/securelog"
	"github.com/dvkpatel11/roomly-harmony-space/internal/session"
	"github.com/dvkpatel11/roomly-harmony-space/internal/storage"
	"github.com/dvkpatel11/roomly-harmony-space/internal/timeline"
	"github.com/dvkpatel11/roomly-harmony-space/internal/ws"
)

func main() {
	if err := run(os.Args[1:], os.Stderr); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "chatsync: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the environment (and .env when present) and applies flag
// overrides.
func loadConfig(args []string) (config.Config, error) {
	_ = godotenv.Load()

	cfg, err := config.LoadFromEnv()
	if err != nil {
		return config.Config{}, fmt.Errorf("config load failed: %w", err)
	}

	flags := pflag.NewFlagSet("chatsync", pflag.ContinueOnError)
	flags.StringVar(&cfg.HouseholdID, "household", cfg.HouseholdID, "household to join after connecting")
	flags.StringVar(&cfg.DebugAddr, "debug-addr", cfg.DebugAddr, "listen address of the diagnostics server (empty disables it)")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	flags.BoolVar(&cfg.LogPretty, "log-pretty", cfg.LogPretty, "human readable console logs")
	if err := flags.Parse(args); err != nil {
		return config.Config{}, err
	}
	if flags.NArg() > 0 {
		return config.Config{}, fmt.Errorf("unexpected argument: %s", flags.Arg(0))
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("config invalid: %w", err)
	}
	return cfg, nil
}

func openStore(ctx context.Context, cfg config.Config) (storage.Store, error) {
	var (
		store storage.Store
		err   error
	)
	switch cfg.DBDriver {
	case config.DriverPostgres:
		store, err = storage.NewPostgresStore(ctx, cfg.DBURL)
	case config.DriverMemory:
		store = storage.NewMemoryStore()
	default:
		store, err = storage.OpenSQLite(cfg.DBPath)
	}
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close(ctx)
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return store, nil
}

func dialer(serverURL string) session.Dialer {
	return func(ctx context.Context) (session.Socket, error) {
		conn, err := ws.Dial(ctx, serverURL, ws.Options{})
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

func run(args []string, logOut io.Writer) error {
	cfg, err := loadConfig(args)
	if err != nil {
		return err
	}
	logger, err := securelog.New(logOut, cfg.LogLevel, cfg.LogPretty)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	storeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	store, err := openStore(storeCtx, cfg)
	cancel()
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = store.Close(ctx)
	}()

	blobOpts := blobcache.DefaultOptions()
	blobOpts.MemoryEntries = cfg.BlobMemoryEntries
	blobOpts.MaxAge = cfg.BlobMaxAge
	blobOpts.MaxBytes = cfg.BlobMaxBytes
	blobOpts.SweepInterval = cfg.BlobSweepInterval
	blobOpts.Logger = logger
	blobOpts.Metrics = m
	blobs, err := blobcache.New(store.Blobs(), blobOpts)
	if err != nil {
		return err
	}
	go blobs.Run(ctx)

	identity := auth.NewHolder()
	if cfg.Token != "" {
		identity.Set(auth.Identity{UserID: cfg.UserID, Token: cfg.Token, DisplayName: cfg.DisplayName})
	}

	engine, err := chatsync.New(chatsync.Config{
		Identity: identity,
		Dial:     dialer(cfg.ServerURL),
		Session: session.Config{
			ConnectTimeout:     cfg.ConnectTimeout,
			MaxConnectAttempts: cfg.MaxConnectAttempts,
			JoinDebounce:       cfg.JoinDebounce,
			JoinTimeout:        cfg.JoinTimeout,
			MaxJoinAttempts:    cfg.MaxJoinAttempts,
			RemountGrace:       cfg.RemountGrace,
		},
		REST:     api.NewClient(cfg.ServerURL, nil),
		Records:  store.Records(),
		Blobs:    blobs,
		Limits:   timeline.Limits{PerHousehold: cfg.TimelineMax, Global: cfg.GlobalMax},
		PageSize: cfg.PageSize,
		Logger:   logger,
		Metrics:  m,
	})
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = engine.Close(ctx)
	}()

	stats, err := engine.Boot(ctx)
	if err != nil {
		securelog.Warn(logger, "restore cached timelines", err)
	} else {
		logger.Info().
			Int("households", stats.Households).
			Int("messages", stats.Messages).
			Int("polls", stats.Polls).
			Int("skipped", stats.Skipped).
			Msg("cached timelines restored")
	}

	if cfg.HouseholdID != "" {
		if err := engine.JoinHousehold(ctx, chat.HouseholdID(cfg.HouseholdID)); err != nil {
			return err
		}
	}

	var srvErr chan error
	if cfg.DebugAddr != "" {
		gin.SetMode(gin.ReleaseMode)
		srv := &http.Server{
			Addr: cfg.DebugAddr,
			Handler: httpapi.NewRouter(httpapi.Options{
				State:    engine,
				Blobs:    blobs,
				Gatherer: reg,
				Metrics:  m,
				Logger:   logger,
			}),
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		srvErr = make(chan error, 1)
		go func() {
			logger.Info().Str("addr", cfg.DebugAddr).Msg("diagnostics listening")
			srvErr <- srv.ListenAndServe()
		}()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(ctx)
		}()
	}

	if err := engine.Start(ctx); err != nil {
		// The failure is visible in the read model; a manual reconnect is
		// possible until shutdown.
		securelog.Warn(logger, "start session", err)
	} else if cfg.HouseholdID != "" {
		if err := engine.Refresh(ctx); err != nil {
			securelog.Warn(logger, "initial refresh", err)
		}
		if missing := engine.RepairImages(ctx); missing > 0 {
			logger.Warn().Int("missing", missing).Msg("images not restored")
		}
	}

	changes, unsubscribe := engine.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down")
			return nil
		case err := <-srvErr:
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("diagnostics server failed: %w", err)
			}
			return nil
		case <-changes:
			logSnapshot(logger, engine.Snapshot())
		}
	}
}

func logSnapshot(logger zerolog.Logger, s chatsync.Snapshot) {
	ev := logger.Debug().
		Str("household", string(s.Household)).
		Str("connection", s.ConnectionState).
		Int("messages", len(s.Messages)).
		Int("polls", len(s.Polls)).
		Int("typing", len(s.Typing)).
		Bool("has_more", s.HasMoreMessages)
	if s.LastError != "" {
		ev = ev.Str("last_error", s.LastError)
	}
	ev.Msg("timeline changed")
}
