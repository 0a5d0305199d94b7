package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jmerrifield20/deesec/internal/access"
	"github.com/jmerrifield20/deesec/internal/api"
	"github.com/jmerrifield20/deesec/internal/audit"
	"github.com/jmerrifield20/deesec/internal/config"
	"github.com/jmerrifield20/deesec/internal/events"
	"github.com/jmerrifield20/deesec/internal/health"
	"github.com/jmerrifield20/deesec/internal/identity"
	"github.com/jmerrifield20/deesec/internal/ledger"
	"github.com/jmerrifield20/deesec/internal/rpc"
	"github.com/jmerrifield20/deesec/internal/storage"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

func main() {
	configPath := flag.String("config", "", "path to ledgerd.yaml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "ledgerd:", err)
		os.Exit(1)
	}

	logger, err := config.NewLogger(cfg.Log)
	if err != nil {
		fmt.Fprintln(os.Stderr, "ledgerd:", err)
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck

	if err := run(cfg, logger); err != nil {
		logger.Fatal("ledgerd exited with error", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Storage ──────────────────────────────────────────────────────────────
	stores, err := storage.Open(ctx, cfg.Storage.Driver, cfg.Storage.DSN, logger)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer stores.Close() //nolint:errcheck
	logger.Info("storage ready", zap.String("driver", cfg.Storage.Driver))

	// ── Events ───────────────────────────────────────────────────────────────
	sinks, probes, closeSinks, err := buildSinks(ctx, cfg.Events, logger)
	if err != nil {
		return err
	}
	defer closeSinks()

	// ── Audit chain ──────────────────────────────────────────────────────────
	chain := audit.NewChain(stores.Audit, logger)
	if st, err := chain.Status(ctx); err != nil {
		return fmt.Errorf("audit chain: %w", err)
	} else if !st.Intact {
		logger.Warn("audit chain integrity check FAILED", zap.String("problem", st.Problem))
	} else {
		logger.Info("audit chain verified",
			zap.Uint64("entries", st.Length),
			zap.String("root", st.Root),
		)
	}

	bus := events.NewBus(logger, append([]events.Sink{chain}, sinks...)...)
	bus.SetDeliveryRecorder(api.RecordEventDelivery)
	defer bus.Close()

	var deps *health.Checker
	if cfg.Events.ProbeInterval > 0 && len(probes) > 0 {
		deps = health.New(probes, health.Config{CheckInterval: cfg.Events.ProbeInterval}, logger)
		deps.SetMetricsRecord(api.RecordDependencyCheck)
		go deps.Start(ctx)
	}

	// ── Ledger + access control ──────────────────────────────────────────────
	l := ledger.New(stores.Records, logger)
	l.SetPublisher(bus)
	l.SetAppendRecorder(api.RecordCreated)

	ctrl := access.NewController(l, stores.Grants, logger)
	ctrl.SetPublisher(bus)
	ctrl.SetGrantRecorder(api.RecordGrant)

	if n, err := l.RecordCount(ctx); err == nil {
		logger.Info("ledger opened", zap.Uint64("records", n))
	}

	// ── Identity ─────────────────────────────────────────────────────────────
	var (
		auth   identity.Authenticator = identity.OpenAuthenticator{}
		tokens *identity.TokenIssuer
	)
	if cfg.Identity.Mode == "token" {
		key, err := identity.LoadOrCreateKey(cfg.Identity.KeyPath)
		if err != nil {
			return fmt.Errorf("signing key: %w", err)
		}
		tokens = identity.NewTokenIssuer(key, cfg.Identity.Issuer, cfg.Identity.TokenTTL)
		auth = tokens
		logger.Info("token authentication enabled", zap.String("key_path", cfg.Identity.KeyPath))
	} else {
		logger.Warn("open identity mode: X-Ledger-Identity is trusted as sent")
	}

	// ── HTTP ─────────────────────────────────────────────────────────────────
	router := api.NewRouter(ctx, api.Options{
		Ledger:         l,
		Access:         ctrl,
		Bus:            bus,
		Authenticator:  auth,
		Tokens:         tokens,
		Health:         deps,
		Audit:          chain,
		CORSOrigins:    cfg.Server.CORSOrigins,
		RateLimitRPS:   cfg.Server.RateLimitRPS,
		RateLimitBurst: cfg.Server.RateLimitBurst,
		MaxBodyBytes:   cfg.Server.MaxBodyBytes,
		Logger:         logger,
	})

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 2)
	go func() {
		logger.Info("ledgerd HTTP listening", zap.Int("port", cfg.Server.Port))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("http listen: %w", err)
		}
	}()

	// ── gRPC ─────────────────────────────────────────────────────────────────
	var grpcSrv *grpc.Server
	if cfg.GRPC.Port > 0 {
		lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.GRPC.Port))
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		grpcSrv = rpc.NewGRPCServer(rpc.NewServer(l, ctrl, bus, logger), auth, logger)
		go func() {
			logger.Info("ledgerd gRPC listening", zap.Int("port", cfg.GRPC.Port))
			if err := grpcSrv.Serve(lis); err != nil {
				errc <- fmt.Errorf("grpc serve: %w", err)
			}
		}()
	}

	// ── Graceful shutdown ────────────────────────────────────────────────────
	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errc:
	}
	logger.Info("shutting down ledgerd...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown error", zap.Error(err))
	}
	if grpcSrv != nil {
		stopped := make(chan struct{})
		go func() { grpcSrv.GracefulStop(); close(stopped) }()
		select {
		case <-stopped:
		case <-shutdownCtx.Done():
			grpcSrv.Stop()
		}
	}

	logger.Info("ledgerd stopped")
	return runErr
}

// buildSinks returns the external event sinks selected by cfg, probes for
// the dependencies they deliver to, and a func that releases their
// connections.
func buildSinks(ctx context.Context, cfg config.EventsConfig, logger *zap.Logger) ([]events.Sink, []health.Target, func(), error) {
	var (
		sinks   []events.Sink
		probes  []health.Target
		closers []func() error
	)
	closeAll := func() {
		for _, c := range closers {
			_ = c()
		}
	}

	if cfg.RedisAddr != "" && cfg.RedisChannel != "" {
		rdb, err := events.NewRedisClient(ctx, cfg.RedisAddr)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("redis: %w", err)
		}
		closers = append(closers, rdb.Close)
		probes = append(probes, health.Target{Name: "redis", Check: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}})
		sinks = append(sinks, events.NewRedisSink(rdb, cfg.RedisChannel))
		logger.Info("publishing events to redis",
			zap.String("addr", cfg.RedisAddr),
			zap.String("channel", cfg.RedisChannel),
		)
	}

	if len(cfg.WebhookURLs) > 0 {
		if cfg.QueueWebhooks {
			qc := asynq.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
			closers = append(closers, qc.Close)
			sinks = append(sinks, events.NewQueueSink(qc, cfg.WebhookURLs))
			logger.Info("webhooks queued for worker delivery", zap.Int("urls", len(cfg.WebhookURLs)))
		} else {
			sinks = append(sinks, events.NewWebhookSink(cfg.WebhookURLs, cfg.WebhookSecret))
			logger.Info("webhooks delivered in process", zap.Int("urls", len(cfg.WebhookURLs)))
		}
		for _, u := range cfg.WebhookURLs {
			probes = append(probes, health.HTTPTarget("webhook "+u, u, nil))
		}
	}
	return sinks, probes, closeAll, nil
}
