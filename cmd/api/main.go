package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"receptionist-core/internal/agent"
	"receptionist-core/internal/audit"
	"receptionist-core/internal/auth"
	"receptionist-core/internal/bridge"
	"receptionist-core/internal/calls"
	"receptionist-core/internal/carrier"
	"receptionist-core/internal/config"
	"receptionist-core/internal/session"
	"receptionist-core/internal/tenant"
	"receptionist-core/internal/transfer"
	"receptionist-core/internal/usage"
	"receptionist-core/pkg/logger"
	"receptionist-core/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	// Domain wiring, storage up.
	tenantStore := tenant.NewPostgresStore(db)
	resolver := tenant.NewResolver(tenantStore, rdb, log)

	registry := session.NewRegistry(nil)

	recorder := usage.NewRecorder(usage.NewPostgresRepo(db),
		func(ctx context.Context, tenantID string) (tenant.Plan, error) {
			tc, err := tenantStore.ByID(ctx, tenantID)
			if err != nil {
				return tenant.Plan{}, err
			}
			return tc.Plan, nil
		}, log)
	defer recorder.Close()

	dialer, err := carrier.NewDialer(carrier.DialerConfig{
		AccountSID: cfg.Carrier.AccountSID,
		AuthToken:  cfg.Carrier.AuthToken,
		BaseURL:    cfg.Carrier.APIBaseURL,
		Timeout:    cfg.Carrier.RequestTimeout,
	})
	if err != nil {
		log.Error("carrier dialer init failed", "err", err)
		os.Exit(1)
	}

	orch := transfer.NewOrchestrator(dialer, transfer.NewPostgresRepo(db),
		"https://"+cfg.App.PublicHost+"/webhooks/carrier/dial-status", log)

	agentCfg := agent.Config{
		URL:          cfg.Agent.URL,
		APIKey:       cfg.Agent.APIKey,
		DialTimeout:  cfg.Agent.DialTimeout,
		ReadTimeout:  cfg.Agent.ReadTimeout,
		WriteTimeout: cfg.Agent.WriteTimeout,
	}
	dialAgent := func(ctx context.Context, settings agent.SessionSettings) (bridge.AgentConn, error) {
		return agent.Dial(ctx, agentCfg, settings)
	}

	// Teardown archives each finished call synchronously; Run drains the
	// lifecycle feed as a second path.
	archiver := calls.NewArchiver(calls.NewPostgresRepo(db), log)
	go archiver.Run(rootCtx, registry.Events())

	br := bridge.New(registry, dialAgent, orch, recorder, archiver, bridge.Options{
		SilenceTimeout:       cfg.Bridge.SilenceTimeout,
		LivenessGrace:        cfg.Bridge.LivenessGrace,
		ReconnectMaxAttempts: cfg.Bridge.ReconnectMaxAttempts,
		ReconnectBaseDelay:   cfg.Bridge.ReconnectBaseDelay,
		ReconnectMaxDelay:    cfg.Bridge.ReconnectMaxDelay,
		UsageFlushInterval:   cfg.Usage.FlushInterval,
	}, log)

	auditSvc := audit.NewService(audit.NewPostgresRepo(db))

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	registerRoutes(r, routeDeps{
		cfg:       cfg,
		auth:      authManager,
		registry:  registry,
		resolver:  resolver,
		recorder:  recorder,
		calls:     calls.NewPostgresRepo(db),
		dialer:    dialer,
		audit:     auditSvc,
		bridge:    br,
		transfers: orch,
		rdb:       rdb,
		log:       log,
	})

	// No server-wide read/write timeouts: the media-stream websocket lives
	// on this listener for the length of a call.
	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
}
