package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"call-broker/internal/calls"
	"call-broker/internal/config"
	"call-broker/internal/httpapi"
	"call-broker/internal/provider"
	"call-broker/internal/pubsub"
	"call-broker/internal/push"
	"call-broker/internal/sessions"
	"call-broker/internal/signaling"
	"call-broker/internal/storage"
	"call-broker/pkg/logger"
	"call-broker/pkg/utils"

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

	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	if _, err := db.ExecContext(rootCtx, storage.Schema); err != nil {
		log.Error("schema apply failed", "err", err)
		os.Exit(1)
	}

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	volatile := storage.NewRedisStore(rdb)
	store, err := storage.NewRouter(volatile, storage.NewPGStore(db))
	if err != nil {
		log.Error("storage init failed", "err", err)
		os.Exit(1)
	}

	bus := pubsub.NewRedisBus(rdb, log)
	defer bus.Close()

	auth, err := sessions.NewAuthenticator(volatile, cfg.Session.IDSecret, cfg.Session.MACSecret, cfg.Session.TTL)
	if err != nil {
		log.Error("session authenticator init failed", "err", err)
		os.Exit(1)
	}

	opentok, err := provider.NewOpenTok(provider.OpenTokConfig{
		APIKey:    cfg.Provider.APIKey,
		APISecret: cfg.Provider.APISecret,
		BaseURL:   cfg.Provider.BaseURL,
		Timeout:   cfg.Provider.Timeout,
	})
	if err != nil {
		log.Error("session provider init failed", "err", err)
		os.Exit(1)
	}
	prov := provider.WithRetry(opentok, cfg.Provider.Retries, cfg.Provider.Timeout, log)

	svc, err := calls.NewService(calls.ServiceOptions{
		Store:          store,
		Bus:            bus,
		Provider:       prov,
		Push:           push.NewNotifier(cfg.Push.Timeout, log),
		PushURLs:       store,
		Log:            log,
		CallTTL:        cfg.Timers.CallTTL,
		SupervisoryTTL: cfg.Timers.Supervisory,
	})
	if err != nil {
		log.Error("call service init failed", "err", err)
		os.Exit(1)
	}

	ws, err := signaling.NewHandler(signaling.HandlerOptions{
		Calls: svc,
		Bus:   bus,
		Log:   log,
		Timers: signaling.Timers{
			Ringing:    cfg.Timers.Ringing,
			Connection: cfg.Timers.Connection,
		},
	})
	if err != nil {
		log.Error("signaling init failed", "err", err)
		os.Exit(1)
	}

	// A state record expiring under a live call means nobody drove the call
	// forward in time; surface that to attached parties as a timeout.
	bus.OnExpire(storage.KeyPrefixCallState, func(key string) {
		callID := strings.TrimPrefix(key, storage.KeyPrefixCallState)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := svc.Terminate(ctx, callID, calls.ReasonTimeout); err != nil {
			log.Warn("expiry termination failed", "call_id", callID, "err", err)
		}
	})
	go func() {
		if err := bus.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("expiry listener failed", "err", err)
		}
	}()

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	h := httpapi.Handlers{
		Auth:       auth,
		Calls:      svc,
		Store:      store,
		CallURLTTL: cfg.Session.CallURLTTL,
	}
	registerRoutes(r, h, auth, ws, progressCapMiddleware(rdb, log))

	// No ReadTimeout/WriteTimeout: /progress holds WebSocket connections
	// open for the duration of a call.
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

	_ = logger.ShutdownFlush(shutdownCtx, 2*time.Second)
}
