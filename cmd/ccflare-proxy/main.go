package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ccflare/proxy/internal/account"
	"github.com/ccflare/proxy/internal/config"
	"github.com/ccflare/proxy/internal/dispatcher"
	"github.com/ccflare/proxy/internal/events"
	"github.com/ccflare/proxy/internal/forwarder"
	"github.com/ccflare/proxy/internal/health"
	"github.com/ccflare/proxy/internal/metrics"
	"github.com/ccflare/proxy/internal/oauthsession"
	"github.com/ccflare/proxy/internal/postprocessor"
	"github.com/ccflare/proxy/internal/provider"
	"github.com/ccflare/proxy/internal/scheduler"
	"github.com/ccflare/proxy/internal/server"
	"github.com/ccflare/proxy/internal/sink"
	"github.com/ccflare/proxy/internal/store"
	"github.com/ccflare/proxy/internal/strategy"
	"github.com/ccflare/proxy/internal/tokenmanager"
	"github.com/ccflare/proxy/internal/transport"
)

var version = "dev"

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		slog.Error("config validation failed", "error", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logHandler := events.NewLogHandler(level, 1000)
	slog.SetDefault(slog.New(logHandler))
	slog.Info("ccflare-proxy starting", "version", version)

	s, err := store.New(cfg.DBPath)
	if err != nil {
		slog.Error("database init failed", "error", err)
		os.Exit(1)
	}
	defer s.Close()
	slog.Info("database ready", "path", cfg.DBPath)

	crypto := account.NewCrypto(cfg.EncryptionKey)
	if _, err := crypto.DeriveKey("salt"); err != nil {
		slog.Error("key derivation failed", "error", err)
		os.Exit(1)
	}
	slog.Info("encryption key derived")

	accounts := account.NewAccountStore(s, crypto)

	registry := provider.NewRegistry()
	registry.Register(provider.NewAnthropic(""))
	registry.Register(provider.NewOpenAICompatible())
	registry.Register(provider.NewZai(""))

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	bus := events.NewBus(200)

	tm := transport.NewManager(cfg)
	defer tm.Close()

	tokens := tokenmanager.New(accounts, registry, tokenmanager.Config{
		SafetyWindow:      cfg.SafetyWindow,
		Backoff:           cfg.Backoff,
		FailureTTL:        cfg.FailureTTL,
		MaxFailureRecords: cfg.MaxFailureRecords,
		MaxBackoffRetries: cfg.MaxBackoffRetries,
		OAuthClientID:     cfg.OAuthClientID,
		OAuthTokenURL:     cfg.OAuthTokenURL,
	}, m, bus)

	hm := health.New(accounts, cfg.RefreshTokenMaxAge, m)
	rootCtx, cancel := context.WithCancel(context.Background())
	if _, err := hm.RunOnce(rootCtx); err != nil {
		slog.Error("initial health check failed", "error", err)
	}

	strat := strategy.NewPriority()

	writer := sink.NewAsyncDbWriter()
	pp := postprocessor.New(registry, accounts, writer, cfg.StreamOrphanTimeout, m)
	go pp.Run(rootCtx)

	fwd := forwarder.New(pp, bus)

	disp := dispatcher.New(accounts, registry, tokens, strat, fwd, tm, cfg.RequestTimeout, m, bus)

	loopbackHost := cfg.Host
	if loopbackHost == "0.0.0.0" || loopbackHost == "" {
		loopbackHost = "127.0.0.1"
	}
	proxyBase := fmt.Sprintf("http://%s:%d", loopbackHost, cfg.Port)
	sched := scheduler.New(accounts, registry, proxyBase, cfg.SchedulerTick, func() {
		hm.RunOnce(rootCtx)
	})
	// HealthMonitor's periodic re-computation shares this cron rather
	// than running its own ticker loop.
	if err := sched.Schedule(fmt.Sprintf("@every %s", cfg.HealthCheckInterval), func() {
		if _, err := hm.RunOnce(rootCtx); err != nil {
			slog.Error("health check failed", "error", err)
		}
	}); err != nil {
		slog.Error("failed to register health check cron job", "error", err)
	}
	sched.Start()

	oauth := oauthsession.New(s)

	admin := server.NewAdminAPI(accounts, oauth, registry, bus, logHandler)

	srv := server.New(cfg, s, disp, hm, reg, admin)

	go tm.RunCleanup(rootCtx)

	defer func() {
		sched.Stop()
		cancel()
		writer.Shutdown()
	}()

	if err := srv.Run(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}
