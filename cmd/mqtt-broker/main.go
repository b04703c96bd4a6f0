package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/life-stream-dev/lsmq/internal/auth"
	"github.com/life-stream-dev/lsmq/internal/config"
	"github.com/life-stream-dev/lsmq/internal/delivery"
	"github.com/life-stream-dev/lsmq/internal/event"
	"github.com/life-stream-dev/lsmq/internal/logger"
	"github.com/life-stream-dev/lsmq/internal/metrics"
	"github.com/life-stream-dev/lsmq/internal/persistence"
	"github.com/life-stream-dev/lsmq/internal/persistence/badger"
	"github.com/life-stream-dev/lsmq/internal/persistence/mongo"
	"github.com/life-stream-dev/lsmq/internal/server"
	"github.com/life-stream-dev/lsmq/internal/session"
)

func openPersistence(ctx context.Context, cfg config.Config) (persistence.Store, error) {
	switch cfg.Persistence.Backend {
	case "memory":
		return persistence.NewMemoryStore(), nil
	case "mongo":
		return mongo.Connect(ctx, cfg.Database, cfg.AppName)
	case "badger":
		return badger.New(badger.Config{Dir: cfg.Persistence.BadgerDir})
	default:
		return nil, fmt.Errorf("%w: %s", persistence.ErrUnknownBackend, cfg.Persistence.Backend)
	}
}

func startMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: cfg.Address, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.InfoF("Metrics server listen on %s%s", cfg.Address, cfg.Path)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.ErrorF("Metrics server stopped, details: %v", err)
		}
	}()
	return srv
}

func main() {
	cfg, err := config.Load(config.DefaultPath)
	if err != nil {
		logger.FatalF("Error occured while reading config %v", err)
		os.Exit(1)
	}
	loggerCallback := logger.Init(cfg.DebugMode, cfg.LogDir)
	logger.Debug("Application initializing...")

	cleaner := event.NewCleaner(cfg.Broker.ConnectTimeout.Std())
	cleaner.Add(loggerCallback)
	exit := func(code int) {
		if err := cleaner.Clean(); err != nil {
			fmt.Fprintf(os.Stderr, "shutdown: %v\n", err)
		}
		os.Exit(code)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openPersistence(ctx, cfg)
	if err != nil {
		logger.FatalF("Error occured while initializing persistence, details: %v", err)
		exit(1)
	}
	if cfg.Persistence.Backend != "memory" {
		store = persistence.NewGuardedStore(store, cfg.Persistence.Backend, persistence.BreakerConfig{
			Failures: cfg.Persistence.BreakerFailures,
			Reset:    cfg.Persistence.BreakerReset.Std(),
		})
	}
	cleaner.Add(event.CallableFunc(store.Close))
	logger.InfoF("Using %s persistence", cfg.Persistence.Backend)

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		if m, err = metrics.NewMetrics(reg); err != nil {
			logger.FatalF("Error occured while registering metrics, details: %v", err)
			exit(1)
		}
		srv := startMetricsServer(cfg.Metrics, reg)
		cleaner.Add(event.CallableFunc(srv.Shutdown))
	}

	sessions := session.NewStore(session.Config{
		QueueLimit: cfg.Broker.QueueLimit,
		Expiry:     cfg.Broker.SessionExpiry.Std(),
	})
	engine := delivery.NewEngine(sessions, store, m, delivery.Config{
		MaxQoS:        cfg.Broker.MaxQoS,
		MaxInflight:   cfg.Broker.MaxInflight,
		RetryInterval: cfg.Broker.RetryInterval.Std(),
		MaxRetries:    cfg.Broker.MaxRetries,
	})
	if err := engine.LoadRetained(ctx); err != nil {
		logger.FatalF("Error occured while loading retained messages, details: %v", err)
		exit(1)
	}
	if _, err := engine.RestoreSessions(ctx); err != nil {
		logger.FatalF("Error occured while restoring sessions, details: %v", err)
		exit(1)
	}

	verifier := auth.NewStatic(cfg.Auth.Users, cfg.Auth.AllowAnonymous)
	broker := server.NewBroker(engine, verifier, m, server.OptionsFromConfig(cfg))
	cleaner.Add(broker)

	logger.Info("Application initialized")
	if err := broker.ListenAndServe(ctx, cfg.Broker.Address); err != nil {
		logger.ErrorF("MQTT server stopped, details: %v", err)
		exit(1)
	}
	logger.Info("Shutting down...")
	exit(0)
}
