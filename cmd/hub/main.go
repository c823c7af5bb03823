package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"messenger-hub/auth"
	"messenger-hub/contract"
	"messenger-hub/domain/event"
	"messenger-hub/infrastructure/grpc/server"
	"messenger-hub/infrastructure/httpapi"
	"messenger-hub/infrastructure/ws"
	"messenger-hub/internal"
	"messenger-hub/observability"
	"messenger-hub/repositories"
	"messenger-hub/runtime"
	"messenger-hub/runtime/workers"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/joho/godotenv"
	"github.com/mama165/sdk-go/logs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Exit codes to provide meaningful status to the operating system or service manager (e.g., systemd).
const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2
)

func main() {
	code, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Hub terminated with error: %v\n", err)
	}
	os.Exit(code)
}

// run builds the hub, serves it, and tears everything down in reverse order on SIGINT/SIGTERM.
func run() (int, error) {
	// 1. Configuration & Logger
	_ = godotenv.Load()
	config, err := internal.LoadConfig()
	if err != nil {
		return exitConfig, err
	}
	log := logs.GetLoggerFromString(config.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Storage
	store, db, err := openStore(ctx, log, config)
	if err != nil {
		return exitRuntime, err
	}
	defer func() {
		log.Info("Closing store...", "driver", config.StorageDriver)
		_ = store.Close()
	}()

	// 3. Runtime
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(reg)
	telemetry := make(chan event.Event, config.BufferSize)

	supervisor := workers.NewSupervisor(log, telemetry, config.RestartInterval)
	authenticator := auth.NewJWTAuthenticator(config.JWTSecret, config.JWTIssuer)
	stack := runtime.NewHubStack(log, authenticator, store, store, supervisor, metrics, telemetry, runtime.StackConfig{
		Router: runtime.RouterConfig{
			PersistTimeout:    config.PersistTimeout,
			SendTimeout:       config.SendTimeout,
			FanoutConcurrency: config.FanoutConcurrency,
			EchoToSender:      config.EchoToSender,
		},
		Hub: runtime.HubConfig{
			SendTimeout:          config.SendTimeout,
			DrainTimeout:         config.DrainTimeout,
			MaxBodyBytes:         config.MaxBodyBytes,
			HistoryLimit:         config.HistoryLimit,
			PendingSweepInterval: config.PendingSweep,
		},
		PendingMaxPerUser: config.PendingMaxPerUser,
		PendingTTL:        config.PendingTTL,
	})
	hub, membership := stack.Hub, stack.Membership

	monitoring := observability.NewMonitoringManager(log, hub, metrics, config.MetricInterval)
	counter := event.NewCounter()
	hub.Add(
		workers.NewMembershipWatcher(log, store, membership, metrics),
		workers.NewTelemetryWorker(log, telemetry, []event.Handler{
			event.NewWorkerRestartedAfterPanicHandler(log, counter),
			event.NewLatencyHandler(log, config.LatencyThreshold),
			event.NewEvictionHandler(log, counter),
			monitoring,
		}),
		monitoring,
		workers.NewChannelCapacityWorker(log, []workers.NamedChannel{{Name: "telemetry", Channel: telemetry}},
			metrics, config.MetricInterval),
	)
	if err := hub.Start(ctx); err != nil {
		return exitRuntime, fmt.Errorf("hub failed to start: %w", err)
	}

	// 4. HTTP: websocket, admin, metrics, debug
	mux := http.NewServeMux()
	mux.Handle("GET /ws", ws.NewHandler(log, hub, ws.Config{
		ReadLimit:      int64(config.MaxBodyBytes) * 4,
		WriteWait:      config.SendTimeout,
		PongWait:       config.PongWait,
		PingInterval:   config.PingInterval,
		AllowedOrigins: config.Origins(),
		BufferSize:     config.BufferSize,
	}))
	adminOnly := func(h http.Handler) http.Handler { return auth.RequireRole(authenticator, "admin", h) }
	httpapi.NewMemberAdmin(log, store, membership).Register(mux, adminOnly)
	mux.Handle("GET /healthz", httpapi.Health(monitoring.GetLatest))
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.Handle("GET /debug/hub", adminOnly(internal.NewInspector(db, repositories.InspectMapper, func() map[string]any {
		stats := monitoring.GetLatest()
		return map[string]any{
			"connections":        hub.CurrentConnectionCount(),
			"pending_total":      hub.PendingTotal(),
			"messages_routed":    stats.MessagesRouted,
			"restarts":           counter.Get(event.RestartedAfterPanicType),
			"evicted_conns":      counter.Get(event.ConnectionEvictedType),
			"evicted_pending":    counter.Get(event.PendingEvictedType),
			"goroutines":         stats.Goroutines,
			"rss_bytes":          stats.RssBytes,
			"stats_refreshed_at": stats.UpdatedAt.Format(time.RFC3339),
		}
	})))

	address := fmt.Sprintf("%s:%d", config.Host, config.Port)
	httpServer := &http.Server{Addr: address, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	grpcAddress := fmt.Sprintf("%s:%d", config.Host, config.GrpcPort)
	listener, err := net.Listen("tcp", grpcAddress)
	if err != nil {
		hub.Stop()
		return exitRuntime, fmt.Errorf("failed to listen on %s: %w", grpcAddress, err)
	}
	healthServer := server.NewHealthServer(log)

	errChan := make(chan error, 2)
	go func() {
		log.Info("Starting websocket server", "address", address, "at", time.Now().UTC())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("http server error: %w", err)
		}
	}()
	go func() {
		if err := healthServer.Serve(listener); err != nil {
			errChan <- err
		}
	}()
	healthServer.SetServing(true)

	// 5. Wait for Stop or Error
	code := exitOK
	var runErr error
	select {
	case <-ctx.Done():
		log.Info("Shutting down gracefully...")
	case runErr = <-errChan:
		code = exitRuntime
	}

	// 6. Final Cleanup: stop accepting, drain sessions, stop workers.
	healthServer.SetServing(false)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.DrainTimeout+5*time.Second)
	defer cancel()
	// Shutdown does not wait for hijacked websocket connections: the hub drains them.
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP shutdown incomplete", "error", err)
	}
	hub.Stop()
	healthServer.Stop()
	log.Info("Hub stopped cleanly")
	return code, runErr
}

// openStore returns the configured store. db is only set for badger, for the debug inspector.
func openStore(ctx context.Context, log *slog.Logger, config internal.Config) (contract.Store, *badger.DB, error) {
	switch config.StorageDriver {
	case "mongo":
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		store, err := repositories.NewMongoStore(connectCtx, log, config.MongoURI, config.MongoDatabase)
		if err != nil {
			return nil, nil, fmt.Errorf("mongo opening failed: %w", err)
		}
		return store, nil, nil
	default:
		db, err := badger.Open(badger.DefaultOptions(config.BadgerFilepath).WithLoggingLevel(badger.WARNING))
		if err != nil {
			return nil, nil, fmt.Errorf("database opening failed: %w", err)
		}
		return repositories.NewBadgerStore(db, log), db, nil
	}
}
