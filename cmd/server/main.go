// Command server starts the command platform HTTP ingress and the outbox
// relay. Intake only needs the database to accept work; the relay publishes
// staged rows as soon as the broker answers.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	httpserver "github.com/fairyhunter13/command-platform/internal/adapter/httpserver"
	"github.com/fairyhunter13/command-platform/internal/adapter/observability"
	"github.com/fairyhunter13/command-platform/internal/adapter/queue/redpanda"
	"github.com/fairyhunter13/command-platform/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/command-platform/internal/app"
	"github.com/fairyhunter13/command-platform/internal/config"
	"github.com/fairyhunter13/command-platform/internal/process"
	"github.com/fairyhunter13/command-platform/internal/relay"
	"github.com/fairyhunter13/command-platform/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	// Register all Prometheus metrics once per process; /metrics exposes
	// intake, outbox and process instrumentation.
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx := context.Background()
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	// Database: migrations first, then the pool. Concurrent migration runs
	// across replicas serialize on the migrate lock.
	if err := postgres.RunMigrations(cfg.DBURL); err != nil {
		slog.Error("migrations failed", slog.Any("error", err))
		os.Exit(1)
	}
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	// Stores
	txRunner := postgres.NewTxRunner(pool)
	commandRepo := postgres.NewCommandRepo(pool)
	outboxRepo := postgres.NewOutboxRepo(pool, cfg.RelayStaleLease)
	processRepo := postgres.NewProcessRepo(pool)

	// Broker producer. Intake keeps accepting while the broker is down, so
	// a failed warm-up only degrades readiness instead of killing boot.
	producer, err := redpanda.NewProducer(cfg.KafkaBrokers, "command-platform-server")
	if err != nil {
		slog.Error("queue producer init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := producer.Close(); err != nil {
			slog.Error("failed to close queue producer", slog.Any("error", err))
		}
	}()
	warmCtx, cancelWarm := context.WithTimeout(runCtx, 30*time.Second)
	if err := producer.WaitReady(warmCtx); err != nil {
		slog.Warn("broker not reachable yet, outbox will buffer", slog.Any("error", err))
	}
	cancelWarm()

	// Application services
	commandSvc := usecase.NewCommandService(txRunner, commandRepo, outboxRepo, cfg.CommandDestination, cfg.DuplicateReturnsExisting)
	statusSvc := usecase.NewStatusService(commandRepo, processRepo)
	adminSvc := usecase.NewAdminService(txRunner, commandRepo, outboxRepo, cfg.CommandDestination)

	// Process manager. Step submissions reuse the command bus with the
	// return-existing duplicate policy so a re-driven step lands on the
	// command row it created the first time.
	stepBus := usecase.NewCommandService(txRunner, commandRepo, outboxRepo, cfg.CommandDestination, true)
	procRegistry := process.NewRegistry()
	if cfg.ProcessDefinitionDir != "" {
		n, err := process.LoadDirectory(procRegistry, cfg.ProcessDefinitionDir)
		if err != nil {
			slog.Error("process definitions load failed", slog.Any("error", err))
			os.Exit(1)
		}
		slog.Info("process definitions loaded", slog.Int("count", n), slog.String("dir", cfg.ProcessDefinitionDir))
	}
	manager := process.NewManager(txRunner, processRepo, stepBus, procRegistry, cfg.ProcessMaxRetriesPerStep)

	// Outbox relay. Multiple relay instances cooperate through skip-locked
	// claims; leader election just sheds the redundant ticks.
	if cfg.RelayEnabled {
		var gate relay.LeaderGate
		if cfg.RelayLeaderElection && cfg.RedisURL != "" {
			opts, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				slog.Error("redis url parse failed", slog.Any("error", err))
				os.Exit(1)
			}
			gate = relay.NewRedisLeaderGate(redis.NewClient(opts), "relay:leader", 15*time.Second)
		}
		rl := relay.New(outboxRepo, producer, producer, cfg.GetRelayConfig(), gate)
		go func() {
			if err := rl.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("relay stopped", slog.Any("error", err))
			}
		}()
	}

	// Retention: prune PUBLISHED outbox rows past their audit window.
	if cfg.OutboxRetention > 0 {
		retention := postgres.NewRetentionService(outboxRepo, cfg.OutboxRetention)
		go retention.RunPeriodic(runCtx, cfg.CleanupInterval)
		slog.Info("outbox retention started",
			slog.Duration("retention", cfg.OutboxRetention),
			slog.Duration("interval", cfg.CleanupInterval))
	}

	// HTTP server
	dbCheck, brokerCheck := app.BuildReadinessChecks(pool, producer)
	srv := httpserver.NewServer(cfg, commandSvc, statusSvc, adminSvc, manager, dbCheck, brokerCheck)
	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	cancelRun()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}
