// Command worker runs the execution side of the platform: the consumer
// group feeding command envelopes to registered handlers, the reply
// listener driving process instances, the outbox relay, and the optional
// stale-process watchdog. With CONSUMER_ENABLED=false it degrades to a
// relay-only process.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/command-platform/internal/adapter/observability"
	"github.com/fairyhunter13/command-platform/internal/adapter/queue/redpanda"
	"github.com/fairyhunter13/command-platform/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/command-platform/internal/app"
	"github.com/fairyhunter13/command-platform/internal/config"
	"github.com/fairyhunter13/command-platform/internal/domain"
	"github.com/fairyhunter13/command-platform/internal/executor"
	"github.com/fairyhunter13/command-platform/internal/process"
	"github.com/fairyhunter13/command-platform/internal/relay"
	"github.com/fairyhunter13/command-platform/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	// Worker-side metrics on a dedicated port so Prometheus can scrape
	// executor and relay instrumentation.
	observability.InitMetrics()
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(":9090", mux); err != nil {
			slog.Error("worker metrics server error", slog.Any("error", err))
		}
	}()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	slog.Info("starting worker", slog.String("env", cfg.AppEnv))

	ctx := context.Background()
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

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

	txRunner := postgres.NewTxRunner(pool)
	commandRepo := postgres.NewCommandRepo(pool)
	outboxRepo := postgres.NewOutboxRepo(pool, cfg.RelayStaleLease)
	inboxRepo := postgres.NewInboxRepo(pool)
	processRepo := postgres.NewProcessRepo(pool)

	// The worker cannot do anything useful without the broker, so boot
	// blocks until it answers or a shutdown signal arrives.
	producer, err := redpanda.NewProducer(cfg.KafkaBrokers, "command-platform-worker")
	if err != nil {
		slog.Error("queue producer init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := producer.Close(); err != nil {
			slog.Error("failed to close queue producer", slog.Any("error", err))
		}
	}()
	if err := producer.WaitReady(runCtx); err != nil {
		slog.Error("broker not reachable", slog.Any("error", err))
		os.Exit(1)
	}

	// Handler registry. Domain handler packages register here the same way
	// the builtin smoke handler does.
	execRegistry := executor.NewRegistry()
	registerBuiltinHandlers(execRegistry)

	// Step submissions use the return-existing duplicate policy: a
	// re-driven step must land on the command row it created before.
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

	exec := executor.New(txRunner, commandRepo, inboxRepo, outboxRepo, execRegistry)
	exec.HandlerTimeout = cfg.HandlerTimeout
	exec.MaxRetries = cfg.ExecutorMaxRetries
	exec.ReplyQueue = cfg.ReplyQueue
	exec.Destination = cfg.CommandDestination
	exec.EventTopic = cfg.EventTopic

	replyListener := executor.NewReplyListener(txRunner, inboxRepo, manager)

	if cfg.ConsumerEnabled {
		// One route per registered tag plus the shared reply queue.
		routes := make(map[string]domain.MessageListener)
		for _, tag := range execRegistry.Tags() {
			routes[cfg.CommandDestination(tag)] = exec.Listener()
		}
		routes[cfg.ReplyQueue] = replyListener

		consumer, err := redpanda.NewConsumer(cfg.KafkaBrokers, cfg.ConsumerGroup, routes, cfg.ConsumerMaxConcurrency)
		if err != nil {
			slog.Error("queue consumer init failed", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() {
			if err := consumer.Close(); err != nil {
				slog.Error("failed to close queue consumer", slog.Any("error", err))
			}
		}()
		go func() {
			if err := consumer.Start(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("consumer stopped", slog.Any("error", err))
			}
		}()
	} else {
		slog.Info("consumer disabled, running relay-only")
	}

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

	if cfg.ProcessWatchdogEnabled {
		wd := app.NewProcessWatchdog(processRepo, manager, cfg.ProcessStaleAfter, cfg.ProcessWatchdogInterval)
		go wd.Run(runCtx)
		slog.Info("process watchdog started",
			slog.Duration("stale_after", cfg.ProcessStaleAfter),
			slog.Duration("interval", cfg.ProcessWatchdogInterval))
	}

	slog.Info("worker started, waiting for shutdown signal")
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	sig := <-sigCh
	slog.Info("signal received, shutting down", slog.String("signal", sig.String()))
	cancelRun()
	slog.Info("worker stopped")
}

// registerBuiltinHandlers installs the Echo smoke handler: it returns its
// payload as reply data and emits one event, which exercises the intake,
// dispatch, reply and event paths of a fresh deployment end to end.
func registerBuiltinHandlers(reg *executor.Registry) {
	reg.MustRegister("Echo", func(ctx domain.Context, req domain.HandlerRequest) (map[string]any, error) {
		var payload map[string]any
		if len(req.Payload) > 0 {
			if err := json.Unmarshal(req.Payload, &payload); err != nil {
				return nil, fmt.Errorf("%w: echo payload must be an object", domain.ErrHandlerValidation)
			}
		}
		req.Events.Emit("EchoHandled", req.BusinessKey, map[string]any{
			"commandId": req.CommandID,
			"echo":      payload,
		})
		return map[string]any{"echo": payload}, nil
	})
}
