package app

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/command-platform/internal/domain"
)

// StepExpirer times out the current step of one stale process instance. The
// process manager implements it; the watchdog never touches instance state
// directly.
type StepExpirer interface {
	ExpireStaleStep(ctx context.Context, processID string, cutoff time.Time) error
}

// ProcessWatchdog periodically sweeps RUNNING process instances that have
// not moved since staleAfter and injects a synthetic step timeout for each,
// which sends the instance down its normal timeout path (compensation or
// failure). It exists for the step-reply-never-arrives case: a crashed
// handler whose command row was dead-lettered, or a reply lost to a
// misrouted queue.
type ProcessWatchdog struct {
	processes  domain.ProcessStore
	expirer    StepExpirer
	staleAfter time.Duration
	interval   time.Duration
}

// NewProcessWatchdog constructs a watchdog. Returns nil when either
// dependency is missing so callers can unconditionally Run it.
func NewProcessWatchdog(processes domain.ProcessStore, expirer StepExpirer, staleAfter, interval time.Duration) *ProcessWatchdog {
	if processes == nil || expirer == nil {
		return nil
	}
	if staleAfter <= 0 {
		staleAfter = 10 * time.Minute
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &ProcessWatchdog{
		processes:  processes,
		expirer:    expirer,
		staleAfter: staleAfter,
		interval:   interval,
	}
}

// Run sweeps until the context ends. Call it from a goroutine.
func (wd *ProcessWatchdog) Run(ctx context.Context) {
	if wd == nil {
		return
	}

	ticker := time.NewTicker(wd.interval)
	defer ticker.Stop()

	wd.sweepOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("process watchdog stopping")
			return
		case <-ticker.C:
			wd.sweepOnce(ctx)
		}
	}
}

func (wd *ProcessWatchdog) sweepOnce(ctx context.Context) {
	tracer := otel.Tracer("process.watchdog")
	ctx, span := tracer.Start(ctx, "ProcessWatchdog.sweepOnce")
	defer span.End()

	cutoff := time.Now().Add(-wd.staleAfter)
	const pageSize = 100
	span.SetAttributes(
		attribute.Int("process.page_size", pageSize),
		attribute.Float64("process.stale_after_seconds", wd.staleAfter.Seconds()),
	)

	totalChecked := 0
	totalExpired := 0

	// Expired instances leave RUNNING, so each iteration sees the next
	// batch. A batch with no progress ends the sweep to avoid spinning on
	// instances that keep failing to expire.
	for {
		insts, err := wd.processes.ListStaleRunning(ctx, cutoff, pageSize)
		if err != nil {
			span.RecordError(err)
			slog.Error("watchdog failed to list stale processes", slog.Any("error", err))
			return
		}
		if len(insts) == 0 {
			break
		}
		totalChecked += len(insts)

		expired := 0
		for _, inst := range insts {
			if err := wd.expirer.ExpireStaleStep(ctx, inst.ID, cutoff); err != nil {
				slog.Error("watchdog failed to expire step",
					slog.String("process_id", inst.ID),
					slog.String("step", inst.CurrentStep),
					slog.Any("error", err))
				continue
			}
			expired++
		}
		totalExpired += expired

		if len(insts) < pageSize || expired == 0 {
			break
		}
	}

	if totalExpired > 0 {
		slog.Warn("watchdog expired stale process steps",
			slog.Int("checked", totalChecked),
			slog.Int("expired", totalExpired))
	}
	span.SetAttributes(
		attribute.Int("process.total_checked", totalChecked),
		attribute.Int("process.total_expired", totalExpired),
	)
}
