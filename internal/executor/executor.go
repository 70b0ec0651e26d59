package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/fairyhunter13/command-platform/internal/adapter/observability"
	"github.com/fairyhunter13/command-platform/internal/domain"
)

// errDuplicateDelivery aborts the execution transaction when the inbox
// already recorded this (messageId, handler) pair. The rollback is empty,
// the message is acknowledged, and nothing runs twice.
var errDuplicateDelivery = errors.New("duplicate delivery")

// Executor turns one delivered command envelope into exactly one execution
// attempt. The inbox insert, the status transition, the handler's own writes,
// the reply row and every emitted event share a single transaction, so a
// crash at any point rolls all of it back and broker redelivery starts the
// attempt over. Failures are settled in a second transaction that re-records
// the inbox row, keeping duplicates of an already-settled delivery inert.
type Executor struct {
	Tx       domain.TxRunner
	Commands domain.CommandStore
	Inbox    domain.InboxStore
	Outbox   domain.OutboxStore
	Registry *Registry

	// HandlerTimeout bounds one attempt and doubles as the command lease.
	HandlerTimeout time.Duration
	// MaxRetries caps scheduled retries per command; the first attempt is
	// not counted.
	MaxRetries int
	// ReplyQueue is the destination every reply row is staged for.
	ReplyQueue string
	// Destination derives the command destination for retry rows.
	Destination func(name string) string
	// EventTopic derives the topic an emitted event is staged for.
	EventTopic func(eventType string) string

	// RetryBackoffBase and RetryBackoffCap shape the full-jitter delay put
	// on retry rows. Zero values fall back to 1s / 1m.
	RetryBackoffBase time.Duration
	RetryBackoffCap  time.Duration
}

// New wires an executor with the platform defaults.
func New(tx domain.TxRunner, commands domain.CommandStore, inbox domain.InboxStore, outbox domain.OutboxStore, registry *Registry) *Executor {
	return &Executor{
		Tx:             tx,
		Commands:       commands,
		Inbox:          inbox,
		Outbox:         outbox,
		Registry:       registry,
		HandlerTimeout: 30 * time.Second,
		MaxRetries:     3,
	}
}

// Listener adapts the executor to the consumer callback shape.
func (e *Executor) Listener() domain.MessageListener {
	return e.Process
}

// Process executes one delivered envelope. A nil return acknowledges the
// message; an error leaves it to broker redelivery. Undecodable payloads and
// envelopes without a command row are logged and acknowledged so a poison
// message cannot wedge its partition.
func (e *Executor) Process(ctx domain.Context, msg domain.InboundMessage) error {
	env, err := domain.DecodeCommand(msg.Payload)
	if err != nil {
		slog.Warn("dropping undecodable command message",
			slog.String("destination", msg.Destination),
			slog.Any("error", err))
		return nil
	}
	messageID := msg.Headers[domain.HeaderMessageID]
	if messageID == "" {
		messageID = env.CommandID
	}
	log := slog.With(
		slog.String("command_id", env.CommandID),
		slog.String("command", env.CommandType),
		slog.String("message_id", messageID))

	cmd, err := e.Commands.Get(ctx, env.CommandID)
	if errors.Is(err, domain.ErrNotFound) {
		log.Warn("dropping envelope without command row")
		return nil
	}
	if err != nil {
		return fmt.Errorf("op=executor.load: %w", err)
	}
	if cmd.Status == domain.CommandSucceeded {
		log.Debug("command already succeeded, acknowledging")
		return nil
	}

	handler, ok := e.Registry.Lookup(env.CommandType)
	if !ok {
		return e.rejectUnhandled(ctx, log, cmd, env, messageID)
	}

	lease := time.Now().UTC().Add(e.HandlerTimeout)
	hctx, cancel := context.WithDeadline(ctx, lease)
	defer cancel()

	observability.StartProcessingCommand(cmd.Name)
	started := time.Now()
	var data map[string]any
	runErr := e.Tx.RunInTx(hctx, func(txCtx domain.Context) error {
		inserted, err := e.Inbox.TryInsert(txCtx, messageID, handler.Tag)
		if err != nil {
			return err
		}
		if !inserted {
			return errDuplicateDelivery
		}
		if err := e.Commands.MarkRunning(txCtx, cmd.ID, lease); err != nil {
			return err
		}
		collector := &domain.EventCollector{}
		data, err = handler.Fn(txCtx, domain.HandlerRequest{
			CommandID:   cmd.ID,
			Name:        cmd.Name,
			BusinessKey: cmd.BusinessKey,
			Payload:     json.RawMessage(env.Payload),
			Headers:     cmd.Headers,
			Events:      collector,
		})
		if err != nil {
			return err
		}
		if err := e.Commands.MarkSucceeded(txCtx, cmd.ID); err != nil {
			return err
		}
		if err := e.stageReply(txCtx, cmd, env, domain.ReplyCompleted, data, ""); err != nil {
			return err
		}
		return e.stageEvents(txCtx, cmd, collector.Events())
	})
	observability.ObserveHandler(cmd.Name, time.Since(started))

	switch {
	case runErr == nil:
		observability.CompleteCommand(cmd.Name, string(domain.CommandSucceeded))
		log.Info("command succeeded", slog.Duration("took", time.Since(started)))
		return nil
	case errors.Is(runErr, errDuplicateDelivery):
		observability.AbortProcessingCommand(cmd.Name)
		log.Debug("duplicate delivery, acknowledging")
		return nil
	case errors.Is(runErr, domain.ErrConflict):
		// Lost the race against a concurrent attempt that already finished.
		observability.AbortProcessingCommand(cmd.Name)
		log.Debug("command settled concurrently, acknowledging")
		return nil
	}
	return e.settleFailure(ctx, log, handler, cmd, env, messageID, runErr)
}

// rejectUnhandled dead-letters a command nobody registered a handler for.
// Retrying cannot fix a missing registration, so this is terminal.
func (e *Executor) rejectUnhandled(ctx domain.Context, log *slog.Logger, cmd domain.Command, env domain.CommandEnvelope, messageID string) error {
	reason := fmt.Sprintf("%v: %s", domain.ErrNoHandler, env.CommandType)
	err := e.Tx.RunInTx(ctx, func(txCtx domain.Context) error {
		inserted, err := e.Inbox.TryInsert(txCtx, messageID, NormalizeTag(env.CommandType))
		if err != nil {
			return err
		}
		if !inserted {
			return nil
		}
		if err := e.Commands.MarkFailed(txCtx, cmd.ID, reason); err != nil {
			return err
		}
		if err := e.Commands.InsertDead(txCtx, deadSnapshot(cmd, reason)); err != nil {
			return err
		}
		return e.stageReply(txCtx, cmd, env, domain.ReplyFailed, nil, reason)
	})
	if err != nil {
		return fmt.Errorf("op=executor.reject_unhandled: %w", err)
	}
	observability.DeadLetterCommand(cmd.Name)
	log.Error("no handler registered, command dead-lettered")
	return nil
}

// settleFailure records the outcome of a failed attempt. The handler's
// transaction already rolled back; this transaction re-inserts the inbox row
// so late redeliveries of the same message stay deduplicated, marks the
// status, and either stages a delayed retry row or dead-letters with a
// failure reply.
func (e *Executor) settleFailure(ctx domain.Context, log *slog.Logger, handler Handler, cmd domain.Command, env domain.CommandEnvelope, messageID string, runErr error) error {
	timedOut := errors.Is(runErr, context.DeadlineExceeded) || errors.Is(runErr, domain.ErrLeaseExpired)
	retryable := timedOut || handler.Retryable(runErr)
	errMsg := runErr.Error()

	err := e.Tx.RunInTx(ctx, func(txCtx domain.Context) error {
		if _, err := e.Inbox.TryInsert(txCtx, messageID, handler.Tag); err != nil {
			return err
		}
		if timedOut {
			if err := e.Commands.MarkTimedOut(txCtx, cmd.ID); err != nil {
				return err
			}
		} else if err := e.Commands.MarkFailed(txCtx, cmd.ID, errMsg); err != nil {
			return err
		}

		if retryable && cmd.Retries < e.MaxRetries {
			if _, err := e.Commands.BumpRetry(txCtx, cmd.ID); err != nil {
				return err
			}
			return e.stageRetry(txCtx, cmd, env)
		}

		if err := e.Commands.InsertDead(txCtx, deadSnapshot(cmd, errMsg)); err != nil {
			return err
		}
		status := domain.ReplyFailed
		if timedOut {
			status = domain.ReplyTimedOut
		}
		return e.stageReply(txCtx, cmd, env, status, nil, errMsg)
	})
	if err != nil {
		return fmt.Errorf("op=executor.settle: %w", err)
	}

	if retryable && cmd.Retries < e.MaxRetries {
		observability.AbortProcessingCommand(cmd.Name)
		observability.RetryCommand(cmd.Name)
		log.Warn("command attempt failed, retry scheduled",
			slog.Int("attempt", cmd.Retries+1),
			slog.Bool("timed_out", timedOut),
			slog.String("error", errMsg))
		return nil
	}
	terminal := domain.CommandFailed
	if timedOut {
		terminal = domain.CommandTimedOut
	}
	observability.CompleteCommand(cmd.Name, string(terminal))
	observability.DeadLetterCommand(cmd.Name)
	log.Error("command dead-lettered",
		slog.Int("attempts", cmd.Retries+1),
		slog.String("status", string(terminal)),
		slog.String("error", errMsg))
	return nil
}

// stageRetry appends a fresh outbox command row carrying the same commandId
// and payload under a new messageId, delayed by full-jitter backoff. The new
// messageId is what lets the retry pass the inbox where the failed delivery
// cannot.
func (e *Executor) stageRetry(ctx domain.Context, cmd domain.Command, env domain.CommandEnvelope) error {
	if e.Destination == nil {
		return fmt.Errorf("op=executor.retry: no destination resolver: %w", domain.ErrInternal)
	}
	base, capDelay := e.RetryBackoffBase, e.RetryBackoffCap
	if base <= 0 {
		base = time.Second
	}
	if capDelay <= 0 {
		capDelay = time.Minute
	}
	row, err := domain.NewCommandRow(e.Destination(cmd.Name), ulid.Make().String(), env, cmd.Headers)
	if err != nil {
		return err
	}
	_, err = e.Outbox.Insert(ctx, row.Delayed(domain.BackoffDelay(cmd.Retries+1, base, capDelay)))
	return err
}

func (e *Executor) stageReply(ctx domain.Context, cmd domain.Command, env domain.CommandEnvelope, status domain.ReplyStatus, data map[string]any, errMsg string) error {
	if data == nil {
		data = map[string]any{}
	}
	// Fan-out replies must identify their branch; the process manager routes
	// on reply.data.parallelBranch.
	if branch := cmd.Headers[domain.HeaderParallelBranch]; branch != "" {
		data[domain.HeaderParallelBranch] = branch
	}
	headers := map[string]string{}
	if cmd.BusinessKey != "" {
		headers[domain.HeaderBusinessKey] = cmd.BusinessKey
	}
	if step := cmd.Headers[domain.HeaderProcessStep]; step != "" {
		headers[domain.HeaderProcessStep] = step
	}
	row, err := domain.NewReplyRow(e.ReplyQueue, ulid.Make().String(), domain.ReplyEnvelope{
		CommandID:     cmd.ID,
		CorrelationID: env.CorrelationID,
		Status:        status,
		Data:          data,
		Error:         errMsg,
	}, headers)
	if err != nil {
		return err
	}
	_, err = e.Outbox.Insert(ctx, row)
	return err
}

func (e *Executor) stageEvents(ctx domain.Context, cmd domain.Command, events []domain.DomainEvent) error {
	if len(events) == 0 {
		return nil
	}
	if e.EventTopic == nil {
		return fmt.Errorf("op=executor.events: no topic resolver: %w", domain.ErrInternal)
	}
	for _, ev := range events {
		key := ev.Key
		if key == "" {
			key = cmd.BusinessKey
		}
		if key == "" {
			key = cmd.ID
		}
		row, err := domain.NewEventRow(e.EventTopic(ev.Type), ulid.Make().String(), ev.Type, key, ev.Payload)
		if err != nil {
			return err
		}
		if _, err := e.Outbox.Insert(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

func deadSnapshot(cmd domain.Command, reason string) domain.DeadCommand {
	return domain.DeadCommand{
		CommandID:      cmd.ID,
		Name:           cmd.Name,
		BusinessKey:    cmd.BusinessKey,
		IdempotencyKey: cmd.IdempotencyKey,
		Payload:        cmd.Payload,
		Reason:         reason,
		Attempts:       cmd.Retries + 1,
	}
}
