package usecase

import (
	"fmt"

	"github.com/oklog/ulid/v2"

	"github.com/fairyhunter13/command-platform/internal/domain"
)

// AdminService backs the operator endpoints: DLQ inspection, requeue, and
// outbox health.
type AdminService struct {
	Tx       domain.TxRunner
	Commands domain.CommandStore
	Outbox   domain.OutboxStore

	Destination func(name string) string
}

// NewAdminService constructs an AdminService.
func NewAdminService(tx domain.TxRunner, commands domain.CommandStore, outbox domain.OutboxStore, destination func(string) string) AdminService {
	return AdminService{Tx: tx, Commands: commands, Outbox: outbox, Destination: destination}
}

// ListDead returns the most recent dead-lettered commands.
func (s AdminService) ListDead(ctx domain.Context, limit int) ([]domain.DeadCommand, error) {
	return s.Commands.ListDead(ctx, limit)
}

// RequeueDead redispatches a dead-lettered command: the command row returns
// to PENDING with a fresh retry budget, a new envelope lands in the outbox,
// and the DLQ row goes away, all in one transaction. Returns the command id.
func (s AdminService) RequeueDead(ctx domain.Context, dlqID int64) (string, error) {
	dead, err := s.Commands.GetDead(ctx, dlqID)
	if err != nil {
		return "", err
	}
	cmd, err := s.Commands.Get(ctx, dead.CommandID)
	if err != nil {
		return "", fmt.Errorf("op=admin.requeue: command row gone: %w", err)
	}

	env := domain.CommandEnvelope{
		CommandID:     cmd.ID,
		CorrelationID: cmd.Headers[domain.HeaderCorrelationID],
		CommandType:   cmd.Name,
		Payload:       payloadString(dead.Payload),
	}

	err = s.Tx.RunInTx(ctx, func(ctx domain.Context) error {
		if err := s.Commands.MarkRequeued(ctx, cmd.ID); err != nil {
			return err
		}
		row, err := domain.NewCommandRow(s.Destination(cmd.Name), ulid.Make().String(), env, cmd.Headers)
		if err != nil {
			return err
		}
		if _, err := s.Outbox.Insert(ctx, row); err != nil {
			return err
		}
		return s.Commands.DeleteDead(ctx, dlqID)
	})
	if err != nil {
		return "", err
	}
	return cmd.ID, nil
}

// OutboxStats reports the staging table counters.
func (s AdminService) OutboxStats(ctx domain.Context) (domain.OutboxStats, error) {
	return s.Outbox.Stats(ctx)
}
