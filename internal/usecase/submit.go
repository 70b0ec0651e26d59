// Package usecase contains the application services behind the HTTP and
// queue surfaces.
package usecase

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/fairyhunter13/command-platform/internal/domain"
)

// CommandService is the intake side of the platform: it accepts a
// submission, persists the command row, and stages its envelope in the
// outbox, all in one transaction. It implements domain.CommandBus.
type CommandService struct {
	Tx       domain.TxRunner
	Commands domain.CommandStore
	Outbox   domain.OutboxStore

	// Destination maps a command name to its queue destination.
	Destination func(name string) string
	// ReturnExisting selects the duplicate policy: false surfaces
	// ErrDuplicateIdempotencyKey, true answers with the original command id.
	ReturnExisting bool
}

// NewCommandService constructs a CommandService.
func NewCommandService(tx domain.TxRunner, commands domain.CommandStore, outbox domain.OutboxStore, destination func(string) string, returnExisting bool) CommandService {
	return CommandService{Tx: tx, Commands: commands, Outbox: outbox, Destination: destination, ReturnExisting: returnExisting}
}

// Submit accepts one command. The command row and its outbox envelope commit
// together or not at all; the relay picks the envelope up afterwards. When
// the context already carries a transaction the writes join it, which is how
// process steps stay atomic with their instance update.
func (s CommandService) Submit(ctx domain.Context, sub domain.CommandSubmission) (string, error) {
	if sub.Name == "" {
		return "", fmt.Errorf("%w: command name required", domain.ErrInvalidArgument)
	}
	if sub.IdempotencyKey == "" {
		return "", fmt.Errorf("%w: idempotency key required", domain.ErrInvalidArgument)
	}

	// Cheap precheck so the common duplicate answers without burning a
	// transaction. The unique index inside the transaction stays the
	// authority; a race past this check is caught there.
	exists, err := s.Commands.ExistsByIdempotencyKey(ctx, sub.IdempotencyKey)
	if err != nil {
		return "", err
	}
	if exists {
		return s.answerDuplicate(ctx, sub.IdempotencyKey)
	}

	commandID := uuid.NewString()
	headers := commandHeaders(sub)

	cmd := domain.Command{
		ID:             commandID,
		Name:           sub.Name,
		BusinessKey:    sub.BusinessKey,
		Payload:        sub.Payload,
		IdempotencyKey: sub.IdempotencyKey,
		Headers:        headers,
	}
	env := domain.CommandEnvelope{
		CommandID:     commandID,
		CorrelationID: sub.CorrelationID,
		CommandType:   sub.Name,
		Payload:       payloadString(sub.Payload),
	}

	err = s.Tx.RunInTx(ctx, func(ctx domain.Context) error {
		if err := s.Commands.SavePending(ctx, cmd); err != nil {
			return err
		}
		row, err := domain.NewCommandRow(s.Destination(sub.Name), ulid.Make().String(), env, headers)
		if err != nil {
			return err
		}
		_, err = s.Outbox.Insert(ctx, row)
		return err
	})
	if err != nil {
		if errors.Is(err, domain.ErrDuplicateIdempotencyKey) {
			return s.answerDuplicate(ctx, sub.IdempotencyKey)
		}
		return "", err
	}
	return commandID, nil
}

func (s CommandService) answerDuplicate(ctx domain.Context, idemKey string) (string, error) {
	if !s.ReturnExisting {
		return "", fmt.Errorf("op=command.submit: key %q: %w", idemKey, domain.ErrDuplicateIdempotencyKey)
	}
	existing, err := s.Commands.FindByIdempotencyKey(ctx, idemKey)
	if err != nil {
		return "", err
	}
	return existing.ID, nil
}

func commandHeaders(sub domain.CommandSubmission) map[string]string {
	headers := make(map[string]string, len(sub.Headers)+3)
	for k, v := range sub.Headers {
		headers[k] = v
	}
	headers[domain.HeaderIdempotencyKey] = sub.IdempotencyKey
	if sub.BusinessKey != "" {
		headers[domain.HeaderBusinessKey] = sub.BusinessKey
	}
	if sub.CorrelationID != "" {
		headers[domain.HeaderCorrelationID] = sub.CorrelationID
	}
	return headers
}

func payloadString(payload []byte) string {
	if len(payload) == 0 {
		return "{}"
	}
	return string(payload)
}
