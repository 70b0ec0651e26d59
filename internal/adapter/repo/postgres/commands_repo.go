package postgres

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/command-platform/internal/domain"
)

// CommandRepo persists command rows and their DLQ snapshots.
type CommandRepo struct{ Pool PgxPool }

// NewCommandRepo constructs a CommandRepo with the given pool.
func NewCommandRepo(p PgxPool) *CommandRepo { return &CommandRepo{Pool: p} }

const commandColumns = `id, name, business_key, payload, idempotency_key, status, retries, lease_until, COALESCE(error,''), headers, created_at, updated_at`

// SavePending inserts a new command in PENDING. The unique index on
// idempotency_key is the intake gate; a violation surfaces as
// ErrDuplicateIdempotencyKey.
func (r *CommandRepo) SavePending(ctx domain.Context, cmd domain.Command) error {
	tracer := otel.Tracer("repo.commands")
	ctx, span := tracer.Start(ctx, "commands.SavePending")
	defer span.End()

	payload := cmd.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	headers, err := json.Marshal(orEmpty(cmd.Headers))
	if err != nil {
		return fmt.Errorf("op=command.save_pending: %w", err)
	}

	now := time.Now().UTC()
	q := `INSERT INTO command (id, name, business_key, payload, idempotency_key, status, retries, error, headers, created_at, updated_at)
	      VALUES ($1,$2,$3,$4,$5,$6,0,'',$7,$8,$8)`
	_, err = querier(ctx, r.Pool).Exec(ctx, q, cmd.ID, cmd.Name, cmd.BusinessKey, string(payload), cmd.IdempotencyKey, domain.CommandPending, string(headers), now)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("op=command.save_pending: key %q: %w", cmd.IdempotencyKey, domain.ErrDuplicateIdempotencyKey)
		}
		return fmt.Errorf("op=command.save_pending: %w", err)
	}
	return nil
}

// Get loads a command by id.
func (r *CommandRepo) Get(ctx domain.Context, id string) (domain.Command, error) {
	tracer := otel.Tracer("repo.commands")
	ctx, span := tracer.Start(ctx, "commands.Get")
	defer span.End()

	row := querier(ctx, r.Pool).QueryRow(ctx, `SELECT `+commandColumns+` FROM command WHERE id=$1`, id)
	cmd, err := scanCommand(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Command{}, fmt.Errorf("op=command.get: %w", domain.ErrNotFound)
		}
		return domain.Command{}, fmt.Errorf("op=command.get: %w", err)
	}
	return cmd, nil
}

// FindByIdempotencyKey loads a command by its idempotency key.
func (r *CommandRepo) FindByIdempotencyKey(ctx domain.Context, key string) (domain.Command, error) {
	tracer := otel.Tracer("repo.commands")
	ctx, span := tracer.Start(ctx, "commands.FindByIdempotencyKey")
	defer span.End()

	row := querier(ctx, r.Pool).QueryRow(ctx, `SELECT `+commandColumns+` FROM command WHERE idempotency_key=$1 LIMIT 1`, key)
	cmd, err := scanCommand(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Command{}, fmt.Errorf("op=command.find_idem: %w", domain.ErrNotFound)
		}
		return domain.Command{}, fmt.Errorf("op=command.find_idem: %w", err)
	}
	return cmd, nil
}

// ExistsByIdempotencyKey is the cheap intake precheck. The insert decides.
func (r *CommandRepo) ExistsByIdempotencyKey(ctx domain.Context, key string) (bool, error) {
	tracer := otel.Tracer("repo.commands")
	ctx, span := tracer.Start(ctx, "commands.ExistsByIdempotencyKey")
	defer span.End()

	var exists bool
	err := querier(ctx, r.Pool).QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM command WHERE idempotency_key=$1)`, key).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("op=command.exists_idem: %w", err)
	}
	return exists, nil
}

// MarkRunning moves a deliverable command to RUNNING and stamps its lease.
// SUCCEEDED rows never leave their terminal state; hitting one returns
// ErrConflict so the caller can acknowledge the delivery as already done.
func (r *CommandRepo) MarkRunning(ctx domain.Context, id string, leaseUntil time.Time) error {
	tracer := otel.Tracer("repo.commands")
	ctx, span := tracer.Start(ctx, "commands.MarkRunning")
	defer span.End()

	q := `UPDATE command SET status=$2, lease_until=$3, updated_at=$4 WHERE id=$1 AND status <> $5`
	tag, err := querier(ctx, r.Pool).Exec(ctx, q, id, domain.CommandRunning, leaseUntil.UTC(), time.Now().UTC(), domain.CommandSucceeded)
	if err != nil {
		return fmt.Errorf("op=command.mark_running: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=command.mark_running: id %s not runnable: %w", id, domain.ErrConflict)
	}
	return nil
}

// MarkSucceeded sets the terminal success state.
func (r *CommandRepo) MarkSucceeded(ctx domain.Context, id string) error {
	return r.setStatus(ctx, "commands.MarkSucceeded", "op=command.mark_succeeded", id, domain.CommandSucceeded, "")
}

// MarkFailed records a failure. The state is terminal once the retry budget
// is spent, and the launch point of the next attempt before that.
func (r *CommandRepo) MarkFailed(ctx domain.Context, id, errMsg string) error {
	return r.setStatus(ctx, "commands.MarkFailed", "op=command.mark_failed", id, domain.CommandFailed, errMsg)
}

// MarkTimedOut records a lease expiry.
func (r *CommandRepo) MarkTimedOut(ctx domain.Context, id string) error {
	return r.setStatus(ctx, "commands.MarkTimedOut", "op=command.mark_timed_out", id, domain.CommandTimedOut, "command lease expired")
}

func (r *CommandRepo) setStatus(ctx domain.Context, span, op, id string, status domain.CommandStatus, errMsg string) error {
	tracer := otel.Tracer("repo.commands")
	ctx, sp := tracer.Start(ctx, span)
	defer sp.End()

	q := `UPDATE command SET status=$2, error=$3, lease_until=NULL, updated_at=$4 WHERE id=$1`
	if _, err := querier(ctx, r.Pool).Exec(ctx, q, id, status, errMsg, time.Now().UTC()); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// MarkRequeued returns a dead-lettered command to PENDING with a zeroed
// retry budget so a redispatch starts over.
func (r *CommandRepo) MarkRequeued(ctx domain.Context, id string) error {
	tracer := otel.Tracer("repo.commands")
	ctx, span := tracer.Start(ctx, "commands.MarkRequeued")
	defer span.End()

	q := `UPDATE command SET status=$2, retries=0, error='', lease_until=NULL, updated_at=$3 WHERE id=$1`
	tag, err := querier(ctx, r.Pool).Exec(ctx, q, id, domain.CommandPending, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=command.mark_requeued: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=command.mark_requeued: %w", domain.ErrNotFound)
	}
	return nil
}

// BumpRetry atomically increments the retry counter and returns it.
func (r *CommandRepo) BumpRetry(ctx domain.Context, id string) (int, error) {
	tracer := otel.Tracer("repo.commands")
	ctx, span := tracer.Start(ctx, "commands.BumpRetry")
	defer span.End()

	var retries int
	q := `UPDATE command SET retries = retries + 1, updated_at=$2 WHERE id=$1 RETURNING retries`
	err := querier(ctx, r.Pool).QueryRow(ctx, q, id, time.Now().UTC()).Scan(&retries)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("op=command.bump_retry: %w", domain.ErrNotFound)
		}
		return 0, fmt.Errorf("op=command.bump_retry: %w", err)
	}
	return retries, nil
}

// InsertDead snapshots a command into the DLQ.
func (r *CommandRepo) InsertDead(ctx domain.Context, dead domain.DeadCommand) error {
	tracer := otel.Tracer("repo.commands")
	ctx, span := tracer.Start(ctx, "commands.InsertDead")
	defer span.End()

	payload := dead.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	q := `INSERT INTO command_dlq (command_id, name, business_key, idempotency_key, payload, reason, attempts, inserted_at)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`
	_, err := querier(ctx, r.Pool).Exec(ctx, q, dead.CommandID, dead.Name, dead.BusinessKey, dead.IdempotencyKey, string(payload), dead.Reason, dead.Attempts, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=command.insert_dead: %w", err)
	}
	return nil
}

// ListDead returns the most recent DLQ rows.
func (r *CommandRepo) ListDead(ctx domain.Context, limit int) ([]domain.DeadCommand, error) {
	tracer := otel.Tracer("repo.commands")
	ctx, span := tracer.Start(ctx, "commands.ListDead")
	defer span.End()

	if limit <= 0 {
		limit = 50
	}
	q := `SELECT id, command_id, name, business_key, idempotency_key, payload, reason, attempts, inserted_at
	      FROM command_dlq ORDER BY inserted_at DESC LIMIT $1`
	rows, err := querier(ctx, r.Pool).Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("op=command.list_dead: %w", err)
	}
	defer rows.Close()

	var out []domain.DeadCommand
	for rows.Next() {
		var d domain.DeadCommand
		if err := rows.Scan(&d.ID, &d.CommandID, &d.Name, &d.BusinessKey, &d.IdempotencyKey, &d.Payload, &d.Reason, &d.Attempts, &d.InsertedAt); err != nil {
			return nil, fmt.Errorf("op=command.list_dead: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=command.list_dead: %w", err)
	}
	return out, nil
}

// GetDead loads one DLQ row by its surrogate id.
func (r *CommandRepo) GetDead(ctx domain.Context, id int64) (domain.DeadCommand, error) {
	tracer := otel.Tracer("repo.commands")
	ctx, span := tracer.Start(ctx, "commands.GetDead")
	defer span.End()

	q := `SELECT id, command_id, name, business_key, idempotency_key, payload, reason, attempts, inserted_at FROM command_dlq WHERE id=$1`
	var d domain.DeadCommand
	err := querier(ctx, r.Pool).QueryRow(ctx, q, id).Scan(&d.ID, &d.CommandID, &d.Name, &d.BusinessKey, &d.IdempotencyKey, &d.Payload, &d.Reason, &d.Attempts, &d.InsertedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.DeadCommand{}, fmt.Errorf("op=command.get_dead: %w", domain.ErrNotFound)
		}
		return domain.DeadCommand{}, fmt.Errorf("op=command.get_dead: %w", err)
	}
	return d, nil
}

// DeleteDead removes a DLQ row, typically after a requeue.
func (r *CommandRepo) DeleteDead(ctx domain.Context, id int64) error {
	tracer := otel.Tracer("repo.commands")
	ctx, span := tracer.Start(ctx, "commands.DeleteDead")
	defer span.End()

	tag, err := querier(ctx, r.Pool).Exec(ctx, `DELETE FROM command_dlq WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("op=command.delete_dead: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=command.delete_dead: %w", domain.ErrNotFound)
	}
	return nil
}

func scanCommand(row pgx.Row) (domain.Command, error) {
	var cmd domain.Command
	var headers []byte
	if err := row.Scan(&cmd.ID, &cmd.Name, &cmd.BusinessKey, &cmd.Payload, &cmd.IdempotencyKey, &cmd.Status, &cmd.Retries, &cmd.LeaseUntil, &cmd.Error, &headers, &cmd.CreatedAt, &cmd.UpdatedAt); err != nil {
		return domain.Command{}, err
	}
	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &cmd.Headers); err != nil {
			return domain.Command{}, fmt.Errorf("headers decode: %w", err)
		}
	}
	return cmd, nil
}

func orEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
