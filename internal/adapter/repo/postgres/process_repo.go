package postgres

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/command-platform/internal/domain"
)

// ProcessRepo persists process instances and their append-only log.
type ProcessRepo struct{ Pool PgxPool }

// NewProcessRepo constructs a ProcessRepo with the given pool.
func NewProcessRepo(p PgxPool) *ProcessRepo { return &ProcessRepo{Pool: p} }

const processColumns = `process_id, process_type, business_key, status, current_step, data, retries, created_at, updated_at`

// Insert stores a new instance.
func (r *ProcessRepo) Insert(ctx domain.Context, inst domain.ProcessInstance) error {
	tracer := otel.Tracer("repo.process")
	ctx, span := tracer.Start(ctx, "process.Insert")
	defer span.End()

	data, err := json.Marshal(orEmptyAny(inst.Data))
	if err != nil {
		return fmt.Errorf("op=process.insert: %w", err)
	}
	now := time.Now().UTC()
	q := `INSERT INTO process_instance (process_id, process_type, business_key, status, current_step, data, retries, created_at, updated_at)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$8)`
	_, err = querier(ctx, r.Pool).Exec(ctx, q, inst.ID, inst.ProcessType, inst.BusinessKey, inst.Status, inst.CurrentStep, string(data), inst.Retries, now)
	if err != nil {
		return fmt.Errorf("op=process.insert: %w", err)
	}
	return nil
}

// Get loads an instance without locking it. Used by read paths.
func (r *ProcessRepo) Get(ctx domain.Context, id string) (domain.ProcessInstance, error) {
	tracer := otel.Tracer("repo.process")
	ctx, span := tracer.Start(ctx, "process.Get")
	defer span.End()

	row := querier(ctx, r.Pool).QueryRow(ctx, `SELECT `+processColumns+` FROM process_instance WHERE process_id=$1`, id)
	return scanProcess(row, "op=process.get")
}

// GetForUpdate loads an instance holding its row lock until the transaction
// settles. Every reply and step execution goes through here, which is what
// serializes work per process id.
func (r *ProcessRepo) GetForUpdate(ctx domain.Context, id string) (domain.ProcessInstance, error) {
	tracer := otel.Tracer("repo.process")
	ctx, span := tracer.Start(ctx, "process.GetForUpdate")
	defer span.End()

	row := querier(ctx, r.Pool).QueryRow(ctx, `SELECT `+processColumns+` FROM process_instance WHERE process_id=$1 FOR UPDATE`, id)
	return scanProcess(row, "op=process.get_for_update")
}

// Update writes back status, step, data and retries.
func (r *ProcessRepo) Update(ctx domain.Context, inst domain.ProcessInstance) error {
	tracer := otel.Tracer("repo.process")
	ctx, span := tracer.Start(ctx, "process.Update")
	defer span.End()

	data, err := json.Marshal(orEmptyAny(inst.Data))
	if err != nil {
		return fmt.Errorf("op=process.update: %w", err)
	}
	q := `UPDATE process_instance SET status=$2, current_step=$3, data=$4, retries=$5, updated_at=$6 WHERE process_id=$1`
	tag, err := querier(ctx, r.Pool).Exec(ctx, q, inst.ID, inst.Status, inst.CurrentStep, string(data), inst.Retries, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=process.update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=process.update: %w", domain.ErrNotFound)
	}
	return nil
}

// AppendLog assigns the next sequence and inserts the entry. Callers hold
// the instance row lock, so the max(sequence) read cannot race.
func (r *ProcessRepo) AppendLog(ctx domain.Context, entry domain.ProcessLogEntry) error {
	tracer := otel.Tracer("repo.process")
	ctx, span := tracer.Start(ctx, "process.AppendLog")
	defer span.End()

	details, err := json.Marshal(orEmptyAny(entry.Details))
	if err != nil {
		return fmt.Errorf("op=process.append_log: %w", err)
	}
	q := `INSERT INTO process_log (process_id, sequence, event, step, details, created_at)
	      SELECT $1, COALESCE(MAX(sequence), 0) + 1, $2, $3, $4, $5 FROM process_log WHERE process_id = $1`
	_, err = querier(ctx, r.Pool).Exec(ctx, q, entry.ProcessID, entry.Event, entry.Step, string(details), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=process.append_log: %w", err)
	}
	return nil
}

// ListLog returns the full ordered history of a process.
func (r *ProcessRepo) ListLog(ctx domain.Context, processID string) ([]domain.ProcessLogEntry, error) {
	tracer := otel.Tracer("repo.process")
	ctx, span := tracer.Start(ctx, "process.ListLog")
	defer span.End()

	q := `SELECT process_id, sequence, event, step, details, created_at FROM process_log WHERE process_id=$1 ORDER BY sequence ASC`
	rows, err := querier(ctx, r.Pool).Query(ctx, q, processID)
	if err != nil {
		return nil, fmt.Errorf("op=process.list_log: %w", err)
	}
	defer rows.Close()

	var out []domain.ProcessLogEntry
	for rows.Next() {
		var e domain.ProcessLogEntry
		var details []byte
		if err := rows.Scan(&e.ProcessID, &e.Sequence, &e.Event, &e.Step, &details, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("op=process.list_log: %w", err)
		}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &e.Details); err != nil {
				return nil, fmt.Errorf("op=process.list_log: details decode: %w", err)
			}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=process.list_log: %w", err)
	}
	return out, nil
}

// ListStaleRunning returns RUNNING instances untouched since the cutoff,
// oldest first. The watchdog feeds on this.
func (r *ProcessRepo) ListStaleRunning(ctx domain.Context, cutoff time.Time, limit int) ([]domain.ProcessInstance, error) {
	tracer := otel.Tracer("repo.process")
	ctx, span := tracer.Start(ctx, "process.ListStaleRunning")
	defer span.End()

	if limit <= 0 {
		limit = 100
	}
	q := `SELECT ` + processColumns + ` FROM process_instance WHERE status=$1 AND updated_at < $2 ORDER BY updated_at ASC LIMIT $3`
	rows, err := querier(ctx, r.Pool).Query(ctx, q, domain.ProcessRunning, cutoff.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("op=process.list_stale: %w", err)
	}
	defer rows.Close()

	var out []domain.ProcessInstance
	for rows.Next() {
		inst, err := scanProcessRows(rows)
		if err != nil {
			return nil, fmt.Errorf("op=process.list_stale: %w", err)
		}
		out = append(out, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=process.list_stale: %w", err)
	}
	return out, nil
}

func scanProcess(row pgx.Row, op string) (domain.ProcessInstance, error) {
	var inst domain.ProcessInstance
	var data []byte
	if err := row.Scan(&inst.ID, &inst.ProcessType, &inst.BusinessKey, &inst.Status, &inst.CurrentStep, &data, &inst.Retries, &inst.CreatedAt, &inst.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ProcessInstance{}, fmt.Errorf("%s: %w", op, domain.ErrNotFound)
		}
		return domain.ProcessInstance{}, fmt.Errorf("%s: %w", op, err)
	}
	if err := decodeData(data, &inst); err != nil {
		return domain.ProcessInstance{}, fmt.Errorf("%s: %w", op, err)
	}
	return inst, nil
}

func scanProcessRows(rows pgx.Rows) (domain.ProcessInstance, error) {
	var inst domain.ProcessInstance
	var data []byte
	if err := rows.Scan(&inst.ID, &inst.ProcessType, &inst.BusinessKey, &inst.Status, &inst.CurrentStep, &data, &inst.Retries, &inst.CreatedAt, &inst.UpdatedAt); err != nil {
		return domain.ProcessInstance{}, err
	}
	if err := decodeData(data, &inst); err != nil {
		return domain.ProcessInstance{}, err
	}
	return inst, nil
}

func decodeData(data []byte, inst *domain.ProcessInstance) error {
	inst.Data = map[string]any{}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, &inst.Data); err != nil {
		return fmt.Errorf("data decode: %w", err)
	}
	return nil
}

func orEmptyAny(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
