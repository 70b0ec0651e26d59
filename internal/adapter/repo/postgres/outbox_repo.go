package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/command-platform/internal/domain"
)

// OutboxRepo owns the transactional staging table. StaleLease bounds how long
// a SENDING row may sit unclaimed-looking before Claim picks it back up; that
// is the crash-recovery rule for relays that died mid-dispatch.
type OutboxRepo struct {
	Pool       PgxPool
	StaleLease time.Duration
}

// NewOutboxRepo constructs an OutboxRepo with the given pool.
func NewOutboxRepo(p PgxPool, staleLease time.Duration) *OutboxRepo {
	if staleLease <= 0 {
		staleLease = 60 * time.Second
	}
	return &OutboxRepo{Pool: p, StaleLease: staleLease}
}

// Insert appends a NEW row in the caller's transaction and returns its id.
func (r *OutboxRepo) Insert(ctx domain.Context, row domain.OutboxRow) (int64, error) {
	tracer := otel.Tracer("repo.outbox")
	ctx, span := tracer.Start(ctx, "outbox.Insert")
	defer span.End()
	span.SetAttributes(attribute.String("outbox.category", string(row.Category)))

	payload := row.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	headers, err := json.Marshal(orEmpty(row.Headers))
	if err != nil {
		return 0, fmt.Errorf("op=outbox.insert: %w", err)
	}

	var id int64
	q := `INSERT INTO outbox (category, topic, key, type, payload, headers, status, attempts, next_at, created_at)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,0,$8,$9) RETURNING id`
	err = querier(ctx, r.Pool).QueryRow(ctx, q, row.Category, row.Topic, row.Key, row.Type, string(payload), string(headers), domain.OutboxNew, row.NextAt, time.Now().UTC()).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("op=outbox.insert: %w", err)
	}
	return id, nil
}

// Claim atomically moves up to limit dispatchable rows to SENDING for this
// claimer and returns them oldest-due-first. Dispatchable means NEW and due,
// or SENDING with a claim older than the stale lease. The skip-locked scan
// keeps concurrent claimers disjoint without ever blocking each other.
func (r *OutboxRepo) Claim(ctx domain.Context, limit int, claimer string) ([]domain.OutboxRow, error) {
	tracer := otel.Tracer("repo.outbox")
	ctx, span := tracer.Start(ctx, "outbox.Claim")
	defer span.End()

	if limit <= 0 {
		return nil, nil
	}
	now := time.Now().UTC()
	staleBefore := now.Add(-r.StaleLease)

	q := `WITH picked AS (
	        SELECT id FROM outbox
	        WHERE (status = 'NEW' AND (next_at IS NULL OR next_at <= $1))
	           OR (status = 'SENDING' AND claimed_at <= $2)
	        ORDER BY COALESCE(next_at, to_timestamp(0)) ASC, created_at ASC
	        LIMIT $3
	        FOR UPDATE SKIP LOCKED
	      )
	      UPDATE outbox o
	      SET status = 'SENDING', claimed_by = $4, claimed_at = $1
	      FROM picked
	      WHERE o.id = picked.id
	      RETURNING o.id, o.category, o.topic, o.key, o.type, o.payload, o.headers, o.status, o.attempts, o.next_at, o.claimed_by, o.claimed_at, o.created_at`

	rows, err := querier(ctx, r.Pool).Query(ctx, q, now, staleBefore, limit, claimer)
	if err != nil {
		return nil, fmt.Errorf("op=outbox.claim: %w", err)
	}
	defer rows.Close()

	var out []domain.OutboxRow
	for rows.Next() {
		var row domain.OutboxRow
		var headers []byte
		if err := rows.Scan(&row.ID, &row.Category, &row.Topic, &row.Key, &row.Type, &row.Payload, &headers, &row.Status, &row.Attempts, &row.NextAt, &row.ClaimedBy, &row.ClaimedAt, &row.CreatedAt); err != nil {
			return nil, fmt.Errorf("op=outbox.claim: %w", err)
		}
		if len(headers) > 0 {
			if err := json.Unmarshal(headers, &row.Headers); err != nil {
				return nil, fmt.Errorf("op=outbox.claim: headers decode: %w", err)
			}
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=outbox.claim: %w", err)
	}
	span.SetAttributes(attribute.Int("outbox.claimed", len(out)))
	return out, nil
}

// MarkPublished is the terminal SENDING→PUBLISHED transition. Marking an
// already published row again is a no-op.
func (r *OutboxRepo) MarkPublished(ctx domain.Context, id int64) error {
	tracer := otel.Tracer("repo.outbox")
	ctx, span := tracer.Start(ctx, "outbox.MarkPublished")
	defer span.End()

	q := `UPDATE outbox SET status = 'PUBLISHED' WHERE id = $1 AND status <> 'PUBLISHED'`
	if _, err := querier(ctx, r.Pool).Exec(ctx, q, id); err != nil {
		return fmt.Errorf("op=outbox.mark_published: %w", err)
	}
	return nil
}

// Reschedule returns a SENDING row to NEW with attempts+1 and a retry time,
// keeping the failure reason in the headers for operators. The status guard
// makes a doubled call increment attempts only once.
func (r *OutboxRepo) Reschedule(ctx domain.Context, id int64, delay time.Duration, reason string) error {
	tracer := otel.Tracer("repo.outbox")
	ctx, span := tracer.Start(ctx, "outbox.Reschedule")
	defer span.End()

	nextAt := time.Now().UTC().Add(delay)
	q := `UPDATE outbox
	      SET status = 'NEW', attempts = attempts + 1, next_at = $2,
	          claimed_by = '', claimed_at = NULL,
	          headers = jsonb_set(COALESCE(headers, '{}'::jsonb), '{lastError}', to_jsonb($3::text))
	      WHERE id = $1 AND status = 'SENDING'`
	if _, err := querier(ctx, r.Pool).Exec(ctx, q, id, nextAt, reason); err != nil {
		return fmt.Errorf("op=outbox.reschedule: %w", err)
	}
	return nil
}

// Stats summarizes the table for the operator endpoints.
func (r *OutboxRepo) Stats(ctx domain.Context) (domain.OutboxStats, error) {
	tracer := otel.Tracer("repo.outbox")
	ctx, span := tracer.Start(ctx, "outbox.Stats")
	defer span.End()

	var stats domain.OutboxStats
	var oldest *time.Time
	q := `SELECT
	        COUNT(*) FILTER (WHERE status = 'NEW'),
	        COUNT(*) FILTER (WHERE status = 'SENDING'),
	        COUNT(*) FILTER (WHERE status = 'PUBLISHED'),
	        MIN(created_at) FILTER (WHERE status = 'NEW')
	      FROM outbox`
	if err := querier(ctx, r.Pool).QueryRow(ctx, q).Scan(&stats.New, &stats.Sending, &stats.Published, &oldest); err != nil {
		return domain.OutboxStats{}, fmt.Errorf("op=outbox.stats: %w", err)
	}
	if oldest != nil {
		stats.OldestNewAge = time.Since(*oldest)
	}
	return stats, nil
}

// DeletePublishedBefore prunes delivered rows older than the cutoff and
// returns how many went. Retention housekeeping, not part of dispatch.
func (r *OutboxRepo) DeletePublishedBefore(ctx domain.Context, cutoff time.Time) (int64, error) {
	tracer := otel.Tracer("repo.outbox")
	ctx, span := tracer.Start(ctx, "outbox.DeletePublishedBefore")
	defer span.End()

	tag, err := querier(ctx, r.Pool).Exec(ctx, `DELETE FROM outbox WHERE status = 'PUBLISHED' AND created_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("op=outbox.delete_published: %w", err)
	}
	return tag.RowsAffected(), nil
}
