package postgres

import (
	"fmt"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/command-platform/internal/domain"
)

// InboxRepo is the per-handler dedupe ledger.
type InboxRepo struct{ Pool PgxPool }

// NewInboxRepo constructs an InboxRepo with the given pool.
func NewInboxRepo(p PgxPool) *InboxRepo { return &InboxRepo{Pool: p} }

// TryInsert records (messageID, handler) and reports whether this call
// inserted it. A duplicate is a normal answer, not an error; the composite
// primary key does the enforcement. When called inside a transaction, a
// concurrent insert of the same key blocks until that transaction settles,
// so two simultaneous deliveries cannot both see "inserted".
func (r *InboxRepo) TryInsert(ctx domain.Context, messageID, handler string) (bool, error) {
	tracer := otel.Tracer("repo.inbox")
	ctx, span := tracer.Start(ctx, "inbox.TryInsert")
	defer span.End()

	q := `INSERT INTO inbox (message_id, handler, consumed_at) VALUES ($1,$2,$3) ON CONFLICT (message_id, handler) DO NOTHING`
	tag, err := querier(ctx, r.Pool).Exec(ctx, q, messageID, handler, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("op=inbox.try_insert: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}
