package executor_test

import (
	"sync"
	"time"

	"github.com/fairyhunter13/command-platform/internal/domain"
)

// stubTx runs fn inline. Commit/rollback fidelity lives in the postgres
// TxRunner tests; these exercise the executor's sequencing.
type stubTx struct {
	calls int
}

func (t *stubTx) RunInTx(ctx domain.Context, fn func(ctx domain.Context) error) error {
	t.calls++
	return fn(ctx)
}

// memCommands is an in-memory CommandStore.
type memCommands struct {
	mu      sync.Mutex
	byID    map[string]domain.Command
	dead    []domain.DeadCommand
	getErr  error
	markErr error
}

func newMemCommands(cmds ...domain.Command) *memCommands {
	m := &memCommands{byID: map[string]domain.Command{}}
	for _, c := range cmds {
		m.byID[c.ID] = c
	}
	return m
}

func (m *memCommands) get(id string) domain.Command {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byID[id]
}

func (m *memCommands) SavePending(ctx domain.Context, cmd domain.Command) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[cmd.ID] = cmd
	return nil
}

func (m *memCommands) Get(ctx domain.Context, id string) (domain.Command, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return domain.Command{}, m.getErr
	}
	cmd, ok := m.byID[id]
	if !ok {
		return domain.Command{}, domain.ErrNotFound
	}
	return cmd, nil
}

func (m *memCommands) FindByIdempotencyKey(ctx domain.Context, key string) (domain.Command, error) {
	return domain.Command{}, domain.ErrNotFound
}

func (m *memCommands) ExistsByIdempotencyKey(ctx domain.Context, key string) (bool, error) {
	return false, nil
}

func (m *memCommands) setStatus(id string, status domain.CommandStatus, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.markErr != nil {
		return m.markErr
	}
	cmd, ok := m.byID[id]
	if !ok {
		return domain.ErrNotFound
	}
	cmd.Status = status
	cmd.Error = errMsg
	m.byID[id] = cmd
	return nil
}

func (m *memCommands) MarkRunning(ctx domain.Context, id string, leaseUntil time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cmd, ok := m.byID[id]
	if !ok || cmd.Status == domain.CommandSucceeded {
		return domain.ErrConflict
	}
	cmd.Status = domain.CommandRunning
	cmd.LeaseUntil = &leaseUntil
	m.byID[id] = cmd
	return nil
}

func (m *memCommands) MarkSucceeded(ctx domain.Context, id string) error {
	return m.setStatus(id, domain.CommandSucceeded, "")
}

func (m *memCommands) MarkFailed(ctx domain.Context, id, errMsg string) error {
	return m.setStatus(id, domain.CommandFailed, errMsg)
}

func (m *memCommands) MarkTimedOut(ctx domain.Context, id string) error {
	return m.setStatus(id, domain.CommandTimedOut, "command lease expired")
}

func (m *memCommands) BumpRetry(ctx domain.Context, id string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cmd, ok := m.byID[id]
	if !ok {
		return 0, domain.ErrNotFound
	}
	cmd.Retries++
	m.byID[id] = cmd
	return cmd.Retries, nil
}

func (m *memCommands) MarkRequeued(ctx domain.Context, id string) error {
	return m.setStatus(id, domain.CommandPending, "")
}

func (m *memCommands) InsertDead(ctx domain.Context, dead domain.DeadCommand) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	dead.ID = int64(len(m.dead) + 1)
	m.dead = append(m.dead, dead)
	return nil
}

func (m *memCommands) ListDead(ctx domain.Context, limit int) ([]domain.DeadCommand, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.DeadCommand, len(m.dead))
	copy(out, m.dead)
	return out, nil
}

func (m *memCommands) GetDead(ctx domain.Context, id int64) (domain.DeadCommand, error) {
	return domain.DeadCommand{}, domain.ErrNotFound
}

func (m *memCommands) DeleteDead(ctx domain.Context, id int64) error { return nil }

// memInbox keys on messageID+handler.
type memInbox struct {
	mu   sync.Mutex
	seen map[string]bool
	err  error
}

func newMemInbox() *memInbox {
	return &memInbox{seen: map[string]bool{}}
}

func (m *memInbox) TryInsert(ctx domain.Context, messageID, handler string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	k := messageID + "|" + handler
	if m.seen[k] {
		return false, nil
	}
	m.seen[k] = true
	return true, nil
}

// memOutbox records inserted rows.
type memOutbox struct {
	mu     sync.Mutex
	rows   []domain.OutboxRow
	nextID int64
}

func (m *memOutbox) Insert(ctx domain.Context, row domain.OutboxRow) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	row.ID = m.nextID
	row.Status = domain.OutboxNew
	m.rows = append(m.rows, row)
	return row.ID, nil
}

func (m *memOutbox) Claim(ctx domain.Context, limit int, claimer string) ([]domain.OutboxRow, error) {
	return nil, nil
}

func (m *memOutbox) MarkPublished(ctx domain.Context, id int64) error { return nil }

func (m *memOutbox) Reschedule(ctx domain.Context, id int64, delay time.Duration, reason string) error {
	return nil
}

func (m *memOutbox) Stats(ctx domain.Context) (domain.OutboxStats, error) {
	return domain.OutboxStats{}, nil
}

func (m *memOutbox) inserted() []domain.OutboxRow {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.OutboxRow, len(m.rows))
	copy(out, m.rows)
	return out
}

func (m *memOutbox) byCategory(category domain.OutboxCategory) []domain.OutboxRow {
	var out []domain.OutboxRow
	for _, row := range m.inserted() {
		if row.Category == category {
			out = append(out, row)
		}
	}
	return out
}
