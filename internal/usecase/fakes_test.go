package usecase_test

import (
	"fmt"
	"sync"
	"time"

	"github.com/fairyhunter13/command-platform/internal/domain"
)

// stubTx runs fn directly and counts invocations. forceErr short-circuits.
type stubTx struct {
	calls    int
	forceErr error
}

func (t *stubTx) RunInTx(ctx domain.Context, fn func(ctx domain.Context) error) error {
	t.calls++
	if t.forceErr != nil {
		return t.forceErr
	}
	return fn(ctx)
}

// memCommands is an in-memory CommandStore.
type memCommands struct {
	mu      sync.Mutex
	byID    map[string]domain.Command
	byKey   map[string]string
	dead    map[int64]domain.DeadCommand
	nextDLQ int64

	saveErr error
	// forceExists overrides ExistsByIdempotencyKey, for exercising the
	// precheck/insert race.
	forceExists *bool
}

func newMemCommands() *memCommands {
	return &memCommands{byID: map[string]domain.Command{}, byKey: map[string]string{}, dead: map[int64]domain.DeadCommand{}}
}

func (m *memCommands) SavePending(ctx domain.Context, cmd domain.Command) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	if _, dup := m.byKey[cmd.IdempotencyKey]; dup {
		return fmt.Errorf("key %q: %w", cmd.IdempotencyKey, domain.ErrDuplicateIdempotencyKey)
	}
	cmd.Status = domain.CommandPending
	cmd.CreatedAt = time.Now().UTC()
	cmd.UpdatedAt = cmd.CreatedAt
	m.byID[cmd.ID] = cmd
	m.byKey[cmd.IdempotencyKey] = cmd.ID
	return nil
}

func (m *memCommands) Get(ctx domain.Context, id string) (domain.Command, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cmd, ok := m.byID[id]
	if !ok {
		return domain.Command{}, domain.ErrNotFound
	}
	return cmd, nil
}

func (m *memCommands) FindByIdempotencyKey(ctx domain.Context, key string) (domain.Command, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byKey[key]
	if !ok {
		return domain.Command{}, domain.ErrNotFound
	}
	return m.byID[id], nil
}

func (m *memCommands) ExistsByIdempotencyKey(ctx domain.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.forceExists != nil {
		return *m.forceExists, nil
	}
	_, ok := m.byKey[key]
	return ok, nil
}

func (m *memCommands) setStatus(id string, status domain.CommandStatus, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cmd, ok := m.byID[id]
	if !ok {
		return domain.ErrNotFound
	}
	cmd.Status = status
	cmd.Error = errMsg
	cmd.LeaseUntil = nil
	cmd.UpdatedAt = time.Now().UTC()
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
	m.mu.Lock()
	defer m.mu.Unlock()
	cmd, ok := m.byID[id]
	if !ok {
		return domain.ErrNotFound
	}
	cmd.Status = domain.CommandPending
	cmd.Retries = 0
	cmd.Error = ""
	m.byID[id] = cmd
	return nil
}

func (m *memCommands) InsertDead(ctx domain.Context, dead domain.DeadCommand) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextDLQ++
	dead.ID = m.nextDLQ
	dead.InsertedAt = time.Now().UTC()
	m.dead[dead.ID] = dead
	return nil
}

func (m *memCommands) ListDead(ctx domain.Context, limit int) ([]domain.DeadCommand, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.DeadCommand, 0, len(m.dead))
	for _, d := range m.dead {
		out = append(out, d)
	}
	return out, nil
}

func (m *memCommands) GetDead(ctx domain.Context, id int64) (domain.DeadCommand, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.dead[id]
	if !ok {
		return domain.DeadCommand{}, domain.ErrNotFound
	}
	return d, nil
}

func (m *memCommands) DeleteDead(ctx domain.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.dead[id]; !ok {
		return domain.ErrNotFound
	}
	delete(m.dead, id)
	return nil
}

// memOutbox records inserted rows.
type memOutbox struct {
	mu     sync.Mutex
	rows   []domain.OutboxRow
	nextID int64

	insertErr error
	stats     domain.OutboxStats
}

func (m *memOutbox) Insert(ctx domain.Context, row domain.OutboxRow) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertErr != nil {
		return 0, m.insertErr
	}
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

func (m *memOutbox) Stats(ctx domain.Context) (domain.OutboxStats, error) { return m.stats, nil }

func (m *memOutbox) inserted() []domain.OutboxRow {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.OutboxRow, len(m.rows))
	copy(out, m.rows)
	return out
}

// memProcesses is a minimal ProcessStore for the read paths.
type memProcesses struct {
	mu    sync.Mutex
	insts map[string]domain.ProcessInstance
	logs  map[string][]domain.ProcessLogEntry
}

func newMemProcesses() *memProcesses {
	return &memProcesses{insts: map[string]domain.ProcessInstance{}, logs: map[string][]domain.ProcessLogEntry{}}
}

func (m *memProcesses) Insert(ctx domain.Context, inst domain.ProcessInstance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.insts[inst.ID] = inst
	return nil
}

func (m *memProcesses) Get(ctx domain.Context, id string) (domain.ProcessInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.insts[id]
	if !ok {
		return domain.ProcessInstance{}, domain.ErrNotFound
	}
	return inst, nil
}

func (m *memProcesses) GetForUpdate(ctx domain.Context, id string) (domain.ProcessInstance, error) {
	return m.Get(ctx, id)
}

func (m *memProcesses) Update(ctx domain.Context, inst domain.ProcessInstance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.insts[inst.ID]; !ok {
		return domain.ErrNotFound
	}
	m.insts[inst.ID] = inst
	return nil
}

func (m *memProcesses) AppendLog(ctx domain.Context, entry domain.ProcessLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry.Sequence = int64(len(m.logs[entry.ProcessID]) + 1)
	m.logs[entry.ProcessID] = append(m.logs[entry.ProcessID], entry)
	return nil
}

func (m *memProcesses) ListLog(ctx domain.Context, processID string) ([]domain.ProcessLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.logs[processID], nil
}

func (m *memProcesses) ListStaleRunning(ctx domain.Context, cutoff time.Time, limit int) ([]domain.ProcessInstance, error) {
	return nil, nil
}

func testDestination(name string) string {
	return "APP.CMD." + name + ".Q"
}
