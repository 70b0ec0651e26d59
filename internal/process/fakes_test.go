package process_test

import (
	"fmt"
	"sync"
	"time"

	"github.com/fairyhunter13/command-platform/internal/domain"
)

// stubTx runs fn inline; transactional fidelity is covered by the postgres
// TxRunner tests.
type stubTx struct{}

func (stubTx) RunInTx(ctx domain.Context, fn func(ctx domain.Context) error) error {
	return fn(ctx)
}

// memProcesses is an in-memory ProcessStore.
type memProcesses struct {
	mu    sync.Mutex
	insts map[string]domain.ProcessInstance
	logs  map[string][]domain.ProcessLogEntry
}

func newMemProcesses() *memProcesses {
	return &memProcesses{insts: map[string]domain.ProcessInstance{}, logs: map[string][]domain.ProcessLogEntry{}}
}

func (m *memProcesses) put(inst domain.ProcessInstance) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.insts[inst.ID] = inst
}

func (m *memProcesses) instance(id string) domain.ProcessInstance {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insts[id]
}

func (m *memProcesses) events(id string) []domain.ProcessEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.ProcessEvent, 0, len(m.logs[id]))
	for _, e := range m.logs[id] {
		out = append(out, e.Event)
	}
	return out
}

func (m *memProcesses) entriesFor(id string, event domain.ProcessEvent) []domain.ProcessLogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.ProcessLogEntry
	for _, e := range m.logs[id] {
		if e.Event == event {
			out = append(out, e)
		}
	}
	return out
}

func (m *memProcesses) Insert(ctx domain.Context, inst domain.ProcessInstance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.insts[inst.ID]; dup {
		return domain.ErrConflict
	}
	now := time.Now().UTC()
	inst.CreatedAt = now
	inst.UpdatedAt = now
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
	inst.UpdatedAt = time.Now().UTC()
	m.insts[inst.ID] = inst
	return nil
}

func (m *memProcesses) AppendLog(ctx domain.Context, entry domain.ProcessLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry.Sequence = int64(len(m.logs[entry.ProcessID]) + 1)
	entry.CreatedAt = time.Now().UTC()
	m.logs[entry.ProcessID] = append(m.logs[entry.ProcessID], entry)
	return nil
}

func (m *memProcesses) ListLog(ctx domain.Context, processID string) ([]domain.ProcessLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.ProcessLogEntry, len(m.logs[processID]))
	copy(out, m.logs[processID])
	return out, nil
}

func (m *memProcesses) ListStaleRunning(ctx domain.Context, cutoff time.Time, limit int) ([]domain.ProcessInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.ProcessInstance
	for _, inst := range m.insts {
		if inst.Status == domain.ProcessRunning && inst.UpdatedAt.Before(cutoff) {
			out = append(out, inst)
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// fakeBus records submissions and mints predictable command ids.
type fakeBus struct {
	mu   sync.Mutex
	subs []domain.CommandSubmission
	ids  []string
	err  error
}

func (b *fakeBus) Submit(ctx domain.Context, sub domain.CommandSubmission) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return "", b.err
	}
	id := fmt.Sprintf("cmd-%d", len(b.subs)+1)
	b.subs = append(b.subs, sub)
	b.ids = append(b.ids, id)
	return id, nil
}

// lastFor returns the most recent submission and command id for a command
// name.
func (b *fakeBus) lastFor(name string) (domain.CommandSubmission, string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(b.subs) - 1; i >= 0; i-- {
		if b.subs[i].Name == name {
			return b.subs[i], b.ids[i], true
		}
	}
	return domain.CommandSubmission{}, "", false
}

func (b *fakeBus) names() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.subs))
	for _, s := range b.subs {
		out = append(out, s.Name)
	}
	return out
}
