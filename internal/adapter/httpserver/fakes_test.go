package httpserver_test

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	httpserver "github.com/fairyhunter13/command-platform/internal/adapter/httpserver"
	"github.com/fairyhunter13/command-platform/internal/config"
	"github.com/fairyhunter13/command-platform/internal/domain"
	"github.com/fairyhunter13/command-platform/internal/usecase"
)

// stubTx runs fn directly; the handlers under test never need a real
// transaction.
type stubTx struct{}

func (stubTx) RunInTx(ctx domain.Context, fn func(ctx domain.Context) error) error {
	return fn(ctx)
}

// memCommands is an in-memory CommandStore.
type memCommands struct {
	mu      sync.Mutex
	byID    map[string]domain.Command
	byKey   map[string]string
	dead    map[int64]domain.DeadCommand
	deadIDs []int64
	nextDLQ int64
}

func newMemCommands() *memCommands {
	return &memCommands{byID: map[string]domain.Command{}, byKey: map[string]string{}, dead: map[int64]domain.DeadCommand{}}
}

func (m *memCommands) SavePending(ctx domain.Context, cmd domain.Command) error {
	m.mu.Lock()
	defer m.mu.Unlock()
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
	_, ok := m.byKey[key]
	return ok, nil
}

func (m *memCommands) MarkRunning(ctx domain.Context, id string, leaseUntil time.Time) error {
	return nil
}
func (m *memCommands) MarkSucceeded(ctx domain.Context, id string) error      { return nil }
func (m *memCommands) MarkFailed(ctx domain.Context, id, errMsg string) error { return nil }
func (m *memCommands) MarkTimedOut(ctx domain.Context, id string) error       { return nil }
func (m *memCommands) BumpRetry(ctx domain.Context, id string) (int, error)   { return 0, nil }

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
	if dead.InsertedAt.IsZero() {
		dead.InsertedAt = time.Now().UTC()
	}
	m.dead[dead.ID] = dead
	m.deadIDs = append(m.deadIDs, dead.ID)
	return nil
}

func (m *memCommands) ListDead(ctx domain.Context, limit int) ([]domain.DeadCommand, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.DeadCommand, 0, limit)
	for i := len(m.deadIDs) - 1; i >= 0 && len(out) < limit; i-- {
		if d, ok := m.dead[m.deadIDs[i]]; ok {
			out = append(out, d)
		}
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

func (m *memCommands) put(cmd domain.Command) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[cmd.ID] = cmd
	if cmd.IdempotencyKey != "" {
		m.byKey[cmd.IdempotencyKey] = cmd.ID
	}
}

// memOutbox records inserted rows.
type memOutbox struct {
	mu     sync.Mutex
	rows   []domain.OutboxRow
	nextID int64
	stats  domain.OutboxStats
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
func (m *memOutbox) Stats(ctx domain.Context) (domain.OutboxStats, error) { return m.stats, nil }

func (m *memOutbox) inserted() []domain.OutboxRow {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.OutboxRow, len(m.rows))
	copy(out, m.rows)
	return out
}

// memProcesses backs the process read endpoints.
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

func (m *memProcesses) put(inst domain.ProcessInstance, log ...domain.ProcessLogEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.insts[inst.ID] = inst
	for _, entry := range log {
		entry.Sequence = int64(len(m.logs[inst.ID]) + 1)
		m.logs[inst.ID] = append(m.logs[inst.ID], entry)
	}
}

// fakeManager records process starts without running a saga.
type fakeManager struct {
	mu      sync.Mutex
	nextID  string
	started []startedProcess
	known   map[string]bool
}

type startedProcess struct {
	Type        string
	BusinessKey string
	Data        map[string]any
}

func newFakeManager(knownTypes ...string) *fakeManager {
	known := map[string]bool{}
	for _, t := range knownTypes {
		known[t] = true
	}
	return &fakeManager{nextID: "proc-1", known: known}
}

func (f *fakeManager) StartProcess(ctx domain.Context, processType, businessKey string, initialData map[string]any) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.known[processType] {
		return "", fmt.Errorf("type %q: %w", processType, domain.ErrUnknownProcessType)
	}
	f.started = append(f.started, startedProcess{Type: processType, BusinessKey: businessKey, Data: initialData})
	return f.nextID, nil
}

func (f *fakeManager) HandleReply(ctx domain.Context, processID string, reply domain.ReplyEnvelope) error {
	return nil
}

func testDestination(name string) string { return "APP.CMD." + name + ".Q" }

// fixture wires real usecase services over the in-memory stores.
type fixture struct {
	srv       *httpserver.Server
	router    chi.Router
	commands  *memCommands
	outbox    *memOutbox
	processes *memProcesses
	manager   *fakeManager
}

type fixtureOption func(*config.Config)

func returnExisting() fixtureOption {
	return func(cfg *config.Config) { cfg.DuplicateReturnsExisting = true }
}

func adminCreds(t *testing.T) (fixtureOption, string, string) {
	t.Helper()
	hash, err := httpserver.HashPassword("s3cret", httpserver.Argon2Params{
		Memory: 8 * 1024, Iterations: 1, Parallelism: 1, SaltLen: 16, KeyLen: 32,
	})
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	return func(cfg *config.Config) {
		cfg.AdminUsername = "admin"
		cfg.AdminPasswordHash = hash
	}, "admin", "s3cret"
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	cfg := config.Config{AppEnv: "test"}
	for _, opt := range opts {
		opt(&cfg)
	}
	commands := newMemCommands()
	outbox := &memOutbox{}
	processes := newMemProcesses()
	manager := newFakeManager("SubmitPayment")

	commandSvc := usecase.NewCommandService(stubTx{}, commands, outbox, testDestination, cfg.DuplicateReturnsExisting)
	statusSvc := usecase.NewStatusService(commands, processes)
	adminSvc := usecase.NewAdminService(stubTx{}, commands, outbox, testDestination)
	srv := httpserver.NewServer(cfg, commandSvc, statusSvc, adminSvc, manager, nil, nil)

	r := chi.NewRouter()
	r.Post("/commands/{name}", srv.SubmitCommandHandler())
	r.Get("/commands/{id}", srv.CommandStatusHandler())
	r.Post("/processes/{type}", srv.StartProcessHandler())
	r.Get("/processes/{id}", srv.ProcessStatusHandler())
	srv.MountAdmin(r)

	return &fixture{srv: srv, router: r, commands: commands, outbox: outbox, processes: processes, manager: manager}
}

func (f *fixture) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}
