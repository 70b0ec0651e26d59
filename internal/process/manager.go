package process

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/command-platform/internal/adapter/observability"
	"github.com/fairyhunter13/command-platform/internal/domain"
)

// compensationDataKey is the reserved instance-data key holding the step and
// command id of the compensation currently in flight. Replies that do not
// carry that command id are stale and ignored while compensating.
const compensationDataKey = "_compensation"

// Manager drives process instances. Every mutation happens under the
// instance row lock inside one transaction together with its log entry and
// any step commands it issues, so a crash anywhere leaves the instance as if
// the reply never arrived and broker redelivery replays it.
//
// Failures never surface as errors to the transport: a broken graph shape, a
// failed step past its budget, a failed compensation all become terminal
// instance states with a diagnostic log entry. Only infrastructure errors
// (store, bus) propagate, which rolls the transaction back for redelivery.
type Manager struct {
	Tx       domain.TxRunner
	Store    domain.ProcessStore
	Bus      domain.CommandBus
	Registry *Registry

	// MaxRetriesPerStep is the default step retry budget; configurations
	// may override it per type.
	MaxRetriesPerStep int
}

// NewManager wires a manager with the platform default retry budget.
func NewManager(tx domain.TxRunner, store domain.ProcessStore, bus domain.CommandBus, registry *Registry, maxRetriesPerStep int) *Manager {
	if maxRetriesPerStep <= 0 {
		maxRetriesPerStep = 3
	}
	return &Manager{Tx: tx, Store: store, Bus: bus, Registry: registry, MaxRetriesPerStep: maxRetriesPerStep}
}

var _ domain.ProcessManager = (*Manager)(nil)

// StartProcess creates an instance of the named type and issues its first
// step. The insert, the ProcessStarted log entry and the step command commit
// together.
func (m *Manager) StartProcess(ctx domain.Context, processType, businessKey string, initialData map[string]any) (string, error) {
	cfg, ok := m.Registry.Get(processType)
	if !ok {
		return "", fmt.Errorf("op=process.start: type %q: %w", processType, domain.ErrUnknownProcessType)
	}
	inst := domain.ProcessInstance{
		ID:          uuid.NewString(),
		ProcessType: processType,
		BusinessKey: businessKey,
		Status:      domain.ProcessNew,
		CurrentStep: cfg.Graph.InitialStep(),
		Data:        cloneData(initialData),
	}
	err := m.Tx.RunInTx(ctx, func(txCtx domain.Context) error {
		if err := m.Store.Insert(txCtx, inst); err != nil {
			return err
		}
		if err := m.appendLog(txCtx, inst.ID, domain.EventProcessStarted, "", map[string]any{
			"processType": processType,
			"businessKey": businessKey,
		}); err != nil {
			return err
		}
		return m.executeStep(txCtx, &inst, cfg)
	})
	if err != nil {
		return "", fmt.Errorf("op=process.start: %w", err)
	}
	observability.StartProcess(processType)
	slog.Info("process started",
		slog.String("process_id", inst.ID),
		slog.String("type", processType),
		slog.String("step", inst.CurrentStep))
	return inst.ID, nil
}

// HandleReply consumes one step reply for the identified process. Unknown
// processes and replies for terminal instances are dropped with a log;
// at-least-once delivery makes both normal.
func (m *Manager) HandleReply(ctx domain.Context, processID string, reply domain.ReplyEnvelope) error {
	err := m.Tx.RunInTx(ctx, func(txCtx domain.Context) error {
		inst, err := m.Store.GetForUpdate(txCtx, processID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				slog.Warn("reply for unknown process dropped",
					slog.String("process_id", processID),
					slog.String("command_id", reply.CommandID))
				return nil
			}
			return err
		}
		return m.route(txCtx, &inst, reply)
	})
	if err != nil {
		return fmt.Errorf("op=process.handle_reply: %w", err)
	}
	return nil
}

// route dispatches a reply to the sequential, parallel or compensation path.
// The caller holds the instance lock.
func (m *Manager) route(ctx domain.Context, inst *domain.ProcessInstance, reply domain.ReplyEnvelope) error {
	log := m.instLog(inst)
	if inst.Status.IsTerminal() {
		log.Debug("reply for terminal process ignored",
			slog.String("command_id", reply.CommandID),
			slog.String("reply_status", string(reply.Status)))
		return nil
	}
	cfg, ok := m.Registry.Get(inst.ProcessType)
	if !ok {
		log.Warn("reply for unregistered process type dropped")
		return nil
	}
	if inst.Status == domain.ProcessCompensating {
		return m.onCompensationReply(ctx, inst, cfg, reply)
	}
	branch, _ := reply.Data[domain.HeaderParallelBranch].(string)
	if fanStep, branches, ok := pendingFanout(inst.Data); ok {
		if branch != "" {
			return m.onBranchReply(ctx, inst, cfg, fanStep, branches, branch, reply)
		}
		// No branch marker while waiting at a join: only the watchdog's
		// synthetic timeout does this. It ages out the whole fan-out.
	} else if branch != "" {
		log.Debug("branch reply without pending fan-out ignored",
			slog.String("branch", branch),
			slog.String("command_id", reply.CommandID))
		return nil
	}
	return m.onStepReply(ctx, inst, cfg, reply)
}

// executeStep issues the command for the instance's current step, or fans
// out when the step is parallel.
func (m *Manager) executeStep(ctx domain.Context, inst *domain.ProcessInstance, cfg Configuration) error {
	step, ok := cfg.Graph.Step(inst.CurrentStep)
	if !ok {
		return m.failProcess(ctx, inst, inst.CurrentStep,
			fmt.Sprintf("step %q is not part of the %q graph", inst.CurrentStep, inst.ProcessType))
	}
	if step.Transition.Kind == KindParallel {
		return m.executeParallel(ctx, inst, cfg, step)
	}

	idemKey := inst.ID + ":" + step.Name
	if inst.Retries > 0 {
		idemKey += ":retry" + strconv.Itoa(inst.Retries)
	}
	commandID, err := m.submit(ctx, inst, step.Name, idemKey, nil)
	if err != nil {
		return err
	}
	details := map[string]any{"commandId": commandID}
	if inst.Retries > 0 {
		details["retry"] = inst.Retries
	}
	if err := m.appendLog(ctx, inst.ID, domain.EventStepStarted, step.Name, details); err != nil {
		return err
	}
	inst.Status = domain.ProcessRunning
	return m.Store.Update(ctx, *inst)
}

// executeParallel validates the fan-out shape, records per-branch
// bookkeeping under the reserved data key, issues every branch command, and
// parks the instance at the join step.
func (m *Manager) executeParallel(ctx domain.Context, inst *domain.ProcessInstance, cfg Configuration, step Step) error {
	t := step.Transition
	if len(t.Branches) == 0 || t.JoinStep == "" {
		return m.failProcess(ctx, inst, step.Name,
			fmt.Sprintf("%v: step %q needs branches and a join step", domain.ErrInvalidParallelStep, step.Name))
	}
	branches := make(map[string]any, len(t.Branches))
	for _, branch := range t.Branches {
		branches[branch] = domain.BranchPending
	}
	inst.Data[domain.ParallelDataKey(step.Name)] = branches

	for _, branch := range t.Branches {
		commandID, err := m.submit(ctx, inst, branch, inst.ID+":"+step.Name+":"+branch, map[string]string{
			domain.HeaderParallelBranch: branch,
		})
		if err != nil {
			return err
		}
		if err := m.appendLog(ctx, inst.ID, domain.EventStepStarted, branch, map[string]any{
			"commandId": commandID,
			"fanout":    step.Name,
		}); err != nil {
			return err
		}
	}
	inst.CurrentStep = t.JoinStep
	inst.Status = domain.ProcessRunning
	return m.Store.Update(ctx, *inst)
}

// onStepReply advances a sequentially executing instance.
func (m *Manager) onStepReply(ctx domain.Context, inst *domain.ProcessInstance, cfg Configuration, reply domain.ReplyEnvelope) error {
	step := inst.CurrentStep
	log := m.instLog(inst)
	switch reply.Status {
	case domain.ReplyCompleted:
		mergeData(inst.Data, reply.Data)
		if err := m.appendLog(ctx, inst.ID, domain.EventStepCompleted, step, map[string]any{
			"commandId": reply.CommandID,
		}); err != nil {
			return err
		}
		return m.advance(ctx, inst, cfg, step)

	case domain.ReplyFailed:
		retry := cfg.retryable(step, reply.Error) && inst.Retries < cfg.maxRetries(m.MaxRetriesPerStep)
		if err := m.appendLog(ctx, inst.ID, domain.EventStepFailed, step, map[string]any{
			"commandId": reply.CommandID,
			"error":     reply.Error,
			"retryable": retry,
		}); err != nil {
			return err
		}
		if retry {
			inst.Retries++
			log.Warn("step failed, retrying",
				slog.String("step", step),
				slog.Int("retry", inst.Retries),
				slog.String("error", reply.Error))
			return m.executeStep(ctx, inst, cfg)
		}
		return m.failOrCompensate(ctx, inst, cfg, step, reply.Error)

	case domain.ReplyTimedOut:
		if err := m.appendLog(ctx, inst.ID, domain.EventStepTimedOut, step, map[string]any{
			"commandId": reply.CommandID,
			"error":     reply.Error,
		}); err != nil {
			return err
		}
		return m.failOrCompensate(ctx, inst, cfg, step, stepTimeoutReason(step, reply.Error))

	default:
		log.Warn("reply with unknown status dropped", slog.String("reply_status", string(reply.Status)))
		return nil
	}
}

// onBranchReply advances one branch of a pending fan-out. A failed branch
// fails the whole fan-out immediately; in-flight siblings still complete but
// their replies find a terminal or compensating instance.
func (m *Manager) onBranchReply(ctx domain.Context, inst *domain.ProcessInstance, cfg Configuration, fanStep string, branches map[string]any, branch string, reply domain.ReplyEnvelope) error {
	log := m.instLog(inst)
	state, known := branches[branch]
	if !known {
		log.Warn("reply for undeclared branch dropped",
			slog.String("fanout", fanStep),
			slog.String("branch", branch))
		return nil
	}
	if state == domain.BranchCompleted {
		log.Debug("reply for completed branch ignored",
			slog.String("fanout", fanStep),
			slog.String("branch", branch))
		return nil
	}

	switch reply.Status {
	case domain.ReplyCompleted:
		mergeData(inst.Data, reply.Data)
		branches[branch] = domain.BranchCompleted
		inst.Data[domain.ParallelDataKey(fanStep)] = branches
		if err := m.appendLog(ctx, inst.ID, domain.EventStepCompleted, branch, map[string]any{
			"commandId": reply.CommandID,
			"fanout":    fanStep,
		}); err != nil {
			return err
		}
		if !allBranchesCompleted(branches) {
			return m.Store.Update(ctx, *inst)
		}
		delete(inst.Data, domain.ParallelDataKey(fanStep))
		// The instance already waits at the join step; continue from there.
		return m.advance(ctx, inst, cfg, inst.CurrentStep)

	case domain.ReplyFailed:
		if err := m.appendLog(ctx, inst.ID, domain.EventStepFailed, branch, map[string]any{
			"commandId": reply.CommandID,
			"error":     reply.Error,
			"retryable": false,
			"fanout":    fanStep,
		}); err != nil {
			return err
		}
		delete(inst.Data, domain.ParallelDataKey(fanStep))
		return m.failOrCompensate(ctx, inst, cfg, branch, reply.Error)

	case domain.ReplyTimedOut:
		if err := m.appendLog(ctx, inst.ID, domain.EventStepTimedOut, branch, map[string]any{
			"commandId": reply.CommandID,
			"error":     reply.Error,
			"fanout":    fanStep,
		}); err != nil {
			return err
		}
		delete(inst.Data, domain.ParallelDataKey(fanStep))
		return m.failOrCompensate(ctx, inst, cfg, branch, stepTimeoutReason(branch, reply.Error))

	default:
		log.Warn("branch reply with unknown status dropped", slog.String("reply_status", string(reply.Status)))
		return nil
	}
}

// advance resolves the transition out of a completed step and either issues
// the next step or completes the process.
func (m *Manager) advance(ctx domain.Context, inst *domain.ProcessInstance, cfg Configuration, completed string) error {
	next, ok := cfg.Graph.NextStep(completed, inst.Data)
	if !ok {
		return m.completeProcess(ctx, inst, "Succeeded")
	}
	inst.CurrentStep = next
	inst.Retries = 0
	return m.executeStep(ctx, inst, cfg)
}

// failOrCompensate starts the compensation walk when any completed step
// declared one, and fails the process outright otherwise.
func (m *Manager) failOrCompensate(ctx domain.Context, inst *domain.ProcessInstance, cfg Configuration, step, reason string) error {
	entries, err := m.Store.ListLog(ctx, inst.ID)
	if err != nil {
		return err
	}
	if nextCompensable(entries, cfg.Graph) == "" {
		return m.failProcess(ctx, inst, step, reason)
	}
	inst.Status = domain.ProcessCompensating
	observability.StartCompensation(inst.ProcessType)
	m.instLog(inst).Warn("starting compensation",
		slog.String("failed_step", step),
		slog.String("reason", reason))
	return m.advanceCompensation(ctx, inst, cfg, entries, reason)
}

// advanceCompensation issues the next pending compensation command, or
// settles the instance as COMPENSATED when the walk is done. The process log
// is the source of truth: completed steps come from StepCompleted entries in
// order, already-undone ones from CompensationCompleted entries.
func (m *Manager) advanceCompensation(ctx domain.Context, inst *domain.ProcessInstance, cfg Configuration, entries []domain.ProcessLogEntry, reason string) error {
	target := nextCompensable(entries, cfg.Graph)
	if target == "" {
		delete(inst.Data, compensationDataKey)
		return m.completeProcess(ctx, inst, "Compensated")
	}
	command := cfg.Graph.CompensationOf(target)
	commandID, err := m.submit(ctx, inst, command, inst.ID+":COMPENSATE:"+target, map[string]string{
		domain.HeaderProcessStep: target,
	})
	if err != nil {
		return err
	}
	details := map[string]any{"commandId": commandID, "command": command}
	if reason != "" {
		details["reason"] = reason
	}
	if err := m.appendLog(ctx, inst.ID, domain.EventCompensationStarted, target, details); err != nil {
		return err
	}
	inst.Data[compensationDataKey] = map[string]any{"step": target, "commandId": commandID}
	inst.CurrentStep = target
	return m.Store.Update(ctx, *inst)
}

// onCompensationReply advances the compensation walk. Only the reply of the
// compensation command currently in flight counts; anything else is a stale
// step reply that arrived after the failure and is dropped.
func (m *Manager) onCompensationReply(ctx domain.Context, inst *domain.ProcessInstance, cfg Configuration, reply domain.ReplyEnvelope) error {
	log := m.instLog(inst)
	awaited, _ := inst.Data[compensationDataKey].(map[string]any)
	awaitedID, _ := awaited["commandId"].(string)
	awaitedStep, _ := awaited["step"].(string)
	if awaitedID == "" || reply.CommandID != awaitedID {
		log.Debug("stale reply during compensation ignored",
			slog.String("command_id", reply.CommandID))
		return nil
	}

	if reply.IsSuccess() {
		if err := m.appendLog(ctx, inst.ID, domain.EventCompensationCompleted, awaitedStep, map[string]any{
			"commandId": reply.CommandID,
		}); err != nil {
			return err
		}
		entries, err := m.Store.ListLog(ctx, inst.ID)
		if err != nil {
			return err
		}
		return m.advanceCompensation(ctx, inst, cfg, entries, "")
	}

	// A compensation that cannot complete leaves effects nobody will undo.
	// That is fatal and needs an operator.
	delete(inst.Data, compensationDataKey)
	return m.failProcess(ctx, inst, awaitedStep,
		fmt.Sprintf("%v: step %q: %s", domain.ErrCompensationFailure, awaitedStep, reply.Error))
}

// ExpireStaleStep times out one stuck instance on behalf of the watchdog.
// Staleness is re-checked under the row lock, so an instance that progressed
// between the sweep's listing and this call is left alone.
func (m *Manager) ExpireStaleStep(ctx domain.Context, processID string, cutoff time.Time) error {
	err := m.Tx.RunInTx(ctx, func(txCtx domain.Context) error {
		inst, err := m.Store.GetForUpdate(txCtx, processID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return nil
			}
			return err
		}
		if inst.Status != domain.ProcessRunning || !inst.UpdatedAt.Before(cutoff) {
			return nil
		}
		m.instLog(&inst).Warn("watchdog expiring stale step",
			slog.String("step", inst.CurrentStep),
			slog.Time("updated_at", inst.UpdatedAt))
		return m.route(txCtx, &inst, domain.ReplyEnvelope{
			CorrelationID: inst.ID,
			Status:        domain.ReplyTimedOut,
			Data:          map[string]any{},
			Error:         fmt.Sprintf("no reply for step %q before %s", inst.CurrentStep, cutoff.UTC().Format(time.RFC3339)),
		})
	})
	if err != nil {
		return fmt.Errorf("op=process.expire_stale: %w", err)
	}
	return nil
}

// completeProcess settles a terminal success: SUCCEEDED after the last step,
// COMPENSATED after a finished compensation walk.
func (m *Manager) completeProcess(ctx domain.Context, inst *domain.ProcessInstance, outcome string) error {
	status := domain.ProcessSucceeded
	if outcome == "Compensated" {
		status = domain.ProcessCompensated
	}
	inst.Status = status
	if err := m.appendLog(ctx, inst.ID, domain.EventProcessCompleted, "", map[string]any{
		"outcome": outcome,
	}); err != nil {
		return err
	}
	if err := m.Store.Update(ctx, *inst); err != nil {
		return err
	}
	observability.FinishProcess(inst.ProcessType, string(status))
	m.instLog(inst).Info("process finished", slog.String("outcome", outcome))
	return nil
}

// failProcess settles the instance as FAILED with a diagnostic.
func (m *Manager) failProcess(ctx domain.Context, inst *domain.ProcessInstance, step, reason string) error {
	inst.Status = domain.ProcessFailed
	if err := m.appendLog(ctx, inst.ID, domain.EventProcessFailed, step, map[string]any{
		"reason": reason,
	}); err != nil {
		return err
	}
	if err := m.Store.Update(ctx, *inst); err != nil {
		return err
	}
	observability.FinishProcess(inst.ProcessType, string(domain.ProcessFailed))
	m.instLog(inst).Error("process failed",
		slog.String("step", step),
		slog.String("reason", reason))
	return nil
}

// submit issues one command through the bus, correlated to this instance.
// The payload is the instance data with reserved bookkeeping keys stripped.
func (m *Manager) submit(ctx domain.Context, inst *domain.ProcessInstance, name, idemKey string, extra map[string]string) (string, error) {
	payload, err := json.Marshal(publicData(inst.Data))
	if err != nil {
		return "", fmt.Errorf("op=process.submit: %w", err)
	}
	headers := map[string]string{domain.HeaderProcessStep: inst.CurrentStep}
	for k, v := range extra {
		headers[k] = v
	}
	return m.Bus.Submit(ctx, domain.CommandSubmission{
		Name:           name,
		IdempotencyKey: idemKey,
		BusinessKey:    inst.BusinessKey,
		CorrelationID:  inst.ID,
		Payload:        payload,
		Headers:        headers,
	})
}

func (m *Manager) appendLog(ctx domain.Context, processID string, event domain.ProcessEvent, step string, details map[string]any) error {
	return m.Store.AppendLog(ctx, domain.ProcessLogEntry{
		ProcessID: processID,
		Event:     event,
		Step:      step,
		Details:   details,
	})
}

func (m *Manager) instLog(inst *domain.ProcessInstance) *slog.Logger {
	return slog.With(
		slog.String("process_id", inst.ID),
		slog.String("type", inst.ProcessType),
		slog.String("status", string(inst.Status)))
}

// pendingFanout finds the reserved branch-bookkeeping entry, if any. At most
// one fan-out is ever in flight because the instance waits at its join.
func pendingFanout(data map[string]any) (string, map[string]any, bool) {
	for key, value := range data {
		if !domain.IsParallelDataKey(key) {
			continue
		}
		branches, ok := value.(map[string]any)
		if !ok {
			continue
		}
		return strings.TrimPrefix(key, domain.ParallelDataPrefix), branches, true
	}
	return "", nil, false
}

func allBranchesCompleted(branches map[string]any) bool {
	for _, state := range branches {
		if state != domain.BranchCompleted {
			return false
		}
	}
	return true
}

// completedSteps extracts the step names with a StepCompleted entry, in
// completion order, first occurrence only.
func completedSteps(entries []domain.ProcessLogEntry) []string {
	seen := make(map[string]bool)
	var out []string
	for _, e := range entries {
		if e.Event != domain.EventStepCompleted || e.Step == "" || seen[e.Step] {
			continue
		}
		seen[e.Step] = true
		out = append(out, e.Step)
	}
	return out
}

// nextCompensable walks the completed steps backwards and returns the first
// one that declares a compensation and has no CompensationCompleted entry
// yet. "" means the walk is done.
func nextCompensable(entries []domain.ProcessLogEntry, graph *Graph) string {
	done := make(map[string]bool)
	for _, e := range entries {
		if e.Event == domain.EventCompensationCompleted {
			done[e.Step] = true
		}
	}
	completed := completedSteps(entries)
	for i := len(completed) - 1; i >= 0; i-- {
		step := completed[i]
		if done[step] {
			continue
		}
		if graph.CompensationOf(step) != "" {
			return step
		}
	}
	return ""
}

// mergeData shallow-merges a reply's data into the instance data. The branch
// marker is transport routing, not payload, and is not persisted.
func mergeData(dst, src map[string]any) {
	for k, v := range src {
		if k == domain.HeaderParallelBranch {
			continue
		}
		dst[k] = v
	}
}

// publicData copies the instance data without reserved bookkeeping keys.
func publicData(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		if domain.IsParallelDataKey(k) || k == compensationDataKey {
			continue
		}
		out[k] = v
	}
	return out
}

func cloneData(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}

func stepTimeoutReason(step, detail string) string {
	if detail == "" {
		return fmt.Sprintf("step %q timed out", step)
	}
	return fmt.Sprintf("step %q timed out: %s", step, detail)
}
