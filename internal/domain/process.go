package domain

import (
	"strings"
	"time"
)

// ProcessStatus is the lifecycle state of a process instance.
// SUCCEEDED, FAILED and COMPENSATED are terminal and sticky.
type ProcessStatus string

const (
	ProcessNew          ProcessStatus = "NEW"
	ProcessRunning      ProcessStatus = "RUNNING"
	ProcessSucceeded    ProcessStatus = "SUCCEEDED"
	ProcessFailed       ProcessStatus = "FAILED"
	ProcessCompensating ProcessStatus = "COMPENSATING"
	ProcessCompensated  ProcessStatus = "COMPENSATED"
	ProcessPaused       ProcessStatus = "PAUSED"
)

// IsTerminal reports whether no further transition may happen.
func (s ProcessStatus) IsTerminal() bool {
	return s == ProcessSucceeded || s == ProcessFailed || s == ProcessCompensated
}

// ParallelDataPrefix prefixes the reserved data keys that track per-branch
// completion of a parallel fan-out, e.g. "_parallel_Start".
const ParallelDataPrefix = "_parallel_"

// ParallelDataKey returns the reserved data key for a fan-out step.
func ParallelDataKey(step string) string { return ParallelDataPrefix + step }

// IsParallelDataKey reports whether a data key is reserved branch bookkeeping.
func IsParallelDataKey(key string) bool { return strings.HasPrefix(key, ParallelDataPrefix) }

// Branch states stored inside a _parallel_<step> map.
const (
	BranchPending   = "PENDING"
	BranchCompleted = "COMPLETED"
)

// ProcessInstance is the persisted state of one saga run. Data is the rolling
// context: each step reply's data map is shallow-merged in.
type ProcessInstance struct {
	ID          string
	ProcessType string
	BusinessKey string
	Status      ProcessStatus
	CurrentStep string
	Data        map[string]any
	Retries     int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ProcessEvent names one entry kind in the append-only process log.
type ProcessEvent string

const (
	EventProcessStarted        ProcessEvent = "ProcessStarted"
	EventStepStarted           ProcessEvent = "StepStarted"
	EventStepCompleted         ProcessEvent = "StepCompleted"
	EventStepFailed            ProcessEvent = "StepFailed"
	EventStepTimedOut          ProcessEvent = "StepTimedOut"
	EventCompensationStarted   ProcessEvent = "CompensationStarted"
	EventCompensationCompleted ProcessEvent = "CompensationCompleted"
	EventProcessCompleted      ProcessEvent = "ProcessCompleted"
	EventProcessFailed         ProcessEvent = "ProcessFailed"
)

// ProcessLogEntry is one immutable audit row. The ordered sequence per
// process id is the authoritative history of the run.
type ProcessLogEntry struct {
	ProcessID string
	Sequence  int64
	Event     ProcessEvent
	Step      string
	Details   map[string]any
	CreatedAt time.Time
}
