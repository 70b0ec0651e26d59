package domain

import (
	"encoding/json"
	"time"
)

// TxRunner runs fn inside one database transaction: commit when fn returns
// nil, rollback otherwise. The transaction travels in the context, so store
// calls made from fn join it. A nested RunInTx joins the caller's
// transaction instead of opening a second one.
type TxRunner interface {
	RunInTx(ctx Context, fn func(ctx Context) error) error
}

// CommandStore owns the command table and its DLQ companion.
type CommandStore interface {
	// SavePending inserts a PENDING row. A reused idempotency key fails
	// with ErrDuplicateIdempotencyKey; the DB unique index is the gate.
	SavePending(ctx Context, cmd Command) error
	Get(ctx Context, id string) (Command, error)
	FindByIdempotencyKey(ctx Context, key string) (Command, error)
	// ExistsByIdempotencyKey is a cheap precheck only. The insert decides.
	ExistsByIdempotencyKey(ctx Context, key string) (bool, error)
	MarkRunning(ctx Context, id string, leaseUntil time.Time) error
	MarkSucceeded(ctx Context, id string) error
	MarkFailed(ctx Context, id, errMsg string) error
	MarkTimedOut(ctx Context, id string) error
	// BumpRetry atomically increments retries and returns the new count.
	BumpRetry(ctx Context, id string) (int, error)
	// MarkRequeued returns a dead-lettered command to PENDING with a fresh
	// retry budget. Only the admin requeue path calls this.
	MarkRequeued(ctx Context, id string) error

	InsertDead(ctx Context, dead DeadCommand) error
	ListDead(ctx Context, limit int) ([]DeadCommand, error)
	GetDead(ctx Context, id int64) (DeadCommand, error)
	DeleteDead(ctx Context, id int64) error
}

// OutboxStore owns the transactional staging table.
type OutboxStore interface {
	// Insert appends a NEW row in the caller's transaction. Never claims.
	Insert(ctx Context, row OutboxRow) (int64, error)
	// Claim atomically moves up to limit visible rows NEW→SENDING for this
	// claimer and returns them, oldest due first. Rows stuck in SENDING
	// longer than the store's stale lease are claimed too. Skip-locked row
	// locking keeps concurrent claimers disjoint.
	Claim(ctx Context, limit int, claimer string) ([]OutboxRow, error)
	// MarkPublished is the terminal SENDING→PUBLISHED transition.
	// Calling it on an already published row is a no-op.
	MarkPublished(ctx Context, id int64) error
	// Reschedule returns a SENDING row to NEW with attempts+1 and
	// nextAt=now+delay, keeping reason for diagnostics.
	Reschedule(ctx Context, id int64, delay time.Duration, reason string) error
	Stats(ctx Context) (OutboxStats, error)
}

// InboxStore answers "did this handler already consume this message".
type InboxStore interface {
	// TryInsert records (messageID, handler) and reports true when this
	// call inserted it, false when it already existed. Duplicate is a
	// normal result, not an error.
	TryInsert(ctx Context, messageID, handler string) (bool, error)
}

// ProcessStore persists process instances and their append-only log.
type ProcessStore interface {
	Insert(ctx Context, inst ProcessInstance) error
	Get(ctx Context, id string) (ProcessInstance, error)
	// GetForUpdate locks the instance row for the rest of the transaction.
	// Reply handling and step execution both start here, which serializes
	// all work per process id.
	GetForUpdate(ctx Context, id string) (ProcessInstance, error)
	Update(ctx Context, inst ProcessInstance) error
	// AppendLog assigns the next sequence for the process and inserts the
	// entry. Callers hold the instance row lock, so sequences never race.
	AppendLog(ctx Context, entry ProcessLogEntry) error
	ListLog(ctx Context, processID string) ([]ProcessLogEntry, error)
	// ListStaleRunning returns RUNNING instances untouched since cutoff,
	// oldest first. Used by the watchdog.
	ListStaleRunning(ctx Context, cutoff time.Time, limit int) ([]ProcessInstance, error)
}

// CommandQueue sends command and reply envelopes to a named destination.
// Key selects the partition, so envelopes sharing a key keep their order.
type CommandQueue interface {
	Send(ctx Context, destination, key string, payload []byte, headers map[string]string) error
}

// EventPublisher publishes opaque domain events. Key selects the partition.
type EventPublisher interface {
	Publish(ctx Context, topic, key string, payload []byte, headers map[string]string) error
}

// InboundMessage is one delivered record handed to a listener.
type InboundMessage struct {
	Destination string
	Key         string
	Payload     []byte
	Headers     map[string]string
}

// MessageListener consumes one delivered message. Returning an error leaves
// the record to broker redelivery.
type MessageListener func(ctx Context, msg InboundMessage) error

// CommandSubmission is the intake request handed to the command bus.
type CommandSubmission struct {
	Name           string
	IdempotencyKey string
	BusinessKey    string
	CorrelationID  string
	Payload        json.RawMessage
	Headers        map[string]string
}

// CommandBus accepts a submission and stages its envelope through the
// outbox. When the context already carries a transaction the write joins
// it, which is how process steps stay atomic with instance updates.
type CommandBus interface {
	Submit(ctx Context, sub CommandSubmission) (string, error)
}

// ProcessManager starts saga runs and consumes their step replies.
type ProcessManager interface {
	StartProcess(ctx Context, processType, businessKey string, initialData map[string]any) (string, error)
	HandleReply(ctx Context, processID string, reply ReplyEnvelope) error
}

// HandlerRequest is what a registered handler receives: the command row
// identity, the raw payload, and a collector for domain events that will be
// staged in the handler's transaction.
type HandlerRequest struct {
	CommandID   string
	Name        string
	BusinessKey string
	Payload     json.RawMessage
	Headers     map[string]string
	Events      *EventCollector
}

// HandlerFunc executes one command. The returned map becomes the reply data;
// nil means an empty map. Errors are classified with IsRetryable unless the
// handler registered its own classifier.
type HandlerFunc func(ctx Context, req HandlerRequest) (map[string]any, error)

// DomainEvent is one event a handler emitted during execution.
type DomainEvent struct {
	Type    string
	Key     string
	Payload any
}

// EventCollector gathers events inside a handler invocation. The executor
// stages every collected event in the same transaction as the command's
// state change, so events of rolled-back handlers are discarded with it.
type EventCollector struct {
	events []DomainEvent
}

// Emit records one event for staging at commit.
func (c *EventCollector) Emit(eventType, key string, payload any) {
	c.events = append(c.events, DomainEvent{Type: eventType, Key: key, Payload: payload})
}

// Events returns the collected events in emit order.
func (c *EventCollector) Events() []DomainEvent {
	return c.events
}
