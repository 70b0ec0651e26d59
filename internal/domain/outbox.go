package domain

import "time"

// OutboxCategory routes a staged row to its transport: command rows go to the
// command queue, reply and event rows to their destinations on the event side.
type OutboxCategory string

const (
	OutboxCommand OutboxCategory = "command"
	OutboxReply   OutboxCategory = "reply"
	OutboxEvent   OutboxCategory = "event"
)

// OutboxStatus is the dispatch state of a staged row.
type OutboxStatus string

const (
	OutboxNew       OutboxStatus = "NEW"
	OutboxSending   OutboxStatus = "SENDING"
	OutboxPublished OutboxStatus = "PUBLISHED"
)

// OutboxRow is one staged message. It is inserted in the same transaction as
// the state change that caused it and only ever leaves through the relay.
// A row is visible to claim iff status=NEW and nextAt is unset or due.
type OutboxRow struct {
	ID        int64
	Category  OutboxCategory
	Topic     string
	Key       string
	Type      string
	Payload   []byte
	Headers   map[string]string
	Status    OutboxStatus
	Attempts  int
	NextAt    *time.Time
	ClaimedBy string
	ClaimedAt *time.Time
	CreatedAt time.Time
}

// OutboxStats is the operator view of the staging table.
type OutboxStats struct {
	New          int64
	Sending      int64
	Published    int64
	OldestNewAge time.Duration
}
