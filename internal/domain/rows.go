package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// NewCommandRow stages a command envelope for the given destination. The
// record key is the business key when present so all commands of one
// aggregate land on one partition, and the command id otherwise. messageID
// is minted by the caller; it is what the consumer side dedupes on, so a
// retry of the same logical dispatch must reuse it and a fresh attempt must
// not.
func NewCommandRow(destination, messageID string, env CommandEnvelope, extra map[string]string) (OutboxRow, error) {
	payload, err := EncodeCommand(env)
	if err != nil {
		return OutboxRow{}, err
	}
	headers := mergeHeaders(extra, messageID)
	key := headers[HeaderBusinessKey]
	if key == "" {
		key = env.CommandID
	}
	return OutboxRow{
		Category: OutboxCommand,
		Topic:    destination,
		Key:      key,
		Type:     env.CommandType,
		Payload:  payload,
		Headers:  headers,
	}, nil
}

// NewReplyRow stages a reply envelope on the reply destination, keyed by the
// correlation id so every reply of one process lands on one partition.
func NewReplyRow(destination, messageID string, env ReplyEnvelope, extra map[string]string) (OutboxRow, error) {
	payload, err := EncodeReply(env)
	if err != nil {
		return OutboxRow{}, err
	}
	key := env.CorrelationID
	if key == "" {
		key = env.CommandID
	}
	return OutboxRow{
		Category: OutboxReply,
		Topic:    destination,
		Key:      key,
		Type:     string(env.Status),
		Payload:  payload,
		Headers:  mergeHeaders(extra, messageID),
	}, nil
}

// NewEventRow stages a domain event. Payload may be any JSON-encodable value.
func NewEventRow(topic, messageID, eventType, key string, payload any) (OutboxRow, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return OutboxRow{}, fmt.Errorf("op=outbox.event_row: %w", err)
	}
	return OutboxRow{
		Category: OutboxEvent,
		Topic:    topic,
		Key:      key,
		Type:     eventType,
		Payload:  b,
		Headers:  mergeHeaders(nil, messageID),
	}, nil
}

// Delayed returns a copy of the row that becomes visible to claim only after
// the delay. Used for scheduled retry dispatches.
func (r OutboxRow) Delayed(delay time.Duration) OutboxRow {
	at := time.Now().UTC().Add(delay)
	r.NextAt = &at
	return r
}

func mergeHeaders(extra map[string]string, messageID string) map[string]string {
	headers := make(map[string]string, len(extra)+1)
	for k, v := range extra {
		headers[k] = v
	}
	headers[HeaderMessageID] = messageID
	return headers
}
