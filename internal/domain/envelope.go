package domain

import (
	"encoding/json"
	"fmt"
)

// Header keys carried on every queue message as a flat string map.
const (
	HeaderMessageID      = "messageId"
	HeaderIdempotencyKey = "idempotencyKey"
	HeaderBusinessKey    = "businessKey"
	HeaderCorrelationID  = "correlationId"
	HeaderParallelBranch = "parallelBranch"
	HeaderReplyTo        = "replyTo"
	HeaderProcessStep    = "processStep"
)

// CommandEnvelope is the wire form of a command. Payload is the raw JSON the
// client submitted, kept as a string so the platform never re-encodes it.
type CommandEnvelope struct {
	CommandID     string `json:"commandId"`
	CorrelationID string `json:"correlationId,omitempty"`
	CommandType   string `json:"commandType"`
	Payload       string `json:"payload"`
}

// ReplyStatus is the terminal outcome carried on a reply envelope.
type ReplyStatus string

const (
	ReplyCompleted ReplyStatus = "COMPLETED"
	ReplyFailed    ReplyStatus = "FAILED"
	ReplyTimedOut  ReplyStatus = "TIMED_OUT"
)

// ReplyEnvelope is the wire form of a command result, published on the reply
// destination. IsSuccess holds exactly when Status is COMPLETED.
type ReplyEnvelope struct {
	CommandID     string         `json:"commandId"`
	CorrelationID string         `json:"correlationId,omitempty"`
	Status        ReplyStatus    `json:"status"`
	Data          map[string]any `json:"data"`
	Error         string         `json:"error,omitempty"`
}

// IsSuccess reports whether the reply carries a completed result.
func (r ReplyEnvelope) IsSuccess() bool { return r.Status == ReplyCompleted }

// EncodeCommand serializes a command envelope to its UTF-8 JSON wire form.
func EncodeCommand(env CommandEnvelope) ([]byte, error) {
	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("op=envelope.encode_command: %w", err)
	}
	return b, nil
}

// DecodeCommand parses a command envelope. A missing commandId or commandType
// makes the message undecodable rather than silently half-formed.
func DecodeCommand(b []byte) (CommandEnvelope, error) {
	var env CommandEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return CommandEnvelope{}, fmt.Errorf("op=envelope.decode_command: %w", err)
	}
	if env.CommandID == "" || env.CommandType == "" {
		return CommandEnvelope{}, fmt.Errorf("op=envelope.decode_command: missing commandId or commandType: %w", ErrInvalidArgument)
	}
	return env, nil
}

// EncodeReply serializes a reply envelope. A nil data map encodes as {} so
// consumers can index into data without nil checks.
func EncodeReply(env ReplyEnvelope) ([]byte, error) {
	if env.Data == nil {
		env.Data = map[string]any{}
	}
	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("op=envelope.encode_reply: %w", err)
	}
	return b, nil
}

// DecodeReply parses a reply envelope.
func DecodeReply(b []byte) (ReplyEnvelope, error) {
	var env ReplyEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return ReplyEnvelope{}, fmt.Errorf("op=envelope.decode_reply: %w", err)
	}
	if env.CommandID == "" || env.Status == "" {
		return ReplyEnvelope{}, fmt.Errorf("op=envelope.decode_reply: missing commandId or status: %w", ErrInvalidArgument)
	}
	if env.Data == nil {
		env.Data = map[string]any{}
	}
	return env, nil
}
