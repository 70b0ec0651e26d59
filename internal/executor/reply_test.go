package executor_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/command-platform/internal/domain"
	"github.com/fairyhunter13/command-platform/internal/executor"
)

// fakeManager records routed replies.
type fakeManager struct {
	replies []domain.ReplyEnvelope
	ids     []string
	err     error
}

func (f *fakeManager) StartProcess(ctx domain.Context, processType, businessKey string, initialData map[string]any) (string, error) {
	return "", errors.New("not used")
}

func (f *fakeManager) HandleReply(ctx domain.Context, processID string, reply domain.ReplyEnvelope) error {
	if f.err != nil {
		return f.err
	}
	f.ids = append(f.ids, processID)
	f.replies = append(f.replies, reply)
	return nil
}

func replyMessage(t *testing.T, env domain.ReplyEnvelope, messageID string) domain.InboundMessage {
	t.Helper()
	payload, err := domain.EncodeReply(env)
	require.NoError(t, err)
	return domain.InboundMessage{
		Destination: "APP.CMD.REPLY.Q",
		Payload:     payload,
		Headers:     map[string]string{domain.HeaderMessageID: messageID},
	}
}

func Test_ReplyListener_RoutesCorrelatedReplies(t *testing.T) {
	t.Parallel()
	mgr := &fakeManager{}
	listener := executor.NewReplyListener(&stubTx{}, newMemInbox(), mgr)

	msg := replyMessage(t, domain.ReplyEnvelope{
		CommandID:     "cmd-1",
		CorrelationID: "proc-9",
		Status:        domain.ReplyCompleted,
		Data:          map[string]any{"ok": true},
	}, "msg-r1")
	require.NoError(t, listener(context.Background(), msg))

	require.Len(t, mgr.replies, 1)
	assert.Equal(t, "proc-9", mgr.ids[0])
	assert.Equal(t, domain.ReplyCompleted, mgr.replies[0].Status)
}

func Test_ReplyListener_SkipsRootCommandReplies(t *testing.T) {
	t.Parallel()
	mgr := &fakeManager{}
	listener := executor.NewReplyListener(&stubTx{}, newMemInbox(), mgr)

	msg := replyMessage(t, domain.ReplyEnvelope{
		CommandID: "cmd-2",
		Status:    domain.ReplyCompleted,
	}, "msg-r2")
	require.NoError(t, listener(context.Background(), msg))
	assert.Empty(t, mgr.replies)
}

func Test_ReplyListener_DeduplicatesByMessageID(t *testing.T) {
	t.Parallel()
	mgr := &fakeManager{}
	listener := executor.NewReplyListener(&stubTx{}, newMemInbox(), mgr)

	msg := replyMessage(t, domain.ReplyEnvelope{
		CommandID:     "cmd-3",
		CorrelationID: "proc-1",
		Status:        domain.ReplyFailed,
		Error:         "boom",
	}, "msg-r3")
	require.NoError(t, listener(context.Background(), msg))
	require.NoError(t, listener(context.Background(), msg))

	assert.Len(t, mgr.replies, 1, "second delivery is absorbed by the inbox")
}

func Test_ReplyListener_DropsUndecodable(t *testing.T) {
	t.Parallel()
	mgr := &fakeManager{}
	listener := executor.NewReplyListener(&stubTx{}, newMemInbox(), mgr)

	require.NoError(t, listener(context.Background(), domain.InboundMessage{Payload: []byte("???")}))
	assert.Empty(t, mgr.replies)
}

func Test_ReplyListener_ManagerFailureLeavesRedelivery(t *testing.T) {
	t.Parallel()
	mgr := &fakeManager{err: errors.New("db down")}
	listener := executor.NewReplyListener(&stubTx{}, newMemInbox(), mgr)

	msg := replyMessage(t, domain.ReplyEnvelope{
		CommandID:     "cmd-4",
		CorrelationID: "proc-2",
		Status:        domain.ReplyCompleted,
	}, "msg-r4")
	require.Error(t, listener(context.Background(), msg))
}
