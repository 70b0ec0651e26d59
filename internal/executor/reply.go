package executor

import (
	"fmt"
	"log/slog"

	"github.com/fairyhunter13/command-platform/internal/domain"
)

// replyConsumer names the process manager in the inbox, keeping its dedupe
// rows apart from command handler rows for the same messageId.
const replyConsumer = "process.reply"

// NewReplyListener returns the consumer callback for the reply destination.
// Replies carrying a correlationId belong to a process instance and are
// routed to the manager inside one transaction with their inbox dedupe row;
// replies without one answer root commands and have nothing to orchestrate.
func NewReplyListener(tx domain.TxRunner, inbox domain.InboxStore, manager domain.ProcessManager) domain.MessageListener {
	return func(ctx domain.Context, msg domain.InboundMessage) error {
		reply, err := domain.DecodeReply(msg.Payload)
		if err != nil {
			slog.Warn("dropping undecodable reply message",
				slog.String("destination", msg.Destination),
				slog.Any("error", err))
			return nil
		}
		if reply.CorrelationID == "" {
			return nil
		}
		messageID := msg.Headers[domain.HeaderMessageID]
		if messageID == "" {
			messageID = reply.CommandID + ":" + string(reply.Status)
		}
		err = tx.RunInTx(ctx, func(txCtx domain.Context) error {
			inserted, err := inbox.TryInsert(txCtx, messageID, replyConsumer)
			if err != nil {
				return err
			}
			if !inserted {
				slog.Debug("duplicate reply delivery, acknowledging",
					slog.String("message_id", messageID),
					slog.String("process_id", reply.CorrelationID))
				return nil
			}
			return manager.HandleReply(txCtx, reply.CorrelationID, reply)
		})
		if err != nil {
			return fmt.Errorf("op=executor.route_reply: %w", err)
		}
		return nil
	}
}
