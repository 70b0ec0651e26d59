package redpanda

import (
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"

	"github.com/fairyhunter13/command-platform/internal/domain"
)

// EnsureTopics creates the given topics through the admin API, tolerating
// ones that already exist. Error code 36 is TOPIC_ALREADY_EXISTS.
func EnsureTopics(ctx domain.Context, client *kgo.Client, partitions int32, replicationFactor int16, topics ...string) error {
	if len(topics) == 0 {
		return nil
	}
	if partitions <= 0 || replicationFactor <= 0 {
		return fmt.Errorf("op=queue.ensure_topics: invalid partitions or replication factor")
	}

	req := kmsg.NewCreateTopicsRequest()
	req.TimeoutMillis = 30_000
	for _, topic := range topics {
		if topic == "" {
			return fmt.Errorf("op=queue.ensure_topics: empty topic name")
		}
		t := kmsg.NewCreateTopicsRequestTopic()
		t.Topic = topic
		t.NumPartitions = partitions
		t.ReplicationFactor = replicationFactor
		req.Topics = append(req.Topics, t)
	}

	resp, err := client.Request(ctx, &req)
	if err != nil {
		return fmt.Errorf("op=queue.ensure_topics: %w", err)
	}
	createResp, ok := resp.(*kmsg.CreateTopicsResponse)
	if !ok {
		return fmt.Errorf("op=queue.ensure_topics: unexpected response type %T", resp)
	}

	for _, t := range createResp.Topics {
		switch {
		case t.ErrorCode == 0:
			slog.Info("topic created", slog.String("topic", t.Topic), slog.Int("partitions", int(partitions)))
		case t.ErrorCode == 36:
			slog.Debug("topic already exists", slog.String("topic", t.Topic))
		default:
			msg := ""
			if t.ErrorMessage != nil {
				msg = *t.ErrorMessage
			}
			return fmt.Errorf("op=queue.ensure_topics: topic %s: %s (code %d)", t.Topic, msg, t.ErrorCode)
		}
	}
	return nil
}
