package redpanda

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/command-platform/internal/domain"
)

// Consumer runs a consumer group over the destinations its listeners cover.
// Records of one partition are processed in order; partitions run in
// parallel up to maxConcurrency. A record is mark-committed only after its
// listener returned nil, so a crash replays unfinished records and the
// inbox table absorbs the duplicates.
type Consumer struct {
	client *kgo.Client
	group  string
	routes map[string]domain.MessageListener
	topics []string
	sem    chan struct{}
}

// NewConsumer constructs a Consumer subscribed to every destination in
// routes. The client connects lazily; Start performs the first poll.
func NewConsumer(brokers []string, group string, routes map[string]domain.MessageListener, maxConcurrency int) (*Consumer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=queue.new_consumer: no seed brokers provided")
	}
	if group == "" {
		return nil, fmt.Errorf("op=queue.new_consumer: missing consumer group")
	}
	if len(routes) == 0 {
		return nil, fmt.Errorf("op=queue.new_consumer: no destinations to consume")
	}
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}

	topics := make([]string, 0, len(routes))
	for topic := range routes {
		topics = append(topics, topic)
	}
	sort.Strings(topics)

	kotelService := kotel.NewKotel(kotel.WithTracer(kotel.NewTracer(
		kotel.TracerProvider(otel.GetTracerProvider()),
	)))

	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup(group),
		kgo.ConsumeTopics(topics...),
		kgo.FetchIsolationLevel(kgo.ReadCommitted()),
		kgo.WithHooks(kotelService.Hooks()...),

		kgo.DialTimeout(10 * time.Second),
		kgo.SessionTimeout(30 * time.Second),
		kgo.HeartbeatInterval(3 * time.Second),
		kgo.RebalanceTimeout(10 * time.Second),

		kgo.AutoCommitMarks(),
		kgo.AutoCommitInterval(1 * time.Second),
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("op=queue.new_consumer: %w", err)
	}

	slog.Info("queue consumer created",
		slog.String("group", group),
		slog.Any("topics", topics),
		slog.Int("max_concurrency", maxConcurrency))
	return &Consumer{
		client: client,
		group:  group,
		routes: routes,
		topics: topics,
		sem:    make(chan struct{}, maxConcurrency),
	}, nil
}

// WaitReady pings the brokers with exponential backoff until one answers or
// the context ends.
func (c *Consumer) WaitReady(ctx domain.Context) error {
	return pingWithBackoff(ctx, c.client)
}

// Start ensures the subscribed topics exist and polls until the context
// ends. Each poll is drained completely before the next one, so at most one
// batch per partition is ever in flight.
func (c *Consumer) Start(ctx domain.Context) error {
	if err := EnsureTopics(ctx, c.client, 8, 1, c.topics...); err != nil {
		slog.Warn("topic ensure failed, relying on broker auto-create", slog.Any("error", err))
	}

	slog.Info("queue consumer started", slog.String("group", c.group))
	for {
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return ctx.Err()
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			slog.Error("fetch error",
				slog.String("topic", topic),
				slog.Int("partition", int(partition)),
				slog.Any("error", err))
		})

		var wg sync.WaitGroup
		fetches.EachPartition(func(p kgo.FetchTopicPartition) {
			if len(p.Records) == 0 {
				return
			}
			select {
			case c.sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			wg.Add(1)
			go func(records []*kgo.Record) {
				defer wg.Done()
				defer func() { <-c.sem }()
				c.processRecords(ctx, records)
			}(p.Records)
		})
		wg.Wait()
	}
}

// processRecords walks one partition batch in order. A record is marked only
// after its listener succeeded; listener errors are infrastructure failures,
// so the record is retried in place rather than skipped.
func (c *Consumer) processRecords(ctx domain.Context, records []*kgo.Record) {
	for _, rec := range records {
		if ctx.Err() != nil {
			return
		}
		if err := c.dispatchWithRetry(ctx, rec); err != nil {
			return
		}
		c.client.MarkCommitRecords(rec)
	}
}

func (c *Consumer) dispatchWithRetry(ctx domain.Context, rec *kgo.Record) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0

	attempt := 0
	op := func() error {
		attempt++
		err := c.dispatch(ctx, rec)
		if err != nil {
			slog.Error("listener failed, record will be retried",
				slog.String("topic", rec.Topic),
				slog.Int("partition", int(rec.Partition)),
				slog.Int64("offset", rec.Offset),
				slog.Int("attempt", attempt),
				slog.Any("error", err))
		}
		return err
	}
	return backoff.Retry(op, backoff.WithContext(bo, ctx))
}

func (c *Consumer) dispatch(ctx domain.Context, rec *kgo.Record) error {
	listener, ok := c.routes[rec.Topic]
	if !ok || listener == nil {
		slog.Warn("no listener for topic, dropping record", slog.String("topic", rec.Topic))
		return nil
	}
	return listener(ctx, domain.InboundMessage{
		Destination: rec.Topic,
		Key:         string(rec.Key),
		Payload:     rec.Value,
		Headers:     fromRecordHeaders(rec.Headers),
	})
}

// Close releases the client. Pending marks are committed on the way out.
func (c *Consumer) Close() error {
	if c.client != nil {
		c.client.Close()
	}
	return nil
}
