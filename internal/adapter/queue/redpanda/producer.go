// Package redpanda is the Redpanda/Kafka transport. The producer publishes
// outbox rows the relay claimed; the consumer feeds delivered records to
// registered listeners. Delivery is at-least-once on both sides, the
// database inbox and outbox supply the effectively-once guarantees.
package redpanda

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/command-platform/internal/domain"
)

// Producer wraps a franz-go client and implements domain.CommandQueue and
// domain.EventPublisher. Produces are synchronous: Send returns only after
// the broker acknowledged the record, which is what lets the relay mark a
// row published afterwards.
type Producer struct {
	client *kgo.Client
}

// NewProducer constructs a Producer. The client connects lazily; call
// WaitReady to block until the brokers answer.
func NewProducer(brokers []string, clientID string) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=queue.new_producer: no seed brokers provided")
	}
	if clientID == "" {
		clientID = "command-platform-producer"
	}

	kotelService := kotel.NewKotel(kotel.WithTracer(kotel.NewTracer(
		kotel.TracerProvider(otel.GetTracerProvider()),
	)))

	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.ClientID(clientID),
		kgo.RequestRetries(10),
		kgo.ProducerBatchMaxBytes(1_000_000),
		kgo.WithHooks(kotelService.Hooks()...),
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("op=queue.new_producer: %w", err)
	}
	slog.Info("queue producer created", slog.Any("brokers", brokers), slog.String("client_id", clientID))
	return &Producer{client: client}, nil
}

// WaitReady pings the brokers with exponential backoff until one answers or
// the context ends.
func (p *Producer) WaitReady(ctx domain.Context) error {
	return pingWithBackoff(ctx, p.client)
}

// Ping checks broker reachability once. Readiness probes use it.
func (p *Producer) Ping(ctx domain.Context) error {
	return p.client.Ping(ctx)
}

// Send publishes one command or reply record and waits for the broker ack.
func (p *Producer) Send(ctx domain.Context, destination, key string, payload []byte, headers map[string]string) error {
	return p.produce(ctx, destination, key, payload, headers)
}

// Publish publishes one domain event record and waits for the broker ack.
func (p *Producer) Publish(ctx domain.Context, topic, key string, payload []byte, headers map[string]string) error {
	return p.produce(ctx, topic, key, payload, headers)
}

func (p *Producer) produce(ctx domain.Context, topic, key string, payload []byte, headers map[string]string) error {
	if topic == "" {
		return fmt.Errorf("op=queue.produce: empty topic: %w", domain.ErrInvalidArgument)
	}
	rec := buildRecord(topic, key, payload, headers)
	if err := p.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("op=queue.produce: topic %s: %w", topic, err)
	}
	return nil
}

// Close flushes buffered records and releases the client.
func (p *Producer) Close() error {
	if p.client != nil {
		p.client.Close()
	}
	return nil
}

func buildRecord(topic, key string, payload []byte, headers map[string]string) *kgo.Record {
	return &kgo.Record{
		Topic:   topic,
		Key:     []byte(key),
		Value:   payload,
		Headers: toRecordHeaders(headers),
	}
}

func toRecordHeaders(headers map[string]string) []kgo.RecordHeader {
	if len(headers) == 0 {
		return nil
	}
	out := make([]kgo.RecordHeader, 0, len(headers))
	for k, v := range headers {
		out = append(out, kgo.RecordHeader{Key: k, Value: []byte(v)})
	}
	return out
}

func fromRecordHeaders(headers []kgo.RecordHeader) map[string]string {
	if len(headers) == 0 {
		return map[string]string{}
	}
	out := make(map[string]string, len(headers))
	for _, h := range headers {
		out[h.Key] = string(h.Value)
	}
	return out
}

func pingWithBackoff(ctx domain.Context, client *kgo.Client) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 10 * time.Second
	bo.MaxElapsedTime = 0

	attempt := 0
	op := func() error {
		attempt++
		if err := client.Ping(ctx); err != nil {
			slog.Warn("broker not reachable yet", slog.Int("attempt", attempt), slog.Any("error", err))
			return err
		}
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return fmt.Errorf("op=queue.wait_ready: %w", err)
	}
	return nil
}
