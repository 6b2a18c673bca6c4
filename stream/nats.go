package stream

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// natsFetchWait bounds how long a single fetch waits before re-checking
// the caller's context.
const natsFetchWait = time.Second

func init() {
	RegisterSink("nats", func(opts Options) (Sink, error) {
		return NewNatsSink(opts)
	})
	RegisterSource("nats", func(opts Options) (Source, error) {
		return NewNatsSource(opts)
	})
	RegisterProvisioner("nats", EnsureNatsStream)
}

// NatsSink publishes records to a JetStream stream. JetStream keeps the
// whole stream in publish order, so per-entity ordering holds without
// partitioning; the entity key still travels as a header for consumers
// that shard on it.
type NatsSink struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	subject string
}

// NewNatsSink connects to NATS and ensures the stream exists
func NewNatsSink(opts Options) (*NatsSink, error) {
	if opts.NatsURL == "" {
		return nil, fmt.Errorf("nats sink requires a URL")
	}
	if opts.Topic == "" {
		return nil, fmt.Errorf("nats sink requires a topic")
	}

	nc, js, err := connectJetStream(opts.NatsURL)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ensureStream(ctx, js, opts.Topic); err != nil {
		nc.Close()
		return nil, err
	}

	return &NatsSink{nc: nc, js: js, subject: opts.Topic}, nil
}

// Publish sends a message and waits for the JetStream persistence ack
func (n *NatsSink) Publish(ctx context.Context, key string, value []byte) error {
	msg := &nats.Msg{
		Subject: n.subject,
		Data:    value,
		Header:  nats.Header{"key": []string{key}},
	}

	if _, err := n.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", n.subject, err)
	}
	return nil
}

// Close releases resources held by the NatsSink
func (n *NatsSink) Close() error {
	if n.nc != nil {
		n.nc.Close()
	}
	return nil
}

// NatsSource consumes the stream through a durable consumer with
// explicit acks.
type NatsSource struct {
	nc       *nats.Conn
	consumer jetstream.Consumer
}

// NewNatsSource connects to NATS and binds a durable consumer for the group
func NewNatsSource(opts Options) (*NatsSource, error) {
	if opts.NatsURL == "" {
		return nil, fmt.Errorf("nats source requires a URL")
	}
	if opts.Topic == "" {
		return nil, fmt.Errorf("nats source requires a topic")
	}
	if opts.Group == "" {
		return nil, fmt.Errorf("nats source requires a consumer group")
	}

	nc, js, err := connectJetStream(opts.NatsURL)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := ensureStream(ctx, js, opts.Topic); err != nil {
		nc.Close()
		return nil, err
	}

	consumer, err := js.CreateOrUpdateConsumer(ctx, sanitizeStreamName(opts.Topic), jetstream.ConsumerConfig{
		Durable:       sanitizeStreamName(opts.Group),
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		FilterSubject: opts.Topic,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create consumer for %s: %w", opts.Topic, err)
	}

	return &NatsSource{nc: nc, consumer: consumer}, nil
}

// Fetch blocks until the next message or ctx ends
func (n *NatsSource) Fetch(ctx context.Context) (Message, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Message{}, err
		}

		batch, err := n.consumer.Fetch(1, jetstream.FetchMaxWait(natsFetchWait))
		if err != nil {
			return Message{}, fmt.Errorf("failed to fetch message: %w", err)
		}
		for msg := range batch.Messages() {
			var offset int64
			if meta, err := msg.Metadata(); err == nil {
				offset = int64(meta.Sequence.Stream)
			}
			return Message{
				Key:    []byte(msg.Headers().Get("key")),
				Value:  msg.Data(),
				Offset: offset,
				raw:    msg,
			}, nil
		}
		if err := batch.Error(); err != nil {
			return Message{}, fmt.Errorf("failed to fetch message: %w", err)
		}
		// Empty batch - wait again
	}
}

// Commit acknowledges the message to JetStream
func (n *NatsSource) Commit(_ context.Context, msg Message) error {
	raw, ok := msg.raw.(jetstream.Msg)
	if !ok {
		return fmt.Errorf("message does not belong to this source")
	}
	return raw.Ack()
}

// Close releases resources held by the NatsSource
func (n *NatsSource) Close() error {
	if n.nc != nil {
		n.nc.Close()
	}
	return nil
}

// EnsureNatsStream provisions the stream for the topic
func EnsureNatsStream(ctx context.Context, opts Options) error {
	if opts.NatsURL == "" {
		return fmt.Errorf("nats provisioning requires a URL")
	}

	nc, js, err := connectJetStream(opts.NatsURL)
	if err != nil {
		return err
	}
	defer nc.Close()

	return ensureStream(ctx, js, opts.Topic)
}

func connectJetStream(url string) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}
	return nc, js, nil
}

func ensureStream(ctx context.Context, js jetstream.JetStream, subject string) error {
	streamName := sanitizeStreamName(subject)
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      streamName,
		Subjects:  []string{subject},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
	})
	if err != nil {
		return fmt.Errorf("failed to ensure stream %s: %w", streamName, err)
	}
	return nil
}

// sanitizeStreamName converts a subject to a valid JetStream name.
// Stream and durable names can't contain "." so we replace with "_"
func sanitizeStreamName(subject string) string {
	result := make([]byte, len(subject))
	for i, c := range subject {
		if c == '.' {
			result[i] = '_'
		} else {
			result[i] = byte(c)
		}
	}
	return string(result)
}
