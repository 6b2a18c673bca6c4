package stream

import (
	"context"
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/segmentio/kafka-go"
)

const (
	DefaultKafkaBatchSize  = 100
	DefaultKafkaBatchBytes = 1 << 20 // 1MB
)

func init() {
	RegisterSink("kafka", func(opts Options) (Sink, error) {
		return NewKafkaSink(opts)
	})
	RegisterSource("kafka", func(opts Options) (Source, error) {
		return NewKafkaSource(opts)
	})
	RegisterProvisioner("kafka", EnsureKafkaTopic)
}

// hashBalancer routes messages by xxhash64 of the key, modulo the
// partition count. The same entity key always maps to the same
// partition, which is what preserves per-entity ordering end to end.
type hashBalancer struct{}

func (hashBalancer) Balance(msg kafka.Message, partitions ...int) int {
	if len(partitions) == 0 {
		return 0
	}
	idx := xxhash.Sum64(msg.Key) % uint64(len(partitions))
	return partitions[idx]
}

// KafkaSink publishes records to a Kafka topic
type KafkaSink struct {
	writer *kafka.Writer
}

// NewKafkaSink creates a sink writing to the configured topic. Writes
// are synchronous and wait for acknowledgment from all in-sync replicas
// so a returned nil really means the record is durable.
func NewKafkaSink(opts Options) (*KafkaSink, error) {
	if len(opts.Brokers) == 0 {
		return nil, fmt.Errorf("kafka sink requires at least one broker address")
	}
	if opts.Topic == "" {
		return nil, fmt.Errorf("kafka sink requires a topic")
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(opts.Brokers...),
		Topic:        opts.Topic,
		Balancer:     hashBalancer{},
		BatchSize:    DefaultKafkaBatchSize,
		BatchBytes:   DefaultKafkaBatchBytes,
		RequiredAcks: kafka.RequireAll,
		Async:        false, // Sync writes for durability
	}

	return &KafkaSink{writer: writer}, nil
}

// Publish sends a message to the topic keyed for partition routing
func (k *KafkaSink) Publish(ctx context.Context, key string, value []byte) error {
	msg := kafka.Message{
		Key:   []byte(key),
		Value: value,
	}
	return k.writer.WriteMessages(ctx, msg)
}

// Close releases resources held by the KafkaSink
func (k *KafkaSink) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

// KafkaSource consumes a topic through a consumer group. Offsets move
// only on explicit Commit, so an applier crash between write and commit
// replays the message.
type KafkaSource struct {
	reader *kafka.Reader
}

// NewKafkaSource creates a consumer-group reader over the topic
func NewKafkaSource(opts Options) (*KafkaSource, error) {
	if len(opts.Brokers) == 0 {
		return nil, fmt.Errorf("kafka source requires at least one broker address")
	}
	if opts.Topic == "" {
		return nil, fmt.Errorf("kafka source requires a topic")
	}
	if opts.Group == "" {
		return nil, fmt.Errorf("kafka source requires a consumer group")
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     opts.Brokers,
		Topic:       opts.Topic,
		GroupID:     opts.Group,
		StartOffset: kafka.FirstOffset, // New groups read from the beginning
	})

	return &KafkaSource{reader: reader}, nil
}

// Fetch blocks until the next message without committing its offset
func (k *KafkaSource) Fetch(ctx context.Context) (Message, error) {
	msg, err := k.reader.FetchMessage(ctx)
	if err != nil {
		return Message{}, err
	}
	return Message{
		Key:       msg.Key,
		Value:     msg.Value,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		raw:       msg,
	}, nil
}

// Commit marks the message consumed for the group
func (k *KafkaSource) Commit(ctx context.Context, msg Message) error {
	raw, ok := msg.raw.(kafka.Message)
	if !ok {
		return fmt.Errorf("message does not belong to this source")
	}
	return k.reader.CommitMessages(ctx, raw)
}

// Close releases resources held by the KafkaSource
func (k *KafkaSource) Close() error {
	return k.reader.Close()
}

// EnsureKafkaTopic creates the topic with the configured partition
// count when it does not exist yet. An existing topic is left untouched.
func EnsureKafkaTopic(ctx context.Context, opts Options) error {
	if len(opts.Brokers) == 0 {
		return fmt.Errorf("kafka provisioning requires at least one broker address")
	}
	replication := opts.ReplicationFactor
	if replication < 1 {
		replication = 1
	}

	client := &kafka.Client{Addr: kafka.TCP(opts.Brokers...)}
	resp, err := client.CreateTopics(ctx, &kafka.CreateTopicsRequest{
		Topics: []kafka.TopicConfig{{
			Topic:             opts.Topic,
			NumPartitions:     opts.Partitions,
			ReplicationFactor: replication,
		}},
	})
	if err != nil {
		return fmt.Errorf("failed to create topic %s: %w", opts.Topic, err)
	}
	if topicErr := resp.Errors[opts.Topic]; topicErr != nil && !errors.Is(topicErr, kafka.TopicAlreadyExists) {
		return fmt.Errorf("failed to create topic %s: %w", opts.Topic, topicErr)
	}
	return nil
}
