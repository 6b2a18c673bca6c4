// Package stream abstracts the partitioned distributed log between the
// forwarder and the applier. Sinks publish records keyed by entity so
// one entity always lands on one partition; sources hand records out
// with explicit acknowledgment so consumption only advances after the
// destination write.
package stream

import (
	"context"
	"fmt"
	"sync"
)

// Sink publishes records to the distributed log.
type Sink interface {
	// Publish sends one message and returns only after the log has
	// durably acknowledged it. Messages with the same key are routed
	// to the same partition.
	Publish(ctx context.Context, key string, value []byte) error
	// Close releases any resources held by the sink
	Close() error
}

// Message is one consumed log entry together with its ack handle.
type Message struct {
	Key       []byte
	Value     []byte
	Partition int
	Offset    int64

	raw any // Backend ack handle
}

// Source consumes the distributed log in partition order.
type Source interface {
	// Fetch blocks until the next message is available or ctx ends.
	Fetch(ctx context.Context) (Message, error)
	// Commit acknowledges one message as fully applied. Uncommitted
	// messages are redelivered after a restart.
	Commit(ctx context.Context, msg Message) error
	// Close releases any resources held by the source
	Close() error
}

// Options carries the connection settings the factories share.
type Options struct {
	Topic             string
	Partitions        int
	ReplicationFactor int
	Brokers           []string // Kafka
	NatsURL           string   // NATS
	Group             string   // Applier consumer group
}

// SinkFactory creates a sink from stream options
type SinkFactory func(opts Options) (Sink, error)

// SourceFactory creates a source from stream options
type SourceFactory func(opts Options) (Source, error)

// ProvisionFunc creates the topic or stream when absent
type ProvisionFunc func(ctx context.Context, opts Options) error

var (
	sinkFactories   = make(map[string]SinkFactory)
	sourceFactories = make(map[string]SourceFactory)
	provisioners    = make(map[string]ProvisionFunc)
	factoryMu       sync.RWMutex
)

// RegisterSink registers a sink factory for a stream type
func RegisterSink(streamType string, factory SinkFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	sinkFactories[streamType] = factory
}

// RegisterSource registers a source factory for a stream type
func RegisterSource(streamType string, factory SourceFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	sourceFactories[streamType] = factory
}

// RegisterProvisioner registers a topic provisioner for a stream type
func RegisterProvisioner(streamType string, fn ProvisionFunc) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	provisioners[streamType] = fn
}

// NewSink creates a sink for the configured stream type
func NewSink(streamType string, opts Options) (Sink, error) {
	factoryMu.RLock()
	factory, exists := sinkFactories[streamType]
	factoryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown stream type: %s", streamType)
	}
	return factory(opts)
}

// NewSource creates a source for the configured stream type
func NewSource(streamType string, opts Options) (Source, error) {
	factoryMu.RLock()
	factory, exists := sourceFactories[streamType]
	factoryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown stream type: %s", streamType)
	}
	return factory(opts)
}

// EnsureTopic provisions the topic for the configured stream type. It
// never alters an existing topic's partition count.
func EnsureTopic(ctx context.Context, streamType string, opts Options) error {
	factoryMu.RLock()
	fn, exists := provisioners[streamType]
	factoryMu.RUnlock()

	if !exists {
		return fmt.Errorf("unknown stream type: %s", streamType)
	}
	return fn(ctx, opts)
}
