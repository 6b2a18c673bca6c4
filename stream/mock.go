package stream

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

func init() {
	RegisterSink("mock", func(Options) (Sink, error) { return &MockSink{}, nil })
	RegisterSource("mock", func(opts Options) (Source, error) { return NewMockSource(opts.Partitions), nil })
	RegisterProvisioner("mock", func(context.Context, Options) error { return nil })
}

// MockMessage represents a published message for testing
type MockMessage struct {
	Key   string
	Value []byte
}

// MockSink is a mock implementation of Sink for testing
type MockSink struct {
	Messages   []MockMessage
	PublishErr error
	mu         sync.Mutex
	failCount  atomic.Int32
}

// FailNext makes the next n publishes fail with a transient error
func (m *MockSink) FailNext(n int) {
	m.failCount.Store(int32(n))
}

// Publish records a message for later inspection in tests
func (m *MockSink) Publish(_ context.Context, key string, value []byte) error {
	if m.failCount.Load() > 0 {
		m.failCount.Add(-1)
		return fmt.Errorf("injected publish failure")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.PublishErr != nil {
		return m.PublishErr
	}

	m.Messages = append(m.Messages, MockMessage{Key: key, Value: value})
	return nil
}

// Close is a no-op for MockSink
func (m *MockSink) Close() error {
	return nil
}

// Reset clears all recorded messages
func (m *MockSink) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Messages = nil
}

// Count returns the number of recorded messages
func (m *MockSink) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Messages)
}

// Published returns a copy of the recorded messages
func (m *MockSink) Published() []MockMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]MockMessage, len(m.Messages))
	copy(result, m.Messages)
	return result
}

// MockSource is a mock implementation of Source for testing. Push feeds
// it messages; Fetch hands them out in push order with the same
// key-to-partition routing the kafka sink uses.
type MockSource struct {
	ch         chan Message
	partitions int

	mu         sync.Mutex
	nextOffset []int64
	Committed  []int64
	CommitErr  error
}

// NewMockSource creates a mock source with the given partition count
func NewMockSource(partitions int) *MockSource {
	if partitions < 1 {
		partitions = 1
	}
	return &MockSource{
		ch:         make(chan Message, 1024),
		partitions: partitions,
		nextOffset: make([]int64, partitions),
	}
}

// Push queues a message for Fetch
func (m *MockSource) Push(key string, value []byte) {
	partition := int(xxhash.Sum64([]byte(key)) % uint64(m.partitions))

	m.mu.Lock()
	offset := m.nextOffset[partition]
	m.nextOffset[partition]++
	m.mu.Unlock()

	m.ch <- Message{
		Key:       []byte(key),
		Value:     value,
		Partition: partition,
		Offset:    offset,
	}
}

// Fetch blocks until a pushed message or ctx end
func (m *MockSource) Fetch(ctx context.Context) (Message, error) {
	select {
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case msg := <-m.ch:
		return msg, nil
	}
}

// Commit records the committed offset for inspection in tests
func (m *MockSource) Commit(_ context.Context, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.CommitErr != nil {
		return m.CommitErr
	}
	m.Committed = append(m.Committed, msg.Offset)
	return nil
}

// CommittedCount returns how many messages have been committed
func (m *MockSource) CommittedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Committed)
}

// Close is a no-op for MockSource
func (m *MockSource) Close() error {
	return nil
}
