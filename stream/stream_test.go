package stream

import (
	"context"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
)

// Compile-time interface verification
var (
	_ Sink   = (*KafkaSink)(nil)
	_ Sink   = (*NatsSink)(nil)
	_ Sink   = (*MockSink)(nil)
	_ Source = (*KafkaSource)(nil)
	_ Source = (*NatsSource)(nil)
	_ Source = (*MockSource)(nil)
)

func TestHashBalancer_StableRouting(t *testing.T) {
	balancer := hashBalancer{}
	partitions := []int{0, 1, 2}

	msg := kafka.Message{Key: []byte("101")}
	first := balancer.Balance(msg, partitions...)
	for i := 0; i < 50; i++ {
		if got := balancer.Balance(msg, partitions...); got != first {
			t.Fatalf("key 101 routed to partition %d after %d, routing must be stable", got, first)
		}
	}
}

func TestHashBalancer_UsesAllPartitions(t *testing.T) {
	balancer := hashBalancer{}
	partitions := []int{0, 1, 2}

	seen := make(map[int]bool)
	for i := 0; i < 1000; i++ {
		msg := kafka.Message{Key: []byte{byte(i), byte(i >> 8)}}
		p := balancer.Balance(msg, partitions...)
		if p < 0 || p > 2 {
			t.Fatalf("balanced to partition %d, outside [0,2]", p)
		}
		seen[p] = true
	}
	if len(seen) != 3 {
		t.Errorf("expected all 3 partitions used, got %v", seen)
	}
}

func TestHashBalancer_NoPartitions(t *testing.T) {
	balancer := hashBalancer{}
	if got := balancer.Balance(kafka.Message{Key: []byte("x")}); got != 0 {
		t.Errorf("expected partition 0 with no partitions, got %d", got)
	}
}

func TestNewKafkaSink_Validation(t *testing.T) {
	if _, err := NewKafkaSink(Options{Topic: "t"}); err == nil {
		t.Error("expected error without brokers")
	}
	if _, err := NewKafkaSink(Options{Brokers: []string{"localhost:9092"}}); err == nil {
		t.Error("expected error without topic")
	}

	sink, err := NewKafkaSink(Options{Brokers: []string{"localhost:9092"}, Topic: "employee_cdc"})
	if err != nil {
		t.Fatalf("unexpected error creating sink: %v", err)
	}
	defer sink.Close()

	if sink.writer.RequiredAcks != kafka.RequireAll {
		t.Errorf("expected RequireAll acks, got %v", sink.writer.RequiredAcks)
	}
	if sink.writer.Async {
		t.Error("expected Async to be false for durability")
	}
	if sink.writer.Topic != "employee_cdc" {
		t.Errorf("expected topic employee_cdc, got %s", sink.writer.Topic)
	}
}

func TestNewKafkaSource_Validation(t *testing.T) {
	if _, err := NewKafkaSource(Options{Brokers: []string{"b:9092"}, Topic: "t"}); err == nil {
		t.Error("expected error without consumer group")
	}
	if _, err := NewKafkaSource(Options{Topic: "t", Group: "g"}); err == nil {
		t.Error("expected error without brokers")
	}
}

func TestRegistry_UnknownType(t *testing.T) {
	if _, err := NewSink("pulsar", Options{}); err == nil {
		t.Error("expected error for unknown sink type")
	}
	if _, err := NewSource("pulsar", Options{}); err == nil {
		t.Error("expected error for unknown source type")
	}
	if err := EnsureTopic(context.Background(), "pulsar", Options{}); err == nil {
		t.Error("expected error for unknown provisioner type")
	}
}

func TestRegistry_MockRegistered(t *testing.T) {
	sink, err := NewSink("mock", Options{})
	if err != nil {
		t.Fatalf("NewSink(mock) failed: %v", err)
	}
	sink.Close()

	source, err := NewSource("mock", Options{Partitions: 3})
	if err != nil {
		t.Fatalf("NewSource(mock) failed: %v", err)
	}
	source.Close()

	if err := EnsureTopic(context.Background(), "mock", Options{}); err != nil {
		t.Errorf("EnsureTopic(mock) failed: %v", err)
	}
}

func TestMockSink_FailureInjection(t *testing.T) {
	sink := &MockSink{}
	sink.FailNext(2)

	ctx := context.Background()
	if err := sink.Publish(ctx, "101", []byte("a")); err == nil {
		t.Error("expected first publish to fail")
	}
	if err := sink.Publish(ctx, "101", []byte("a")); err == nil {
		t.Error("expected second publish to fail")
	}
	if err := sink.Publish(ctx, "101", []byte("a")); err != nil {
		t.Errorf("expected third publish to succeed, got %v", err)
	}
	if sink.Count() != 1 {
		t.Errorf("expected 1 recorded message, got %d", sink.Count())
	}
}

func TestMockSource_OrderAndRouting(t *testing.T) {
	source := NewMockSource(3)
	ctx := context.Background()

	source.Push("101", []byte("a"))
	source.Push("101", []byte("b"))
	source.Push("202", []byte("c"))

	first, err := source.Fetch(ctx)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	second, _ := source.Fetch(ctx)
	third, _ := source.Fetch(ctx)

	if string(first.Value) != "a" || string(second.Value) != "b" {
		t.Errorf("messages out of push order: %q then %q", first.Value, second.Value)
	}
	if first.Partition != second.Partition {
		t.Errorf("same key landed on partitions %d and %d", first.Partition, second.Partition)
	}
	if second.Offset != first.Offset+1 {
		t.Errorf("offsets not sequential per partition: %d then %d", first.Offset, second.Offset)
	}

	if err := source.Commit(ctx, first); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if source.CommittedCount() != 1 {
		t.Errorf("expected 1 committed, got %d", source.CommittedCount())
	}
	_ = third
}

func TestMockSource_FetchHonorsContext(t *testing.T) {
	source := NewMockSource(1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := source.Fetch(ctx)
	if err == nil {
		t.Fatal("expected context error from empty source")
	}
	if time.Since(start) > time.Second {
		t.Error("Fetch did not return promptly after context end")
	}
}

func TestSanitizeStreamName(t *testing.T) {
	if got := sanitizeStreamName("employee_cdc"); got != "employee_cdc" {
		t.Errorf("sanitizeStreamName = %q, want employee_cdc", got)
	}
	if got := sanitizeStreamName("cdc.employees.v1"); got != "cdc_employees_v1" {
		t.Errorf("sanitizeStreamName = %q, want cdc_employees_v1", got)
	}
}
