package cdc

import (
	"fmt"
	"strconv"
	"time"
)

// Operation identifies the kind of source mutation a record captured.
type Operation string

// Operation values as stored in the change log and carried on the wire.
const (
	OpInsert Operation = "INSERT"
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"
)

// Valid reports whether op is one of the three known operations.
func (op Operation) Valid() bool {
	switch op {
	case OpInsert, OpUpdate, OpDelete:
		return true
	}
	return false
}

// MutationRecord is one captured mutation of the watched table.
// Fields holds the NEW row image for INSERT and UPDATE and the OLD row
// image for DELETE, keyed by column name.
type MutationRecord struct {
	LogSeq     int64          `json:"log_seq" msgpack:"seq"`
	EntityID   int64          `json:"entity_id" msgpack:"eid"`
	Op         Operation      `json:"op" msgpack:"op"`
	Fields     map[string]any `json:"fields" msgpack:"fields"`
	CapturedAt time.Time      `json:"captured_at" msgpack:"ts"`
}

// PartitionKey returns the routing key for the distributed log. All
// records of one entity share a key so they land on one partition.
func (r MutationRecord) PartitionKey() string {
	return strconv.FormatInt(r.EntityID, 10)
}

// Validate checks the structural invariants every record must satisfy
// before it is published or applied. A failing record is not retryable;
// callers halt and surface the error to the operator.
func (r MutationRecord) Validate() error {
	if !r.Op.Valid() {
		return fmt.Errorf("record seq %d: unknown operation %q", r.LogSeq, string(r.Op))
	}
	if r.LogSeq < 1 {
		return fmt.Errorf("record seq %d: log sequence must be positive", r.LogSeq)
	}
	if r.Fields == nil {
		return fmt.Errorf("record seq %d: %s carries no row image", r.LogSeq, r.Op)
	}
	return nil
}
