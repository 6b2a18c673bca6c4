package cdc

import (
	"testing"
	"time"
)

func TestOperationValid(t *testing.T) {
	for _, op := range []Operation{OpInsert, OpUpdate, OpDelete} {
		if !op.Valid() {
			t.Errorf("expected %q to be valid", op)
		}
	}
	for _, op := range []Operation{"", "TRUNCATE", "insert", "UPSERT"} {
		if op.Valid() {
			t.Errorf("expected %q to be invalid", op)
		}
	}
}

func TestPartitionKeyStableForEntity(t *testing.T) {
	a := MutationRecord{LogSeq: 1, EntityID: 101, Op: OpInsert, Fields: map[string]any{}}
	b := MutationRecord{LogSeq: 9, EntityID: 101, Op: OpDelete, Fields: map[string]any{}}
	if a.PartitionKey() != b.PartitionKey() {
		t.Errorf("keys differ for same entity: %q vs %q", a.PartitionKey(), b.PartitionKey())
	}
	if a.PartitionKey() != "101" {
		t.Errorf("expected key 101, got %q", a.PartitionKey())
	}
}

func TestValidate(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name    string
		rec     MutationRecord
		wantErr bool
	}{
		{
			name: "valid insert",
			rec:  MutationRecord{LogSeq: 1, EntityID: 101, Op: OpInsert, Fields: map[string]any{"emp_id": int64(101)}, CapturedAt: now},
		},
		{
			name: "valid delete with old image",
			rec:  MutationRecord{LogSeq: 3, EntityID: 101, Op: OpDelete, Fields: map[string]any{"emp_id": int64(101)}, CapturedAt: now},
		},
		{
			name:    "unknown operation",
			rec:     MutationRecord{LogSeq: 2, EntityID: 101, Op: "MERGE", Fields: map[string]any{}},
			wantErr: true,
		},
		{
			name:    "zero sequence",
			rec:     MutationRecord{LogSeq: 0, EntityID: 101, Op: OpInsert, Fields: map[string]any{}},
			wantErr: true,
		},
		{
			name:    "nil fields",
			rec:     MutationRecord{LogSeq: 4, EntityID: 101, Op: OpUpdate},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.rec.Validate()
			if tt.wantErr && err == nil {
				t.Error("expected error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}
