// Package encoding provides the wire codecs for mutation records.
// ALL record serialization MUST go through this package to ensure
// consistent behavior between the forwarder and the applier.
//
// Type Preservation: records decode their row images into map[string]any.
// Integer column values must come back as int64, not float64, because the
// applier binds them as SQL parameters against typed columns. Each codec
// is responsible for preserving numeric fidelity on its own wire format.
package encoding

import (
	"fmt"
	"sync"

	"github.com/rowcast/rowcast/cdc"
)

// Codec serializes mutation records for the distributed log.
type Codec interface {
	// Name returns the registered codec name.
	Name() string
	// Encode converts a record to bytes for publishing.
	Encode(rec cdc.MutationRecord) ([]byte, error)
	// Decode parses bytes from the log back into a record.
	Decode(data []byte) (cdc.MutationRecord, error)
}

// CodecFactory creates a codec instance.
type CodecFactory func() Codec

var (
	codecFactories = make(map[string]CodecFactory)
	factoryMu      sync.RWMutex
)

// Register registers a codec factory for a name. Codecs register
// themselves in init; the name is what configuration refers to.
func Register(name string, factory CodecFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	codecFactories[name] = factory
}

// New creates the codec registered under name.
func New(name string) (Codec, error) {
	factoryMu.RLock()
	factory, exists := codecFactories[name]
	factoryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown codec: %s", name)
	}
	return factory(), nil
}

// normalizeFields rewrites decoded row-image values into the canonical
// in-memory forms the applier expects. Integers become int64, unsigned
// values that fit become int64, and anything else passes through.
func normalizeFields(fields map[string]any) map[string]any {
	for col, val := range fields {
		fields[col] = normalizeValue(val)
	}
	return fields
}

func normalizeValue(val any) any {
	switch v := val.(type) {
	case int:
		return int64(v)
	case int8:
		return int64(v)
	case int16:
		return int64(v)
	case int32:
		return int64(v)
	case uint:
		return int64(v)
	case uint8:
		return int64(v)
	case uint16:
		return int64(v)
	case uint32:
		return int64(v)
	case uint64:
		if v <= 1<<63-1 {
			return int64(v)
		}
		return float64(v)
	case float32:
		return float64(v)
	default:
		return val
	}
}
