package encoding

import (
	"bytes"
	"encoding/json"

	"github.com/rowcast/rowcast/cdc"
)

func init() {
	Register("json", func() Codec { return jsonCodec{} })
}

// jsonCodec is the default wire format: human-readable and directly
// inspectable with console consumers.
type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Encode(rec cdc.MutationRecord) ([]byte, error) {
	return json.Marshal(rec)
}

// Decode parses with json.Number so integer column values survive as
// int64. Plain json.Unmarshal would hand every number back as float64
// and large entity keys would lose precision before reaching the
// destination database.
func (jsonCodec) Decode(data []byte) (cdc.MutationRecord, error) {
	var rec cdc.MutationRecord
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&rec); err != nil {
		return cdc.MutationRecord{}, err
	}
	for col, val := range rec.Fields {
		if num, ok := val.(json.Number); ok {
			rec.Fields[col] = coerceNumber(num)
		}
	}
	return rec, nil
}

func coerceNumber(num json.Number) any {
	if i, err := num.Int64(); err == nil {
		return i
	}
	if f, err := num.Float64(); err == nil {
		return f
	}
	return num.String()
}

// DecodeFields parses a JSON object of column values, preserving integer
// fidelity the same way the json codec does. The change log store uses
// it to decode captured row images.
func DecodeFields(data []byte) (map[string]any, error) {
	var fields map[string]any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&fields); err != nil {
		return nil, err
	}
	for col, val := range fields {
		if num, ok := val.(json.Number); ok {
			fields[col] = coerceNumber(num)
		}
	}
	return fields, nil
}
