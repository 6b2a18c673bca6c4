package encoding

import (
	"bytes"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/rowcast/rowcast/cdc"
)

func init() {
	Register("msgpack", func() Codec { return msgpackCodec{} })
}

// msgpackCodec is the compact binary wire format.
type msgpackCodec struct{}

func (msgpackCodec) Name() string { return "msgpack" }

func (msgpackCodec) Encode(rec cdc.MutationRecord) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	if err := enc.Encode(rec); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode uses loose interface decoding so string column values come back
// as Go strings rather than []byte. The applier compares key values
// against TEXT columns; a []byte key would miss existing rows.
func (msgpackCodec) Decode(data []byte) (cdc.MutationRecord, error) {
	var rec cdc.MutationRecord
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)
	if err := dec.Decode(&rec); err != nil {
		return cdc.MutationRecord{}, err
	}
	rec.Fields = normalizeFields(rec.Fields)
	return rec, nil
}
