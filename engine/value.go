package engine

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/cespare/xxhash/v2"
	"github.com/vmihailenco/msgpack/v5"
)

// Record is a structured value stored in an object store.
type Record map[string]any

// Clone returns a shallow copy.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Value layout: flags (uvarint), msgpack data, xxhash64 of data (8 bytes, big endian).
const (
	valueFormatVer1 = 1

	vfVer1          = valueFlags(valueFormatVer1)
	vfSupportedMask = vfVer1
	checksumSize    = 8
)

type valueFlags uint64

func encodeMsgPack(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.GetEncoder()
	enc.Reset(&buf)
	enc.SetSortMapKeys(true)
	err := enc.Encode(v)
	msgpack.PutEncoder(enc)
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeMsgPack(data []byte, v any) error {
	var r bytes.Reader
	r.Reset(data)
	dec := msgpack.GetDecoder()
	dec.Reset(&r)
	dec.UseLooseInterfaceDecoding(true)
	err := dec.Decode(v)
	msgpack.PutDecoder(dec)
	return err
}

func encodeRecord(rec Record) ([]byte, error) {
	data, err := encodeMsgPack(map[string]any(rec))
	if err != nil {
		return nil, fmt.Errorf("%w: cannot encode record: %v", ErrDataError, err)
	}
	buf := binary.AppendUvarint(make([]byte, 0, len(data)+binary.MaxVarintLen64+checksumSize), uint64(vfVer1))
	buf = append(buf, data...)
	return binary.BigEndian.AppendUint64(buf, xxhash.Sum64(data)), nil
}

func decodeRecord(raw []byte) (Record, error) {
	v, n := binary.Uvarint(raw)
	if n <= 0 {
		return nil, dataErrf(raw, 0, nil, "invalid value: bad flags")
	}
	if (valueFlags(v) &^ vfSupportedMask) != 0 {
		return nil, dataErrf(raw, 0, nil, "invalid value: unsupported flags %x", v)
	}
	if len(raw) < n+checksumSize {
		return nil, dataErrf(raw, n, nil, "invalid value: truncated")
	}
	data := raw[n : len(raw)-checksumSize]
	sum := binary.BigEndian.Uint64(raw[len(raw)-checksumSize:])
	if xxhash.Sum64(data) != sum {
		return nil, dataErrf(raw, len(raw)-checksumSize, nil, "invalid value: checksum mismatch")
	}

	var rec map[string]any
	if err := decodeMsgPack(data, &rec); err != nil {
		return nil, dataErrf(raw, n, err, "failed to decode msgpack record")
	}
	if rec == nil {
		rec = map[string]any{}
	}
	normalizeInts(rec)
	return Record(rec), nil
}

// normalizeInts turns the uint64 values msgpack yields for compactly encoded
// non-negative ints into int64, so that all integers decode as int64.
func normalizeInts(v any) any {
	switch x := v.(type) {
	case uint64:
		if x <= math.MaxInt64 {
			return int64(x)
		}
	case map[string]any:
		for k, el := range x {
			x[k] = normalizeInts(el)
		}
	case []any:
		for i, el := range x {
			x[i] = normalizeInts(el)
		}
	}
	return v
}
