package wal

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/kartikbazzad/nexadb/internal/errs"
)

// OpType is the WAL operation code.
type OpType byte

const (
	OpPut OpType = iota + 1
	OpDelete
)

// LSN is a monotonically increasing internal sequence number used to order
// records and to know how far a group commit has synced. It is never
// exposed across the wire protocol.
type LSN uint64

// Record is one WAL entry, laid out exactly as :
//
//	len(4)‖crc32(4)‖op(1)‖key_len(4)‖key‖value_len(4)‖value‖timestamp(8)
//
// crc32 covers everything from op through timestamp (i.e. len itself is not
// checksummed, matching the "length-prefixed and checksummed" wording).
type Record struct {
	LSN       LSN
	Op        OpType
	Key       []byte
	Value     []byte // nil/empty for OpDelete
	Timestamp int64  // unix nanoseconds
}

// bodySize returns the encoded size of everything after len+crc32.
func (r *Record) bodySize() int {
	return 1 + 4 + len(r.Key) + 4 + len(r.Value) + 8
}

// Encode serializes r to its on-disk byte form.
func (r *Record) Encode() []byte {
	body := make([]byte, r.bodySize())
	off := 0
	body[off] = byte(r.Op)
	off++
	binary.BigEndian.PutUint32(body[off:], uint32(len(r.Key)))
	off += 4
	copy(body[off:], r.Key)
	off += len(r.Key)
	binary.BigEndian.PutUint32(body[off:], uint32(len(r.Value)))
	off += 4
	copy(body[off:], r.Value)
	off += len(r.Value)
	binary.BigEndian.PutUint64(body[off:], uint64(r.Timestamp))

	checksum := crc32.ChecksumIEEE(body)

	out := make([]byte, 4+4+len(body))
	binary.BigEndian.PutUint32(out[0:4], uint32(len(body)))
	binary.BigEndian.PutUint32(out[4:8], checksum)
	copy(out[8:], body)
	return out
}

// DecodeOne decodes a single record from buf, returning the record and the
// number of bytes consumed. It returns errs.ErrWALCorrupt (wrapping the
// specific reason) when the checksum fails or the buffer is truncated.
func DecodeOne(buf []byte) (*Record, int, error) {
	if len(buf) < 8 {
		return nil, 0, errs.Wrap(errs.CorruptLog, "truncated record header", nil)
	}
	bodyLen := binary.BigEndian.Uint32(buf[0:4])
	wantCRC := binary.BigEndian.Uint32(buf[4:8])

	total := 8 + int(bodyLen)
	if len(buf) < total {
		return nil, 0, errs.Wrap(errs.CorruptLog, "truncated record body", nil)
	}
	body := buf[8:total]
	if crc32.ChecksumIEEE(body) != wantCRC {
		return nil, 0, errs.Wrap(errs.CorruptLog, "checksum mismatch", nil)
	}

	off := 0
	if len(body) < 1+4 {
		return nil, 0, errs.Wrap(errs.CorruptLog, "short record body", nil)
	}
	op := OpType(body[off])
	off++
	keyLen := int(binary.BigEndian.Uint32(body[off:]))
	off += 4
	if off+keyLen+4 > len(body) {
		return nil, 0, errs.Wrap(errs.CorruptLog, "key length overruns record", nil)
	}
	key := append([]byte(nil), body[off:off+keyLen]...)
	off += keyLen
	valLen := int(binary.BigEndian.Uint32(body[off:]))
	off += 4
	if off+valLen+8 > len(body) {
		return nil, 0, errs.Wrap(errs.CorruptLog, "value length overruns record", nil)
	}
	var value []byte
	if valLen > 0 {
		value = append([]byte(nil), body[off:off+valLen]...)
	}
	off += valLen
	ts := int64(binary.BigEndian.Uint64(body[off:]))

	return &Record{Op: op, Key: key, Value: value, Timestamp: ts}, total, nil
}
