package nexadb

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/kartikbazzad/nexadb/internal/errs"
	"github.com/kartikbazzad/nexadb/storage"
	"github.com/vmihailenco/msgpack/v5"
)

// Document is a single stored record: a field map plus the reserved fields
// every document carries.
type Document map[string]interface{}

const (
	fieldID        = "_id"
	fieldCreatedAt = "_created_at"
	fieldUpdatedAt = "_updated_at"
)

var idCounter atomic.Uint64

func init() {
	var b [8]byte
	if _, err := rand.Read(b[:]); err == nil {
		idCounter.Store(uint64(b[0])<<56 | uint64(b[1])<<48 | uint64(b[2])<<40 | uint64(b[3])<<32 |
			uint64(b[4])<<24 | uint64(b[5])<<16 | uint64(b[6])<<8 | uint64(b[7]))
	}
}

// NewDocumentID generates a 16-lowercase-hex-character identifier:
// the high 32 bits are the current unix-second timestamp, the low 32 bits a
// process-local atomic counter, so IDs are both roughly time-ordered and
// collision-free within one process without any coordination.
func NewDocumentID() string {
	ts := uint32(time.Now().Unix())
	seq := uint32(idCounter.Add(1))
	buf := make([]byte, 8)
	buf[0] = byte(ts >> 24)
	buf[1] = byte(ts >> 16)
	buf[2] = byte(ts >> 8)
	buf[3] = byte(ts)
	buf[4] = byte(seq >> 24)
	buf[5] = byte(seq >> 16)
	buf[6] = byte(seq >> 8)
	buf[7] = byte(seq)
	return hex.EncodeToString(buf)
}

// GetID returns the document's _id, or "" if unset.
func (d Document) GetID() string {
	id, _ := d[fieldID].(string)
	return id
}

// SetID sets the document's _id.
func (d Document) SetID(id string) {
	d[fieldID] = id
}

// stamp fills in _id (if absent) and _created_at/_updated_at using ts as the
// "now" for this write. The timestamp comes from the caller's
// mvcc.VersionManager rather than a time.Now() call deep inside document
// logic, keeping write ordering consistent with MVCC version assignment.
func (d Document) stamp(ts time.Time, isNew bool) {
	if isNew {
		if d.GetID() == "" {
			d.SetID(NewDocumentID())
		}
		d[fieldCreatedAt] = ts
	}
	d[fieldUpdatedAt] = ts
}

// Clone returns a deep-enough copy of d suitable for returning to callers
// without risking aliasing the version stored in the engine.
func (d Document) Clone() Document {
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// Encode serializes the document with msgpack, using a pooled buffer
// (storage.GetBuffer/PutBuffer) to avoid a fresh allocation per write.
func (d Document) Encode() ([]byte, error) {
	buf := storage.GetBuffer()
	defer storage.PutBuffer(buf)
	enc := msgpack.NewEncoder(buf)
	if err := enc.Encode(map[string]interface{}(d)); err != nil {
		return nil, errs.Wrap(errs.DecodeFailed, "encode document", err)
	}
	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}

// DecodeDocument deserializes a msgpack-encoded document.
func DecodeDocument(data []byte) (Document, error) {
	var m map[string]interface{}
	if err := msgpack.Unmarshal(data, &m); err != nil {
		return nil, errs.Wrap(errs.DecodeFailed, "decode document", err)
	}
	return Document(m), nil
}

// Size returns the encoded size of the document in bytes.
func (d Document) Size() (int, error) {
	b, err := d.Encode()
	if err != nil {
		return 0, err
	}
	return len(b), nil
}

// ApplyPatch merges patch into d in place, supporting "a.b.c" dot-notation
// keys that address nested maps, creating intermediate
// maps as needed. A nil value deletes the addressed field.
func (d Document) ApplyPatch(patch map[string]interface{}) error {
	for key, val := range patch {
		parts := strings.Split(key, ".")
		if err := applyPatchPath(map[string]interface{}(d), parts, val); err != nil {
			return err
		}
	}
	return nil
}

func applyPatchPath(target map[string]interface{}, parts []string, val interface{}) error {
	if len(parts) == 1 {
		if val == nil {
			delete(target, parts[0])
		} else {
			target[parts[0]] = val
		}
		return nil
	}
	next, ok := target[parts[0]].(map[string]interface{})
	if !ok {
		next = make(map[string]interface{})
		target[parts[0]] = next
	}
	return applyPatchPath(next, parts[1:], val)
}

func (d Document) String() string {
	return fmt.Sprintf("Document{_id:%v}", d[fieldID])
}
