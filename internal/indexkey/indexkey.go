// Package indexkey encodes dynamic document values into byte strings whose
// lexicographic order matches a total type order:
// null < boolean < number < string < bytes < array < object, collating
// numerically within the number band. A naive secondary-index encoding
// built from composite keys via fmt.Sprintf("%v", val) does not preserve
// this order; this package exists to fix that.
package indexkey

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// Type tags, in the required total order.
const (
	tagNull byte = iota
	tagBool
	tagNumber
	tagString
	tagBytes
	tagArray
	tagObject
)

// Encode produces an order-preserving byte encoding of v for use as the
// <encoded_value> component of an index key.
func Encode(v any) []byte {
	var buf bytes.Buffer
	encodeInto(&buf, v)
	return buf.Bytes()
}

func encodeInto(buf *bytes.Buffer, v any) {
	switch x := v.(type) {
	case nil:
		buf.WriteByte(tagNull)
	case bool:
		buf.WriteByte(tagBool)
		if x {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	case int:
		encodeNumber(buf, float64(x))
	case int8:
		encodeNumber(buf, float64(x))
	case int16:
		encodeNumber(buf, float64(x))
	case int32:
		encodeNumber(buf, float64(x))
	case int64:
		encodeNumber(buf, float64(x))
	case uint:
		encodeNumber(buf, float64(x))
	case uint8:
		encodeNumber(buf, float64(x))
	case uint16:
		encodeNumber(buf, float64(x))
	case uint32:
		encodeNumber(buf, float64(x))
	case uint64:
		encodeNumber(buf, float64(x))
	case float32:
		encodeNumber(buf, float64(x))
	case float64:
		encodeNumber(buf, x)
	case string:
		buf.WriteByte(tagString)
		buf.WriteString(x)
	case []byte:
		buf.WriteByte(tagBytes)
		buf.Write(x)
	case []any:
		buf.WriteByte(tagArray)
		var n [4]byte
		binary.BigEndian.PutUint32(n[:], uint32(len(x)))
		buf.Write(n[:])
		for _, e := range x {
			encodeInto(buf, e)
		}
	case map[string]any:
		buf.WriteByte(tagObject)
		var n [4]byte
		binary.BigEndian.PutUint32(n[:], uint32(len(x)))
		buf.Write(n[:])
		for k, e := range x {
			buf.WriteString(k)
			buf.WriteByte(0)
			encodeInto(buf, e)
		}
	default:
		// Unknown dynamic kinds fall back to their string form under the
		// string band rather than panicking on an unexpected Go type.
		buf.WriteByte(tagString)
		buf.WriteString(fmt.Sprintf("%v", x))
	}
}

// encodeNumber writes a number such that byte-lexicographic order matches
// numeric order across the full float64 range (negatives included), using
// the classic "flip sign bit, and flip all bits for negatives" IEEE-754
// ordering trick.
func encodeNumber(buf *bytes.Buffer, f float64) {
	buf.WriteByte(tagNumber)
	bits := math.Float64bits(f)
	if bits&(1<<63) != 0 {
		bits = ^bits
	} else {
		bits |= 1 << 63
	}
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], bits)
	buf.Write(b[:])
}
