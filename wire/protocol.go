// Package wire defines the binary network protocol for NexaDB.
//
// Frame format:
//
//	[Header (12 bytes)] + [Payload (msgpack)]
//
// Header (all multi-byte integers big-endian):
//
//	offset 0  magic(4)    0x4E455841 ("NEXA")
//	offset 4  version(1)  0x01
//	offset 5  type(1)     message type code
//	offset 6  flags(2)    reserved; sender writes 0, receiver ignores
//	offset 8  length(4)   payload length in bytes, bounded by MaxPayloadSize
//
// Payloads are encoded with the same msgpack codec document.go uses for
// stored documents, giving a single self-describing binary codec across
// the whole network boundary instead of a second JSON encoding.
package wire

import (
	"encoding/binary"
	"io"

	"github.com/kartikbazzad/nexadb/internal/errs"
	"github.com/vmihailenco/msgpack/v5"
)

// Magic is the fixed 4-byte frame identifier, ASCII "NEXA".
const Magic uint32 = 0x4E455841

// Version is the only protocol version this build speaks.
const Version uint8 = 0x01

// HeaderSize is the fixed frame header length in bytes.
const HeaderSize = 12

// MaxPayloadSize bounds payload_length.
const MaxPayloadSize = 64 << 20

// Type identifies the kind of message carried by a frame.
type Type uint8

// Requests (client->server), codes 0x01-0x7F.
const (
	TypeConnect      Type = 0x01
	TypeCreate       Type = 0x02
	TypeRead         Type = 0x03
	TypeUpdate       Type = 0x04
	TypeDelete       Type = 0x05
	TypeQuery        Type = 0x06
	TypeVectorSearch Type = 0x07
	TypeBatchWrite   Type = 0x08
	TypePing         Type = 0x09
	TypeDisconnect   Type = 0x0A
	TypeQueryTOON    Type = 0x0B
	TypeExportTOON   Type = 0x0C
	TypeImportTOON   Type = 0x0D

	// Administrative requests.
	TypeDatabaseCreate Type = 0x20
	TypeDatabaseDrop   Type = 0x21
	TypeDatabaseList   Type = 0x22
	TypeDatabaseStats  Type = 0x23
	TypeUserCreate     Type = 0x24
	TypeUserUpdate     Type = 0x25
	TypeUserDelete     Type = 0x26
	TypeUserList       Type = 0x27
	TypeIndexCreate    Type = 0x28
	TypeIndexDrop      Type = 0x29
	TypeVectorBuild    Type = 0x2A
)

// Responses (server->client), codes 0x80-0xFF.
const (
	TypeSuccess     Type = 0x80
	TypeError       Type = 0x81
	TypeNotFound    Type = 0x82
	TypeDuplicate   Type = 0x83
	TypePong        Type = 0x84
	TypeStreamStart Type = 0x85
	TypeStreamChunk Type = 0x86
	TypeStreamEnd   Type = 0x87
)

// IsRequest reports whether t is a client->server message type.
func (t Type) IsRequest() bool { return t >= 0x01 && t <= 0x7F }

// IsResponse reports whether t is a server->client message type.
func (t Type) IsResponse() bool { return t >= 0x80 }

// Header is the fixed-size frame header.
type Header struct {
	Version uint8
	Type    Type
	Flags   uint16
	Length  uint32
}

// WriteMessage encodes body with msgpack and writes a full frame (header +
// payload) to w in a single call.
func WriteMessage(w io.Writer, typ Type, body interface{}) error {
	var payload []byte
	if body != nil {
		b, err := msgpack.Marshal(body)
		if err != nil {
			return errs.Wrap(errs.DecodeFailed, "encode wire payload", err)
		}
		payload = b
	}
	if len(payload) > MaxPayloadSize {
		return errs.ErrPayloadTooLarge
	}

	var hdr [HeaderSize]byte
	binary.BigEndian.PutUint32(hdr[0:4], Magic)
	hdr[4] = byte(Version)
	hdr[5] = byte(typ)
	binary.BigEndian.PutUint16(hdr[6:8], 0)
	binary.BigEndian.PutUint32(hdr[8:12], uint32(len(payload)))

	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return err
		}
	}
	return nil
}

// ReadHeader reads and validates one frame header.
func ReadHeader(r io.Reader) (Header, error) {
	var buf [HeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Header{}, err
	}

	magic := binary.BigEndian.Uint32(buf[0:4])
	if magic != Magic {
		return Header{}, errs.ErrBadMagic
	}
	version := buf[4]
	if version != Version {
		return Header{}, errs.ErrUnsupportedVersion
	}
	length := binary.BigEndian.Uint32(buf[8:12])
	if length > MaxPayloadSize {
		return Header{}, errs.ErrPayloadTooLarge
	}

	return Header{
		Version: version,
		Type:    Type(buf[5]),
		Flags:   binary.BigEndian.Uint16(buf[6:8]),
		Length:  length,
	}, nil
}

// ReadBody reads exactly length bytes and msgpack-decodes them into v. A
// nil v with length == 0 is the empty-payload case (e.g. PING).
func ReadBody(r io.Reader, length uint32, v interface{}) error {
	if length == 0 {
		return nil
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return err
	}
	if v == nil {
		return nil
	}
	if err := msgpack.Unmarshal(buf, v); err != nil {
		return errs.Wrap(errs.DecodeFailed, "decode wire payload", err)
	}
	return nil
}
