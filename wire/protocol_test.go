package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/kartikbazzad/nexadb/internal/errs"
)

func toInt(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), true
	case int:
		return int64(n), true
	default:
		return 0, false
	}
}

func TestWriteMessageReadHeaderRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	req := CreateRequest{
		RequestMeta: RequestMeta{Database: "shop", Collection: "orders"},
		Document:    map[string]interface{}{"total": 42},
	}
	if err := WriteMessage(&buf, TypeCreate, req); err != nil {
		t.Fatalf("write message: %v", err)
	}

	header, err := ReadHeader(&buf)
	if err != nil {
		t.Fatalf("read header: %v", err)
	}
	if header.Type != TypeCreate {
		t.Fatalf("expected type %v, got %v", TypeCreate, header.Type)
	}
	if header.Version != Version {
		t.Fatalf("expected version %v, got %v", Version, header.Version)
	}

	var got CreateRequest
	if err := ReadBody(&buf, header.Length, &got); err != nil {
		t.Fatalf("read body: %v", err)
	}
	if got.Database != "shop" || got.Collection != "orders" {
		t.Fatalf("unexpected meta after round trip: %+v", got.RequestMeta)
	}
	total, ok := toInt(got.Document["total"])
	if !ok || total != 42 {
		t.Fatalf("unexpected document total after round trip: %v (%T)", got.Document["total"], got.Document["total"])
	}
}

func TestWriteMessageEmptyBody(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteMessage(&buf, TypePing, nil); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	header, err := ReadHeader(&buf)
	if err != nil {
		t.Fatalf("read header: %v", err)
	}
	if header.Length != 0 {
		t.Fatalf("expected zero-length payload, got %d", header.Length)
	}
	if err := ReadBody(&buf, header.Length, nil); err != nil {
		t.Fatalf("read empty body: %v", err)
	}
}

func TestReadHeaderBadMagic(t *testing.T) {
	buf := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], 0xDEADBEEF)
	buf[4] = byte(Version)
	_, err := ReadHeader(bytes.NewReader(buf))
	if !errors.Is(err, errs.ErrBadMagic) {
		t.Fatalf("expected ErrBadMagic, got %v", err)
	}
}

func TestReadHeaderUnsupportedVersion(t *testing.T) {
	buf := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], Magic)
	buf[4] = 0x99
	_, err := ReadHeader(bytes.NewReader(buf))
	if !errors.Is(err, errs.ErrUnsupportedVersion) {
		t.Fatalf("expected ErrUnsupportedVersion, got %v", err)
	}
}

func TestReadHeaderPayloadTooLarge(t *testing.T) {
	buf := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], Magic)
	buf[4] = byte(Version)
	binary.BigEndian.PutUint32(buf[8:12], MaxPayloadSize+1)
	_, err := ReadHeader(bytes.NewReader(buf))
	if !errors.Is(err, errs.ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
}

func TestWriteMessageRejectsOversizedPayload(t *testing.T) {
	var buf bytes.Buffer
	big := make([]byte, MaxPayloadSize+1)
	err := WriteMessage(&buf, TypeImportTOON, ImportTOONRequest{Payload: big})
	if !errors.Is(err, errs.ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
}

func TestTypeIsRequestIsResponse(t *testing.T) {
	if !TypeConnect.IsRequest() || TypeConnect.IsResponse() {
		t.Fatalf("TypeConnect should be a request, not a response")
	}
	if TypeSuccess.IsRequest() || !TypeSuccess.IsResponse() {
		t.Fatalf("TypeSuccess should be a response, not a request")
	}
	if !TypeVectorBuild.IsRequest() {
		t.Fatalf("TypeVectorBuild (admin) should still count as a request")
	}
}
