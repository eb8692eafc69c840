package indexkey

import (
	"bytes"
	"sort"
	"testing"
)

func TestEncodeNumberOrderPreserving(t *testing.T) {
	values := []float64{-100, -1, 0, 1, 2, 10, 100}
	encoded := make([][]byte, len(values))
	for i, v := range values {
		encoded[i] = Encode(v)
	}
	for i := 1; i < len(encoded); i++ {
		if bytes.Compare(encoded[i-1], encoded[i]) >= 0 {
			t.Fatalf("expected %v to sort before %v", values[i-1], values[i])
		}
	}
}

func TestEncodeIntegerWidthsAgree(t *testing.T) {
	if !bytes.Equal(Encode(int8(5)), Encode(float64(5))) {
		t.Error("int8(5) should encode identically to float64(5)")
	}
	if !bytes.Equal(Encode(uint32(7)), Encode(int64(7))) {
		t.Error("uint32(7) should encode identically to int64(7)")
	}
}

func TestEncodeTypeOrderTotal(t *testing.T) {
	// null < bool < number < string, regardless of value.
	order := [][]byte{Encode(nil), Encode(false), Encode(0), Encode("")}
	sorted := append([][]byte{}, order...)
	sort.Slice(sorted, func(i, j int) bool { return bytes.Compare(sorted[i], sorted[j]) < 0 })
	for i := range order {
		if !bytes.Equal(order[i], sorted[i]) {
			t.Fatalf("expected total type order null<bool<number<string, got mismatch at %d", i)
		}
	}
}
