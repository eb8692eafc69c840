package hnsw

import "fmt"

// errDimensionMismatch reports a vector whose length doesn't match the
// index's configured dimensionality.
func errDimensionMismatch(want, got int) error {
	return fmt.Errorf("hnsw: dimension mismatch: want %d, got %d", want, got)
}
