// Package mvcc supplies the monotonically increasing logical timestamp
// used to stamp each document write (_created_at/_updated_at), so write
// ordering stays consistent without every caller reaching for time.Now().
package mvcc

import (
	"sync/atomic"
	"time"
)

// Timestamp represents a unique, monotonically increasing point in time.
type Timestamp uint64

// VersionManager hands out unique, monotonically increasing timestamps.
type VersionManager struct {
	currentTimestamp atomic.Uint64
}

// NewVersionManager creates a new version manager, seeded from the current
// wall clock so timestamps stay roughly convertible back to real time.
func NewVersionManager() *VersionManager {
	vm := &VersionManager{}
	vm.currentTimestamp.Store(uint64(time.Now().UnixNano()))
	return vm
}

// NewTimestamp generates a new unique timestamp.
func (vm *VersionManager) NewTimestamp() Timestamp {
	ts := vm.currentTimestamp.Add(1)
	return Timestamp(ts)
}

// GetCurrentTimestamp returns the current timestamp without incrementing.
func (vm *VersionManager) GetCurrentTimestamp() Timestamp {
	return Timestamp(vm.currentTimestamp.Load())
}
