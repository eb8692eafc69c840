package mvcc

import "testing"

func TestVersionManager(t *testing.T) {
	vm := NewVersionManager()

	ts1 := vm.NewTimestamp()
	ts2 := vm.NewTimestamp()

	if ts2 <= ts1 {
		t.Errorf("Timestamps should be monotonically increasing: ts1=%d, ts2=%d", ts1, ts2)
	}

	current := vm.GetCurrentTimestamp()
	if current < ts2 {
		t.Errorf("Current timestamp should be >= last generated timestamp")
	}
}

func TestConcurrentTimestamps(t *testing.T) {
	vm := NewVersionManager()

	const numGoroutines = 100
	const timestampsPerGoroutine = 100

	timestamps := make(chan Timestamp, numGoroutines*timestampsPerGoroutine)
	done := make(chan bool, numGoroutines)

	for i := 0; i < numGoroutines; i++ {
		go func() {
			for j := 0; j < timestampsPerGoroutine; j++ {
				ts := vm.NewTimestamp()
				timestamps <- ts
			}
			done <- true
		}()
	}

	for i := 0; i < numGoroutines; i++ {
		<-done
	}
	close(timestamps)

	seen := make(map[Timestamp]bool)
	for ts := range timestamps {
		if seen[ts] {
			t.Errorf("Duplicate timestamp: %d", ts)
		}
		seen[ts] = true
	}

	expectedCount := numGoroutines * timestampsPerGoroutine
	if len(seen) != expectedCount {
		t.Errorf("Expected %d unique timestamps, got %d", expectedCount, len(seen))
	}
}
