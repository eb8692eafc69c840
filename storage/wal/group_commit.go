package wal

import (
	"sync"
	"time"

	"github.com/kartikbazzad/nexadb/internal/errs"
)

// commitRequest is one caller's request to have the WAL durably fsynced.
type commitRequest struct {
	response chan error
}

// GroupCommitter batches concurrent Sync requests into a single fsync,
// trading a little latency for much higher write throughput under load.
// Defaults to batching up to 500 records or ~1ms, whichever comes first.
type GroupCommitter struct {
	wal          *WAL
	requests     chan *commitRequest
	batchSize    int
	batchTimeout time.Duration

	mu      sync.Mutex
	stopped bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func newGroupCommitter(w *WAL, batchSize int, batchIntervalNanos int64) *GroupCommitter {
	if batchSize <= 0 {
		batchSize = 500
	}
	interval := time.Duration(batchIntervalNanos)
	if interval <= 0 {
		interval = time.Millisecond
	}
	gc := &GroupCommitter{
		wal:          w,
		requests:     make(chan *commitRequest, 4096),
		batchSize:    batchSize,
		batchTimeout: interval,
		stopCh:       make(chan struct{}),
	}
	gc.wg.Add(1)
	go gc.run()
	return gc
}

// Commit enqueues a durability request and blocks until the group fsync
// covering it completes.
func (gc *GroupCommitter) Commit() error {
	gc.mu.Lock()
	if gc.stopped {
		gc.mu.Unlock()
		return errs.New(errs.StorageUnavailable, "group committer stopped")
	}
	gc.mu.Unlock()

	req := &commitRequest{response: make(chan error, 1)}
	select {
	case gc.requests <- req:
	case <-gc.stopCh:
		return errs.New(errs.StorageUnavailable, "group committer stopped")
	}
	return <-req.response
}

func (gc *GroupCommitter) run() {
	defer gc.wg.Done()

	var batch []*commitRequest
	timer := time.NewTimer(gc.batchTimeout)
	defer timer.Stop()

	flush := func() {
		err := gc.wal.SyncNow()
		for _, r := range batch {
			r.response <- err
		}
		batch = nil
	}

	for {
		select {
		case req := <-gc.requests:
			batch = append(batch, req)
			if len(batch) >= gc.batchSize || len(gc.requests) == 0 {
				flush()
				timer.Reset(gc.batchTimeout)
			}
		case <-timer.C:
			if len(batch) > 0 {
				flush()
			}
			timer.Reset(gc.batchTimeout)
		case <-gc.stopCh:
			if len(batch) > 0 {
				flush()
			}
			return
		}
	}
}

// Stop drains any pending batch and stops the background goroutine.
func (gc *GroupCommitter) Stop() {
	gc.mu.Lock()
	if gc.stopped {
		gc.mu.Unlock()
		return
	}
	gc.stopped = true
	gc.mu.Unlock()

	close(gc.stopCh)
	gc.wg.Wait()
}
