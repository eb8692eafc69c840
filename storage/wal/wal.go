// Package wal implements NexaDB's write-ahead log: a sequence of append-only
// segments, group-committed fsyncs, and crash recovery by truncation at the
// first invalid trailing record. Recovery operates per single document
// write rather than filtering for multi-statement transaction commits.
package wal

import (
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/kartikbazzad/nexadb/internal/errs"
)

// WAL owns the live (tail) segment of the log plus bookkeeping for sealed
// segments awaiting deletion once their memtable has been flushed.
type WAL struct {
	dir     string
	maxSize int64

	mu             sync.Mutex
	current        *Segment
	nextSegmentID  uint64
	sealed         []uint64 // segment IDs sealed but not yet deleted

	lastLSN atomic.Uint64

	committer *GroupCommitter
}

// Open opens (or creates) the WAL directory and its tail segment, then wires
// a GroupCommitter for batched fsyncs.
func Open(dir string, maxSegmentSize int64, batchSize int, batchInterval int64) (*WAL, error) {
	if maxSegmentSize <= 0 {
		maxSegmentSize = DefaultSegmentSize
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errs.Wrap(errs.StorageUnavailable, "create WAL dir", err)
	}

	ids, err := existingSegmentIDs(dir)
	if err != nil {
		return nil, err
	}

	w := &WAL{dir: dir, maxSize: maxSegmentSize}

	if len(ids) == 0 {
		seg, err := createSegment(dir, 0, maxSegmentSize)
		if err != nil {
			return nil, err
		}
		w.current = seg
		w.nextSegmentID = 1
	} else {
		last := ids[len(ids)-1]
		seg, err := openSegment(dir, last, maxSegmentSize)
		if err != nil {
			return nil, err
		}
		w.current = seg
		w.nextSegmentID = last + 1
		w.sealed = ids[:len(ids)-1]
	}

	w.committer = newGroupCommitter(w, batchSize, batchInterval)
	return w, nil
}

func existingSegmentIDs(dir string) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errs.Wrap(errs.StorageUnavailable, "list WAL dir", err)
	}
	var ids []uint64
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "segment_") || !strings.HasSuffix(name, ".log") {
			continue
		}
		numStr := strings.TrimSuffix(strings.TrimPrefix(name, "segment_"), ".log")
		id, err := strconv.ParseUint(numStr, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// Append writes a record to the tail segment, rolling to a new segment if
// full, and returns its assigned LSN. It does not fsync; callers durability
// requirement is satisfied via Sync (group commit) or SyncNow.
func (w *WAL) Append(rec *Record) (LSN, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	lsn := LSN(w.lastLSN.Add(1))
	rec.LSN = lsn

	if w.current.full() {
		if err := w.rollLocked(); err != nil {
			return 0, err
		}
	}
	if err := w.current.write(rec.Encode()); err != nil {
		return 0, err
	}
	return lsn, nil
}

func (w *WAL) rollLocked() error {
	if err := w.current.sync(); err != nil {
		return err
	}
	w.sealed = append(w.sealed, w.current.ID)
	id := w.nextSegmentID
	w.nextSegmentID++
	seg, err := createSegment(w.dir, id, w.maxSize)
	if err != nil {
		return err
	}
	w.current = seg
	return nil
}

// Sync requests a durable fsync via the group committer: many callers awaiting the same sync share one fsync call.
func (w *WAL) Sync() error {
	return w.committer.Commit()
}

// SyncNow performs an immediate, unbatched fsync for callers that require
// synchronous-per-write durability.
func (w *WAL) SyncNow() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current.sync()
}

// ReadAllRecords replays every valid record across all segments in order,
// oldest segment first, for startup recovery.
func (w *WAL) ReadAllRecords() ([]*Record, error) {
	w.mu.Lock()
	ids := append(append([]uint64(nil), w.sealed...), w.current.ID)
	w.mu.Unlock()

	var all []*Record
	for i, id := range ids {
		path := segmentFileName(w.dir, id)
		records, validLen, truncated, err := readSegmentRecords(path)
		if err != nil {
			return nil, err
		}
		all = append(all, records...)
		isLast := i == len(ids)-1
		if truncated {
			if !isLast {
				// A non-tail segment with a corrupt trailing record means the
				// log itself is inconsistent; refuse to start silently.
				return nil, errs.ErrWALCorrupt
			}
			if err := resealSegment(path, validLen); err != nil {
				return nil, err
			}
		}
	}
	return all, nil
}

// TruncateSealed deletes every sealed segment file: called once the memtable
// they cover has been flushed and fsynced to a sorted run.
func (w *WAL) TruncateSealed() error {
	w.mu.Lock()
	sealed := w.sealed
	w.sealed = nil
	w.mu.Unlock()

	for _, id := range sealed {
		if err := os.Remove(segmentFileName(w.dir, id)); err != nil && !os.IsNotExist(err) {
			return errs.Wrap(errs.StorageUnavailable, "delete sealed WAL segment", err)
		}
	}
	return nil
}

// Close stops the group committer, fsyncs, and closes the tail segment.
func (w *WAL) Close() error {
	w.committer.Stop()
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.current.sync(); err != nil {
		return err
	}
	return w.current.close()
}
