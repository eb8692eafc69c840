// Package compaction implements the background merge of sorted runs: on
// each periodic wake-up, every collection whose run count has reached a
// threshold has its runs N-way merged into one, tombstoned/superseded
// entries dropped, and the result installed via an atomic manifest swap. Compaction
// jobs run on an ants goroutine pool instead of one raw goroutine per cycle,
// giving an explicit, stoppable background worker with bounded concurrency.
package compaction

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kartikbazzad/nexadb/internal/errs"
	"github.com/kartikbazzad/nexadb/storage/manifest"
	"github.com/kartikbazzad/nexadb/storage/sstable"
	"github.com/panjf2000/ants/v2"
)

func deleteFile(path string) error { return os.Remove(path) }

// Source is implemented by the storage engine: it knows how to produce a
// fresh sorted-run ID and directory, and to invalidate cached entries for
// runs that compaction removes.
type Source interface {
	NextRunID() uint64
	RunsDir() string
	InvalidateCache(collection string)
}

// Compactor drives background compaction for every collection registered
// with it.
type Compactor struct {
	store     *manifest.Store
	source    Source
	threshold int
	interval  time.Duration
	fpRate    float64

	pool *ants.Pool

	mu      sync.Mutex
	inFlight map[string]bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a Compactor. threshold is the sorted-run count at which a
// collection is compacted on the next wake-up (default 4); interval is the
// periodic wake-up (a few seconds is typical).
func New(store *manifest.Store, source Source, threshold int, interval time.Duration, falsePositiveRate float64, poolSize int) (*Compactor, error) {
	if threshold <= 0 {
		threshold = 4
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if poolSize <= 0 {
		poolSize = 8
	}
	pool, err := ants.NewPool(poolSize)
	if err != nil {
		return nil, errs.Wrap(errs.StorageUnavailable, "create compaction worker pool", err)
	}
	c := &Compactor{
		store:     store,
		source:    source,
		threshold: threshold,
		interval:  interval,
		fpRate:    falsePositiveRate,
		pool:      pool,
		inFlight:  make(map[string]bool),
		stopCh:    make(chan struct{}),
	}
	return c, nil
}

// Start launches the periodic compaction wake-up loop.
func (c *Compactor) Start(collections func() []string) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				for _, col := range collections() {
					c.MaybeCompact(col)
				}
			case <-c.stopCh:
				return
			}
		}
	}()
}

// MaybeCompact schedules a compaction for collection if its run count is at
// or above threshold and no compaction is already running for it.
func (c *Compactor) MaybeCompact(collection string) {
	m := c.store.For(collection)
	snap := m.Snapshot()
	if len(snap.Runs) < c.threshold {
		return
	}

	c.mu.Lock()
	if c.inFlight[collection] {
		c.mu.Unlock()
		return
	}
	c.inFlight[collection] = true
	c.mu.Unlock()

	_ = c.pool.Submit(func() {
		defer func() {
			c.mu.Lock()
			delete(c.inFlight, collection)
			c.mu.Unlock()
		}()
		if err := c.compactOnce(collection); err != nil {
			// Compaction failures are recoverable: the collection simply
			// keeps accumulating runs and is retried on the next wake-up.
			return
		}
	})
}

// compactOnce merges every currently-live run for collection into one new
// run, then atomically installs it and deletes the
// old files.
func (c *Compactor) compactOnce(collection string) error {
	m := c.store.For(collection)
	snap := m.Snapshot()
	if len(snap.Runs) < 2 {
		return nil
	}

	readers := make([]*sstable.Reader, 0, len(snap.Runs))
	for _, rd := range snap.Runs {
		r, err := sstable.Open(rd.Path)
		if err != nil {
			return err
		}
		readers = append(readers, r)
	}
	defer func() {
		for _, r := range readers {
			r.Close()
		}
	}()

	merged, err := mergeNWay(readers)
	if err != nil {
		return err
	}

	id := c.source.NextRunID()
	fileName := strings.NewReplacer("/", "_", ":", "_").Replace(collection)
	path := filepath.Join(c.source.RunsDir(), fmt.Sprintf("%s_%08d.data", fileName, id))
	if err := sstable.Write(path, merged, c.fpRate); err != nil {
		return err
	}

	reader, err := sstable.Open(path)
	if err != nil {
		return err
	}
	defer reader.Close()

	newDesc := manifest.RunDescriptor{
		ID:         id,
		Path:       path,
		EntryCount: reader.EntryCount,
		MinKey:     reader.MinKey,
		MaxKey:     reader.MaxKey,
		CreatedAt:  reader.CreatedAt,
	}

	removed := make(map[uint64]bool, len(snap.Runs))
	for _, rd := range snap.Runs {
		removed[rd.ID] = true
	}

	m.Install([]manifest.RunDescriptor{newDesc}, removed)
	c.source.InvalidateCache(collection)
	if err := c.store.Persist(); err != nil {
		return err
	}

	for _, rd := range snap.Runs {
		_ = deleteFile(rd.Path)
	}
	return nil
}

// mergeNWay performs the N-way sorted merge: for each
// distinct key across all runs, keep the newest version (runs are given
// newest-first in the manifest, so the first run holding a key wins);
// tombstones are dropped because, post-merge, no older run outside this
// compaction can resurrect them.
func mergeNWay(readers []*sstable.Reader) ([]sstable.Entry, error) {
	type tagged struct {
		sstable.Entry
		age int // lower = newer
	}
	var all []tagged
	for age, r := range readers {
		entries, err := r.All()
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			all = append(all, tagged{Entry: e, age: age})
		}
	}

	sort.SliceStable(all, func(i, j int) bool {
		ci := compareBytes(all[i].Key, all[j].Key)
		if ci != 0 {
			return ci < 0
		}
		return all[i].age < all[j].age
	})

	var out []sstable.Entry
	i := 0
	for i < len(all) {
		j := i
		for j+1 < len(all) && compareBytes(all[j+1].Key, all[i].Key) == 0 {
			j++
		}
		newest := all[i] // first in the run of equal keys is the newest (lowest age)
		if !newest.Tombstone {
			out = append(out, newest.Entry)
		}
		i = j + 1
	}
	return out, nil
}

func compareBytes(a, b []byte) int {
	switch {
	case string(a) < string(b):
		return -1
	case string(a) > string(b):
		return 1
	default:
		return 0
	}
}

// Stop drains in-flight jobs and releases the worker pool.
func (c *Compactor) Stop() {
	close(c.stopCh)
	c.wg.Wait()
	c.pool.Release()
}
