// Package manifest implements the RCU-style installation record of which
// sorted runs are currently live per collection. Persisted with the same msgpack codec used for documents
// (document.go), so the on-disk manifest format and the wire payload format
// share one encoder throughout the engine.
package manifest

import (
	"os"
	"sync"
	"sync/atomic"

	"github.com/kartikbazzad/nexadb/internal/errs"
	"github.com/vmihailenco/msgpack/v5"
)

// RunDescriptor names one live sorted run and the footer facts needed to
// decide whether it can contain a key without opening it.
type RunDescriptor struct {
	ID         uint64
	Path       string
	EntryCount int64
	MinKey     []byte
	MaxKey     []byte
	CreatedAt  int64
}

// Snapshot is an immutable view of the live runs for one collection, newest
// run first so reads short-circuit on the first hit.
type Snapshot struct {
	Runs []RunDescriptor
}

// Manifest owns the current snapshot pointer and the on-disk record backing
// it across restarts.
type Manifest struct {
	path string
	mu   sync.Mutex // serializes installs; reads never block on this
	cur  atomic.Pointer[Snapshot]
}

// onDisk is the persisted shape: per-collection run lists plus a schema
// version. Index descriptors are not part of it.
type onDisk struct {
	SchemaVersion int
	Collections   map[string][]RunDescriptor
}

// Open loads path if it exists, or starts empty.
func Open(path string) (*Store, error) {
	s := &Store{path: path, manifests: make(map[string]*Manifest)}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, errs.Wrap(errs.StorageUnavailable, "read manifest", err)
	}
	var rec onDisk
	if err := msgpack.Unmarshal(data, &rec); err != nil {
		return nil, errs.Wrap(errs.ManifestCorrupt, "decode manifest", err)
	}
	for col, runs := range rec.Collections {
		m := &Manifest{path: path}
		m.cur.Store(&Snapshot{Runs: runs})
		s.manifests[col] = m
	}
	return s, nil
}

// Store owns one Manifest per collection. Persist serializes the whole set
// to a single manifest file (the engine calls it after each memtable flush
// and at Close, compaction after each install), so a crash mid-write
// leaves either the old or the new file intact (Persist writes to a temp
// file then renames, which is atomic on POSIX filesystems).
type Store struct {
	path string

	mu        sync.Mutex
	manifests map[string]*Manifest
}

// CollectionNames returns every collection currently tracked by this store.
func (s *Store) CollectionNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.manifests))
	for name := range s.manifests {
		names = append(names, name)
	}
	return names
}

// For returns (creating if necessary) the Manifest for a collection.
func (s *Store) For(collection string) *Manifest {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.manifests[collection]
	if !ok {
		m = &Manifest{path: s.path}
		m.cur.Store(&Snapshot{})
		s.manifests[collection] = m
	}
	return m
}

// Snapshot returns the current immutable snapshot for this manifest. Readers
// should call this once at operation entry and use the result for the
// duration of the operation.
func (m *Manifest) Snapshot() *Snapshot {
	return m.cur.Load()
}

// Install atomically publishes a new snapshot: added runs appended, removed
// run IDs dropped. The caller (compaction or a memtable flush) must have
// already fsynced the new run file(s) before calling Install.
func (m *Manifest) Install(added []RunDescriptor, removedIDs map[uint64]bool) *Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	old := m.cur.Load()
	next := make([]RunDescriptor, 0, len(old.Runs)+len(added))
	next = append(next, added...)
	for _, r := range old.Runs {
		if removedIDs[r.ID] {
			continue
		}
		next = append(next, r)
	}
	snap := &Snapshot{Runs: next}
	m.cur.Store(snap)
	return snap
}

// Persist serializes every collection's current snapshot to the manifest
// file, atomically (write-temp-then-rename).
func (s *Store) Persist() error {
	s.mu.Lock()
	rec := onDisk{SchemaVersion: 1, Collections: make(map[string][]RunDescriptor, len(s.manifests))}
	for col, m := range s.manifests {
		rec.Collections[col] = m.Snapshot().Runs
	}
	s.mu.Unlock()

	data, err := msgpack.Marshal(rec)
	if err != nil {
		return errs.Wrap(errs.ManifestCorrupt, "encode manifest", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errs.Wrap(errs.StorageUnavailable, "write manifest temp file", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return errs.Wrap(errs.StorageUnavailable, "install manifest file", err)
	}
	return nil
}
