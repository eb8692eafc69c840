package wal

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/kartikbazzad/nexadb/internal/errs"
)

// DefaultSegmentSize bounds how large a single WAL segment grows before a
// new one is rolled, bounding recovery scan cost and fsync latency per
// segment.
const DefaultSegmentSize = 64 << 20

// segmentFileName follows on-disk layout: wal/segment_<seq>.log.
func segmentFileName(dir string, id uint64) string {
	return filepath.Join(dir, fmt.Sprintf("segment_%08d.log", id))
}

// Segment is one append-only WAL file.
type Segment struct {
	ID      uint64
	path    string
	file    *os.File
	size    int64
	maxSize int64
}

func createSegment(dir string, id uint64, maxSize int64) (*Segment, error) {
	path := segmentFileName(dir, id)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errs.Wrap(errs.StorageUnavailable, "create WAL segment", err)
	}
	return &Segment{ID: id, path: path, file: f, maxSize: maxSize}, nil
}

func openSegment(dir string, id uint64, maxSize int64) (*Segment, error) {
	path := segmentFileName(dir, id)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errs.Wrap(errs.StorageUnavailable, "open WAL segment", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errs.Wrap(errs.StorageUnavailable, "stat WAL segment", err)
	}
	return &Segment{ID: id, path: path, file: f, size: info.Size(), maxSize: maxSize}, nil
}

func (s *Segment) write(encoded []byte) error {
	n, err := s.file.Write(encoded)
	if err != nil {
		return errs.Wrap(errs.StorageUnavailable, "write WAL segment", err)
	}
	s.size += int64(n)
	return nil
}

func (s *Segment) sync() error {
	if err := s.file.Sync(); err != nil {
		return errs.Wrap(errs.StorageUnavailable, "fsync WAL segment", err)
	}
	return nil
}

func (s *Segment) full() bool { return s.size >= s.maxSize }

func (s *Segment) close() error { return s.file.Close() }

// readSegmentRecords reads every valid record from the segment, truncating at the first
// invalid or partial trailing record. It reports
// whether truncation happened so the caller can reseal the segment.
func readSegmentRecords(path string) (records []*Record, validLen int64, truncated bool, err error) {
	data, rerr := os.ReadFile(path)
	if rerr != nil {
		return nil, 0, false, errs.Wrap(errs.StorageUnavailable, "read WAL segment", rerr)
	}
	off := 0
	for off < len(data) {
		rec, n, derr := DecodeOne(data[off:])
		if derr != nil {
			// Partial or corrupt trailing record: stop here, segment is
			// resealed by the caller at this offset.
			return records, int64(off), true, nil
		}
		records = append(records, rec)
		off += n
	}
	return records, int64(off), false, nil
}

// resealSegment truncates the segment file to validLen, discarding any partial
// trailing bytes found during recovery.
func resealSegment(path string, validLen int64) error {
	if err := os.Truncate(path, validLen); err != nil {
		return errs.Wrap(errs.StorageUnavailable, "reseal WAL segment", err)
	}
	return nil
}
