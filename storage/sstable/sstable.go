// Package sstable implements NexaDB's immutable sorted runs: a
// data file of key-sorted records, a sparse offset index for binary search,
// and a footer carrying entry count, min/max key, creation timestamp, and a
// bloom filter. Encoding uses bitwise offsets via encoding/binary.
package sstable

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/kartikbazzad/nexadb/internal/errs"
)

// tombstoneMarker is the sentinel value-length written for a deleted key,
// distinguishing a tombstone from a genuine zero-length value.
const tombstoneMarker = 0xFFFFFFFF

// indexSampleRate controls how often a key is recorded in the sparse index:
// every Nth entry gets an index pointer, trading index size for seek
// precision.
const indexSampleRate = 16

const footerFixedSize = 8*5 + 8 + 4 + 4 // offsets/lengths + createdAt + minKeyLen + maxKeyLen

// Entry is one record written to a sorted run.
type Entry struct {
	Key       []byte
	Value     []byte
	Tombstone bool
}

// indexPoint is one sparse index sample: key -> offset into the data
// section.
type indexPoint struct {
	key    []byte
	offset int64
}

// Write serializes entries (already sorted ascending by key, by the caller:
// memtable flush or compaction merge) to path, sized for the given target
// false-positive rate.
func Write(path string, entries []Entry, falsePositiveRate float64) error {
	f, err := os.Create(path)
	if err != nil {
		return errs.Wrap(errs.StorageUnavailable, "create sorted run", err)
	}
	defer f.Close()
	w := bufio.NewWriter(f)

	filter := bloom.NewWithEstimates(uint(max(1, len(entries))), falsePositiveRate)

	var offset int64
	var index []indexPoint
	for i, e := range entries {
		if i%indexSampleRate == 0 {
			index = append(index, indexPoint{key: e.Key, offset: offset})
		}
		filter.Add(e.Key)

		n, werr := writeDataRecord(w, e)
		if werr != nil {
			return werr
		}
		offset += int64(n)
	}
	dataLen := offset

	indexOffset := dataLen
	var indexLen int64
	for _, p := range index {
		n, werr := writeIndexPoint(w, p)
		if werr != nil {
			return werr
		}
		indexLen += int64(n)
	}

	bloomOffset := indexOffset + indexLen
	var bloomBuf bytes.Buffer
	if _, err := filter.WriteTo(&bloomBuf); err != nil {
		return errs.Wrap(errs.StorageUnavailable, "serialize bloom filter", err)
	}
	if _, err := w.Write(bloomBuf.Bytes()); err != nil {
		return errs.Wrap(errs.StorageUnavailable, "write bloom filter", err)
	}
	bloomLen := int64(bloomBuf.Len())

	var minKey, maxKey []byte
	if len(entries) > 0 {
		minKey = entries[0].Key
		maxKey = entries[len(entries)-1].Key
	}
	if _, err := w.Write(minKey); err != nil {
		return errs.Wrap(errs.StorageUnavailable, "write footer min key", err)
	}
	if _, err := w.Write(maxKey); err != nil {
		return errs.Wrap(errs.StorageUnavailable, "write footer max key", err)
	}

	trailer := make([]byte, footerFixedSize)
	off := 0
	binary.BigEndian.PutUint64(trailer[off:], uint64(indexOffset))
	off += 8
	binary.BigEndian.PutUint64(trailer[off:], uint64(indexLen))
	off += 8
	binary.BigEndian.PutUint64(trailer[off:], uint64(bloomOffset))
	off += 8
	binary.BigEndian.PutUint64(trailer[off:], uint64(bloomLen))
	off += 8
	binary.BigEndian.PutUint64(trailer[off:], uint64(len(entries)))
	off += 8
	binary.BigEndian.PutUint64(trailer[off:], uint64(time.Now().UnixNano()))
	off += 8
	binary.BigEndian.PutUint32(trailer[off:], uint32(len(minKey)))
	off += 4
	binary.BigEndian.PutUint32(trailer[off:], uint32(len(maxKey)))

	if _, err := w.Write(trailer); err != nil {
		return errs.Wrap(errs.StorageUnavailable, "write footer trailer", err)
	}
	if err := w.Flush(); err != nil {
		return errs.Wrap(errs.StorageUnavailable, "flush sorted run", err)
	}
	return f.Sync()
}

func writeDataRecord(w io.Writer, e Entry) (int, error) {
	var buf bytes.Buffer
	var klen [4]byte
	binary.BigEndian.PutUint32(klen[:], uint32(len(e.Key)))
	buf.Write(klen[:])
	buf.Write(e.Key)

	var vlen [4]byte
	if e.Tombstone {
		binary.BigEndian.PutUint32(vlen[:], tombstoneMarker)
		buf.Write(vlen[:])
	} else {
		binary.BigEndian.PutUint32(vlen[:], uint32(len(e.Value)))
		buf.Write(vlen[:])
		buf.Write(e.Value)
	}
	n, err := w.Write(buf.Bytes())
	if err != nil {
		return 0, errs.Wrap(errs.StorageUnavailable, "write sorted run record", err)
	}
	return n, nil
}

func writeIndexPoint(w io.Writer, p indexPoint) (int, error) {
	var buf bytes.Buffer
	var klen [4]byte
	binary.BigEndian.PutUint32(klen[:], uint32(len(p.key)))
	buf.Write(klen[:])
	buf.Write(p.key)
	var off [8]byte
	binary.BigEndian.PutUint64(off[:], uint64(p.offset))
	buf.Write(off[:])
	n, err := w.Write(buf.Bytes())
	if err != nil {
		return 0, errs.Wrap(errs.StorageUnavailable, "write sorted run index", err)
	}
	return n, nil
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
