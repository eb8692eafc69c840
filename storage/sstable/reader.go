package sstable

import (
	"bytes"
	"encoding/binary"
	"os"
	"sort"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/kartikbazzad/nexadb/internal/errs"
)

// Reader is an open handle on an immutable sorted run. Once opened, its
// footer, sparse index, and bloom filter are held in memory; data records
// are read on demand (and cached by the block cache above this package).
type Reader struct {
	Path string

	file *os.File

	indexOffset int64
	indexLen    int64
	bloomOffset int64
	bloomLen    int64

	EntryCount int64
	CreatedAt  int64
	MinKey     []byte
	MaxKey     []byte

	index  []indexPoint
	filter *bloom.BloomFilter
}

// Open loads the footer, bloom filter, and sparse index of the sorted run
// at path without reading the full data section.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errs.Wrap(errs.StorageUnavailable, "open sorted run", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errs.Wrap(errs.StorageUnavailable, "stat sorted run", err)
	}
	size := info.Size()
	if size < footerFixedSize {
		f.Close()
		return nil, errs.Wrap(errs.ManifestCorrupt, "sorted run shorter than footer", nil)
	}

	trailer := make([]byte, footerFixedSize)
	if _, err := f.ReadAt(trailer, size-footerFixedSize); err != nil {
		f.Close()
		return nil, errs.Wrap(errs.ManifestCorrupt, "read sorted run footer", err)
	}

	off := 0
	indexOffset := int64(binary.BigEndian.Uint64(trailer[off:]))
	off += 8
	indexLen := int64(binary.BigEndian.Uint64(trailer[off:]))
	off += 8
	bloomOffset := int64(binary.BigEndian.Uint64(trailer[off:]))
	off += 8
	bloomLen := int64(binary.BigEndian.Uint64(trailer[off:]))
	off += 8
	entryCount := int64(binary.BigEndian.Uint64(trailer[off:]))
	off += 8
	createdAt := int64(binary.BigEndian.Uint64(trailer[off:]))
	off += 8
	minKeyLen := int64(binary.BigEndian.Uint32(trailer[off:]))
	off += 4
	maxKeyLen := int64(binary.BigEndian.Uint32(trailer[off:]))

	keysStart := size - footerFixedSize - minKeyLen - maxKeyLen
	keysBuf := make([]byte, minKeyLen+maxKeyLen)
	if minKeyLen+maxKeyLen > 0 {
		if _, err := f.ReadAt(keysBuf, keysStart); err != nil {
			f.Close()
			return nil, errs.Wrap(errs.ManifestCorrupt, "read sorted run min/max keys", err)
		}
	}

	r := &Reader{
		Path:        path,
		file:        f,
		indexOffset: indexOffset,
		indexLen:    indexLen,
		bloomOffset: bloomOffset,
		bloomLen:    bloomLen,
		EntryCount:  entryCount,
		CreatedAt:   createdAt,
		MinKey:      append([]byte(nil), keysBuf[:minKeyLen]...),
		MaxKey:      append([]byte(nil), keysBuf[minKeyLen:]...),
	}

	if err := r.loadBloom(); err != nil {
		f.Close()
		return nil, err
	}
	if err := r.loadIndex(); err != nil {
		f.Close()
		return nil, err
	}
	return r, nil
}

func (r *Reader) loadBloom() error {
	if r.bloomLen == 0 {
		r.filter = bloom.NewWithEstimates(1, 0.01)
		return nil
	}
	buf := make([]byte, r.bloomLen)
	if _, err := r.file.ReadAt(buf, r.bloomOffset); err != nil {
		return errs.Wrap(errs.ManifestCorrupt, "read bloom filter", err)
	}
	filter := &bloom.BloomFilter{}
	if _, err := filter.ReadFrom(bytes.NewReader(buf)); err != nil {
		return errs.Wrap(errs.ManifestCorrupt, "decode bloom filter", err)
	}
	r.filter = filter
	return nil
}

func (r *Reader) loadIndex() error {
	if r.indexLen == 0 {
		return nil
	}
	buf := make([]byte, r.indexLen)
	if _, err := r.file.ReadAt(buf, r.indexOffset); err != nil {
		return errs.Wrap(errs.ManifestCorrupt, "read sparse index", err)
	}
	off := 0
	for off < len(buf) {
		klen := int(binary.BigEndian.Uint32(buf[off:]))
		off += 4
		key := append([]byte(nil), buf[off:off+klen]...)
		off += klen
		ofs := int64(binary.BigEndian.Uint64(buf[off:]))
		off += 8
		r.index = append(r.index, indexPoint{key: key, offset: ofs})
	}
	return nil
}

// MayContain consults the bloom filter. It never returns
// a false negative.
func (r *Reader) MayContain(key []byte) bool {
	return r.filter.Test(key)
}

// Get scans the data section starting from the nearest sparse-index sample
// at or before key, returning the value, whether it is a tombstone, and
// whether the key was found at all in this run.
func (r *Reader) Get(key []byte) (value []byte, tombstone bool, found bool, err error) {
	if !r.MayContain(key) {
		return nil, false, false, nil
	}
	if bytes.Compare(key, r.MinKey) < 0 || bytes.Compare(key, r.MaxKey) > 0 {
		return nil, false, false, nil
	}

	start := int64(0)
	i := sort.Search(len(r.index), func(i int) bool {
		return bytes.Compare(r.index[i].key, key) > 0
	})
	if i > 0 {
		start = r.index[i-1].offset
	}

	dataEnd := r.indexOffset
	pos := start
	for pos < dataEnd {
		rec, n, rerr := r.readRecordAt(pos)
		if rerr != nil {
			return nil, false, false, rerr
		}
		cmp := bytes.Compare(rec.Key, key)
		if cmp == 0 {
			return rec.Value, rec.Tombstone, true, nil
		}
		if cmp > 0 {
			return nil, false, false, nil
		}
		pos += int64(n)
	}
	return nil, false, false, nil
}

func (r *Reader) readRecordAt(offset int64) (Entry, int, error) {
	head := make([]byte, 4)
	if _, err := r.file.ReadAt(head, offset); err != nil {
		return Entry{}, 0, errs.Wrap(errs.StorageUnavailable, "read sorted run record header", err)
	}
	klen := int(binary.BigEndian.Uint32(head))
	key := make([]byte, klen)
	if klen > 0 {
		if _, err := r.file.ReadAt(key, offset+4); err != nil {
			return Entry{}, 0, errs.Wrap(errs.StorageUnavailable, "read sorted run key", err)
		}
	}
	vlenBuf := make([]byte, 4)
	if _, err := r.file.ReadAt(vlenBuf, offset+4+int64(klen)); err != nil {
		return Entry{}, 0, errs.Wrap(errs.StorageUnavailable, "read sorted run value length", err)
	}
	vlenRaw := binary.BigEndian.Uint32(vlenBuf)
	if vlenRaw == tombstoneMarker {
		return Entry{Key: key, Tombstone: true}, 4 + klen + 4, nil
	}
	vlen := int(vlenRaw)
	value := make([]byte, vlen)
	if vlen > 0 {
		if _, err := r.file.ReadAt(value, offset+4+int64(klen)+4); err != nil {
			return Entry{}, 0, errs.Wrap(errs.StorageUnavailable, "read sorted run value", err)
		}
	}
	return Entry{Key: key, Value: value}, 4 + klen + 4 + vlen, nil
}

// All returns every entry in the run in ascending key order, for compaction
// merges.
func (r *Reader) All() ([]Entry, error) {
	var out []Entry
	pos := int64(0)
	for pos < r.indexOffset {
		rec, n, err := r.readRecordAt(pos)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
		pos += int64(n)
	}
	return out, nil
}

// Close releases the underlying file handle.
func (r *Reader) Close() error { return r.file.Close() }
