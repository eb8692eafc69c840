package nexadb

import (
	"bytes"
	"sort"
	"strings"

	"github.com/kartikbazzad/nexadb/internal/indexkey"
	"github.com/kartikbazzad/nexadb/storage"
)

// maintainIndexesOnWrite updates every secondary index registered for
// collection to reflect replacing oldDoc (nil on insert) with newDoc (nil on
// delete), keeping index entries consistent with the document body.
func maintainIndexesOnWrite(eng *storage.Engine, database, collection string, fields []string, oldDoc, newDoc Document) error {
	id := ""
	if newDoc != nil {
		id = newDoc.GetID()
	} else if oldDoc != nil {
		id = oldDoc.GetID()
	}
	for _, field := range fields {
		if oldDoc != nil {
			if v, ok := oldDoc[field]; ok {
				key := indexEntryKey(database, collection, field, indexkey.Encode(v), id)
				if err := eng.Delete(key, false); err != nil {
					return err
				}
			}
		}
		if newDoc != nil {
			if v, ok := newDoc[field]; ok {
				key := indexEntryKey(database, collection, field, indexkey.Encode(v), id)
				if err := eng.Put(key, []byte{}, false); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// scanIndexEqual returns the document IDs whose field equals value, by
// range-scanning the index's key prefix for that exact encoded value.
func scanIndexEqual(eng *storage.Engine, database, collection, field string, value interface{}) ([]string, error) {
	encoded := indexkey.Encode(value)
	prefix := indexEntryKey(database, collection, field, encoded, "")
	return scanIndexPrefix(eng, prefix)
}

// scanIndexRange returns document IDs for index entries whose encoded value
// falls within [lowValue, highValue] (either bound may be nil for open
// range), ordered ascending by doc id.
func scanIndexRange(eng *storage.Engine, database, collection, field string, low, high interface{}) ([]string, error) {
	prefix := indexKeyPrefix(database, collection, field)
	kvs, err := eng.ScanPrefix(prefix)
	if err != nil {
		return nil, err
	}

	var lowEnc, highEnc []byte
	if low != nil {
		lowEnc = indexkey.Encode(low)
	}
	if high != nil {
		highEnc = indexkey.Encode(high)
	}

	ids := make([]string, 0, len(kvs))
	for _, kv := range kvs {
		rest := kv.Key[len(prefix):]
		sep := bytes.LastIndexByte(rest, ':')
		if sep < 0 {
			continue
		}
		encVal, id := rest[:sep], string(rest[sep+1:])
		if lowEnc != nil && bytes.Compare(encVal, lowEnc) < 0 {
			continue
		}
		if highEnc != nil && bytes.Compare(encVal, highEnc) > 0 {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func scanIndexPrefix(eng *storage.Engine, prefix []byte) ([]string, error) {
	kvs, err := eng.ScanPrefix(prefix)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(kvs))
	for _, kv := range kvs {
		rest := string(kv.Key[len(prefix):])
		ids = append(ids, strings.TrimPrefix(rest, ""))
	}
	return ids, nil
}
