package nexadb

import (
	"fmt"

	"github.com/kartikbazzad/nexadb/internal/errs"
	"github.com/vmihailenco/msgpack/v5"
)

// Key layout: everything lives in one flat ordered keyspace,
// partitioned by database and collection.
//
//	db:<database>:col:<collection>:doc:<doc_id>
//	db:<database>:col:<collection>:idx:<field>:<encoded_value>:<doc_id>
//	db:<database>:col:<collection>:vec:<field>:<doc_id>

func docKey(database, collection, id string) []byte {
	return []byte(fmt.Sprintf("db:%s:col:%s:doc:%s", database, collection, id))
}

func docPrefix(database, collection string) []byte {
	return []byte(fmt.Sprintf("db:%s:col:%s:doc:", database, collection))
}

func indexKeyPrefix(database, collection, field string) []byte {
	return []byte(fmt.Sprintf("db:%s:col:%s:idx:%s:", database, collection, field))
}

func indexEntryKey(database, collection, field string, encodedValue []byte, id string) []byte {
	prefix := indexKeyPrefix(database, collection, field)
	out := make([]byte, 0, len(prefix)+len(encodedValue)+1+len(id))
	out = append(out, prefix...)
	out = append(out, encodedValue...)
	out = append(out, ':')
	out = append(out, id...)
	return out
}

func vectorKeyPrefix(database, collection, field string) []byte {
	return []byte(fmt.Sprintf("db:%s:col:%s:vec:%s:", database, collection, field))
}

func vectorEntryKey(database, collection, field, id string) []byte {
	return []byte(fmt.Sprintf("db:%s:col:%s:vec:%s:%s", database, collection, field, id))
}

// vectorIDFromKey recovers the document id suffix of a vector entry key,
// given the field's prefix as returned by vectorKeyPrefix.
func vectorIDFromKey(key, prefix []byte) string {
	if len(key) <= len(prefix) {
		return ""
	}
	return string(key[len(prefix):])
}

// encodeVectorEntry/decodeVectorEntry serialize a raw float32 vector with
// msgpack, the same domain codec document.go uses for full documents.
func encodeVectorEntry(vector []float32) ([]byte, error) {
	b, err := msgpack.Marshal(vector)
	if err != nil {
		return nil, errs.Wrap(errs.DecodeFailed, "encode vector", err)
	}
	return b, nil
}

func decodeVectorEntry(data []byte) ([]float32, error) {
	var v []float32
	if err := msgpack.Unmarshal(data, &v); err != nil {
		return nil, errs.Wrap(errs.DecodeFailed, "decode vector", err)
	}
	return v, nil
}
