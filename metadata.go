package nexadb

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// SystemMetadata is the persistent system catalog. Index entries carry no
// separate tree root reference — CollectionMeta tracks only which fields
// are indexed, since secondary indexes live as ordinary engine keys.
type SystemMetadata struct {
	Databases map[string]DatabaseMeta `json:"databases"`
}

// DatabaseMeta holds the collections that exist within one named database.
type DatabaseMeta struct {
	Collections map[string]CollectionMeta `json:"collections"`
}

// VectorIndexMeta describes an HNSW vector index on one field.
type VectorIndexMeta struct {
	Dim            int `json:"dim"`
	M              int `json:"m"`
	EfConstruction int `json:"ef_construction"`
	EfSearch       int `json:"ef_search"`
}

// CollectionMeta holds metadata for a single collection.
type CollectionMeta struct {
	Name          string                     `json:"name"`
	Indexes       []string                   `json:"indexes"`                   // indexed field names, "_id" implicit
	VectorIndexes map[string]VectorIndexMeta `json:"vector_indexes,omitempty"`  // field -> HNSW params
	Schema        string                     `json:"schema,omitempty"`
	Rules         map[string]string          `json:"rules,omitempty"` // operation -> CEL expression
}

// MetadataManager persists the system catalog to a JSON file
// (system_catalog.json).
type MetadataManager struct {
	path     string
	metadata SystemMetadata
	mu       sync.RWMutex
}

// NewMetadataManager loads path if present, or starts with an empty catalog.
func NewMetadataManager(path string) (*MetadataManager, error) {
	mm := &MetadataManager{
		path:     path,
		metadata: SystemMetadata{Databases: make(map[string]DatabaseMeta)},
	}

	if err := mm.load(); err != nil {
		if os.IsNotExist(err) {
			return mm, nil
		}
		return nil, err
	}
	if mm.metadata.Databases == nil {
		mm.metadata.Databases = make(map[string]DatabaseMeta)
	}
	return mm, nil
}

func (mm *MetadataManager) load() error {
	data, err := os.ReadFile(mm.path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, &mm.metadata)
}

// Save writes the catalog to disk.
func (mm *MetadataManager) Save() error {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	return mm.saveLocked()
}

func (mm *MetadataManager) saveLocked() error {
	data, err := json.MarshalIndent(mm.metadata, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(mm.path, data, 0644)
}

func (mm *MetadataManager) dbLocked(database string) DatabaseMeta {
	dbMeta, ok := mm.metadata.Databases[database]
	if !ok {
		dbMeta = DatabaseMeta{Collections: make(map[string]CollectionMeta)}
		mm.metadata.Databases[database] = dbMeta
	}
	if dbMeta.Collections == nil {
		dbMeta.Collections = make(map[string]CollectionMeta)
		mm.metadata.Databases[database] = dbMeta
	}
	return dbMeta
}

// EnsureCollection registers a collection with an empty catalog entry if
// it doesn't already exist.
func (mm *MetadataManager) EnsureCollection(database, collection string) error {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	dbMeta := mm.dbLocked(database)
	if _, exists := dbMeta.Collections[collection]; exists {
		return nil
	}
	dbMeta.Collections[collection] = CollectionMeta{Name: collection}
	return mm.saveLocked()
}

// GetCollection returns the catalog entry for database/collection.
func (mm *MetadataManager) GetCollection(database, collection string) (CollectionMeta, bool) {
	mm.mu.RLock()
	defer mm.mu.RUnlock()
	dbMeta, ok := mm.metadata.Databases[database]
	if !ok {
		return CollectionMeta{}, false
	}
	meta, ok := dbMeta.Collections[collection]
	return meta, ok
}

// DeleteCollection removes a collection from the catalog.
func (mm *MetadataManager) DeleteCollection(database, collection string) error {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	dbMeta := mm.dbLocked(database)
	delete(dbMeta.Collections, collection)
	return mm.saveLocked()
}

// ListCollections returns collection names for database.
func (mm *MetadataManager) ListCollections(database string) []string {
	mm.mu.RLock()
	defer mm.mu.RUnlock()
	dbMeta, ok := mm.metadata.Databases[database]
	if !ok {
		return nil
	}
	names := make([]string, 0, len(dbMeta.Collections))
	for name := range dbMeta.Collections {
		names = append(names, name)
	}
	return names
}

// ListDatabases returns every database name known to the catalog.
func (mm *MetadataManager) ListDatabases() []string {
	mm.mu.RLock()
	defer mm.mu.RUnlock()
	names := make([]string, 0, len(mm.metadata.Databases))
	for name := range mm.metadata.Databases {
		names = append(names, name)
	}
	return names
}

// AddIndex records field as indexed for database/collection.
func (mm *MetadataManager) AddIndex(database, collection, field string) error {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	dbMeta := mm.dbLocked(database)
	meta, ok := dbMeta.Collections[collection]
	if !ok {
		meta = CollectionMeta{Name: collection}
	}
	for _, f := range meta.Indexes {
		if f == field {
			return nil
		}
	}
	meta.Indexes = append(meta.Indexes, field)
	dbMeta.Collections[collection] = meta
	return mm.saveLocked()
}

// RemoveIndex drops field from the indexed-fields list.
func (mm *MetadataManager) RemoveIndex(database, collection, field string) error {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	dbMeta := mm.dbLocked(database)
	meta, ok := dbMeta.Collections[collection]
	if !ok {
		return fmt.Errorf("collection not found: %s", collection)
	}
	out := meta.Indexes[:0]
	for _, f := range meta.Indexes {
		if f != field {
			out = append(out, f)
		}
	}
	meta.Indexes = out
	dbMeta.Collections[collection] = meta
	return mm.saveLocked()
}

// AddVectorIndex records an HNSW vector index on field.
func (mm *MetadataManager) AddVectorIndex(database, collection, field string, v VectorIndexMeta) error {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	dbMeta := mm.dbLocked(database)
	meta, ok := dbMeta.Collections[collection]
	if !ok {
		meta = CollectionMeta{Name: collection}
	}
	if meta.VectorIndexes == nil {
		meta.VectorIndexes = make(map[string]VectorIndexMeta)
	}
	meta.VectorIndexes[field] = v
	dbMeta.Collections[collection] = meta
	return mm.saveLocked()
}

// UpdateCollectionSchema sets the JSON schema for database/collection.
func (mm *MetadataManager) UpdateCollectionSchema(database, collection, schema string) error {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	dbMeta := mm.dbLocked(database)
	meta, ok := dbMeta.Collections[collection]
	if !ok {
		return fmt.Errorf("collection %s does not exist", collection)
	}
	meta.Schema = schema
	dbMeta.Collections[collection] = meta
	return mm.saveLocked()
}

// UpdateCollectionRules sets the per-operation CEL rules for a collection.
func (mm *MetadataManager) UpdateCollectionRules(database, collection string, rules map[string]string) error {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	dbMeta := mm.dbLocked(database)
	meta, ok := dbMeta.Collections[collection]
	if !ok {
		return fmt.Errorf("collection not found: %s", collection)
	}
	meta.Rules = rules
	dbMeta.Collections[collection] = meta
	return mm.saveLocked()
}
