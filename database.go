// Package nexadb implements the document engine: databases, collections,
// documents, secondary indexes, and vector search, all layered on the
// storage.Engine's flat, multi-database keyspace.
package nexadb

import (
	"sync"

	"github.com/kartikbazzad/nexadb/hnsw"
	"github.com/kartikbazzad/nexadb/internal/errs"
	"github.com/kartikbazzad/nexadb/mvcc"
	"github.com/kartikbazzad/nexadb/rules"
	"github.com/kartikbazzad/nexadb/security"
	"github.com/kartikbazzad/nexadb/storage"
)

// Options configures Open.
type Options struct {
	Path         string
	Engine       storage.Options
	MetadataPath string
	AuditLogPath string

	// AuditEncryptionKey, when set, must be security.KeySize bytes; audit
	// log entries are then AES-GCM sealed before being written. Leave nil
	// to keep the audit log in plaintext.
	AuditEncryptionKey []byte

	RootPasswordInitial string
}

// DefaultOptions returns sane defaults rooted at path.
func DefaultOptions(path string) *Options {
	return &Options{
		Path:         path,
		Engine:       storage.Options{DataDir: path},
		MetadataPath: path + "/system_catalog.json",
		AuditLogPath: path + "/audit.log",
	}
}

// Server is the single-process runtime that owns the storage engine and
// every cross-cutting subsystem (security, rules, audit, vector indexes,
// catalog). One process hosts many named databases, each with many
// collections, so Server owns the shared engine and exposes thin
// per-database and per-collection handles below.
type Server struct {
	eng         *storage.Engine
	metadata    *MetadataManager
	Security    *security.UserManager
	Audit       *security.AuditLogger
	RulesEngine *rules.RulesEngine
	versions    *mvcc.VersionManager

	vecMu   sync.Mutex
	vectors map[string]*hnsw.Index // "database/collection/field" -> index

	schemaCache sync.Map // "database/collection" -> *gojsonschema.Schema

	collMu sync.Map // "database/collection" -> *sync.Mutex, serializes read-modify-write

	mu     sync.RWMutex
	closed bool
}

// collectionLock returns the mutex guarding read-modify-write sequences
// (Update/Patch/Delete/index maintenance) for one collection, shared across
// every *Collection handle addressing it since handles are cheap and
// re-created per call.
func (s *Server) collectionLock(database, collection string) *sync.Mutex {
	key := database + "/" + collection
	v, _ := s.collMu.LoadOrStore(key, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Open wires the engine, catalog, security, rules, and audit subsystems in
// dependency order: storage engine, metadata manager, rules engine, version
// manager, security manager, audit log.
func Open(opts *Options) (*Server, error) {
	eng, err := storage.Open(opts.Engine)
	if err != nil {
		return nil, err
	}

	metadataMgr, err := NewMetadataManager(opts.MetadataPath)
	if err != nil {
		eng.Close()
		return nil, err
	}

	rulesEngine, err := rules.NewRulesEngine()
	if err != nil {
		eng.Close()
		return nil, err
	}

	srv := &Server{
		eng:         eng,
		metadata:    metadataMgr,
		RulesEngine: rulesEngine,
		versions:    mvcc.NewVersionManager(),
		vectors:     make(map[string]*hnsw.Index),
	}

	srv.Security = security.NewUserManager(&InternalUserStore{srv: srv})

	var audit *security.AuditLogger
	if opts.AuditLogPath != "" {
		audit, err = security.NewAuditLogger(opts.AuditLogPath, opts.AuditEncryptionKey)
		if err != nil {
			eng.Close()
			return nil, err
		}
	} else {
		audit = security.DiscardLogger()
	}
	srv.Audit = audit
	srv.Audit.Log(security.EventSystemStart, "", "", nil)

	if err := srv.bootstrapRoot(opts.RootPasswordInitial); err != nil {
		eng.Close()
		return nil, err
	}

	if err := srv.restoreVectorIndexes(); err != nil {
		eng.Close()
		return nil, err
	}

	return srv, nil
}

// bootstrapRoot creates the root user on a fresh catalog if it doesn't
// already exist.
func (s *Server) bootstrapRoot(initialPassword string) error {
	if _, err := s.Security.GetUser("root"); err == nil {
		return nil
	}
	if initialPassword == "" {
		initialPassword = "nexadb"
	}
	return s.Security.CreateUser("root", initialPassword, []security.Role{security.RoleRoot})
}

// restoreVectorIndexes rebuilds every configured HNSW index from the
// vectors already durable in the engine.
func (s *Server) restoreVectorIndexes() error {
	for _, dbName := range s.metadata.ListDatabases() {
		for _, collName := range s.metadata.ListCollections(dbName) {
			meta, _ := s.metadata.GetCollection(dbName, collName)
			for field, vmeta := range meta.VectorIndexes {
				idx := hnsw.New(vmeta.Dim, hnsw.Params{M: vmeta.M, EfConstruction: vmeta.EfConstruction, EfSearch: vmeta.EfSearch})
				kvs, err := s.eng.ScanPrefix(vectorKeyPrefix(dbName, collName, field))
				if err != nil {
					return err
				}
				prefix := vectorKeyPrefix(dbName, collName, field)
				for _, kv := range kvs {
					vec, err := decodeVectorEntry(kv.Value)
					if err != nil {
						continue
					}
					idx.Insert(vectorIDFromKey(kv.Key, prefix), vec)
				}
				s.vectors[vectorIndexKey(dbName, collName, field)] = idx
			}
		}
	}
	return nil
}

func vectorIndexKey(database, collection, field string) string {
	return database + "/" + collection + "/" + field
}

// IsClosed reports whether Close has already been called, letting pooled
// callers (pool.Pool's health checker) detect and discard a dead handle.
func (s *Server) IsClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// Close flushes and closes the engine and audit log.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.Audit.Close()
	return s.eng.Close()
}

// Database returns a handle to a named database. Databases are implicit:
// Server has no separate create call, and a database appears in the
// catalog once it holds a collection (the wire DATABASE_CREATE handler
// registers a `_bootstrap` collection for this).
func (s *Server) Database(name string) *Database {
	return &Database{name: name, srv: s}
}

// ListDatabases returns every database name known to the catalog.
func (s *Server) ListDatabases() []string {
	return s.metadata.ListDatabases()
}

// Database is a thin handle: all state lives in the owning Server, so
// handles are cheap to create and re-create over the shared engine.
type Database struct {
	name string
	srv  *Server
}

// Name returns the database's name.
func (d *Database) Name() string { return d.name }

// CreateCollection registers collection in the catalog and returns a handle
// to it. Creating an already-existing collection is a no-op.
func (d *Database) CreateCollection(name string) (*Collection, error) {
	if err := d.srv.metadata.EnsureCollection(d.name, name); err != nil {
		return nil, err
	}
	return &Collection{database: d.name, name: name, srv: d.srv}, nil
}

// GetCollection returns a handle to an existing collection, or
// errs.ErrCollectionNotFound if it has never been created.
func (d *Database) GetCollection(name string) (*Collection, error) {
	if _, ok := d.srv.metadata.GetCollection(d.name, name); !ok {
		return nil, errs.ErrCollectionNotFound
	}
	return &Collection{database: d.name, name: name, srv: d.srv}, nil
}

// DropCollection deletes a collection's catalog entry and every document,
// index, and vector entry belonging to it.
func (d *Database) DropCollection(name string) error {
	coll := &Collection{database: d.name, name: name, srv: d.srv}
	if err := coll.dropAllData(); err != nil {
		return err
	}
	d.srv.vecMu.Lock()
	for key := range d.srv.vectors {
		if hasVectorPrefix(key, d.name, name) {
			delete(d.srv.vectors, key)
		}
	}
	d.srv.vecMu.Unlock()
	return d.srv.metadata.DeleteCollection(d.name, name)
}

func hasVectorPrefix(key, database, collection string) bool {
	prefix := database + "/" + collection + "/"
	return len(key) > len(prefix) && key[:len(prefix)] == prefix
}

// ListCollections returns every collection name registered for this
// database.
func (d *Database) ListCollections() []string {
	return d.srv.metadata.ListCollections(d.name)
}
