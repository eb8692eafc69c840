package nexadb

import (
	"fmt"
	"sort"
	"time"

	"github.com/kartikbazzad/nexadb/hnsw"
	"github.com/kartikbazzad/nexadb/internal/errs"
	"github.com/kartikbazzad/nexadb/internal/query"
	"github.com/kartikbazzad/nexadb/mvcc"
	"github.com/kartikbazzad/nexadb/rules"
	"github.com/xeipuuv/gojsonschema"
)

// Collection is a thin handle addressing one (database, name) pair; every
// method reaches into the owning Server for state, matching the
// Server/Database/Collection handle split in database.go.
type Collection struct {
	database string
	name     string
	srv      *Server
}

// Name returns the collection's name.
func (c *Collection) Name() string { return c.name }

func (c *Collection) metaKey() string { return c.database + "/" + c.name }

// GetSchema returns the collection's JSON Schema, or "" if none is set.
func (c *Collection) GetSchema() (string, error) {
	meta, ok := c.srv.metadata.GetCollection(c.database, c.name)
	if !ok {
		return "", errs.ErrCollectionNotFound
	}
	return meta.Schema, nil
}

// SetSchema compiles and persists a JSON Schema for documents in this
// collection, using xeipuuv/gojsonschema.
func (c *Collection) SetSchema(schemaStr string) error {
	if schemaStr == "" {
		c.srv.schemaCache.Delete(c.metaKey())
		return c.srv.metadata.UpdateCollectionSchema(c.database, c.name, "")
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schemaStr))
	if err != nil {
		return errs.Wrap(errs.InvalidQuery, "invalid json schema", err)
	}
	c.srv.schemaCache.Store(c.metaKey(), schema)
	return c.srv.metadata.UpdateCollectionSchema(c.database, c.name, schemaStr)
}

// SetRules stores per-operation CEL expressions, keyed by operation name
// with a "write" fallback for create/update/delete.
func (c *Collection) SetRules(rules map[string]string) error {
	return c.srv.metadata.UpdateCollectionRules(c.database, c.name, rules)
}

// GetRules returns the collection's per-operation CEL rules.
func (c *Collection) GetRules() map[string]string {
	meta, ok := c.srv.metadata.GetCollection(c.database, c.name)
	if !ok {
		return nil
	}
	return meta.Rules
}

// evaluateRule checks resource (and, for writes, the incoming document)
// against the rule bound to op, with admin bypass and default-allow-if-unset.
func (c *Collection) evaluateRule(op string, auth *rules.AuthContext, resource map[string]interface{}) error {
	if auth != nil && auth.IsAdmin {
		return nil
	}
	meta, ok := c.srv.metadata.GetCollection(c.database, c.name)
	if !ok || len(meta.Rules) == 0 {
		return nil
	}
	rule, hasRule := meta.Rules[op]
	if !hasRule && (op == "create" || op == "update" || op == "delete") {
		rule, hasRule = meta.Rules["write"]
	}
	if !hasRule {
		return nil
	}

	var reqAuth interface{}
	if auth != nil {
		reqAuth = map[string]interface{}{"uid": auth.UID, "claims": auth.Claims}
	}
	ctx := map[string]interface{}{
		"request":  map[string]interface{}{"auth": reqAuth},
		"resource": map[string]interface{}{"data": resource},
	}
	allowed, err := c.srv.RulesEngine.Evaluate(rule, ctx)
	if err != nil {
		return errs.Wrap(errs.InvalidQuery, "rule evaluation error", err)
	}
	if !allowed {
		return errs.New(errs.PermissionDenied, fmt.Sprintf("rule %q denied the request", op))
	}
	return nil
}

func (c *Collection) validate(doc Document) error {
	cached, ok := c.srv.schemaCache.Load(c.metaKey())
	if !ok {
		meta, exists := c.srv.metadata.GetCollection(c.database, c.name)
		if !exists || meta.Schema == "" {
			return nil
		}
		schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(meta.Schema))
		if err != nil {
			return errs.Wrap(errs.InvalidQuery, "invalid cached json schema", err)
		}
		c.srv.schemaCache.Store(c.metaKey(), schema)
		cached = schema
	}
	schema := cached.(*gojsonschema.Schema)

	result, err := schema.Validate(gojsonschema.NewGoLoader(map[string]interface{}(doc)))
	if err != nil {
		return errs.Wrap(errs.InvalidQuery, "schema validation error", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, d := range result.Errors() {
			msgs = append(msgs, d.String())
		}
		return errs.New(errs.InvalidQuery, fmt.Sprintf("document invalid against schema: %v", msgs))
	}
	return nil
}

func (c *Collection) indexedFields() []string {
	meta, ok := c.srv.metadata.GetCollection(c.database, c.name)
	if !ok {
		return nil
	}
	return meta.Indexes
}

func (c *Collection) vectorFields() []string {
	meta, ok := c.srv.metadata.GetCollection(c.database, c.name)
	if !ok {
		return nil
	}
	fields := make([]string, 0, len(meta.VectorIndexes))
	for f := range meta.VectorIndexes {
		fields = append(fields, f)
	}
	return fields
}

func (c *Collection) indexVectors(doc Document) error {
	for _, field := range c.vectorFields() {
		if _, ok := doc[field]; ok {
			if err := c.indexVector(field, doc); err != nil {
				return err
			}
		}
	}
	return nil
}

// Insert stores a new document: rule check, schema
// validation, x-nexadb-ref target existence check, ID/timestamp stamping,
// then primary write plus secondary index maintenance.
func (c *Collection) Insert(auth *rules.AuthContext, doc Document) error {
	if err := c.evaluateRule("create", auth, doc); err != nil {
		return err
	}
	if err := c.validate(doc); err != nil {
		return err
	}
	if err := c.checkReferencesExist(doc); err != nil {
		return err
	}

	lock := c.srv.collectionLock(c.database, c.name)
	lock.Lock()
	defer lock.Unlock()

	if doc.GetID() != "" {
		if _, found, err := c.srv.eng.Get(docKey(c.database, c.name, doc.GetID())); err != nil {
			return err
		} else if found {
			return errs.ErrDuplicateID
		}
	}
	doc.stamp(mvccNow(c.srv.versions), true)

	data, err := doc.Encode()
	if err != nil {
		return err
	}
	if err := c.srv.eng.Put(docKey(c.database, c.name, doc.GetID()), data, false); err != nil {
		return err
	}
	if err := maintainIndexesOnWrite(c.srv.eng, c.database, c.name, c.indexedFields(), nil, doc); err != nil {
		return err
	}
	return c.indexVectors(doc)
}

// FindByID fetches one document by _id.
func (c *Collection) FindByID(auth *rules.AuthContext, id string) (Document, error) {
	doc, err := c.getByID(id)
	if err != nil {
		return nil, err
	}
	if err := c.evaluateRule("read", auth, doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func (c *Collection) getByID(id string) (Document, error) {
	data, found, err := c.srv.eng.Get(docKey(c.database, c.name, id))
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, errs.ErrDocumentNotFound
	}
	return DecodeDocument(data)
}

// Update replaces the document at id with doc, re-running the update rule
// check (which sees both the prior and the new state) and schema validation
// of the new document, then reconciling secondary indexes.
func (c *Collection) Update(auth *rules.AuthContext, id string, doc Document) error {
	lock := c.srv.collectionLock(c.database, c.name)
	lock.Lock()
	defer lock.Unlock()
	return c.updateLocked(auth, id, doc)
}

func (c *Collection) updateLocked(auth *rules.AuthContext, id string, doc Document) error {
	oldDoc, err := c.getByID(id)
	if err != nil {
		return err
	}
	if auth == nil || !auth.IsAdmin {
		if err := c.evaluateUpdateRule(auth, oldDoc, doc); err != nil {
			return err
		}
	}
	if err := c.validate(doc); err != nil {
		return err
	}
	if err := c.checkReferencesExist(doc); err != nil {
		return err
	}

	doc.SetID(id)
	doc[fieldCreatedAt] = oldDoc[fieldCreatedAt]
	doc.stamp(mvccNow(c.srv.versions), false)

	data, err := doc.Encode()
	if err != nil {
		return err
	}
	if err := c.srv.eng.Put(docKey(c.database, c.name, id), data, false); err != nil {
		return err
	}
	if err := maintainIndexesOnWrite(c.srv.eng, c.database, c.name, c.indexedFields(), oldDoc, doc); err != nil {
		return err
	}
	return c.indexVectors(doc)
}

// evaluateUpdateRule mirrors evaluateRule but exposes both the prior
// document (as "resource") and the incoming one (as "request.resource").
func (c *Collection) evaluateUpdateRule(auth *rules.AuthContext, oldDoc, newDoc Document) error {
	meta, ok := c.srv.metadata.GetCollection(c.database, c.name)
	if !ok || len(meta.Rules) == 0 {
		return nil
	}
	rule, hasRule := meta.Rules["update"]
	if !hasRule {
		rule, hasRule = meta.Rules["write"]
	}
	if !hasRule {
		return nil
	}
	var reqAuth interface{}
	if auth != nil {
		reqAuth = map[string]interface{}{"uid": auth.UID, "claims": auth.Claims}
	}
	ctx := map[string]interface{}{
		"request":  map[string]interface{}{"auth": reqAuth, "resource": map[string]interface{}{"data": map[string]interface{}(newDoc)}},
		"resource": map[string]interface{}{"data": map[string]interface{}(oldDoc)},
	}
	allowed, err := c.srv.RulesEngine.Evaluate(rule, ctx)
	if err != nil {
		return errs.Wrap(errs.InvalidQuery, "rule evaluation error", err)
	}
	if !allowed {
		return errs.New(errs.PermissionDenied, "rule \"update\" denied the request")
	}
	return nil
}

// Patch merges patch into the stored document using dot-notation field
// paths and runs it through the same path as Update.
func (c *Collection) Patch(auth *rules.AuthContext, id string, patch map[string]interface{}) error {
	lock := c.srv.collectionLock(c.database, c.name)
	lock.Lock()
	defer lock.Unlock()

	current, err := c.getByID(id)
	if err != nil {
		return err
	}
	newDoc := current.Clone()
	if err := newDoc.ApplyPatch(patch); err != nil {
		return errs.Wrap(errs.InvalidQuery, "failed to apply patch", err)
	}
	return c.updateLocked(auth, id, newDoc)
}

// Delete removes the document at id and reconciles secondary indexes, first
// applying any dependent collection's x-nexadb-ref on_delete rule
// (restrict/set_null/cascade).
func (c *Collection) Delete(auth *rules.AuthContext, id string) error {
	lock := c.srv.collectionLock(c.database, c.name)
	lock.Lock()
	defer lock.Unlock()

	doc, err := c.getByID(id)
	if err != nil {
		return err
	}
	if err := c.evaluateRule("delete", auth, doc); err != nil {
		return err
	}
	if err := c.enforceOnDelete(id, make(map[string]bool)); err != nil {
		return err
	}
	if err := c.srv.eng.Delete(docKey(c.database, c.name, id), false); err != nil {
		return err
	}
	for _, field := range c.vectorFields() {
		key := vectorIndexKey(c.database, c.name, field)
		c.srv.vecMu.Lock()
		if idx, ok := c.srv.vectors[key]; ok {
			idx.Delete(id)
		}
		c.srv.vecMu.Unlock()
		if err := c.srv.eng.Delete(vectorEntryKey(c.database, c.name, field, id), false); err != nil {
			return err
		}
	}
	return maintainIndexesOnWrite(c.srv.eng, c.database, c.name, c.indexedFields(), doc, nil)
}

// InsertBatch inserts every document, stopping at the first failure;
// documents already written are not rolled back.
func (c *Collection) InsertBatch(auth *rules.AuthContext, docs []Document) error {
	for _, doc := range docs {
		if err := c.Insert(auth, doc); err != nil {
			return err
		}
	}
	return nil
}

// UpdateBatch updates every document keyed by its own _id field.
func (c *Collection) UpdateBatch(auth *rules.AuthContext, docs []Document) error {
	for _, doc := range docs {
		if err := c.Update(auth, doc.GetID(), doc); err != nil {
			return err
		}
	}
	return nil
}

// DeleteBatch deletes every listed id, stopping at the first failure.
func (c *Collection) DeleteBatch(auth *rules.AuthContext, ids []string) error {
	for _, id := range ids {
		if err := c.Delete(auth, id); err != nil {
			return err
		}
	}
	return nil
}

// scanAll materializes every live document in the collection via a single
// prefix scan.
func (c *Collection) scanAll() ([]Document, error) {
	kvs, err := c.srv.eng.ScanPrefix(docPrefix(c.database, c.name))
	if err != nil {
		return nil, err
	}
	docs := make([]Document, 0, len(kvs))
	for _, kv := range kvs {
		doc, err := DecodeDocument(kv.Value)
		if err != nil {
			continue
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

func (c *Collection) dropAllData() error {
	kvs, err := c.srv.eng.ScanPrefix([]byte(fmt.Sprintf("db:%s:col:%s:", c.database, c.name)))
	if err != nil {
		return err
	}
	for _, kv := range kvs {
		if err := c.srv.eng.Delete(kv.Key, false); err != nil {
			return err
		}
	}
	return nil
}

// List returns every document in the collection, paginated.
func (c *Collection) List(auth *rules.AuthContext, skip, limit int) ([]Document, error) {
	if err := c.evaluateRule("list", auth, nil); err != nil {
		return nil, err
	}
	docs, err := c.scanAll()
	if err != nil {
		return nil, err
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].GetID() < docs[j].GetID() })
	return paginate(docs, skip, limit), nil
}

func paginate(docs []Document, skip, limit int) []Document {
	if skip > 0 {
		if skip >= len(docs) {
			return nil
		}
		docs = docs[skip:]
	}
	if limit > 0 && limit < len(docs) {
		docs = docs[:limit]
	}
	return docs
}

// Count returns the number of live documents in the collection.
func (c *Collection) Count() (int, error) {
	kvs, err := c.srv.eng.ScanPrefix(docPrefix(c.database, c.name))
	if err != nil {
		return 0, err
	}
	return len(kvs), nil
}

// EnsureIndex creates (if absent) and backfills a secondary index on field,
// writing ordinary engine keys rather than a separate tree structure.
func (c *Collection) EnsureIndex(field string) error {
	if field == fieldID {
		return nil
	}
	for _, f := range c.indexedFields() {
		if f == field {
			return nil
		}
	}

	lock := c.srv.collectionLock(c.database, c.name)
	lock.Lock()
	defer lock.Unlock()

	docs, err := c.scanAll()
	if err != nil {
		return err
	}
	for _, doc := range docs {
		if err := maintainIndexesOnWrite(c.srv.eng, c.database, c.name, []string{field}, nil, doc); err != nil {
			return err
		}
	}
	return c.srv.metadata.AddIndex(c.database, c.name, field)
}

// DropIndex removes a secondary index's catalog entry and every entry it
// has written. Disk space used by removed keys is reclaimed on the next
// compaction pass, not immediately.
func (c *Collection) DropIndex(field string) error {
	if field == fieldID {
		return errs.New(errs.InvalidQuery, "cannot drop the primary index")
	}
	lock := c.srv.collectionLock(c.database, c.name)
	lock.Lock()
	defer lock.Unlock()

	kvs, err := c.srv.eng.ScanPrefix(indexKeyPrefix(c.database, c.name, field))
	if err != nil {
		return err
	}
	for _, kv := range kvs {
		if err := c.srv.eng.Delete(kv.Key, false); err != nil {
			return err
		}
	}
	return c.srv.metadata.RemoveIndex(c.database, c.name, field)
}

// ListIndexes returns every field with a secondary index.
func (c *Collection) ListIndexes() []string {
	return c.indexedFields()
}

// Find returns every document whose field equals value, lazily creating the index if none exists yet.
func (c *Collection) Find(field string, value interface{}) ([]Document, error) {
	if field == fieldID {
		doc, err := c.getByID(fmt.Sprintf("%v", value))
		if err != nil {
			if err == errs.ErrDocumentNotFound {
				return nil, nil
			}
			return nil, err
		}
		return []Document{doc}, nil
	}

	if err := c.EnsureIndex(field); err != nil {
		return nil, err
	}
	ids, err := scanIndexEqual(c.srv.eng, c.database, c.name, field, value)
	if err != nil {
		return nil, err
	}
	return c.fetchByIDs(ids), nil
}

func (c *Collection) fetchByIDs(ids []string) []Document {
	docs := make([]Document, 0, len(ids))
	for _, id := range ids {
		doc, err := c.getByID(id)
		if err != nil {
			continue
		}
		docs = append(docs, doc)
	}
	return docs
}

// FindQuery executes a MongoDB-style filter, attempting an
// index range-scan for a single top-level equality/comparison field before
// falling back to a full table scan, then applying sort/skip/limit.
func (c *Collection) FindQuery(auth *rules.AuthContext, filter map[string]interface{}, opts ...QueryOptions) ([]Document, error) {
	if err := c.evaluateRule("list", auth, nil); err != nil {
		return nil, err
	}

	node, err := query.Parse(filter)
	if err != nil {
		return nil, errs.Wrap(errs.InvalidQuery, "invalid query", err)
	}

	var opt QueryOptions
	if len(opts) > 0 {
		opt = opts[0]
	}

	docs, err := c.planScan(node)
	if err != nil {
		return nil, err
	}

	filtered := docs[:0]
	for _, doc := range docs {
		if node.Matches(map[string]interface{}(doc)) {
			filtered = append(filtered, doc)
		}
	}

	if opt.SortField != "" {
		query.SortDocuments(toGenericDocs(filtered), opt.SortField, opt.SortDesc)
	}
	return paginate(filtered, opt.Skip, opt.Limit), nil
}

// planScan picks an index range-scan when the filter is a single indexed
// field comparison, falling back to scanAll otherwise.
func (c *Collection) planScan(node query.Node) ([]Document, error) {
	// query.Parse wraps every filter in an $and; unwrap a lone comparison.
	if ln, ok := node.(*query.LogicalNode); ok && ln.Operator == "$and" && len(ln.Children) == 1 {
		node = ln.Children[0]
	}
	fn, ok := node.(*query.FieldNode)
	if !ok || fn.Field == fieldID || fn.Value == nil {
		return c.scanAll()
	}
	indexed := false
	for _, f := range c.indexedFields() {
		if f == fn.Field {
			indexed = true
			break
		}
	}
	if !indexed {
		return c.scanAll()
	}

	var low, high interface{}
	switch fn.Operator {
	case query.OpEq:
		low, high = fn.Value, fn.Value
	case query.OpGt, query.OpGte:
		low = fn.Value
	case query.OpLt, query.OpLte:
		high = fn.Value
	default:
		return c.scanAll()
	}
	ids, err := scanIndexRange(c.srv.eng, c.database, c.name, fn.Field, low, high)
	if err != nil {
		return nil, err
	}
	return c.fetchByIDs(ids), nil
}

func toGenericDocs(docs []Document) []map[string]interface{} {
	out := make([]map[string]interface{}, len(docs))
	for i, d := range docs {
		out[i] = map[string]interface{}(d)
	}
	return out
}

// Aggregate runs a pipeline of $match/$group/$sort/$limit/$skip/$project
// stages over the collection.
func (c *Collection) Aggregate(auth *rules.AuthContext, pipelineSpec []map[string]interface{}) ([]map[string]interface{}, error) {
	if err := c.evaluateRule("list", auth, nil); err != nil {
		return nil, err
	}
	stages, err := query.ParsePipeline(pipelineSpec)
	if err != nil {
		return nil, errs.Wrap(errs.InvalidQuery, "invalid pipeline", err)
	}
	docs, err := c.scanAll()
	if err != nil {
		return nil, err
	}
	return query.RunPipeline(toGenericDocs(docs), stages)
}

// EnsureVectorIndex creates an HNSW index on field with the given
// dimensionality and parameters, persisting its configuration
// so restoreVectorIndexes can rebuild it on the next process start.
func (c *Collection) EnsureVectorIndex(field string, dim int, params hnsw.Params) error {
	if params.M <= 0 {
		params = hnsw.DefaultParams()
	}
	key := vectorIndexKey(c.database, c.name, field)

	c.srv.vecMu.Lock()
	if _, exists := c.srv.vectors[key]; exists {
		c.srv.vecMu.Unlock()
		return nil
	}
	idx := hnsw.New(dim, params)
	c.srv.vectors[key] = idx
	c.srv.vecMu.Unlock()

	return c.srv.metadata.AddVectorIndex(c.database, c.name, field, VectorIndexMeta{
		Dim: dim, M: params.M, EfConstruction: params.EfConstruction, EfSearch: params.EfSearch,
	})
}

// indexVector stores the raw vector durably and inserts it into the
// in-memory HNSW graph for field, called from document writes once a
// vector index exists on that field.
func (c *Collection) indexVector(field string, doc Document) error {
	key := vectorIndexKey(c.database, c.name, field)
	c.srv.vecMu.Lock()
	idx, exists := c.srv.vectors[key]
	c.srv.vecMu.Unlock()
	if !exists {
		return nil
	}
	raw, ok := doc[field]
	vec, convErr := toFloat32Slice(raw)
	if !ok || convErr != nil {
		return nil
	}
	data, err := encodeVectorEntry(vec)
	if err != nil {
		return err
	}
	if err := c.srv.eng.Put(vectorEntryKey(c.database, c.name, field, doc.GetID()), data, false); err != nil {
		return err
	}
	return idx.Insert(doc.GetID(), vec)
}

func toFloat32Slice(v interface{}) ([]float32, error) {
	arr, ok := v.([]interface{})
	if !ok {
		if f, ok := v.([]float32); ok {
			return f, nil
		}
		return nil, errs.New(errs.InvalidQuery, "vector field is not an array")
	}
	out := make([]float32, len(arr))
	for i, e := range arr {
		switch n := e.(type) {
		case float64:
			out[i] = float32(n)
		case float32:
			out[i] = n
		case int:
			out[i] = float32(n)
		default:
			return nil, errs.New(errs.InvalidQuery, "vector element is not numeric")
		}
	}
	return out, nil
}

// VectorSearch returns the k nearest documents to query by field's HNSW
// index.
func (c *Collection) VectorSearch(field string, queryVec []float32, k, efSearch int) ([]Document, error) {
	key := vectorIndexKey(c.database, c.name, field)
	c.srv.vecMu.Lock()
	idx, exists := c.srv.vectors[key]
	c.srv.vecMu.Unlock()
	if !exists {
		return nil, errs.New(errs.IndexUnavailable, fmt.Sprintf("no vector index on field %q", field))
	}
	ids, err := idx.Search(queryVec, k, efSearch)
	if err != nil {
		return nil, err
	}
	return c.fetchByIDs(ids), nil
}

// mvccNow converts the version manager's logical timestamp (seeded from
// UnixNano at startup, incremented by one per call) to a wall-clock
// approximation, so document logic never calls time.Now() directly.
func mvccNow(vm *mvcc.VersionManager) time.Time {
	return time.Unix(0, int64(vm.NewTimestamp()))
}
