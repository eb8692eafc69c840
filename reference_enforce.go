package nexadb

import (
	"fmt"

	"github.com/kartikbazzad/nexadb/internal/errs"
)

// checkReferencesExist validates every x-nexadb-ref field on doc against its
// target collection's primary key, enforcing referential integrity on
// Insert/Update/Patch.
func (c *Collection) checkReferencesExist(doc Document) error {
	schema, err := c.GetSchema()
	if err != nil || schema == "" {
		return nil
	}
	rules, err := parseReferenceRules(c.name, schema)
	if err != nil {
		return errs.Wrap(errs.InvalidQuery, "invalid reference schema", err)
	}
	for _, rule := range rules {
		raw, ok := doc[rule.SourceField]
		if !ok || raw == nil {
			continue
		}
		val, err := normalizeReferenceValue(raw)
		if err != nil {
			return errs.Wrap(errs.InvalidQuery, "invalid reference value", err)
		}
		if val == "" {
			continue
		}
		_, found, err := c.srv.eng.Get(docKey(c.database, rule.TargetCollection, val))
		if err != nil {
			return err
		}
		if !found {
			msg := fmt.Sprintf("%s.%s references missing %s/%s", c.name, rule.SourceField, rule.TargetCollection, val)
			return errs.Wrap(errs.InvalidQuery, msg, ErrReferenceTargetNotFound)
		}
	}
	return nil
}

// enforceOnDelete applies every dependent collection's on_delete rule
// (restrict/set_null/cascade) before id is removed from c. visited guards
// cascade chains against cycles (two collections referencing each other
// with on_delete=cascade), so such a chain terminates rather than
// recursing forever.
func (c *Collection) enforceOnDelete(id string, visited map[string]bool) error {
	selfKey := c.database + "/" + c.name + "/" + id
	if visited[selfKey] {
		return nil
	}
	visited[selfKey] = true

	for _, depName := range c.srv.metadata.ListCollections(c.database) {
		dep := &Collection{database: c.database, name: depName, srv: c.srv}
		schema, err := dep.GetSchema()
		if err != nil || schema == "" {
			continue
		}
		depRules, err := parseReferenceRules(depName, schema)
		if err != nil || len(depRules) == 0 {
			continue
		}

		var matching []ReferenceRule
		for _, rule := range depRules {
			if rule.TargetCollection == c.name {
				matching = append(matching, rule)
			}
		}
		if len(matching) == 0 {
			continue
		}

		docs, err := dep.scanAll()
		if err != nil {
			return err
		}
		for _, rule := range matching {
			for _, depDoc := range docs {
				raw, ok := depDoc[rule.SourceField]
				if !ok || raw == nil {
					continue
				}
				val, err := normalizeReferenceValue(raw)
				if err != nil || val != id {
					continue
				}

				switch rule.OnDelete {
				case onDeleteRestrict:
					msg := fmt.Sprintf("cannot delete %s/%s: referenced by %s.%s", c.name, id, depName, rule.SourceField)
					return errs.Wrap(errs.InvalidQuery, msg, ErrReferenceRestrictViolation)
				case onDeleteSetNull:
					updated := depDoc.Clone()
					updated[rule.SourceField] = nil
					if err := dep.rawReplace(depDoc, updated); err != nil {
						return err
					}
				case onDeleteCascade:
					depID := depDoc.GetID()
					if err := dep.rawDelete(depDoc); err != nil {
						return err
					}
					if err := dep.enforceOnDelete(depID, visited); err != nil {
						return err
					}
				}
			}
		}
	}
	return nil
}

// rawReplace and rawDelete apply a reference-triggered side effect (set_null
// or cascade) directly against the storage engine. They bypass the usual
// collectionLock/evaluateRule path: enforceOnDelete already runs inside the
// lock held by the triggering Delete call, and re-locking a collection that
// appears twice in a cascade chain would deadlock since collectionLock's
// mutex is not reentrant. System-triggered integrity fixups are not subject
// to user-defined CEL rules.
func (c *Collection) rawReplace(oldDoc, newDoc Document) error {
	newDoc.stamp(mvccNow(c.srv.versions), false)
	data, err := newDoc.Encode()
	if err != nil {
		return err
	}
	if err := c.srv.eng.Put(docKey(c.database, c.name, newDoc.GetID()), data, false); err != nil {
		return err
	}
	return maintainIndexesOnWrite(c.srv.eng, c.database, c.name, c.indexedFields(), oldDoc, newDoc)
}

func (c *Collection) rawDelete(doc Document) error {
	id := doc.GetID()
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
