package query

import "sort"

// SortDocuments sorts docs in place by field, ascending unless desc is set.
// A document missing the field sorts before one that has it.
func SortDocuments(docs []map[string]interface{}, field string, desc bool) {
	sort.SliceStable(docs, func(i, j int) bool {
		vi, oki := docs[i][field]
		vj, okj := docs[j][field]
		if !oki || !okj {
			return oki != okj && !oki
		}
		c := CompareValues(vi, vj)
		if desc {
			return c > 0
		}
		return c < 0
	})
}
