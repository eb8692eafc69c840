package query

import "fmt"

// Stage is one pipeline stage of an aggregation: $match, $group,
// $sort, $limit, $skip, $project, applied in sequence over an in-memory
// slice of documents. NexaDB runs aggregation after collecting candidate
// documents from the storage engine, so this operates purely on
// map[string]interface{} values rather than touching storage itself.
type Stage struct {
	Op  string
	Arg interface{}
}

// ParsePipeline converts a pipeline spec (a list of single-key stage maps,
// e.g. [{"$match": {...}}, {"$sort": {...}}]) into Stages.
func ParsePipeline(spec []map[string]interface{}) ([]Stage, error) {
	stages := make([]Stage, 0, len(spec))
	for _, s := range spec {
		if len(s) != 1 {
			return nil, fmt.Errorf("pipeline stage must have exactly one operator")
		}
		for op, arg := range s {
			stages = append(stages, Stage{Op: op, Arg: arg})
		}
	}
	return stages, nil
}

// RunPipeline executes stages over docs and returns the resulting documents.
func RunPipeline(docs []map[string]interface{}, stages []Stage) ([]map[string]interface{}, error) {
	cur := docs
	for _, st := range stages {
		var err error
		switch st.Op {
		case "$match":
			cur, err = applyMatch(cur, st.Arg)
		case "$sort":
			cur, err = applySort(cur, st.Arg)
		case "$limit":
			cur, err = applyLimit(cur, st.Arg)
		case "$skip":
			cur, err = applySkip(cur, st.Arg)
		case "$project":
			cur, err = applyProject(cur, st.Arg)
		case "$group":
			cur, err = applyGroup(cur, st.Arg)
		default:
			return nil, fmt.Errorf("unknown pipeline stage: %s", st.Op)
		}
		if err != nil {
			return nil, fmt.Errorf("stage %s: %w", st.Op, err)
		}
	}
	return cur, nil
}

func applyMatch(docs []map[string]interface{}, arg interface{}) ([]map[string]interface{}, error) {
	filter, ok := arg.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("$match requires an object")
	}
	node, err := Parse(filter)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]interface{}, 0, len(docs))
	for _, d := range docs {
		if node.Matches(d) {
			out = append(out, d)
		}
	}
	return out, nil
}

func applySort(docs []map[string]interface{}, arg interface{}) ([]map[string]interface{}, error) {
	spec, ok := arg.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("$sort requires an object")
	}
	out := make([]map[string]interface{}, len(docs))
	copy(out, docs)
	for field, dirRaw := range spec {
		dir, _ := toFloat(dirRaw)
		SortDocuments(out, field, dir < 0)
		break // single-field sort; spec doesn't require multi-key composite sort
	}
	return out, nil
}

func applyLimit(docs []map[string]interface{}, arg interface{}) ([]map[string]interface{}, error) {
	n, ok := toFloat(arg)
	if !ok {
		return nil, fmt.Errorf("$limit requires a number")
	}
	limit := int(n)
	if limit < 0 || limit > len(docs) {
		limit = len(docs)
	}
	return docs[:limit], nil
}

func applySkip(docs []map[string]interface{}, arg interface{}) ([]map[string]interface{}, error) {
	n, ok := toFloat(arg)
	if !ok {
		return nil, fmt.Errorf("$skip requires a number")
	}
	skip := int(n)
	if skip < 0 {
		skip = 0
	}
	if skip > len(docs) {
		skip = len(docs)
	}
	return docs[skip:], nil
}

func applyProject(docs []map[string]interface{}, arg interface{}) ([]map[string]interface{}, error) {
	spec, ok := arg.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("$project requires an object")
	}
	out := make([]map[string]interface{}, 0, len(docs))
	for _, d := range docs {
		projected := make(map[string]interface{})
		for field, include := range spec {
			on, _ := include.(bool)
			if f, ok := include.(float64); ok {
				on = f != 0
			}
			if on {
				if v, exists := d[field]; exists {
					projected[field] = v
				}
			}
		}
		out = append(out, projected)
	}
	return out, nil
}

// applyGroup implements $group with a "_id" grouping expression (a field
// reference like "$status", or a literal for a single group) and
// accumulator expressions $sum/$avg/$min/$max/$count/$push over the group.
func applyGroup(docs []map[string]interface{}, arg interface{}) ([]map[string]interface{}, error) {
	spec, ok := arg.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("$group requires an object")
	}
	idExpr, hasID := spec["_id"]
	if !hasID {
		return nil, fmt.Errorf("$group requires an _id expression")
	}

	type group struct {
		key  interface{}
		docs []map[string]interface{}
	}
	order := make([]interface{}, 0)
	groups := make(map[string]*group)

	for _, d := range docs {
		key := evalGroupKey(idExpr, d)
		k := fmt.Sprintf("%v", key)
		g, ok := groups[k]
		if !ok {
			g = &group{key: key}
			groups[k] = g
			order = append(order, k)
		}
		g.docs = append(g.docs, d)
	}

	out := make([]map[string]interface{}, 0, len(groups))
	for _, k := range order {
		g := groups[k.(string)]
		result := map[string]interface{}{"_id": g.key}
		for field, accRaw := range spec {
			if field == "_id" {
				continue
			}
			acc, ok := accRaw.(map[string]interface{})
			if !ok || len(acc) != 1 {
				return nil, fmt.Errorf("accumulator for %s must be a single-key object", field)
			}
			for op, expr := range acc {
				result[field] = evalAccumulator(op, expr, g.docs)
			}
		}
		out = append(out, result)
	}
	return out, nil
}

func evalGroupKey(expr interface{}, doc map[string]interface{}) interface{} {
	if s, ok := expr.(string); ok && len(s) > 0 && s[0] == '$' {
		return doc[s[1:]]
	}
	return expr
}

func evalAccumulator(op string, expr interface{}, docs []map[string]interface{}) interface{} {
	field, isField := expr.(string)
	if isField && len(field) > 0 && field[0] == '$' {
		field = field[1:]
	}

	switch op {
	case "$count":
		return float64(len(docs))
	case "$sum":
		var sum float64
		for _, d := range docs {
			if isField {
				if v, ok := toFloat(d[field]); ok {
					sum += v
				}
			} else if n, ok := toFloat(expr); ok {
				sum += n
			}
		}
		return sum
	case "$avg":
		var sum float64
		var n int
		for _, d := range docs {
			if v, ok := toFloat(d[field]); ok {
				sum += v
				n++
			}
		}
		if n == 0 {
			return 0.0
		}
		return sum / float64(n)
	case "$min", "$max":
		var best float64
		set := false
		for _, d := range docs {
			v, ok := toFloat(d[field])
			if !ok {
				continue
			}
			if !set || (op == "$min" && v < best) || (op == "$max" && v > best) {
				best = v
				set = true
			}
		}
		return best
	case "$push":
		vals := make([]interface{}, 0, len(docs))
		for _, d := range docs {
			vals = append(vals, d[field])
		}
		return vals
	default:
		return nil
	}
}
