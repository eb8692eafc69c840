// Package hnsw implements a Hierarchical Navigable Small World vector index
// for approximate nearest-neighbor search over document vector fields.
// Nodes are stored as an array addressed by integer index rather than a
// graph of heap pointers, so a whole graph can be rebuilt or persisted as
// flat slices.
package hnsw

import (
	"math"
	"math/rand"
	"sort"
	"sync"
)

// Params configures graph construction and search.
type Params struct {
	M              int // max neighbors per node per layer (default 16)
	EfConstruction int // candidate list size while inserting (default 200)
	EfSearch       int // candidate list size while searching (default 50-100)
}

// DefaultParams returns documented defaults.
func DefaultParams() Params {
	return Params{M: 16, EfConstruction: 200, EfSearch: 64}
}

type node struct {
	id       string
	vector   []float32
	layer    int
	friends  [][]int // friends[level] = neighbor node indices at that level
}

// Index is an in-memory HNSW graph. It is rebuilt from scratch on process
// start by replaying the vectors stored in the engine, which remains the
// system of record; the graph itself is a derived structure.
type Index struct {
	mu       sync.RWMutex
	params   Params
	dim      int
	nodes    []*node
	idToNode map[string]int
	entry    int // index of the current entry point, -1 if empty
	rnd      *rand.Rand
}

// New creates an empty index for vectors of the given dimensionality.
func New(dim int, params Params) *Index {
	if params.M <= 0 {
		params = DefaultParams()
	}
	return &Index{
		params:   params,
		dim:      dim,
		idToNode: make(map[string]int),
		entry:    -1,
		rnd:      rand.New(rand.NewSource(1)),
	}
}

// Dim returns the configured vector dimensionality.
func (ix *Index) Dim() int { return ix.dim }

// Len returns the number of nodes in the graph, including nodes tombstoned
// by Delete.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.nodes)
}

func (ix *Index) randomLevel() int {
	level := 0
	for ix.rnd.Float64() < 1.0/math.E && level < 31 {
		level++
	}
	return level
}

// Insert adds or replaces the vector for id.
func (ix *Index) Insert(id string, vector []float32) error {
	if len(vector) != ix.dim {
		return errDimensionMismatch(ix.dim, len(vector))
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if existing, ok := ix.idToNode[id]; ok {
		ix.nodes[existing].vector = vector
		return nil
	}

	level := ix.randomLevel()
	n := &node{id: id, vector: vector, layer: level, friends: make([][]int, level+1)}
	idx := len(ix.nodes)
	ix.nodes = append(ix.nodes, n)
	ix.idToNode[id] = idx

	if ix.entry == -1 {
		ix.entry = idx
		return nil
	}

	entry := ix.entry
	for lc := ix.nodes[ix.entry].layer; lc > level; lc-- {
		entry = ix.greedyClosest(entry, vector, lc)
	}

	for lc := min(level, ix.nodes[ix.entry].layer); lc >= 0; lc-- {
		candidates := ix.searchLayer(vector, entry, ix.params.EfConstruction, lc)
		neighbors := selectNeighbors(candidates, ix.params.M)
		n.friends[lc] = neighbors
		for _, nb := range neighbors {
			ix.connect(nb, idx, lc)
		}
		if len(candidates) > 0 {
			entry = candidates[0].idx
		}
	}

	if level > ix.nodes[ix.entry].layer {
		ix.entry = idx
	}
	return nil
}

func (ix *Index) connect(a, b, layer int) {
	na := ix.nodes[a]
	for len(na.friends) <= layer {
		na.friends = append(na.friends, nil)
	}
	na.friends[layer] = append(na.friends[layer], b)
	if len(na.friends[layer]) > ix.params.M*2 {
		cands := make([]candidate, 0, len(na.friends[layer]))
		for _, f := range na.friends[layer] {
			cands = append(cands, candidate{idx: f, dist: distance(na.vector, ix.nodes[f].vector)})
		}
		na.friends[layer] = selectNeighbors(cands, ix.params.M)
	}
}

func (ix *Index) greedyClosest(entry int, target []float32, layer int) int {
	current := entry
	currentDist := distance(ix.nodes[current].vector, target)
	for {
		improved := false
		if layer < len(ix.nodes[current].friends) {
			for _, f := range ix.nodes[current].friends[layer] {
				d := distance(ix.nodes[f].vector, target)
				if d < currentDist {
					current = f
					currentDist = d
					improved = true
				}
			}
		}
		if !improved {
			return current
		}
	}
}

type candidate struct {
	idx  int
	dist float32
}

// searchLayer performs a best-first search bounded to ef candidates,
// following "beam search" description of HNSW query.
func (ix *Index) searchLayer(target []float32, entry int, ef int, layer int) []candidate {
	visited := map[int]bool{entry: true}
	cands := []candidate{{idx: entry, dist: distance(ix.nodes[entry].vector, target)}}
	result := append([]candidate{}, cands...)

	for len(cands) > 0 {
		sort.Slice(cands, func(i, j int) bool { return cands[i].dist < cands[j].dist })
		c := cands[0]
		cands = cands[1:]

		sort.Slice(result, func(i, j int) bool { return result[i].dist < result[j].dist })
		if len(result) >= ef && c.dist > result[len(result)-1].dist {
			break
		}

		if layer < len(ix.nodes[c.idx].friends) {
			for _, f := range ix.nodes[c.idx].friends[layer] {
				if visited[f] {
					continue
				}
				visited[f] = true
				d := distance(ix.nodes[f].vector, target)
				cands = append(cands, candidate{idx: f, dist: d})
				result = append(result, candidate{idx: f, dist: d})
			}
		}
	}

	sort.Slice(result, func(i, j int) bool { return result[i].dist < result[j].dist })
	if len(result) > ef {
		result = result[:ef]
	}
	return result
}

func selectNeighbors(cands []candidate, m int) []int {
	sort.Slice(cands, func(i, j int) bool { return cands[i].dist < cands[j].dist })
	if len(cands) > m {
		cands = cands[:m]
	}
	out := make([]int, len(cands))
	for i, c := range cands {
		out[i] = c.idx
	}
	return out
}

// Search returns the k nearest neighbor ids to query, using efSearch
// candidates (typically 50-100; 0 uses the index's configured default).
func (ix *Index) Search(query []float32, k int, efSearch int) ([]string, error) {
	if len(query) != ix.dim {
		return nil, errDimensionMismatch(ix.dim, len(query))
	}
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if ix.entry == -1 {
		return nil, nil
	}
	if efSearch <= 0 {
		efSearch = ix.params.EfSearch
	}
	if efSearch < k {
		efSearch = k
	}

	entry := ix.entry
	for lc := ix.nodes[ix.entry].layer; lc > 0; lc-- {
		entry = ix.greedyClosest(entry, query, lc)
	}

	cands := ix.searchLayer(query, entry, efSearch, 0)
	ids := make([]string, 0, k)
	for _, c := range cands {
		n := ix.nodes[c.idx]
		if cur, ok := ix.idToNode[n.id]; !ok || cur != c.idx {
			continue // tombstoned by Delete
		}
		ids = append(ids, n.id)
		if len(ids) == k {
			break
		}
	}
	return ids, nil
}

// Delete removes id from the index. HNSW has no cheap single-node removal,
// so this rebuilds the affected node's friend lists lazily by simply
// dropping it from neighbor lists it appears in; the node itself is left as
// a tombstone that Search skips via the id map.
func (ix *Index) Delete(id string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	idx, ok := ix.idToNode[id]
	if !ok {
		return
	}
	delete(ix.idToNode, id)
	for _, n := range ix.nodes {
		for layer := range n.friends {
			n.friends[layer] = removeInt(n.friends[layer], idx)
		}
	}
}

func removeInt(s []int, v int) []int {
	out := s[:0]
	for _, x := range s {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}

func distance(a, b []float32) float32 {
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return float32(math.Sqrt(float64(sum)))
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
