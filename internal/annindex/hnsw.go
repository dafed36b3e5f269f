// Package annindex implements an in-memory HNSW approximate-nearest-neighbor
// graph keyed by vector-store id. The graph holds only ids and adjacency
// lists; every distance computation re-fetches the vector from an external
// store, so the store stays the single source of truth and the graph can be
// rebuilt by replaying it.
package annindex

import (
	"container/heap"
	"math"
	"math/rand"
	"sync"

	"github.com/voxai/voxcore/internal/verrors"
)

// VectorSource is the read side of a vector store: given an id, return its
// vector. internal/vectorstore.Store satisfies this.
type VectorSource interface {
	Get(id uint64) ([]float32, error)
}

// DistanceFunc computes a distance between two equi-length vectors. Lower is
// more similar. Euclidean is the default; this is a function value so a
// cosine variant could be substituted without touching the graph algorithm.
type DistanceFunc func(a, b []float32) float32

// Config holds the HNSW build and search parameters.
type Config struct {
	M              int     // neighbors per layer above 0
	M0             int     // neighbors at layer 0
	EfConstruction int     // beam width used while building
	EfSearch       int     // beam width used while searching
	MaxLevel       int     // hard cap on a node's sampled level
	Retention      float64 // geometric-distribution retention probability
}

// DefaultConfig returns the standard graph parameters.
func DefaultConfig() Config {
	return Config{
		M:              16,
		M0:             32,
		EfConstruction: 40,
		EfSearch:       50,
		MaxLevel:       16,
		Retention:      0.5,
	}
}

// Result is one hit from Search, in ascending-distance order.
type Result struct {
	ID       uint64
	Distance float32
}

type node struct {
	id        uint64
	level     int
	neighbors [][]uint64 // neighbors[layer] = adjacency at that layer
}

// Graph is an in-memory HNSW index. It is safe for concurrent use: Add
// acquires the write lock, Search the read lock. It reads vectors from the
// store on every distance computation rather than caching them, so the
// graph itself never grows beyond its integer ids and adjacency lists.
type Graph struct {
	mu     sync.RWMutex
	cfg    Config
	store  VectorSource
	dist   DistanceFunc
	rng    *rand.Rand
	levelP float64 // 1 / ln(1/Retention), used by sampleLevel

	nodes      map[uint64]*node
	entryPoint uint64
	hasEntry   bool
	maxLevel   int
}

// New constructs an empty graph reading vectors from store.
func New(store VectorSource, cfg Config) *Graph {
	return &Graph{
		cfg:    cfg,
		store:  store,
		dist:   EuclideanDistance,
		rng:    rand.New(rand.NewSource(1)),
		levelP: 1.0 / math.Log(1.0/cfg.Retention),
		nodes:  make(map[uint64]*node),
	}
}

// EuclideanDistance is the default distance function.
func EuclideanDistance(a, b []float32) float32 {
	var sum float64
	for i := range a {
		d := float64(a[i] - b[i])
		sum += d * d
	}
	return float32(math.Sqrt(sum))
}

// Len returns the number of nodes currently in the graph.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// Reset drops all nodes, the entry point, and the max level, and restarts
// the level sampler from its initial seed so that replaying the same
// vectors rebuilds the same graph. It does not touch the backing vector
// store.
func (g *Graph) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rng = rand.New(rand.NewSource(1))
	g.nodes = make(map[uint64]*node)
	g.hasEntry = false
	g.entryPoint = 0
	g.maxLevel = 0
}

// sampleLevel draws a node level from a geometric distribution with the
// configured retention probability, capped at MaxLevel.
func (g *Graph) sampleLevel() int {
	level := int(math.Floor(-math.Log(g.rng.Float64()) * g.levelP))
	if level > g.cfg.MaxLevel {
		level = g.cfg.MaxLevel
	}
	return level
}

// candidate is a graph node paired with its distance to the query vector
// currently being processed.
type candidate struct {
	id   uint64
	dist float32
}

// Add inserts a new node for id/vector into the graph: sample a level,
// greedily descend to it from the entry point, then beam-search each layer
// from there down to 0 and link the new node bidirectionally.
func (g *Graph) Add(id uint64, vec []float32) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	level := g.sampleLevel()
	n := &node{id: id, level: level, neighbors: make([][]uint64, level+1)}
	for i := range n.neighbors {
		n.neighbors[i] = nil
	}
	g.nodes[id] = n

	if !g.hasEntry {
		g.entryPoint = id
		g.hasEntry = true
		g.maxLevel = level
		return nil
	}

	entryVec, err := g.store.Get(g.entryPoint)
	if err != nil {
		return verrors.Wrap(verrors.ErrCodeIndexFailure, err)
	}
	entry := candidate{id: g.entryPoint, dist: g.dist(vec, entryVec)}

	for layer := g.maxLevel; layer > level; layer-- {
		best, err := g.greedyDescend(vec, entry, layer)
		if err != nil {
			return err
		}
		entry = best
	}

	top := level
	if g.maxLevel < top {
		top = g.maxLevel
	}
	for layer := top; layer >= 0; layer-- {
		results, err := g.searchLayer(vec, []candidate{entry}, g.cfg.EfConstruction, layer)
		if err != nil {
			return err
		}

		m := g.cfg.M
		if layer == 0 {
			m = g.cfg.M0
		}
		if len(results) > m {
			results = results[:m]
		}

		for _, r := range results {
			n.neighbors[layer] = append(n.neighbors[layer], r.id)
			nb := g.nodes[r.id]
			nb.neighbors[layer] = append(nb.neighbors[layer], id)
			if err := g.trimNeighbors(nb, layer, m); err != nil {
				return err
			}
		}

		if len(results) > 0 {
			entry = results[0]
		}
	}

	if level > g.maxLevel {
		g.entryPoint = id
		g.maxLevel = level
	}

	return nil
}

// trimNeighbors keeps nb's adjacency at layer down to m entries, dropping
// the farthest from nb's own vector when it grows past the cap.
func (g *Graph) trimNeighbors(nb *node, layer, m int) error {
	if len(nb.neighbors[layer]) <= m {
		return nil
	}
	nbVec, err := g.store.Get(nb.id)
	if err != nil {
		return verrors.Wrap(verrors.ErrCodeIndexFailure, err)
	}

	type scored struct {
		id   uint64
		dist float32
	}
	scoredNeighbors := make([]scored, 0, len(nb.neighbors[layer]))
	for _, id := range nb.neighbors[layer] {
		vec, err := g.store.Get(id)
		if err != nil {
			continue
		}
		scoredNeighbors = append(scoredNeighbors, scored{id: id, dist: g.dist(nbVec, vec)})
	}
	for i := 1; i < len(scoredNeighbors); i++ {
		j := i
		for j > 0 && scoredNeighbors[j-1].dist > scoredNeighbors[j].dist {
			scoredNeighbors[j-1], scoredNeighbors[j] = scoredNeighbors[j], scoredNeighbors[j-1]
			j--
		}
	}
	if len(scoredNeighbors) > m {
		scoredNeighbors = scoredNeighbors[:m]
	}
	kept := make([]uint64, len(scoredNeighbors))
	for i, s := range scoredNeighbors {
		kept[i] = s.id
	}
	nb.neighbors[layer] = kept
	return nil
}

// greedyDescend performs the single-best greedy search used to find a good
// entry point on layers above the new node's level.
func (g *Graph) greedyDescend(query []float32, entry candidate, layer int) (candidate, error) {
	best := entry
	for {
		improved := false
		n, ok := g.nodes[best.id]
		if !ok {
			return best, nil
		}
		if layer >= len(n.neighbors) {
			return best, nil
		}
		for _, nid := range n.neighbors[layer] {
			vec, err := g.store.Get(nid)
			if err != nil {
				continue
			}
			d := g.dist(query, vec)
			if d < best.dist {
				best = candidate{id: nid, dist: d}
				improved = true
			}
		}
		if !improved {
			return best, nil
		}
	}
}

// searchLayer runs a beam search of the given width at layer, starting from
// entryPoints, returning up to ef results in ascending-distance order.
func (g *Graph) searchLayer(query []float32, entryPoints []candidate, ef int, layer int) ([]candidate, error) {
	visited := make(map[uint64]struct{}, ef*2)
	candidates := &minCandHeap{}
	results := &maxCandHeap{}

	for _, ep := range entryPoints {
		visited[ep.id] = struct{}{}
		heap.Push(candidates, ep)
		heap.Push(results, ep)
	}

	for candidates.Len() > 0 {
		c := heap.Pop(candidates).(candidate)
		if results.Len() >= ef && c.dist > (*results)[0].dist {
			break
		}

		n, ok := g.nodes[c.id]
		if !ok || layer >= len(n.neighbors) {
			continue
		}

		for _, nid := range n.neighbors[layer] {
			if _, seen := visited[nid]; seen {
				continue
			}
			visited[nid] = struct{}{}

			vec, err := g.store.Get(nid)
			if err != nil {
				continue
			}
			d := g.dist(query, vec)

			if results.Len() < ef {
				heap.Push(candidates, candidate{id: nid, dist: d})
				heap.Push(results, candidate{id: nid, dist: d})
			} else if d < (*results)[0].dist {
				heap.Push(candidates, candidate{id: nid, dist: d})
				heap.Push(results, candidate{id: nid, dist: d})
				heap.Pop(results)
			}
		}
	}

	out := make([]candidate, results.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(results).(candidate)
	}
	return out, nil
}

// Search returns up to k nearest ids to query, in ascending-distance order:
// min(k, n) results, where n is the number of nodes collected by the
// layer-0 beam search of width EfSearch (so at most EfSearch, and at most
// the graph size).
func (g *Graph) Search(query []float32, k int) ([]Result, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if !g.hasEntry {
		return nil, nil
	}

	entryVec, err := g.store.Get(g.entryPoint)
	if err != nil {
		return nil, verrors.Wrap(verrors.ErrCodeIndexFailure, err)
	}
	entry := candidate{id: g.entryPoint, dist: g.dist(query, entryVec)}

	for layer := g.maxLevel; layer >= 1; layer-- {
		best, err := g.greedyDescend(query, entry, layer)
		if err != nil {
			return nil, err
		}
		entry = best
	}

	found, err := g.searchLayer(query, []candidate{entry}, g.cfg.EfSearch, 0)
	if err != nil {
		return nil, err
	}

	if k > len(found) {
		k = len(found)
	}
	out := make([]Result, k)
	for i := 0; i < k; i++ {
		out[i] = Result{ID: found[i].id, Distance: found[i].dist}
	}
	return out, nil
}
