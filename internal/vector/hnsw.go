package vector

import (
	"container/heap"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"sync"
)

type distItem struct {
	id   uint32
	dist float32
}

// minDistHeap pops the closest item first.
type minDistHeap []distItem

func (h minDistHeap) Len() int           { return len(h) }
func (h minDistHeap) Less(i, j int) bool { return h[i].dist < h[j].dist }
func (h minDistHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *minDistHeap) Push(x any)        { *h = append(*h, x.(distItem)) }
func (h *minDistHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// maxDistHeap pops the farthest item first.
type maxDistHeap []distItem

func (h maxDistHeap) Len() int           { return len(h) }
func (h maxDistHeap) Less(i, j int) bool { return h[i].dist > h[j].dist }
func (h maxDistHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *maxDistHeap) Push(x any)        { *h = append(*h, x.(distItem)) }
func (h *maxDistHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

type node struct {
	vector  []float32
	level   int
	friends [][]uint32 // friends[layer] = neighbor slots on that layer
}

// HNSW is a Hierarchical Navigable Small World graph over cosine distance.
//
// Vectors are addressed by slot, assigned in insertion order starting at 0.
// The index only grows: there is no delete, and a slot never changes once
// assigned. Capacity is fixed until Resize is called.
//
// All methods are safe for concurrent use.
type HNSW struct {
	mu       sync.RWMutex
	cfg      Config
	nodes    []*node
	entryID  int32 // -1 when empty
	maxLevel int
	levelMul float64
	rng      *rand.Rand
}

// NewHNSW creates an empty index. Returns an error if cfg.Dim is not positive.
func NewHNSW(cfg Config) (*HNSW, error) {
	if cfg.Dim <= 0 {
		return nil, fmt.Errorf("vector: dimension must be positive, got %d", cfg.Dim)
	}
	cfg.setDefaults()
	return &HNSW{
		cfg:      cfg,
		nodes:    make([]*node, 0, min(cfg.MaxElements, 1<<16)),
		entryID:  -1,
		levelMul: 1.0 / math.Log(float64(cfg.M)),
		rng:      rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
	}, nil
}

// Config returns the index configuration (with defaults applied).
func (h *HNSW) Config() Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cfg
}

// Len returns the number of vectors in the index.
func (h *HNSW) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.nodes)
}

// Cap returns the declared maximum element count.
func (h *HNSW) Cap() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cfg.MaxElements
}

// SetEfSearch adjusts the query-time candidate list size.
func (h *HNSW) SetEfSearch(ef int) {
	if ef <= 0 {
		return
	}
	h.mu.Lock()
	h.cfg.EfSearch = ef
	h.mu.Unlock()
}

// Resize changes the declared capacity. It never drops vectors, so newMax
// must be at least the current element count.
func (h *HNSW) Resize(newMax int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if newMax < len(h.nodes) {
		return fmt.Errorf("vector: cannot resize to %d, index holds %d vectors", newMax, len(h.nodes))
	}
	h.cfg.MaxElements = newMax
	if cap(h.nodes) < newMax {
		grown := make([]*node, len(h.nodes), newMax)
		copy(grown, h.nodes)
		h.nodes = grown
	}
	return nil
}

// Add inserts vector at the next slot and returns that slot.
func (h *HNSW) Add(vector []float32) (int, error) {
	if len(vector) != h.cfg.Dim {
		return 0, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vector), h.cfg.Dim)
	}
	vec := make([]float32, len(vector))
	copy(vec, vector)

	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.nodes) >= h.cfg.MaxElements {
		return 0, fmt.Errorf("%w: capacity %d", ErrCapacityExceeded, h.cfg.MaxElements)
	}

	idx := uint32(len(h.nodes))
	level := h.randomLevel()
	nd := &node{vector: vec, level: level, friends: make([][]uint32, level+1)}
	h.nodes = append(h.nodes, nd)

	if h.entryID < 0 {
		h.entryID = int32(idx)
		h.maxLevel = level
		return int(idx), nil
	}

	// Greedy descent through the layers above the new node's level.
	cur := uint32(h.entryID)
	curDist := CosineDistance(vec, h.nodes[cur].vector)
	for lev := h.maxLevel; lev > level; lev-- {
		cur, curDist = h.greedyStep(vec, cur, curDist, lev)
	}

	ep := []uint32{cur}
	for lev := min(level, h.maxLevel); lev >= 0; lev-- {
		candidates := h.searchLayer(vec, ep, h.cfg.EfConstruction, lev)
		maxC := h.cfg.maxConns(lev)
		neighbors := h.selectClosest(vec, candidates, maxC)
		nd.friends[lev] = neighbors

		for _, nID := range neighbors {
			nn := h.nodes[nID]
			if lev >= len(nn.friends) {
				continue
			}
			nn.friends[lev] = append(nn.friends[lev], idx)
			if len(nn.friends[lev]) > maxC {
				nn.friends[lev] = h.selectClosest(nn.vector, nn.friends[lev], maxC)
			}
		}
		ep = candidates
	}

	if level > h.maxLevel {
		h.entryID = int32(idx)
		h.maxLevel = level
	}
	return int(idx), nil
}

// Search returns up to k nearest slots to query, closest first.
func (h *HNSW) Search(query []float32, k int) ([]Match, error) {
	if len(query) != h.cfg.Dim {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(query), h.cfg.Dim)
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.nodes) == 0 || k <= 0 {
		return nil, nil
	}
	if k > len(h.nodes) {
		k = len(h.nodes)
	}
	ef := max(h.cfg.EfSearch, k)

	cur := uint32(h.entryID)
	curDist := CosineDistance(query, h.nodes[cur].vector)
	for lev := h.maxLevel; lev > 0; lev-- {
		cur, curDist = h.greedyStep(query, cur, curDist, lev)
	}

	candidates := h.searchLayer(query, []uint32{cur}, ef, 0)
	matches := make([]Match, 0, len(candidates))
	for _, id := range candidates {
		matches = append(matches, Match{Slot: int(id), Distance: CosineDistance(query, h.nodes[id].vector)})
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].Distance < matches[j].Distance })
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

// Vector returns a copy of the vector stored at slot.
func (h *HNSW) Vector(slot int) ([]float32, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if slot < 0 || slot >= len(h.nodes) {
		return nil, false
	}
	out := make([]float32, len(h.nodes[slot].vector))
	copy(out, h.nodes[slot].vector)
	return out, true
}

// greedyStep walks layer lev from cur towards query until no neighbor is closer.
func (h *HNSW) greedyStep(query []float32, cur uint32, curDist float32, lev int) (uint32, float32) {
	changed := true
	for changed {
		changed = false
		nd := h.nodes[cur]
		if lev >= len(nd.friends) {
			break
		}
		for _, fID := range nd.friends[lev] {
			d := CosineDistance(query, h.nodes[fID].vector)
			if d < curDist {
				cur, curDist = fID, d
				changed = true
			}
		}
	}
	return cur, curDist
}

// randomLevel draws a layer with P(level >= l) = exp(-l * ln(M)).
func (h *HNSW) randomLevel() int {
	r := max(h.rng.Float64(), math.SmallestNonzeroFloat64)
	level := int(-math.Log(r) * h.levelMul)
	if level > 31 {
		level = 31
	}
	return level
}

// searchLayer is a beam search on one layer returning up to ef slots.
func (h *HNSW) searchLayer(query []float32, entryPoints []uint32, ef int, layer int) []uint32 {
	visited := make(map[uint32]struct{}, ef*2)
	var candidates minDistHeap
	var results maxDistHeap

	for _, ep := range entryPoints {
		if _, seen := visited[ep]; seen {
			continue
		}
		visited[ep] = struct{}{}
		d := CosineDistance(query, h.nodes[ep].vector)
		heap.Push(&candidates, distItem{id: ep, dist: d})
		heap.Push(&results, distItem{id: ep, dist: d})
		if results.Len() > ef {
			heap.Pop(&results)
		}
	}

	for candidates.Len() > 0 {
		closest := heap.Pop(&candidates).(distItem)
		if results.Len() >= ef && closest.dist > results[0].dist {
			break
		}
		nd := h.nodes[closest.id]
		if layer >= len(nd.friends) {
			continue
		}
		for _, fID := range nd.friends[layer] {
			if _, seen := visited[fID]; seen {
				continue
			}
			visited[fID] = struct{}{}
			d := CosineDistance(query, h.nodes[fID].vector)
			if results.Len() < ef || d < results[0].dist {
				heap.Push(&candidates, distItem{id: fID, dist: d})
				heap.Push(&results, distItem{id: fID, dist: d})
				if results.Len() > ef {
					heap.Pop(&results)
				}
			}
		}
	}

	out := make([]uint32, results.Len())
	for i := range out {
		out[i] = results[i].id
	}
	return out
}

// selectClosest keeps the maxN candidates closest to query.
func (h *HNSW) selectClosest(query []float32, candidates []uint32, maxN int) []uint32 {
	if len(candidates) <= maxN {
		out := make([]uint32, len(candidates))
		copy(out, candidates)
		return out
	}
	items := make([]distItem, len(candidates))
	for i, cID := range candidates {
		items[i] = distItem{id: cID, dist: CosineDistance(query, h.nodes[cID].vector)}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].dist < items[j].dist })
	out := make([]uint32, maxN)
	for i := range out {
		out[i] = items[i].id
	}
	return out
}
