package store

import (
	"encoding/binary"
	"math"
	"sort"
	"sync"

	"github.com/coder/hnsw"
)

// vectorIndex is the in-memory ANN accelerator over fragment embeddings,
// keyed by fragment id. SQLite stays the source of truth; the graph is
// rebuilt from it on open.
//
// Deletes are lazy: the node stays in the graph but loses its mapping and
// is skipped in results. coder/hnsw misbehaves when the last node of a
// layer is deleted. Once orphans outnumber live nodes the graph is rebuilt
// from the live ones.
type vectorIndex struct {
	mu       sync.RWMutex
	graph    *hnsw.Graph[uint64]
	dims     int
	m        int
	efSearch int

	keyOf   map[int64]uint64 // fragment id -> graph key
	owner   map[uint64]int64 // graph key -> fragment id
	repoOf  map[int64]string // fragment id -> repository
	nextKey uint64
	orphans int

	// compactAt is the orphan count below which no rebuild happens.
	compactAt int
}

// defaultCompactAt keeps small indexes from rebuilding on every replace.
const defaultCompactAt = 256

func newVectorIndex(m, efSearch int) *vectorIndex {
	if m <= 0 {
		m = 16
	}
	if efSearch <= 0 {
		efSearch = 20
	}
	return &vectorIndex{
		graph:     newGraph(m, efSearch),
		m:         m,
		efSearch:  efSearch,
		keyOf:     make(map[int64]uint64),
		owner:     make(map[uint64]int64),
		repoOf:    make(map[int64]string),
		compactAt: defaultCompactAt,
	}
}

func newGraph(m, efSearch int) *hnsw.Graph[uint64] {
	g := hnsw.NewGraph[uint64]()
	g.Distance = hnsw.CosineDistance
	g.M = m
	g.EfSearch = efSearch
	g.Ml = 0.25
	return g
}

// put inserts or replaces the vector of a fragment. Vectors whose length
// differs from the first one seen are ignored and reported false; the exact
// scan still covers them.
func (v *vectorIndex) put(id int64, repoID string, vec []float32) bool {
	if len(vec) == 0 || isZero(vec) {
		v.remove(id)
		return true
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.dims == 0 {
		v.dims = len(vec)
	}
	if len(vec) != v.dims {
		v.removeLocked(id)
		return false
	}
	v.removeLocked(id)

	key := v.nextKey
	v.nextKey++
	norm := make([]float32, len(vec))
	copy(norm, vec)
	normalizeVectorInPlace(norm)
	v.graph.Add(hnsw.MakeNode(key, norm))

	v.keyOf[id] = key
	v.owner[key] = id
	v.repoOf[id] = repoID
	v.maybeCompactLocked()
	return true
}

func (v *vectorIndex) remove(ids ...int64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, id := range ids {
		v.removeLocked(id)
	}
	v.maybeCompactLocked()
}

// maybeCompactLocked rebuilds the graph from the live nodes once orphans
// outnumber them, so search over-fetch stays bounded by the live size.
func (v *vectorIndex) maybeCompactLocked() {
	if v.orphans < v.compactAt || v.orphans <= len(v.keyOf) {
		return
	}
	ids := make([]int64, 0, len(v.keyOf))
	for id := range v.keyOf {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	g := newGraph(v.m, v.efSearch)
	keyOf := make(map[int64]uint64, len(ids))
	owner := make(map[uint64]int64, len(ids))
	var next uint64
	for _, id := range ids {
		vec, ok := v.graph.Lookup(v.keyOf[id])
		if !ok {
			delete(v.repoOf, id)
			continue
		}
		g.Add(hnsw.MakeNode(next, vec))
		keyOf[id] = next
		owner[next] = id
		next++
	}
	v.graph, v.keyOf, v.owner, v.nextKey, v.orphans = g, keyOf, owner, next, 0
}

func (v *vectorIndex) removeLocked(id int64) {
	key, ok := v.keyOf[id]
	if !ok {
		return
	}
	delete(v.owner, key)
	delete(v.keyOf, id)
	delete(v.repoOf, id)
	v.orphans++
}

// len returns the number of live vectors.
func (v *vectorIndex) len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.keyOf)
}

// dimensions returns the vector width, 0 before the first insert.
func (v *vectorIndex) dimensions() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.dims
}

type scoredID struct {
	id    int64
	score float64
}

// search returns up to limit fragment ids nearest to query, skipping
// fragments of excludeRepo. It over-fetches to make up for lazily deleted
// and excluded nodes. complete is false when fewer than limit live
// candidates came back although more exist.
func (v *vectorIndex) search(query []float32, excludeRepo string, limit int) (hits []scoredID, complete bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if len(v.keyOf) == 0 || len(query) != v.dims || limit <= 0 {
		return nil, len(v.keyOf) == 0
	}

	q := make([]float32, len(query))
	copy(q, query)
	normalizeVectorInPlace(q)

	k := limit*4 + v.orphans
	if k < 32 {
		k = 32
	}
	eligible := 0
	for _, repo := range v.repoOf {
		if repo != excludeRepo {
			eligible++
		}
	}

	for _, node := range v.graph.Search(q, k) {
		id, ok := v.owner[node.Key]
		if !ok || v.repoOf[id] == excludeRepo {
			continue
		}
		hits = append(hits, scoredID{id: id, score: 1 - float64(v.graph.Distance(q, node.Value))})
	}
	sortScored(hits)
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, len(hits) >= limit || len(hits) >= eligible
}

func sortScored(hits []scoredID) {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].id < hits[j].id
	})
}

func isZero(v []float32) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}

// normalizeVectorInPlace scales v to unit length.
func normalizeVectorInPlace(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	norm := float32(math.Sqrt(sum))
	for i := range v {
		v[i] /= norm
	}
}

// cosineSimilarity returns the cosine of the angle between a and b, 0 when
// either is zero or their lengths differ.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// encodeVector stores v as little-endian float32s. nil stays nil.
func encodeVector(v []float32) []byte {
	if v == nil {
		return nil
	}
	blob := make([]byte, len(v)*4)
	for i, x := range v {
		binary.LittleEndian.PutUint32(blob[i*4:], math.Float32bits(x))
	}
	return blob
}

func decodeVector(blob []byte) []float32 {
	if len(blob) == 0 {
		return nil
	}
	v := make([]float32, len(blob)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return v
}
