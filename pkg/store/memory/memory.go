// Package memory is an in-process implementation of every store interface.
// It backs tests and small single-node deployments loaded from a snapshot.
package memory

import (
	"context"
	"slices"
	"sort"
	"sync"

	"github.com/OFFIS-RIT/kiwi/retrieval/pkg/common"
	"github.com/OFFIS-RIT/kiwi/retrieval/pkg/store"
)

type vectorEntry struct {
	vec      []float32
	metadata map[string]string
}

// Store keeps graph, vectors and passages in maps. It is safe for
// concurrent use.
type Store struct {
	mu       sync.RWMutex
	nodes    map[string]common.Entity
	edges    map[common.EdgeKey]common.Relation
	vectors  map[string]map[string]vectorEntry
	passages map[string]common.Passage

	// DisableFilteredSearch makes SearchByIDs return store.ErrUnsupported.
	DisableFilteredSearch bool
	// DisableFetch makes FetchVectors return store.ErrUnsupported.
	DisableFetch bool
	// MaxIDsPerRequest makes SearchByIDs and FetchVectors fail with
	// store.ErrPayloadTooLarge above the limit. Zero means unlimited.
	MaxIDsPerRequest int

	statsMu      sync.Mutex
	calls        map[string]int
	queryTopK    map[string][]int
	searchSizes  []int
	fetchBatches []int
}

func New() *Store {
	return &Store{
		nodes:     map[string]common.Entity{},
		edges:     map[common.EdgeKey]common.Relation{},
		vectors:   map[string]map[string]vectorEntry{},
		passages:  map[string]common.Passage{},
		calls:     map[string]int{},
		queryTopK: map[string][]int{},
	}
}

// AddEntity stores e and, when vec is non-nil, indexes it in the entities
// collection.
func (s *Store) AddEntity(e common.Entity, vec []float32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes[e.Name] = e
	if vec != nil {
		s.putVector(store.EntitiesCollection, e.Name, vec, map[string]string{
			"entity_name": e.Name,
			"file_path":   e.FilePath,
		})
	}
}

// AddRelation stores r under its canonical key and, when vec is non-nil,
// indexes it in the relationships collection.
func (s *Store) AddRelation(r common.Relation, vec []float32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := r.Key()
	s.edges[key] = r
	if vec != nil {
		s.putVector(store.RelationshipsCollection, key.String(), vec, map[string]string{
			"src_id":    r.Source,
			"tgt_id":    r.Target,
			"file_path": r.FilePath,
		})
	}
}

// AddPassage stores p and, when vec is non-nil, indexes it in the chunks
// collection.
func (s *Store) AddPassage(p common.Passage, vec []float32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.passages[p.ID] = p
	if vec != nil {
		s.putVector(store.ChunksCollection, p.ID, vec, map[string]string{
			"full_doc_id": p.DocID,
			"owner_id":    p.OwnerID,
			"file_path":   p.FilePath,
		})
	}
}

// AddVector indexes a bare vector without graph or passage data.
func (s *Store) AddVector(collection, id string, vec []float32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putVector(collection, id, vec, nil)
}

func (s *Store) putVector(collection, id string, vec []float32, md map[string]string) {
	c, ok := s.vectors[collection]
	if !ok {
		c = map[string]vectorEntry{}
		s.vectors[collection] = c
	}
	c[id] = vectorEntry{vec: vec, metadata: md}
}

func (s *Store) record(name string) {
	s.statsMu.Lock()
	s.calls[name]++
	s.statsMu.Unlock()
}

// Calls returns how often the named method was invoked.
func (s *Store) Calls(name string) int {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.calls[name]
}

// QueryTopKs returns the topK of every Query call against collection.
func (s *Store) QueryTopKs(collection string) []int {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return slices.Clone(s.queryTopK[collection])
}

// SearchBatchSizes returns the id count of every successful SearchByIDs call.
func (s *Store) SearchBatchSizes() []int {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return slices.Clone(s.searchSizes)
}

// FetchBatchSizes returns the id count of every successful FetchVectors call.
func (s *Store) FetchBatchSizes() []int {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return slices.Clone(s.fetchBatches)
}

func (s *Store) GetNodes(ctx context.Context, names []string) (map[string]common.Entity, error) {
	s.record("GetNodes")
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]common.Entity, len(names))
	for _, n := range names {
		if e, ok := s.nodes[n]; ok {
			out[n] = e
		}
	}
	return out, nil
}

func (s *Store) degree(name string) int {
	d := 0
	for k := range s.edges {
		if k.Source == name || k.Target == name {
			d++
		}
	}
	return d
}

func (s *Store) NodeDegrees(ctx context.Context, names []string) (map[string]int, error) {
	s.record("NodeDegrees")
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int, len(names))
	for _, n := range names {
		if _, ok := s.nodes[n]; ok {
			out[n] = s.degree(n)
		}
	}
	return out, nil
}

func (s *Store) GetEdges(ctx context.Context, keys []common.EdgeKey) (map[common.EdgeKey]common.Relation, error) {
	s.record("GetEdges")
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[common.EdgeKey]common.Relation, len(keys))
	for _, k := range keys {
		if r, ok := s.edges[common.NewEdgeKey(k.Source, k.Target)]; ok {
			out[k] = r
		}
	}
	return out, nil
}

// EdgeDegrees is the sum of both endpoint degrees.
func (s *Store) EdgeDegrees(ctx context.Context, keys []common.EdgeKey) (map[common.EdgeKey]int, error) {
	s.record("EdgeDegrees")
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[common.EdgeKey]int, len(keys))
	for _, k := range keys {
		out[k] = s.degree(k.Source) + s.degree(k.Target)
	}
	return out, nil
}

func (s *Store) NodeEdges(ctx context.Context, names []string) (map[string][]common.EdgeKey, error) {
	s.record("NodeEdges")
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]common.EdgeKey, len(names))
	for _, n := range names {
		var keys []common.EdgeKey
		for k := range s.edges {
			if k.Source == n || k.Target == n {
				keys = append(keys, k)
			}
		}
		sort.Slice(keys, func(i, j int) bool {
			return keys[i].String() < keys[j].String()
		})
		if len(keys) > 0 {
			out[n] = keys
		}
	}
	return out, nil
}

func (s *Store) Query(
	ctx context.Context,
	collection string,
	embedding []float32,
	topK int,
	opts ...store.QueryOption,
) ([]store.VectorHit, error) {
	s.record("Query")
	s.statsMu.Lock()
	s.queryTopK[collection] = append(s.queryTopK[collection], topK)
	s.statsMu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	o := store.ApplyQueryOptions(opts...)

	s.mu.RLock()
	hits := make([]store.VectorHit, 0, len(s.vectors[collection]))
	for id, e := range s.vectors[collection] {
		score := store.CosineSimilarity(embedding, e.vec)
		if o.Threshold > 0 && score < o.Threshold {
			continue
		}
		hits = append(hits, store.VectorHit{ID: id, Score: score, Metadata: pickFields(e.metadata, o.Fields)})
	}
	s.mu.RUnlock()

	sortHits(hits)
	if topK > 0 && len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

func (s *Store) SearchByIDs(
	ctx context.Context,
	collection string,
	embedding []float32,
	ids []string,
	topK int,
) ([]store.ScoredID, error) {
	s.record("SearchByIDs")
	if s.DisableFilteredSearch {
		return nil, store.ErrUnsupported
	}
	if s.MaxIDsPerRequest > 0 && len(ids) > s.MaxIDsPerRequest {
		return nil, store.ErrPayloadTooLarge
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.statsMu.Lock()
	s.searchSizes = append(s.searchSizes, len(ids))
	s.statsMu.Unlock()

	s.mu.RLock()
	out := make([]store.ScoredID, 0, len(ids))
	for _, id := range ids {
		e, ok := s.vectors[collection][id]
		if !ok {
			continue
		}
		out = append(out, store.ScoredID{ID: id, Score: store.CosineSimilarity(embedding, e.vec)})
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

func (s *Store) FetchVectors(ctx context.Context, collection string, ids []string) (map[string][]float32, error) {
	s.record("FetchVectors")
	if s.DisableFetch {
		return nil, store.ErrUnsupported
	}
	if s.MaxIDsPerRequest > 0 && len(ids) > s.MaxIDsPerRequest {
		return nil, store.ErrPayloadTooLarge
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.statsMu.Lock()
	s.fetchBatches = append(s.fetchBatches, len(ids))
	s.statsMu.Unlock()

	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]float32, len(ids))
	for _, id := range ids {
		if e, ok := s.vectors[collection][id]; ok {
			out[id] = e.vec
		}
	}
	return out, nil
}

func (s *Store) GetPassages(ctx context.Context, ids []string) ([]common.Passage, error) {
	s.record("GetPassages")
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]common.Passage, 0, len(ids))
	for _, id := range ids {
		if p, ok := s.passages[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func pickFields(md map[string]string, fields []string) map[string]string {
	if md == nil {
		return nil
	}
	out := make(map[string]string, len(md))
	if len(fields) == 0 {
		for k, v := range md {
			out[k] = v
		}
		return out
	}
	for _, f := range fields {
		if v, ok := md[f]; ok {
			out[f] = v
		}
	}
	return out
}

func sortHits(hits []store.VectorHit) {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
}
