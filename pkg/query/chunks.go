package query

import (
	"context"
	"fmt"

	"github.com/OFFIS-RIT/kiwi/retrieval/pkg/common"
	"github.com/OFFIS-RIT/kiwi/retrieval/pkg/logger"
	"github.com/OFFIS-RIT/kiwi/retrieval/pkg/store"
)

// ChunkResolver turns graph items into source passages and merges them
// with the directly retrieved ones.
type ChunkResolver struct {
	kv         store.KVStore
	strategies []ChunkStrategy
	cfg        Config
}

// NewChunkResolver ranks candidates with server-side filtered search first
// and falls back to fetching vectors.
func NewChunkResolver(vectors store.VectorStore, kv store.KVStore, cfg Config) *ChunkResolver {
	cfg = cfg.withDefaults()
	return &ChunkResolver{
		kv: kv,
		strategies: []ChunkStrategy{
			&FilteredSearchStrategy{Store: vectors, MaxIDs: cfg.MaxFilterIDs, Concurrency: cfg.FilterConcurrency},
			&BulkFetchStrategy{Store: vectors, MaxPayloadBytes: cfg.MaxPayloadBytes, Concurrency: cfg.FilterConcurrency},
		},
		cfg: cfg,
	}
}

// WithStrategies replaces the similarity strategies.
func (r *ChunkResolver) WithStrategies(strategies ...ChunkStrategy) *ChunkResolver {
	r.strategies = strategies
	return r
}

type chunkInput struct {
	Entities       []common.Entity
	Relations      []common.Relation
	DirectIDs      []string
	QueryEmbedding []float32
	Scoped         bool
}

// chunkLists returns the per-item source ID lists. Relation lists exclude
// IDs already claimed by an entity. Items without IDs are left out.
func chunkLists(entities []common.Entity, relations []common.Relation) (entityLists, relationLists [][]string) {
	claimed := make(map[string]struct{})
	for _, e := range entities {
		ids := store.DedupeStrings(e.SourceIDs)
		if len(ids) == 0 {
			continue
		}
		for _, id := range ids {
			claimed[id] = struct{}{}
		}
		entityLists = append(entityLists, ids)
	}
	for _, r := range relations {
		var ids []string
		for _, id := range store.DedupeStrings(r.SourceIDs) {
			if _, ok := claimed[id]; ok {
				continue
			}
			ids = append(ids, id)
		}
		if len(ids) == 0 {
			continue
		}
		relationLists = append(relationLists, ids)
	}
	return entityLists, relationLists
}

func flatten(lists [][]string) []string {
	var out []string
	for _, l := range lists {
		out = append(out, l...)
	}
	return store.DedupeStrings(out)
}

// chunkBudget is K = RelatedChunkNumber * items / 2, at least 1.
func (r *ChunkResolver) chunkBudget(items int, scoped bool) int {
	k := max(r.cfg.RelatedChunkNumber*items/2, 1)
	if scoped {
		k *= r.cfg.OverfetchMultiplier
	}
	return k
}

func (r *ChunkResolver) selectChunks(ctx context.Context, stage string, lists [][]string, in chunkInput, tracer Tracer) []string {
	if len(lists) == 0 {
		return nil
	}

	if r.cfg.ChunkSelection == ChunkSelectionVector && len(in.QueryEmbedding) > 0 {
		req := selectRequest{
			Collection: store.ChunksCollection,
			Embedding:  in.QueryEmbedding,
			IDs:        flatten(lists),
			K:          r.chunkBudget(len(lists), in.Scoped),
		}
		if ids, ok := selectByVector(ctx, r.strategies, req, tracer); ok {
			return ids
		}
		logger.Warn("[Query] vector chunk selection failed, using weighted selection", "stage", stage)
	}

	perItem := r.cfg.RelatedChunkNumber
	if in.Scoped {
		perItem *= r.cfg.OverfetchMultiplier
	}
	ids := selectByWeight(lists, perItem, 1)
	recordStage(tracer, TraceEventChunkSelection, "weighted", len(flatten(lists)), len(ids), 0, nil)
	return ids
}

// Resolve selects the related chunks, fetches every passage once and
// returns RoundRobin(direct, entity-derived, relation-derived) after scope
// filtering.
func (r *ChunkResolver) Resolve(ctx context.Context, in chunkInput, filter *ScopeFilter, tracer Tracer) ([]common.Passage, error) {
	entityLists, relationLists := chunkLists(in.Entities, in.Relations)

	entityIDs := r.selectChunks(ctx, "entities", entityLists, in, tracer)
	relationIDs := r.selectChunks(ctx, "relations", relationLists, in, tracer)

	all := store.DedupeStrings(append(append(append([]string(nil), in.DirectIDs...), entityIDs...), relationIDs...))
	if len(all) == 0 {
		return nil, nil
	}
	RecordConsideredSourceIDs(tracer, all...)

	passages, err := r.kv.GetPassages(ctx, all)
	if err != nil {
		return nil, fmt.Errorf("get passages: %w", err)
	}
	byID := make(map[string]common.Passage, len(passages))
	for _, p := range passages {
		byID[p.ID] = p
	}
	lookup := func(ids []string) []common.Passage {
		out := make([]common.Passage, 0, len(ids))
		for _, id := range ids {
			if p, ok := byID[id]; ok {
				out = append(out, p)
			}
		}
		return out
	}

	direct := filter.Passages("direct_chunks", lookup(in.DirectIDs))
	fromEntities := filter.Passages("entity_chunks", lookup(entityIDs))
	fromRelations := filter.Passages("relation_chunks", lookup(relationIDs))

	merged := MergePassages(direct, fromEntities, fromRelations)
	return filter.Passages("merged_chunks", merged), nil
}
