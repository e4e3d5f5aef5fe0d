package query

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/OFFIS-RIT/kiwi/retrieval/pkg/common"
	"github.com/OFFIS-RIT/kiwi/retrieval/pkg/store"
)

// branchResult is what one graph branch contributes before merging.
type branchResult struct {
	Entities  []common.Entity
	Relations []common.Relation
}

// queryOptions requests only the metadata fields the caller reads.
func (e *Engine) queryOptions(fields ...string) []store.QueryOption {
	opts := []store.QueryOption{store.WithFields(fields...)}
	if e.cfg.CosineThreshold > 0 {
		opts = append(opts, store.WithThreshold(e.cfg.CosineThreshold))
	}
	return opts
}

func hitEntityName(h store.VectorHit) string {
	if n := h.Metadata["entity_name"]; n != "" {
		return n
	}
	return h.ID
}

func hitEdgeKey(h store.VectorHit) (common.EdgeKey, bool) {
	src, tgt := h.Metadata["src_id"], h.Metadata["tgt_id"]
	if src == "" || tgt == "" {
		var ok bool
		src, tgt, ok = strings.Cut(h.ID, common.FieldSep)
		if !ok {
			return common.EdgeKey{}, false
		}
	}
	return common.NewEdgeKey(src, tgt), true
}

// entitiesInOrder looks up names and assigns degrees as rank. Missing nodes
// are skipped.
func (e *Engine) entitiesInOrder(ctx context.Context, names []string) ([]common.Entity, error) {
	nodes, err := e.graph.GetNodes(ctx, names)
	if err != nil {
		return nil, fmt.Errorf("get nodes: %w", err)
	}
	degrees, err := e.graph.NodeDegrees(ctx, names)
	if err != nil {
		return nil, fmt.Errorf("node degrees: %w", err)
	}
	out := make([]common.Entity, 0, len(names))
	for _, n := range names {
		ent, ok := nodes[n]
		if !ok {
			continue
		}
		if ent.Name == "" {
			ent.Name = n
		}
		ent.Rank = degrees[n]
		out = append(out, ent)
	}
	return out, nil
}

// relationsInOrder looks up keys and assigns edge degrees as rank.
func (e *Engine) relationsInOrder(ctx context.Context, keys []common.EdgeKey) ([]common.Relation, error) {
	edges, err := e.graph.GetEdges(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("get edges: %w", err)
	}
	degrees, err := e.graph.EdgeDegrees(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("edge degrees: %w", err)
	}
	out := make([]common.Relation, 0, len(keys))
	for _, k := range keys {
		rel, ok := edges[k]
		if !ok {
			continue
		}
		rel.Rank = degrees[k]
		out = append(out, rel)
	}
	return out, nil
}

// searchLocal starts from entities similar to the low-level keywords and
// follows their edges.
func (e *Engine) searchLocal(ctx context.Context, embedding []float32, topK int) (branchResult, error) {
	hits, err := e.vectors.Query(ctx, store.EntitiesCollection, embedding, topK, e.queryOptions("entity_name")...)
	if err != nil {
		return branchResult{}, fmt.Errorf("entity vector query: %w", err)
	}
	names := make([]string, 0, len(hits))
	for _, h := range hits {
		names = append(names, hitEntityName(h))
	}
	names = store.DedupeStrings(names)
	if len(names) == 0 {
		return branchResult{}, nil
	}

	entities, err := e.entitiesInOrder(ctx, names)
	if err != nil {
		return branchResult{}, err
	}

	found := make([]string, len(entities))
	for i, ent := range entities {
		found[i] = ent.Name
	}
	edgesByNode, err := e.graph.NodeEdges(ctx, found)
	if err != nil {
		return branchResult{}, fmt.Errorf("node edges: %w", err)
	}

	seen := make(map[common.EdgeKey]struct{})
	var keys []common.EdgeKey
	for _, n := range found {
		for _, k := range edgesByNode[n] {
			k = common.NewEdgeKey(k.Source, k.Target)
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
	}

	var relations []common.Relation
	if len(keys) > 0 {
		relations, err = e.relationsInOrder(ctx, keys)
		if err != nil {
			return branchResult{}, err
		}
		sort.SliceStable(relations, func(i, j int) bool {
			if relations[i].Rank != relations[j].Rank {
				return relations[i].Rank > relations[j].Rank
			}
			return relations[i].Weight > relations[j].Weight
		})
	}

	return branchResult{Entities: entities, Relations: relations}, nil
}

// searchGlobal starts from relations similar to the high-level keywords and
// collects their endpoints.
func (e *Engine) searchGlobal(ctx context.Context, embedding []float32, topK int) (branchResult, error) {
	hits, err := e.vectors.Query(ctx, store.RelationshipsCollection, embedding, topK, e.queryOptions("src_id", "tgt_id")...)
	if err != nil {
		return branchResult{}, fmt.Errorf("relationship vector query: %w", err)
	}

	seen := make(map[common.EdgeKey]struct{}, len(hits))
	keys := make([]common.EdgeKey, 0, len(hits))
	for _, h := range hits {
		k, ok := hitEdgeKey(h)
		if !ok {
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	if len(keys) == 0 {
		return branchResult{}, nil
	}

	relations, err := e.relationsInOrder(ctx, keys)
	if err != nil {
		return branchResult{}, err
	}

	names := make([]string, 0, len(relations)*2)
	for _, r := range relations {
		names = append(names, r.Source, r.Target)
	}
	names = store.DedupeStrings(names)

	var entities []common.Entity
	if len(names) > 0 {
		entities, err = e.entitiesInOrder(ctx, names)
		if err != nil {
			return branchResult{}, err
		}
	}
	return branchResult{Entities: entities, Relations: relations}, nil
}

// searchPassages runs the direct passage search and returns the hit IDs.
func (e *Engine) searchPassages(ctx context.Context, embedding []float32, topK int, filter *ScopeFilter) ([]string, error) {
	hits, err := e.vectors.Query(ctx, store.ChunksCollection, embedding, topK, e.queryOptions("owner_id", "file_path")...)
	if err != nil {
		return nil, fmt.Errorf("chunk vector query: %w", err)
	}
	hits = filter.PassageHits("direct_hits", hits)
	ids := make([]string, 0, len(hits))
	for _, h := range hits {
		ids = append(ids, h.ID)
	}
	return store.DedupeStrings(ids), nil
}
