package query

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"

	"github.com/OFFIS-RIT/kiwi/retrieval/pkg/logger"
	"github.com/OFFIS-RIT/kiwi/retrieval/pkg/store"

	"golang.org/x/sync/errgroup"
)

// selectRequest asks a strategy for the k candidates most similar to
// embedding.
type selectRequest struct {
	Collection string
	Embedding  []float32
	IDs        []string
	K          int
}

// ChunkStrategy is one way of ranking candidate chunks by similarity.
// Strategies return store.ErrUnsupported when the store lacks the
// capability they need.
type ChunkStrategy interface {
	Name() string
	Select(ctx context.Context, req selectRequest) ([]store.ScoredID, error)
}

// rankScored dedupes by ID keeping the best score, sorts by score desc
// then ID asc and cuts to k.
func rankScored(in []store.ScoredID, k int) []store.ScoredID {
	best := make(map[string]float64, len(in))
	for _, s := range in {
		if cur, ok := best[s.ID]; !ok || s.Score > cur {
			best[s.ID] = s.Score
		}
	}
	out := make([]store.ScoredID, 0, len(best))
	for id, score := range best {
		out = append(out, store.ScoredID{ID: id, Score: score})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})
	if k > 0 && len(out) > k {
		out = out[:k]
	}
	return out
}

// splitOnTooLarge runs fn on ids and halves the batch while fn reports
// store.ErrPayloadTooLarge.
func splitOnTooLarge[T any](ctx context.Context, ids []string, fn func(context.Context, []string) ([]T, error)) ([]T, error) {
	res, err := fn(ctx, ids)
	if err == nil {
		return res, nil
	}
	if !errors.Is(err, store.ErrPayloadTooLarge) || len(ids) < 2 {
		return nil, err
	}
	mid := len(ids) / 2
	left, err := splitOnTooLarge(ctx, ids[:mid], fn)
	if err != nil {
		return nil, err
	}
	right, err := splitOnTooLarge(ctx, ids[mid:], fn)
	if err != nil {
		return nil, err
	}
	return append(left, right...), nil
}

// runBatches splits ids into windows of size and runs fn concurrently.
func runBatches[T any](ctx context.Context, ids []string, size, limit int, fn func(context.Context, []string) ([]T, error)) ([]T, error) {
	var (
		mu  sync.Mutex
		out []T
	)
	eg, ectx := errgroup.WithContext(ctx)
	eg.SetLimit(max(limit, 1))
	_ = store.ChunkRange(len(ids), size, func(start, end int) error {
		batch := ids[start:end]
		eg.Go(func() error {
			res, err := splitOnTooLarge(ectx, batch, fn)
			if err != nil {
				return err
			}
			mu.Lock()
			out = append(out, res...)
			mu.Unlock()
			return nil
		})
		return nil
	})
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// FilteredSearchStrategy lets the vector store rank the candidates on the
// server side, never transferring vectors.
type FilteredSearchStrategy struct {
	Store       store.VectorStore
	MaxIDs      int
	Concurrency int
}

func (s *FilteredSearchStrategy) Name() string { return "filtered_search" }

func (s *FilteredSearchStrategy) Select(ctx context.Context, req selectRequest) ([]store.ScoredID, error) {
	searcher, ok := s.Store.(store.FilteredSearcher)
	if !ok {
		return nil, store.ErrUnsupported
	}
	maxIDs := s.MaxIDs
	if maxIDs <= 0 {
		maxIDs = 1000
	}
	scored, err := runBatches(ctx, req.IDs, maxIDs, s.Concurrency, func(ctx context.Context, ids []string) ([]store.ScoredID, error) {
		return searcher.SearchByIDs(ctx, req.Collection, req.Embedding, ids, req.K)
	})
	if err != nil {
		return nil, err
	}
	return rankScored(scored, req.K), nil
}

// BulkFetchStrategy downloads the candidate vectors and ranks them locally.
type BulkFetchStrategy struct {
	Store           store.VectorStore
	MaxPayloadBytes int
	Concurrency     int
}

func (s *BulkFetchStrategy) Name() string { return "bulk_fetch" }

func (s *BulkFetchStrategy) batchSize(dim int) int {
	if dim <= 0 {
		return 1
	}
	return max(1, s.MaxPayloadBytes/(dim*4))
}

func (s *BulkFetchStrategy) Select(ctx context.Context, req selectRequest) ([]store.ScoredID, error) {
	fetcher, ok := s.Store.(store.VectorFetcher)
	if !ok {
		return nil, store.ErrUnsupported
	}
	logger.Warn("[Query] ranking chunks client-side", "strategy", s.Name(), "candidates", len(req.IDs))

	scored, err := runBatches(ctx, req.IDs, s.batchSize(len(req.Embedding)), s.Concurrency, func(ctx context.Context, ids []string) ([]store.ScoredID, error) {
		vectors, err := fetcher.FetchVectors(ctx, req.Collection, ids)
		if err != nil {
			return nil, err
		}
		out := make([]store.ScoredID, 0, len(vectors))
		for id, vec := range vectors {
			out = append(out, store.ScoredID{ID: id, Score: store.CosineSimilarity(req.Embedding, vec)})
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return rankScored(scored, req.K), nil
}

// selectByVector tries each strategy in order. ok is false when every
// strategy failed.
func selectByVector(ctx context.Context, strategies []ChunkStrategy, req selectRequest, tracer Tracer) ([]string, bool) {
	for _, s := range strategies {
		res, err := s.Select(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, false
			}
			if errors.Is(err, store.ErrUnsupported) {
				logger.Warn("[Query] chunk strategy unsupported, degrading", "strategy", s.Name())
			} else {
				logger.Warn("[Query] chunk strategy failed", "strategy", s.Name(), "err", err)
			}
			recordStage(tracer, TraceEventChunkSelection, s.Name(), len(req.IDs), 0, 0, err)
			continue
		}
		recordStage(tracer, TraceEventChunkSelection, s.Name(), len(req.IDs), len(res), 0, nil)
		ids := make([]string, len(res))
		for i, r := range res {
			ids[i] = r.ID
		}
		return ids, true
	}
	return nil, false
}

// selectByWeight picks chunks per item with a linearly decreasing quota.
// Each item's chunks are ordered by how many items reference them.
func selectByWeight(items [][]string, maxPerItem, minPerItem int) []string {
	n := len(items)
	if n == 0 || maxPerItem <= 0 {
		return nil
	}
	minPerItem = min(max(minPerItem, 0), maxPerItem)

	occurrences := make(map[string]int)
	for _, chunks := range items {
		for _, c := range chunks {
			occurrences[c]++
		}
	}
	ordered := make([][]string, n)
	for i, chunks := range items {
		sorted := append([]string(nil), chunks...)
		sort.SliceStable(sorted, func(a, b int) bool {
			return occurrences[sorted[a]] > occurrences[sorted[b]]
		})
		ordered[i] = sorted
	}

	quota := make([]int, n)
	for i := range quota {
		if n == 1 {
			quota[i] = maxPerItem
			continue
		}
		q := float64(maxPerItem) - float64(maxPerItem-minPerItem)*float64(i)/float64(n-1)
		quota[i] = int(math.Round(q))
	}

	taken := make([]int, n)
	unused := 0
	for i := range ordered {
		taken[i] = min(quota[i], len(ordered[i]))
		unused += quota[i] - taken[i]
	}
	for i := range ordered {
		if unused == 0 {
			break
		}
		extra := min(unused, len(ordered[i])-taken[i])
		taken[i] += extra
		unused -= extra
	}

	var out []string
	seen := make(map[string]struct{})
	for i := range ordered {
		for _, c := range ordered[i][:taken[i]] {
			if _, ok := seen[c]; ok {
				continue
			}
			seen[c] = struct{}{}
			out = append(out, c)
		}
	}
	return out
}
