// Package rerank reorders retrieved passages by relevance to the query.
package rerank

import "context"

// Document is a candidate passage.
type Document struct {
	ID      string
	Content string
}

// Result points back into the input slice. Scores are in [0, 1].
type Result struct {
	Index int
	Score float64
}

// Reranker scores docs against query and returns at most topN results in
// descending score order. A topN <= 0 returns every document.
type Reranker interface {
	Rerank(ctx context.Context, query string, docs []Document, topN int) ([]Result, error)
}

func limit(results []Result, topN int) []Result {
	if topN > 0 && topN < len(results) {
		return results[:topN]
	}
	return results
}
