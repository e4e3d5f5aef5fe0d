package rerank

import (
	"context"
	"sort"
	"strings"
	"unicode"
)

const rrfK = 60.0

type candidate struct {
	Index          int
	Position       int
	KeywordRank    float64
	KeywordMatches int
	KeywordTotal   int
}

// RRF fuses the retrieval order with lexical term overlap using reciprocal
// rank fusion. It needs no model and is deterministic.
type RRF struct{}

func NewRRF() *RRF {
	return &RRF{}
}

func terms(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]struct{}, len(fields))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if len([]rune(f)) < 2 {
			continue
		}
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}

func keywordCoverage(matches, total int) float64 {
	if total <= 0 {
		return 0
	}
	return min(max(float64(matches)/float64(total), 0), 1)
}

func buildRankPositions(candidates []candidate, less func(a, b candidate) bool) map[int]int {
	order := make([]int, len(candidates))
	for i := range candidates {
		order[i] = i
	}

	sort.SliceStable(order, func(i, j int) bool {
		return less(candidates[order[i]], candidates[order[j]])
	})

	positions := make(map[int]int, len(candidates))
	for rank, index := range order {
		positions[candidates[index].Index] = rank + 1
	}
	return positions
}

func rrfComponent(rank int) float64 {
	if rank <= 0 {
		return 0
	}
	return 1.0 / (rrfK + float64(rank))
}

func (r *RRF) Rerank(ctx context.Context, query string, docs []Document, topN int) ([]Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, nil
	}

	queryTerms := terms(query)
	candidates := make([]candidate, len(docs))
	for i, d := range docs {
		c := candidate{Index: i, Position: i, KeywordTotal: len(queryTerms)}
		content := strings.ToLower(d.Content)
		for _, t := range queryTerms {
			if n := strings.Count(content, t); n > 0 {
				c.KeywordMatches++
				c.KeywordRank += float64(n)
			}
		}
		candidates[i] = c
	}

	semanticRanks := buildRankPositions(candidates, func(a, b candidate) bool {
		return a.Position < b.Position
	})

	hasKeywords := len(queryTerms) > 0
	keywordRanks := map[int]int{}
	coverageRanks := map[int]int{}
	if hasKeywords {
		keywordRanks = buildRankPositions(candidates, func(a, b candidate) bool {
			if a.KeywordRank == b.KeywordRank {
				if a.KeywordMatches == b.KeywordMatches {
					return a.Position < b.Position
				}
				return a.KeywordMatches > b.KeywordMatches
			}
			return a.KeywordRank > b.KeywordRank
		})
		coverageRanks = buildRankPositions(candidates, func(a, b candidate) bool {
			coverageA := keywordCoverage(a.KeywordMatches, a.KeywordTotal)
			coverageB := keywordCoverage(b.KeywordMatches, b.KeywordTotal)
			if coverageA == coverageB {
				return a.Position < b.Position
			}
			return coverageA > coverageB
		})
	}

	// Best possible score is rank 1 in every list.
	components := 1.0
	if hasKeywords {
		components = 3.0
	}
	best := components * rrfComponent(1)

	results := make([]Result, len(candidates))
	for i, c := range candidates {
		score := rrfComponent(semanticRanks[c.Index])
		if hasKeywords {
			// Documents without any term match get no lexical credit.
			if c.KeywordMatches > 0 {
				score += rrfComponent(keywordRanks[c.Index])
				score += rrfComponent(coverageRanks[c.Index])
			}
		}
		results[i] = Result{Index: c.Index, Score: score / best}
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score == results[j].Score {
			return results[i].Index < results[j].Index
		}
		return results[i].Score > results[j].Score
	})

	return limit(results, topN), nil
}
