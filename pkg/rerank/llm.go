package rerank

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/OFFIS-RIT/kiwi/retrieval/pkg/ai"
)

type completer interface {
	GenerateCompletionWithFormat(
		ctx context.Context,
		name string,
		description string,
		prompt string,
		out any,
		opts ...ai.GenerateOption,
	) error
}

type llmScores struct {
	Scores []struct {
		Index int     `json:"index"`
		Score float64 `json:"score"`
	} `json:"scores"`
}

// LLM asks the chat model to grade every passage.
type LLM struct {
	client   completer
	maxChars int
}

// NewLLM returns a model-backed reranker. Passages longer than maxChars
// runes are cut before they are sent; maxChars <= 0 defaults to 2000.
func NewLLM(client completer, maxChars int) *LLM {
	if maxChars <= 0 {
		maxChars = 2000
	}
	return &LLM{client: client, maxChars: maxChars}
}

func (l *LLM) Rerank(ctx context.Context, query string, docs []Document, topN int) ([]Result, error) {
	if len(docs) == 0 {
		return nil, nil
	}

	var b strings.Builder
	for i, d := range docs {
		content := d.Content
		if r := []rune(content); len(r) > l.maxChars {
			content = string(r[:l.maxChars])
		}
		fmt.Fprintf(&b, "[%d]\n%s\n\n", i+1, content)
	}

	var out llmScores
	prompt := fmt.Sprintf(ai.RerankPrompt, query, b.String())
	if err := l.client.GenerateCompletionWithFormat(ctx, "rerank", "Relevance scores for retrieved passages", prompt, &out); err != nil {
		return nil, fmt.Errorf("rerank: %w", err)
	}

	scores := make([]float64, len(docs))
	for _, s := range out.Scores {
		idx := s.Index - 1
		if idx < 0 || idx >= len(docs) {
			continue
		}
		scores[idx] = min(max(s.Score, 0), 1)
	}

	results := make([]Result, len(docs))
	for i := range docs {
		results[i] = Result{Index: i, Score: scores[i]}
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	return limit(results, topN), nil
}
