package query

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/OFFIS-RIT/kiwi/retrieval/pkg/ai"
	"github.com/OFFIS-RIT/kiwi/retrieval/pkg/cache"
	"github.com/OFFIS-RIT/kiwi/retrieval/pkg/logger"
)

// Keywords are the two keyword classes driving the graph branches.
type Keywords struct {
	HighLevel []string `json:"high_level_keywords"`
	LowLevel  []string `json:"low_level_keywords"`
}

func (k Keywords) empty() bool {
	return len(k.HighLevel) == 0 && len(k.LowLevel) == 0
}

// normalize trims entries, drops blanks and removes later duplicates.
func normalizeKeywords(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, k := range in {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}

// KeywordExtractor asks the chat model for keywords and caches the answer.
type KeywordExtractor struct {
	client ai.GraphAIClient
	cache  cache.Cache
	ttl    time.Duration
	model  string
}

// NewKeywordExtractor builds an extractor. A nil cache disables caching.
func NewKeywordExtractor(client ai.GraphAIClient, c cache.Cache, ttl time.Duration) *KeywordExtractor {
	k := &KeywordExtractor{client: client, cache: c, ttl: ttl}
	if namer, ok := client.(ai.ModelNamer); ok {
		k.model = namer.ChatModel()
	}
	return k
}

func formatHistory(history []ai.ChatMessage) string {
	if len(history) == 0 {
		return "(none)"
	}
	var b strings.Builder
	for _, m := range history {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Message)
	}
	return strings.TrimSpace(b.String())
}

// Extract returns normalized keywords for query. Both lists empty is an
// error.
func (k *KeywordExtractor) Extract(ctx context.Context, query string, history []ai.ChatMessage) (Keywords, error) {
	key, err := cache.HashKey(query, history, k.model)
	if err != nil {
		return Keywords{}, fmt.Errorf("%w: %v", ErrRetrievalDegraded, err)
	}

	if k.cache != nil {
		cached, ok, err := cache.GetJSON[Keywords](ctx, k.cache, key)
		if err != nil {
			logger.Warn("[Query] keyword cache read failed", "err", err)
		}
		if ok && !cached.empty() {
			return cached, nil
		}
	}

	var raw Keywords
	prompt := fmt.Sprintf(ai.KeywordsPrompt, formatHistory(history), query)
	if err := k.client.GenerateCompletionWithFormat(
		ctx,
		"query_keywords",
		"High and low level keywords of a search query",
		prompt,
		&raw,
	); err != nil {
		return Keywords{}, fmt.Errorf("%w: keyword extraction: %w", ErrRetrievalDegraded, err)
	}

	kw := Keywords{
		HighLevel: normalizeKeywords(raw.HighLevel),
		LowLevel:  normalizeKeywords(raw.LowLevel),
	}
	if kw.empty() {
		return Keywords{}, fmt.Errorf("%w: keyword extraction returned no keywords", ErrRetrievalDegraded)
	}

	if k.cache != nil && ctx.Err() == nil {
		if err := cache.SetJSON(ctx, k.cache, key, kw, k.ttl); err != nil {
			logger.Warn("[Query] keyword cache write failed", "err", err)
		}
	}
	return kw, nil
}
