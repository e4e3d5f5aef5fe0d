package query

import (
	"context"
	"fmt"
	"strings"

	"github.com/OFFIS-RIT/kiwi/retrieval/pkg/ai"
	"github.com/OFFIS-RIT/kiwi/retrieval/pkg/common"
	"github.com/OFFIS-RIT/kiwi/retrieval/pkg/logger"
	"github.com/OFFIS-RIT/kiwi/retrieval/pkg/rerank"
	"github.com/OFFIS-RIT/kiwi/retrieval/pkg/tokenizer"
)

const (
	entitiesHeader  = "-----Entities(KG)-----"
	relationsHeader = "-----Relationships(KG)-----"
	chunksHeader    = "-----Document Chunks(DC)-----"
)

// Assembler applies the final token budget and renders the context.
type Assembler struct {
	tok          tokenizer.Tokenizer
	reranker     rerank.Reranker
	safetyMargin int
}

func NewAssembler(tok tokenizer.Tokenizer, reranker rerank.Reranker, safetyMargin int) *Assembler {
	if tok == nil {
		tok = tokenizer.Heuristic{}
	}
	return &Assembler{tok: tok, reranker: reranker, safetyMargin: safetyMargin}
}

// Assembled is the bounded context handed to the generator.
type Assembled struct {
	Entities  []common.Entity
	Relations []common.Relation
	Passages  []common.Passage
	Text      string
	// Tokens counts Text plus the prompt overhead.
	Tokens int
}

func (a Assembled) Empty() bool {
	return len(a.Entities) == 0 && len(a.Relations) == 0 && len(a.Passages) == 0
}

func section(header string, lines []string) string {
	var b strings.Builder
	b.WriteString(header)
	b.WriteString("\n\n```json\n")
	for _, l := range lines {
		b.WriteString(l)
		b.WriteByte('\n')
	}
	b.WriteString("```\n")
	return b.String()
}

func renderLines[T any](items []T, render func(int, T) string) []string {
	lines := make([]string, len(items))
	for i, it := range items {
		lines[i] = render(i+1, it)
	}
	return lines
}

// RenderContext formats the three sections. Items carry 1-based ids.
func RenderContext(entities []common.Entity, relations []common.Relation, passages []common.Passage) string {
	if len(entities) == 0 && len(relations) == 0 && len(passages) == 0 {
		return ""
	}
	return strings.Join([]string{
		section(entitiesHeader, renderLines(entities, entityJSON)),
		section(relationsHeader, renderLines(relations, relationJSON)),
		section(chunksHeader, renderLines(passages, passageJSON)),
	}, "\n")
}

// promptOverhead counts everything the generator sees besides the context.
func (a *Assembler) promptOverhead(query string, p Param) int {
	overhead := a.tok.Count(fmt.Sprintf(ai.QueryPrompt, p.ResponseType, p.UserPrompt, ""))
	overhead += a.tok.Count(query)
	if h := p.history(); len(h) > 0 {
		overhead += a.tok.Count(formatHistory(h))
	}
	return overhead
}

func itemTokens[T any](tok tokenizer.Tokenizer, items []T, render func(int, T) string) []int {
	out := make([]int, len(items))
	for i, it := range items {
		out[i] = tok.Count(render(i+1, it))
	}
	return out
}

func sum(values []int) int {
	total := 0
	for _, v := range values {
		total += v
	}
	return total
}

func (a *Assembler) rerankPassages(ctx context.Context, query string, passages []common.Passage, p Param) []common.Passage {
	docs := make([]rerank.Document, len(passages))
	for i, ps := range passages {
		docs[i] = rerank.Document{ID: ps.ID, Content: ps.Content}
	}
	results, err := a.reranker.Rerank(ctx, query, docs, p.ChunkTopK)
	if err != nil {
		logger.Warn("[Query] rerank failed, keeping retrieval order", "err", err)
		return passages
	}
	out := make([]common.Passage, 0, len(results))
	for _, r := range results {
		if r.Index < 0 || r.Index >= len(passages) || r.Score < p.MinRerankScore {
			continue
		}
		out = append(out, passages[r.Index])
	}
	return out
}

// Assemble fits entities, relations and passages into MaxTotalTokens.
func (a *Assembler) Assemble(
	ctx context.Context,
	query string,
	p Param,
	entities []common.Entity,
	relations []common.Relation,
	passages []common.Passage,
) Assembled {
	overhead := a.promptOverhead(query, p)

	entTokens := itemTokens(a.tok, entities, entityJSON)
	relTokens := itemTokens(a.tok, relations, relationJSON)
	entTotal, relTotal := sum(entTokens), sum(relTokens)

	for entTotal+relTotal+overhead > p.MaxTotalTokens && len(relations) > 0 {
		relTotal -= relTokens[len(relations)-1]
		relations = relations[:len(relations)-1]
	}
	for entTotal+relTotal+overhead > p.MaxTotalTokens && len(entities) > 0 {
		entTotal -= entTokens[len(entities)-1]
		entities = entities[:len(entities)-1]
	}

	remaining := max(p.MaxTotalTokens-entTotal-relTotal-overhead-a.safetyMargin, 0)

	if p.EnableRerank && a.reranker != nil && len(passages) > 0 {
		passages = a.rerankPassages(ctx, query, passages, p)
	}
	if p.ChunkTopK > 0 && len(passages) > p.ChunkTopK {
		passages = passages[:p.ChunkTopK]
	}
	passages = TruncatePassages(passages, remaining, a.tok)

	text := RenderContext(entities, relations, passages)
	total := a.tok.Count(text) + overhead
	for total > p.MaxTotalTokens && (len(passages) > 0 || len(relations) > 0 || len(entities) > 0) {
		switch {
		case len(passages) > 0:
			passages = passages[:len(passages)-1]
		case len(relations) > 0:
			relations = relations[:len(relations)-1]
		default:
			entities = entities[:len(entities)-1]
		}
		text = RenderContext(entities, relations, passages)
		total = a.tok.Count(text) + overhead
	}

	return Assembled{
		Entities:  entities,
		Relations: relations,
		Passages:  passages,
		Text:      text,
		Tokens:    total,
	}
}
