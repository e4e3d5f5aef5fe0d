package query

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"testing"

	"github.com/OFFIS-RIT/kiwi/retrieval/pkg/common"
	"github.com/OFFIS-RIT/kiwi/retrieval/pkg/rerank"
)

type reverseReranker struct{}

func (reverseReranker) Rerank(ctx context.Context, query string, docs []rerank.Document, topN int) ([]rerank.Result, error) {
	out := make([]rerank.Result, 0, len(docs))
	for i := len(docs) - 1; i >= 0; i-- {
		out = append(out, rerank.Result{Index: i, Score: float64(i+1) / float64(len(docs))})
	}
	if topN > 0 && topN < len(out) {
		out = out[:topN]
	}
	return out, nil
}

func passages(n int) []common.Passage {
	out := make([]common.Passage, n)
	for i := range out {
		out[i] = common.Passage{ID: fmt.Sprintf("p%d", i), Content: strings.Repeat("x", 100)}
	}
	return out
}

func TestAssembler_StaysWithinTotalBudget(t *testing.T) {
	a := NewAssembler(charTokenizer{}, nil, 50)
	p := DefaultParam()
	p.EnableRerank = false
	overhead := a.promptOverhead("q", p)
	p.MaxTotalTokens = overhead + 700

	entities := []common.Entity{{Name: "A", Description: "first"}, {Name: "B", Description: "second"}}
	relations := []common.Relation{{Source: "A", Target: "B", Description: "links"}}

	got := a.Assemble(context.Background(), "q", p, entities, relations, passages(20))

	if got.Tokens > p.MaxTotalTokens {
		t.Fatalf("Tokens = %d exceeds %d", got.Tokens, p.MaxTotalTokens)
	}
	if got.Tokens != len(got.Text)+overhead {
		t.Fatalf("Tokens = %d, want text plus overhead %d", got.Tokens, len(got.Text)+overhead)
	}
	if len(got.Passages) == 0 || len(got.Passages) == 20 {
		t.Fatalf("passages = %d, want a truncated non-empty prefix", len(got.Passages))
	}
	if len(got.Entities) != 2 || len(got.Relations) != 1 {
		t.Fatalf("graph items dropped: %d entities, %d relations", len(got.Entities), len(got.Relations))
	}
}

func TestAssembler_DropsRelationsBeforeEntities(t *testing.T) {
	a := NewAssembler(charTokenizer{}, nil, 0)
	p := DefaultParam()
	entities := []common.Entity{{Name: "A", Description: strings.Repeat("e", 50)}}
	relations := []common.Relation{{Source: "A", Target: "B", Description: strings.Repeat("r", 50)}}
	overhead := a.promptOverhead("q", p)
	p.MaxTotalTokens = overhead + len(entityJSON(1, entities[0])) + 10

	got := a.Assemble(context.Background(), "q", p, entities, relations, nil)
	if len(got.Relations) != 0 {
		t.Fatalf("relations kept over budget")
	}
	if got.Tokens > p.MaxTotalTokens {
		t.Fatalf("Tokens = %d exceeds %d", got.Tokens, p.MaxTotalTokens)
	}
}

func TestAssembler_Rerank(t *testing.T) {
	a := NewAssembler(charTokenizer{}, reverseReranker{}, 0)
	p := DefaultParam()
	p.ChunkTopK = 2
	p.MinRerankScore = 0.5

	got := a.Assemble(context.Background(), "q", p, nil, nil, passages(4))
	ids := passageIDs(got.Passages)
	if !reflect.DeepEqual(ids, []string{"p3", "p2"}) {
		t.Fatalf("passages = %v, want [p3 p2]", ids)
	}
}

func TestAssembler_Empty(t *testing.T) {
	a := NewAssembler(nil, nil, 0)
	got := a.Assemble(context.Background(), "q", DefaultParam(), nil, nil, nil)
	if !got.Empty() || got.Text != "" {
		t.Fatalf("Assemble() = %+v, want empty", got)
	}
}

func TestRenderContext(t *testing.T) {
	text := RenderContext(
		[]common.Entity{{Name: "A"}},
		nil,
		[]common.Passage{{ID: "p1", Content: "hello"}},
	)
	want := entitiesHeader + "\n\n```json\n" +
		`{"id":1,"entity":"A","type":"","description":"","created_at":"","file_path":""}` + "\n```\n\n" +
		relationsHeader + "\n\n```json\n```\n\n" +
		chunksHeader + "\n\n```json\n" +
		`{"id":1,"content":"hello","file_path":""}` + "\n```\n"
	if text != want {
		t.Fatalf("RenderContext() =\n%s\nwant\n%s", text, want)
	}
}
