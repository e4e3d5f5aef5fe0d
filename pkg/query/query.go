package query

import (
	"context"

	"github.com/OFFIS-RIT/kiwi/retrieval/pkg/ai"
)

// Querier answers queries over the knowledge graph. Each entry point has a
// blocking variant and a streaming one for chat-style clients. *Engine
// implements it.
type Querier interface {
	Query(ctx context.Context, query string, p Param) (*Response, error)
	QueryStream(ctx context.Context, query string, p Param) (<-chan ai.StreamEvent, error)
	QueryData(ctx context.Context, query string, p Param) (*Data, error)
	Naive(ctx context.Context, query string, chunkTopK int, scopeToken string) (*NaiveResult, error)
}

var _ Querier = (*Engine)(nil)
