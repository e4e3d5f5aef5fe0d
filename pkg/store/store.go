package store

import (
	"context"
	"errors"

	"github.com/OFFIS-RIT/kiwi/retrieval/pkg/common"
)

// Collection names shared by every vector store adapter.
const (
	EntitiesCollection      = "entities"
	RelationshipsCollection = "relationships"
	ChunksCollection        = "chunks"
)

var (
	// ErrPayloadTooLarge is returned when a request exceeds the transport's
	// size ceiling. Callers split the batch and retry.
	ErrPayloadTooLarge = errors.New("store: payload too large")
	// ErrUnsupported is returned when an adapter does not implement an
	// optional capability.
	ErrUnsupported = errors.New("store: capability not supported")
)

// GraphStore reads nodes and edges of the knowledge graph. All methods are
// batched. Missing names or keys are absent from the returned maps.
type GraphStore interface {
	GetNodes(ctx context.Context, names []string) (map[string]common.Entity, error)
	NodeDegrees(ctx context.Context, names []string) (map[string]int, error)
	GetEdges(ctx context.Context, keys []common.EdgeKey) (map[common.EdgeKey]common.Relation, error)
	EdgeDegrees(ctx context.Context, keys []common.EdgeKey) (map[common.EdgeKey]int, error)
	// NodeEdges returns the canonical keys of all edges touching each node.
	NodeEdges(ctx context.Context, names []string) (map[string][]common.EdgeKey, error)
}

// VectorHit is a single similarity result. Metadata holds the requested
// payload fields as strings.
type VectorHit struct {
	ID       string
	Score    float64
	Metadata map[string]string
}

// ScoredID is a filtered search result. It never carries the vector.
type ScoredID struct {
	ID    string
	Score float64
}

// QueryOptions configures a similarity query.
type QueryOptions struct {
	Threshold float64
	Fields    []string
}

type QueryOption func(*QueryOptions)

// WithThreshold drops hits scoring below t.
func WithThreshold(t float64) QueryOption {
	return func(o *QueryOptions) {
		o.Threshold = t
	}
}

// WithFields limits the returned metadata to the named fields.
func WithFields(fields ...string) QueryOption {
	return func(o *QueryOptions) {
		o.Fields = fields
	}
}

// ApplyQueryOptions folds opts into a QueryOptions value.
func ApplyQueryOptions(opts ...QueryOption) QueryOptions {
	var o QueryOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// VectorStore answers similarity queries against a collection. Hits are
// ordered by descending score.
type VectorStore interface {
	Query(ctx context.Context, collection string, embedding []float32, topK int, opts ...QueryOption) ([]VectorHit, error)
}

// FilteredSearcher runs a similarity search restricted to the given IDs on
// the server side. Implementations return ErrPayloadTooLarge when ids do
// not fit into one request.
type FilteredSearcher interface {
	SearchByIDs(ctx context.Context, collection string, embedding []float32, ids []string, topK int) ([]ScoredID, error)
}

// VectorFetcher returns the raw vectors for the given IDs. Missing IDs are
// absent from the result.
type VectorFetcher interface {
	FetchVectors(ctx context.Context, collection string, ids []string) (map[string][]float32, error)
}

// KVStore reads passages by ID. The result keeps the order of ids and
// skips missing entries.
type KVStore interface {
	GetPassages(ctx context.Context, ids []string) ([]common.Passage, error)
}
