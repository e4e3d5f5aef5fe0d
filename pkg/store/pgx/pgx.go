// Package pgx implements the graph, vector and passage stores on PostgreSQL
// with pgvector.
package pgx

import (
	"context"
	"errors"
	"fmt"

	"github.com/OFFIS-RIT/kiwi/retrieval/pkg/store"

	pgxv5 "github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PostgreSQL error class 54 (program limit exceeded).
const pgProgramLimitExceeded = "54000"

type pgxIConn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, optionsAndArgs ...any) (pgxv5.Rows, error)
	QueryRow(ctx context.Context, sql string, optionsAndArgs ...any) pgxv5.Row
}

// GraphDBStorage serves GraphStore, VectorStore, FilteredSearcher,
// VectorFetcher and KVStore from a single PostgreSQL database.
type GraphDBStorage struct {
	conn pgxIConn
	// maxIDs bounds the candidate array of a single filtered search.
	maxIDs int
}

type GraphDBStorageOption func(*GraphDBStorage)

// WithMaxFilterIDs makes SearchByIDs and FetchVectors reject larger id sets
// with store.ErrPayloadTooLarge before hitting the database.
func WithMaxFilterIDs(n int) GraphDBStorageOption {
	return func(s *GraphDBStorage) {
		s.maxIDs = n
	}
}

// NewGraphDBStorageWithConnection creates a new GraphDBStorage using an
// existing connection or pool.
func NewGraphDBStorageWithConnection(
	conn pgxIConn,
	opts ...GraphDBStorageOption,
) *GraphDBStorage {
	s := &GraphDBStorage{conn: conn}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(s)
	}
	return s
}

var (
	_ store.GraphStore       = (*GraphDBStorage)(nil)
	_ store.VectorStore      = (*GraphDBStorage)(nil)
	_ store.FilteredSearcher = (*GraphDBStorage)(nil)
	_ store.VectorFetcher    = (*GraphDBStorage)(nil)
	_ store.KVStore          = (*GraphDBStorage)(nil)
)

// classifyError maps PostgreSQL size limit errors onto store.ErrPayloadTooLarge.
func classifyError(op string, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgProgramLimitExceeded {
		return fmt.Errorf("%s: %w: %s", op, store.ErrPayloadTooLarge, pgErr.Message)
	}
	return fmt.Errorf("%s: %w", op, err)
}
