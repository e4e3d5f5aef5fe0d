package pgx

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"

	"github.com/OFFIS-RIT/kiwi/retrieval/pkg/common"
	"github.com/OFFIS-RIT/kiwi/retrieval/pkg/store"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestSplitKeys_CanonicalizesAndGroups(t *testing.T) {
	keys := []common.EdgeKey{
		{Source: "B", Target: "A"},
		{Source: "A", Target: "B"},
		{Source: "C", Target: "D"},
	}
	srcs, tgts, requested := splitKeys(keys)

	if !reflect.DeepEqual(srcs, []string{"A", "C"}) || !reflect.DeepEqual(tgts, []string{"B", "D"}) {
		t.Fatalf("splitKeys() srcs=%v tgts=%v", srcs, tgts)
	}
	if got := requested[common.NewEdgeKey("A", "B")]; len(got) != 2 {
		t.Fatalf("expected both orientations to map to the canonical key, got %v", got)
	}
}

func TestSelectColumns(t *testing.T) {
	spec := collections[store.ChunksCollection]

	all := spec.selectColumns(nil)
	if len(all) != len(spec.meta) {
		t.Fatalf("selectColumns(nil) = %v, want all columns", all)
	}

	got := spec.selectColumns([]string{"file_path", "owner_id", "unknown"})
	names := make([]string, len(got))
	for i, c := range got {
		names[i] = c.name
	}
	if !reflect.DeepEqual(names, []string{"owner_id", "file_path"}) {
		t.Fatalf("selectColumns() = %v", names)
	}
}

func TestQuerySQL(t *testing.T) {
	spec := collections[store.RelationshipsCollection]

	sql := spec.querySQL(spec.meta, false)
	if strings.Contains(sql, "$3") {
		t.Fatalf("query without threshold must not bind $3: %s", sql)
	}
	if !strings.Contains(sql, "FROM graph_relationships") || !strings.Contains(sql, "LIMIT $2") {
		t.Fatalf("unexpected query: %s", sql)
	}

	sql = spec.querySQL(nil, true)
	if !strings.Contains(sql, ">= $3") {
		t.Fatalf("query with threshold must bind $3: %s", sql)
	}
}

func TestLookupCollection_Unknown(t *testing.T) {
	if _, err := lookupCollection("nope"); err == nil {
		t.Fatalf("expected error for unknown collection")
	}
}

func TestClassifyError(t *testing.T) {
	limit := &pgconn.PgError{Code: pgProgramLimitExceeded, Message: "array too large"}
	if err := classifyError("op", fmt.Errorf("wrapped: %w", limit)); !errors.Is(err, store.ErrPayloadTooLarge) {
		t.Fatalf("classifyError() = %v, want ErrPayloadTooLarge", err)
	}

	other := errors.New("boom")
	err := classifyError("op", other)
	if errors.Is(err, store.ErrPayloadTooLarge) || !errors.Is(err, other) {
		t.Fatalf("classifyError() = %v, want wrapped original", err)
	}

	if classifyError("op", nil) != nil {
		t.Fatalf("classifyError(nil) must be nil")
	}
}

func TestSearchByIDs_RejectsOversizedBatch(t *testing.T) {
	s := NewGraphDBStorageWithConnection(nil, WithMaxFilterIDs(2))
	_, err := s.SearchByIDs(t.Context(), store.ChunksCollection, []float32{1}, []string{"a", "b", "c"}, 1)
	if !errors.Is(err, store.ErrPayloadTooLarge) {
		t.Fatalf("SearchByIDs() error = %v, want ErrPayloadTooLarge", err)
	}
}
