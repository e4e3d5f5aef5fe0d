package memory

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/OFFIS-RIT/kiwi/retrieval/pkg/common"
	"github.com/OFFIS-RIT/kiwi/retrieval/pkg/store"
)

func seed() *Store {
	s := New()
	s.AddEntity(common.Entity{Name: "A"}, []float32{1, 0})
	s.AddEntity(common.Entity{Name: "B"}, []float32{0, 1})
	s.AddEntity(common.Entity{Name: "C"}, []float32{1, 1})
	s.AddRelation(common.Relation{Source: "B", Target: "A", Weight: 2}, []float32{1, 0})
	s.AddRelation(common.Relation{Source: "A", Target: "C", Weight: 1}, []float32{0, 1})
	s.AddPassage(common.Passage{ID: "p1", Content: "one"}, []float32{1, 0})
	s.AddPassage(common.Passage{ID: "p2", Content: "two"}, []float32{0, 1})
	return s
}

func TestStore_Graph(t *testing.T) {
	ctx := context.Background()
	s := seed()

	deg, err := s.NodeDegrees(ctx, []string{"A", "B", "missing"})
	if err != nil {
		t.Fatalf("NodeDegrees() error = %v", err)
	}
	if !reflect.DeepEqual(deg, map[string]int{"A": 2, "B": 1}) {
		t.Fatalf("NodeDegrees() = %v", deg)
	}

	edges, err := s.NodeEdges(ctx, []string{"A"})
	if err != nil {
		t.Fatalf("NodeEdges() error = %v", err)
	}
	want := []common.EdgeKey{common.NewEdgeKey("A", "B"), common.NewEdgeKey("A", "C")}
	if !reflect.DeepEqual(edges["A"], want) {
		t.Fatalf("NodeEdges()[A] = %v, want %v", edges["A"], want)
	}

	reversed := common.EdgeKey{Source: "B", Target: "A"}
	got, err := s.GetEdges(ctx, []common.EdgeKey{reversed})
	if err != nil {
		t.Fatalf("GetEdges() error = %v", err)
	}
	if got[reversed].Weight != 2 {
		t.Fatalf("GetEdges() did not resolve reversed key: %v", got)
	}

	edeg, _ := s.EdgeDegrees(ctx, []common.EdgeKey{common.NewEdgeKey("A", "B")})
	if edeg[common.NewEdgeKey("A", "B")] != 3 {
		t.Fatalf("EdgeDegrees() = %v, want 3", edeg)
	}
}

func TestStore_Query(t *testing.T) {
	ctx := context.Background()
	s := seed()

	hits, err := s.Query(ctx, store.EntitiesCollection, []float32{1, 0}, 2)
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(hits) != 2 || hits[0].ID != "A" || hits[1].ID != "C" {
		t.Fatalf("Query() = %+v", hits)
	}

	hits, _ = s.Query(ctx, store.EntitiesCollection, []float32{1, 0}, 10, store.WithThreshold(0.5))
	if len(hits) != 2 {
		t.Fatalf("Query() with threshold = %+v, want 2 hits", hits)
	}

	if got := s.QueryTopKs(store.EntitiesCollection); !reflect.DeepEqual(got, []int{2, 10}) {
		t.Fatalf("QueryTopKs() = %v", got)
	}
}

func TestStore_CapabilityToggles(t *testing.T) {
	ctx := context.Background()
	s := seed()

	s.MaxIDsPerRequest = 1
	if _, err := s.SearchByIDs(ctx, store.ChunksCollection, []float32{1, 0}, []string{"p1", "p2"}, 1); !errors.Is(err, store.ErrPayloadTooLarge) {
		t.Fatalf("SearchByIDs() error = %v, want ErrPayloadTooLarge", err)
	}

	s.MaxIDsPerRequest = 0
	s.DisableFilteredSearch = true
	if _, err := s.SearchByIDs(ctx, store.ChunksCollection, []float32{1, 0}, []string{"p1"}, 1); !errors.Is(err, store.ErrUnsupported) {
		t.Fatalf("SearchByIDs() error = %v, want ErrUnsupported", err)
	}

	vecs, err := s.FetchVectors(ctx, store.ChunksCollection, []string{"p2", "nope"})
	if err != nil {
		t.Fatalf("FetchVectors() error = %v", err)
	}
	if len(vecs) != 1 {
		t.Fatalf("FetchVectors() = %v", vecs)
	}
}

func TestStore_GetPassagesKeepsOrder(t *testing.T) {
	s := seed()
	got, err := s.GetPassages(context.Background(), []string{"p2", "missing", "p1"})
	if err != nil {
		t.Fatalf("GetPassages() error = %v", err)
	}
	if len(got) != 2 || got[0].ID != "p2" || got[1].ID != "p1" {
		t.Fatalf("GetPassages() = %+v", got)
	}
}
