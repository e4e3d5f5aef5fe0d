package query

import (
	"github.com/OFFIS-RIT/kiwi/retrieval/pkg/common"
	"github.com/OFFIS-RIT/kiwi/retrieval/pkg/scope"
	"github.com/OFFIS-RIT/kiwi/retrieval/pkg/store"
)

// ScopeFilter restricts retrieval results to a scope. A filter with a nil
// scope passes everything through.
type ScopeFilter struct {
	scope            *scope.Scope
	key              string
	keepUnattributed bool
	tracer           Tracer
}

func NewScopeFilter(s *scope.Scope, recordKey string, keepUnattributed bool, tracer Tracer) *ScopeFilter {
	return &ScopeFilter{scope: s, key: recordKey, keepUnattributed: keepUnattributed, tracer: tracer}
}

func (f *ScopeFilter) Active() bool {
	return f != nil && f.scope != nil
}

// allowsProvenance decides for graph items: any authorized record ID
// admits the item; items without record IDs follow keepUnattributed.
func (f *ScopeFilter) allowsProvenance(filePath string) bool {
	ids := scope.RecordIDs(filePath, f.key)
	if len(ids) == 0 {
		return f.keepUnattributed
	}
	return f.scope.AllowsAny(ids)
}

func (f *ScopeFilter) allowsPassage(p common.Passage) bool {
	owner, ok := scope.PassageOwner(p, f.key)
	return ok && f.scope.Allows(owner)
}

func filterSlice[T any](f *ScopeFilter, stage string, items []T, keep func(T) bool) []T {
	if !f.Active() {
		return items
	}
	out := make([]T, 0, len(items))
	for _, it := range items {
		if keep(it) {
			out = append(out, it)
		}
	}
	recordStage(f.tracer, TraceEventScopeFilter, stage, len(items), len(out), 0, nil)
	return out
}

func (f *ScopeFilter) Entities(stage string, items []common.Entity) []common.Entity {
	return filterSlice(f, stage, items, func(e common.Entity) bool {
		return f.allowsProvenance(e.FilePath)
	})
}

func (f *ScopeFilter) Relations(stage string, items []common.Relation) []common.Relation {
	return filterSlice(f, stage, items, func(r common.Relation) bool {
		return f.allowsProvenance(r.FilePath)
	})
}

// Passages keeps passages whose owner is authorized. Passages without an
// owner are dropped.
func (f *ScopeFilter) Passages(stage string, items []common.Passage) []common.Passage {
	return filterSlice(f, stage, items, f.allowsPassage)
}

// PassageHits pre-filters chunk vector hits on their metadata so that
// unauthorized passages are never fetched.
func (f *ScopeFilter) PassageHits(stage string, hits []store.VectorHit) []store.VectorHit {
	return filterSlice(f, stage, hits, func(h store.VectorHit) bool {
		return f.allowsPassage(common.Passage{
			ID:       h.ID,
			OwnerID:  h.Metadata["owner_id"],
			FilePath: h.Metadata["file_path"],
		})
	})
}
