package query

import (
	"slices"
	"sort"
	"sync"
)

type TraceEventKind string

const (
	TraceEventConsideredSourceIDs TraceEventKind = "considered_source_ids"
	TraceEventUsedSourceIDs       TraceEventKind = "used_source_ids"
	TraceEventQueriedEntities     TraceEventKind = "queried_entities"
	TraceEventQueriedRelations    TraceEventKind = "queried_relations"
	TraceEventKeywords            TraceEventKind = "keywords"

	TraceEventBranch         TraceEventKind = "branch"
	TraceEventChunkSelection TraceEventKind = "chunk_selection"
	TraceEventScopeFilter    TraceEventKind = "scope_filter"
	TraceEventCache          TraceEventKind = "cache"
)

// TraceEvent is an extensible event envelope for query tracing.
// Additive changes to this struct are backward compatible for implementers.
type TraceEvent struct {
	Kind TraceEventKind

	SourceIDs    []string
	EntityNames  []string
	RelationKeys []string
	HLKeywords   []string
	LLKeywords   []string

	// Stage names the branch, strategy, filter step or cache namespace.
	Stage      string
	Before     int
	After      int
	DurationMs int64
	Error      string
}

// Tracer is a sink for query tracing events.
//
// Implementers can forward events to logs, telemetry, or custom post-processing
// pipelines.
type Tracer interface {
	Record(event TraceEvent)
}

// MultiTracer fan-outs trace events to multiple tracers.
type MultiTracer []Tracer

func (m MultiTracer) Record(event TraceEvent) {
	for _, t := range m {
		if t == nil {
			continue
		}
		t.Record(event)
	}
}

func RecordConsideredSourceIDs(t Tracer, ids ...string) {
	if t == nil {
		return
	}
	t.Record(TraceEvent{Kind: TraceEventConsideredSourceIDs, SourceIDs: ids})
}

func RecordUsedSourceIDs(t Tracer, ids ...string) {
	if t == nil {
		return
	}
	t.Record(TraceEvent{Kind: TraceEventUsedSourceIDs, SourceIDs: ids})
}

func RecordQueriedEntities(t Tracer, names ...string) {
	if t == nil {
		return
	}
	t.Record(TraceEvent{Kind: TraceEventQueriedEntities, EntityNames: names})
}

func RecordQueriedRelations(t Tracer, keys ...string) {
	if t == nil {
		return
	}
	t.Record(TraceEvent{Kind: TraceEventQueriedRelations, RelationKeys: keys})
}

func RecordKeywords(t Tracer, kw Keywords) {
	if t == nil {
		return
	}
	t.Record(TraceEvent{Kind: TraceEventKeywords, HLKeywords: kw.HighLevel, LLKeywords: kw.LowLevel})
}

func recordStage(t Tracer, kind TraceEventKind, stage string, before, after int, durationMs int64, err error) {
	if t == nil {
		return
	}
	ev := TraceEvent{Kind: kind, Stage: stage, Before: before, After: after, DurationMs: durationMs}
	if err != nil {
		ev.Error = err.Error()
	}
	t.Record(ev)
}

// StageEvent is one recorded pipeline step.
type StageEvent struct {
	Kind       TraceEventKind `json:"kind"`
	Stage      string         `json:"stage"`
	Before     int            `json:"before"`
	After      int            `json:"after"`
	DurationMs int64          `json:"duration_ms"`
	Error      string         `json:"error,omitempty"`
}

// QueryTrace collects information about what data was considered and/or used
// during a query run, plus the ordered pipeline stage events.
//
// QueryTrace is safe for concurrent use.
type QueryTrace struct {
	mu sync.Mutex

	consideredSourceIDs map[string]struct{}
	usedSourceIDs       map[string]struct{}
	queriedEntities     map[string]struct{}
	queriedRelations    map[string]struct{}
	hlKeywords          []string
	llKeywords          []string
	stages              []StageEvent
}

type QueryTraceSnapshot struct {
	ConsideredSourceIDs []string     `json:"considered_source_ids"`
	UsedSourceIDs       []string     `json:"used_source_ids"`
	QueriedEntities     []string     `json:"queried_entities"`
	QueriedRelations    []string     `json:"queried_relations"`
	HLKeywords          []string     `json:"hl_keywords"`
	LLKeywords          []string     `json:"ll_keywords"`
	Stages              []StageEvent `json:"stages"`
}

func NewQueryTrace() *QueryTrace {
	return &QueryTrace{
		consideredSourceIDs: make(map[string]struct{}),
		usedSourceIDs:       make(map[string]struct{}),
		queriedEntities:     make(map[string]struct{}),
		queriedRelations:    make(map[string]struct{}),
	}
}

func addAll(set map[string]struct{}, values []string) {
	for _, v := range values {
		if v == "" {
			continue
		}
		set[v] = struct{}{}
	}
}

func (t *QueryTrace) Record(event TraceEvent) {
	if t == nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	switch event.Kind {
	case TraceEventConsideredSourceIDs:
		addAll(t.consideredSourceIDs, event.SourceIDs)
	case TraceEventUsedSourceIDs:
		addAll(t.usedSourceIDs, event.SourceIDs)
	case TraceEventQueriedEntities:
		addAll(t.queriedEntities, event.EntityNames)
	case TraceEventQueriedRelations:
		addAll(t.queriedRelations, event.RelationKeys)
	case TraceEventKeywords:
		t.hlKeywords = slices.Clone(event.HLKeywords)
		t.llKeywords = slices.Clone(event.LLKeywords)
	case TraceEventBranch, TraceEventChunkSelection, TraceEventScopeFilter, TraceEventCache:
		t.stages = append(t.stages, StageEvent{
			Kind:       event.Kind,
			Stage:      event.Stage,
			Before:     event.Before,
			After:      event.After,
			DurationMs: event.DurationMs,
			Error:      event.Error,
		})
	default:
		return
	}
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (t *QueryTrace) Snapshot() QueryTraceSnapshot {
	if t == nil {
		return QueryTraceSnapshot{}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	return QueryTraceSnapshot{
		ConsideredSourceIDs: sortedKeys(t.consideredSourceIDs),
		UsedSourceIDs:       sortedKeys(t.usedSourceIDs),
		QueriedEntities:     sortedKeys(t.queriedEntities),
		QueriedRelations:    sortedKeys(t.queriedRelations),
		HLKeywords:          slices.Clone(t.hlKeywords),
		LLKeywords:          slices.Clone(t.llKeywords),
		Stages:              slices.Clone(t.stages),
	}
}
