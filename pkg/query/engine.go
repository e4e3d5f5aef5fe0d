// Package query implements the hybrid retrieval pipeline: keyword
// extraction, the entity and relation graph branches, direct passage
// search, merging, scope filtering, token budgeting and answer generation.
package query

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/OFFIS-RIT/kiwi/retrieval/pkg/ai"
	"github.com/OFFIS-RIT/kiwi/retrieval/pkg/cache"
	"github.com/OFFIS-RIT/kiwi/retrieval/pkg/common"
	"github.com/OFFIS-RIT/kiwi/retrieval/pkg/logger"
	"github.com/OFFIS-RIT/kiwi/retrieval/pkg/rerank"
	"github.com/OFFIS-RIT/kiwi/retrieval/pkg/scope"
	"github.com/OFFIS-RIT/kiwi/retrieval/pkg/store"
	"github.com/OFFIS-RIT/kiwi/retrieval/pkg/tokenizer"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

var otelTracer = otel.Tracer("github.com/OFFIS-RIT/kiwi/retrieval/pkg/query")

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otelTracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// NoPassagesMessage is the naive search answer when nothing matched.
const NoPassagesMessage = "No relevant products found for your query."

// ScopeResolver resolves scope tokens. *scope.Resolver implements it.
type ScopeResolver interface {
	Resolve(ctx context.Context, token string) (*scope.Scope, error)
}

// Engine runs queries against the graph, vector and passage stores.
type Engine struct {
	ai      ai.GraphAIClient
	graph   store.GraphStore
	vectors store.VectorStore
	kv      store.KVStore

	scopes       ScopeResolver
	reranker     rerank.Reranker
	tok          tokenizer.Tokenizer
	keywordCache cache.Cache
	responses    cache.Cache
	cfg          Config
	model        string

	keywords  *KeywordExtractor
	chunks    *ChunkResolver
	assembler *Assembler
}

// EngineOption is a functional option for configuring the engine.
type EngineOption func(*Engine)

func WithConfig(cfg Config) EngineOption {
	return func(e *Engine) {
		e.cfg = cfg
	}
}

// WithTokenizer sets the tokenizer every budget is measured with.
func WithTokenizer(tok tokenizer.Tokenizer) EngineOption {
	return func(e *Engine) {
		e.tok = tok
	}
}

func WithReranker(r rerank.Reranker) EngineOption {
	return func(e *Engine) {
		e.reranker = r
	}
}

func WithScopeResolver(r ScopeResolver) EngineOption {
	return func(e *Engine) {
		e.scopes = r
	}
}

// WithKeywordCache caches extracted keywords in c.
func WithKeywordCache(c cache.Cache) EngineOption {
	return func(e *Engine) {
		e.keywordCache = c
	}
}

// WithResponseCache caches complete answers in c.
func WithResponseCache(c cache.Cache) EngineOption {
	return func(e *Engine) {
		e.responses = c
	}
}

// NewEngine wires the pipeline.
//
// Example:
//
//	engine := query.NewEngine(aiClient, graph, vectors, kv,
//		query.WithScopeResolver(resolver),
//		query.WithResponseCache(cache.WithNamespace(c, "response")),
//	)
//	resp, err := engine.Query(ctx, "Which suppliers deliver heat pumps?", query.DefaultParam())
func NewEngine(
	aiClient ai.GraphAIClient,
	graph store.GraphStore,
	vectors store.VectorStore,
	kv store.KVStore,
	opts ...EngineOption,
) *Engine {
	e := &Engine{
		ai:      aiClient,
		graph:   graph,
		vectors: vectors,
		kv:      kv,
		cfg:     DefaultConfig(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	if e.tok == nil {
		e.tok = tokenizer.Heuristic{}
	}
	e.cfg = e.cfg.withDefaults()
	if namer, ok := aiClient.(ai.ModelNamer); ok {
		e.model = namer.ChatModel()
	}

	e.keywords = NewKeywordExtractor(aiClient, e.keywordCache, e.cfg.KeywordCacheTTL)
	e.chunks = NewChunkResolver(vectors, kv, e.cfg)
	e.assembler = NewAssembler(e.tok, e.reranker, e.cfg.SafetyMargin)
	return e
}

// Response is the answer to a query.
type Response struct {
	Response string `json:"response"`
	Mode     Mode   `json:"mode"`
	CacheHit bool   `json:"cache_hit"`
}

// Data is the retrieval result without generation.
type Data struct {
	Mode      Mode               `json:"mode"`
	Keywords  Keywords           `json:"keywords"`
	Entities  []common.Entity    `json:"entities"`
	Relations []common.Relation  `json:"relationships"`
	Passages  []common.Passage   `json:"chunks"`
	Context   string             `json:"context"`
	Tokens    int                `json:"tokens"`
	Trace     QueryTraceSnapshot `json:"trace"`
}

// NaiveResult is the answer of the plain passage search.
type NaiveResult struct {
	Context       string  `json:"context"`
	ChunkCount    int     `json:"chunk_count"`
	RetrievalTime float64 `json:"retrieval_time"`
}

type retrieval struct {
	Keywords Keywords
	Assembled
}

func (e *Engine) resolveScope(ctx context.Context, token string) (*scope.Scope, error) {
	if token == "" {
		return nil, nil
	}
	if e.scopes == nil {
		return nil, fmt.Errorf("%w: no scope resolver configured", scope.ErrScopeUnavailable)
	}
	return e.scopes.Resolve(ctx, token)
}

func validate(query string, p Param) error {
	if strings.TrimSpace(query) == "" {
		return fmt.Errorf("%w: query is empty", ErrInvalidParam)
	}
	return p.Validate()
}

func (e *Engine) overfetch(scoped bool) int {
	if scoped {
		return e.cfg.OverfetchMultiplier
	}
	return 1
}

// keywordsFor returns the caller's keywords, filling missing lists from the
// extractor. Extraction is skipped when every list the mode needs is
// supplied.
func (e *Engine) keywordsFor(ctx context.Context, query string, p Param, caps Capabilities) (Keywords, error) {
	kw := Keywords{
		HighLevel: normalizeKeywords(p.HLKeywords),
		LowLevel:  normalizeKeywords(p.LLKeywords),
	}
	needHigh := caps.Relations && len(kw.HighLevel) == 0
	needLow := caps.Entities && len(kw.LowLevel) == 0
	if !needHigh && !needLow {
		return kw, nil
	}

	ctx, span := startSpan(ctx, "query.keywords")
	extracted, err := e.keywords.Extract(ctx, query, p.history())
	endSpan(span, err)
	if err != nil {
		return kw, err
	}
	if len(kw.HighLevel) == 0 {
		kw.HighLevel = extracted.HighLevel
	}
	if len(kw.LowLevel) == 0 {
		kw.LowLevel = extracted.LowLevel
	}
	return kw, nil
}

type embeddings struct {
	query, low, high []float32
}

// embed computes the query and keyword embeddings in one batch.
func (e *Engine) embed(ctx context.Context, query string, kw Keywords, local, global bool) (embeddings, error) {
	inputs := [][]byte{[]byte(query)}
	lowIdx, highIdx := -1, -1
	if local {
		lowIdx = len(inputs)
		inputs = append(inputs, []byte(strings.Join(kw.LowLevel, ", ")))
	}
	if global {
		highIdx = len(inputs)
		inputs = append(inputs, []byte(strings.Join(kw.HighLevel, ", ")))
	}

	ctx, span := startSpan(ctx, "query.embeddings", attribute.Int("inputs", len(inputs)))
	vecs, err := ai.GenerateEmbeddings(ctx, e.ai, inputs)
	endSpan(span, err)
	if err != nil {
		return embeddings{}, fmt.Errorf("%w: embeddings: %w", ErrRetrievalDegraded, err)
	}
	if len(vecs) != len(inputs) {
		return embeddings{}, fmt.Errorf("%w: expected %d embeddings, got %d", ErrRetrievalDegraded, len(inputs), len(vecs))
	}

	out := embeddings{query: vecs[0]}
	if lowIdx >= 0 {
		out.low = vecs[lowIdx]
	}
	if highIdx >= 0 {
		out.high = vecs[highIdx]
	}
	return out, nil
}

func entityNames(items []common.Entity) []string {
	out := make([]string, len(items))
	for i, e := range items {
		out[i] = e.Name
	}
	return out
}

func relationKeys(items []common.Relation) []string {
	out := make([]string, len(items))
	for i, r := range items {
		out[i] = r.Key().String()
	}
	return out
}

func passageIDs(items []common.Passage) []string {
	out := make([]string, len(items))
	for i, p := range items {
		out[i] = p.ID
	}
	return out
}

func capAt[T any](items []T, n int) []T {
	if n > 0 && len(items) > n {
		return items[:n]
	}
	return items
}

// retrieve runs everything up to the assembled context.
func (e *Engine) retrieve(ctx context.Context, query string, p Param, sc *scope.Scope, tr Tracer) (*retrieval, error) {
	ctx, span := startSpan(ctx, "query.retrieve",
		attribute.String("mode", string(p.Mode)),
		attribute.Bool("scoped", sc != nil),
	)
	var spanErr error
	defer func() { endSpan(span, spanErr) }()

	caps := p.Mode.Capabilities()
	filter := NewScopeFilter(sc, e.cfg.RecordKey, e.cfg.KeepUnattributed, tr)
	factor := e.overfetch(filter.Active())

	var kw Keywords
	if caps.graph() {
		var err error
		kw, err = e.keywordsFor(ctx, query, p, caps)
		if err != nil {
			if !caps.Passages {
				spanErr = err
				return nil, err
			}
			logger.Warn("[Query] keyword extraction failed, continuing with passages only", "err", err)
			caps.Entities, caps.Relations = false, false
		}
		RecordKeywords(tr, kw)
	}

	runLocal := caps.Entities && len(kw.LowLevel) > 0
	runGlobal := caps.Relations && len(kw.HighLevel) > 0
	if caps.Entities && !runLocal {
		logger.Warn("[Query] no low level keywords, skipping entity branch")
	}
	if caps.Relations && !runGlobal {
		logger.Warn("[Query] no high level keywords, skipping relation branch")
	}

	vecs, err := e.embed(ctx, query, kw, runLocal, runGlobal)
	if err != nil {
		spanErr = err
		return nil, err
	}

	var (
		local, global              branchResult
		directIDs                  []string
		localErr, globalErr, psErr error
		started                    int
	)

	var g errgroup.Group
	if runLocal {
		started++
		g.Go(func() error {
			bctx, bspan := startSpan(ctx, "query.search.local")
			start := time.Now()
			res, err := e.searchLocal(bctx, vecs.low, p.TopK*factor)
			endSpan(bspan, err)
			if err != nil {
				logger.Error("[Query] entity branch failed", "err", err)
				localErr = err
				recordStage(tr, TraceEventBranch, "local", 0, 0, time.Since(start).Milliseconds(), err)
				return nil
			}
			before := len(res.Entities)
			res.Entities = capAt(filter.Entities("local_entities", res.Entities), p.TopK)
			res.Relations = filter.Relations("local_relations", res.Relations)
			recordStage(tr, TraceEventBranch, "local", before, len(res.Entities), time.Since(start).Milliseconds(), nil)
			local = res
			return nil
		})
	}
	if runGlobal {
		started++
		g.Go(func() error {
			bctx, bspan := startSpan(ctx, "query.search.global")
			start := time.Now()
			res, err := e.searchGlobal(bctx, vecs.high, p.TopK*factor)
			endSpan(bspan, err)
			if err != nil {
				logger.Error("[Query] relation branch failed", "err", err)
				globalErr = err
				recordStage(tr, TraceEventBranch, "global", 0, 0, time.Since(start).Milliseconds(), err)
				return nil
			}
			before := len(res.Relations)
			res.Relations = capAt(filter.Relations("global_relations", res.Relations), p.TopK)
			res.Entities = filter.Entities("global_entities", res.Entities)
			recordStage(tr, TraceEventBranch, "global", before, len(res.Relations), time.Since(start).Milliseconds(), nil)
			global = res
			return nil
		})
	}
	if caps.Passages {
		started++
		g.Go(func() error {
			bctx, bspan := startSpan(ctx, "query.search.passages")
			start := time.Now()
			ids, err := e.searchPassages(bctx, vecs.query, p.ChunkTopK*factor, filter)
			endSpan(bspan, err)
			if err != nil {
				logger.Error("[Query] passage search failed", "err", err)
				psErr = err
				recordStage(tr, TraceEventBranch, "passages", 0, 0, time.Since(start).Milliseconds(), err)
				return nil
			}
			directIDs = capAt(ids, p.ChunkTopK)
			recordStage(tr, TraceEventBranch, "passages", len(ids), len(directIDs), time.Since(start).Milliseconds(), nil)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		spanErr = err
		return nil, err
	}
	failed := 0
	for _, err := range []error{localErr, globalErr, psErr} {
		if err != nil {
			failed++
		}
	}
	if started > 0 && failed == started {
		err := fmt.Errorf("%w: %w: %w", ErrRetrievalDegraded, ErrBothBranchesFailed, errors.Join(localErr, globalErr, psErr))
		spanErr = err
		return nil, err
	}

	entities := filter.Entities("merged_entities", MergeEntities(local.Entities, global.Entities))
	relations := filter.Relations("merged_relations", MergeRelations(local.Relations, global.Relations))
	entities = TruncateEntities(entities, p.MaxEntityTokens, e.tok)
	relations = TruncateRelations(relations, p.MaxRelationTokens, e.tok)
	RecordQueriedEntities(tr, entityNames(entities)...)
	RecordQueriedRelations(tr, relationKeys(relations)...)

	cctx, cspan := startSpan(ctx, "query.chunks")
	passages, err := e.chunks.Resolve(cctx, chunkInput{
		Entities:       entities,
		Relations:      relations,
		DirectIDs:      directIDs,
		QueryEmbedding: vecs.query,
		Scoped:         filter.Active(),
	}, filter, tr)
	endSpan(cspan, err)
	if err != nil {
		if ctx.Err() != nil {
			spanErr = ctx.Err()
			return nil, ctx.Err()
		}
		err = fmt.Errorf("%w: %w", ErrRetrievalDegraded, err)
		spanErr = err
		return nil, err
	}

	assembled := e.assembler.Assemble(ctx, query, p, entities, relations, passages)
	RecordUsedSourceIDs(tr, passageIDs(assembled.Passages)...)
	span.SetAttributes(
		attribute.Int("entities", len(assembled.Entities)),
		attribute.Int("relations", len(assembled.Relations)),
		attribute.Int("passages", len(assembled.Passages)),
		attribute.Int("tokens", assembled.Tokens),
	)

	return &retrieval{Keywords: kw, Assembled: assembled}, nil
}

func (e *Engine) messages(query string, p Param) []ai.ChatMessage {
	history := p.history()
	msgs := make([]ai.ChatMessage, 0, len(history)+1)
	msgs = append(msgs, history...)
	return append(msgs, ai.ChatMessage{Role: "user", Message: query})
}

func systemPrompt(p Param, context string) string {
	return fmt.Sprintf(ai.QueryPrompt, p.ResponseType, p.UserPrompt, context)
}

func (e *Engine) noData(ctx context.Context, query string) (string, error) {
	res, err := e.ai.GenerateCompletion(ctx, fmt.Sprintf(ai.NoDataPrompt, query))
	if err != nil {
		logger.Error("Failed to generate no data response", "err", err)
		return "", fmt.Errorf("%w: %w", ErrGenerationFailed, err)
	}
	return res, nil
}

// answer runs retrieval and generation without the response cache.
func (e *Engine) answer(ctx context.Context, query string, p Param, sc *scope.Scope) (string, error) {
	if p.Mode == ModeBypass {
		ctx, span := startSpan(ctx, "query.generate", attribute.String("mode", string(p.Mode)))
		res, err := e.ai.GenerateChat(ctx, e.messages(query, p))
		endSpan(span, err)
		if err != nil {
			return "", fmt.Errorf("%w: %w", ErrGenerationFailed, err)
		}
		return res, nil
	}

	r, err := e.retrieve(ctx, query, p, sc, nil)
	if err != nil {
		return "", err
	}

	if r.Empty() {
		if p.OnlyNeedContext || p.OnlyNeedPrompt {
			return "", nil
		}
		return e.noData(ctx, query)
	}
	if p.OnlyNeedContext {
		return r.Text, nil
	}
	prompt := systemPrompt(p, r.Text)
	if p.OnlyNeedPrompt {
		return prompt, nil
	}

	ctx, span := startSpan(ctx, "query.generate", attribute.String("mode", string(p.Mode)))
	res, err := e.ai.GenerateChat(ctx, e.messages(query, p), ai.WithSystemPrompts(prompt))
	endSpan(span, err)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrGenerationFailed, err)
	}
	return res, nil
}

type responseKey struct {
	Query   string   `json:"query"`
	Param   Param    `json:"param"`
	Model   string   `json:"model"`
	Records []string `json:"records,omitempty"`
}

// responseKey includes the resolved record set so a changed or revoked scope
// never matches an answer cached under its previous records.
func (e *Engine) responseKey(query string, p Param, sc *scope.Scope) (string, error) {
	p.History = p.history()
	k := responseKey{Query: query, Param: p, Model: e.model}
	if sc != nil {
		k.Records = sc.IDs()
	}
	return cache.HashKey(k)
}

// Query answers query. Successful answers are cached when a response cache
// is configured.
func (e *Engine) Query(ctx context.Context, query string, p Param) (*Response, error) {
	if err := validate(query, p); err != nil {
		return nil, err
	}

	sc, err := e.resolveScope(ctx, p.Scope)
	if err != nil {
		return nil, err
	}

	key, err := e.responseKey(query, p, sc)
	if err != nil {
		return nil, err
	}
	if e.responses != nil {
		cached, ok, err := cache.GetJSON[Response](ctx, e.responses, key)
		if err != nil {
			logger.Warn("[Query] response cache read failed", "err", err)
		}
		if ok {
			cached.CacheHit = true
			return &cached, nil
		}
	}

	start := time.Now()
	text, err := e.answer(ctx, query, p, sc)
	if err != nil {
		return nil, err
	}
	logger.Debug("[Query] answered", "mode", p.Mode, "scope", p.Scope, "duration", time.Since(start))

	resp := &Response{Response: text, Mode: p.Mode}
	if e.responses != nil && ctx.Err() == nil {
		if err := cache.SetJSON(ctx, e.responses, key, resp, e.cfg.ResponseCacheTTL); err != nil {
			logger.Warn("[Query] response cache write failed", "err", err)
		}
	}
	return resp, nil
}

// QueryData runs retrieval only and reports what was found.
func (e *Engine) QueryData(ctx context.Context, query string, p Param) (*Data, error) {
	if err := validate(query, p); err != nil {
		return nil, err
	}
	if p.Mode == ModeBypass {
		return nil, fmt.Errorf("%w: bypass mode has no retrieval data", ErrInvalidParam)
	}
	sc, err := e.resolveScope(ctx, p.Scope)
	if err != nil {
		return nil, err
	}

	qt := NewQueryTrace()
	r, err := e.retrieve(ctx, query, p, sc, qt)
	if err != nil {
		return nil, err
	}
	return &Data{
		Mode:      p.Mode,
		Keywords:  r.Keywords,
		Entities:  r.Entities,
		Relations: r.Relations,
		Passages:  r.Passages,
		Context:   r.Text,
		Tokens:    r.Tokens,
		Trace:     qt.Snapshot(),
	}, nil
}

func send(ctx context.Context, out chan<- ai.StreamEvent, ev ai.StreamEvent) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// QueryStream streams the answer. The scope is resolved before the stream
// starts so scope errors are returned directly. Streamed answers are not
// cached.
func (e *Engine) QueryStream(ctx context.Context, query string, p Param) (<-chan ai.StreamEvent, error) {
	if err := validate(query, p); err != nil {
		return nil, err
	}
	sc, err := e.resolveScope(ctx, p.Scope)
	if err != nil {
		return nil, err
	}

	out := make(chan ai.StreamEvent, 10)
	go func() {
		defer close(out)

		var prompt string
		if p.Mode != ModeBypass {
			if !send(ctx, out, ai.StreamEvent{Type: "step", Step: "db_query"}) {
				return
			}
			r, err := e.retrieve(ctx, query, p, sc, nil)
			if err != nil {
				send(ctx, out, ai.StreamEvent{Type: "error", Content: err.Error()})
				return
			}

			var single string
			switch {
			case r.Empty() && (p.OnlyNeedContext || p.OnlyNeedPrompt):
				single = ""
			case r.Empty():
				res, err := e.noData(ctx, query)
				if err != nil {
					send(ctx, out, ai.StreamEvent{Type: "error", Content: err.Error()})
					return
				}
				single = res
			case p.OnlyNeedContext:
				single = r.Text
			case p.OnlyNeedPrompt:
				single = systemPrompt(p, r.Text)
			}
			if r.Empty() || p.OnlyNeedContext || p.OnlyNeedPrompt {
				send(ctx, out, ai.StreamEvent{Type: "content", Content: single})
				return
			}
			prompt = systemPrompt(p, r.Text)
		}

		var opts []ai.GenerateOption
		if prompt != "" {
			opts = append(opts, ai.WithSystemPrompts(prompt))
		}
		if !send(ctx, out, ai.StreamEvent{Type: "step", Step: "generating"}) {
			return
		}
		stream, err := e.ai.GenerateChatStream(ctx, e.messages(query, p), opts...)
		if err != nil {
			send(ctx, out, ai.StreamEvent{Type: "error", Content: fmt.Errorf("%w: %w", ErrGenerationFailed, err).Error()})
			return
		}
		for ev := range stream {
			if !send(ctx, out, ev) {
				return
			}
		}
	}()
	return out, nil
}

// Naive returns the top passages for query rendered as numbered sources.
func (e *Engine) Naive(ctx context.Context, query string, chunkTopK int, scopeToken string) (*NaiveResult, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("%w: query is empty", ErrInvalidParam)
	}
	if chunkTopK <= 0 {
		return nil, fmt.Errorf("%w: chunk_top_k must be positive", ErrInvalidParam)
	}
	start := time.Now()

	sc, err := e.resolveScope(ctx, scopeToken)
	if err != nil {
		return nil, err
	}
	filter := NewScopeFilter(sc, e.cfg.RecordKey, e.cfg.KeepUnattributed, nil)

	ctx, span := startSpan(ctx, "query.naive", attribute.Bool("scoped", sc != nil))
	defer span.End()

	vec, err := ai.GenerateEmbeddings(ctx, e.ai, [][]byte{[]byte(query)})
	if err != nil {
		return nil, fmt.Errorf("%w: embeddings: %w", ErrRetrievalDegraded, err)
	}
	if len(vec) == 0 {
		return nil, fmt.Errorf("%w: no embedding returned", ErrRetrievalDegraded)
	}

	ids, err := e.searchPassages(ctx, vec[0], chunkTopK*e.overfetch(filter.Active()), filter)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRetrievalDegraded, err)
	}
	passages, err := e.kv.GetPassages(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("%w: get passages: %w", ErrRetrievalDegraded, err)
	}
	passages = capAt(filter.Passages("naive_chunks", passages), chunkTopK)

	res := &NaiveResult{ChunkCount: len(passages)}
	if len(passages) == 0 {
		res.Context = NoPassagesMessage
	} else {
		parts := make([]string, len(passages))
		for i, p := range passages {
			parts[i] = fmt.Sprintf("### Source %d\n%s", i+1, p.Content)
		}
		res.Context = strings.Join(parts, "\n\n")
	}
	res.RetrievalTime = time.Since(start).Seconds()
	return res, nil
}
