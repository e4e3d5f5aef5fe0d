package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	mid "github.com/OFFIS-RIT/kiwi/retrieval/internal/server/middleware"
	"github.com/OFFIS-RIT/kiwi/retrieval/pkg/ai"
	"github.com/OFFIS-RIT/kiwi/retrieval/pkg/cache"
	"github.com/OFFIS-RIT/kiwi/retrieval/pkg/query"
	"github.com/OFFIS-RIT/kiwi/retrieval/pkg/scope"

	"github.com/golang-jwt/jwt/v5"
)

type fakeEngine struct {
	mu        sync.Mutex
	err       error
	lastQuery string
	lastParam query.Param
	lastTopK  int
	lastScope string
}

func (f *fakeEngine) record(q string, p query.Param) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastQuery = q
	f.lastParam = p
	f.lastScope = p.Scope
}

func (f *fakeEngine) Query(ctx context.Context, q string, p query.Param) (*query.Response, error) {
	f.record(q, p)
	if f.err != nil {
		return nil, f.err
	}
	return &query.Response{Response: "answer to " + q, Mode: p.Mode}, nil
}

func (f *fakeEngine) QueryStream(ctx context.Context, q string, p query.Param) (<-chan ai.StreamEvent, error) {
	f.record(q, p)
	if f.err != nil {
		return nil, f.err
	}
	out := make(chan ai.StreamEvent, 4)
	out <- ai.StreamEvent{Type: "step", Step: "db_query"}
	out <- ai.StreamEvent{Type: "step", Step: "generating"}
	out <- ai.StreamEvent{Type: "content", Content: "hel"}
	out <- ai.StreamEvent{Type: "content", Content: "lo"}
	close(out)
	return out, nil
}

func (f *fakeEngine) QueryData(ctx context.Context, q string, p query.Param) (*query.Data, error) {
	f.record(q, p)
	if f.err != nil {
		return nil, f.err
	}
	return &query.Data{Mode: p.Mode, Context: "ctx"}, nil
}

func (f *fakeEngine) Naive(ctx context.Context, q string, chunkTopK int, scopeToken string) (*query.NaiveResult, error) {
	f.mu.Lock()
	f.lastQuery, f.lastTopK, f.lastScope = q, chunkTopK, scopeToken
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &query.NaiveResult{Context: "### Source 1\nheat pump", ChunkCount: 1, RetrievalTime: 0.01}, nil
}

type fakeScopes struct {
	invalidated []string
	all         int
}

func (f *fakeScopes) Invalidate(ctx context.Context, token string) error {
	f.invalidated = append(f.invalidated, token)
	return nil
}

func (f *fakeScopes) InvalidateAll(ctx context.Context) error {
	f.all++
	return nil
}

type fakePublisher struct {
	events []string
}

func (f *fakePublisher) InvalidateScope(ctx context.Context, token string) error {
	f.events = append(f.events, "scope:"+token)
	return nil
}

func (f *fakePublisher) InvalidateAllScopes(ctx context.Context) error {
	f.events = append(f.events, "scopes")
	return nil
}

func (f *fakePublisher) FlushCache(ctx context.Context, namespace string) error {
	f.events = append(f.events, "cache:"+namespace)
	return nil
}

var testSecret = []byte("test-secret")

func signedToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSecret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

func hmacKey(t *jwt.Token) (any, error) {
	if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
	}
	return testSecret, nil
}

type testServer struct {
	engine    *fakeEngine
	scopes    *fakeScopes
	publisher *fakePublisher
	caches    map[string]cache.Cache
	app       *mid.App
}

func newTestServer(withAuth bool) *testServer {
	base := cache.NewMemory()
	ts := &testServer{
		engine:    &fakeEngine{},
		scopes:    &fakeScopes{},
		publisher: &fakePublisher{},
		caches: map[string]cache.Cache{
			"keywords":  cache.WithNamespace(base, "keywords"),
			"responses": cache.WithNamespace(base, "responses"),
		},
	}
	ts.app = &mid.App{
		Engine:     ts.engine,
		Defaults:   query.DefaultParam(),
		Scopes:     ts.scopes,
		Caches:     ts.caches,
		Publisher:  ts.publisher,
		ScopeClaim: "scope_token",
	}
	if withAuth {
		ts.app.Key = hmacKey
	}
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	New(ts.app, "1M").ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestHealth(t *testing.T) {
	ts := newTestServer(true)
	rec := ts.do(t, http.MethodGet, "/health", "", "")
	if rec.Code != http.StatusOK || rec.Body.String() != "OK" {
		t.Fatalf("health = %d %q", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatalf("expected a request id header")
	}
}

func TestQuery_AppliesDefaults(t *testing.T) {
	ts := newTestServer(false)
	rec := ts.do(t, http.MethodPost, "/query", `{"query":" Which suppliers deliver heat pumps? ","mode":"local","top_k":7}`, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}

	resp := decode[query.Response](t, rec)
	if resp.Response != "answer to Which suppliers deliver heat pumps?" || resp.Mode != query.ModeLocal {
		t.Fatalf("unexpected response %+v", resp)
	}
	p := ts.engine.lastParam
	if p.TopK != 7 {
		t.Fatalf("top_k = %d, want 7", p.TopK)
	}
	if p.ChunkTopK != query.DefaultParam().ChunkTopK {
		t.Fatalf("chunk_top_k = %d, want default", p.ChunkTopK)
	}
	if p.ResponseType != "Multiple Paragraphs" {
		t.Fatalf("response_type = %q", p.ResponseType)
	}
}

func TestQuery_RejectsBadRequests(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "missing query", body: `{"mode":"mix"}`},
		{name: "blank query", body: `{"query":"   "}`},
		{name: "unknown mode", body: `{"query":"q","mode":"fuzzy"}`},
		{name: "not json", body: `query=q`},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ts := newTestServer(false)
			rec := ts.do(t, http.MethodPost, "/query", tc.body, "")
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400 (body=%s)", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestQuery_ErrorStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "invalid param", err: fmt.Errorf("%w: top_k must be positive", query.ErrInvalidParam), want: http.StatusBadRequest},
		{name: "unknown scope", err: scope.ErrUnknownScope, want: http.StatusForbidden},
		{name: "scope unavailable", err: fmt.Errorf("%w: timeout", scope.ErrScopeUnavailable), want: http.StatusServiceUnavailable},
		{name: "retrieval degraded", err: fmt.Errorf("%w: %w", query.ErrRetrievalDegraded, query.ErrBothBranchesFailed), want: http.StatusBadGateway},
		{name: "generation failed", err: fmt.Errorf("%w: 500 from upstream", query.ErrGenerationFailed), want: http.StatusBadGateway},
		{name: "deadline", err: context.DeadlineExceeded, want: http.StatusGatewayTimeout},
		{name: "other", err: errors.New("boom"), want: http.StatusInternalServerError},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ts := newTestServer(false)
			ts.engine.err = tc.err
			rec := ts.do(t, http.MethodPost, "/query", `{"query":"q"}`, "")
			if rec.Code != tc.want {
				t.Fatalf("status = %d, want %d", rec.Code, tc.want)
			}
			body := decode[map[string]string](t, rec)
			if body["message"] == "" {
				t.Fatalf("expected a message, got %s", rec.Body.String())
			}
		})
	}
}

func TestAuth_ScopeClaim(t *testing.T) {
	ts := newTestServer(true)
	scoped := signedToken(t, jwt.MapClaims{"sub": "u1", "scope_token": "tenant-a", "exp": time.Now().Add(time.Hour).Unix()})
	unscoped := signedToken(t, jwt.MapClaims{"sub": "admin", "exp": time.Now().Add(time.Hour).Unix()})

	if rec := ts.do(t, http.MethodPost, "/query", `{"query":"q"}`, ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing token status = %d, want 401", rec.Code)
	}
	if rec := ts.do(t, http.MethodPost, "/query", `{"query":"q"}`, "not-a-jwt"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad token status = %d, want 401", rec.Code)
	}

	rec := ts.do(t, http.MethodPost, "/query", `{"query":"q","scope":"tenant-b"}`, scoped)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("mismatched scope status = %d, want 403", rec.Code)
	}

	rec = ts.do(t, http.MethodPost, "/query", `{"query":"q"}`, scoped)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	if ts.engine.lastScope != "tenant-a" {
		t.Fatalf("scope = %q, want filled from claim", ts.engine.lastScope)
	}

	rec = ts.do(t, http.MethodPost, "/query", `{"query":"q","scope":"tenant-b"}`, unscoped)
	if rec.Code != http.StatusOK || ts.engine.lastScope != "tenant-b" {
		t.Fatalf("unscoped token: status=%d scope=%q", rec.Code, ts.engine.lastScope)
	}
}

func TestQueryStream(t *testing.T) {
	ts := newTestServer(false)
	rec := ts.do(t, http.MethodPost, "/query/stream", `{"query":"q","mode":"hybrid"}`, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	want := strings.Join([]string{
		"event: step\ndata: {\"step\":\"db_query\"}\n\n",
		"event: step\ndata: {\"step\":\"generating\"}\n\n",
		"event: content\ndata: {\"content\":\"hel\"}\n\n",
		"event: content\ndata: {\"content\":\"lo\"}\n\n",
		"event: done\ndata: {\"mode\":\"hybrid\"}\n\n",
	}, "")
	if got := rec.Body.String(); got != want {
		t.Fatalf("stream =\n%q\nwant\n%q", got, want)
	}
}

func TestQueryStream_ScopeErrorBeforeStream(t *testing.T) {
	ts := newTestServer(false)
	ts.engine.err = scope.ErrUnknownScope
	rec := ts.do(t, http.MethodPost, "/query/stream", `{"query":"q","scope":"nope"}`, "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestQueryData(t *testing.T) {
	ts := newTestServer(false)
	rec := ts.do(t, http.MethodPost, "/query/data", `{"query":"q","mode":"global"}`, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	data := decode[query.Data](t, rec)
	if data.Mode != query.ModeGlobal || data.Context != "ctx" {
		t.Fatalf("unexpected data %+v", data)
	}
}

func TestNaive(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantCode int
		wantTopK int
	}{
		{name: "explicit", body: `{"query":"heat pump","chunk_top_k":5}`, wantCode: http.StatusOK, wantTopK: 5},
		{name: "default", body: `{"query":"heat pump"}`, wantCode: http.StatusOK, wantTopK: 20},
		{name: "too many", body: `{"query":"heat pump","chunk_top_k":51}`, wantCode: http.StatusBadRequest},
		{name: "zero", body: `{"query":"heat pump","chunk_top_k":0}`, wantCode: http.StatusBadRequest},
		{name: "no query", body: `{"chunk_top_k":3}`, wantCode: http.StatusBadRequest},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ts := newTestServer(false)
			rec := ts.do(t, http.MethodPost, "/query/naive", tc.body, "")
			if rec.Code != tc.wantCode {
				t.Fatalf("status = %d, want %d (body=%s)", rec.Code, tc.wantCode, rec.Body.String())
			}
			if tc.wantCode != http.StatusOK {
				return
			}
			if ts.engine.lastTopK != tc.wantTopK {
				t.Fatalf("chunk_top_k = %d, want %d", ts.engine.lastTopK, tc.wantTopK)
			}
			res := decode[query.NaiveResult](t, rec)
			if res.ChunkCount != 1 || !strings.HasPrefix(res.Context, "### Source 1\n") {
				t.Fatalf("unexpected result %+v", res)
			}
		})
	}
}

func TestDeleteScopes(t *testing.T) {
	ts := newTestServer(true)
	scoped := signedToken(t, jwt.MapClaims{"scope_token": "tenant-a"})
	admin := signedToken(t, jwt.MapClaims{"sub": "admin"})

	if rec := ts.do(t, http.MethodDelete, "/scopes/tenant-a", "", scoped); rec.Code != http.StatusOK {
		t.Fatalf("own scope status = %d", rec.Code)
	}
	if rec := ts.do(t, http.MethodDelete, "/scopes/tenant-b", "", scoped); rec.Code != http.StatusForbidden {
		t.Fatalf("foreign scope status = %d, want 403", rec.Code)
	}
	if rec := ts.do(t, http.MethodDelete, "/scopes", "", scoped); rec.Code != http.StatusForbidden {
		t.Fatalf("scoped invalidate all status = %d, want 403", rec.Code)
	}
	if rec := ts.do(t, http.MethodDelete, "/scopes", "", admin); rec.Code != http.StatusOK {
		t.Fatalf("invalidate all status = %d", rec.Code)
	}

	if len(ts.scopes.invalidated) != 1 || ts.scopes.invalidated[0] != "tenant-a" || ts.scopes.all != 1 {
		t.Fatalf("scopes = %+v", ts.scopes)
	}
	want := []string{"scope:tenant-a", "scopes"}
	if strings.Join(ts.publisher.events, ",") != strings.Join(want, ",") {
		t.Fatalf("published %v, want %v", ts.publisher.events, want)
	}
}

func TestDeleteCache(t *testing.T) {
	ts := newTestServer(false)
	ctx := context.Background()
	_ = ts.caches["keywords"].Set(ctx, "k", []byte("1"), time.Minute)
	_ = ts.caches["responses"].Set(ctx, "r", []byte("1"), time.Minute)

	if rec := ts.do(t, http.MethodDelete, "/cache/embeddings", "", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown namespace status = %d, want 404", rec.Code)
	}
	if rec := ts.do(t, http.MethodDelete, "/cache/keywords", "", ""); rec.Code != http.StatusOK {
		t.Fatalf("flush status = %d", rec.Code)
	}
	if _, err := ts.caches["keywords"].Get(ctx, "k"); !errors.Is(err, cache.ErrMiss) {
		t.Fatalf("keyword cache not flushed: %v", err)
	}
	if _, err := ts.caches["responses"].Get(ctx, "r"); err != nil {
		t.Fatalf("response cache should survive: %v", err)
	}
	if len(ts.publisher.events) != 1 || ts.publisher.events[0] != "cache:keywords" {
		t.Fatalf("published %v", ts.publisher.events)
	}
}
