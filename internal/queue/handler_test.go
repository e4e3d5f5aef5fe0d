package queue

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/OFFIS-RIT/kiwi/retrieval/pkg/cache"

	"github.com/rabbitmq/amqp091-go"
)

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

func TestProcessScopeInvalidation(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		wantToken []string
		wantAll   int
		malformed bool
	}{
		{name: "single", body: `{"scope":"tenant-a"}`, wantToken: []string{"tenant-a"}},
		{name: "all", body: `{"all":true}`, wantAll: 1},
		{name: "empty", body: `{}`, malformed: true},
		{name: "not json", body: `tenant-a`, malformed: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			scopes := &fakeScopes{}
			err := ProcessScopeInvalidation(context.Background(), scopes, []byte(tc.body))
			if tc.malformed {
				if !errors.Is(err, ErrMalformedMessage) {
					t.Fatalf("expected ErrMalformedMessage, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !reflect.DeepEqual(scopes.invalidated, tc.wantToken) {
				t.Fatalf("invalidated = %v, want %v", scopes.invalidated, tc.wantToken)
			}
			if scopes.all != tc.wantAll {
				t.Fatalf("invalidate all = %d, want %d", scopes.all, tc.wantAll)
			}
		})
	}
}

func TestProcessCacheInvalidation(t *testing.T) {
	ctx := context.Background()
	base := cache.NewMemory()
	keywords := cache.WithNamespace(base, "keywords")
	responses := cache.WithNamespace(base, "responses")
	_ = keywords.Set(ctx, "k", []byte("1"), time.Minute)
	_ = responses.Set(ctx, "r", []byte("1"), time.Minute)

	caches := map[string]cache.Cache{"keywords": keywords, "responses": responses}
	if err := ProcessCacheInvalidation(ctx, caches, []byte(`{"namespace":"keywords"}`)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := keywords.Get(ctx, "k"); !errors.Is(err, cache.ErrMiss) {
		t.Fatalf("keywords should be flushed, got %v", err)
	}
	if _, err := responses.Get(ctx, "r"); err != nil {
		t.Fatalf("responses should survive, got %v", err)
	}

	err := ProcessCacheInvalidation(ctx, caches, []byte(`{"namespace":"scopes"}`))
	if !errors.Is(err, ErrMalformedMessage) {
		t.Fatalf("expected ErrMalformedMessage, got %v", err)
	}
}

type fakeAck struct {
	acked, nacked int
	requeue       bool
}

func (f *fakeAck) Ack(tag uint64, multiple bool) error {
	f.acked++
	return nil
}

func (f *fakeAck) Nack(tag uint64, multiple, requeue bool) error {
	f.nacked++
	f.requeue = requeue
	return nil
}

func (f *fakeAck) Reject(tag uint64, requeue bool) error {
	return nil
}

type published struct {
	key     string
	headers amqp091.Table
	body    string
}

type fakeChannel struct {
	sent []published
	err  error
}

func (f *fakeChannel) Publish(exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, published{key: key, headers: msg.Headers, body: string(msg.Body)})
	return nil
}

func (f *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error {
	return f.Publish(exchange, key, mandatory, immediate, msg)
}

func delivery(ack *fakeAck, headers amqp091.Table) amqp091.Delivery {
	return amqp091.Delivery{Acknowledger: ack, Headers: headers, Body: []byte(`{"scope":"a"}`)}
}

func TestHandleProcessingError(t *testing.T) {
	failure := errors.New("redis down")

	tests := []struct {
		name        string
		headers     amqp091.Table
		err         error
		wantKey     string
		wantRetries any
	}{
		{name: "first failure", headers: nil, err: failure, wantKey: ScopeInvalidationQueue + "_retry", wantRetries: int32(1)},
		{name: "int64 header", headers: amqp091.Table{"x-retries": int64(3)}, err: failure, wantKey: ScopeInvalidationQueue + "_retry", wantRetries: int32(4)},
		{name: "exhausted", headers: amqp091.Table{"x-retries": int32(MaxRetries)}, err: failure, wantKey: ScopeInvalidationQueue + "_dlq", wantRetries: int32(MaxRetries)},
		{name: "malformed", headers: nil, err: ErrMalformedMessage, wantKey: ScopeInvalidationQueue + "_dlq", wantRetries: nil},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ack := &fakeAck{}
			ch := &fakeChannel{}
			HandleProcessingError(ch, delivery(ack, tc.headers), ScopeInvalidationQueue, tc.err)

			if len(ch.sent) != 1 {
				t.Fatalf("published %d messages, want 1", len(ch.sent))
			}
			got := ch.sent[0]
			if got.key != tc.wantKey {
				t.Fatalf("routing key = %q, want %q", got.key, tc.wantKey)
			}
			if got.headers["x-retries"] != tc.wantRetries {
				t.Fatalf("x-retries = %#v, want %#v", got.headers["x-retries"], tc.wantRetries)
			}
			if ack.acked != 1 || ack.nacked != 0 {
				t.Fatalf("acked=%d nacked=%d, want 1/0", ack.acked, ack.nacked)
			}
		})
	}
}

func TestHandleProcessingError_PublishFailureRequeues(t *testing.T) {
	ack := &fakeAck{}
	ch := &fakeChannel{err: errors.New("channel closed")}
	HandleProcessingError(ch, delivery(ack, nil), CacheInvalidationQueue, errors.New("boom"))

	if ack.acked != 0 || ack.nacked != 1 || !ack.requeue {
		t.Fatalf("acked=%d nacked=%d requeue=%v, want nack with requeue", ack.acked, ack.nacked, ack.requeue)
	}
}

func TestPublisher(t *testing.T) {
	ch := &fakeChannel{}
	p := &Publisher{ch: ch}
	ctx := context.Background()

	if err := p.InvalidateScope(ctx, "tenant-a"); err != nil {
		t.Fatalf("InvalidateScope: %v", err)
	}
	if err := p.InvalidateAllScopes(ctx); err != nil {
		t.Fatalf("InvalidateAllScopes: %v", err)
	}
	if err := p.FlushCache(ctx, "responses"); err != nil {
		t.Fatalf("FlushCache: %v", err)
	}

	want := []struct {
		key string
		msg any
	}{
		{ScopeInvalidationQueue, ScopeInvalidation{Scope: "tenant-a"}},
		{ScopeInvalidationQueue, ScopeInvalidation{All: true}},
		{CacheInvalidationQueue, CacheInvalidation{Namespace: "responses"}},
	}
	if len(ch.sent) != len(want) {
		t.Fatalf("published %d messages, want %d", len(ch.sent), len(want))
	}
	for i, w := range want {
		body, _ := json.Marshal(w.msg)
		if ch.sent[i].key != w.key || ch.sent[i].body != string(body) {
			t.Fatalf("message %d = %+v, want key %s body %s", i, ch.sent[i], w.key, body)
		}
	}
}
