// Package bootstrap builds the retrieval engine and its backends from a
// config.Config. It is shared by the server and the worker.
package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/OFFIS-RIT/kiwi/retrieval/internal/config"
	"github.com/OFFIS-RIT/kiwi/retrieval/internal/storage"
	"github.com/OFFIS-RIT/kiwi/retrieval/internal/util"
	"github.com/OFFIS-RIT/kiwi/retrieval/pkg/ai"
	oai "github.com/OFFIS-RIT/kiwi/retrieval/pkg/ai/ollama"
	gai "github.com/OFFIS-RIT/kiwi/retrieval/pkg/ai/openai"
	"github.com/OFFIS-RIT/kiwi/retrieval/pkg/cache"
	"github.com/OFFIS-RIT/kiwi/retrieval/pkg/leaselock"
	"github.com/OFFIS-RIT/kiwi/retrieval/pkg/logger"
	"github.com/OFFIS-RIT/kiwi/retrieval/pkg/logger/console"
	"github.com/OFFIS-RIT/kiwi/retrieval/pkg/query"
	"github.com/OFFIS-RIT/kiwi/retrieval/pkg/rerank"
	"github.com/OFFIS-RIT/kiwi/retrieval/pkg/scope"
	"github.com/OFFIS-RIT/kiwi/retrieval/pkg/store"
	bstore "github.com/OFFIS-RIT/kiwi/retrieval/pkg/store/badger"
	nstore "github.com/OFFIS-RIT/kiwi/retrieval/pkg/store/neo4j"
	pgstore "github.com/OFFIS-RIT/kiwi/retrieval/pkg/store/pgx"
	qstore "github.com/OFFIS-RIT/kiwi/retrieval/pkg/store/qdrant"
	"github.com/OFFIS-RIT/kiwi/retrieval/pkg/tokenizer"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
)

// Cache namespaces. The HTTP flush endpoint and the invalidation queue
// accept the first two.
const (
	NamespaceKeywords  = "keywords"
	NamespaceResponses = "responses"
	namespaceScopes    = "scopes"
)

const scopeLockTTL = 30 * time.Second

// App holds the long-lived dependencies of a process.
type App struct {
	Config *config.Config
	AI     ai.GraphAIClient
	DB     *pgxpool.Pool

	Engine *query.Engine
	Scopes *scope.Resolver
	// Caches maps a flushable namespace to its cache.
	Caches map[string]cache.Cache

	closers []func()
}

// InitLogger installs the console logger described by cfg.
func InitLogger(cfg *config.Config, prefix string) {
	logger.Init(console.NewConsoleLogger(console.ConsoleLoggerParams{
		Debug:  cfg.Debug,
		Format: cfg.LogFormat,
		Prefix: prefix,
	}))
}

// New connects every configured backend. On error, everything opened so far
// is closed again.
func New(ctx context.Context, cfg *config.Config) (_ *App, err error) {
	app := &App{Config: cfg, Caches: map[string]cache.Cache{}}
	defer func() {
		if err != nil {
			app.Close()
		}
	}()

	tok, err := tokenizer.New(cfg.Tokenizer)
	if err != nil {
		return nil, err
	}

	app.AI, err = newAIClient(cfg, tok)
	if err != nil {
		return nil, err
	}

	if cfg.UsesPostgres() {
		if cfg.Migrate {
			logger.Info("Running database migrations")
			if err := pgstore.Migrate(cfg.DatabaseURL); err != nil {
				return nil, err
			}
		}
		app.DB, err = newPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		app.onClose(app.DB.Close)
	}

	graph, vectors, kv, err := app.stores(ctx)
	if err != nil {
		return nil, err
	}

	shared, err := app.sharedCache()
	if err != nil {
		return nil, err
	}
	keywords := cache.WithNamespace(shared, NamespaceKeywords)
	responses := cache.WithNamespace(shared, NamespaceResponses)
	app.Caches[NamespaceKeywords] = keywords
	app.Caches[NamespaceResponses] = responses

	app.Scopes, err = app.scopeResolver(ctx, shared)
	if err != nil {
		return nil, err
	}

	opts := []query.EngineOption{
		query.WithConfig(cfg.Query),
		query.WithTokenizer(tok),
		query.WithScopeResolver(app.Scopes),
		query.WithKeywordCache(keywords),
		query.WithResponseCache(responses),
	}
	switch cfg.RerankAdapter {
	case "rrf":
		opts = append(opts, query.WithReranker(rerank.NewRRF()))
	case "llm":
		opts = append(opts, query.WithReranker(rerank.NewLLM(app.AI, 0)))
	}
	app.Engine = query.NewEngine(app.AI, graph, vectors, kv, opts...)

	logger.Info(
		"Retrieval engine ready",
		"graph", cfg.GraphBackend,
		"vectors", cfg.VectorBackend,
		"kv", cfg.KVBackend,
		"cache", cfg.CacheBackend,
		"scope", cfg.Scope.Backend,
		"rerank", cfg.RerankAdapter,
	)
	return app, nil
}

func (a *App) onClose(fn func()) {
	a.closers = append(a.closers, fn)
}

// Close releases the backends in reverse order of opening.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func newAIClient(cfg *config.Config, tok tokenizer.Tokenizer) (ai.GraphAIClient, error) {
	switch cfg.AI.Adapter {
	case "ollama":
		client, err := oai.NewGraphOllamaClient(oai.NewGraphOllamaClientParams{
			ChatModel:             cfg.AI.ChatModel,
			EmbeddingModel:        cfg.AI.EmbedModel,
			EmbeddingDim:          cfg.AI.EmbedDim,
			BaseURL:               cfg.AI.ChatURL,
			ApiKey:                cfg.AI.ChatKey,
			MaxConcurrentRequests: int64(cfg.AI.ParallelRequests),
			Timeout:               cfg.AI.Timeout,
			Tokenizer:             tok,
		})
		if err != nil {
			return nil, fmt.Errorf("could not create Ollama client: %w", err)
		}
		return client, nil
	default:
		embedURL, embedKey := cfg.AI.EmbedURL, cfg.AI.EmbedKey
		if embedURL == "" {
			embedURL = cfg.AI.ChatURL
		}
		if embedKey == "" {
			embedKey = cfg.AI.ChatKey
		}
		return gai.NewGraphOpenAIClient(gai.NewGraphOpenAIClientParams{
			ChatModel:             cfg.AI.ChatModel,
			EmbeddingModel:        cfg.AI.EmbedModel,
			EmbeddingDim:          cfg.AI.EmbedDim,
			ChatURL:               cfg.AI.ChatURL,
			ChatKey:               cfg.AI.ChatKey,
			EmbeddingURL:          embedURL,
			EmbeddingKey:          embedKey,
			MaxConcurrentRequests: int64(cfg.AI.ParallelRequests),
			Timeout:               cfg.AI.Timeout,
		}), nil
	}
}

func newPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid database url: %w", err)
	}
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	err = util.RetryErrWithContext(ctx, 5, func(ctx context.Context) error {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return pool.Ping(pingCtx)
	})
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to reach database: %w", err)
	}
	return pool, nil
}

func (a *App) stores(ctx context.Context) (store.GraphStore, store.VectorStore, store.KVStore, error) {
	cfg := a.Config

	var pg *pgstore.GraphDBStorage
	if a.DB != nil {
		pg = pgstore.NewGraphDBStorageWithConnection(a.DB, pgstore.WithMaxFilterIDs(cfg.Query.MaxFilterIDs))
	}

	var graph store.GraphStore = pg
	if cfg.GraphBackend == "neo4j" {
		g, err := nstore.NewGraphNeo4jStorage(ctx, nstore.NewGraphNeo4jStorageParams{
			URI:            cfg.Neo4j.URI,
			Username:       cfg.Neo4j.User,
			Password:       cfg.Neo4j.Password,
			Database:       cfg.Neo4j.Database,
			ConnectRetries: 5,
		})
		if err != nil {
			return nil, nil, nil, err
		}
		a.onClose(func() {
			_ = g.Close(context.Background())
		})
		graph = g
	}

	var vectors store.VectorStore = pg
	if cfg.VectorBackend == "qdrant" {
		conn, err := qstore.Dial(cfg.Qdrant.Addr)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("dial qdrant: %w", err)
		}
		a.onClose(func() {
			_ = conn.Close()
		})
		vectors = qstore.New(conn,
			qstore.WithCollectionPrefix(cfg.Qdrant.CollectionPrefix),
			qstore.WithMaxFilterIDs(cfg.Query.MaxFilterIDs),
		)
	}

	var kv store.KVStore = pg
	if cfg.KVBackend == "badger" {
		b, err := bstore.Open(cfg.BadgerPath)
		if err != nil {
			return nil, nil, nil, err
		}
		a.onClose(func() {
			_ = b.Close()
		})
		kv = b
	}

	return graph, vectors, kv, nil
}

func (a *App) sharedCache() (cache.Cache, error) {
	if a.Config.CacheBackend != "redis" {
		return cache.NewMemory(), nil
	}
	r, err := cache.NewRedis(cache.RedisOptions{URL: a.Config.RedisURL})
	if err != nil {
		return nil, err
	}
	a.onClose(func() {
		_ = r.Close()
	})
	return r, nil
}

func (a *App) scopeResolver(ctx context.Context, shared cache.Cache) (*scope.Resolver, error) {
	cfg := a.Config

	var source scope.Source
	switch cfg.Scope.Backend {
	case "pgx":
		source = scope.NewPgxSource(a.DB)
	case "s3":
		client, err := storage.NewS3Client(ctx)
		if err != nil {
			return nil, err
		}
		if err := storage.CheckBucket(ctx, client, cfg.Scope.S3Bucket); err != nil {
			return nil, err
		}
		source = scope.NewS3Source(client, cfg.Scope.S3Bucket, cfg.Scope.S3Prefix)
	case "file":
		source = scope.FileSource{Path: cfg.Scope.File}
	default:
		return nil, fmt.Errorf("unknown scope backend %q", cfg.Scope.Backend)
	}

	opts := []scope.ResolverOption{
		scope.WithTTL(cfg.Scope.CacheTTL),
		scope.WithSourceName(cfg.Scope.Backend),
		scope.WithLoadTimeout(30 * time.Second),
	}

	var scopes scope.Store = scope.NewMemoryStore()
	if cfg.CacheBackend == "redis" {
		scopes = scope.NewCacheStore(cache.WithNamespace(shared, namespaceScopes))
		if a.DB != nil {
			opts = append(opts, scope.WithLocker(leaselock.NewLocker(leaselock.New(a.DB), "scope:", scopeLockTTL)))
		}
	}

	return scope.NewResolver(source, scopes, opts...), nil
}
