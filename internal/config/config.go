// Package config reads the service settings from the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/OFFIS-RIT/kiwi/retrieval/internal/util"
	"github.com/OFFIS-RIT/kiwi/retrieval/pkg/query"
	"github.com/OFFIS-RIT/kiwi/retrieval/pkg/scope"

	"github.com/go-playground/validator"
)

type AI struct {
	Adapter          string `validate:"oneof=openai ollama"`
	ChatURL          string
	ChatKey          string
	ChatModel        string `validate:"required"`
	EmbedURL         string
	EmbedKey         string
	EmbedModel       string `validate:"required"`
	EmbedDim         int    `validate:"gte=0"`
	ParallelRequests int    `validate:"gte=1"`
	Timeout          time.Duration
}

type Neo4j struct {
	URI      string
	User     string
	Password string
	Database string
}

type Qdrant struct {
	Addr             string
	CollectionPrefix string
}

type Scope struct {
	Backend   string `validate:"oneof=pgx s3 file"`
	CacheTTL  time.Duration
	RecordKey string `validate:"required"`
	File      string
	S3Bucket  string
	S3Prefix  string
}

type Auth struct {
	JWKSURL    string
	ScopeClaim string
}

// Config is everything the server and worker need at startup.
type Config struct {
	Port      int `validate:"gte=1,lte=65535"`
	Debug     bool
	LogFormat string `validate:"oneof=text json"`
	Migrate   bool
	BodyLimit string

	AI AI

	RerankAdapter string `validate:"oneof=none rrf llm"`
	Tokenizer     string `validate:"oneof=o200k_base cl100k_base approx"`

	GraphBackend  string `validate:"oneof=pgx neo4j"`
	VectorBackend string `validate:"oneof=pgx qdrant"`
	KVBackend     string `validate:"oneof=pgx badger"`

	DatabaseURL string
	Neo4j       Neo4j
	Qdrant      Qdrant
	BadgerPath  string

	CacheBackend     string `validate:"oneof=memory redis"`
	RedisURL         string
	KeywordCacheTTL  time.Duration
	ResponseCacheTTL time.Duration

	Scope Scope
	Auth  Auth

	Query   query.Config
	Default query.Param
}

// Load reads the environment and validates the result.
func Load() (*Config, error) {
	cfg := &Config{
		Port:      util.GetEnvInt("PORT", 8080),
		Debug:     util.GetEnvBool("DEBUG", false),
		LogFormat: strings.ToLower(util.GetEnvString("LOG_FORMAT", "text")),
		Migrate:   util.GetEnvBool("MIGRATE", false),
		BodyLimit: util.GetEnvString("BODY_LIMIT", "2M"),

		AI: AI{
			Adapter:          util.GetEnvString("AI_ADAPTER", "openai"),
			ChatURL:          util.GetEnv("AI_CHAT_URL"),
			ChatKey:          util.GetEnv("AI_CHAT_KEY"),
			ChatModel:        util.GetEnv("AI_CHAT_MODEL"),
			EmbedURL:         util.GetEnv("AI_EMBED_URL"),
			EmbedKey:         util.GetEnv("AI_EMBED_KEY"),
			EmbedModel:       util.GetEnv("AI_EMBED_MODEL"),
			EmbedDim:         util.GetEnvInt("AI_EMBED_DIM", 0),
			ParallelRequests: util.GetEnvInt("AI_PARALLEL_REQ", 8),
			Timeout:          util.GetEnvDuration("AI_TIMEOUT", 2*time.Minute),
		},

		RerankAdapter: util.GetEnvString("RERANK_ADAPTER", "rrf"),
		Tokenizer:     util.GetEnvString("TOKENIZER", "o200k_base"),

		GraphBackend:  util.GetEnvString("GRAPH_BACKEND", "pgx"),
		VectorBackend: util.GetEnvString("VECTOR_BACKEND", "pgx"),
		KVBackend:     util.GetEnvString("KV_BACKEND", "pgx"),

		DatabaseURL: databaseURL(),
		Neo4j: Neo4j{
			URI:      util.GetEnv("NEO4J_URI"),
			User:     util.GetEnvString("NEO4J_USER", "neo4j"),
			Password: util.GetEnv("NEO4J_PASSWORD"),
			Database: util.GetEnv("NEO4J_DATABASE"),
		},
		Qdrant: Qdrant{
			Addr:             util.GetEnv("QDRANT_ADDR"),
			CollectionPrefix: util.GetEnv("QDRANT_COLLECTION_PREFIX"),
		},
		BadgerPath: util.GetEnv("BADGER_PATH"),

		CacheBackend:     util.GetEnvString("CACHE_BACKEND", "memory"),
		RedisURL:         util.GetEnv("REDIS_URL"),
		KeywordCacheTTL:  util.GetEnvDuration("KEYWORD_CACHE_TTL", 24*time.Hour),
		ResponseCacheTTL: util.GetEnvDuration("RESPONSE_CACHE_TTL", time.Hour),

		Scope: Scope{
			Backend:   util.GetEnvString("SCOPE_BACKEND", "pgx"),
			CacheTTL:  util.GetEnvDuration("SCOPE_CACHE_TTL", scope.DefaultTTL),
			RecordKey: util.GetEnvString("SCOPE_RECORD_KEY", scope.DefaultRecordKey),
			File:      util.GetEnv("SCOPE_FILE"),
			S3Bucket:  util.GetEnv("SCOPE_S3_BUCKET"),
			S3Prefix:  util.GetEnv("SCOPE_S3_PREFIX"),
		},
		Auth: Auth{
			JWKSURL:    util.GetEnv("AUTH_JWKS_URL"),
			ScopeClaim: util.GetEnvString("AUTH_SCOPE_CLAIM", "scope_token"),
		},
	}

	q := query.DefaultConfig()
	q.RelatedChunkNumber = util.GetEnvInt("RELATED_CHUNK_NUMBER", q.RelatedChunkNumber)
	q.ChunkSelection = util.GetEnvString("CHUNK_SELECTION", q.ChunkSelection)
	q.OverfetchMultiplier = util.GetEnvInt("OVERFETCH_MULTIPLIER", q.OverfetchMultiplier)
	q.MaxFilterIDs = util.GetEnvInt("MAX_FILTER_IDS", q.MaxFilterIDs)
	q.MaxPayloadBytes = util.GetEnvInt("MAX_PAYLOAD_BYTES", q.MaxPayloadBytes)
	q.CosineThreshold = util.GetEnvFloat("COSINE_THRESHOLD", q.CosineThreshold)
	q.RecordKey = cfg.Scope.RecordKey
	q.KeepUnattributed = util.GetEnvBool("KEEP_UNATTRIBUTED", q.KeepUnattributed)
	q.KeywordCacheTTL = cfg.KeywordCacheTTL
	q.ResponseCacheTTL = cfg.ResponseCacheTTL
	cfg.Query = q

	p := query.DefaultParam()
	p.TopK = util.GetEnvInt("TOP_K", p.TopK)
	p.ChunkTopK = util.GetEnvInt("CHUNK_TOP_K", p.ChunkTopK)
	p.MaxEntityTokens = util.GetEnvInt("MAX_ENTITY_TOKENS", p.MaxEntityTokens)
	p.MaxRelationTokens = util.GetEnvInt("MAX_RELATION_TOKENS", p.MaxRelationTokens)
	p.MaxTotalTokens = util.GetEnvInt("MAX_TOTAL_TOKENS", p.MaxTotalTokens)
	p.MinRerankScore = util.GetEnvFloat("MIN_RERANK_SCORE", p.MinRerankScore)
	p.EnableRerank = cfg.RerankAdapter != "none"
	cfg.Default = p

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// databaseURL prefers DATABASE_URL and falls back to the DATABASE_* parts.
func databaseURL() string {
	if u := util.GetEnv("DATABASE_URL"); u != "" {
		return u
	}
	host := util.GetEnv("DATABASE_HOST")
	if host == "" {
		return ""
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		util.GetEnvString("DATABASE_USER", "postgres"),
		util.GetEnv("DATABASE_PASSWORD"),
		host,
		util.GetEnvString("DATABASE_PORT", "5432"),
		util.GetEnvString("DATABASE_NAME", "kiwi"),
		util.GetEnvString("DATABASE_SSLMODE", "disable"),
	)
}

// UsesPostgres reports whether any backend needs a database connection.
func (c *Config) UsesPostgres() bool {
	return c.GraphBackend == "pgx" || c.VectorBackend == "pgx" || c.KVBackend == "pgx" || c.Scope.Backend == "pgx"
}

// Validate checks struct tags first and then the settings that depend on
// the chosen backends.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	var errs []error
	need := func(cond bool, name string) {
		if cond {
			errs = append(errs, fmt.Errorf("%s is required", name))
		}
	}
	need(c.UsesPostgres() && c.DatabaseURL == "", "DATABASE_URL")
	need(c.GraphBackend == "neo4j" && c.Neo4j.URI == "", "NEO4J_URI")
	need(c.VectorBackend == "qdrant" && c.Qdrant.Addr == "", "QDRANT_ADDR")
	need(c.KVBackend == "badger" && c.BadgerPath == "", "BADGER_PATH")
	need(c.CacheBackend == "redis" && c.RedisURL == "", "REDIS_URL")
	need(c.Scope.Backend == "file" && c.Scope.File == "", "SCOPE_FILE")
	need(c.Scope.Backend == "s3" && c.Scope.S3Bucket == "", "SCOPE_S3_BUCKET")
	need(c.AI.Adapter == "ollama" && c.AI.ChatURL == "", "AI_CHAT_URL")

	switch c.Query.ChunkSelection {
	case query.ChunkSelectionVector, query.ChunkSelectionWeight:
	default:
		errs = append(errs, fmt.Errorf("CHUNK_SELECTION must be %q or %q", query.ChunkSelectionVector, query.ChunkSelectionWeight))
	}
	if err := c.Default.Validate(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
