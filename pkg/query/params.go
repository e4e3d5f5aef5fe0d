package query

import (
	"fmt"
	"strings"
	"time"

	"github.com/OFFIS-RIT/kiwi/retrieval/pkg/ai"
	"github.com/OFFIS-RIT/kiwi/retrieval/pkg/scope"
)

// Mode selects which retrieval branches run for a query.
type Mode string

const (
	ModeLocal  Mode = "local"
	ModeGlobal Mode = "global"
	ModeHybrid Mode = "hybrid"
	ModeMix    Mode = "mix"
	ModeNaive  Mode = "naive"
	ModeBypass Mode = "bypass"
)

// ParseMode validates s. An empty string selects ModeMix.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ModeMix, nil
	case ModeLocal, ModeGlobal, ModeHybrid, ModeMix, ModeNaive, ModeBypass:
		return m, nil
	default:
		return "", fmt.Errorf("%w: unknown mode %q", ErrInvalidParam, s)
	}
}

// Capabilities lists the retrieval branches a mode enables. Entities runs
// the entity-first (local) branch, Relations the relation-first (global)
// branch and Passages the direct passage search.
type Capabilities struct {
	Entities  bool
	Relations bool
	Passages  bool
}

func (m Mode) Capabilities() Capabilities {
	switch m {
	case ModeLocal:
		return Capabilities{Entities: true}
	case ModeGlobal:
		return Capabilities{Relations: true}
	case ModeHybrid:
		return Capabilities{Entities: true, Relations: true}
	case ModeMix:
		return Capabilities{Entities: true, Relations: true, Passages: true}
	case ModeNaive:
		return Capabilities{Passages: true}
	default:
		return Capabilities{}
	}
}

func (c Capabilities) graph() bool {
	return c.Entities || c.Relations
}

// Param holds the per-query settings.
type Param struct {
	Mode Mode `json:"mode"`

	TopK      int `json:"top_k"`
	ChunkTopK int `json:"chunk_top_k"`

	MaxEntityTokens   int `json:"max_entity_tokens"`
	MaxRelationTokens int `json:"max_relation_tokens"`
	MaxTotalTokens    int `json:"max_total_tokens"`

	EnableRerank   bool    `json:"enable_rerank"`
	MinRerankScore float64 `json:"min_rerank_score"`

	HLKeywords []string `json:"hl_keywords,omitempty"`
	LLKeywords []string `json:"ll_keywords,omitempty"`

	History []ai.ChatMessage `json:"conversation_history,omitempty"`
	// HistoryTurns keeps the last n user/assistant turns. Zero keeps all.
	HistoryTurns int `json:"history_turns"`

	// Scope is the scope token. Empty means unscoped.
	Scope string `json:"scope,omitempty"`

	OnlyNeedContext bool   `json:"only_need_context"`
	OnlyNeedPrompt  bool   `json:"only_need_prompt"`
	ResponseType    string `json:"response_type"`
	UserPrompt      string `json:"user_prompt,omitempty"`
}

// DefaultParam returns the defaults the HTTP layer starts from.
func DefaultParam() Param {
	return Param{
		Mode:              ModeMix,
		TopK:              40,
		ChunkTopK:         20,
		MaxEntityTokens:   6000,
		MaxRelationTokens: 8000,
		MaxTotalTokens:    30000,
		EnableRerank:      true,
		ResponseType:      "Multiple Paragraphs",
	}
}

// Validate checks the numeric bounds.
func (p Param) Validate() error {
	if _, err := ParseMode(string(p.Mode)); err != nil {
		return err
	}
	switch {
	case p.TopK <= 0:
		return fmt.Errorf("%w: top_k must be positive", ErrInvalidParam)
	case p.ChunkTopK <= 0:
		return fmt.Errorf("%w: chunk_top_k must be positive", ErrInvalidParam)
	case p.MaxEntityTokens < 0 || p.MaxRelationTokens < 0:
		return fmt.Errorf("%w: token ceilings must not be negative", ErrInvalidParam)
	case p.MaxTotalTokens <= 0:
		return fmt.Errorf("%w: max_total_tokens must be positive", ErrInvalidParam)
	case p.MinRerankScore < 0 || p.MinRerankScore > 1:
		return fmt.Errorf("%w: min_rerank_score must be within [0, 1]", ErrInvalidParam)
	case p.HistoryTurns < 0:
		return fmt.Errorf("%w: history_turns must not be negative", ErrInvalidParam)
	}
	return nil
}

// history returns the conversation limited to HistoryTurns.
func (p Param) history() []ai.ChatMessage {
	if p.HistoryTurns <= 0 || len(p.History) <= p.HistoryTurns*2 {
		return p.History
	}
	return p.History[len(p.History)-p.HistoryTurns*2:]
}

// Chunk selection methods.
const (
	ChunkSelectionVector = "vector"
	ChunkSelectionWeight = "weight"
)

// Config holds engine-wide settings that do not change per query.
type Config struct {
	// RelatedChunkNumber is the per-item chunk budget for chunk selection.
	RelatedChunkNumber int
	ChunkSelection     string
	// OverfetchMultiplier scales every vector ceiling while a scope is active.
	OverfetchMultiplier int
	MaxFilterIDs        int
	MaxPayloadBytes     int
	FilterConcurrency   int
	// CosineThreshold drops vector hits below the score. Zero disables it.
	CosineThreshold float64

	RecordKey        string
	KeepUnattributed bool

	KeywordCacheTTL  time.Duration
	ResponseCacheTTL time.Duration

	SafetyMargin int
}

func DefaultConfig() Config {
	return Config{
		RelatedChunkNumber:  5,
		ChunkSelection:      ChunkSelectionVector,
		OverfetchMultiplier: 3,
		MaxFilterIDs:        1000,
		MaxPayloadBytes:     4 << 20,
		FilterConcurrency:   4,
		RecordKey:           scope.DefaultRecordKey,
		KeepUnattributed:    true,
		KeywordCacheTTL:     24 * time.Hour,
		ResponseCacheTTL:    time.Hour,
		SafetyMargin:        200,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.RelatedChunkNumber <= 0 {
		c.RelatedChunkNumber = d.RelatedChunkNumber
	}
	if c.ChunkSelection == "" {
		c.ChunkSelection = d.ChunkSelection
	}
	if c.OverfetchMultiplier <= 0 {
		c.OverfetchMultiplier = d.OverfetchMultiplier
	}
	if c.MaxFilterIDs <= 0 {
		c.MaxFilterIDs = d.MaxFilterIDs
	}
	if c.MaxPayloadBytes <= 0 {
		c.MaxPayloadBytes = d.MaxPayloadBytes
	}
	if c.FilterConcurrency <= 0 {
		c.FilterConcurrency = d.FilterConcurrency
	}
	if c.RecordKey == "" {
		c.RecordKey = d.RecordKey
	}
	if c.SafetyMargin < 0 {
		c.SafetyMargin = 0
	}
	return c
}
