package query

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/OFFIS-RIT/kiwi/retrieval/pkg/common"
	"github.com/OFFIS-RIT/kiwi/retrieval/pkg/tokenizer"
)

type entityRecord struct {
	ID          int    `json:"id,omitempty"`
	Entity      string `json:"entity"`
	Type        string `json:"type"`
	Description string `json:"description"`
	CreatedAt   string `json:"created_at"`
	FilePath    string `json:"file_path"`
}

type relationRecord struct {
	ID          int     `json:"id,omitempty"`
	Entity1     string  `json:"entity1"`
	Entity2     string  `json:"entity2"`
	Description string  `json:"description"`
	Keywords    string  `json:"keywords"`
	Weight      float64 `json:"weight"`
	CreatedAt   string  `json:"created_at"`
	FilePath    string  `json:"file_path"`
}

type passageRecord struct {
	ID       int    `json:"id,omitempty"`
	Content  string `json:"content"`
	FilePath string `json:"file_path"`
}

func formatCreatedAt(ts int64) string {
	if ts <= 0 {
		return ""
	}
	return time.Unix(ts, 0).UTC().Format(time.DateTime)
}

func compactJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}

func entityJSON(id int, e common.Entity) string {
	return compactJSON(entityRecord{
		ID:          id,
		Entity:      e.Name,
		Type:        e.Type,
		Description: e.Description,
		CreatedAt:   formatCreatedAt(e.CreatedAt),
		FilePath:    e.FilePath,
	})
}

func relationJSON(id int, r common.Relation) string {
	return compactJSON(relationRecord{
		ID:          id,
		Entity1:     r.Source,
		Entity2:     r.Target,
		Description: r.Description,
		Keywords:    strings.Join(r.Keywords, ", "),
		Weight:      r.Weight,
		CreatedAt:   formatCreatedAt(r.CreatedAt),
		FilePath:    r.FilePath,
	})
}

func passageJSON(id int, p common.Passage) string {
	return compactJSON(passageRecord{ID: id, Content: p.Content, FilePath: p.FilePath})
}

// TruncateByTokens keeps the longest prefix of items whose serialized token
// sum stays within ceiling.
func TruncateByTokens[T any](items []T, ceiling int, tok tokenizer.Tokenizer, serialize func(T) string) []T {
	if ceiling <= 0 || len(items) == 0 {
		return items[:0]
	}
	total := 0
	for i, item := range items {
		total += tok.Count(serialize(item))
		if total > ceiling {
			return items[:i]
		}
	}
	return items
}

func serializeEntity(e common.Entity) string     { return entityJSON(0, e) }
func serializeRelation(r common.Relation) string { return relationJSON(0, r) }
func serializePassage(p common.Passage) string   { return passageJSON(0, p) }

// TruncateEntities applies TruncateByTokens with the entity serialization.
func TruncateEntities(items []common.Entity, ceiling int, tok tokenizer.Tokenizer) []common.Entity {
	return TruncateByTokens(items, ceiling, tok, serializeEntity)
}

func TruncateRelations(items []common.Relation, ceiling int, tok tokenizer.Tokenizer) []common.Relation {
	return TruncateByTokens(items, ceiling, tok, serializeRelation)
}

func TruncatePassages(items []common.Passage, ceiling int, tok tokenizer.Tokenizer) []common.Passage {
	return TruncateByTokens(items, ceiling, tok, serializePassage)
}
