package common

import "strings"

// FieldSep joins multiple values stored in a single graph field, for example
// the source ids or file paths of an entity that was extracted from several
// documents.
const FieldSep = "<SEP>"

// Entity is a node of the knowledge graph as seen by the query pipeline.
// Entities are produced upstream by ingestion and are read-only here.
//
// Name is the identity key and is unique within a workspace. SourceIDs holds
// the ordered passage ids the entity was extracted from. FilePath carries one
// provenance marker per source document, joined by FieldSep.
type Entity struct {
	Name        string            `json:"entity_name" msgpack:"name"`
	Type        string            `json:"entity_type" msgpack:"type"`
	Description string            `json:"description" msgpack:"description"`
	SourceIDs   []string          `json:"source_ids" msgpack:"source_ids"`
	FilePath    string            `json:"file_path" msgpack:"file_path"`
	CreatedAt   int64             `json:"created_at" msgpack:"created_at"`
	Rank        int               `json:"rank" msgpack:"rank"`
	Extra       map[string]string `json:"extra,omitempty" msgpack:"extra,omitempty"`
}

// EdgeKey identifies a relation by its endpoints. Keys built with NewEdgeKey
// are canonical, so (A,B) and (B,A) compare equal.
type EdgeKey struct {
	Source string `json:"src"`
	Target string `json:"tgt"`
}

// NewEdgeKey returns the canonical key for the unordered pair a, b.
func NewEdgeKey(a, b string) EdgeKey {
	if b < a {
		a, b = b, a
	}
	return EdgeKey{Source: a, Target: b}
}

func (k EdgeKey) String() string {
	return k.Source + FieldSep + k.Target
}

// Relation is an edge between two entities. Weight accumulates importance
// over every extraction that produced the edge.
type Relation struct {
	Source      string            `json:"src_id" msgpack:"src"`
	Target      string            `json:"tgt_id" msgpack:"tgt"`
	Weight      float64           `json:"weight" msgpack:"weight"`
	Description string            `json:"description" msgpack:"description"`
	Keywords    []string          `json:"keywords" msgpack:"keywords"`
	SourceIDs   []string          `json:"source_ids" msgpack:"source_ids"`
	FilePath    string            `json:"file_path" msgpack:"file_path"`
	CreatedAt   int64             `json:"created_at" msgpack:"created_at"`
	Rank        int               `json:"rank" msgpack:"rank"`
	Extra       map[string]string `json:"extra,omitempty" msgpack:"extra,omitempty"`
}

// Key returns the canonical identity of the relation.
func (r Relation) Key() EdgeKey {
	return NewEdgeKey(r.Source, r.Target)
}

// Passage is a chunk of a source document. OwnerID is the owning record the
// parent document belongs to and is what scope checks are made against.
type Passage struct {
	ID       string            `json:"id" msgpack:"id"`
	Content  string            `json:"content" msgpack:"content"`
	DocID    string            `json:"full_doc_id" msgpack:"doc_id"`
	Order    int               `json:"chunk_order_index" msgpack:"order"`
	Tokens   int               `json:"tokens" msgpack:"tokens"`
	OwnerID  string            `json:"owner_id,omitempty" msgpack:"owner_id"`
	FilePath string            `json:"file_path" msgpack:"file_path"`
	Extra    map[string]string `json:"extra,omitempty" msgpack:"extra,omitempty"`
}

// SplitField splits a FieldSep joined value. Blank segments are dropped.
func SplitField(value string) []string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	parts := strings.Split(value, FieldSep)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

// JoinField is the inverse of SplitField.
func JoinField(values []string) string {
	return strings.Join(values, FieldSep)
}
