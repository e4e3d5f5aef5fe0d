package neo4j

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/OFFIS-RIT/kiwi/retrieval/pkg/common"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

func get(rec *neo4j.Record, key string) any {
	v, _ := rec.Get(key)
	return v
}

func asString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}

func asInt64(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	case string:
		n, _ := strconv.ParseInt(t, 10, 64)
		return n
	default:
		return 0
	}
}

func asFloat(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int64:
		return float64(t)
	case string:
		f, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}

// asList accepts native lists as well as FieldSep or comma joined strings.
func asList(v any, sep string) []string {
	switch t := v.(type) {
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s := strings.TrimSpace(asString(e)); s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		if sep == common.FieldSep {
			return common.SplitField(t)
		}
		var out []string
		for _, p := range strings.Split(t, sep) {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	default:
		return nil
	}
}

var knownEntityProps = map[string]struct{}{
	"entity_id": {}, "entity_type": {}, "description": {}, "source_id": {}, "file_path": {}, "created_at": {},
}

var knownRelationProps = map[string]struct{}{
	"weight": {}, "description": {}, "keywords": {}, "source_id": {}, "file_path": {}, "created_at": {},
}

func extra(props map[string]any, known map[string]struct{}) map[string]string {
	var out map[string]string
	for k, v := range props {
		if _, ok := known[k]; ok {
			continue
		}
		if s, ok := v.(string); ok {
			if out == nil {
				out = map[string]string{}
			}
			out[k] = s
		}
	}
	return out
}

func entityFromProps(name string, props map[string]any) common.Entity {
	return common.Entity{
		Name:        name,
		Type:        asString(props["entity_type"]),
		Description: asString(props["description"]),
		SourceIDs:   asList(props["source_id"], common.FieldSep),
		FilePath:    asString(props["file_path"]),
		CreatedAt:   asInt64(props["created_at"]),
		Extra:       extra(props, knownEntityProps),
	}
}

func relationFromProps(src, tgt string, props map[string]any) common.Relation {
	weight := 1.0
	if _, ok := props["weight"]; ok {
		weight = asFloat(props["weight"])
	}
	return common.Relation{
		Source:      src,
		Target:      tgt,
		Weight:      weight,
		Description: asString(props["description"]),
		Keywords:    asList(props["keywords"], ","),
		SourceIDs:   asList(props["source_id"], common.FieldSep),
		FilePath:    asString(props["file_path"]),
		CreatedAt:   asInt64(props["created_at"]),
		Extra:       extra(props, knownRelationProps),
	}
}
