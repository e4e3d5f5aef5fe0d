package pgx

import (
	"context"
	"fmt"
	"strings"

	"github.com/OFFIS-RIT/kiwi/retrieval/pkg/store"

	"github.com/pgvector/pgvector-go"
)

type metaColumn struct {
	name string
	expr string
}

type collectionSpec struct {
	table string
	id    string
	meta  []metaColumn
}

var collections = map[string]collectionSpec{
	store.EntitiesCollection: {
		table: "graph_entities",
		id:    "name",
		meta: []metaColumn{
			{name: "entity_name", expr: "name"},
			{name: "file_path", expr: "file_path"},
		},
	},
	store.RelationshipsCollection: {
		table: "graph_relationships",
		id:    "src || '<SEP>' || tgt",
		meta: []metaColumn{
			{name: "src_id", expr: "src"},
			{name: "tgt_id", expr: "tgt"},
			{name: "file_path", expr: "file_path"},
		},
	},
	store.ChunksCollection: {
		table: "passages",
		id:    "id",
		meta: []metaColumn{
			{name: "full_doc_id", expr: "doc_id"},
			{name: "owner_id", expr: "owner_id"},
			{name: "file_path", expr: "file_path"},
		},
	},
}

func lookupCollection(collection string) (collectionSpec, error) {
	spec, ok := collections[collection]
	if !ok {
		return collectionSpec{}, fmt.Errorf("unknown collection %q", collection)
	}
	return spec, nil
}

// selectColumns returns the metadata columns restricted to fields, in
// declaration order.
func (c collectionSpec) selectColumns(fields []string) []metaColumn {
	if len(fields) == 0 {
		return c.meta
	}
	want := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		want[f] = struct{}{}
	}
	out := make([]metaColumn, 0, len(fields))
	for _, m := range c.meta {
		if _, ok := want[m.name]; ok {
			out = append(out, m)
		}
	}
	return out
}

func (c collectionSpec) querySQL(cols []metaColumn, threshold bool) string {
	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(c.id)
	b.WriteString(" AS id, 1 - (embedding <=> $1) AS score")
	for _, m := range cols {
		b.WriteString(", coalesce(")
		b.WriteString(m.expr)
		b.WriteString(", '')")
	}
	b.WriteString(" FROM ")
	b.WriteString(c.table)
	b.WriteString(" WHERE embedding IS NOT NULL")
	if threshold {
		b.WriteString(" AND 1 - (embedding <=> $1) >= $3")
	}
	b.WriteString(" ORDER BY embedding <=> $1, id LIMIT $2")
	return b.String()
}

func (s *GraphDBStorage) Query(
	ctx context.Context,
	collection string,
	embedding []float32,
	topK int,
	opts ...store.QueryOption,
) ([]store.VectorHit, error) {
	spec, err := lookupCollection(collection)
	if err != nil {
		return nil, err
	}
	if topK <= 0 {
		return nil, nil
	}
	o := store.ApplyQueryOptions(opts...)
	cols := spec.selectColumns(o.Fields)

	args := []any{pgvector.NewVector(embedding), topK}
	if o.Threshold > 0 {
		args = append(args, o.Threshold)
	}

	rows, err := s.conn.Query(ctx, spec.querySQL(cols, o.Threshold > 0), args...)
	if err != nil {
		return nil, classifyError("vector query", err)
	}
	defer rows.Close()

	hits := make([]store.VectorHit, 0, topK)
	for rows.Next() {
		var hit store.VectorHit
		values := make([]string, len(cols))
		dest := make([]any, 0, len(cols)+2)
		dest = append(dest, &hit.ID, &hit.Score)
		for i := range values {
			dest = append(dest, &values[i])
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, classifyError("scan vector hit", err)
		}
		hit.Metadata = make(map[string]string, len(cols))
		for i, m := range cols {
			hit.Metadata[m.name] = values[i]
		}
		hits = append(hits, hit)
	}
	return hits, classifyError("vector query", rows.Err())
}

func (c collectionSpec) searchByIDsSQL() string {
	return fmt.Sprintf(
		`SELECT %[1]s AS id, 1 - (embedding <=> $1) AS score FROM %[2]s
WHERE embedding IS NOT NULL AND %[1]s = ANY($2::text[])
ORDER BY embedding <=> $1, id LIMIT $3`,
		c.id, c.table,
	)
}

// SearchByIDs ranks only the given ids server side and returns ids with
// scores.
func (s *GraphDBStorage) SearchByIDs(
	ctx context.Context,
	collection string,
	embedding []float32,
	ids []string,
	topK int,
) ([]store.ScoredID, error) {
	spec, err := lookupCollection(collection)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 || topK <= 0 {
		return nil, nil
	}
	if s.maxIDs > 0 && len(ids) > s.maxIDs {
		return nil, store.ErrPayloadTooLarge
	}

	rows, err := s.conn.Query(ctx, spec.searchByIDsSQL(), pgvector.NewVector(embedding), ids, topK)
	if err != nil {
		return nil, classifyError("filtered search", err)
	}
	defer rows.Close()

	out := make([]store.ScoredID, 0, min(topK, len(ids)))
	for rows.Next() {
		var r store.ScoredID
		if err := rows.Scan(&r.ID, &r.Score); err != nil {
			return nil, classifyError("scan filtered hit", err)
		}
		out = append(out, r)
	}
	return out, classifyError("filtered search", rows.Err())
}

func (c collectionSpec) fetchSQL() string {
	return fmt.Sprintf(
		`SELECT %[1]s AS id, embedding FROM %[2]s WHERE embedding IS NOT NULL AND %[1]s = ANY($1::text[])`,
		c.id, c.table,
	)
}

func (s *GraphDBStorage) FetchVectors(ctx context.Context, collection string, ids []string) (map[string][]float32, error) {
	spec, err := lookupCollection(collection)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]float32, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	if s.maxIDs > 0 && len(ids) > s.maxIDs {
		return nil, store.ErrPayloadTooLarge
	}

	rows, err := s.conn.Query(ctx, spec.fetchSQL(), ids)
	if err != nil {
		return nil, classifyError("fetch vectors", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id  string
			vec pgvector.Vector
		)
		if err := rows.Scan(&id, &vec); err != nil {
			return nil, classifyError("scan vector", err)
		}
		out[id] = vec.Slice()
	}
	return out, classifyError("fetch vectors", rows.Err())
}
