package pgx

import (
	"context"

	"github.com/OFFIS-RIT/kiwi/retrieval/pkg/common"
	"github.com/OFFIS-RIT/kiwi/retrieval/pkg/store"
)

const getNodesSQL = `
SELECT name, entity_type, description, source_ids, file_path, created_at
FROM graph_entities
WHERE name = ANY($1::text[])
`

func (s *GraphDBStorage) GetNodes(ctx context.Context, names []string) (map[string]common.Entity, error) {
	out := make(map[string]common.Entity, len(names))
	if len(names) == 0 {
		return out, nil
	}

	rows, err := s.conn.Query(ctx, getNodesSQL, names)
	if err != nil {
		return nil, classifyError("get nodes", err)
	}
	defer rows.Close()

	for rows.Next() {
		var e common.Entity
		if err := rows.Scan(&e.Name, &e.Type, &e.Description, &e.SourceIDs, &e.FilePath, &e.CreatedAt); err != nil {
			return nil, classifyError("scan node", err)
		}
		out[e.Name] = e
	}
	return out, classifyError("get nodes", rows.Err())
}

const nodeDegreesSQL = `
SELECT n.name, count(r.src)::int
FROM unnest($1::text[]) AS n(name)
LEFT JOIN graph_relationships r ON r.src = n.name OR r.tgt = n.name
GROUP BY n.name
`

func (s *GraphDBStorage) NodeDegrees(ctx context.Context, names []string) (map[string]int, error) {
	out := make(map[string]int, len(names))
	if len(names) == 0 {
		return out, nil
	}

	rows, err := s.conn.Query(ctx, nodeDegreesSQL, names)
	if err != nil {
		return nil, classifyError("node degrees", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			name   string
			degree int
		)
		if err := rows.Scan(&name, &degree); err != nil {
			return nil, classifyError("scan node degree", err)
		}
		out[name] = degree
	}
	return out, classifyError("node degrees", rows.Err())
}

const getEdgesSQL = `
SELECT r.src, r.tgt, r.weight, r.description, r.keywords, r.source_ids, r.file_path, r.created_at
FROM graph_relationships r
JOIN unnest($1::text[], $2::text[]) AS k(src, tgt) ON r.src = k.src AND r.tgt = k.tgt
`

// splitKeys canonicalizes keys into parallel endpoint arrays and remembers
// which requested keys map to each canonical key.
func splitKeys(keys []common.EdgeKey) (srcs, tgts []string, requested map[common.EdgeKey][]common.EdgeKey) {
	requested = make(map[common.EdgeKey][]common.EdgeKey, len(keys))
	for _, k := range keys {
		c := common.NewEdgeKey(k.Source, k.Target)
		if _, ok := requested[c]; !ok {
			srcs = append(srcs, c.Source)
			tgts = append(tgts, c.Target)
		}
		requested[c] = append(requested[c], k)
	}
	return srcs, tgts, requested
}

func (s *GraphDBStorage) GetEdges(ctx context.Context, keys []common.EdgeKey) (map[common.EdgeKey]common.Relation, error) {
	out := make(map[common.EdgeKey]common.Relation, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	srcs, tgts, requested := splitKeys(keys)

	rows, err := s.conn.Query(ctx, getEdgesSQL, srcs, tgts)
	if err != nil {
		return nil, classifyError("get edges", err)
	}
	defer rows.Close()

	for rows.Next() {
		var r common.Relation
		if err := rows.Scan(&r.Source, &r.Target, &r.Weight, &r.Description, &r.Keywords, &r.SourceIDs, &r.FilePath, &r.CreatedAt); err != nil {
			return nil, classifyError("scan edge", err)
		}
		for _, k := range requested[r.Key()] {
			out[k] = r
		}
	}
	return out, classifyError("get edges", rows.Err())
}

// EdgeDegrees is the sum of both endpoint degrees.
func (s *GraphDBStorage) EdgeDegrees(ctx context.Context, keys []common.EdgeKey) (map[common.EdgeKey]int, error) {
	out := make(map[common.EdgeKey]int, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	names := make([]string, 0, len(keys)*2)
	for _, k := range keys {
		names = append(names, k.Source, k.Target)
	}
	degrees, err := s.NodeDegrees(ctx, store.DedupeStrings(names))
	if err != nil {
		return nil, err
	}
	for _, k := range keys {
		out[k] = degrees[k.Source] + degrees[k.Target]
	}
	return out, nil
}

const nodeEdgesSQL = `
SELECT src, tgt
FROM graph_relationships
WHERE src = ANY($1::text[]) OR tgt = ANY($1::text[])
ORDER BY src, tgt
`

func (s *GraphDBStorage) NodeEdges(ctx context.Context, names []string) (map[string][]common.EdgeKey, error) {
	out := make(map[string][]common.EdgeKey, len(names))
	if len(names) == 0 {
		return out, nil
	}
	wanted := make(map[string]struct{}, len(names))
	for _, n := range names {
		wanted[n] = struct{}{}
	}

	rows, err := s.conn.Query(ctx, nodeEdgesSQL, names)
	if err != nil {
		return nil, classifyError("node edges", err)
	}
	defer rows.Close()

	for rows.Next() {
		var src, tgt string
		if err := rows.Scan(&src, &tgt); err != nil {
			return nil, classifyError("scan node edge", err)
		}
		key := common.NewEdgeKey(src, tgt)
		if _, ok := wanted[src]; ok {
			out[src] = append(out[src], key)
		}
		if _, ok := wanted[tgt]; ok && tgt != src {
			out[tgt] = append(out[tgt], key)
		}
	}
	return out, classifyError("node edges", rows.Err())
}
