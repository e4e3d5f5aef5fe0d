// Package neo4j implements store.GraphStore on Neo4j. Nodes carry the
// entity name in the entity_id property and share one workspace label.
package neo4j

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/OFFIS-RIT/kiwi/retrieval/internal/util"
	"github.com/OFFIS-RIT/kiwi/retrieval/pkg/common"
	"github.com/OFFIS-RIT/kiwi/retrieval/pkg/logger"
	"github.com/OFFIS-RIT/kiwi/retrieval/pkg/store"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

var labelPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

type readFunc func(ctx context.Context, cypher string, params map[string]any) ([]*neo4j.Record, error)

// GraphNeo4jStorage reads the knowledge graph from Neo4j.
type GraphNeo4jStorage struct {
	driver neo4j.DriverWithContext
	label  string
	read   readFunc
}

// NewGraphNeo4jStorageParams configures the connection.
type NewGraphNeo4jStorageParams struct {
	URI      string
	Username string
	Password string
	Database string
	// Label is the workspace label every node carries. Defaults to "base".
	Label string

	ConnectRetries int
}

// NewGraphNeo4jStorage connects to Neo4j and verifies connectivity with
// exponential backoff.
func NewGraphNeo4jStorage(ctx context.Context, params NewGraphNeo4jStorageParams) (*GraphNeo4jStorage, error) {
	label := params.Label
	if label == "" {
		label = "base"
	}
	if !labelPattern.MatchString(label) {
		return nil, fmt.Errorf("invalid neo4j label %q", label)
	}

	driver, err := neo4j.NewDriverWithContext(params.URI, neo4j.BasicAuth(params.Username, params.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}

	retries := params.ConnectRetries
	if retries <= 0 {
		retries = 5
	}
	_, err = util.RetryWithBackoff(ctx, retries, 100*time.Millisecond, func(ctx context.Context) (struct{}, error) {
		err := driver.VerifyConnectivity(ctx)
		if err != nil {
			logger.Warn("[Neo4j] connectivity check failed", "err", err)
		}
		return struct{}{}, err
	})
	if err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("connect neo4j: %w", err)
	}

	s := &GraphNeo4jStorage{driver: driver, label: label}
	database := params.Database
	s.read = func(ctx context.Context, cypher string, p map[string]any) ([]*neo4j.Record, error) {
		session := driver.NewSession(ctx, neo4j.SessionConfig{
			DatabaseName: database,
			AccessMode:   neo4j.AccessModeRead,
		})
		defer session.Close(ctx)

		res, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
			result, err := tx.Run(ctx, cypher, p)
			if err != nil {
				return nil, err
			}
			return result.Collect(ctx)
		})
		if err != nil {
			return nil, err
		}
		return res.([]*neo4j.Record), nil
	}
	return s, nil
}

// Close releases the driver.
func (s *GraphNeo4jStorage) Close(ctx context.Context) error {
	if s.driver == nil {
		return nil
	}
	return s.driver.Close(ctx)
}

var _ store.GraphStore = (*GraphNeo4jStorage)(nil)

func (s *GraphNeo4jStorage) cypher(format string) string {
	return fmt.Sprintf(format, "`"+s.label+"`")
}

const getNodesCypher = `
UNWIND $names AS name
MATCH (n:%[1]s {entity_id: name})
RETURN name, properties(n) AS props
`

func (s *GraphNeo4jStorage) GetNodes(ctx context.Context, names []string) (map[string]common.Entity, error) {
	out := make(map[string]common.Entity, len(names))
	if len(names) == 0 {
		return out, nil
	}
	records, err := s.read(ctx, s.cypher(getNodesCypher), map[string]any{"names": names})
	if err != nil {
		return nil, fmt.Errorf("neo4j get nodes: %w", err)
	}
	for _, rec := range records {
		name := asString(get(rec, "name"))
		props, _ := get(rec, "props").(map[string]any)
		out[name] = entityFromProps(name, props)
	}
	return out, nil
}

const nodeDegreesCypher = `
UNWIND $names AS name
MATCH (n:%[1]s {entity_id: name})
OPTIONAL MATCH (n)-[r]-()
RETURN name, count(r) AS degree
`

func (s *GraphNeo4jStorage) NodeDegrees(ctx context.Context, names []string) (map[string]int, error) {
	out := make(map[string]int, len(names))
	if len(names) == 0 {
		return out, nil
	}
	records, err := s.read(ctx, s.cypher(nodeDegreesCypher), map[string]any{"names": names})
	if err != nil {
		return nil, fmt.Errorf("neo4j node degrees: %w", err)
	}
	for _, rec := range records {
		out[asString(get(rec, "name"))] = int(asInt64(get(rec, "degree")))
	}
	return out, nil
}

const getEdgesCypher = `
UNWIND $pairs AS pair
MATCH (a:%[1]s {entity_id: pair.src})-[r]-(b:%[1]s {entity_id: pair.tgt})
WITH pair, r
LIMIT 100000
RETURN pair.src AS src, pair.tgt AS tgt, properties(r) AS props
`

func (s *GraphNeo4jStorage) GetEdges(ctx context.Context, keys []common.EdgeKey) (map[common.EdgeKey]common.Relation, error) {
	out := make(map[common.EdgeKey]common.Relation, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	requested := make(map[common.EdgeKey][]common.EdgeKey, len(keys))
	pairs := make([]map[string]any, 0, len(keys))
	for _, k := range keys {
		c := common.NewEdgeKey(k.Source, k.Target)
		if _, ok := requested[c]; !ok {
			pairs = append(pairs, map[string]any{"src": c.Source, "tgt": c.Target})
		}
		requested[c] = append(requested[c], k)
	}

	records, err := s.read(ctx, s.cypher(getEdgesCypher), map[string]any{"pairs": pairs})
	if err != nil {
		return nil, fmt.Errorf("neo4j get edges: %w", err)
	}
	for _, rec := range records {
		src := asString(get(rec, "src"))
		tgt := asString(get(rec, "tgt"))
		props, _ := get(rec, "props").(map[string]any)
		rel := relationFromProps(src, tgt, props)
		for _, k := range requested[rel.Key()] {
			if _, seen := out[k]; !seen {
				out[k] = rel
			}
		}
	}
	return out, nil
}

// EdgeDegrees is the sum of both endpoint degrees.
func (s *GraphNeo4jStorage) EdgeDegrees(ctx context.Context, keys []common.EdgeKey) (map[common.EdgeKey]int, error) {
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

const nodeEdgesCypher = `
UNWIND $names AS name
MATCH (n:%[1]s {entity_id: name})
OPTIONAL MATCH (n)-[]-(m:%[1]s)
WHERE m.entity_id IS NOT NULL
RETURN name, collect(DISTINCT m.entity_id) AS neighbours
`

func (s *GraphNeo4jStorage) NodeEdges(ctx context.Context, names []string) (map[string][]common.EdgeKey, error) {
	out := make(map[string][]common.EdgeKey, len(names))
	if len(names) == 0 {
		return out, nil
	}
	records, err := s.read(ctx, s.cypher(nodeEdgesCypher), map[string]any{"names": names})
	if err != nil {
		return nil, fmt.Errorf("neo4j node edges: %w", err)
	}
	for _, rec := range records {
		name := asString(get(rec, "name"))
		neighbours, _ := get(rec, "neighbours").([]any)
		seen := make(map[common.EdgeKey]struct{}, len(neighbours))
		for _, n := range neighbours {
			key := common.NewEdgeKey(name, asString(n))
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			out[name] = append(out[name], key)
		}
	}
	return out, nil
}
