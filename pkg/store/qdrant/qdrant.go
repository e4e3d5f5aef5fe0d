// Package qdrant implements the vector store interfaces on Qdrant's gRPC API.
package qdrant

import (
	"context"
	"errors"
	"fmt"

	"github.com/OFFIS-RIT/kiwi/retrieval/pkg/store"

	"github.com/google/uuid"
	qpb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

// IDField is the payload field holding the original record id. Point ids
// are UUIDv5 values derived from it.
const IDField = "id"

// Store serves VectorStore, FilteredSearcher and VectorFetcher from Qdrant.
// Each logical collection maps to "<prefix><collection>".
type Store struct {
	points qpb.PointsClient
	prefix string
	maxIDs int
}

type Option func(*Store)

// WithCollectionPrefix namespaces the three collections, e.g. per workspace.
func WithCollectionPrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = prefix
	}
}

// WithMaxFilterIDs rejects filtered searches and fetches above n ids with
// store.ErrPayloadTooLarge before sending them.
func WithMaxFilterIDs(n int) Option {
	return func(s *Store) {
		s.maxIDs = n
	}
}

// Dial opens an insecure gRPC connection to addr (host:6334).
func Dial(addr string) (*grpc.ClientConn, error) {
	return grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
}

func New(conn grpc.ClientConnInterface, opts ...Option) *Store {
	return NewWithPointsClient(qpb.NewPointsClient(conn), opts...)
}

// NewWithPointsClient wraps an existing points client.
func NewWithPointsClient(points qpb.PointsClient, opts ...Option) *Store {
	s := &Store{points: points}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

var (
	_ store.VectorStore      = (*Store)(nil)
	_ store.FilteredSearcher = (*Store)(nil)
	_ store.VectorFetcher    = (*Store)(nil)
)

// PointID returns the deterministic point id of a record id.
func PointID(collection, id string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(collection+"/"+id)).String()
}

func (s *Store) collectionName(collection string) string {
	return s.prefix + collection
}

func pointIDs(collection string, ids []string) []*qpb.PointId {
	out := make([]*qpb.PointId, len(ids))
	for i, id := range ids {
		out[i] = &qpb.PointId{PointIdOptions: &qpb.PointId_Uuid{Uuid: PointID(collection, id)}}
	}
	return out
}

func payloadSelector(fields []string) *qpb.WithPayloadSelector {
	if len(fields) == 0 {
		return &qpb.WithPayloadSelector{SelectorOptions: &qpb.WithPayloadSelector_Enable{Enable: true}}
	}
	include := append([]string{IDField}, fields...)
	return &qpb.WithPayloadSelector{
		SelectorOptions: &qpb.WithPayloadSelector_Include{
			Include: &qpb.PayloadIncludeSelector{Fields: include},
		},
	}
}

// payloadString renders scalar payload values; other kinds are skipped.
func payloadString(v *qpb.Value) (string, bool) {
	switch k := v.GetKind().(type) {
	case *qpb.Value_StringValue:
		return k.StringValue, true
	case *qpb.Value_IntegerValue:
		return fmt.Sprintf("%d", k.IntegerValue), true
	case *qpb.Value_DoubleValue:
		return fmt.Sprintf("%g", k.DoubleValue), true
	case *qpb.Value_BoolValue:
		return fmt.Sprintf("%t", k.BoolValue), true
	default:
		return "", false
	}
}

func recordID(payload map[string]*qpb.Value, point *qpb.PointId) string {
	if v, ok := payloadString(payload[IDField]); ok && v != "" {
		return v
	}
	return point.GetUuid()
}

func classifyError(op string, err error) error {
	if err == nil {
		return nil
	}
	if status.Code(err) == codes.ResourceExhausted {
		return fmt.Errorf("%s: %w: %s", op, store.ErrPayloadTooLarge, status.Convert(err).Message())
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (s *Store) Query(
	ctx context.Context,
	collection string,
	embedding []float32,
	topK int,
	opts ...store.QueryOption,
) ([]store.VectorHit, error) {
	if topK <= 0 {
		return nil, nil
	}
	o := store.ApplyQueryOptions(opts...)

	req := &qpb.SearchPoints{
		CollectionName: s.collectionName(collection),
		Vector:         embedding,
		Limit:          uint64(topK),
		WithPayload:    payloadSelector(o.Fields),
	}
	if o.Threshold > 0 {
		threshold := float32(o.Threshold)
		req.ScoreThreshold = &threshold
	}

	resp, err := s.points.Search(ctx, req)
	if err != nil {
		return nil, classifyError("qdrant search", err)
	}

	hits := make([]store.VectorHit, 0, len(resp.GetResult()))
	for _, p := range resp.GetResult() {
		md := make(map[string]string, len(p.GetPayload()))
		for k, v := range p.GetPayload() {
			if k == IDField {
				continue
			}
			if sv, ok := payloadString(v); ok {
				md[k] = sv
			}
		}
		hits = append(hits, store.VectorHit{
			ID:       recordID(p.GetPayload(), p.GetId()),
			Score:    float64(p.GetScore()),
			Metadata: md,
		})
	}
	return hits, nil
}

func (s *Store) SearchByIDs(
	ctx context.Context,
	collection string,
	embedding []float32,
	ids []string,
	topK int,
) ([]store.ScoredID, error) {
	if len(ids) == 0 || topK <= 0 {
		return nil, nil
	}
	if s.maxIDs > 0 && len(ids) > s.maxIDs {
		return nil, store.ErrPayloadTooLarge
	}

	resp, err := s.points.Search(ctx, &qpb.SearchPoints{
		CollectionName: s.collectionName(collection),
		Vector:         embedding,
		Limit:          uint64(topK),
		WithPayload:    payloadSelector([]string{IDField}),
		Filter: &qpb.Filter{
			Must: []*qpb.Condition{{
				ConditionOneOf: &qpb.Condition_HasId{
					HasId: &qpb.HasIdCondition{HasId: pointIDs(collection, ids)},
				},
			}},
		},
	})
	if err != nil {
		return nil, classifyError("qdrant filtered search", err)
	}

	out := make([]store.ScoredID, 0, len(resp.GetResult()))
	for _, p := range resp.GetResult() {
		out = append(out, store.ScoredID{
			ID:    recordID(p.GetPayload(), p.GetId()),
			Score: float64(p.GetScore()),
		})
	}
	return out, nil
}

func denseVector(v *qpb.VectorsOutput) []float32 {
	out := v.GetVector()
	if out == nil {
		return nil
	}
	if dense := out.GetDense(); dense != nil {
		return dense.GetData()
	}
	return out.GetData()
}

func (s *Store) FetchVectors(ctx context.Context, collection string, ids []string) (map[string][]float32, error) {
	out := make(map[string][]float32, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	if s.maxIDs > 0 && len(ids) > s.maxIDs {
		return nil, store.ErrPayloadTooLarge
	}

	resp, err := s.points.Get(ctx, &qpb.GetPoints{
		CollectionName: s.collectionName(collection),
		Ids:            pointIDs(collection, ids),
		WithPayload:    payloadSelector([]string{IDField}),
		WithVectors:    &qpb.WithVectorsSelector{SelectorOptions: &qpb.WithVectorsSelector_Enable{Enable: true}},
	})
	if err != nil {
		return nil, classifyError("qdrant get", err)
	}

	for _, p := range resp.GetResult() {
		vec := denseVector(p.GetVectors())
		if vec == nil {
			continue
		}
		out[recordID(p.GetPayload(), p.GetId())] = vec
	}
	if len(out) == 0 && len(resp.GetResult()) > 0 {
		return nil, errors.New("qdrant get: points returned without vectors")
	}
	return out, nil
}
