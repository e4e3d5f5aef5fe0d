package scope

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/OFFIS-RIT/kiwi/retrieval/pkg/logger"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/jackc/pgx/v5"
	"gopkg.in/yaml.v3"
)

// Source loads the record IDs authorized for a token. It returns
// ErrUnknownScope when the token does not exist.
type Source interface {
	Load(ctx context.Context, token string) ([]string, error)
}

// StaticSource serves a fixed map of tokens.
type StaticSource map[string][]string

func (s StaticSource) Load(ctx context.Context, token string) ([]string, error) {
	ids, ok := s[token]
	if !ok {
		return nil, ErrUnknownScope
	}
	return append([]string(nil), ids...), nil
}

type catalog struct {
	Scopes map[string][]string `yaml:"scopes"`
}

// FileSource reads a YAML catalog on every load:
//
//	scopes:
//	  partner-a: ["1", "2"]
type FileSource struct {
	Path string
}

func (f FileSource) Load(ctx context.Context, token string) ([]string, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scope file %s: %w", f.Path, err)
	}
	var c catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse scope file %s: %w", f.Path, err)
	}
	ids, ok := c.Scopes[token]
	if !ok {
		return nil, ErrUnknownScope
	}
	return ids, nil
}

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const loadScopeSQL = `
SELECT array_agg(record_id ORDER BY record_id)
FROM scope_records
WHERE scope_token = $1
`

// PgxSource reads the scope_records table.
type PgxSource struct {
	db rowQuerier
}

func NewPgxSource(db rowQuerier) *PgxSource {
	return &PgxSource{db: db}
}

func (p *PgxSource) Load(ctx context.Context, token string) ([]string, error) {
	var ids []string
	if err := p.db.QueryRow(ctx, loadScopeSQL, token).Scan(&ids); err != nil {
		return nil, fmt.Errorf("failed to load scope records: %w", err)
	}
	if len(ids) == 0 {
		return nil, ErrUnknownScope
	}
	return ids, nil
}

type objectGetter interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Source reads "<prefix>/<token>.yaml" from a bucket. The object is a YAML
// (or JSON) list of record IDs.
type S3Source struct {
	client objectGetter
	bucket string
	prefix string
}

func NewS3Source(client objectGetter, bucket, prefix string) *S3Source {
	return &S3Source{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

func (s *S3Source) key(token string) string {
	return path.Join(s.prefix, token+".yaml")
}

func (s *S3Source) Load(ctx context.Context, token string) ([]string, error) {
	if strings.ContainsAny(token, "/\\") {
		return nil, ErrUnknownScope
	}
	key := s.key(token)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, ErrUnknownScope
		}
		return nil, fmt.Errorf("failed to get scope object %s: %w", key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read scope object %s: %w", key, err)
	}
	var ids []string
	if err := yaml.Unmarshal(data, &ids); err != nil {
		return nil, fmt.Errorf("failed to parse scope object %s: %w", key, err)
	}
	logger.Debug("[Scope] loaded scope object", "key", key, "records", len(ids))
	return ids, nil
}
