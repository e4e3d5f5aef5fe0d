package pgx

import (
	"context"

	"github.com/OFFIS-RIT/kiwi/retrieval/pkg/common"
)

const getPassagesSQL = `
SELECT id, content, doc_id, chunk_order, tokens, owner_id, file_path
FROM passages
WHERE id = ANY($1::text[])
`

func (s *GraphDBStorage) GetPassages(ctx context.Context, ids []string) ([]common.Passage, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	rows, err := s.conn.Query(ctx, getPassagesSQL, ids)
	if err != nil {
		return nil, classifyError("get passages", err)
	}
	defer rows.Close()

	byID := make(map[string]common.Passage, len(ids))
	for rows.Next() {
		var p common.Passage
		if err := rows.Scan(&p.ID, &p.Content, &p.DocID, &p.Order, &p.Tokens, &p.OwnerID, &p.FilePath); err != nil {
			return nil, classifyError("scan passage", err)
		}
		byID[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, classifyError("get passages", err)
	}

	out := make([]common.Passage, 0, len(byID))
	for _, id := range ids {
		if p, ok := byID[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}
