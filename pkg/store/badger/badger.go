// Package badger stores passages in an embedded Badger database. Values are
// msgpack encoded common.Passage records under the "passage:" prefix.
package badger

import (
	"context"
	"errors"
	"fmt"

	"github.com/OFFIS-RIT/kiwi/retrieval/pkg/common"
	"github.com/OFFIS-RIT/kiwi/retrieval/pkg/store"

	"github.com/dgraph-io/badger/v4"
	"github.com/vmihailenco/msgpack/v5"
)

const passagePrefix = "passage:"

// PassageStorage is a store.KVStore backed by Badger.
type PassageStorage struct {
	db *badger.DB
}

var _ store.KVStore = (*PassageStorage)(nil)

// Open opens (or creates) the database at path. An empty path opens an
// in-memory database.
func Open(path string) (*PassageStorage, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &PassageStorage{db: db}, nil
}

// Close flushes and closes the database.
func (s *PassageStorage) Close() error {
	return s.db.Close()
}

func passageKey(id string) []byte {
	return []byte(passagePrefix + id)
}

// PutPassages writes passages in a single write batch, replacing existing
// entries with the same ID.
func (s *PassageStorage) PutPassages(ctx context.Context, passages []common.Passage) error {
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()

	for _, p := range passages {
		if err := ctx.Err(); err != nil {
			return err
		}
		if p.ID == "" {
			return fmt.Errorf("passage without id")
		}
		data, err := msgpack.Marshal(&p)
		if err != nil {
			return fmt.Errorf("failed to encode passage %s: %w", p.ID, err)
		}
		if err := wb.Set(passageKey(p.ID), data); err != nil {
			return fmt.Errorf("failed to write passage %s: %w", p.ID, err)
		}
	}
	return wb.Flush()
}

func (s *PassageStorage) GetPassages(ctx context.Context, ids []string) ([]common.Passage, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	out := make([]common.Passage, 0, len(ids))
	err := s.db.View(func(txn *badger.Txn) error {
		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				return err
			}
			item, err := txn.Get(passageKey(id))
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			var p common.Passage
			if err := item.Value(func(val []byte) error {
				return msgpack.Unmarshal(val, &p)
			}); err != nil {
				return fmt.Errorf("failed to decode passage %s: %w", id, err)
			}
			if p.ID == "" {
				p.ID = id
			}
			out = append(out, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
