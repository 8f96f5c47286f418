// Package storage persists JSON entities in badger under a key prefix.
package storage

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"os"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

// ErrNotFound is returned by Get when no entity has the requested id.
var ErrNotFound = stderrors.New("entity not found")

// Entity is any storable value with an ID.
type Entity interface {
	GetID() string
}

// Open opens (creating if needed) the badger database at path. An empty
// path opens an in-memory database.
func Open(path string, logger *zap.Logger) (*badger.DB, error) {
	opts := badger.DefaultOptions(path)
	if path == "" {
		opts = opts.WithInMemory(true)
	} else if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	opts = opts.WithLogger(badgerLogger{logger.Named("badger").Sugar()})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening database %s: %w", path, err)
	}
	return db, nil
}

// badgerLogger routes badger's internal logging through zap.
type badgerLogger struct {
	*zap.SugaredLogger
}

func (l badgerLogger) Warningf(format string, args ...any) {
	l.Warnf(format, args...)
}

// BadgerStore stores entities as encoded JSON under "<prefix>:<id>".
type BadgerStore struct {
	db     *badger.DB
	prefix string
	codec  Codec
}

// NewBadgerStore returns a store for one entity kind. A nil codec stores
// plain JSON.
func NewBadgerStore(db *badger.DB, prefix string, codec Codec) *BadgerStore {
	if codec == nil {
		codec = PlainCodec{}
	}
	return &BadgerStore{
		db:     db,
		prefix: prefix,
		codec:  codec,
	}
}

func (s *BadgerStore) makeKey(id string) []byte {
	return []byte(s.prefix + ":" + id)
}

// Put creates or replaces an entity.
func (s *BadgerStore) Put(entity Entity) error {
	if entity.GetID() == "" {
		return fmt.Errorf("entity ID cannot be empty")
	}

	data, err := json.Marshal(entity)
	if err != nil {
		return fmt.Errorf("marshaling entity: %w", err)
	}
	value, err := s.codec.Encode(data)
	if err != nil {
		return fmt.Errorf("encoding entity: %w", err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(s.makeKey(entity.GetID()), value)
	})
}

// Get loads the entity with id into entity.
func (s *BadgerStore) Get(id string, entity Entity) error {
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(s.makeKey(id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return s.unmarshal(val, entity)
		})
	})

	if stderrors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return err
}

// Each decodes every entity under the prefix in key order and passes the
// raw JSON to fn. Iteration stops at the first error fn returns.
func (s *BadgerStore) Each(fn func(data []byte) error) error {
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(s.prefix + ":")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				data, err := s.codec.Decode(val)
				if err != nil {
					return err
				}
				return fn(data)
			})
			if err != nil {
				return err
			}
		}
		return nil
	})

	if err != nil {
		return fmt.Errorf("listing entities: %w", err)
	}
	return nil
}

func (s *BadgerStore) unmarshal(val []byte, entity Entity) error {
	data, err := s.codec.Decode(val)
	if err != nil {
		return fmt.Errorf("decoding entity: %w", err)
	}
	return json.Unmarshal(data, entity)
}
