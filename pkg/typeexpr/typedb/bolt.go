package typedb

import (
	"context"
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"
)

var typesBucket = []byte("types")

// BoltStore is a DB backed by a single bbolt file, one bucket holding
// every registered type keyed by name with a JSON-marshalled Entry
// value, the same bucket-per-entity layout the rest of the engine
// uses for on-disk state.
type BoltStore struct {
	db *bbolt.DB
}

// OpenBoltStore opens (creating if necessary) a bbolt-backed type
// database at path.
func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open type database %q: %w", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(typesBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init type database buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Exists(_ context.Context, name string) (bool, error) {
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(typesBucket).Get([]byte(name))
		found = v != nil
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("check type %q: %w", name, err)
	}
	return found, nil
}

func (s *BoltStore) Get(_ context.Context, name string) (Entry, error) {
	var entry Entry
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(typesBucket).Get([]byte(name))
		if v == nil {
			return fmt.Errorf("get type %q: %w", name, ErrNotFound)
		}
		return json.Unmarshal(v, &entry)
	})
	if err != nil {
		return Entry{}, err
	}
	return entry, nil
}

func (s *BoltStore) Put(_ context.Context, name string, entry Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal type %q: %w", name, err)
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(typesBucket).Put([]byte(name), data)
	})
	if err != nil {
		return fmt.Errorf("put type %q: %w", name, err)
	}
	return nil
}

func (s *BoltStore) CommonAncestor(ctx context.Context, a, b string) (string, error) {
	return commonAncestor(ctx, s.Get, a, b)
}

func (s *BoltStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close type database: %w", err)
	}
	return nil
}
