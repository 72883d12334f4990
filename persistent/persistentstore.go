package persistent

import (
	"fmt"

	"github.com/boltdb/bolt"
	"github.com/neo4j/neo4j-sub258/common"
)

var stateBucketName = []byte("state")

// PStore is a small bolt-backed key/value store for member state.
type PStore struct {
	db *bolt.DB
}

func NewPStore(dataBaseFilePath string) (PStore, error) {
	db, err := bolt.Open(dataBaseFilePath, 0600, nil)
	if err != nil {
		return PStore{}, err
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(stateBucketName)
		return err
	})
	if err != nil {
		db.Close()
		return PStore{}, err
	}

	return PStore{
		db: db,
	}, nil
}

func (store PStore) Set(key, value []byte) error {
	return store.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(stateBucketName)
		return bucket.Put(key, value)
	})
}

func (store PStore) Get(key []byte) ([]byte, error) {
	var val []byte
	err := store.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(stateBucketName)
		v := bucket.Get(key)
		if v == nil {
			return fmt.Errorf("key %q: %w", key, common.ErrNotFound)
		}
		val = append([]byte(nil), v...)
		return nil
	})
	return val, err
}

// GetDefault returns the value under key, storing defaultVal first when
// there is none.
func (store PStore) GetDefault(key []byte, defaultVal []byte) ([]byte, error) {
	var val []byte
	err := store.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(stateBucketName)
		v := bucket.Get(key)
		if v == nil {
			val = defaultVal
			return bucket.Put(key, defaultVal)
		}
		val = append([]byte(nil), v...)
		return nil
	})
	return val, err
}

func (store PStore) Close() error {
	return store.db.Close()
}

// BoltStateStorage persists one value of type T under a key of a PStore.
// A bolt transaction either commits completely or not at all, so a crash
// during Persist leaves the previous value in place.
type BoltStateStorage[T any] struct {
	store   PStore
	key     []byte
	initial T
}

var _ common.StateStorage[int64] = &BoltStateStorage[int64]{}

// OpenBoltStateStorage opens (or creates) the state file at path. initial is
// returned by InitialState until a value has been persisted.
func OpenBoltStateStorage[T any](path, name string, initial T) (*BoltStateStorage[T], error) {
	store, err := NewPStore(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s state: %w", name, err)
	}
	return &BoltStateStorage[T]{store: store, key: []byte(name), initial: initial}, nil
}

func (s *BoltStateStorage[T]) InitialState() (T, error) {
	defaultVal, err := EncodeToBytes(s.initial)
	if err != nil {
		return s.initial, err
	}
	val, err := s.store.GetDefault(s.key, defaultVal)
	if err != nil {
		return s.initial, err
	}
	return DecodeFromBytes[T](val)
}

func (s *BoltStateStorage[T]) Persist(value T) error {
	val, err := EncodeToBytes(value)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", s.key, err)
	}
	return s.store.Set(s.key, val)
}

func (s *BoltStateStorage[T]) Close() error {
	return s.store.Close()
}
