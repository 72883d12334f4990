package persistent

// Bolt is a pure Go key/value store that doesn't require a full database server such as Postgres or MySQL
import (
	"errors"
	"fmt"
	"sync"

	"github.com/boltdb/bolt"
	"github.com/neo4j/neo4j-sub258/common"
	"github.com/neo4j/neo4j-sub258/marshal"
)

var (
	logsBucketName = []byte("logs")
	metaBucketName = []byte("meta")
	prevIndexKey   = []byte("prevIndex")
	prevTermKey    = []byte("prevTerm")
)

// BoltLog is a RaftLog backed by a Bolt DB. Every mutation is a single
// bolt transaction, so it is durable once the call returns.
type BoltLog struct {
	db       *bolt.DB
	registry *marshal.Registry

	mu          sync.RWMutex
	appendIndex int64
	prevIndex   int64
	prevTerm    int64
}

var _ common.RaftLog = &BoltLog{}

func OpenBoltLog(dataBaseFilePath string, registry *marshal.Registry) (*BoltLog, error) {
	// Open the .db data file in your current directory.
	// It will be created if it doesn't exist.
	db, err := bolt.Open(dataBaseFilePath, 0600, nil)
	if err != nil {
		return nil, err
	}

	log := &BoltLog{db: db, registry: registry, appendIndex: -1, prevIndex: -1, prevTerm: -1}
	err = db.Update(func(tx *bolt.Tx) error {
		logs, err := tx.CreateBucketIfNotExists(logsBucketName)
		if err != nil {
			return err
		}
		meta, err := tx.CreateBucketIfNotExists(metaBucketName)
		if err != nil {
			return err
		}
		if v := meta.Get(prevIndexKey); v != nil {
			log.prevIndex = bytesToInt64(v)
			log.prevTerm = bytesToInt64(meta.Get(prevTermKey))
		}
		log.appendIndex = log.prevIndex
		if k, _ := logs.Cursor().Last(); k != nil {
			log.appendIndex = bytesToInt64(k)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return log, nil
}

func (d *BoltLog) Append(entries ...common.LogEntry) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(entries) == 0 {
		return d.appendIndex, nil
	}
	next := d.appendIndex + 1
	err := d.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(logsBucketName)
		for i, entry := range entries {
			val, err := encodeEntry(d.registry, entry)
			if err != nil {
				return err
			}
			if err := bucket.Put(int64ToBytes(next+int64(i)), val); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return d.appendIndex, fmt.Errorf("appending %d entries at %d: %w", len(entries), next, err)
	}
	d.appendIndex = next + int64(len(entries)) - 1
	return d.appendIndex, nil
}

func (d *BoltLog) Truncate(fromIndex int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if fromIndex < 0 || fromIndex > d.appendIndex+1 {
		return fmt.Errorf("cannot truncate at %d, append index is %d", fromIndex, d.appendIndex)
	}
	if fromIndex <= d.prevIndex {
		panic(fmt.Sprintf("fatal: truncation at %d is before the pruned prefix ending at %d", fromIndex, d.prevIndex))
	}
	err := d.db.Update(func(tx *bolt.Tx) error {
		return deleteFrom(tx.Bucket(logsBucketName), fromIndex)
	})
	if err != nil {
		return err
	}
	d.appendIndex = fromIndex - 1
	return nil
}

func (d *BoltLog) Prune(safeIndex int64) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if safeIndex > d.appendIndex {
		safeIndex = d.appendIndex
	}
	if safeIndex <= d.prevIndex {
		return d.prevIndex, nil
	}
	var term int64
	err := d.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(logsBucketName)
		val := bucket.Get(int64ToBytes(safeIndex))
		if val == nil {
			return fmt.Errorf("entry %d: %w", safeIndex, common.ErrNotFound)
		}
		term = bytesToInt64(val[:8])
		var keys [][]byte
		c := bucket.Cursor()
		for k, _ := c.First(); k != nil && bytesToInt64(k) <= safeIndex; k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		for _, k := range keys {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		return putMeta(tx.Bucket(metaBucketName), safeIndex, term)
	})
	if err != nil {
		return d.prevIndex, err
	}
	d.prevIndex, d.prevTerm = safeIndex, term
	return d.prevIndex, nil
}

func (d *BoltLog) Skip(index, term int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if index <= d.appendIndex {
		return nil
	}
	err := d.db.Update(func(tx *bolt.Tx) error {
		if err := deleteFrom(tx.Bucket(logsBucketName), 0); err != nil {
			return err
		}
		return putMeta(tx.Bucket(metaBucketName), index, term)
	})
	if err != nil {
		return err
	}
	d.prevIndex, d.prevTerm, d.appendIndex = index, term, index
	return nil
}

func (d *BoltLog) ReadEntry(index int64) (common.LogEntry, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if index <= d.prevIndex || index > d.appendIndex {
		return common.LogEntry{}, fmt.Errorf("entry %d: %w", index, common.ErrNotFound)
	}
	var entry common.LogEntry
	err := d.db.View(func(tx *bolt.Tx) error {
		val := tx.Bucket(logsBucketName).Get(int64ToBytes(index))
		if val == nil {
			return fmt.Errorf("entry %d: %w", index, common.ErrNotFound)
		}
		var err error
		entry, err = decodeEntry(d.registry, val)
		return err
	})
	return entry, err
}

func (d *BoltLog) ReadEntryTerm(index int64) (int64, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if index == d.prevIndex {
		return d.prevTerm, nil
	}
	if index < d.prevIndex || index > d.appendIndex {
		return -1, nil
	}
	var term int64
	err := d.db.View(func(tx *bolt.Tx) error {
		val := tx.Bucket(logsBucketName).Get(int64ToBytes(index))
		if val == nil {
			return fmt.Errorf("entry %d: %w", index, common.ErrNotFound)
		}
		term = bytesToInt64(val[:8])
		return nil
	})
	return term, err
}

func (d *BoltLog) AppendIndex() int64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.appendIndex
}

func (d *BoltLog) PrevIndex() int64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.prevIndex
}

func (d *BoltLog) Close() error {
	return d.db.Close()
}

func deleteFrom(bucket *bolt.Bucket, fromIndex int64) error {
	if bucket == nil {
		return errors.New("logs bucket missing")
	}
	var keys [][]byte
	c := bucket.Cursor()
	for k, _ := c.Seek(int64ToBytes(fromIndex)); k != nil; k, _ = c.Next() {
		keys = append(keys, append([]byte(nil), k...))
	}
	for _, k := range keys {
		if err := bucket.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func putMeta(meta *bolt.Bucket, prevIndex, prevTerm int64) error {
	if err := meta.Put(prevIndexKey, int64ToBytes(prevIndex)); err != nil {
		return err
	}
	return meta.Put(prevTermKey, int64ToBytes(prevTerm))
}
