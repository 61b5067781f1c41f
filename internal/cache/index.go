package cache

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/fruitsalade/photocache/internal/models"
)

var bucketEntries = []byte("entries")

// Index persists entry metadata in BoltDB. It is a performance cache over
// the cache directory: Open reconciles it against a directory scan.
type Index struct {
	db *bolt.DB
}

// OpenIndex opens (or creates) the index database at path.
func OpenIndex(path string) (*Index, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketEntries)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Index{db: db}, nil
}

// Load returns every persisted entry keyed by ID. Rows that fail to decode
// are skipped; the directory scan recovers them.
func (x *Index) Load() (map[string]models.CacheEntry, error) {
	out := make(map[string]models.CacheEntry)
	err := x.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEntries).ForEach(func(k, v []byte) error {
			var e models.CacheEntry
			if json.Unmarshal(v, &e) == nil {
				out[string(k)] = e
			}
			return nil
		})
	})
	return out, err
}

// Save upserts entries in one transaction.
func (x *Index) Save(entries ...models.CacheEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return x.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		for _, e := range entries {
			data, err := json.Marshal(e)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(e.ID), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// Delete removes rows; missing IDs are ignored.
func (x *Index) Delete(ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	return x.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		for _, id := range ids {
			if err := b.Delete([]byte(id)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close closes the database.
func (x *Index) Close() error {
	return x.db.Close()
}
