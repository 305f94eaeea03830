package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var collectionBuckets = []string{
	CollectionSubscribers,
	CollectionRunningTasks,
	CollectionJobs,
	CollectionConfigs,
	CollectionConfigValidation,
	CollectionConfigsModel,
}

// BoltStore implements Store using BoltDB. Each collection maps to one bucket;
// values are JSON-encoded documents carrying their revision.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the database under dataDir and ensures all
// collection buckets exist.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "resotocore.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range collectionBuckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(bucket)); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Collection returns the collection with the given name. Unknown names get
// their bucket created lazily on first write.
func (s *BoltStore) Collection(name string) Collection {
	return &boltCollection{db: s.db, bucket: []byte(name)}
}

type boltCollection struct {
	db     *bolt.DB
	bucket []byte
}

func (c *boltCollection) ensure(tx *bolt.Tx) (*bolt.Bucket, error) {
	return tx.CreateBucketIfNotExists(c.bucket)
}

func (c *boltCollection) Get(key string) (*Document, error) {
	var doc Document
	err := c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(c.bucket)
		if b == nil {
			return ErrNotFound
		}
		data := b.Get([]byte(key))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &doc)
	})
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

func (c *boltCollection) Insert(doc *Document) (*Document, error) {
	stored := &Document{Key: doc.Key, Rev: uuid.NewString(), Data: doc.Data}
	err := c.db.Update(func(tx *bolt.Tx) error {
		b, err := c.ensure(tx)
		if err != nil {
			return err
		}
		data, err := json.Marshal(stored)
		if err != nil {
			return err
		}
		return b.Put([]byte(doc.Key), data)
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

func (c *boltCollection) Update(doc *Document) (*Document, error) {
	stored := &Document{Key: doc.Key, Rev: uuid.NewString(), Data: doc.Data}
	err := c.db.Update(func(tx *bolt.Tx) error {
		b, err := c.ensure(tx)
		if err != nil {
			return err
		}
		existing := b.Get([]byte(doc.Key))
		if existing == nil {
			return ErrNotFound
		}
		var current Document
		if err := json.Unmarshal(existing, &current); err != nil {
			return err
		}
		if doc.Rev != "" && doc.Rev != current.Rev {
			return ErrStaleRevision
		}
		data, err := json.Marshal(stored)
		if err != nil {
			return err
		}
		return b.Put([]byte(doc.Key), data)
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

func (c *boltCollection) Delete(key string) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(c.bucket)
		if b == nil {
			return nil
		}
		return b.Delete([]byte(key))
	})
}

func (c *boltCollection) Keys() ([]string, error) {
	var keys []string
	err := c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(c.bucket)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	return keys, err
}

func (c *boltCollection) All() ([]*Document, error) {
	var docs []*Document
	err := c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(c.bucket)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var doc Document
			if err := json.Unmarshal(v, &doc); err != nil {
				return err
			}
			docs = append(docs, &doc)
			return nil
		})
	})
	return docs, err
}

func (c *boltCollection) InsertMany(docs []*Document, overwrite bool) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		b, err := c.ensure(tx)
		if err != nil {
			return err
		}
		for _, doc := range docs {
			key := []byte(doc.Key)
			if !overwrite && b.Get(key) != nil {
				continue
			}
			stored := &Document{Key: doc.Key, Rev: uuid.NewString(), Data: doc.Data}
			data, err := json.Marshal(stored)
			if err != nil {
				return err
			}
			if err := b.Put(key, data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (c *boltCollection) Truncate() error {
	return c.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(c.bucket) == nil {
			return nil
		}
		if err := tx.DeleteBucket(c.bucket); err != nil && err != bolt.ErrBucketNotFound {
			return err
		}
		_, err := tx.CreateBucket(c.bucket)
		return err
	})
}

// EqualJSON reports whether two raw JSON values are byte-identical after
// compaction. Used by callers to detect no-op writes.
func EqualJSON(a, b json.RawMessage) bool {
	var ca, cb bytes.Buffer
	if err := json.Compact(&ca, a); err != nil {
		return false
	}
	if err := json.Compact(&cb, b); err != nil {
		return false
	}
	return bytes.Equal(ca.Bytes(), cb.Bytes())
}
