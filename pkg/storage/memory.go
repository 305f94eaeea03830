package storage

import (
	"sort"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore implements Store with in-process maps. It backs the tests; the
// server always uses BoltStore. Semantics mirror BoltStore, including
// optimistic locking.
type MemoryStore struct {
	mu          sync.Mutex
	collections map[string]*memoryCollection
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{collections: make(map[string]*memoryCollection)}
}

func (s *MemoryStore) Collection(name string) Collection {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.collections[name]
	if !ok {
		c = &memoryCollection{docs: make(map[string]*Document)}
		s.collections[name] = c
	}
	return c
}

func (s *MemoryStore) Close() error {
	return nil
}

type memoryCollection struct {
	mu   sync.Mutex
	docs map[string]*Document
}

func (c *memoryCollection) Get(key string) (*Document, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	doc, ok := c.docs[key]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *doc
	return &copied, nil
}

func (c *memoryCollection) Insert(doc *Document) (*Document, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	stored := &Document{Key: doc.Key, Rev: uuid.NewString(), Data: doc.Data}
	c.docs[doc.Key] = stored
	copied := *stored
	return &copied, nil
}

func (c *memoryCollection) Update(doc *Document) (*Document, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	current, ok := c.docs[doc.Key]
	if !ok {
		return nil, ErrNotFound
	}
	if doc.Rev != "" && doc.Rev != current.Rev {
		return nil, ErrStaleRevision
	}
	stored := &Document{Key: doc.Key, Rev: uuid.NewString(), Data: doc.Data}
	c.docs[doc.Key] = stored
	copied := *stored
	return &copied, nil
}

func (c *memoryCollection) Delete(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.docs, key)
	return nil
}

func (c *memoryCollection) Keys() ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.docs))
	for k := range c.docs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (c *memoryCollection) All() ([]*Document, error) {
	keys, _ := c.Keys()
	c.mu.Lock()
	defer c.mu.Unlock()
	docs := make([]*Document, 0, len(keys))
	for _, k := range keys {
		copied := *c.docs[k]
		docs = append(docs, &copied)
	}
	return docs, nil
}

func (c *memoryCollection) InsertMany(docs []*Document, overwrite bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, doc := range docs {
		if !overwrite {
			if _, ok := c.docs[doc.Key]; ok {
				continue
			}
		}
		c.docs[doc.Key] = &Document{Key: doc.Key, Rev: uuid.NewString(), Data: doc.Data}
	}
	return nil
}

func (c *memoryCollection) Truncate() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.docs = make(map[string]*Document)
	return nil
}
