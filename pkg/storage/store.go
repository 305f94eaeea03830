package storage

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a document key does not exist in a collection.
	ErrNotFound = errors.New("document not found")

	// ErrStaleRevision is returned when an update carries a revision that no
	// longer matches the stored document. The caller decides to retry or fail.
	ErrStaleRevision = errors.New("optimistic locking failed: stale revision")
)

// Collection names of the persisted layout.
const (
	CollectionSubscribers      = "subscribers"
	CollectionRunningTasks     = "running_tasks"
	CollectionJobs             = "jobs"
	CollectionConfigs          = "configs"
	CollectionConfigValidation = "config_validation"
	CollectionConfigsModel     = "configs_model"
)

// Document is one entry of a collection. Rev is assigned by the store on every
// write; writers that pass a non-empty Rev on Update get ErrStaleRevision if it
// no longer matches.
type Document struct {
	Key  string          `json:"_key"`
	Rev  string          `json:"_rev"`
	Data json.RawMessage `json:"data"`
}

// NewDocument marshals v into a document with the given key and no revision.
func NewDocument(key string, v interface{}) (*Document, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal document %s: %w", key, err)
	}
	return &Document{Key: key, Data: data}, nil
}

// Collection is a keyed set of documents with optimistic concurrency.
type Collection interface {
	// Get returns the document for key or ErrNotFound.
	Get(key string) (*Document, error)

	// Insert stores a new document and returns it with its assigned revision.
	// Inserting an existing key overwrites it (upsert), matching the entity
	// store the core is written against.
	Insert(doc *Document) (*Document, error)

	// Update replaces the document, verifying doc.Rev against the stored
	// revision. Returns ErrStaleRevision on mismatch and ErrNotFound when the
	// key does not exist; callers fall back to Insert on the latter.
	Update(doc *Document) (*Document, error)

	// Delete removes the document. Deleting a missing key is a no-op.
	Delete(key string) error

	// Keys returns all keys in lexicographic order.
	Keys() ([]string, error)

	// All returns all documents in lexicographic key order.
	All() ([]*Document, error)

	// InsertMany stores docs; with overwrite false, existing keys are skipped.
	InsertMany(docs []*Document, overwrite bool) error

	// Truncate removes every document in the collection.
	Truncate() error
}

// Store provides named collections backed by a single database.
type Store interface {
	Collection(name string) Collection
	Close() error
}

// Save updates doc when it carries a revision and falls back to Insert when the
// document is gone or was never stored. ErrStaleRevision propagates.
func Save(c Collection, doc *Document) (*Document, error) {
	if doc.Rev == "" {
		return c.Insert(doc)
	}
	updated, err := c.Update(doc)
	if errors.Is(err, ErrNotFound) {
		return c.Insert(doc)
	}
	return updated, err
}
