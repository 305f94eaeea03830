package subscription

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jcputter/resoto/pkg/log"
	"github.com/jcputter/resoto/pkg/storage"
)

// Subscription binds one message type to a subscriber. WaitForCompletion is
// recorded with the subscription; a workflow step's fan-out waits for an
// acknowledgement from every subscriber of the type regardless of it.
type Subscription struct {
	MessageType       string        `json:"message_type"`
	WaitForCompletion bool          `json:"wait_for_completion"`
	Timeout           time.Duration `json:"timeout"`
}

// Subscriber is one external participant with its subscriptions, keyed by
// message type so each type appears at most once.
type Subscriber struct {
	ID            string                  `json:"id"`
	Subscriptions map[string]Subscription `json:"subscriptions"`

	rev string
}

// Revision returns the persisted revision of this subscriber record.
func (s *Subscriber) Revision() string { return s.rev }

func (s *Subscriber) copy() *Subscriber {
	subs := make(map[string]Subscription, len(s.Subscriptions))
	for k, v := range s.Subscriptions {
		subs[k] = v
	}
	return &Subscriber{ID: s.ID, Subscriptions: subs, rev: s.rev}
}

// Registry keeps all subscribers, persists every mutation, and answers the
// deterministic fan-out question for the task state machine.
type Registry struct {
	coll   storage.Collection
	logger zerolog.Logger

	mu          sync.RWMutex
	subscribers map[string]*Subscriber
}

// NewRegistry creates a registry backed by the given store and loads the
// persisted subscribers.
func NewRegistry(store storage.Store) (*Registry, error) {
	r := &Registry{
		coll:        store.Collection(storage.CollectionSubscribers),
		logger:      log.WithComponent("subscription"),
		subscribers: make(map[string]*Subscriber),
	}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) load() error {
	docs, err := r.coll.All()
	if err != nil {
		return fmt.Errorf("failed to load subscribers: %w", err)
	}
	for _, doc := range docs {
		var sub Subscriber
		if err := json.Unmarshal(doc.Data, &sub); err != nil {
			return fmt.Errorf("failed to decode subscriber %s: %w", doc.Key, err)
		}
		sub.rev = doc.Rev
		r.subscribers[sub.ID] = &sub
	}
	return nil
}

// All returns every subscriber, ordered by id.
func (r *Registry) All() []*Subscriber {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Subscriber, 0, len(r.subscribers))
	for _, s := range r.subscribers {
		out = append(out, s.copy())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns the subscriber with the given id, or nil.
func (r *Registry) Get(id string) *Subscriber {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.subscribers[id]; ok {
		return s.copy()
	}
	return nil
}

// AddSubscription registers messageType for the subscriber, creating the
// subscriber if needed. Re-adding an existing message type replaces it.
func (r *Registry) AddSubscription(subscriberID, messageType string, waitForCompletion bool, timeout time.Duration) (*Subscriber, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subscribers[subscriberID]
	if !ok {
		sub = &Subscriber{ID: subscriberID, Subscriptions: make(map[string]Subscription)}
	} else {
		sub = sub.copy()
	}
	sub.Subscriptions[messageType] = Subscription{
		MessageType:       messageType,
		WaitForCompletion: waitForCompletion,
		Timeout:           timeout,
	}
	return r.persist(sub)
}

// RemoveSubscription drops messageType from the subscriber. Dropping the last
// subscription removes the subscriber entirely.
func (r *Registry) RemoveSubscription(subscriberID, messageType string) (*Subscriber, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subscribers[subscriberID]
	if !ok {
		return nil, nil
	}
	sub = sub.copy()
	delete(sub.Subscriptions, messageType)
	if len(sub.Subscriptions) == 0 {
		return nil, r.removeLocked(subscriberID)
	}
	return r.persist(sub)
}

// Update replaces all subscriptions of the subscriber at once.
func (r *Registry) Update(subscriberID string, subscriptions []Subscription) (*Subscriber, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub := &Subscriber{ID: subscriberID, Subscriptions: make(map[string]Subscription, len(subscriptions))}
	if existing, ok := r.subscribers[subscriberID]; ok {
		sub.rev = existing.rev
	}
	for _, s := range subscriptions {
		sub.Subscriptions[s.MessageType] = s
	}
	return r.persist(sub)
}

// Remove evicts the subscriber and deletes its persisted record.
func (r *Registry) Remove(subscriberID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(subscriberID)
}

func (r *Registry) removeLocked(subscriberID string) error {
	if _, ok := r.subscribers[subscriberID]; !ok {
		return nil
	}
	if err := r.coll.Delete(subscriberID); err != nil {
		return fmt.Errorf("failed to delete subscriber %s: %w", subscriberID, err)
	}
	delete(r.subscribers, subscriberID)
	r.logger.Info().Str("subscriber_id", subscriberID).Msg("Subscriber removed")
	return nil
}

// SubscribersFor returns all subscribers of messageType in lexicographic id
// order, so every observer computes the same action fan-out.
func (r *Registry) SubscribersFor(messageType string) []*Subscriber {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Subscriber
	for _, s := range r.subscribers {
		if _, ok := s.Subscriptions[messageType]; ok {
			out = append(out, s.copy())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// persist writes the subscriber through to the store with its last-known
// revision. Stale revisions surface as storage.ErrStaleRevision.
func (r *Registry) persist(sub *Subscriber) (*Subscriber, error) {
	doc, err := storage.NewDocument(sub.ID, sub)
	if err != nil {
		return nil, err
	}
	doc.Rev = sub.rev
	stored, err := storage.Save(r.coll, doc)
	if err != nil {
		return nil, fmt.Errorf("failed to persist subscriber %s: %w", sub.ID, err)
	}
	sub.rev = stored.Rev
	r.subscribers[sub.ID] = sub
	return sub.copy(), nil
}
