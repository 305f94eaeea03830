package bus

import (
	"sync"
	"time"

	"github.com/jcputter/resoto/pkg/log"
	"github.com/rs/zerolog"
)

// DefaultQueueSize bounds each subscription channel. Producers never block on
// slow consumers; messages beyond the bound are dropped for that subscriber.
const DefaultQueueSize = 128

// Subscription is one attached listener. Messages arrive on C in FIFO order
// per producer. Close detaches the subscription; it is safe to call twice.
type Subscription struct {
	ChannelID string
	C         <-chan Message

	bus   *Bus
	ch    chan Message
	types map[string]struct{} // empty means all message types
	once  sync.Once
}

// Close detaches the subscription from the bus and closes its channel.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.remove(s)
		close(s.ch)
	})
}

func (s *Subscription) wants(messageType string) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[messageType]
	return ok
}

// Bus is the in-process broadcast bus. Every component of the core shares one
// instance; external transports bridge into it by re-emitting envelopes.
type Bus struct {
	mu        sync.Mutex
	subs      map[*Subscription]struct{}
	queueSize int
	logger    zerolog.Logger
}

// NewBus creates a bus with the default per-subscription queue size.
func NewBus() *Bus {
	return &Bus{
		subs:      make(map[*Subscription]struct{}),
		queueSize: DefaultQueueSize,
		logger:    log.WithComponent("message_bus"),
	}
}

// Subscribe attaches a listener for the given message types. An empty type
// list receives every message. The caller must Close the subscription.
func (b *Bus) Subscribe(channelID string, messageTypes []string) *Subscription {
	ch := make(chan Message, b.queueSize)
	types := make(map[string]struct{}, len(messageTypes))
	for _, t := range messageTypes {
		types[t] = struct{}{}
	}
	sub := &Subscription{ChannelID: channelID, C: ch, bus: b, ch: ch, types: types}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()
}

// EmitEvent publishes an event with the given name and payload.
func (b *Bus) EmitEvent(messageType string, data Json) {
	b.Emit(&Event{MessageType: messageType, Data: data, At: time.Now()})
}

// Emit publishes msg to every subscription listening for its type. Delivery is
// best effort: a subscriber whose queue is full misses the message.
func (b *Bus) Emit(msg Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		if !sub.wants(msg.Type()) {
			continue
		}
		select {
		case sub.ch <- msg:
		default:
			b.logger.Warn().
				Str("channel_id", sub.ChannelID).
				Str("message_type", msg.Type()).
				Msg("Subscriber queue full, dropping message")
		}
	}
}

// SubscriberCount returns the number of attached subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
