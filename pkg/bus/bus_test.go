package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeReceivesMatchingTypes(t *testing.T) {
	b := NewBus()
	sub := b.Subscribe("listener", []string{"collect"})
	defer sub.Close()

	b.EmitEvent("collect", Json{"n": 1})
	b.EmitEvent("other", nil)
	b.EmitEvent("collect", Json{"n": 2})

	first := (<-sub.C).(*Event)
	second := (<-sub.C).(*Event)
	assert.Equal(t, "collect", first.MessageType)
	assert.Equal(t, 1, first.Data["n"])
	assert.Equal(t, 2, second.Data["n"])
	assert.Empty(t, sub.C)
}

func TestSubscribeAllTypes(t *testing.T) {
	b := NewBus()
	sub := b.Subscribe("listener", nil)
	defer sub.Close()

	b.EmitEvent("a", nil)
	b.Emit(&Action{MessageType: "collect", TaskID: "t1", StepName: "act"})

	assert.Equal(t, "a", (<-sub.C).Type())
	action := (<-sub.C).(*Action)
	assert.Equal(t, "t1", action.TaskID)
}

func TestFifoPerSubscriber(t *testing.T) {
	b := NewBus()
	sub := b.Subscribe("listener", nil)
	defer sub.Close()

	for i := 0; i < 10; i++ {
		b.EmitEvent("tick", Json{"i": i})
	}
	for i := 0; i < 10; i++ {
		ev := (<-sub.C).(*Event)
		assert.Equal(t, i, ev.Data["i"])
	}
}

func TestSlowConsumerDoesNotBlockProducer(t *testing.T) {
	b := NewBus()
	sub := b.Subscribe("slow", nil)
	defer sub.Close()

	// overflow the bounded queue; the producer must not block
	for i := 0; i < DefaultQueueSize+10; i++ {
		b.EmitEvent("tick", nil)
	}
	assert.Len(t, sub.ch, DefaultQueueSize)
}

func TestCloseDetaches(t *testing.T) {
	b := NewBus()
	sub := b.Subscribe("listener", nil)
	require.Equal(t, 1, b.SubscriberCount())

	sub.Close()
	sub.Close() // closing twice is safe
	assert.Equal(t, 0, b.SubscriberCount())

	_, open := <-sub.C
	assert.False(t, open)
}
