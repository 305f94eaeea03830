package workq

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcputter/resoto/pkg/bus"
)

func collectTask(attrs map[string]string) *Task {
	return NewTask("collect", attrs, bus.Json{"graph": "resoto"}, time.Minute)
}

func TestDescriptionMatches(t *testing.T) {
	tests := []struct {
		name     string
		desc     Description
		task     *Task
		expected bool
	}{
		{
			name:     "name match without filter",
			desc:     Description{Name: "collect"},
			task:     collectTask(nil),
			expected: true,
		},
		{
			name:     "name mismatch",
			desc:     Description{Name: "cleanup"},
			task:     collectTask(nil),
			expected: false,
		},
		{
			name:     "filter accepts attribute",
			desc:     Description{Name: "collect", Filter: map[string][]string{"cloud": {"aws", "gcp"}}},
			task:     collectTask(map[string]string{"cloud": "aws"}),
			expected: true,
		},
		{
			name:     "filter rejects attribute",
			desc:     Description{Name: "collect", Filter: map[string][]string{"cloud": {"aws"}}},
			task:     collectTask(map[string]string{"cloud": "gcp"}),
			expected: false,
		},
		{
			name:     "filter key missing from attrs",
			desc:     Description{Name: "collect", Filter: map[string][]string{"cloud": {"aws"}}},
			task:     collectTask(nil),
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.desc.Matches(tt.task))
		})
	}
}

func TestAddTaskDispatchesToMatchingWorker(t *testing.T) {
	q := NewQueue()
	handle, err := q.Attach("worker-1", []Description{{Name: "collect"}})
	require.NoError(t, err)
	defer handle.Detach()

	task := collectTask(nil)
	q.AddTask(task)

	received := <-handle.C
	assert.Equal(t, task.ID, received.ID)

	require.NoError(t, q.Acknowledge("worker-1", task.ID, bus.Json{"ok": true}))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	result, err := task.Future().Result(ctx)
	require.NoError(t, err)
	assert.Equal(t, true, result["ok"])
}

func TestUnassignedTaskDeliveredOnAttach(t *testing.T) {
	q := NewQueue()
	task := collectTask(nil)
	q.AddTask(task)

	handle, err := q.Attach("worker-1", []Description{{Name: "collect"}})
	require.NoError(t, err)
	defer handle.Detach()

	received := <-handle.C
	assert.Equal(t, task.ID, received.ID)
}

func TestLeastLoadedWorkerWins(t *testing.T) {
	q := NewQueue()
	h1, err := q.Attach("worker-1", []Description{{Name: "collect"}})
	require.NoError(t, err)
	defer h1.Detach()
	h2, err := q.Attach("worker-2", []Description{{Name: "collect"}})
	require.NoError(t, err)
	defer h2.Detach()

	// load worker-1 with one task
	first := collectTask(nil)
	q.AddTask(first)
	firstWorker := "worker-1"
	select {
	case <-h1.C:
	case <-h2.C:
		firstWorker = "worker-2"
	}

	// the second task must go to the other, less loaded worker
	second := collectTask(nil)
	q.AddTask(second)
	if firstWorker == "worker-1" {
		assert.Equal(t, second.ID, (<-h2.C).ID)
	} else {
		assert.Equal(t, second.ID, (<-h1.C).ID)
	}
}

func TestErrorRetriesOnOtherWorker(t *testing.T) {
	q := NewQueue()
	h1, err := q.Attach("worker-1", []Description{{Name: "collect"}})
	require.NoError(t, err)
	defer h1.Detach()
	h2, err := q.Attach("worker-2", []Description{{Name: "collect"}})
	require.NoError(t, err)
	defer h2.Detach()

	task := collectTask(nil)
	q.AddTask(task)

	var owner string
	select {
	case <-h1.C:
		owner = "worker-1"
	case <-h2.C:
		owner = "worker-2"
	}

	require.NoError(t, q.Error(owner, task.ID, "broken"))

	// the retry lands on the other worker
	if owner == "worker-1" {
		assert.Equal(t, task.ID, (<-h2.C).ID)
	} else {
		assert.Equal(t, task.ID, (<-h1.C).ID)
	}
}

func TestErrorExhaustsRetries(t *testing.T) {
	q := NewQueue()
	handle, err := q.Attach("worker-1", []Description{{Name: "collect"}})
	require.NoError(t, err)
	defer handle.Detach()

	task := collectTask(nil)
	q.AddTask(task)

	for i := 0; i <= MaxRetries; i++ {
		<-handle.C
		require.NoError(t, q.Error("worker-1", task.ID, "still broken"))
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = task.Future().Result(ctx)
	var failure *WorkerFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, "still broken", failure.Reason)
}

func TestFutureResolvedExactlyOnce(t *testing.T) {
	q := NewQueue()
	handle, err := q.Attach("worker-1", []Description{{Name: "collect"}})
	require.NoError(t, err)
	defer handle.Detach()

	task := collectTask(nil)
	q.AddTask(task)
	<-handle.C

	require.NoError(t, q.Acknowledge("worker-1", task.ID, bus.Json{"n": 1}))

	// a second acknowledgement is rejected, the future keeps its first value
	err = q.Acknowledge("worker-1", task.ID, bus.Json{"n": 2})
	assert.Error(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	result, err := task.Future().Result(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result["n"])
}

func TestAcknowledgeByWrongWorkerRejected(t *testing.T) {
	q := NewQueue()
	h1, err := q.Attach("worker-1", []Description{{Name: "collect"}})
	require.NoError(t, err)
	defer h1.Detach()

	task := collectTask(nil)
	q.AddTask(task)
	<-h1.C

	assert.Error(t, q.Acknowledge("worker-2", task.ID, nil))
	assert.Error(t, q.Error("worker-2", task.ID, "nope"))
}

func TestDetachRequeuesInFlightTasks(t *testing.T) {
	q := NewQueue()
	h1, err := q.Attach("worker-1", []Description{{Name: "collect"}})
	require.NoError(t, err)

	task := collectTask(nil)
	q.AddTask(task)
	<-h1.C
	require.Equal(t, 1, q.OutstandingFor("worker-1"))

	h1.Detach()
	h1.Detach() // detaching twice is safe

	// a new worker receives the requeued task
	h2, err := q.Attach("worker-2", []Description{{Name: "collect"}})
	require.NoError(t, err)
	defer h2.Detach()
	assert.Equal(t, task.ID, (<-h2.C).ID)
}

func TestCheckOverdueTimesOutAssignedTask(t *testing.T) {
	q := NewQueue()
	current := time.Now()
	q.now = func() time.Time { return current }

	handle, err := q.Attach("worker-1", []Description{{Name: "collect"}})
	require.NoError(t, err)
	defer handle.Detach()

	task := NewTask("collect", nil, nil, time.Second)
	q.AddTask(task)
	<-handle.C

	// not yet overdue
	q.CheckOverdue()
	select {
	case <-task.Future().Done():
		t.Fatal("future must not be completed yet")
	default:
	}

	// push past the timeout until retries are exhausted
	for i := 0; i <= MaxRetries; i++ {
		current = current.Add(2 * time.Second)
		q.CheckOverdue()
		select {
		case <-handle.C:
		default:
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = task.Future().Result(ctx)
	var failure *WorkerFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, "timeout", failure.Reason)
}

func TestCheckOverdueTimesOutUnassignedTask(t *testing.T) {
	q := NewQueue()
	current := time.Now()
	q.now = func() time.Time { return current }

	task := NewTask("collect", nil, nil, time.Second)
	q.AddTask(task)

	current = current.Add(2 * time.Second)
	q.CheckOverdue()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := task.Future().Result(ctx)
	var failure *WorkerFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, "timeout", failure.Reason)
}

func TestAttachTwiceFails(t *testing.T) {
	q := NewQueue()
	handle, err := q.Attach("worker-1", []Description{{Name: "collect"}})
	require.NoError(t, err)
	defer handle.Detach()

	_, err = q.Attach("worker-1", []Description{{Name: "collect"}})
	assert.Error(t, err)
}
