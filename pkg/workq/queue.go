package workq

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jcputter/resoto/pkg/bus"
	"github.com/jcputter/resoto/pkg/log"
	"github.com/jcputter/resoto/pkg/metrics"
)

const (
	// MaxRetries bounds how often a failed task is retried; a failure after the
	// last retry completes its future with a WorkerFailure.
	MaxRetries = 3

	// DefaultWorkerQueueSize bounds the per-worker inbound channel.
	DefaultWorkerQueueSize = 64
)

// Handle is the scoped attachment of one worker. Tasks arrive on C; the worker
// must call Detach on every exit path so in-flight tasks are requeued.
type Handle struct {
	WorkerID string
	C        <-chan *Task

	queue *Queue
	ch    chan *Task
	once  sync.Once
}

// Detach removes the worker from the queue. Any task currently handed out to
// this worker goes back into rotation with an incremented retry counter.
func (h *Handle) Detach() {
	h.once.Do(func() {
		h.queue.detach(h.WorkerID)
		close(h.ch)
	})
}

type workerState struct {
	id           string
	descriptions []Description
	ch           chan *Task
	outstanding  int
	lastAssigned time.Time
}

func (w *workerState) accepts(t *Task) bool {
	for _, d := range w.descriptions {
		if d.Matches(t) {
			return true
		}
	}
	return false
}

type entry struct {
	task       *Task
	retries    int
	assignedTo string // empty while unassigned
	assignedAt time.Time
	enqueuedAt time.Time
}

// Queue dispatches typed tasks to attached workers with retry, timeout, and
// exactly-once future completion.
type Queue struct {
	mu          sync.Mutex
	workers     map[string]*workerState
	outstanding map[string]*entry
	unassigned  []*entry
	logger      zerolog.Logger
	now         func() time.Time
}

// NewQueue creates an empty worker task queue.
func NewQueue() *Queue {
	return &Queue{
		workers:     make(map[string]*workerState),
		outstanding: make(map[string]*entry),
		logger:      log.WithComponent("worker_task_queue"),
		now:         time.Now,
	}
}

// Attach registers a worker with its task descriptions and returns the scoped
// handle. Attaching an already attached worker id is an error.
func (q *Queue) Attach(workerID string, descriptions []Description) (*Handle, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.workers[workerID]; ok {
		return nil, fmt.Errorf("worker %s already attached", workerID)
	}
	ch := make(chan *Task, DefaultWorkerQueueSize)
	w := &workerState{id: workerID, descriptions: descriptions, ch: ch}
	q.workers[workerID] = w
	metrics.AttachedWorkers.Inc()
	q.logger.Info().Str("worker_id", workerID).Int("descriptions", len(descriptions)).Msg("Worker attached")

	// hand over queued tasks this worker can serve
	var remaining []*entry
	for _, e := range q.unassigned {
		if !q.assignLocked(e, "") {
			remaining = append(remaining, e)
		}
	}
	q.unassigned = remaining

	return &Handle{WorkerID: workerID, C: ch, queue: q, ch: ch}, nil
}

func (q *Queue) detach(workerID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	w, ok := q.workers[workerID]
	if !ok {
		return
	}
	delete(q.workers, workerID)
	metrics.AttachedWorkers.Dec()
	q.logger.Info().Str("worker_id", workerID).Int("in_flight", w.outstanding).Msg("Worker detached")

	var orphaned []*entry
	for _, e := range q.outstanding {
		if e.assignedTo == workerID {
			orphaned = append(orphaned, e)
		}
	}
	for _, e := range orphaned {
		delete(q.outstanding, e.task.ID)
		e.assignedTo = ""
		e.retries++
		metrics.WorkerTaskRetriesTotal.Inc()
		q.requeueLocked(e, workerID)
	}
}

// AddTask hands the task to a matching worker, or parks it until one attaches.
// The call returns immediately; the caller awaits task.Future().
func (q *Queue) AddTask(task *Task) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e := &entry{task: task, enqueuedAt: q.now()}
	if !q.assignLocked(e, "") {
		q.unassigned = append(q.unassigned, e)
		q.logger.Debug().Str("task_id", task.ID).Str("task_name", task.Name).Msg("No matching worker, task parked")
	}
	metrics.WorkerTasksOutstanding.Inc()
}

// assignLocked selects the eligible worker with the fewest outstanding tasks
// (tie-break: least recently assigned), excluding the given worker id when an
// alternative exists. Returns false when no worker took the task.
func (q *Queue) assignLocked(e *entry, exclude string) bool {
	pick := func(skip string) *workerState {
		var best *workerState
		for _, w := range q.workers {
			if w.id == skip || !w.accepts(e.task) {
				continue
			}
			if best == nil ||
				w.outstanding < best.outstanding ||
				(w.outstanding == best.outstanding && w.lastAssigned.Before(best.lastAssigned)) {
				best = w
			}
		}
		return best
	}

	w := pick(exclude)
	if w == nil && exclude != "" {
		w = pick("")
	}
	if w == nil {
		return false
	}

	select {
	case w.ch <- e.task:
	default:
		// inbound queue full; leave the task for another worker or a retry
		return false
	}

	e.assignedTo = w.id
	e.assignedAt = q.now()
	w.outstanding++
	w.lastAssigned = e.assignedAt
	q.outstanding[e.task.ID] = e
	q.logger.Debug().
		Str("task_id", e.task.ID).
		Str("task_name", e.task.Name).
		Str("worker_id", w.id).
		Int("retries", e.retries).
		Msg("Task assigned")
	return true
}

// Acknowledge completes the task's future with result. The worker must be the
// one the task was handed to.
func (q *Queue) Acknowledge(workerID, taskID string, result bus.Json) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, err := q.owned(workerID, taskID)
	if err != nil {
		return err
	}
	q.removeLocked(e)
	e.task.future.complete(result, nil)
	metrics.WorkerTasksCompletedTotal.WithLabelValues("success").Inc()
	return nil
}

// Error reports a failed attempt. Below the retry limit the task is handed to
// another worker (not the same one if alternatives exist); at the limit the
// future completes with a WorkerFailure.
func (q *Queue) Error(workerID, taskID, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, err := q.owned(workerID, taskID)
	if err != nil {
		return err
	}
	q.failLocked(e, reason)
	return nil
}

func (q *Queue) owned(workerID, taskID string) (*entry, error) {
	e, ok := q.outstanding[taskID]
	if !ok {
		return nil, fmt.Errorf("task %s is not outstanding", taskID)
	}
	if e.assignedTo != workerID {
		return nil, fmt.Errorf("task %s is not assigned to worker %s", taskID, workerID)
	}
	return e, nil
}

func (q *Queue) failLocked(e *entry, reason string) {
	failedWorker := e.assignedTo
	q.removeAssignmentLocked(e)

	if e.retries < MaxRetries {
		e.retries++
		metrics.WorkerTaskRetriesTotal.Inc()
		q.logger.Debug().
			Str("task_id", e.task.ID).
			Str("reason", reason).
			Int("retries", e.retries).
			Msg("Worker task failed, retrying")
		q.requeueLocked(e, failedWorker)
		return
	}

	q.logger.Warn().
		Str("task_id", e.task.ID).
		Str("task_name", e.task.Name).
		Str("reason", reason).
		Msg("Worker task failed permanently")
	metrics.WorkerTasksOutstanding.Dec()
	metrics.WorkerTasksCompletedTotal.WithLabelValues("error").Inc()
	e.task.future.complete(nil, &WorkerFailure{TaskID: e.task.ID, Reason: reason})
}

func (q *Queue) requeueLocked(e *entry, exclude string) {
	if !q.assignLocked(e, exclude) {
		q.unassigned = append(q.unassigned, e)
	}
}

// removeAssignmentLocked detaches the entry from its worker but keeps the task
// alive for another round.
func (q *Queue) removeAssignmentLocked(e *entry) {
	delete(q.outstanding, e.task.ID)
	if w, ok := q.workers[e.assignedTo]; ok {
		w.outstanding--
	}
	e.assignedTo = ""
}

// removeLocked drops the entry entirely.
func (q *Queue) removeLocked(e *entry) {
	q.removeAssignmentLocked(e)
	metrics.WorkerTasksOutstanding.Dec()
}

// CheckOverdue expires every in-flight task whose assignment outlived its
// timeout (same retry rules as a worker error) and every parked task that no
// worker picked up within its timeout.
func (q *Queue) CheckOverdue() {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()

	var overdue []*entry
	for _, e := range q.outstanding {
		if e.task.Timeout > 0 && now.Sub(e.assignedAt) > e.task.Timeout {
			overdue = append(overdue, e)
		}
	}
	for _, e := range overdue {
		q.failLocked(e, "timeout")
	}

	var remaining []*entry
	for _, e := range q.unassigned {
		if e.task.Timeout > 0 && now.Sub(e.enqueuedAt) > e.task.Timeout {
			q.logger.Warn().Str("task_id", e.task.ID).Str("task_name", e.task.Name).Msg("No worker picked up task before timeout")
			metrics.WorkerTasksOutstanding.Dec()
			metrics.WorkerTasksCompletedTotal.WithLabelValues("error").Inc()
			e.task.future.complete(nil, &WorkerFailure{TaskID: e.task.ID, Reason: "timeout"})
		} else {
			remaining = append(remaining, e)
		}
	}
	q.unassigned = remaining
}

// OutstandingFor returns how many tasks are currently handed out to the worker.
func (q *Queue) OutstandingFor(workerID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if w, ok := q.workers[workerID]; ok {
		return w.outstanding
	}
	return 0
}
