package task

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jcputter/resoto/pkg/bus"
	"github.com/jcputter/resoto/pkg/cli"
	"github.com/jcputter/resoto/pkg/log"
	"github.com/jcputter/resoto/pkg/metrics"
	"github.com/jcputter/resoto/pkg/storage"
	"github.com/jcputter/resoto/pkg/subscription"
)

// DefaultOverdueInterval paces the periodic overdue sweep.
const DefaultOverdueInterval = 10 * time.Second

type cmdResult struct {
	taskID   string
	stepName string
	command  string
	err      error
}

// Handler owns all task descriptors and running instances. It evaluates
// triggers, drives the per-instance state machines, sweeps overdue steps, and
// recovers running tasks from the store on startup.
type Handler struct {
	bus       *bus.Bus
	registry  *subscription.Registry
	scheduler *Scheduler
	executor  cli.Executor

	runningColl storage.Collection
	jobsColl    storage.Collection

	logger zerolog.Logger
	now    func() time.Time

	mu            sync.Mutex
	workflows     map[string]*Workflow
	jobs          map[string]*Job
	eventTriggers map[string][]string // event name -> descriptor ids
	tasks         map[string]*RunningTask
	deferred      map[string]struct{} // descriptor ids with one queued successor

	cmdResults chan cmdResult
	events     *bus.Subscription
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// NewHandler wires the task handler against its collaborators. Call Start to
// load persisted state and begin processing.
func NewHandler(
	store storage.Store,
	messageBus *bus.Bus,
	registry *subscription.Registry,
	scheduler *Scheduler,
	executor cli.Executor,
) *Handler {
	return &Handler{
		bus:           messageBus,
		registry:      registry,
		scheduler:     scheduler,
		executor:      executor,
		runningColl:   store.Collection(storage.CollectionRunningTasks),
		jobsColl:      store.Collection(storage.CollectionJobs),
		logger:        log.WithComponent("task_handler"),
		now:           time.Now,
		workflows:     make(map[string]*Workflow),
		jobs:          make(map[string]*Job),
		eventTriggers: make(map[string][]string),
		tasks:         make(map[string]*RunningTask),
		deferred:      make(map[string]struct{}),
		cmdResults:    make(chan cmdResult, 64),
	}
}

// AddWorkflow registers a workflow descriptor and its triggers. Existing
// running instances keep their snapshot.
func (h *Handler) AddWorkflow(w *Workflow) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.registerTriggersLocked(w); err != nil {
		return err
	}
	h.workflows[w.WorkflowID] = w
	return nil
}

// AddJob parses nothing; it persists the job and registers its trigger.
func (h *Handler) AddJob(j *Job) error {
	doc, err := storage.NewDocument(j.JobID, j)
	if err != nil {
		return err
	}
	if _, err := storage.Save(h.jobsColl, doc); err != nil {
		return fmt.Errorf("failed to persist job %s: %w", j.JobID, err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.registerTriggersLocked(j); err != nil {
		return err
	}
	h.jobs[j.JobID] = j
	h.logger.Info().Str("job_id", j.JobID).Msg("Job added")
	return nil
}

// DeleteJob removes the job and its trigger registrations.
func (h *Handler) DeleteJob(jobID string) error {
	if err := h.jobsColl.Delete(jobID); err != nil {
		return fmt.Errorf("failed to delete job %s: %w", jobID, err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.jobs, jobID)
	h.scheduler.Unschedule(jobID)
	for event, ids := range h.eventTriggers {
		var kept []string
		for _, id := range ids {
			if id != jobID {
				kept = append(kept, id)
			}
		}
		if len(kept) == 0 {
			delete(h.eventTriggers, event)
		} else {
			h.eventTriggers[event] = kept
		}
	}
	h.logger.Info().Str("job_id", jobID).Msg("Job deleted")
	return nil
}

// Jobs returns all registered jobs ordered by id.
func (h *Handler) Jobs() []*Job {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Job, 0, len(h.jobs))
	for _, j := range h.jobs {
		out = append(out, j)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JobID < out[j].JobID })
	return out
}

// RunningTasks returns the live instances ordered by start time.
func (h *Handler) RunningTasks() []*RunningTask {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*RunningTask, 0, len(h.tasks))
	for _, rt := range h.tasks {
		out = append(out, rt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// RunningTaskCount is the gauge source for the metrics collector.
func (h *Handler) RunningTaskCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.tasks)
}

// Start loads persisted jobs and running tasks, registers triggers, and spawns
// the event listener, command pump, and overdue sweep.
func (h *Handler) Start(ctx context.Context) error {
	ctx, h.cancel = context.WithCancel(ctx)
	h.ctx = ctx

	if err := h.loadJobs(); err != nil {
		return err
	}
	if err := h.recoverRunningTasks(); err != nil {
		return err
	}

	h.events = h.bus.Subscribe("task_handler", nil)
	h.wg.Add(2)
	go h.listen(ctx)
	go h.sweep(ctx)
	return nil
}

// Stop cancels the background goroutines and waits for them to observe the
// cancellation.
func (h *Handler) Stop() {
	if h.cancel != nil {
		h.cancel()
	}
	if h.events != nil {
		h.events.Close()
	}
	h.wg.Wait()
}

func (h *Handler) loadJobs() error {
	docs, err := h.jobsColl.All()
	if err != nil {
		return fmt.Errorf("failed to load jobs: %w", err)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, doc := range docs {
		var j Job
		if err := json.Unmarshal(doc.Data, &j); err != nil {
			return fmt.Errorf("failed to decode job %s: %w", doc.Key, err)
		}
		if err := h.registerTriggersLocked(&j); err != nil {
			h.logger.Error().Err(err).Str("job_id", j.JobID).Msg("Failed to register job trigger")
			continue
		}
		h.jobs[j.JobID] = &j
	}
	return nil
}

// recoverRunningTasks rehydrates persisted instances at their recorded
// position. Pending acknowledgements are reloaded; subscribers that appeared
// after the action was dispatched do not participate in that round.
func (h *Handler) recoverRunningTasks() error {
	docs, err := h.runningColl.All()
	if err != nil {
		return fmt.Errorf("failed to load running tasks: %w", err)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, doc := range docs {
		var rt RunningTask
		if err := json.Unmarshal(doc.Data, &rt); err != nil {
			return fmt.Errorf("failed to decode running task %s: %w", doc.Key, err)
		}
		rt.rev = doc.Rev
		if rt.ReceivedData == nil {
			rt.ReceivedData = bus.Json{}
		}
		h.tasks[rt.ID] = &rt
		h.logger.Info().
			Str("task_id", rt.ID).
			Str("descriptor", rt.Descriptor.Name).
			Str("step", rt.CurrentStepName()).
			Msg("Recovered running task")
	}
	return nil
}

func (h *Handler) registerTriggersLocked(d Descriptor) error {
	for _, trigger := range d.Triggers() {
		switch t := trigger.(type) {
		case EventTrigger:
			ids := h.eventTriggers[t.Event]
			exists := false
			for _, id := range ids {
				if id == d.ID() {
					exists = true
					break
				}
			}
			if !exists {
				h.eventTriggers[t.Event] = append(ids, d.ID())
			}
		case TimeTrigger:
			id := d.ID()
			if err := h.scheduler.Schedule(id, t.Cron, func() {
				metrics.TriggersFiredTotal.WithLabelValues("time").Inc()
				h.startByID(id, "time trigger")
			}); err != nil {
				return err
			}
		}
	}
	return nil
}

func (h *Handler) descriptorLocked(id string) Descriptor {
	if w, ok := h.workflows[id]; ok {
		return w
	}
	if j, ok := h.jobs[id]; ok {
		return j
	}
	return nil
}

func (h *Handler) startByID(id, reason string) {
	h.mu.Lock()
	d := h.descriptorLocked(id)
	h.mu.Unlock()
	if d == nil {
		return
	}
	if _, err := h.StartTask(d, reason); err != nil {
		h.logger.Error().Err(err).Str("descriptor_id", id).Msg("Failed to start task")
	}
}

// HandleEvent matches the event against descriptor triggers and against
// instances waiting for it. A trigger with zero matching descriptors is a
// no-op.
func (h *Handler) HandleEvent(ev *bus.Event) {
	h.mu.Lock()
	ids := append([]string(nil), h.eventTriggers[ev.MessageType]...)

	// resume instances suspended on this event
	type pending struct {
		rt  *RunningTask
		eff Effect
	}
	var resumed []pending
	now := h.now()
	for _, rt := range h.tasks {
		if eff, handled := rt.HandleEvent(ev, h.fanOut, now); handled {
			resumed = append(resumed, pending{rt, eff})
		}
	}
	h.mu.Unlock()

	for _, p := range resumed {
		h.apply(p.rt, p.eff)
	}
	for _, id := range ids {
		metrics.TriggersFiredTotal.WithLabelValues("event").Inc()
		h.startByID(id, fmt.Sprintf("event %s", ev.MessageType))
	}
}

// StartTask starts a new instance of the descriptor, honoring its surpass
// policy when an instance is already running.
func (h *Handler) StartTask(d Descriptor, reason string) (*RunningTask, error) {
	h.mu.Lock()
	running := h.runningInstanceLocked(d.ID())
	if running != nil {
		switch d.OnSurpass() {
		case SurpassSkip:
			h.mu.Unlock()
			h.logger.Debug().Str("descriptor_id", d.ID()).Msg("Instance already running, skipping start")
			return nil, nil
		case SurpassWait:
			// at most one queued successor, regardless of how often the
			// trigger fires while the instance runs
			h.deferred[d.ID()] = struct{}{}
			h.mu.Unlock()
			h.logger.Debug().Str("descriptor_id", d.ID()).Msg("Instance already running, deferring start")
			return nil, nil
		case SurpassReplace:
			h.logger.Info().Str("descriptor_id", d.ID()).Str("task_id", running.ID).Msg("Replacing running instance")
			h.removeTaskLocked(running)
		case SurpassParallel:
		}
	}

	now := h.now()
	rt := NewRunningTask(d, now)
	h.tasks[rt.ID] = rt
	eff := rt.EnterStep(h.fanOut, now)
	h.mu.Unlock()

	metrics.TasksStartedTotal.WithLabelValues(d.Name()).Inc()
	h.bus.EmitEvent(bus.MessageTaskStarted, bus.Json{"task": d.Name(), "task_id": rt.ID, "reason": reason})
	h.logger.Info().Str("task_id", rt.ID).Str("descriptor", d.Name()).Str("reason", reason).Msg("Task started")
	h.apply(rt, eff)
	return rt, nil
}

func (h *Handler) runningInstanceLocked(descriptorID string) *RunningTask {
	for _, rt := range h.tasks {
		if rt.DescriptorID == descriptorID && !rt.Terminal() {
			return rt
		}
	}
	return nil
}

// HandleActionDone applies a subscriber acknowledgement to its instance.
func (h *Handler) HandleActionDone(done *bus.ActionDone) error {
	h.mu.Lock()
	rt, ok := h.tasks[done.TaskID]
	if !ok {
		h.mu.Unlock()
		return fmt.Errorf("no running task %s", done.TaskID)
	}
	eff, handled := rt.HandleActionDone(done, h.fanOut, h.now())
	h.mu.Unlock()

	if !handled {
		h.logger.Debug().
			Str("task_id", done.TaskID).
			Str("step", done.StepName).
			Str("subscriber_id", done.SubscriberID).
			Msg("Ignoring unexpected action done")
		return nil
	}
	h.apply(rt, eff)
	return nil
}

// HandleActionError applies a subscriber failure to its instance.
func (h *Handler) HandleActionError(actionErr *bus.ActionError) error {
	h.mu.Lock()
	rt, ok := h.tasks[actionErr.TaskID]
	if !ok {
		h.mu.Unlock()
		return fmt.Errorf("no running task %s", actionErr.TaskID)
	}
	eff, handled := rt.HandleActionError(actionErr, h.fanOut, h.now())
	h.mu.Unlock()

	if handled {
		h.logger.Warn().
			Str("task_id", actionErr.TaskID).
			Str("step", actionErr.StepName).
			Str("subscriber_id", actionErr.SubscriberID).
			Str("error", actionErr.Error).
			Msg("Subscriber reported action error")
		h.apply(rt, eff)
	}
	return nil
}

// EvictSubscriber treats the subscriber as gone: every instance still waiting
// for it sees an ActionError("subscriber_gone").
func (h *Handler) EvictSubscriber(subscriberID string) {
	h.mu.Lock()
	type pending struct {
		rt  *RunningTask
		eff Effect
	}
	var affected []pending
	now := h.now()
	for _, rt := range h.tasks {
		if eff, handled := rt.EvictSubscriber(subscriberID, h.fanOut, now); handled {
			affected = append(affected, pending{rt, eff})
		}
	}
	h.mu.Unlock()

	for _, p := range affected {
		h.apply(p.rt, p.eff)
	}
}

// ListAllPendingActionsFor reports every action the subscriber still owes an
// acknowledgement for.
func (h *Handler) ListAllPendingActionsFor(subscriberID string) []*bus.Action {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []*bus.Action
	for _, rt := range h.tasks {
		if _, pending := rt.PendingAcks[subscriberID]; !pending {
			continue
		}
		step := rt.CurrentStep()
		if step == nil {
			continue
		}
		if action, ok := step.Action.(PerformAction); ok {
			out = append(out, &bus.Action{
				MessageType: action.MessageType,
				TaskID:      rt.ID,
				StepName:    step.Name,
				Data:        rt.ReceivedData,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out
}

// CheckOverdueTasks expires step deadlines, garbage-collects terminal
// instances, and promotes deferred starts.
func (h *Handler) CheckOverdueTasks() {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.OverdueSweepDuration)

	h.mu.Lock()
	now := h.now()
	type pending struct {
		rt  *RunningTask
		eff Effect
	}
	var expired []pending
	for _, rt := range h.tasks {
		if rt.Terminal() {
			h.removeTaskLocked(rt)
			continue
		}
		if eff, handled := rt.CheckDeadline(h.fanOut, now); handled {
			h.logger.Warn().
				Str("task_id", rt.ID).
				Str("descriptor", rt.Descriptor.Name).
				Msg("Step deadline expired")
			expired = append(expired, pending{rt, eff})
		}
	}

	var promote []Descriptor
	for id := range h.deferred {
		if h.runningInstanceLocked(id) == nil {
			if d := h.descriptorLocked(id); d != nil {
				promote = append(promote, d)
			}
			delete(h.deferred, id)
		}
	}
	h.mu.Unlock()

	for _, p := range expired {
		h.apply(p.rt, p.eff)
	}
	for _, d := range promote {
		if _, err := h.StartTask(d, "deferred start"); err != nil {
			h.logger.Error().Err(err).Str("descriptor_id", d.ID()).Msg("Failed to promote deferred start")
		}
	}
}

// ParseJobLine parses the compact job syntax; see the package function.
func (h *Handler) ParseJobLine(name, line string) (*Job, error) {
	return ParseJobLine(name, line)
}

// fanOut must be called with h.mu held or from within a locked transition.
func (h *Handler) fanOut(messageType string) []string {
	subs := h.registry.SubscribersFor(messageType)
	ids := make([]string, 0, len(subs))
	for _, s := range subs {
		ids = append(ids, s.ID)
	}
	return ids
}

// apply publishes the transition's messages, launches a requested command, and
// persists or removes the instance depending on its state.
func (h *Handler) apply(rt *RunningTask, eff Effect) {
	for _, msg := range eff.Emit {
		if _, ok := msg.(*bus.Action); ok {
			metrics.ActionsEmittedTotal.WithLabelValues(msg.Type()).Inc()
		}
		h.bus.Emit(msg)
	}
	if eff.RunCommand != "" {
		h.runCommand(rt, eff.RunCommand)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if rt.State == StateCompleted {
		h.removeTaskLocked(rt)
		return
	}
	if rt.State == StateFailed {
		// failed instances stay visible until the next overdue sweep
		metrics.TasksCompletedTotal.WithLabelValues("failed").Inc()
		h.persistLocked(rt)
		return
	}
	h.persistLocked(rt)
}

func (h *Handler) runCommand(rt *RunningTask, command string) {
	stepName := rt.CurrentStepName()
	timeout := time.Duration(0)
	if step := rt.CurrentStep(); step != nil {
		timeout = step.Timeout
	}
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ctx := h.ctx
		if ctx == nil {
			ctx = context.Background()
		}
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		_, err := h.executor.Execute(ctx, command)
		select {
		case h.cmdResults <- cmdResult{taskID: rt.ID, stepName: stepName, command: command, err: err}:
		default:
			h.logger.Error().Str("task_id", rt.ID).Msg("Command result queue full, dropping result")
		}
	}()
}

func (h *Handler) handleCommandResult(res cmdResult) {
	if res.err != nil {
		h.logger.Warn().Msg(fmt.Sprintf("Command %s failed: %v", res.command, res.err))
	}
	h.mu.Lock()
	rt, ok := h.tasks[res.taskID]
	if !ok {
		h.mu.Unlock()
		return
	}
	eff, handled := rt.HandleCommandResult(res.stepName, res.err, h.fanOut, h.now())
	h.mu.Unlock()
	if handled {
		h.apply(rt, eff)
	}
}

// persistLocked writes the instance through to the store; removeTaskLocked
// deletes it and records the final metrics.
func (h *Handler) persistLocked(rt *RunningTask) {
	doc, err := storage.NewDocument(rt.ID, rt)
	if err != nil {
		h.logger.Error().Err(err).Str("task_id", rt.ID).Msg("Failed to encode running task")
		return
	}
	doc.Rev = rt.rev
	stored, err := storage.Save(h.runningColl, doc)
	if err != nil {
		h.logger.Error().Err(err).Str("task_id", rt.ID).Msg("Failed to persist running task")
		return
	}
	rt.rev = stored.Rev
}

func (h *Handler) removeTaskLocked(rt *RunningTask) {
	if _, ok := h.tasks[rt.ID]; !ok {
		return
	}
	delete(h.tasks, rt.ID)
	if err := h.runningColl.Delete(rt.ID); err != nil {
		h.logger.Error().Err(err).Str("task_id", rt.ID).Msg("Failed to delete running task")
	}
	if rt.State == StateCompleted {
		metrics.TasksCompletedTotal.WithLabelValues("done").Inc()
		metrics.TaskDuration.WithLabelValues(rt.Descriptor.Name).Observe(h.now().Sub(rt.StartedAt).Seconds())
	}
	h.logger.Info().
		Str("task_id", rt.ID).
		Str("descriptor", rt.Descriptor.Name).
		Str("state", string(rt.State)).
		Msg("Task instance removed")
}

// listen drains the bus subscription and the command results until cancelled.
func (h *Handler) listen(ctx context.Context) {
	defer h.wg.Done()
	for {
		select {
		case msg, ok := <-h.events.C:
			if !ok {
				return
			}
			if ev, isEvent := msg.(*bus.Event); isEvent {
				h.HandleEvent(ev)
			}
		case res := <-h.cmdResults:
			h.handleCommandResult(res)
		case <-ctx.Done():
			return
		}
	}
}

// sweep runs the overdue check on a fixed interval. Failures inside one sweep
// are logged and the next tick continues.
func (h *Handler) sweep(ctx context.Context) {
	defer h.wg.Done()
	ticker := time.NewTicker(DefaultOverdueInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.CheckOverdueTasks()
		case <-ctx.Done():
			return
		}
	}
}
