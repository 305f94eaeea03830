package task

import (
	"time"

	"github.com/google/uuid"

	"github.com/jcputter/resoto/pkg/bus"
)

// InstanceState is the execution state of a running task.
type InstanceState string

const (
	// StateWaiting means the instance is suspended on an event or duration.
	StateWaiting InstanceState = "waiting"
	// StateInAction means an action fan-out or a command is in flight.
	StateInAction InstanceState = "in_action"
	// StateCompleted and StateFailed are terminal.
	StateCompleted InstanceState = "completed"
	StateFailed    InstanceState = "failed"
)

// FanOut answers which subscribers must acknowledge an action of the given
// message type, in deterministic order.
type FanOut func(messageType string) []string

// Effect is what a state transition asks the surrounding handler to do:
// publish messages and, for ExecuteCommand steps, run a command line.
type Effect struct {
	Emit       []bus.Message
	RunCommand string // command of the entered ExecuteCommand step
}

func (e *Effect) emit(msgs ...bus.Message) {
	e.Emit = append(e.Emit, msgs...)
}

func (e *Effect) merge(other Effect) {
	e.Emit = append(e.Emit, other.Emit...)
	if other.RunCommand != "" {
		e.RunCommand = other.RunCommand
	}
}

// RunningTask is one live execution of a descriptor. All mutation goes through
// the owning handler, which serializes access; the struct itself carries no
// lock so it can be persisted as a document.
type RunningTask struct {
	ID           string              `json:"id"`
	DescriptorID string              `json:"descriptor_id"`
	Descriptor   Snapshot            `json:"descriptor"`
	StepIndex    int                 `json:"step_index"`
	State        InstanceState       `json:"state"`
	PendingAcks  map[string]struct{} `json:"pending_acks,omitempty"`
	ReceivedData bus.Json            `json:"received_data,omitempty"`
	StartedAt    time.Time           `json:"started_at"`
	StepStartedAt time.Time           `json:"step_started_at"`
	WaitEvent    string              `json:"wait_event,omitempty"`
	WaitUntil    time.Time           `json:"wait_until,omitempty"`

	rev string
}

// NewRunningTask creates an instance at step zero; EnterStep drives it.
func NewRunningTask(d Descriptor, now time.Time) *RunningTask {
	return &RunningTask{
		ID:           uuid.NewString(),
		DescriptorID: d.ID(),
		Descriptor:   SnapshotOf(d),
		StepIndex:    0,
		State:        StateWaiting,
		ReceivedData: bus.Json{},
		StartedAt:    now,
	}
}

// Terminal reports whether the instance reached a terminal state.
func (rt *RunningTask) Terminal() bool {
	return rt.State == StateCompleted || rt.State == StateFailed
}

// CurrentStep returns the step the instance is positioned on, or nil past the
// last step.
func (rt *RunningTask) CurrentStep() *Step {
	if rt.StepIndex < len(rt.Descriptor.Steps) {
		return &rt.Descriptor.Steps[rt.StepIndex]
	}
	return nil
}

// CurrentStepName returns the name of the current step, or "" when terminal.
func (rt *RunningTask) CurrentStepName() string {
	if step := rt.CurrentStep(); step != nil {
		return step.Name
	}
	return ""
}

// EnterStep executes the current step's entry action and keeps advancing
// through steps that complete instantly.
func (rt *RunningTask) EnterStep(fanOut FanOut, now time.Time) Effect {
	var eff Effect
	for {
		step := rt.CurrentStep()
		if step == nil {
			rt.complete(&eff, StateCompleted)
			return eff
		}
		rt.StepStartedAt = now
		rt.PendingAcks = nil
		rt.WaitEvent = ""
		rt.WaitUntil = time.Time{}

		switch action := step.Action.(type) {
		case PerformAction:
			subscribers := fanOut(action.MessageType)
			eff.emit(&bus.Action{
				MessageType: action.MessageType,
				TaskID:      rt.ID,
				StepName:    step.Name,
				Data:        rt.ReceivedData,
			})
			if len(subscribers) == 0 {
				rt.StepIndex++
				continue
			}
			acks := make(map[string]struct{}, len(subscribers))
			for _, id := range subscribers {
				acks[id] = struct{}{}
			}
			rt.PendingAcks = acks
			rt.State = StateInAction
			if step.Timeout > 0 {
				rt.WaitUntil = now.Add(step.Timeout)
			}
			return eff
		case ExecuteCommand:
			rt.State = StateInAction
			eff.RunCommand = action.Command
			return eff
		case WaitForEvent:
			rt.State = StateWaiting
			rt.WaitEvent = action.Event
			if step.Timeout > 0 {
				rt.WaitUntil = now.Add(step.Timeout)
			}
			return eff
		case WaitDuration:
			rt.State = StateWaiting
			rt.WaitUntil = now.Add(action.Duration)
			return eff
		case EmitEvent:
			data := bus.Json{"task": rt.Descriptor.Name}
			for k, v := range action.Data {
				data[k] = v
			}
			eff.emit(&bus.Event{MessageType: action.Event, Data: data, At: now})
			rt.StepIndex++
		case SendMessage:
			eff.emit(&bus.Event{MessageType: action.MessageType, Data: action.Data, At: now})
			rt.StepIndex++
		default:
			rt.StepIndex++
		}
	}
}

// HandleActionDone processes a subscriber acknowledgement. It reports whether
// the message applied to the current step.
func (rt *RunningTask) HandleActionDone(done *bus.ActionDone, fanOut FanOut, now time.Time) (Effect, bool) {
	var eff Effect
	if !rt.expectsAck(done.TaskID, done.StepName) {
		return eff, false
	}
	if _, pending := rt.PendingAcks[done.SubscriberID]; !pending {
		return eff, false
	}
	delete(rt.PendingAcks, done.SubscriberID)
	for k, v := range done.Data {
		rt.ReceivedData[k] = v
	}
	if len(rt.PendingAcks) == 0 {
		rt.StepIndex++
		eff.merge(rt.EnterStep(fanOut, now))
	}
	return eff, true
}

// HandleActionError processes a subscriber failure according to the step's
// error behaviour.
func (rt *RunningTask) HandleActionError(actionErr *bus.ActionError, fanOut FanOut, now time.Time) (Effect, bool) {
	var eff Effect
	if !rt.expectsAck(actionErr.TaskID, actionErr.StepName) {
		return eff, false
	}
	if _, pending := rt.PendingAcks[actionErr.SubscriberID]; !pending {
		return eff, false
	}
	step := rt.CurrentStep()
	if step.errorBehaviour() == StepErrorStop {
		rt.complete(&eff, StateFailed)
		return eff, true
	}
	// continue: the error counts as an acknowledgement
	delete(rt.PendingAcks, actionErr.SubscriberID)
	if len(rt.PendingAcks) == 0 {
		rt.StepIndex++
		eff.merge(rt.EnterStep(fanOut, now))
	}
	return eff, true
}

// HandleEvent resumes a WaitForEvent step when its event arrives.
func (rt *RunningTask) HandleEvent(ev *bus.Event, fanOut FanOut, now time.Time) (Effect, bool) {
	var eff Effect
	if rt.State != StateWaiting || rt.WaitEvent == "" || rt.WaitEvent != ev.MessageType {
		return eff, false
	}
	rt.StepIndex++
	eff.merge(rt.EnterStep(fanOut, now))
	return eff, true
}

// HandleCommandResult finishes an ExecuteCommand step. A failed command stops
// or continues the instance per the step's error behaviour.
func (rt *RunningTask) HandleCommandResult(stepName string, cmdErr error, fanOut FanOut, now time.Time) (Effect, bool) {
	var eff Effect
	step := rt.CurrentStep()
	if rt.State != StateInAction || step == nil || step.Name != stepName {
		return eff, false
	}
	if _, ok := step.Action.(ExecuteCommand); !ok {
		return eff, false
	}
	if cmdErr != nil && step.errorBehaviour() == StepErrorStop {
		rt.complete(&eff, StateFailed)
		return eff, true
	}
	rt.StepIndex++
	eff.merge(rt.EnterStep(fanOut, now))
	return eff, true
}

// CheckDeadline expires the current step when its wait ran out. A timed-out
// action fan-out is equivalent to an ActionError("timeout") from every still
// pending subscriber; expiry fires at most once since the transition clears
// the deadline.
func (rt *RunningTask) CheckDeadline(fanOut FanOut, now time.Time) (Effect, bool) {
	var eff Effect
	if rt.Terminal() || rt.WaitUntil.IsZero() || now.Before(rt.WaitUntil) {
		return eff, false
	}
	step := rt.CurrentStep()
	if step == nil {
		return eff, false
	}
	switch step.Action.(type) {
	case PerformAction:
		if step.errorBehaviour() == StepErrorStop {
			rt.complete(&eff, StateFailed)
			return eff, true
		}
	case WaitForEvent:
		if step.errorBehaviour() == StepErrorStop {
			rt.complete(&eff, StateFailed)
			return eff, true
		}
	}
	rt.StepIndex++
	eff.merge(rt.EnterStep(fanOut, now))
	return eff, true
}

// EvictSubscriber treats the eviction as ActionError("subscriber_gone") when
// the subscriber is still in the pending acknowledgement set.
func (rt *RunningTask) EvictSubscriber(subscriberID string, fanOut FanOut, now time.Time) (Effect, bool) {
	if _, pending := rt.PendingAcks[subscriberID]; !pending {
		return Effect{}, false
	}
	return rt.HandleActionError(&bus.ActionError{
		MessageType:  "subscriber_eviction",
		TaskID:       rt.ID,
		StepName:     rt.CurrentStepName(),
		SubscriberID: subscriberID,
		Error:        "subscriber_gone",
	}, fanOut, now)
}

func (rt *RunningTask) complete(eff *Effect, state InstanceState) {
	rt.State = state
	rt.PendingAcks = nil
	rt.WaitEvent = ""
	rt.WaitUntil = time.Time{}
	result := "done"
	if state == StateFailed {
		result = "failed"
	}
	eff.emit(&bus.Event{
		MessageType: bus.MessageTaskEnd,
		Data:        bus.Json{"task": rt.Descriptor.Name, "task_id": rt.ID, "result": result},
	})
}

func (rt *RunningTask) expectsAck(taskID, stepName string) bool {
	if taskID != rt.ID || rt.State != StateInAction {
		return false
	}
	step := rt.CurrentStep()
	if step == nil || step.Name != stepName {
		return false
	}
	_, ok := step.Action.(PerformAction)
	return ok
}
