package task

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jcputter/resoto/pkg/bus"
)

// ErrParse marks malformed job lines and cron expressions. It is surfaced to
// the caller and never fatal.
var ErrParse = errors.New("parse error")

// StepErrorBehaviour decides how a step reacts to a failed participant.
type StepErrorBehaviour string

const (
	// StepErrorContinue treats the failure as an acknowledgement and moves on.
	StepErrorContinue StepErrorBehaviour = "continue"
	// StepErrorStop fails the whole task instance.
	StepErrorStop StepErrorBehaviour = "stop"
)

// SurpassBehaviour decides what happens when a new instance of a descriptor
// would start while one is already running.
type SurpassBehaviour string

const (
	SurpassSkip     SurpassBehaviour = "skip"
	SurpassWait     SurpassBehaviour = "wait"
	SurpassReplace  SurpassBehaviour = "replace"
	SurpassParallel SurpassBehaviour = "parallel"
)

// StepAction is the tagged variant of what a step does when entered.
type StepAction interface {
	stepAction()
}

// PerformAction fans out an action to every subscriber of MessageType and
// waits for their acknowledgements.
type PerformAction struct {
	MessageType string `json:"message_type"`
}

// ExecuteCommand runs a command line on the CLI engine.
type ExecuteCommand struct {
	Command string `json:"command"`
}

// WaitForEvent suspends the task until the named event arrives.
type WaitForEvent struct {
	Event string `json:"event"`
}

// WaitDuration suspends the task for a fixed duration.
type WaitDuration struct {
	Duration time.Duration `json:"duration"`
}

// EmitEvent publishes an event enriched with the task context and advances.
type EmitEvent struct {
	Event string   `json:"event"`
	Data  bus.Json `json:"data,omitempty"`
}

// SendMessage publishes an arbitrary event envelope unchanged and advances.
type SendMessage struct {
	MessageType string   `json:"message_type"`
	Data        bus.Json `json:"data,omitempty"`
}

func (PerformAction) stepAction()  {}
func (ExecuteCommand) stepAction() {}
func (WaitForEvent) stepAction()   {}
func (WaitDuration) stepAction()   {}
func (EmitEvent) stepAction()      {}
func (SendMessage) stepAction()    {}

// Step is one atomic unit of a descriptor.
type Step struct {
	Name    string             `json:"name"`
	Action  StepAction         `json:"-"`
	Timeout time.Duration      `json:"timeout"`
	OnError StepErrorBehaviour `json:"on_error"`
}

type stepEnvelope struct {
	Name    string             `json:"name"`
	Kind    string             `json:"kind"`
	Action  json.RawMessage    `json:"action"`
	Timeout time.Duration      `json:"timeout"`
	OnError StepErrorBehaviour `json:"on_error"`
}

func actionKind(a StepAction) string {
	switch a.(type) {
	case PerformAction:
		return "perform_action"
	case ExecuteCommand:
		return "execute_command"
	case WaitForEvent:
		return "wait_for_event"
	case WaitDuration:
		return "wait_duration"
	case EmitEvent:
		return "emit_event"
	case SendMessage:
		return "send_message"
	default:
		return ""
	}
}

// MarshalJSON encodes the step with its action variant tagged by kind.
func (s Step) MarshalJSON() ([]byte, error) {
	kind := actionKind(s.Action)
	if kind == "" {
		return nil, fmt.Errorf("unknown step action %T", s.Action)
	}
	action, err := json.Marshal(s.Action)
	if err != nil {
		return nil, err
	}
	return json.Marshal(stepEnvelope{
		Name:    s.Name,
		Kind:    kind,
		Action:  action,
		Timeout: s.Timeout,
		OnError: s.OnError,
	})
}

// UnmarshalJSON decodes the tagged action variant.
func (s *Step) UnmarshalJSON(data []byte) error {
	var env stepEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	var action StepAction
	switch env.Kind {
	case "perform_action":
		var a PerformAction
		if err := json.Unmarshal(env.Action, &a); err != nil {
			return err
		}
		action = a
	case "execute_command":
		var a ExecuteCommand
		if err := json.Unmarshal(env.Action, &a); err != nil {
			return err
		}
		action = a
	case "wait_for_event":
		var a WaitForEvent
		if err := json.Unmarshal(env.Action, &a); err != nil {
			return err
		}
		action = a
	case "wait_duration":
		var a WaitDuration
		if err := json.Unmarshal(env.Action, &a); err != nil {
			return err
		}
		action = a
	case "emit_event":
		var a EmitEvent
		if err := json.Unmarshal(env.Action, &a); err != nil {
			return err
		}
		action = a
	case "send_message":
		var a SendMessage
		if err := json.Unmarshal(env.Action, &a); err != nil {
			return err
		}
		action = a
	default:
		return fmt.Errorf("unknown step action kind %q", env.Kind)
	}
	s.Name = env.Name
	s.Action = action
	s.Timeout = env.Timeout
	s.OnError = env.OnError
	return nil
}

// errorBehaviour defaults to continue when unset.
func (s Step) errorBehaviour() StepErrorBehaviour {
	if s.OnError == "" {
		return StepErrorContinue
	}
	return s.OnError
}

// Trigger is the tagged variant of what starts a descriptor.
type Trigger interface {
	trigger()
}

// EventTrigger starts the descriptor when the named event fires.
type EventTrigger struct {
	Event string `json:"event"`
}

// TimeTrigger starts the descriptor on a 5-field cron schedule.
type TimeTrigger struct {
	Cron string `json:"cron"`
}

func (EventTrigger) trigger() {}
func (TimeTrigger) trigger()  {}

type triggerEnvelope struct {
	Kind  string `json:"kind"`
	Event string `json:"event,omitempty"`
	Cron  string `json:"cron,omitempty"`
}

// MarshalTriggers encodes a trigger list with tagged variants.
func MarshalTriggers(triggers []Trigger) ([]byte, error) {
	envs := make([]triggerEnvelope, 0, len(triggers))
	for _, t := range triggers {
		switch trig := t.(type) {
		case EventTrigger:
			envs = append(envs, triggerEnvelope{Kind: "event", Event: trig.Event})
		case TimeTrigger:
			envs = append(envs, triggerEnvelope{Kind: "time", Cron: trig.Cron})
		default:
			return nil, fmt.Errorf("unknown trigger %T", t)
		}
	}
	return json.Marshal(envs)
}

// UnmarshalTriggers decodes a trigger list with tagged variants.
func UnmarshalTriggers(data []byte) ([]Trigger, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var envs []triggerEnvelope
	if err := json.Unmarshal(data, &envs); err != nil {
		return nil, err
	}
	triggers := make([]Trigger, 0, len(envs))
	for _, env := range envs {
		switch env.Kind {
		case "event":
			triggers = append(triggers, EventTrigger{Event: env.Event})
		case "time":
			triggers = append(triggers, TimeTrigger{Cron: env.Cron})
		default:
			return nil, fmt.Errorf("unknown trigger kind %q", env.Kind)
		}
	}
	return triggers, nil
}

// Descriptor is the static definition of a workflow or job.
type Descriptor interface {
	ID() string
	Name() string
	Steps() []Step
	Triggers() []Trigger
	OnSurpass() SurpassBehaviour
}

// Workflow is an administrator-defined sequence of steps with triggers.
type Workflow struct {
	WorkflowID    string           `json:"id"`
	WorkflowName  string           `json:"name"`
	WorkflowSteps []Step           `json:"steps"`
	TriggerList   []Trigger        `json:"-"`
	Surpass       SurpassBehaviour `json:"on_surpass"`
}

func (w *Workflow) ID() string          { return w.WorkflowID }
func (w *Workflow) Name() string        { return w.WorkflowName }
func (w *Workflow) Steps() []Step       { return w.WorkflowSteps }
func (w *Workflow) Triggers() []Trigger { return w.TriggerList }

func (w *Workflow) OnSurpass() SurpassBehaviour {
	if w.Surpass == "" {
		return SurpassSkip
	}
	return w.Surpass
}

type workflowEnvelope struct {
	ID        string           `json:"id"`
	Name      string           `json:"name"`
	Steps     []Step           `json:"steps"`
	Triggers  json.RawMessage  `json:"triggers"`
	OnSurpass SurpassBehaviour `json:"on_surpass"`
}

func (w *Workflow) MarshalJSON() ([]byte, error) {
	triggers, err := MarshalTriggers(w.TriggerList)
	if err != nil {
		return nil, err
	}
	return json.Marshal(workflowEnvelope{
		ID:        w.WorkflowID,
		Name:      w.WorkflowName,
		Steps:     w.WorkflowSteps,
		Triggers:  triggers,
		OnSurpass: w.Surpass,
	})
}

func (w *Workflow) UnmarshalJSON(data []byte) error {
	var env workflowEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	triggers, err := UnmarshalTriggers(env.Triggers)
	if err != nil {
		return err
	}
	w.WorkflowID = env.ID
	w.WorkflowName = env.Name
	w.WorkflowSteps = env.Steps
	w.TriggerList = triggers
	w.Surpass = env.OnSurpass
	return nil
}

// DefaultJobWaitTimeout bounds how long a triggered job waits for its wait
// event before the wait step expires.
const DefaultJobWaitTimeout = 24 * time.Hour

// Job is a user-defined command with a trigger and an optional wait event that
// delays execution until the event fires.
type Job struct {
	JobID       string        `json:"id"`
	Command     string        `json:"command"`
	Timeout     time.Duration `json:"timeout"`
	Trigger     Trigger       `json:"-"`
	Wait        *EventTrigger `json:"wait,omitempty"`
	WaitTimeout time.Duration `json:"wait_timeout,omitempty"`
}

func (j *Job) ID() string   { return j.JobID }
func (j *Job) Name() string { return j.JobID }

func (j *Job) Triggers() []Trigger {
	if j.Trigger == nil {
		return nil
	}
	return []Trigger{j.Trigger}
}

func (j *Job) OnSurpass() SurpassBehaviour { return SurpassSkip }

// Steps compiles the job into its internal step sequence: an optional wait for
// the wait event, then the command execution.
func (j *Job) Steps() []Step {
	var steps []Step
	if j.Wait != nil {
		waitTimeout := j.WaitTimeout
		if waitTimeout == 0 {
			waitTimeout = DefaultJobWaitTimeout
		}
		steps = append(steps, Step{
			Name:    "wait",
			Action:  WaitForEvent{Event: j.Wait.Event},
			Timeout: waitTimeout,
			OnError: StepErrorStop,
		})
	}
	return append(steps, Step{
		Name:    "execute_command",
		Action:  ExecuteCommand{Command: j.Command},
		Timeout: j.Timeout,
		OnError: StepErrorStop,
	})
}

type jobEnvelope struct {
	ID          string          `json:"id"`
	Command     string          `json:"command"`
	Timeout     time.Duration   `json:"timeout"`
	Triggers    json.RawMessage `json:"triggers"`
	Wait        *EventTrigger   `json:"wait,omitempty"`
	WaitTimeout time.Duration   `json:"wait_timeout,omitempty"`
}

func (j *Job) MarshalJSON() ([]byte, error) {
	triggers, err := MarshalTriggers(j.Triggers())
	if err != nil {
		return nil, err
	}
	return json.Marshal(jobEnvelope{
		ID:          j.JobID,
		Command:     j.Command,
		Timeout:     j.Timeout,
		Triggers:    triggers,
		Wait:        j.Wait,
		WaitTimeout: j.WaitTimeout,
	})
}

func (j *Job) UnmarshalJSON(data []byte) error {
	var env jobEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	triggers, err := UnmarshalTriggers(env.Triggers)
	if err != nil {
		return err
	}
	j.JobID = env.ID
	j.Command = env.Command
	j.Timeout = env.Timeout
	if len(triggers) > 0 {
		j.Trigger = triggers[0]
	}
	j.Wait = env.Wait
	j.WaitTimeout = env.WaitTimeout
	return nil
}

// Snapshot is the frozen copy of a descriptor stored inside a running task,
// so descriptor edits do not perturb in-flight executions.
type Snapshot struct {
	ID        string           `json:"id"`
	Name      string           `json:"name"`
	Steps     []Step           `json:"steps"`
	OnSurpass SurpassBehaviour `json:"on_surpass"`
}

// SnapshotOf freezes the descriptor.
func SnapshotOf(d Descriptor) Snapshot {
	steps := make([]Step, len(d.Steps()))
	copy(steps, d.Steps())
	return Snapshot{ID: d.ID(), Name: d.Name(), Steps: steps, OnSurpass: d.OnSurpass()}
}
