package task

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkflowRoundTrip(t *testing.T) {
	wf := &Workflow{
		WorkflowID:   "collect_and_cleanup",
		WorkflowName: "Collect and cleanup",
		WorkflowSteps: []Step{
			{Name: "pre", Action: EmitEvent{Event: "collect_starting"}, Timeout: time.Second},
			{Name: "collect", Action: PerformAction{MessageType: "collect"}, Timeout: time.Minute},
			{Name: "pause", Action: WaitDuration{Duration: 5 * time.Second}},
			{Name: "notify", Action: SendMessage{MessageType: "collect_finished"}},
			{Name: "clean", Action: ExecuteCommand{Command: "cleanup --plan"}, Timeout: time.Hour, OnError: StepErrorStop},
			{Name: "confirm", Action: WaitForEvent{Event: "cleanup_confirmed"}, Timeout: time.Minute},
		},
		TriggerList: []Trigger{
			EventTrigger{Event: "start_collect"},
			TimeTrigger{Cron: "0 4 * * *"},
		},
		Surpass: SurpassWait,
	}

	data, err := json.Marshal(wf)
	require.NoError(t, err)

	var decoded Workflow
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, wf.WorkflowID, decoded.WorkflowID)
	require.Len(t, decoded.WorkflowSteps, 6)
	assert.Equal(t, PerformAction{MessageType: "collect"}, decoded.WorkflowSteps[1].Action)
	assert.Equal(t, WaitDuration{Duration: 5 * time.Second}, decoded.WorkflowSteps[2].Action)
	assert.Equal(t, ExecuteCommand{Command: "cleanup --plan"}, decoded.WorkflowSteps[4].Action)
	assert.Equal(t, StepErrorStop, decoded.WorkflowSteps[4].OnError)
	require.Len(t, decoded.TriggerList, 2)
	assert.Equal(t, EventTrigger{Event: "start_collect"}, decoded.TriggerList[0])
	assert.Equal(t, TimeTrigger{Cron: "0 4 * * *"}, decoded.TriggerList[1])
	assert.Equal(t, SurpassWait, decoded.Surpass)
}

func TestSnapshotFreezesDescriptor(t *testing.T) {
	wf := &Workflow{
		WorkflowID:    "wf",
		WorkflowName:  "workflow",
		WorkflowSteps: []Step{{Name: "act", Action: PerformAction{MessageType: "collect"}}},
	}
	snap := SnapshotOf(wf)

	// editing the descriptor afterwards does not change the snapshot
	wf.WorkflowSteps[0] = Step{Name: "other", Action: PerformAction{MessageType: "cleanup"}}
	assert.Equal(t, "act", snap.Steps[0].Name)
}

func TestStepErrorBehaviourDefault(t *testing.T) {
	s := Step{Name: "act", Action: PerformAction{MessageType: "collect"}}
	assert.Equal(t, StepErrorContinue, s.errorBehaviour())
}

func TestUnknownActionKindRejected(t *testing.T) {
	var s Step
	err := json.Unmarshal([]byte(`{"name":"x","kind":"bogus","action":{}}`), &s)
	assert.Error(t, err)
}
