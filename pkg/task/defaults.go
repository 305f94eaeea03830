package task

import "time"

// DefaultWorkflows are seeded at startup when no administrator-defined
// workflow of the same id exists.
func DefaultWorkflows() []*Workflow {
	return []*Workflow{
		{
			WorkflowID:   "collect",
			WorkflowName: "Collect the resources of all configured clouds",
			WorkflowSteps: []Step{
				{Name: "pre_collect", Action: PerformAction{MessageType: "pre_collect"}, Timeout: 10 * time.Second},
				{Name: "collect", Action: PerformAction{MessageType: "collect"}, Timeout: 4 * time.Hour},
				{Name: "post_collect", Action: PerformAction{MessageType: "post_collect"}, Timeout: 10 * time.Second},
			},
			TriggerList: []Trigger{
				EventTrigger{Event: "start_collect_workflow"},
				TimeTrigger{Cron: "0 * * * *"},
			},
			Surpass: SurpassWait,
		},
		{
			WorkflowID:   "cleanup",
			WorkflowName: "Cleanup all resources marked for cleanup",
			WorkflowSteps: []Step{
				{Name: "pre_cleanup_plan", Action: PerformAction{MessageType: "pre_cleanup_plan"}, Timeout: 10 * time.Second},
				{Name: "cleanup_plan", Action: PerformAction{MessageType: "cleanup_plan"}, Timeout: time.Hour},
				{Name: "cleanup", Action: ExecuteCommand{Command: "cleanup"}, Timeout: time.Hour, OnError: StepErrorContinue},
				{Name: "post_cleanup", Action: PerformAction{MessageType: "post_cleanup"}, Timeout: 10 * time.Second},
			},
			TriggerList: []Trigger{
				EventTrigger{Event: "start_cleanup_workflow"},
			},
			Surpass: SurpassSkip,
		},
	}
}
