package task

import (
	"fmt"
	"strings"
	"time"
)

// DefaultJobTimeout bounds a job's command execution when none is given.
const DefaultJobTimeout = time.Hour

// ParseJobLine parses the compact job syntax
//
//	[cron] [event] : command
//
// where cron is a 5-field expression, at most one of cron and event may be
// absent, and the command after the colon is mandatory. Examples:
//
//	0 5 * * sat : cleanup
//	0 5 * * sat cleanup_plan : cleanup
//	cleanup_plan : cleanup
func ParseJobLine(name, line string) (*Job, error) {
	idx := strings.Index(line, ":")
	if idx < 0 {
		return nil, fmt.Errorf("%w: job %q misses the colon separating trigger and command", ErrParse, name)
	}
	command := strings.TrimSpace(line[idx+1:])
	if command == "" {
		return nil, fmt.Errorf("%w: job %q has no command", ErrParse, name)
	}

	job := &Job{JobID: name, Command: command, Timeout: DefaultJobTimeout}
	tokens := strings.Fields(line[:idx])
	switch len(tokens) {
	case 1:
		job.Trigger = EventTrigger{Event: tokens[0]}
	case 5:
		cronExpr := strings.Join(tokens, " ")
		if err := ValidateCron(cronExpr); err != nil {
			return nil, err
		}
		job.Trigger = TimeTrigger{Cron: cronExpr}
	case 6:
		cronExpr := strings.Join(tokens[:5], " ")
		if err := ValidateCron(cronExpr); err != nil {
			return nil, err
		}
		job.Trigger = TimeTrigger{Cron: cronExpr}
		job.Wait = &EventTrigger{Event: tokens[5]}
	default:
		return nil, fmt.Errorf("%w: job %q needs a cron expression, an event, or both before the colon", ErrParse, name)
	}
	return job, nil
}
