/*
Package task contains the workflow engine of resotocore.

A Descriptor (Workflow or Job) defines an ordered list of steps with triggers
and a surpass policy. When a trigger fires, the Handler creates a RunningTask
holding a frozen snapshot of the descriptor and drives it step by step: action
steps fan out to the subscribers registered for the step's message type and
wait for their acknowledgements, command steps run on the CLI engine, wait
steps suspend until an event arrives or a duration elapses.

Instances are persisted after every transition, so a restarted server resumes
each workflow at its recorded step with its remaining acknowledgement set. The
periodic overdue sweep expires step deadlines, removes finished instances, and
promotes starts deferred by the wait surpass policy.
*/
package task
