/*
Package workq implements the worker task queue of resotocore.

External workers attach with a set of task descriptions (a task name plus an
attribute filter) and receive matching tasks on a per-worker channel. The queue
picks the least loaded matching worker, parks tasks nobody can serve, retries
failed or timed-out attempts up to MaxRetries on a different worker when one
exists, and completes each task's result future exactly once. Detaching a
worker returns its in-flight tasks to rotation with an incremented retry
counter.
*/
package workq
