/*
Package log provides structured logging for resotocore.

It wraps zerolog with a global logger plus child-logger constructors that
attach the fields used across the orchestration core (component, task_id,
worker_id, subscriber_id, config_id). Output is either human-readable console
format or JSON, selected at initialization.
*/
package log
