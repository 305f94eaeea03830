/*
Package metrics provides Prometheus instrumentation for resotocore.

It exposes counters, gauges, and histograms covering the task handler (started,
completed, and running task instances, action fan-out), the worker task queue
(outstanding tasks, retries, attached workers), the subscription registry, the
config handler, and the trigger scheduler. All collectors are registered at
package initialization and served through the standard promhttp handler.

The package also carries the component health registry used by the /health,
/ready, and /live HTTP endpoints, plus a small Timer helper for recording
operation latency into histograms.
*/
package metrics
