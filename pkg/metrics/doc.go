/*
Package metrics defines and registers the engine's Prometheus metrics:
queue depth and wait time for the event queue, scheduling latency and
task dispatch/cancellation counts for the scheduler, async pool
occupancy, RLS token counts, memory pool allocation source, and type
resolution duration. Metrics are exposed via Handler() for mounting on
an HTTP mux, the same promhttp.Handler() the rest of the ecosystem uses.

Timer is a small helper: start one at the beginning of an operation,
call ObserveDuration (or ObserveDurationVec for labeled histograms)
when it finishes.
*/
package metrics
