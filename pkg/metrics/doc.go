/*
Package metrics exposes the conversion engine's progress as Prometheus
collectors: iteration number, files migrated, the no-progress counter, and
per-operation timing. It never runs an HTTP server itself — Handler returns
a promhttp handler a caller can mount on its own mux, and Collector polls a
Provider func on a 1s ticker so the gauges track a single iteration without
this package importing the engine.
*/
package metrics
