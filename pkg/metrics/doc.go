// Package metrics exposes Prometheus instrumentation for the message
// pipeline: dispatch counts, accumulator outcomes, commit and expiry
// counters, and an account database latency histogram that the storage
// package does not record into. Register once at startup;
// Handler serves the scrape endpoint.
package metrics
