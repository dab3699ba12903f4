// Package progress carries scrape pass milestones from the scheduler to
// observers. Emit never blocks the pass: events are buffered, batched on a
// background goroutine and handed to sinks such as the log and Prometheus
// sinks in progress/sinks.
package progress
