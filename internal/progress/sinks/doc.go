// Package sinks holds the progress.Sink implementations: structured logging
// and Prometheus metrics for scrape passes.
package sinks
