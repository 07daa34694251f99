// Package loader provides LoadHandler building blocks for the host.
//
// TypedHandler claims entries by type hierarchy, StaticHandler serves
// lifecycles registered in process, and RetryingHandler wraps any handler with
// backoff and a per-entry circuit breaker.
package loader
