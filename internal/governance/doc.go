// Package governance holds the safety controls used around extension loading.
//
// RetryPolicy retries failed loads with exponential backoff. CircuitBreaker
// stops hammering an entry that keeps failing. TimeoutConfig carries the time
// budgets the host applies to loads, mounts and chains.
package governance
