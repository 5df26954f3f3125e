// Package notify posts segment lifecycle events to an HTTP webhook.
//
// Requests are JSON, bounded by a concurrency semaphore and retried with
// exponential backoff on 5xx, 429 and network errors.
package notify
