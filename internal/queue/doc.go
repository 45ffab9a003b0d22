// Package queue implements the persistent background job queue.
//
// Jobs are durable records in the key/value store; the engine owns their
// lifecycle: enqueue, dequeue by priority, execution through a registered
// handler, retry with exponential backoff, and cleanup of old terminal jobs.
//
// The engine polls. One process per store: two engines polling the same
// store will double-dispatch, so run at most one active instance per
// logical queue (operational constraint, not enforced here).
package queue
