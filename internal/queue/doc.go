// Package queue is a durable, keyed work queue persisted in the application
// database. Jobs survive restarts, are unique per key, retry with exponential
// backoff and can require network connectivity before they run.
package queue
