// Package metrics exposes Prometheus metrics for recording, the job queue,
// transcription, summarization and the control API.
package metrics
