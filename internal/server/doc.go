// Package server implements the HTTP control API: recording commands,
// simulated interruptions, session transcripts and summaries, the job queue
// and Prometheus metrics.
package server
