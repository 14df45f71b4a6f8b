// Package pipeline moves closed chunks through transcription and triggers a
// summary once every chunk of a session is transcribed. Work runs on the
// durable queue, so it resumes after a restart.
package pipeline
