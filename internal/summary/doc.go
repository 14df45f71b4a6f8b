// Package summary produces structured meeting summaries from transcripts
// using a streaming chat completion model.
package summary
