// Package apierr classifies failures of the remote transcription and
// summarization services as retryable or fatal.
package apierr
