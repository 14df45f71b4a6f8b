// Package session implements the recording controller: a single event loop
// that owns the capture engine, tickers and interruption guards, drives the
// Idle/Recording/Paused/Stopped/Error state machine and hands every closed
// chunk to the transcription pipeline in index order.
package session
