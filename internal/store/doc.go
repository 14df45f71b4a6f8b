// Package store persists chunk transcription state and session summaries in
// SQLite through GORM. Updates are per record and per field, and callers can
// watch a session for changes.
package store
