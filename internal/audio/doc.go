// Package audio handles PCM capture, overlap buffering and chunk file output.
// It implements the capture read loop, the overlap ring buffer, WAV header
// encoding and patching, and the on-disk session/chunk layout.
package audio
