// Package transcription converts closed chunk files to text. It provides a
// go-openai Whisper client and a generic multipart HTTP client, both
// concurrency-limited and returning classified *apierr.Error failures.
package transcription
