// Package guard watches for recording interruptions: audio focus changes,
// phone calls and low free storage. Every guard reports through tagged
// Events delivered to a single consumer.
package guard
