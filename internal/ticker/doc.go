// Package ticker provides the recording clocks: a one-second elapsed counter
// and a wall-clock chunk rotation timer.
package ticker
