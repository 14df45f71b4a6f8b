// Package silence detects sustained silence during a recording by sampling
// the capture amplitude in fixed windows. It is observational only.
package silence
