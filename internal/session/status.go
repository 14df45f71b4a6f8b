package session

import (
	"errors"
	"fmt"
)

// State represents the recording state machine state
type State int

const (
	StateIdle State = iota
	StateRecording
	StatePaused
	StateStopped
	StateError
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	case StatePaused:
		return "paused"
	case StateStopped:
		return "stopped"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state as its string form
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes the string form of a state
func (s *State) UnmarshalText(b []byte) error {
	for _, st := range []State{StateIdle, StateRecording, StatePaused, StateStopped, StateError} {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", b)
}

// Active reports whether a session is in progress
func (s State) Active() bool {
	return s == StateRecording || s == StatePaused
}

// Pause reasons
const (
	ReasonUser  = "paused"
	ReasonFocus = "audio focus lost"
	ReasonCall  = "phone call"
)

// Status messages
const (
	MsgPermission     = "Microphone permission not granted"
	MsgFocus          = "Audio focus not granted"
	MsgNoStartStorage = "Not enough storage to start recording"
	MsgLowStorage     = "Recording stopped: low storage"
)

var (
	ErrPermission    = errors.New("microphone permission not granted")
	ErrFocus         = errors.New("audio focus not granted")
	ErrLowStorage    = errors.New("not enough free storage")
	ErrNotRecording  = errors.New("no recording in progress")
	ErrResumeBlocked = errors.New("resume blocked by an active interruption")
	ErrClosed        = errors.New("controller is not running")
)

// Status is the observable state of the controller
type Status struct {
	State        State  `json:"state"`
	SessionID    string `json:"session_id,omitempty"`
	Elapsed      int    `json:"elapsed_seconds"`
	Reason       string `json:"reason,omitempty"`
	Message      string `json:"message,omitempty"`
	LastFilePath string `json:"last_file_path,omitempty"`
	Silent       bool   `json:"silent"`
}
