package guard

import (
	"log/slog"
	"sync"
	"time"
)

// FocusProvider grants exclusive transient access to the audio input
type FocusProvider interface {
	// Request asks for focus; onChange reports later losses (false) and regains (true)
	Request(onChange func(gained bool)) bool
	// Abandon releases focus
	Abandon()
}

// FocusGuard turns focus changes into FocusLost/FocusGained events
type FocusGuard struct {
	provider FocusProvider
	emit     Emitter
	logger   *slog.Logger

	mu     sync.Mutex
	held   bool
	gen    uint64
	closed bool
}

// NewFocusGuard creates a focus guard
func NewFocusGuard(provider FocusProvider, emit Emitter, logger *slog.Logger) *FocusGuard {
	return &FocusGuard{provider: provider, emit: emit, logger: logger}
}

// Request acquires focus and reports whether it was granted.
// Callbacks from earlier registrations are ignored.
func (g *FocusGuard) Request() bool {
	g.mu.Lock()
	g.gen++
	gen := g.gen
	g.mu.Unlock()

	granted := g.provider.Request(func(gained bool) {
		g.mu.Lock()
		current := g.gen == gen && g.held
		g.mu.Unlock()
		if !current {
			return
		}

		kind := FocusLost
		if gained {
			kind = FocusGained
		}
		g.emit(Event{Kind: kind, At: time.Now()})
	})

	g.mu.Lock()
	g.held = granted && g.gen == gen
	g.mu.Unlock()

	if !granted {
		g.logger.Warn("Audio focus request denied")
	}
	return granted
}

// Abandon releases focus; calling it without holding focus is a no-op
func (g *FocusGuard) Abandon() {
	g.mu.Lock()
	held := g.held
	g.held = false
	g.gen++
	g.mu.Unlock()

	if held {
		g.provider.Abandon()
	}
}

// Held reports whether focus is currently held
func (g *FocusGuard) Held() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.held
}

// ManualFocus is a FocusProvider for hosts without platform focus arbitration.
// Focus is always granted; Lose and Gain simulate transient interruptions.
type ManualFocus struct {
	mu       sync.Mutex
	listener func(bool)
	denied   bool
}

// Request grants focus unless Deny was called
func (m *ManualFocus) Request(onChange func(gained bool)) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.denied {
		return false
	}
	m.listener = onChange
	return true
}

// Abandon drops the current listener
func (m *ManualFocus) Abandon() {
	m.mu.Lock()
	m.listener = nil
	m.mu.Unlock()
}

// Deny makes subsequent requests fail (or succeed again with false)
func (m *ManualFocus) Deny(denied bool) {
	m.mu.Lock()
	m.denied = denied
	m.mu.Unlock()
}

// Lose reports a focus loss to the current holder
func (m *ManualFocus) Lose() {
	m.notify(false)
}

// Gain reports a focus regain to the current holder
func (m *ManualFocus) Gain() {
	m.notify(true)
}

func (m *ManualFocus) notify(gained bool) {
	m.mu.Lock()
	fn := m.listener
	m.mu.Unlock()
	if fn != nil {
		fn(gained)
	}
}
