package guard

import (
	"log/slog"
	"sync"
	"time"
)

// CallState mirrors the telephony call states
type CallState int

const (
	CallStateIdle CallState = iota
	CallStateRinging
	CallStateOffHook
)

// String returns the string representation of the call state
func (s CallState) String() string {
	switch s {
	case CallStateIdle:
		return "idle"
	case CallStateRinging:
		return "ringing"
	case CallStateOffHook:
		return "offhook"
	default:
		return "unknown"
	}
}

// CallMonitor reports telephony state changes
type CallMonitor interface {
	Subscribe(fn func(CallState)) (cancel func(), err error)
}

// Permissions answers runtime permission checks
type Permissions interface {
	Microphone() bool
	PhoneState() bool
}

// StaticPermissions is a fixed Permissions answer
type StaticPermissions struct {
	Mic   bool
	Phone bool
}

// Microphone reports microphone permission
func (p StaticPermissions) Microphone() bool { return p.Mic }

// PhoneState reports phone-state permission
func (p StaticPermissions) PhoneState() bool { return p.Phone }

// CallGuard maps call states onto CallActive/CallIdle events
type CallGuard struct {
	monitor CallMonitor
	perms   Permissions
	emit    Emitter
	logger  *slog.Logger

	mu     sync.Mutex
	cancel func()
}

// NewCallGuard creates a call guard
func NewCallGuard(monitor CallMonitor, perms Permissions, emit Emitter, logger *slog.Logger) *CallGuard {
	return &CallGuard{monitor: monitor, perms: perms, emit: emit, logger: logger}
}

// Register subscribes to call state changes. Without phone-state permission,
// or when already registered, it does nothing.
func (g *CallGuard) Register() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.cancel != nil {
		return
	}

	if g.monitor == nil || !g.perms.PhoneState() {
		g.logger.Debug("Call monitoring unavailable, skipping registration")
		return
	}

	cancel, err := g.monitor.Subscribe(func(state CallState) {
		kind := CallIdle
		if state == CallStateRinging || state == CallStateOffHook {
			kind = CallActive
		}
		g.emit(Event{Kind: kind, At: time.Now()})
	})
	if err != nil {
		g.logger.Warn("Failed to register call monitor", slog.String("error", err.Error()))
		return
	}
	g.cancel = cancel
}

// Unregister removes the subscription; safe to call repeatedly
func (g *CallGuard) Unregister() {
	g.mu.Lock()
	cancel := g.cancel
	g.cancel = nil
	g.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// Registered reports whether a subscription is active
func (g *CallGuard) Registered() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cancel != nil
}

// ManualCalls is a CallMonitor driven by Set, for hosts without telephony
type ManualCalls struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]func(CallState)
}

// Subscribe registers fn for future state changes
func (m *ManualCalls) Subscribe(fn func(CallState)) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.subs == nil {
		m.subs = make(map[int]func(CallState))
	}
	id := m.nextID
	m.nextID++
	m.subs[id] = fn

	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}, nil
}

// Set publishes a call state to all subscribers
func (m *ManualCalls) Set(state CallState) {
	m.mu.Lock()
	fns := make([]func(CallState), 0, len(m.subs))
	for _, fn := range m.subs {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	for _, fn := range fns {
		fn(state)
	}
}

// Subscribers returns the number of active subscriptions
func (m *ManualCalls) Subscribers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}
