package silence

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Config contains silence detection parameters
type Config struct {
	Window            time.Duration // sampling period
	Threshold         int           // peak amplitude below which a window is silent
	Required          time.Duration // sustained silence before the flag is raised
	MinBytesPerWindow int64         // growth threshold when only file size is known
}

// DefaultConfig returns 200ms windows, amplitude 1000, 10s required
func DefaultConfig() Config {
	return Config{
		Window:            200 * time.Millisecond,
		Threshold:         1000,
		Required:          10 * time.Second,
		MinBytesPerWindow: 400,
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.Window <= 0 {
		return fmt.Errorf("window must be positive, got %s", c.Window)
	}
	if c.Threshold < 0 {
		return fmt.Errorf("threshold cannot be negative, got %d", c.Threshold)
	}
	if c.Required < c.Window {
		return fmt.Errorf("required silence (%s) must be at least one window (%s)", c.Required, c.Window)
	}
	return nil
}

// Sources feed the monitor; Amplitude wins over Size when both are set
type Sources struct {
	Amplitude func() int   // peak amplitude of the latest capture buffer
	Size      func() int64 // current chunk file size
	Paused    func() bool  // true while sampling should be skipped
}

// MonitorStats represents silence monitor statistics
type MonitorStats struct {
	TotalWindows  uint64        `json:"total_windows"`
	SilentWindows uint64        `json:"silent_windows"`
	SilentFor     time.Duration `json:"silent_for"`
	IsSilent      bool          `json:"is_silent"`
	Threshold     int           `json:"threshold"`
}

// Monitor raises a flag after sustained low-amplitude input
type Monitor struct {
	config  Config
	sources Sources

	mu            sync.Mutex
	accumulated   time.Duration
	silent        bool
	lastSize      int64
	haveSize      bool
	totalWindows  uint64
	silentWindows uint64
	onChange      func(silent bool)

	cancel context.CancelFunc
	done   chan struct{}
}

// NewMonitor creates a silence monitor
func NewMonitor(config Config, sources Sources) (*Monitor, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if sources.Amplitude == nil && sources.Size == nil {
		return nil, fmt.Errorf("silence monitor needs an amplitude or size source")
	}
	return &Monitor{config: config, sources: sources}, nil
}

// OnChange registers a callback invoked whenever the flag flips
func (m *Monitor) OnChange(fn func(silent bool)) {
	m.mu.Lock()
	m.onChange = fn
	m.mu.Unlock()
}

// Start begins periodic sampling; a running monitor is restarted
func (m *Monitor) Start(ctx context.Context) {
	m.Stop()

	m.mu.Lock()
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.cancel = cancel
	m.done = done
	m.mu.Unlock()

	m.ResetWindow()

	go func() {
		defer close(done)

		tk := time.NewTicker(m.config.Window)
		defer tk.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-tk.C:
				m.sample()
			}
		}
	}()
}

// Stop halts sampling and clears the flag
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	m.ResetWindow()
}

// ResetWindow clears accumulated silence and the flag
func (m *Monitor) ResetWindow() {
	m.mu.Lock()
	changed := m.silent
	m.accumulated = 0
	m.silent = false
	m.haveSize = false
	fn := m.onChange
	m.mu.Unlock()

	if changed && fn != nil {
		fn(false)
	}
}

// IsSilent reports whether sustained silence has been observed
func (m *Monitor) IsSilent() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.silent
}

func (m *Monitor) sample() {
	if m.sources.Paused != nil && m.sources.Paused() {
		return
	}

	if m.sources.Amplitude != nil {
		m.Step(m.sources.Amplitude())
		return
	}

	size := m.sources.Size()
	m.mu.Lock()
	prev, have := m.lastSize, m.haveSize
	m.lastSize, m.haveSize = size, true
	m.mu.Unlock()

	if !have {
		return
	}
	m.StepGrowth(size - prev)
}

// Step evaluates one window with the given peak amplitude and returns the flag
func (m *Monitor) Step(amplitude int) bool {
	return m.evaluate(amplitude < m.config.Threshold)
}

// StepGrowth evaluates one window from chunk file growth in bytes
func (m *Monitor) StepGrowth(grown int64) bool {
	return m.evaluate(grown < m.config.MinBytesPerWindow)
}

func (m *Monitor) evaluate(quiet bool) bool {
	m.mu.Lock()

	m.totalWindows++
	was := m.silent
	if quiet {
		m.silentWindows++
		m.accumulated += m.config.Window
		if m.accumulated >= m.config.Required {
			m.silent = true
		}
	} else {
		m.accumulated = 0
		m.silent = false
	}

	now := m.silent
	fn := m.onChange
	m.mu.Unlock()

	if now != was && fn != nil {
		fn(now)
	}
	return now
}

// GetStats returns current monitor statistics
func (m *Monitor) GetStats() MonitorStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	return MonitorStats{
		TotalWindows:  m.totalWindows,
		SilentWindows: m.silentWindows,
		SilentFor:     m.accumulated,
		IsSilent:      m.silent,
		Threshold:     m.config.Threshold,
	}
}
