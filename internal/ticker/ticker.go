package ticker

import (
	"context"
	"sync"
	"time"
)

// loop runs one background goroutine at a time, cancelled by Stop
type loop struct {
	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func (l *loop) start(parent context.Context, run func(ctx context.Context)) {
	l.stop()

	l.mu.Lock()
	defer l.mu.Unlock()

	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	l.cancel = cancel
	l.done = done

	go func() {
		defer close(done)
		run(ctx)
	}()
}

// stop cancels the goroutine and waits for it; safe to call repeatedly
func (l *loop) stop() {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel, l.done = nil, nil
	l.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (l *loop) running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cancel != nil
}

// ElapsedTicker counts whole seconds of recording time
type ElapsedTicker struct {
	interval time.Duration
	onTick   func(ctx context.Context, seconds int)

	loop

	valueMu sync.Mutex
	value   int
}

// NewElapsedTicker creates a ticker that calls onTick once per interval with the running count
func NewElapsedTicker(interval time.Duration, onTick func(ctx context.Context, seconds int)) *ElapsedTicker {
	if interval <= 0 {
		interval = time.Second
	}
	return &ElapsedTicker{interval: interval, onTick: onTick}
}

// Start (re)starts counting from initial; a running ticker is stopped first
func (t *ElapsedTicker) Start(ctx context.Context, initial int) {
	t.loop.stop()
	t.set(initial)

	t.loop.start(ctx, func(ctx context.Context) {
		tk := time.NewTicker(t.interval)
		defer tk.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-tk.C:
				v := t.increment()
				if t.onTick != nil {
					t.onTick(ctx, v)
				}
			}
		}
	})
}

// Stop halts counting; Value keeps the last count
func (t *ElapsedTicker) Stop() {
	t.loop.stop()
}

// Running reports whether the ticker goroutine is active
func (t *ElapsedTicker) Running() bool {
	return t.loop.running()
}

// Value returns the current count
func (t *ElapsedTicker) Value() int {
	t.valueMu.Lock()
	defer t.valueMu.Unlock()
	return t.value
}

func (t *ElapsedTicker) set(v int) {
	t.valueMu.Lock()
	t.value = v
	t.valueMu.Unlock()
}

func (t *ElapsedTicker) increment() int {
	t.valueMu.Lock()
	defer t.valueMu.Unlock()
	t.value++
	return t.value
}

// ChunkTicker fires onRotate whenever chunkDuration of wall-clock time has
// passed since the last rotation, checking every interval.
type ChunkTicker struct {
	chunkDuration time.Duration
	interval      time.Duration
	onRotate      func(ctx context.Context)
	now           func() time.Time

	loop
}

// NewChunkTicker creates a rotation timer
func NewChunkTicker(chunkDuration, interval time.Duration, onRotate func(ctx context.Context)) *ChunkTicker {
	if interval <= 0 {
		interval = time.Second
	}
	return &ChunkTicker{
		chunkDuration: chunkDuration,
		interval:      interval,
		onRotate:      onRotate,
		now:           time.Now,
	}
}

// WithClock replaces the wall clock used to measure chunk age
func (c *ChunkTicker) WithClock(now func() time.Time) *ChunkTicker {
	c.now = now
	return c
}

// Start begins measuring a new chunk from now
func (c *ChunkTicker) Start(ctx context.Context) {
	c.loop.start(ctx, func(ctx context.Context) {
		started := c.now()

		tk := time.NewTicker(c.interval)
		defer tk.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-tk.C:
				now := c.now()
				if now.Sub(started) < c.chunkDuration {
					continue
				}
				started = now
				if c.onRotate != nil {
					c.onRotate(ctx)
				}
			}
		}
	})
}

// Stop halts the timer; safe to call when not running
func (c *ChunkTicker) Stop() {
	c.loop.stop()
}

// Running reports whether the timer goroutine is active
func (c *ChunkTicker) Running() bool {
	return c.loop.running()
}
