package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/skypro1111/chunk-recorder/internal/audio"
	"github.com/skypro1111/chunk-recorder/internal/guard"
	"github.com/skypro1111/chunk-recorder/internal/silence"
	"github.com/skypro1111/chunk-recorder/internal/ticker"
)

// ChunkSink receives every closed chunk of a session, in index order,
// followed by the end of the session
type ChunkSink interface {
	OnChunkReady(ctx context.Context, sessionID string, index int, path string) error
	OnSessionEnded(ctx context.Context, sessionID string) error
}

// Observer receives controller activity, e.g. for metrics
type Observer interface {
	StateChanged(from, to State)
	Paused(reason string)
	ChunkRotated()
}

type noopObserver struct{}

func (noopObserver) StateChanged(State, State) {}
func (noopObserver) Paused(string)             {}
func (noopObserver) ChunkRotated()             {}

// Config holds controller settings
type Config struct {
	ChunkDuration  time.Duration
	TickInterval   time.Duration // elapsed counter resolution
	RotationCheck  time.Duration // how often chunk age is compared to ChunkDuration
	MinStartFree   uint64        // required to start and to rotate
	MinRuntimeFree uint64        // polled while recording
	StoragePoll    time.Duration
	FocusGrace     time.Duration // window in which a call reason overrides a focus-loss reason
	Silence        silence.Config
}

// DefaultConfig returns 30s chunks, 10/5 MiB storage thresholds and a 1.5s focus grace
func DefaultConfig() Config {
	return Config{
		ChunkDuration:  30 * time.Second,
		TickInterval:   time.Second,
		RotationCheck:  time.Second,
		MinStartFree:   10 * guard.MiB,
		MinRuntimeFree: 5 * guard.MiB,
		StoragePoll:    time.Second,
		FocusGrace:     1500 * time.Millisecond,
		Silence:        silence.DefaultConfig(),
	}
}

// Deps are the collaborators owned or used by the controller
type Deps struct {
	Engine      *audio.Engine
	Sink        ChunkSink
	Focus       guard.FocusProvider
	Calls       guard.CallMonitor // nil disables call-pause support
	Permissions guard.Permissions
	Space       guard.SpaceProvider
	Observer    Observer
	Clock       func() time.Time // chunk age clock, time.Now when nil
}

type cmdKind int

const (
	cmdStart cmdKind = iota
	cmdPause
	cmdResume
	cmdStop
)

type command struct {
	kind  cmdKind
	reply chan error
}

type loopKind int

const (
	loopTick loopKind = iota
	loopRotate
	loopFailure
	loopGrace
)

type loopEvent struct {
	kind  loopKind
	epoch uint64
	gen   uint64
	err   error
}

// Controller is the recording state machine. Commands, guard events, ticker
// callbacks and capture failures are all serialized onto the Run loop.
type Controller struct {
	cfg      Config
	engine   *audio.Engine
	sink     ChunkSink
	perms    guard.Permissions
	space    guard.SpaceProvider
	observer Observer
	logger   *slog.Logger

	focus    *guard.FocusGuard
	calls    *guard.CallGuard
	storage  *guard.StorageGuard
	silence  *silence.Monitor
	elapsed  *ticker.ElapsedTicker
	rotation *ticker.ChunkTicker

	cmds    chan command
	events  chan guard.Event
	loop    chan loopEvent
	stopped chan struct{}

	// Owned by the Run goroutine
	sessionCtx     context.Context
	sessionCancel  context.CancelFunc
	sessionStarted time.Time
	pausedByUser   bool
	pausedBySystem bool
	pausedByCall   bool
	grace          *time.Timer
	graceGen       uint64

	// Bumped whenever the tickers stop, so queued ticks from a previous run are dropped
	epoch atomic.Uint64

	mu        sync.RWMutex
	status    Status
	lastPaths []string
	subs      map[int]chan Status
	nextSub   int
}

// NewController wires the controller around an engine and its guards
func NewController(cfg Config, deps Deps, logger *slog.Logger) (*Controller, error) {
	if deps.Engine == nil || deps.Sink == nil {
		return nil, fmt.Errorf("engine and chunk sink are required")
	}
	if deps.Focus == nil {
		deps.Focus = &guard.ManualFocus{}
	}
	if deps.Permissions == nil {
		deps.Permissions = guard.StaticPermissions{Mic: true}
	}
	if deps.Space == nil {
		return nil, fmt.Errorf("space provider is required")
	}
	if deps.Observer == nil {
		deps.Observer = noopObserver{}
	}

	c := &Controller{
		cfg:      cfg,
		engine:   deps.Engine,
		sink:     deps.Sink,
		perms:    deps.Permissions,
		space:    deps.Space,
		observer: deps.Observer,
		logger:   logger,
		cmds:     make(chan command),
		events:   make(chan guard.Event, 64),
		loop:     make(chan loopEvent, 16),
		stopped:  make(chan struct{}),
		status:   Status{State: StateIdle},
		subs:     make(map[int]chan Status),
	}

	c.focus = guard.NewFocusGuard(deps.Focus, c.emit, logger)
	c.calls = guard.NewCallGuard(deps.Calls, deps.Permissions, c.emit, logger)
	// StorageLow is emitted at most once per Start; never block the poller
	c.storage = guard.NewStorageGuard(deps.Space, cfg.MinRuntimeFree, cfg.StoragePoll, func(ev guard.Event) {
		go c.emit(ev)
	}, logger)

	mon, err := silence.NewMonitor(cfg.Silence, silence.Sources{
		Amplitude: deps.Engine.Amplitude,
		Size:      deps.Engine.CurrentFileSize,
		Paused:    func() bool { return c.Status().State != StateRecording },
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create silence monitor: %w", err)
	}
	mon.OnChange(c.setSilent)
	c.silence = mon

	c.elapsed = ticker.NewElapsedTicker(cfg.TickInterval, func(ctx context.Context, _ int) {
		c.post(ctx, loopEvent{kind: loopTick, epoch: c.epoch.Load()})
	})
	c.rotation = ticker.NewChunkTicker(cfg.ChunkDuration, cfg.RotationCheck, func(ctx context.Context) {
		c.post(ctx, loopEvent{kind: loopRotate, epoch: c.epoch.Load()})
	})
	if deps.Clock != nil {
		c.rotation.WithClock(deps.Clock)
	}

	deps.Engine.OnFailure(func(err error) {
		c.post(context.Background(), loopEvent{kind: loopFailure, err: err})
	})

	return c, nil
}

// Run processes commands and events until ctx is cancelled. An active
// session is stopped gracefully on the way out.
func (c *Controller) Run(ctx context.Context) error {
	defer close(c.stopped)

	for {
		select {
		case <-ctx.Done():
			if c.Status().State.Active() {
				c.stop(context.WithoutCancel(ctx))
			}
			return nil

		case cmd := <-c.cmds:
			cmd.reply <- c.handleCommand(ctx, cmd.kind)

		case ev := <-c.events:
			c.handleEvent(ctx, ev)

		case ev := <-c.loop:
			c.handleLoopEvent(ctx, ev)
		}
	}
}

// Start begins a new session; it is a no-op while one is active
func (c *Controller) Start(ctx context.Context) error { return c.send(ctx, cmdStart) }

// Pause pauses recording on user request
func (c *Controller) Pause(ctx context.Context) error { return c.send(ctx, cmdPause) }

// Resume resumes a paused session unless a call or focus loss prevents it
func (c *Controller) Resume(ctx context.Context) error { return c.send(ctx, cmdResume) }

// Stop finalizes the session and hands off its last chunk
func (c *Controller) Stop(ctx context.Context) error { return c.send(ctx, cmdStop) }

// Inject delivers an interruption event as if a guard had emitted it
func (c *Controller) Inject(ev guard.Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	c.emit(ev)
}

// Status returns the current status
func (c *Controller) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// IsSilent reports whether sustained silence has been detected
func (c *Controller) IsSilent() bool {
	return c.silence.IsSilent()
}

// SessionID returns the id of the current or most recent session
func (c *Controller) SessionID() string {
	return c.Status().SessionID
}

// ChunkPaths returns the chunk files of the current or most recent session
func (c *Controller) ChunkPaths() []string {
	if chunks := c.engine.Chunks(); len(chunks) > 0 {
		paths := make([]string, len(chunks))
		for i, ch := range chunks {
			paths[i] = ch.Path
		}
		return paths
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.lastPaths...)
}

// Subscribe returns a channel carrying the latest status. Slow readers only
// see the most recent value. The channel is closed when ctx is done.
func (c *Controller) Subscribe(ctx context.Context) <-chan Status {
	ch := make(chan Status, 1)

	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	ch <- c.status
	c.mu.Unlock()

	go func() {
		<-ctx.Done()
		c.mu.Lock()
		delete(c.subs, id)
		close(ch)
		c.mu.Unlock()
	}()
	return ch
}

func (c *Controller) send(ctx context.Context, kind cmdKind) error {
	cmd := command{kind: kind, reply: make(chan error, 1)}
	select {
	case c.cmds <- cmd:
	case <-c.stopped:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-cmd.reply
}

func (c *Controller) emit(ev guard.Event) {
	select {
	case c.events <- ev:
	case <-c.stopped:
	}
}

func (c *Controller) post(ctx context.Context, ev loopEvent) {
	select {
	case c.loop <- ev:
	case <-ctx.Done():
	case <-c.stopped:
	}
}

func (c *Controller) handleCommand(ctx context.Context, kind cmdKind) error {
	switch kind {
	case cmdStart:
		return c.start(ctx)

	case cmdPause:
		switch c.Status().State {
		case StatePaused:
			return nil
		case StateRecording:
			c.pausedByUser = true
			c.pausedBySystem = false
			c.pause(ReasonUser)
			return nil
		default:
			return ErrNotRecording
		}

	case cmdResume:
		switch c.Status().State {
		case StateRecording:
			return nil
		case StatePaused:
		default:
			return ErrNotRecording
		}
		if c.pausedByCall {
			c.setReason(ReasonCall)
			return ErrResumeBlocked
		}
		if !c.focus.Request() {
			c.setReason(ReasonFocus)
			return ErrResumeBlocked
		}
		return c.resume(ctx)

	case cmdStop:
		if !c.Status().State.Active() {
			return nil
		}
		c.stop(ctx)
		return nil
	}
	return fmt.Errorf("unknown command %d", kind)
}

func (c *Controller) start(ctx context.Context) error {
	if c.Status().State.Active() {
		return nil
	}

	if !c.perms.Microphone() {
		c.refuse(MsgPermission)
		return ErrPermission
	}
	if !c.focus.Request() {
		c.refuse(MsgFocus)
		return ErrFocus
	}
	ok, free, err := guard.HasSpace(c.space, c.cfg.MinStartFree)
	if err != nil || !ok {
		c.focus.Abandon()
		c.refuse(MsgNoStartStorage)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrLowStorage, err)
		}
		return fmt.Errorf("%w: %d bytes free", ErrLowStorage, free)
	}

	c.calls.Register()

	sid, err := c.engine.BeginSession()
	if err != nil {
		c.abortStart(err)
		return err
	}
	if err := c.engine.StartContinuousCapture(); err != nil {
		c.engine.EndSession(false)
		c.abortStart(err)
		return err
	}
	if _, err := c.engine.StartNewChunk(); err != nil {
		c.engine.Abort()
		c.engine.EndSession(false)
		c.abortStart(err)
		return err
	}

	c.sessionCtx, c.sessionCancel = context.WithCancel(ctx)
	c.sessionStarted = time.Now()
	c.pausedByUser, c.pausedBySystem, c.pausedByCall = false, false, false

	c.publish(Status{State: StateRecording, SessionID: sid})

	c.elapsed.Start(c.sessionCtx, 0)
	c.rotation.Start(c.sessionCtx)
	c.storage.Start(c.sessionCtx)
	c.silence.Start(c.sessionCtx)

	c.logger.Info("Recording started",
		slog.String("session_id", sid),
		slog.Uint64("free_bytes", free),
	)
	return nil
}

// refuse records a failed start precondition
func (c *Controller) refuse(message string) {
	c.logger.Warn("Recording not started", slog.String("reason", message))
	c.publish(Status{State: StateError, Message: message})
}

func (c *Controller) abortStart(err error) {
	c.focus.Abandon()
	c.calls.Unregister()
	c.logger.Error("Failed to start recording", slog.String("error", err.Error()))
	c.publish(Status{State: StateError, Message: fmt.Sprintf("Failed to start recording: %v", err)})
}

func (c *Controller) pause(reason string) {
	c.engine.Pause()
	c.elapsed.Stop()
	c.rotation.Stop()
	c.epoch.Add(1)

	st := c.Status()
	st.State = StatePaused
	st.Elapsed = c.elapsed.Value()
	st.Reason = reason
	c.publish(st)

	c.silence.ResetWindow()
	c.observer.Paused(reason)

	c.logger.Info("Recording paused",
		slog.String("session_id", st.SessionID),
		slog.String("reason", reason),
		slog.Int("elapsed_seconds", st.Elapsed),
	)
}

func (c *Controller) resume(ctx context.Context) error {
	if err := c.engine.Resume(); err != nil {
		c.fail(ctx, fmt.Sprintf("Audio capture failed: %v", err))
		return err
	}
	c.pausedByUser, c.pausedBySystem = false, false
	c.stopGrace()

	c.elapsed.Start(c.sessionCtx, c.elapsed.Value())
	c.rotation.Start(c.sessionCtx)

	st := c.Status()
	st.State = StateRecording
	st.Reason = ""
	c.publish(st)
	c.silence.ResetWindow()

	c.logger.Info("Recording resumed",
		slog.String("session_id", st.SessionID),
		slog.Int("elapsed_seconds", st.Elapsed),
	)
	return nil
}

// stop finalizes the writer and hands off the last chunk
func (c *Controller) stop(ctx context.Context) {
	st := c.Status()
	c.teardown()

	last, err := c.engine.Finalize()
	if err != nil {
		c.logger.Warn("Failed to finalize last chunk", slog.String("error", err.Error()))
	}
	if last != nil {
		c.handoff(ctx, *last)
		st.LastFilePath = last.Path
	}
	c.endSession()
	c.seal(ctx, st.SessionID)

	c.publish(Status{
		State:        StateStopped,
		SessionID:    st.SessionID,
		Elapsed:      c.elapsed.Value(),
		LastFilePath: st.LastFilePath,
	})
	c.logger.Info("Recording stopped",
		slog.String("session_id", st.SessionID),
		slog.Int("elapsed_seconds", c.elapsed.Value()),
	)
}

// fail tears the session down without handing off the chunk in flight
func (c *Controller) fail(ctx context.Context, message string) {
	st := c.Status()
	c.teardown()
	c.engine.Abort()
	c.endSession()
	c.seal(ctx, st.SessionID)

	c.publish(Status{
		State:        StateError,
		SessionID:    st.SessionID,
		Elapsed:      c.elapsed.Value(),
		Message:      message,
		LastFilePath: st.LastFilePath,
	})
	c.logger.Error("Recording failed",
		slog.String("session_id", st.SessionID),
		slog.String("message", message),
	)
}

// teardown cancels tickers and guards before the writer is touched
func (c *Controller) teardown() {
	if c.sessionCancel != nil {
		c.sessionCancel()
		c.sessionCancel = nil
	}
	c.stopGrace()
	c.elapsed.Stop()
	c.rotation.Stop()
	c.epoch.Add(1)
	c.storage.Stop()
	c.silence.Stop()
	c.focus.Abandon()
	c.calls.Unregister()
}

func (c *Controller) endSession() {
	chunks := c.engine.Chunks()
	paths := make([]string, len(chunks))
	for i, ch := range chunks {
		paths[i] = ch.Path
	}
	c.mu.Lock()
	c.lastPaths = paths
	c.mu.Unlock()

	c.engine.EndSession(false)
	c.pausedByUser, c.pausedBySystem, c.pausedByCall = false, false, false
}

func (c *Controller) handoff(ctx context.Context, ref audio.ChunkRef) {
	if err := c.sink.OnChunkReady(ctx, ref.SessionID, ref.Index, ref.Path); err != nil {
		c.logger.Error("Failed to hand off chunk",
			slog.String("session_id", ref.SessionID),
			slog.Int("index", ref.Index),
			slog.String("error", err.Error()),
		)
	}
}

// seal tells the sink that no further chunks of the session will arrive
func (c *Controller) seal(ctx context.Context, sessionID string) {
	if sessionID == "" {
		return
	}
	if err := c.sink.OnSessionEnded(ctx, sessionID); err != nil {
		c.logger.Error("Failed to end session",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
	}
}

func (c *Controller) rotate(ctx context.Context) {
	if c.Status().State != StateRecording {
		return
	}

	ok, free, err := guard.HasSpace(c.space, c.cfg.MinStartFree)
	if err != nil {
		c.logger.Warn("Free space check failed before rotation", slog.String("error", err.Error()))
	} else if !ok {
		c.logger.Warn("Not enough storage to rotate chunk", slog.Uint64("free_bytes", free))
		c.fail(ctx, MsgLowStorage)
		return
	}

	prev, err := c.engine.StartNewChunk()
	if prev != nil {
		c.handoff(ctx, *prev)
		st := c.Status()
		st.LastFilePath = prev.Path
		c.publish(st)
	}
	if err != nil {
		c.fail(ctx, fmt.Sprintf("Failed to rotate chunk: %v", err))
		return
	}
	c.observer.ChunkRotated()
}

func (c *Controller) handleEvent(ctx context.Context, ev guard.Event) {
	if !ev.At.IsZero() && ev.At.Before(c.sessionStarted) {
		// left over from an earlier session
		return
	}
	state := c.Status().State

	switch ev.Kind {
	case guard.FocusLost:
		if state != StateRecording {
			if state == StatePaused {
				c.pausedBySystem = true
			}
			return
		}
		c.pausedBySystem = true
		reason := ReasonFocus
		if c.pausedByCall {
			reason = ReasonCall
		}
		c.pause(reason)
		c.armGrace()

	case guard.FocusGained:
		if state == StatePaused && c.pausedBySystem && !c.pausedByCall && !c.pausedByUser {
			if err := c.resume(ctx); err != nil {
				return
			}
		}
		c.pausedBySystem = false

	case guard.CallActive:
		c.pausedByCall = true
		switch {
		case state == StateRecording:
			c.pause(ReasonCall)
		case state == StatePaused && !c.pausedByUser:
			c.setReason(ReasonCall)
		}

	case guard.CallIdle:
		if !c.pausedByCall {
			return
		}
		c.pausedByCall = false
		if state != StatePaused || c.pausedByUser {
			return
		}
		if c.focus.Request() {
			c.resume(ctx)
			return
		}
		c.setReason(ReasonFocus)

	case guard.StorageLow:
		if state.Active() {
			c.logger.Warn("Storage low during recording", slog.Uint64("free_bytes", ev.FreeBytes))
			c.fail(ctx, MsgLowStorage)
		}
	}
}

func (c *Controller) handleLoopEvent(ctx context.Context, ev loopEvent) {
	switch ev.kind {
	case loopTick:
		if ev.epoch != c.epoch.Load() {
			return
		}
		st := c.Status()
		if st.State == StateRecording {
			st.Elapsed = c.elapsed.Value()
			c.publish(st)
		}

	case loopRotate:
		if ev.epoch != c.epoch.Load() {
			return
		}
		c.rotate(ctx)

	case loopFailure:
		if c.Status().State.Active() {
			c.fail(ctx, fmt.Sprintf("Audio capture failed: %v", ev.err))
		}

	case loopGrace:
		if ev.gen != c.graceGen {
			return
		}
		c.grace = nil
		if c.Status().State == StatePaused && c.pausedByCall && !c.pausedByUser {
			c.setReason(ReasonCall)
		}
	}
}

func (c *Controller) armGrace() {
	c.stopGrace()
	c.graceGen++
	gen := c.graceGen
	c.grace = time.AfterFunc(c.cfg.FocusGrace, func() {
		c.post(context.Background(), loopEvent{kind: loopGrace, gen: gen})
	})
}

func (c *Controller) stopGrace() {
	if c.grace != nil {
		c.grace.Stop()
		c.grace = nil
	}
	c.graceGen++
}

func (c *Controller) setReason(reason string) {
	st := c.Status()
	if st.State != StatePaused || st.Reason == reason {
		return
	}
	st.Reason = reason
	c.publish(st)
	c.observer.Paused(reason)
}

func (c *Controller) setSilent(silent bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status.Silent == silent {
		return
	}
	c.status.Silent = silent
	c.broadcastLocked()
}

func (c *Controller) publish(st Status) {
	c.mu.Lock()
	prev := c.status.State
	st.Silent = c.status.Silent && st.State == StateRecording
	c.status = st
	c.broadcastLocked()
	c.mu.Unlock()

	if prev != st.State {
		c.observer.StateChanged(prev, st.State)
		c.logger.Debug("Recording state changed",
			slog.String("from", prev.String()),
			slog.String("to", st.State.String()),
		)
	}
}

func (c *Controller) broadcastLocked() {
	for _, ch := range c.subs {
		select {
		case <-ch:
		default:
		}
		ch <- c.status
	}
}
