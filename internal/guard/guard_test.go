package guard

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) emit(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) kinds() []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventKind, len(r.events))
	for i, e := range r.events {
		out[i] = e.Kind
	}
	return out
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestEventKindRoundTrip(t *testing.T) {
	for _, k := range []EventKind{FocusLost, FocusGained, CallActive, CallIdle, StorageLow} {
		parsed, ok := ParseEventKind(k.String())
		require.True(t, ok)
		assert.Equal(t, k, parsed)
	}
	_, ok := ParseEventKind("meteor_strike")
	assert.False(t, ok)
}

func TestFocusGuardEmitsChanges(t *testing.T) {
	rec := &recorder{}
	provider := &ManualFocus{}
	g := NewFocusGuard(provider, rec.emit, discardLogger())

	require.True(t, g.Request())
	assert.True(t, g.Held())

	provider.Lose()
	provider.Gain()
	assert.Equal(t, []EventKind{FocusLost, FocusGained}, rec.kinds())

	g.Abandon()
	g.Abandon()
	assert.False(t, g.Held())

	provider.Lose()
	assert.Len(t, rec.kinds(), 2)
}

func TestFocusGuardDropsStaleListeners(t *testing.T) {
	rec := &recorder{}
	provider := &ManualFocus{}
	g := NewFocusGuard(provider, rec.emit, discardLogger())

	require.True(t, g.Request())
	stale := provider.listener
	require.True(t, g.Request())

	stale(false)
	assert.Empty(t, rec.kinds())

	provider.Lose()
	assert.Equal(t, []EventKind{FocusLost}, rec.kinds())
}

func TestFocusGuardDenied(t *testing.T) {
	provider := &ManualFocus{}
	provider.Deny(true)
	g := NewFocusGuard(provider, (&recorder{}).emit, discardLogger())

	assert.False(t, g.Request())
	assert.False(t, g.Held())
}

func TestCallGuardMapsStates(t *testing.T) {
	rec := &recorder{}
	calls := &ManualCalls{}
	g := NewCallGuard(calls, StaticPermissions{Mic: true, Phone: true}, rec.emit, discardLogger())

	g.Register()
	g.Register()
	assert.Equal(t, 1, calls.Subscribers())
	assert.True(t, g.Registered())

	calls.Set(CallStateRinging)
	calls.Set(CallStateOffHook)
	calls.Set(CallStateIdle)
	assert.Equal(t, []EventKind{CallActive, CallActive, CallIdle}, rec.kinds())

	g.Unregister()
	g.Unregister()
	assert.Equal(t, 0, calls.Subscribers())

	calls.Set(CallStateRinging)
	assert.Len(t, rec.kinds(), 3)
}

func TestCallGuardWithoutPermission(t *testing.T) {
	calls := &ManualCalls{}
	g := NewCallGuard(calls, StaticPermissions{Mic: true}, (&recorder{}).emit, discardLogger())

	g.Register()
	assert.False(t, g.Registered())
	assert.Equal(t, 0, calls.Subscribers())
	g.Unregister()
}

type failingCalls struct{}

func (failingCalls) Subscribe(func(CallState)) (func(), error) {
	return nil, errors.New("telephony unavailable")
}

func TestCallGuardSubscribeError(t *testing.T) {
	g := NewCallGuard(failingCalls{}, StaticPermissions{Phone: true}, (&recorder{}).emit, discardLogger())
	g.Register()
	assert.False(t, g.Registered())
}

type fakeSpace struct {
	free atomic.Uint64
	err  error
}

func (f *fakeSpace) FreeBytes() (uint64, error) {
	if f.err != nil {
		return 0, f.err
	}
	return f.free.Load(), nil
}

func TestStorageGuardEmitsOnceBelowThreshold(t *testing.T) {
	rec := &recorder{}
	space := &fakeSpace{}
	space.free.Store(50 * MiB)

	g := NewStorageGuard(space, 5*MiB, time.Millisecond, rec.emit, discardLogger())
	g.Start(context.Background())
	g.Start(context.Background())

	time.Sleep(10 * time.Millisecond)
	assert.Empty(t, rec.kinds())

	space.free.Store(4 * MiB)
	require.Eventually(t, func() bool { return len(rec.kinds()) == 1 }, 2*time.Second, time.Millisecond)

	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, []EventKind{StorageLow}, rec.kinds())

	rec.mu.Lock()
	assert.Equal(t, uint64(4*MiB), rec.events[0].FreeBytes)
	rec.mu.Unlock()

	g.Stop()
	g.Stop()
}

func TestHasSpace(t *testing.T) {
	space := &fakeSpace{}
	space.free.Store(10 * MiB)

	ok, free, err := HasSpace(space, 10*MiB)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(10*MiB), free)

	ok, _, err = HasSpace(space, 10*MiB+1)
	require.NoError(t, err)
	assert.False(t, ok)

	space.err = errors.New("statfs failed")
	_, _, err = HasSpace(space, 1)
	assert.Error(t, err)
}

func TestDiskSpace(t *testing.T) {
	free, err := DiskSpace{Path: t.TempDir()}.FreeBytes()
	require.NoError(t, err)
	assert.Greater(t, free, uint64(0))

	_, err = DiskSpace{Path: "/definitely/not/here"}.FreeBytes()
	assert.Error(t, err)
}
