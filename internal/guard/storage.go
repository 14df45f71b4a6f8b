package guard

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// MiB is one mebibyte
const MiB = 1024 * 1024

// SpaceProvider reports free bytes on the recordings volume
type SpaceProvider interface {
	FreeBytes() (uint64, error)
}

// DiskSpace reads free space of the filesystem holding Path
type DiskSpace struct {
	Path string
}

// FreeBytes returns the bytes available to unprivileged users
func (d DiskSpace) FreeBytes() (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(d.Path, &st); err != nil {
		return 0, fmt.Errorf("failed to stat filesystem at %s: %w", d.Path, err)
	}
	return st.Bavail * uint64(st.Bsize), nil
}

// StorageGuard polls free space and emits StorageLow once it drops below threshold
type StorageGuard struct {
	space     SpaceProvider
	threshold uint64
	interval  time.Duration
	emit      Emitter
	logger    *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewStorageGuard creates a storage guard
func NewStorageGuard(space SpaceProvider, threshold uint64, interval time.Duration, emit Emitter, logger *slog.Logger) *StorageGuard {
	if interval <= 0 {
		interval = time.Second
	}
	return &StorageGuard{
		space:     space,
		threshold: threshold,
		interval:  interval,
		emit:      emit,
		logger:    logger,
	}
}

// Start begins polling; a running guard is left untouched
func (g *StorageGuard) Start(ctx context.Context) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	g.cancel = cancel
	g.done = done

	go g.poll(ctx, done)
}

// Stop halts polling and waits for the poller to exit; safe to call repeatedly
func (g *StorageGuard) Stop() {
	g.mu.Lock()
	cancel, done := g.cancel, g.done
	g.cancel, g.done = nil, nil
	g.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (g *StorageGuard) poll(ctx context.Context, done chan struct{}) {
	defer close(done)

	tk := time.NewTicker(g.interval)
	defer tk.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tk.C:
			free, err := g.space.FreeBytes()
			if err != nil {
				g.logger.Warn("Free space check failed", slog.String("error", err.Error()))
				continue
			}
			if free < g.threshold {
				g.logger.Warn("Storage below runtime threshold",
					slog.Uint64("free_bytes", free),
					slog.Uint64("threshold_bytes", g.threshold),
				)
				g.emit(Event{Kind: StorageLow, At: time.Now(), FreeBytes: free})
				return
			}
		}
	}
}

// HasSpace reports whether at least min bytes are free
func HasSpace(space SpaceProvider, min uint64) (bool, uint64, error) {
	free, err := space.FreeBytes()
	if err != nil {
		return false, 0, err
	}
	return free >= min, free, nil
}
