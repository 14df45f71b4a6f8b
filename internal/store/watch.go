package store

import (
	"context"
	"log/slog"
	"sync"
)

func chunkTopic(sessionID string) string   { return "chunks/" + sessionID }
func summaryTopic(sessionID string) string { return "summary/" + sessionID }

// broker fans change signals out to watchers. Signals coalesce: a slow
// watcher sees at least one signal after the last change.
type broker struct {
	mu   sync.Mutex
	next int
	subs map[string]map[int]chan struct{}
}

func newBroker() *broker {
	return &broker{subs: make(map[string]map[int]chan struct{})}
}

func (b *broker) subscribe(topic string) (<-chan struct{}, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	ch := make(chan struct{}, 1)
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[int]chan struct{})
	}
	b.subs[topic][id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs[topic], id)
		if len(b.subs[topic]) == 0 {
			delete(b.subs, topic)
		}
	}
}

func (b *broker) publish(topic string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs[topic] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// watch emits query results now and after every change to topic until ctx ends
func watch[T any](ctx context.Context, b *broker, logger *slog.Logger, topic string, query func(context.Context) (T, error)) <-chan T {
	signals, cancel := b.subscribe(topic)
	out := make(chan T, 1)

	go func() {
		defer close(out)
		defer cancel()

		emit := func() bool {
			v, err := query(ctx)
			if err != nil {
				if ctx.Err() == nil {
					logger.Warn("Watch query failed", slog.String("topic", topic), slog.String("error", err.Error()))
				}
				return ctx.Err() == nil
			}
			select {
			case out <- v:
				return true
			case <-ctx.Done():
				return false
			}
		}

		if !emit() {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case <-signals:
				if !emit() {
					return
				}
			}
		}
	}()

	return out
}

// WatchChunks streams the chunk list of a session after every change
func (s *Store) WatchChunks(ctx context.Context, sessionID string) <-chan []Chunk {
	return watch(ctx, s.broker, s.logger, chunkTopic(sessionID), func(ctx context.Context) ([]Chunk, error) {
		return s.ChunksForSession(ctx, sessionID)
	})
}

// WatchNotDone streams the number of unfinished chunks of a session after every change
func (s *Store) WatchNotDone(ctx context.Context, sessionID string) <-chan int64 {
	return watch(ctx, s.broker, s.logger, chunkTopic(sessionID), func(ctx context.Context) (int64, error) {
		return s.NotDoneCount(ctx, sessionID)
	})
}

// WatchSummary streams the summary of a session after every change
func (s *Store) WatchSummary(ctx context.Context, sessionID string) <-chan *Summary {
	return watch(ctx, s.broker, s.logger, summaryTopic(sessionID), func(ctx context.Context) (*Summary, error) {
		return s.GetSummary(ctx, sessionID)
	})
}
