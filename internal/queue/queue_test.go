package queue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "queue.db") + "?_busy_timeout=5000&_journal_mode=WAL"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	return db
}

func newTestQueue(t *testing.T, cfg Config) *Queue {
	t.Helper()
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 10 * time.Millisecond
	}
	q, err := New(openTestDB(t), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return q
}

func runQueue(t *testing.T, q *Queue) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		q.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel
}

func waitState(t *testing.T, q *Queue, key string, want State) *Job {
	t.Helper()
	var job *Job
	require.Eventually(t, func() bool {
		j, err := q.Get(context.Background(), key)
		if err != nil {
			return false
		}
		job = j
		return j.State == want
	}, 5*time.Second, 5*time.Millisecond, "job %s never reached %s", key, want)
	return job
}

type payload struct {
	SessionID string `json:"session_id"`
	Index     int    `json:"index"`
}

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Initial: 10 * time.Second}
	assert.Equal(t, 10*time.Second, b.Delay(1))
	assert.Equal(t, 20*time.Second, b.Delay(2))
	assert.Equal(t, 40*time.Second, b.Delay(3))
	assert.Equal(t, MaxBackoff, b.Delay(40))

	capped := Backoff{Initial: time.Second, Max: 3 * time.Second}
	assert.Equal(t, 2*time.Second, capped.Delay(2))
	assert.Equal(t, 3*time.Second, capped.Delay(3))

	assert.Zero(t, Backoff{}.Delay(5))
}

func TestRetryMarker(t *testing.T) {
	base := errors.New("HTTP 503")
	err := Retry(base)
	assert.True(t, IsRetry(err))
	assert.ErrorIs(t, err, base)
	assert.False(t, IsRetry(base))
	assert.True(t, IsRetry(Retry(nil)))
}

func TestEnqueueUniqueKeepExisting(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, Config{})

	req := Request{Key: "transcribe_s_0", Kind: "transcribe", Payload: payload{"s", 0}}
	ok, err := q.EnqueueUnique(ctx, req)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = q.EnqueueUnique(ctx, req)
	require.NoError(t, err)
	assert.False(t, ok)

	jobs, err := q.List(ctx, "transcribe")
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, StatePending, jobs[0].State)
	assert.Equal(t, 1, jobs[0].Generation)

	var p payload
	require.NoError(t, jobs[0].Decode(&p))
	assert.Equal(t, payload{"s", 0}, p)
}

func TestEnqueueUniqueReplaceBumpsGeneration(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, Config{})

	req := Request{Key: "summary_s", Kind: "summary", Payload: "s"}
	_, err := q.EnqueueUnique(ctx, req)
	require.NoError(t, err)

	req.Policy = Replace
	ok, err := q.EnqueueUnique(ctx, req)
	require.NoError(t, err)
	assert.True(t, ok)

	job, err := q.Get(ctx, "summary_s")
	require.NoError(t, err)
	assert.Equal(t, 2, job.Generation)
	assert.Equal(t, StatePending, job.State)
}

func TestEnqueueRequiresKeyAndKind(t *testing.T) {
	q := newTestQueue(t, Config{})
	_, err := q.EnqueueUnique(context.Background(), Request{Kind: "x"})
	assert.Error(t, err)
	_, err = q.EnqueueUnique(context.Background(), Request{Key: "x"})
	assert.Error(t, err)
}

func TestRunSucceeds(t *testing.T) {
	q := newTestQueue(t, Config{Workers: 2})

	var got atomic.Value
	q.Register("transcribe", func(ctx context.Context, job *Job) error {
		var p payload
		if err := job.Decode(&p); err != nil {
			return err
		}
		got.Store(p)
		return nil
	})
	runQueue(t, q)

	_, err := q.EnqueueUnique(context.Background(), Request{Key: "k", Kind: "transcribe", Payload: payload{"s", 4}})
	require.NoError(t, err)

	job := waitState(t, q, "k", StateSucceeded)
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, payload{"s", 4}, got.Load())
}

func TestRunRetriesWithBackoff(t *testing.T) {
	q := newTestQueue(t, Config{})

	var calls atomic.Int32
	q.Register("flaky", func(ctx context.Context, job *Job) error {
		if calls.Add(1) <= 3 {
			return Retry(errors.New("HTTP 503: unavailable"))
		}
		return nil
	})
	runQueue(t, q)

	_, err := q.EnqueueUnique(context.Background(), Request{
		Key:     "flaky_1",
		Kind:    "flaky",
		Backoff: Backoff{Initial: 5 * time.Millisecond},
	})
	require.NoError(t, err)

	job := waitState(t, q, "flaky_1", StateSucceeded)
	assert.Equal(t, 4, job.Attempts)
	assert.Equal(t, int32(4), calls.Load())
	assert.Nil(t, job.LastError)
}

func TestRunFatalFailure(t *testing.T) {
	q := newTestQueue(t, Config{})
	q.Register("bad", func(ctx context.Context, job *Job) error {
		return errors.New("HTTP 400: bad request")
	})
	runQueue(t, q)

	_, err := q.EnqueueUnique(context.Background(), Request{Key: "bad_1", Kind: "bad"})
	require.NoError(t, err)

	job := waitState(t, q, "bad_1", StateFailed)
	require.NotNil(t, job.LastError)
	assert.Contains(t, *job.LastError, "HTTP 400")

	// A failed job can be enqueued again under KeepExisting
	ok, err := q.EnqueueUnique(context.Background(), Request{Key: "bad_1", Kind: "bad"})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRunUnknownKindAndPanic(t *testing.T) {
	q := newTestQueue(t, Config{})
	q.Register("panics", func(ctx context.Context, job *Job) error {
		panic("boom")
	})
	runQueue(t, q)

	ctx := context.Background()
	_, err := q.EnqueueUnique(ctx, Request{Key: "nobody", Kind: "unregistered"})
	require.NoError(t, err)
	_, err = q.EnqueueUnique(ctx, Request{Key: "p", Kind: "panics"})
	require.NoError(t, err)

	job := waitState(t, q, "nobody", StateFailed)
	assert.Contains(t, *job.LastError, ErrUnknownKind.Error())

	job = waitState(t, q, "p", StateFailed)
	assert.Contains(t, *job.LastError, "handler panic: boom")
}

type toggleNetwork struct {
	online atomic.Bool
}

func (n *toggleNetwork) Online(context.Context) bool { return n.online.Load() }

func TestNetworkGating(t *testing.T) {
	network := &toggleNetwork{}
	q := newTestQueue(t, Config{Network: network})

	var ran sync.Map
	handler := func(ctx context.Context, job *Job) error {
		ran.Store(job.Key, true)
		return nil
	}
	q.Register("upload", handler)
	q.Register("local", handler)
	runQueue(t, q)

	ctx := context.Background()
	_, err := q.EnqueueUnique(ctx, Request{Key: "upload_1", Kind: "upload", RequiresNetwork: true})
	require.NoError(t, err)
	_, err = q.EnqueueUnique(ctx, Request{Key: "local_1", Kind: "local"})
	require.NoError(t, err)

	waitState(t, q, "local_1", StateSucceeded)

	time.Sleep(50 * time.Millisecond)
	_, uploaded := ran.Load("upload_1")
	assert.False(t, uploaded)

	network.online.Store(true)
	waitState(t, q, "upload_1", StateSucceeded)
}

func TestReplaceCancelsRunningJob(t *testing.T) {
	q := newTestQueue(t, Config{})

	started := make(chan int, 4)
	q.Register("summary", func(ctx context.Context, job *Job) error {
		started <- job.Generation
		if job.Generation == 1 {
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	})
	runQueue(t, q)

	ctx := context.Background()
	_, err := q.EnqueueUnique(ctx, Request{Key: "summary_s", Kind: "summary"})
	require.NoError(t, err)

	select {
	case gen := <-started:
		assert.Equal(t, 1, gen)
	case <-time.After(5 * time.Second):
		t.Fatal("first attempt never started")
	}

	_, err = q.EnqueueUnique(ctx, Request{Key: "summary_s", Kind: "summary", Policy: Replace})
	require.NoError(t, err)

	job := waitState(t, q, "summary_s", StateSucceeded)
	assert.Equal(t, 2, job.Generation)
	assert.Equal(t, 1, job.Attempts)
}

func TestRunResumesInterruptedJobs(t *testing.T) {
	q := newTestQueue(t, Config{})
	ctx := context.Background()

	_, err := q.EnqueueUnique(ctx, Request{Key: "stale", Kind: "work"})
	require.NoError(t, err)
	require.NoError(t, q.db.Model(&Job{}).Where("job_key = ?", "stale").
		Update("state", StateRunning).Error)

	q.Register("work", func(ctx context.Context, job *Job) error { return nil })
	runQueue(t, q)

	waitState(t, q, "stale", StateSucceeded)

	stats, err := q.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Succeeded: 1}, stats)
}

type countingObserver struct {
	mu       sync.Mutex
	enqueued int
	outcomes []string
}

func (o *countingObserver) JobEnqueued(string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.enqueued++
}

func (o *countingObserver) JobFinished(_ string, outcome string, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes = append(o.outcomes, outcome)
}

func TestObserverNotified(t *testing.T) {
	obs := &countingObserver{}
	q := newTestQueue(t, Config{Observer: obs})

	var first atomic.Bool
	q.Register("w", func(ctx context.Context, job *Job) error {
		if !first.Swap(true) {
			return Retry(errors.New("later"))
		}
		return nil
	})
	runQueue(t, q)

	_, err := q.EnqueueUnique(context.Background(), Request{Key: "w1", Kind: "w", Backoff: Backoff{Initial: time.Millisecond}})
	require.NoError(t, err)
	waitState(t, q, "w1", StateSucceeded)

	require.Eventually(t, func() bool {
		obs.mu.Lock()
		defer obs.mu.Unlock()
		return len(obs.outcomes) == 2
	}, 5*time.Second, 5*time.Millisecond)

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, 1, obs.enqueued)
	assert.Equal(t, []string{OutcomeRetry, OutcomeSuccess}, obs.outcomes)
}
