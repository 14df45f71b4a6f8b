package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// Config holds queue runtime settings
type Config struct {
	Workers      int
	PollInterval time.Duration
	Network      NetworkChecker
	Observer     Observer
}

// Stats holds job counts per state
type Stats struct {
	Pending   int64 `json:"pending"`
	Running   int64 `json:"running"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
}

type inflight struct {
	generation int
	cancel     context.CancelFunc
}

// Queue runs persisted jobs with a fixed pool of workers
type Queue struct {
	db     *gorm.DB
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	handlers map[string]Handler
	running  map[string]inflight
	wake     chan struct{}

	now func() time.Time
}

type noopObserver struct{}

func (noopObserver) JobEnqueued(string)                       {}
func (noopObserver) JobFinished(string, string, time.Duration) {}

// New creates a queue on db and migrates its table
func New(db *gorm.DB, cfg Config, logger *slog.Logger) (*Queue, error) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.Network == nil {
		cfg.Network = AlwaysOnline{}
	}
	if cfg.Observer == nil {
		cfg.Observer = noopObserver{}
	}

	if err := db.AutoMigrate(&Job{}); err != nil {
		return nil, fmt.Errorf("failed to migrate job table: %w", err)
	}

	return &Queue{
		db:       db,
		cfg:      cfg,
		logger:   logger,
		handlers: make(map[string]Handler),
		running:  make(map[string]inflight),
		wake:     make(chan struct{}),
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// Register installs the handler for a job kind
func (q *Queue) Register(kind string, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[kind] = h
}

// Wake signals idle workers to look for work immediately
func (q *Queue) Wake() {
	q.mu.Lock()
	defer q.mu.Unlock()
	close(q.wake)
	q.wake = make(chan struct{})
}

func (q *Queue) wakeChan() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.wake
}

// EnqueueUnique enqueues req and wakes the workers. It reports false when
// the KeepExisting policy left an existing job in place.
func (q *Queue) EnqueueUnique(ctx context.Context, req Request) (bool, error) {
	var enqueued bool
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		enqueued, err = q.EnqueueUniqueTx(ctx, tx, req)
		return err
	})
	if err != nil {
		return false, err
	}
	if enqueued {
		q.Wake()
	}
	return enqueued, nil
}

// EnqueueUniqueTx enqueues req inside the caller's transaction. Callers
// should Wake the queue once the transaction has committed.
func (q *Queue) EnqueueUniqueTx(ctx context.Context, tx *gorm.DB, req Request) (bool, error) {
	if req.Key == "" || req.Kind == "" {
		return false, errors.New("job key and kind are required")
	}

	payload, err := json.Marshal(req.Payload)
	if err != nil {
		return false, fmt.Errorf("failed to encode payload of job %s: %w", req.Key, err)
	}

	now := q.now()
	var existing Job
	err = tx.WithContext(ctx).Where("job_key = ?", req.Key).First(&existing).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		job := Job{
			Key:             req.Key,
			Kind:            req.Kind,
			Payload:         payload,
			State:           StatePending,
			Generation:      1,
			RequiresNetwork: req.RequiresNetwork,
			BackoffInitial:  req.Backoff.Initial.Milliseconds(),
			BackoffMax:      req.Backoff.Max.Milliseconds(),
			NextRunAt:       now,
		}
		if err := tx.WithContext(ctx).Create(&job).Error; err != nil {
			return false, fmt.Errorf("failed to create job %s: %w", req.Key, err)
		}
	case err != nil:
		return false, fmt.Errorf("failed to look up job %s: %w", req.Key, err)
	default:
		active := existing.State == StatePending || existing.State == StateRunning
		if req.Policy == KeepExisting && active {
			return false, nil
		}

		err := tx.WithContext(ctx).Model(&Job{}).
			Where("job_key = ?", req.Key).
			Updates(map[string]any{
				"kind":               req.Kind,
				"payload":            payload,
				"state":              StatePending,
				"attempts":           0,
				"generation":         existing.Generation + 1,
				"requires_network":   req.RequiresNetwork,
				"backoff_initial_ms": req.Backoff.Initial.Milliseconds(),
				"backoff_max_ms":     req.Backoff.Max.Milliseconds(),
				"next_run_at":        now,
				"last_error":         nil,
				"updated_at":         now,
			}).Error
		if err != nil {
			return false, fmt.Errorf("failed to reset job %s: %w", req.Key, err)
		}

		if existing.State == StateRunning {
			q.cancelRunning(req.Key)
		}
	}

	q.cfg.Observer.JobEnqueued(req.Kind)
	q.logger.Debug("Job enqueued",
		slog.String("key", req.Key),
		slog.String("kind", req.Kind),
		slog.String("policy", req.Policy.String()))
	return true, nil
}

func (q *Queue) cancelRunning(key string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if r, ok := q.running[key]; ok {
		r.cancel()
	}
}

// Run resumes interrupted jobs and processes work until ctx is cancelled
func (q *Queue) Run(ctx context.Context) error {
	res := q.db.WithContext(ctx).Model(&Job{}).
		Where("state = ?", StateRunning).
		Updates(map[string]any{"state": StatePending, "next_run_at": q.now()})
	if res.Error != nil {
		return fmt.Errorf("failed to resume interrupted jobs: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		q.logger.Info("Resumed interrupted jobs", slog.Int64("count", res.RowsAffected))
	}

	q.logger.Info("Job queue started",
		slog.Int("workers", q.cfg.Workers),
		slog.Duration("poll_interval", q.cfg.PollInterval))

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < q.cfg.Workers; i++ {
		id := i
		g.Go(func() error {
			q.worker(gctx, id)
			return nil
		})
	}
	err := g.Wait()

	q.logger.Info("Job queue stopped")
	return err
}

func (q *Queue) worker(ctx context.Context, id int) {
	for {
		wake := q.wakeChan()

		job, err := q.claim(ctx)
		if err != nil && ctx.Err() == nil {
			q.logger.Error("Failed to claim job",
				slog.Int("worker", id),
				slog.String("error", err.Error()))
		}
		if job != nil {
			q.execute(ctx, job)
			continue
		}

		timer := time.NewTimer(q.cfg.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-wake:
		case <-timer.C:
		}
		timer.Stop()
	}
}

// claim atomically moves the next due job to running
func (q *Queue) claim(ctx context.Context) (*Job, error) {
	if ctx.Err() != nil {
		return nil, nil
	}

	now := q.now()
	var job Job
	err := q.db.WithContext(ctx).
		Where("state = ? AND next_run_at <= ?", StatePending, now).
		Order("next_run_at ASC, created_at ASC").
		First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if job.RequiresNetwork && !q.cfg.Network.Online(ctx) {
		err = q.db.WithContext(ctx).
			Where("state = ? AND next_run_at <= ? AND requires_network = ?", StatePending, now, false).
			Order("next_run_at ASC, created_at ASC").
			First(&job).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
	}

	res := q.db.WithContext(ctx).Model(&Job{}).
		Where("job_key = ? AND state = ? AND generation = ?", job.Key, StatePending, job.Generation).
		Updates(map[string]any{
			"state":      StateRunning,
			"attempts":   gorm.Expr("attempts + 1"),
			"updated_at": now,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		// Another worker won the race
		return nil, nil
	}

	job.State = StateRunning
	job.Attempts++
	return &job, nil
}

func (q *Queue) execute(ctx context.Context, job *Job) {
	q.mu.Lock()
	handler, ok := q.handlers[job.Kind]
	runCtx, cancel := context.WithCancel(ctx)
	q.running[job.Key] = inflight{generation: job.Generation, cancel: cancel}
	q.mu.Unlock()

	defer func() {
		cancel()
		q.mu.Lock()
		if r, ok := q.running[job.Key]; ok && r.generation == job.Generation {
			delete(q.running, job.Key)
		}
		q.mu.Unlock()
	}()

	start := time.Now()
	var err error
	if !ok {
		err = fmt.Errorf("%w: %s", ErrUnknownKind, job.Kind)
	} else {
		err = safeCall(runCtx, handler, job)
	}
	elapsed := time.Since(start)

	logAttrs := []any{
		slog.String("key", job.Key),
		slog.String("kind", job.Kind),
		slog.Int("attempt", job.Attempts),
		slog.Duration("duration", elapsed),
	}

	switch {
	case err == nil:
		q.finish(ctx, job, map[string]any{"state": StateSucceeded, "last_error": nil})
		q.cfg.Observer.JobFinished(job.Kind, OutcomeSuccess, elapsed)
		q.logger.Debug("Job succeeded", logAttrs...)

	case ctx.Err() != nil:
		// Shutdown: the attempt does not count
		q.finish(ctx, job, map[string]any{
			"state":       StatePending,
			"attempts":    gorm.Expr("attempts - 1"),
			"next_run_at": q.now(),
		})
		q.cfg.Observer.JobFinished(job.Kind, OutcomeInterrupted, elapsed)
		q.logger.Info("Job interrupted by shutdown", logAttrs...)

	case runCtx.Err() != nil:
		// Replaced while running; the new generation owns the row
		q.cfg.Observer.JobFinished(job.Kind, OutcomeInterrupted, elapsed)
		q.logger.Info("Job replaced while running", logAttrs...)

	case IsRetry(err):
		delay := job.Backoff().Delay(job.Attempts)
		q.finish(ctx, job, map[string]any{
			"state":       StatePending,
			"next_run_at": q.now().Add(delay),
			"last_error":  err.Error(),
		})
		q.cfg.Observer.JobFinished(job.Kind, OutcomeRetry, elapsed)
		q.logger.Warn("Job will be retried",
			append(logAttrs, slog.Duration("backoff", delay), slog.String("error", err.Error()))...)

	default:
		q.finish(ctx, job, map[string]any{"state": StateFailed, "last_error": err.Error()})
		q.cfg.Observer.JobFinished(job.Kind, OutcomeFailure, elapsed)
		q.logger.Error("Job failed", append(logAttrs, slog.String("error", err.Error()))...)
	}
}

// finish applies the outcome of an attempt if the job was not replaced meanwhile
func (q *Queue) finish(ctx context.Context, job *Job, fields map[string]any) {
	fields["updated_at"] = q.now()
	err := q.db.WithContext(context.WithoutCancel(ctx)).Model(&Job{}).
		Where("job_key = ? AND generation = ? AND state = ?", job.Key, job.Generation, StateRunning).
		Updates(fields).Error
	if err != nil {
		q.logger.Error("Failed to record job outcome",
			slog.String("key", job.Key),
			slog.String("error", err.Error()))
	}
}

func safeCall(ctx context.Context, h Handler, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v\n%s", r, debug.Stack())
		}
	}()
	return h(ctx, job)
}

// Get returns one job by key
func (q *Queue) Get(ctx context.Context, key string) (*Job, error) {
	var job Job
	err := q.db.WithContext(ctx).Where("job_key = ?", key).First(&job).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get job %s: %w", key, err)
	}
	return &job, nil
}

// List returns jobs, optionally filtered by kind, most recently updated first
func (q *Queue) List(ctx context.Context, kind string) ([]Job, error) {
	tx := q.db.WithContext(ctx).Order("updated_at DESC")
	if kind != "" {
		tx = tx.Where("kind = ?", kind)
	}
	var jobs []Job
	if err := tx.Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return jobs, nil
}

// GetStats returns job counts per state
func (q *Queue) GetStats(ctx context.Context) (Stats, error) {
	var rows []struct {
		State State
		N     int64
	}
	err := q.db.WithContext(ctx).Model(&Job{}).
		Select("state, COUNT(*) AS n").
		Group("state").
		Scan(&rows).Error
	if err != nil {
		return Stats{}, fmt.Errorf("failed to count jobs: %w", err)
	}

	var s Stats
	for _, r := range rows {
		switch r.State {
		case StatePending:
			s.Pending = r.N
		case StateRunning:
			s.Running = r.N
		case StateSucceeded:
			s.Succeeded = r.N
		case StateFailed:
			s.Failed = r.N
		}
	}
	return s, nil
}
