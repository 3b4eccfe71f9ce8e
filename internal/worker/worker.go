package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"recap/internal/models"
	"recap/internal/storage"
)

// JobHandler is a function that processes a job
type JobHandler func(ctx context.Context, job *models.Job) error

// JobStore is the durable side of the queue
type JobStore interface {
	Enqueue(ctx context.Context, kind models.JobKind, sessionID int64) (*models.Job, error)
	ReserveNext(ctx context.Context) (*models.Job, error)
	ReserveByID(ctx context.Context, id int64) (*models.Job, error)
	Complete(ctx context.Context, job *models.Job) error
	Fail(ctx context.Context, job *models.Job, errorMsg string) error
	FailOrRetry(ctx context.Context, job *models.Job, errorMsg string, maxRetries int) (storage.RetryOutcome, error)
	ListPendingIDs(ctx context.Context) ([]int64, error)
	RequeueStale(ctx context.Context, olderThan time.Duration) (int64, error)
	Requeue(ctx context.Context, ids []int64, note string) (int64, error)
}

// Options configures a Pool. Zero values fall back to defaults.
type Options struct {
	Workers      int
	PollInterval time.Duration
	JobTimeout   time.Duration
	MaxRetries   int
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	// StaleAfter reclaims jobs left processing longer than this. 0 disables the sweep.
	StaleAfter time.Duration
	QueueSize  int
	Logger     *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 1
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 5 * time.Second
	}
	if o.JobTimeout <= 0 {
		o.JobTimeout = 10 * time.Minute
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = time.Second
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 30 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Pool runs N worker loops against a shared job store
type Pool struct {
	store    JobStore
	dispatch *Dispatch
	opts     Options
	logger   *slog.Logger

	handlers map[models.JobKind]JobHandler
	mu       sync.RWMutex

	stop     chan struct{}
	stopOnce sync.Once
	started  bool
	wg       sync.WaitGroup

	busyMu sync.Mutex
	busy   map[int64]struct{}
}

// Stats is a snapshot of the pool for health reporting
type Stats struct {
	Running  bool    `json:"running"`
	Workers  int     `json:"workers"`
	Busy     int     `json:"busy"`
	Queued   int     `json:"queued"`
	QueueCap int     `json:"queue_cap"`
	InFlight []int64 `json:"in_flight"`
}

// NewPool creates a new worker pool
func NewPool(store JobStore, opts Options) *Pool {
	opts = opts.withDefaults()
	return &Pool{
		store:    store,
		dispatch: NewDispatch(opts.QueueSize),
		opts:     opts,
		logger:   opts.Logger.With("component", "worker"),
		handlers: make(map[models.JobKind]JobHandler),
		stop:     make(chan struct{}),
		busy:     make(map[int64]struct{}),
	}
}

// RegisterHandler registers a handler for a job kind
func (p *Pool) RegisterHandler(kind models.JobKind, handler JobHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[kind] = handler
}

func (p *Pool) handler(kind models.JobKind) (JobHandler, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	h, ok := p.handlers[kind]
	return h, ok
}

// Start recovers state left by a previous process and launches the workers
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	if p.opts.StaleAfter > 0 {
		p.requeueStale(ctx)
	}

	ids, err := p.store.ListPendingIDs(ctx)
	if err != nil {
		// Workers still find these through ReserveNext.
		p.logger.Error("load pending jobs failed", "error", err)
	}
	loaded := 0
	for _, id := range ids {
		if !p.dispatch.Push(id) {
			break
		}
		loaded++
	}
	p.logger.Info("pending jobs loaded", "pending", len(ids), "hinted", loaded)

	for i := 1; i <= p.opts.Workers; i++ {
		p.wg.Add(1)
		go p.run(ctx, i)
	}
	if p.opts.StaleAfter > 0 {
		p.wg.Add(1)
		go p.sweep(ctx)
	}
	p.logger.Info("worker pool started", "workers", p.opts.Workers, "poll_interval", p.opts.PollInterval, "job_timeout", p.opts.JobTimeout)
}

// Stop signals every worker and waits for in-flight jobs to finish
func (p *Pool) Stop() {
	p.Shutdown(context.Background())
}

// Shutdown is Stop bounded by ctx. Jobs still running when ctx expires are
// put back to pending so the next process picks them up without waiting for
// the stale sweep. It returns the ids of those jobs.
func (p *Pool) Shutdown(ctx context.Context) []int64 {
	p.stopOnce.Do(func() { close(p.stop) })

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped")
		return nil
	case <-ctx.Done():
	}

	abandoned := p.inFlight()
	p.logger.Warn("worker pool shutdown interrupted", "error", ctx.Err(), "in_flight", abandoned)
	if len(abandoned) == 0 {
		return nil
	}
	n, err := p.store.Requeue(context.WithoutCancel(ctx), abandoned, storage.ShutdownRequeueNote)
	if err != nil {
		p.logger.Error("requeue in-flight jobs failed", "error", err, "in_flight", abandoned)
	} else {
		p.logger.Info("requeued in-flight jobs", "count", n)
	}
	return abandoned
}

// Stats reports worker liveness and queue depth
func (p *Pool) Stats() Stats {
	p.mu.RLock()
	started := p.started
	p.mu.RUnlock()

	inFlight := p.inFlight()
	return Stats{
		Running:  started && !p.stopping(context.Background()),
		Workers:  p.opts.Workers,
		Busy:     len(inFlight),
		Queued:   p.dispatch.Len(),
		QueueCap: p.dispatch.Cap(),
		InFlight: inFlight,
	}
}

// RequeuePending pushes every pending job id back into the dispatch queue.
// It returns how many hints were accepted.
func (p *Pool) RequeuePending(ctx context.Context) (int, error) {
	ids, err := p.store.ListPendingIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list pending jobs: %w", err)
	}
	pushed := 0
	for _, id := range ids {
		if !p.dispatch.Push(id) {
			break
		}
		pushed++
	}
	p.logger.Info("pending jobs requeued", "pending", len(ids), "hinted", pushed)
	return pushed, nil
}

func (p *Pool) inFlight() []int64 {
	p.busyMu.Lock()
	defer p.busyMu.Unlock()
	ids := make([]int64, 0, len(p.busy))
	for id := range p.busy {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (p *Pool) track(id int64) func() {
	p.busyMu.Lock()
	p.busy[id] = struct{}{}
	p.busyMu.Unlock()
	return func() {
		p.busyMu.Lock()
		delete(p.busy, id)
		p.busyMu.Unlock()
	}
}

// SubmitJob creates a new job and hints the workers about it
func (p *Pool) SubmitJob(ctx context.Context, kind models.JobKind, sessionID int64) (*models.Job, error) {
	job, err := p.store.Enqueue(ctx, kind, sessionID)
	if err != nil {
		return nil, fmt.Errorf("enqueue %s job: %w", kind, err)
	}
	if !p.dispatch.Push(job.ID) {
		p.logger.Warn("dispatch queue full, job left to polling", "job_id", job.ID)
	}
	p.logger.Info("job submitted", "job_id", job.ID, "kind", kind, "session_id", sessionID)
	return job, nil
}

func (p *Pool) run(ctx context.Context, workerID int) {
	defer p.wg.Done()
	logger := p.logger.With("worker_id", workerID)
	logger.Debug("worker started")
	defer logger.Debug("worker stopped")

	for {
		if p.stopping(ctx) {
			return
		}

		job, err := p.reserve(ctx)
		if err != nil {
			logger.Error("reserve job failed", "error", err)
			if !p.sleep(ctx, p.opts.PollInterval, false) {
				return
			}
			continue
		}
		if job == nil {
			if !p.sleep(ctx, p.opts.PollInterval, true) {
				return
			}
			continue
		}

		if delay := p.execute(ctx, logger, job); delay > 0 {
			if !p.sleep(ctx, delay, false) {
				return
			}
		}
	}
}

// reserve prefers dispatch hints and falls back to the oldest pending job
func (p *Pool) reserve(ctx context.Context) (*models.Job, error) {
	for {
		id, ok := p.dispatch.TryPop()
		if !ok {
			break
		}
		job, err := p.store.ReserveByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if job != nil {
			return job, nil
		}
	}
	return p.store.ReserveNext(ctx)
}

// execute runs one reserved job and records its outcome. It returns how long
// the worker should back off before reserving again.
func (p *Pool) execute(ctx context.Context, logger *slog.Logger, job *models.Job) time.Duration {
	logger = logger.With("job_id", job.ID, "kind", job.Kind, "attempt", job.Attempts)
	// Outcomes are recorded even while shutting down.
	storeCtx := context.WithoutCancel(ctx)

	if _, err := models.ParseJobKind(string(job.Kind)); err != nil {
		logger.Error("unknown job kind", "error", err)
		if err := p.store.Fail(storeCtx, job, err.Error()); err != nil {
			logger.Error("fail job", "error", err)
		}
		return 0
	}
	handler, ok := p.handler(job.Kind)
	if !ok {
		logger.Error("no handler for job kind")
		if err := p.store.Fail(storeCtx, job, "no handler registered for job kind: "+string(job.Kind)); err != nil {
			logger.Error("fail job", "error", err)
		}
		return 0
	}

	logger.Info("processing job")
	untrack := p.track(job.ID)
	defer untrack()
	start := time.Now()
	err := p.invoke(ctx, handler, job)
	elapsed := time.Since(start)

	if err == nil {
		if err := p.store.Complete(storeCtx, job); err != nil {
			if errors.Is(err, storage.ErrJobNotProcessing) {
				logger.Warn("job was cancelled while running", "elapsed", elapsed)
			} else {
				logger.Error("complete job", "error", err)
			}
			return 0
		}
		logger.Info("job completed", "elapsed", elapsed)
		return 0
	}

	if IsPermanent(err) {
		logger.Error("job failed permanently", "error", err, "elapsed", elapsed)
		if ferr := p.store.Fail(storeCtx, job, err.Error()); ferr != nil && !errors.Is(ferr, storage.ErrJobNotProcessing) {
			logger.Error("fail job", "error", ferr)
		}
		return 0
	}

	outcome, ferr := p.store.FailOrRetry(storeCtx, job, err.Error(), p.opts.MaxRetries)
	if ferr != nil {
		logger.Error("record job failure", "error", ferr, "job_error", err)
		return p.opts.PollInterval
	}

	switch outcome {
	case storage.OutcomeRetry:
		logger.Warn("job failed, queued for retry", "error", err, "max_retries", p.opts.MaxRetries, "elapsed", elapsed)
		p.dispatch.Push(job.ID)
		return p.backoff(job.Attempts)
	case storage.OutcomeFailed:
		logger.Error("job failed after max retries", "error", err, "max_retries", p.opts.MaxRetries)
	case storage.OutcomeCancelled:
		logger.Warn("job was cancelled while running", "error", err)
	}
	return 0
}

// invoke runs the handler under the job deadline. Shutdown does not cancel a
// running handler; the deadline bounds it instead.
func (p *Pool) invoke(ctx context.Context, handler JobHandler, job *models.Job) (err error) {
	jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.opts.JobTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(jobCtx, job)
}

// backoff is base*2^attempts capped at BackoffMax
func (p *Pool) backoff(attempts int) time.Duration {
	return Backoff(attempts, p.opts.BackoffBase, p.opts.BackoffMax)
}

// Backoff returns base*2^attempts, capped at max
func Backoff(attempts int, base, max time.Duration) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	d := base
	for i := 0; i < attempts; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

func (p *Pool) sweep(ctx context.Context) {
	defer p.wg.Done()
	interval := p.opts.StaleAfter / 2
	for p.sleep(ctx, interval, false) {
		p.requeueStale(ctx)
	}
}

func (p *Pool) requeueStale(ctx context.Context) {
	n, err := p.store.RequeueStale(ctx, p.opts.StaleAfter)
	if err != nil {
		p.logger.Error("requeue stale jobs failed", "error", err)
		return
	}
	if n > 0 {
		p.logger.Warn("requeued stale processing jobs", "count", n, "stale_after", p.opts.StaleAfter)
	}
}

func (p *Pool) stopping(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-p.stop:
		return true
	default:
		return false
	}
}

// sleep waits for d. wakeable sleeps end early when a job is submitted.
// It returns false when the pool is stopping.
func (p *Pool) sleep(ctx context.Context, d time.Duration, wakeable bool) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	var wake <-chan struct{}
	if wakeable {
		wake = p.dispatch.Wake()
	}
	select {
	case <-ctx.Done():
		return false
	case <-p.stop:
		return false
	case <-wake:
		return true
	case <-timer.C:
		return true
	}
}

// permanentError marks a handler error that retrying cannot fix
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the pool fails the job without further attempts
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
