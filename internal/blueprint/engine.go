package blueprint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/qrsouther/blueprintsync/internal/kvstore"
)

const backgroundTaskTimeout = 30 * time.Second

// Options configures an Engine. Store and Pages are required; everything
// else has a default.
type Options struct {
	Store          kvstore.Store
	Pages          PageService
	Queue          JobQueue
	Logger         *slog.Logger
	Policy         Policy
	Workers        int
	JobTimeout     time.Duration
	BackupPageSize int
	Now            func() time.Time
	NewID          func() string
}

// Engine owns every record namespace in the store and runs the
// reconciliation workers. All exported methods are safe for concurrent use;
// the store itself has no multi-key transactions, so multi-step mutations
// are ordered defensively (version before overwrite, quarantine before
// delete) rather than wrapped.
type Engine struct {
	store  kvstore.Store
	pages  PageService
	queue  JobQueue
	logger *slog.Logger

	policyMu sync.RWMutex
	policy   Policy

	workers        int
	jobTimeout     time.Duration
	backupPageSize int

	now   func() time.Time
	newID func() string

	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	bgWG sync.WaitGroup
}

func NewEngine(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrInvalidInput)
	}
	if opts.Pages == nil {
		return nil, fmt.Errorf("%w: page service is required", ErrInvalidInput)
	}
	if opts.Queue == nil {
		opts.Queue = NewInMemoryJobQueue(defaultJobQueueCapacity)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Policy == (Policy{}) {
		opts.Policy = DefaultPolicy()
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = 15 * time.Minute
	}
	if opts.BackupPageSize <= 0 {
		opts.BackupPageSize = 100
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	e := &Engine{
		store:          opts.Store,
		pages:          opts.Pages,
		queue:          opts.Queue,
		logger:         opts.Logger.With("component", "blueprint"),
		policy:         opts.Policy.withDefaults(),
		workers:        opts.Workers,
		jobTimeout:     opts.JobTimeout,
		backupPageSize: opts.BackupPageSize,
		now:            opts.Now,
		newID:          opts.NewID,
	}
	e.configureRetries(e.policy)
	return e, nil
}

// Policy returns the currently applied policy.
func (e *Engine) Policy() Policy {
	e.policyMu.RLock()
	defer e.policyMu.RUnlock()
	return e.policy
}

// ApplyPolicy swaps the runtime policy and pushes retry and rate settings
// down to the page client when it supports live tuning.
func (e *Engine) ApplyPolicy(p Policy) {
	p = p.withDefaults()
	e.policyMu.Lock()
	e.policy = p
	e.policyMu.Unlock()
	e.configureRetries(p)
	e.logger.Info("policy applied",
		"dryRunDefault", p.DryRunDefault,
		"trustPageDeleted", p.TrustPageDeleted,
		"pageConcurrency", p.PageConcurrency,
		"fetchRatePerSecond", p.FetchRatePerSecond)
}

type retryConfigurer interface {
	SetRetryPolicy(maxRetries int, baseDelay, maxDelay time.Duration, rps float64, burst int)
}

func (e *Engine) configureRetries(p Policy) {
	if rc, ok := e.pages.(retryConfigurer); ok {
		rc.SetRetryPolicy(p.MaxRetries, p.retryBaseDelay(), p.retryMaxDelay(), p.FetchRatePerSecond, p.FetchBurst)
	}
}

// Start launches the worker pool. The read/write API works without it; only
// queued reconciliation jobs need running workers.
func (e *Engine) Start(ctx context.Context) error {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.running {
		return fmt.Errorf("%w: engine already started", ErrInvalidState)
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.running = true
	for i := 0; i < e.workers; i++ {
		e.wg.Add(1)
		go e.workerLoop(runCtx, i)
	}
	e.logger.Info("engine started", "workers", e.workers)
	return nil
}

// Close stops the worker pool and waits for in-flight jobs and background
// tasks. The store and queue belong to the caller and stay open.
func (e *Engine) Close() error {
	e.runMu.Lock()
	if e.running {
		e.running = false
		e.cancel()
	}
	e.runMu.Unlock()
	e.wg.Wait()
	e.bgWG.Wait()
	return nil
}

// TriggerOptions shapes one reconciliation request. A nil DryRun defers to
// the policy default.
type TriggerOptions struct {
	DryRun      *bool
	SkipBackup  bool
	Reason      string
	TriggeredBy string
}

// StartReconciliation writes the initial progress record and enqueues the
// job. The progress record exists before this returns, so a poll issued
// immediately after sees the job queued rather than missing.
func (e *Engine) StartReconciliation(ctx context.Context, opts TriggerOptions) (ReconcileJob, error) {
	policy := e.Policy()
	dryRun := policy.DryRunDefault
	if opts.DryRun != nil {
		dryRun = *opts.DryRun
	}
	job := ReconcileJob{
		JobID:       e.newID(),
		DryRun:      dryRun,
		SkipBackup:  opts.SkipBackup,
		Reason:      opts.Reason,
		TriggeredBy: opts.TriggeredBy,
		EnqueuedAt:  e.now().UTC(),
	}
	if err := e.initProgress(ctx, job.JobID); err != nil {
		return ReconcileJob{}, fmt.Errorf("init progress: %w", err)
	}
	if !e.queue.TryEnqueue(job) {
		e.failProgress(ctx, job.JobID, "job queue is full")
		return ReconcileJob{}, ErrQueueFull
	}
	e.logger.Info("reconciliation queued",
		"jobId", job.JobID, "dryRun", job.DryRun, "reason", job.Reason)
	return job, nil
}

// QueueStats reports the job queue's depth and capacity.
func (e *Engine) QueueStats() (depth, capacity int) {
	return e.queue.Depth(), e.queue.Capacity()
}

// resolveDryRun applies the policy default when the caller left the flag
// unset. Destructive operations preview unless someone explicitly arms them.
func (e *Engine) resolveDryRun(flag *bool) bool {
	if flag != nil {
		return *flag
	}
	return e.Policy().DryRunDefault
}

// spawn runs fn in the background. Failures are logged, never surfaced to
// the caller that scheduled the task.
func (e *Engine) spawn(name string, fn func(ctx context.Context) error) {
	e.bgWG.Add(1)
	go func() {
		defer e.bgWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), backgroundTaskTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			e.logger.Warn("background task failed", "task", name, "error", err)
		}
	}()
}

func (e *Engine) getJSON(ctx context.Context, key string, out any) error {
	raw, err := e.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

// forEachPrefix walks every entry under prefix page by page, stopping at the
// policy's page cap. The returned flag reports whether the walk saw every
// entry; callers must treat a capped read as possibly incomplete.
func (e *Engine) forEachPrefix(ctx context.Context, prefix string, fn func(kvstore.Entry) error) (complete bool, err error) {
	maxPages := e.Policy().MaxQueryPages
	cursor := ""
	for page := 0; page < maxPages; page++ {
		res, err := e.store.Query(ctx, prefix, cursor, 0)
		if err != nil {
			return false, err
		}
		for _, entry := range res.Results {
			if err := fn(entry); err != nil {
				return false, err
			}
		}
		if res.NextCursor == nil {
			return true, nil
		}
		cursor = *res.NextCursor
	}
	e.logger.Warn("prefix query hit page cap, result is partial",
		"prefix", prefix, "maxPages", maxPages)
	return false, nil
}
