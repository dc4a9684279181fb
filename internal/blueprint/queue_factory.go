package blueprint

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/qrsouther/blueprintsync/internal/kvstore"
)

// JobQueueFactory builds a queue for a DSN. Callers can register extra
// schemes before the engine starts.
type JobQueueFactory func(dsn string, capacity int) (JobQueue, error)

var jobQueueRegistry = struct {
	mu        sync.RWMutex
	factories map[string]JobQueueFactory
}{
	factories: map[string]JobQueueFactory{},
}

// RegisterJobQueueFactory makes a custom queue backend available to
// BuildJobQueue under the given DSN scheme. Registered factories take
// precedence over the built-in schemes.
func RegisterJobQueueFactory(scheme string, factory JobQueueFactory) {
	scheme = normalizeQueueScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	jobQueueRegistry.mu.Lock()
	defer jobQueueRegistry.mu.Unlock()
	jobQueueRegistry.factories[scheme] = factory
}

func lookupJobQueueFactory(scheme string) (JobQueueFactory, bool) {
	scheme = normalizeQueueScheme(scheme)
	jobQueueRegistry.mu.RLock()
	defer jobQueueRegistry.mu.RUnlock()
	factory, ok := jobQueueRegistry.factories[scheme]
	return factory, ok
}

func normalizeQueueScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}

// BuildJobQueue constructs a job queue from a DSN. An empty DSN yields the
// in-memory queue.
func BuildJobQueue(dsn string, capacity int) (JobQueue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewInMemoryJobQueue(capacity), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse job queue dsn: %w", err)
	}
	scheme := normalizeQueueScheme(parsed.Scheme)
	if factory, ok := lookupJobQueueFactory(scheme); ok {
		return factory(dsn, capacity)
	}
	switch scheme {
	case "", "file":
		path, pathErr := queueDSNPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileJobQueue(path, capacity)
	case "memory", "mem", "inmem":
		return NewInMemoryJobQueue(capacity), nil
	case "postgres", "postgresql":
		return NewPostgresJobQueue(dsn, capacity)
	case "redis", "rediss", "nats", "sqs", "kafka":
		return nil, fmt.Errorf("%w: job queue backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported job queue scheme: %s", scheme)
	}
}

func queueDSNPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}

// postgresJobQueue stores one JSON payload per queued job in the shared
// database queue, so any process pointed at the DSN can trigger or work
// jobs.
type postgresJobQueue struct {
	inner *kvstore.PostgresQueue
}

// NewPostgresJobQueue returns a database-backed queue; the connection is
// established lazily on first use.
func NewPostgresJobQueue(dsn string, capacity int) (JobQueue, error) {
	inner, err := kvstore.NewPostgresQueue(dsn, "reconcile", capacity)
	if err != nil {
		return nil, err
	}
	return &postgresJobQueue{inner: inner}, nil
}

func (q *postgresJobQueue) TryEnqueue(job ReconcileJob) bool {
	payload, ok := encodeJobPayload(job)
	if !ok {
		return false
	}
	return q.inner.TryEnqueue(payload)
}

func (q *postgresJobQueue) Enqueue(ctx context.Context, job ReconcileJob) bool {
	payload, ok := encodeJobPayload(job)
	if !ok {
		return false
	}
	return q.inner.Enqueue(ctx, payload)
}

func (q *postgresJobQueue) Dequeue(ctx context.Context) (ReconcileJob, bool) {
	for {
		payload, ok := q.inner.Dequeue(ctx)
		if !ok {
			return ReconcileJob{}, false
		}
		var job ReconcileJob
		if err := json.Unmarshal([]byte(payload), &job); err != nil || job.JobID == "" {
			// Poison payload: discard and keep draining.
			continue
		}
		return job, true
	}
}

func (q *postgresJobQueue) Depth() int    { return q.inner.Depth() }
func (q *postgresJobQueue) Capacity() int { return q.inner.Capacity() }
func (q *postgresJobQueue) Close() error  { return q.inner.Close() }

func encodeJobPayload(job ReconcileJob) (string, bool) {
	if job.JobID == "" {
		return "", false
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return "", false
	}
	return string(payload), true
}
