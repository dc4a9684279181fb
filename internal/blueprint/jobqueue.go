package blueprint

import "context"

// JobQueue buffers reconciliation requests between the trigger surfaces and
// the worker pool. TryEnqueue refuses instead of blocking when the queue is
// at capacity so callers can surface back-pressure immediately. Delivery is
// at-least-once for durable implementations; the worker is idempotent.
type JobQueue interface {
	TryEnqueue(job ReconcileJob) bool
	Enqueue(ctx context.Context, job ReconcileJob) bool
	Dequeue(ctx context.Context) (ReconcileJob, bool)
	Depth() int
	Capacity() int
	Close() error
}

const defaultJobQueueCapacity = 16

type inMemoryJobQueue struct {
	ch chan ReconcileJob
}

// NewInMemoryJobQueue returns a process-local queue. Queued jobs are lost on
// restart; their progress records stay behind in the queued phase.
func NewInMemoryJobQueue(capacity int) JobQueue {
	if capacity <= 0 {
		capacity = defaultJobQueueCapacity
	}
	return &inMemoryJobQueue{
		ch: make(chan ReconcileJob, capacity),
	}
}

func (q *inMemoryJobQueue) TryEnqueue(job ReconcileJob) bool {
	if q == nil || job.JobID == "" {
		return false
	}
	select {
	case q.ch <- job:
		return true
	default:
		return false
	}
}

func (q *inMemoryJobQueue) Enqueue(ctx context.Context, job ReconcileJob) bool {
	if q == nil || job.JobID == "" {
		return false
	}
	select {
	case q.ch <- job:
		return true
	case <-ctx.Done():
		return false
	}
}

func (q *inMemoryJobQueue) Dequeue(ctx context.Context) (ReconcileJob, bool) {
	if q == nil {
		return ReconcileJob{}, false
	}
	select {
	case job := <-q.ch:
		return job, true
	case <-ctx.Done():
		return ReconcileJob{}, false
	}
}

func (q *inMemoryJobQueue) Depth() int {
	if q == nil {
		return 0
	}
	return len(q.ch)
}

func (q *inMemoryJobQueue) Capacity() int {
	if q == nil {
		return 0
	}
	return cap(q.ch)
}

func (q *inMemoryJobQueue) Close() error {
	return nil
}
