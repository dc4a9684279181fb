package blueprint

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/qrsouther/blueprintsync/internal/confluence"
	"github.com/qrsouther/blueprintsync/internal/kvstore"
)

// fakePages serves pages out of a map. Unknown ids come back 404 so tests
// exercise the ambiguous-miss path by default.
type fakePages struct {
	mu         sync.Mutex
	pages      map[string]*confluence.Page
	errs       map[string]error
	updates    []*confluence.Page
	retryCalls int
}

func newFakePages() *fakePages {
	return &fakePages{pages: map[string]*confluence.Page{}, errs: map[string]error{}}
}

func (f *fakePages) setPage(page *confluence.Page) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pages[page.ID] = page
}

func (f *fakePages) setError(pageID string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[pageID] = err
}

func (f *fakePages) GetPage(ctx context.Context, pageID string) (*confluence.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[pageID]; err != nil {
		return nil, err
	}
	page, ok := f.pages[pageID]
	if !ok {
		return nil, &confluence.HTTPError{StatusCode: 404, Message: "no such page"}
	}
	clone := *page
	return &clone, nil
}

func (f *fakePages) UpdatePage(ctx context.Context, page *confluence.Page) (*confluence.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	clone := *page
	clone.Version = page.Version + 1
	f.pages[page.ID] = &clone
	f.updates = append(f.updates, &clone)
	return &clone, nil
}

func (f *fakePages) SetRetryPolicy(maxRetries int, baseDelay, maxDelay time.Duration, rps float64, burst int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retryCalls++
}

func (f *fakePages) retryCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.retryCalls
}

func (f *fakePages) updateCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.updates)
}

// advancingClock ticks one second per call so records written in sequence
// get strictly increasing timestamps.
func advancingClock(start time.Time) func() time.Time {
	var mu sync.Mutex
	current := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		current = current.Add(time.Second)
		return current
	}
}

func sequentialIDs(prefix string) func() string {
	var n atomic.Int64
	return func() string {
		return fmt.Sprintf("%s-%d", prefix, n.Add(1))
	}
}

type engineFixture struct {
	engine *Engine
	store  *kvstore.MemoryStore
	pages  *fakePages
}

func newTestEngine(t *testing.T, mutate func(*Options)) *engineFixture {
	t.Helper()
	store := kvstore.NewMemoryStore()
	pages := newFakePages()
	opts := Options{
		Store:  store,
		Pages:  pages,
		Logger: discardLogger(),
		Now:    advancingClock(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)),
		NewID:  sequentialIDs("id"),
	}
	if mutate != nil {
		mutate(&opts)
	}
	engine, err := NewEngine(opts)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	t.Cleanup(func() { _ = engine.Close() })
	return &engineFixture{engine: engine, store: store, pages: pages}
}

func boolPtr(v bool) *bool { return &v }

func TestNewEngineRequiresStoreAndPages(t *testing.T) {
	if _, err := NewEngine(Options{Pages: newFakePages()}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("missing store: err = %v", err)
	}
	if _, err := NewEngine(Options{Store: kvstore.NewMemoryStore()}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("missing pages: err = %v", err)
	}
}

func TestNewEngineZeroPolicyStaysSafe(t *testing.T) {
	fx := newTestEngine(t, nil)
	policy := fx.engine.Policy()
	if !policy.DryRunDefault {
		t.Fatal("zero policy must default to dry-run")
	}
	if policy.TrustPageDeleted {
		t.Fatal("zero policy must not trust remote deletes")
	}
}

func TestApplyPolicyReachesPageClient(t *testing.T) {
	fx := newTestEngine(t, nil)
	before := fx.pages.retryCallCount()
	p := DefaultPolicy()
	p.MaxRetries = 7
	fx.engine.ApplyPolicy(p)
	if got := fx.pages.retryCallCount(); got != before+1 {
		t.Fatalf("retry config calls = %d, want %d", got, before+1)
	}
	if fx.engine.Policy().MaxRetries != 7 {
		t.Fatalf("policy not applied: %+v", fx.engine.Policy())
	}
}

func TestStartReconciliationWritesProgressBeforeReturning(t *testing.T) {
	fx := newTestEngine(t, nil)
	ctx := context.Background()

	job, err := fx.engine.StartReconciliation(ctx, TriggerOptions{Reason: "drift check", TriggeredBy: "tester"})
	if err != nil {
		t.Fatalf("StartReconciliation: %v", err)
	}
	if !job.DryRun {
		t.Fatal("policy default must set dry-run")
	}
	progress, err := fx.engine.GetProgress(ctx, job.JobID)
	if err != nil {
		t.Fatalf("GetProgress: %v", err)
	}
	if progress.Phase != PhaseQueued || progress.Percent != 0 {
		t.Fatalf("initial progress = %+v", progress)
	}
	if depth, _ := fx.engine.QueueStats(); depth != 1 {
		t.Fatalf("queue depth = %d, want 1", depth)
	}
}

func TestStartReconciliationDryRunOverride(t *testing.T) {
	fx := newTestEngine(t, nil)
	job, err := fx.engine.StartReconciliation(context.Background(), TriggerOptions{DryRun: boolPtr(false)})
	if err != nil {
		t.Fatalf("StartReconciliation: %v", err)
	}
	if job.DryRun {
		t.Fatal("explicit override must win over policy default")
	}
}

func TestStartReconciliationQueueFull(t *testing.T) {
	fx := newTestEngine(t, func(o *Options) { o.Queue = NewInMemoryJobQueue(1) })
	ctx := context.Background()

	if _, err := fx.engine.StartReconciliation(ctx, TriggerOptions{}); err != nil {
		t.Fatalf("first job: %v", err)
	}
	job, err := fx.engine.StartReconciliation(ctx, TriggerOptions{})
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}
	if job.JobID != "" {
		t.Fatalf("rejected job leaked: %+v", job)
	}
}

func TestEngineStartTwiceFails(t *testing.T) {
	fx := newTestEngine(t, nil)
	ctx := context.Background()
	if err := fx.engine.Start(ctx); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	if err := fx.engine.Start(ctx); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("second Start: err = %v, want ErrInvalidState", err)
	}
}
