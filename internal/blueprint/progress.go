package blueprint

import (
	"context"
	"errors"
	"strings"
)

// Percent bands per phase. The per-page processing loop maps its own
// completion linearly onto the processing band; the other phases are fixed
// waypoints.
const (
	percentInitializing = 5
	percentBackup       = 10
	percentFetching     = 15
	percentCollecting   = 20
	processingBandStart = 25
	processingBandEnd   = 95
	percentFinalizing   = 97
)

// calculatePhaseProgress maps done-of-total onto the [rangeStart, rangeEnd]
// band. total <= 0 pins the result to the band start.
func calculatePhaseProgress(done, total, rangeStart, rangeEnd int) int {
	if total <= 0 {
		return rangeStart
	}
	if done < 0 {
		done = 0
	}
	if done > total {
		done = total
	}
	return rangeStart + (done*(rangeEnd-rangeStart))/total
}

// progressUpdate is an overwrite-merge onto the stored record: zero fields
// keep their stored values, percent never moves backwards, and a record in a
// terminal phase is never touched again.
type progressUpdate struct {
	Phase   Phase
	Percent int
	Message string
	Totals  *ProgressTotals
	Error   string
	Result  *ReconcileSummary
}

func (e *Engine) initProgress(ctx context.Context, jobID string) error {
	now := e.now().UTC()
	p := Progress{
		JobID:     jobID,
		Phase:     PhaseQueued,
		Percent:   0,
		Message:   "queued",
		StartedAt: now,
		UpdatedAt: now,
	}
	return e.store.Set(ctx, progressKey(jobID), p)
}

// updateProgress is fire-and-forget: each job id is written only by its own
// worker invocation, and a failed write must never abort the job, so
// failures are logged and swallowed.
func (e *Engine) updateProgress(ctx context.Context, jobID string, upd progressUpdate) {
	var cur Progress
	err := e.getJSON(ctx, progressKey(jobID), &cur)
	if err != nil && !errors.Is(err, ErrNotFound) {
		e.logger.Warn("progress read failed", "jobId", jobID, "error", err)
	}
	if cur.JobID == "" {
		cur.JobID = jobID
		cur.StartedAt = e.now().UTC()
	}
	if cur.Phase.Terminal() {
		return
	}
	if upd.Phase != "" {
		cur.Phase = upd.Phase
	}
	if upd.Percent > cur.Percent {
		cur.Percent = upd.Percent
	}
	if upd.Message != "" {
		cur.Message = upd.Message
	}
	if upd.Totals != nil {
		cur.Totals = *upd.Totals
	}
	if upd.Error != "" {
		cur.Error = upd.Error
	}
	if upd.Result != nil {
		cur.Result = upd.Result
	}
	cur.UpdatedAt = e.now().UTC()
	if err := e.store.Set(ctx, progressKey(jobID), cur); err != nil {
		e.logger.Warn("progress write failed", "jobId", jobID, "phase", cur.Phase, "error", err)
	}
}

func (e *Engine) failProgress(ctx context.Context, jobID, msg string) {
	e.updateProgress(ctx, jobID, progressUpdate{Phase: PhaseError, Message: "failed", Error: msg})
}

func (e *Engine) completeProgress(ctx context.Context, jobID string, summary *ReconcileSummary) {
	e.updateProgress(ctx, jobID, progressUpdate{
		Phase:   PhaseComplete,
		Percent: 100,
		Message: "complete",
		Result:  summary,
	})
}

// GetProgress returns the stored progress record for one job.
func (e *Engine) GetProgress(ctx context.Context, jobID string) (Progress, error) {
	if strings.TrimSpace(jobID) == "" {
		return Progress{}, ErrInvalidInput
	}
	var p Progress
	if err := e.getJSON(ctx, progressKey(jobID), &p); err != nil {
		return Progress{}, err
	}
	return p, nil
}
