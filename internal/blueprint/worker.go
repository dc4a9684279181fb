package blueprint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/qrsouther/blueprintsync/internal/confluence"
)

const finalWriteTimeout = 10 * time.Second

func (e *Engine) workerLoop(ctx context.Context, id int) {
	defer e.wg.Done()
	log := e.logger.With("worker", id)
	for {
		job, ok := e.queue.Dequeue(ctx)
		if !ok {
			return
		}
		e.runJob(job, log)
	}
}

// runJob runs one job under its own deadline, detached from the pool
// context. Shutdown waits for in-flight jobs instead of aborting them; a
// job stops only by finishing or by hitting the timeout.
func (e *Engine) runJob(job ReconcileJob, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), e.jobTimeout)
	defer cancel()
	log = log.With("jobId", job.JobID, "dryRun", job.DryRun)
	log.Info("reconciliation started", "reason", job.Reason, "triggeredBy", job.TriggeredBy)

	start := e.now().UTC()
	summary, err := e.reconcile(ctx, job, log)

	// The terminal progress write must land even when the job deadline is
	// what ended the run.
	finCtx, finCancel := context.WithTimeout(context.Background(), finalWriteTimeout)
	defer finCancel()
	if err != nil {
		log.Error("reconciliation failed", "error", err)
		e.failProgress(finCtx, job.JobID, err.Error())
		return
	}
	summary.StartedAt = start
	summary.FinishedAt = e.now().UTC()
	e.completeProgress(finCtx, job.JobID, summary)
	log.Info("reconciliation complete",
		"active", summary.Active,
		"stale", summary.Stale,
		"orphaned", summary.Orphaned,
		"broken", summary.Broken,
		"repaired", summary.Repaired,
		"examined", summary.Examined)
}

// refVerdict is the full result of examining one reference: the reported
// outcome, whether a repair landed, and the placement to publish when the
// reference stays live.
type refVerdict struct {
	Outcome   ReferenceOutcome
	Repaired  bool
	Published *PublishedPlacement
}

// reconcileState accumulates verdicts across the page fan-out.
type reconcileState struct {
	mu           sync.Mutex
	summary      *ReconcileSummary
	outcomeLimit int
	published    []PublishedPlacement
	pagesDone    int
}

func (s *reconcileState) record(v refVerdict) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch v.Outcome.Classification {
	case ClassActive:
		s.summary.Active++
	case ClassStale:
		s.summary.Stale++
	case ClassOrphaned:
		s.summary.Orphaned++
	case ClassBroken:
		s.summary.Broken++
	}
	if v.Repaired {
		s.summary.Repaired++
	}
	if s.outcomeLimit <= 0 || len(s.summary.Outcomes) < s.outcomeLimit {
		s.summary.Outcomes = append(s.summary.Outcomes, v.Outcome)
	}
	if v.Published != nil {
		s.published = append(s.published, *v.Published)
	}
}

func (s *reconcileState) pageDone() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pagesDone++
	return s.pagesDone
}

func (s *reconcileState) totals(pages, references int) *ProgressTotals {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &ProgressTotals{
		Pages:      pages,
		PagesDone:  s.pagesDone,
		References: references,
		Processed:  s.summary.Active + s.summary.Stale + s.summary.Orphaned + s.summary.Broken,
	}
}

func (e *Engine) reconcile(ctx context.Context, job ReconcileJob, log *slog.Logger) (*ReconcileSummary, error) {
	policy := e.Policy()
	summary := &ReconcileSummary{JobID: job.JobID, DryRun: job.DryRun}

	e.updateProgress(ctx, job.JobID, progressUpdate{
		Phase: PhaseInitializing, Percent: percentInitializing, Message: "loading source catalog",
	})
	known, err := e.knownSourceIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("load source catalog: %w", err)
	}

	if !job.SkipBackup {
		e.updateProgress(ctx, job.JobID, progressUpdate{
			Phase: PhaseBackup, Percent: percentBackup, Message: "backing up embed records",
		})
		meta, err := e.CreateBackup(ctx, "reconciliation", job.JobID)
		if err != nil {
			// Without the run-level undo, proceeding is not worth the risk.
			return nil, fmt.Errorf("create backup: %w", err)
		}
		summary.BackupID = meta.BackupID
	}

	e.updateProgress(ctx, job.JobID, progressUpdate{
		Phase: PhaseFetching, Percent: percentFetching, Message: "reading usage index",
	})
	collected, err := e.collectReferences(ctx, known)
	if err != nil {
		return nil, fmt.Errorf("collect references: %w", err)
	}
	summary.Truncated = !collected.Complete
	summary.Examined = len(collected.Unique)
	if n := len(collected.OrphanedIndexEntries); n > 0 {
		log.Warn("usage index rows reference sources missing from the catalog", "count", n)
	}

	st := &reconcileState{summary: summary, outcomeLimit: policy.OutcomeLimit}

	byPage := make(map[string][]Reference)
	for _, ref := range collected.Unique {
		if ref.PageID == "" {
			st.record(refVerdict{Outcome: ReferenceOutcome{
				LocalID:        ref.LocalID,
				SourceID:       referenceSourceID(ref),
				Classification: ClassBroken,
				Detail:         "placement record carries no page id",
			}})
			continue
		}
		byPage[ref.PageID] = append(byPage[ref.PageID], ref)
	}
	pageIDs := make([]string, 0, len(byPage))
	for pageID := range byPage {
		pageIDs = append(pageIDs, pageID)
	}
	sort.Strings(pageIDs)

	e.updateProgress(ctx, job.JobID, progressUpdate{
		Phase:   PhaseCollecting,
		Percent: percentCollecting,
		Message: fmt.Sprintf("collected %d references across %d pages", len(collected.Unique), len(pageIDs)),
		Totals:  st.totals(len(pageIDs), len(collected.Unique)),
	})

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(policy.PageConcurrency)
	for _, pageID := range pageIDs {
		refs := byPage[pageID]
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			e.processPage(gctx, job, pageID, refs, st)
			done := st.pageDone()
			e.updateProgress(gctx, job.JobID, progressUpdate{
				Phase:   PhaseProcessing,
				Percent: calculatePhaseProgress(done, len(pageIDs), processingBandStart, processingBandEnd),
				Message: fmt.Sprintf("processed %d of %d pages", done, len(pageIDs)),
				Totals:  st.totals(len(pageIDs), len(collected.Unique)),
			})
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("page processing interrupted: %w", err)
	}

	e.updateProgress(ctx, job.JobID, progressUpdate{
		Phase: PhaseFinalizing, Percent: percentFinalizing, Message: "rebuilding publication cache",
	})
	if !job.DryRun {
		// Errors accumulated above do not block the rebuild; the cache is
		// derived from whatever verified as live this run.
		if err := e.rebuildPublicationCache(ctx, st.published); err != nil {
			e.logger.Warn("publication cache rebuild failed", "jobId", job.JobID, "error", err)
		}
		e.touchPageSyncMarker(ctx)
	}
	return summary, nil
}

// processPage fetches one page and settles every reference on it. Fetch
// failures that do not confirm deletion leave the references as they were:
// they stay active from the prior run until a future run can verify them.
func (e *Engine) processPage(ctx context.Context, job ReconcileJob, pageID string, refs []Reference, st *reconcileState) {
	policy := e.Policy()
	res := fetchPage(ctx, e.pages, pageID, policy.TrustPageDeleted)
	if !res.Success {
		if res.ErrorKind.ConfirmsDeletion() {
			e.logger.Info("page confirmed deleted, orphaning its placements",
				"pageId", pageID, "count", len(refs))
			for _, ref := range refs {
				st.record(refVerdict{Outcome: e.orphanReference(ctx, job, ref, "page deleted")})
			}
			return
		}
		detail := fmt.Sprintf("page fetch failed (%s); left unverified", res.ErrorKind)
		e.logger.Warn("page unavailable, leaving its placements untouched",
			"pageId", pageID, "kind", res.ErrorKind, "error", res.Err)
		for _, ref := range refs {
			st.record(refVerdict{
				Outcome: ReferenceOutcome{
					LocalID:        ref.LocalID,
					SourceID:       referenceSourceID(ref),
					PageID:         pageID,
					Classification: ClassActive,
					Detail:         detail,
				},
				Published: e.cachedPlacement(ctx, ref),
			})
		}
		return
	}
	for _, ref := range refs {
		st.record(e.classifyReference(ctx, job, res.Page, ref))
	}
}

// classifyReference settles one reference against fetched page content.
// Every storage failure in here classifies the reference as broken; only a
// confirmed missing marker may orphan it.
func (e *Engine) classifyReference(ctx context.Context, job ReconcileJob, page *confluence.Page, ref Reference) refVerdict {
	out := ReferenceOutcome{
		LocalID:  ref.LocalID,
		SourceID: referenceSourceID(ref),
		PageID:   ref.PageID,
	}

	if !ContainsMarker(page.Body, EmbedMarker, ref.LocalID) {
		return refVerdict{Outcome: e.orphanReference(ctx, job, ref, "marker not found in page content")}
	}

	sourceID := ref.SourceID
	repaired := false
	var source *Source
	if sourceID == "" {
		rr := e.repairReference(ctx, ref, job.DryRun)
		if !rr.Repaired {
			out.Classification = ClassBroken
			out.Detail = rr.Error
			return refVerdict{Outcome: out}
		}
		sourceID = rr.SourceID
		source = rr.Source
		repaired = true
		out.SourceID = sourceID
	}

	if source == nil {
		var s Source
		if err := e.getJSON(ctx, sourceKey(sourceID), &s); err != nil {
			out.Classification = ClassBroken
			if errors.Is(err, ErrNotFound) {
				out.Detail = fmt.Sprintf("source %s is missing", sourceID)
			} else {
				out.Detail = fmt.Sprintf("source %s unreadable: %v", sourceID, err)
			}
			return refVerdict{Outcome: out, Repaired: repaired}
		}
		source = &s
	}

	var embed Embed
	if err := e.getJSON(ctx, embedKey(ref.LocalID), &embed); err != nil {
		out.Classification = ClassBroken
		out.Detail = fmt.Sprintf("embed config unreadable: %v", err)
		return refVerdict{Outcome: out, Repaired: repaired}
	}

	out.Classification = ClassActive
	if !source.UpdatedAt.IsZero() && !embed.LastSyncedAt.IsZero() && source.UpdatedAt.After(embed.LastSyncedAt) {
		out.Classification = ClassStale
		out.Detail = "source updated after last sync"
	}
	return refVerdict{
		Outcome:  out,
		Repaired: repaired,
		Published: &PublishedPlacement{
			LocalID:    ref.LocalID,
			SourceID:   sourceID,
			PageID:     ref.PageID,
			PageTitle:  page.Title,
			Rendered:   RenderSource(source, &embed),
			VerifiedAt: e.now().UTC(),
		},
	}
}

// orphanReference quarantines one placement and drops its usage-index row.
// A quarantine failure means the deletion did not happen, so the reference
// reports broken, not orphaned.
func (e *Engine) orphanReference(ctx context.Context, job ReconcileJob, ref Reference, reason string) ReferenceOutcome {
	out := ReferenceOutcome{
		LocalID:  ref.LocalID,
		SourceID: referenceSourceID(ref),
		PageID:   ref.PageID,
	}
	var meta map[string]string
	if ref.PageID != "" {
		meta = map[string]string{"pageId": ref.PageID}
	}
	if _, err := e.softDeleteEmbed(ctx, ref.LocalID, softDeleteOptions{
		DeletedBy: "reconciliation",
		Reason:    reason,
		JobID:     job.JobID,
		Metadata:  meta,
		DryRun:    job.DryRun,
	}); err != nil {
		out.Classification = ClassBroken
		out.Detail = fmt.Sprintf("quarantine failed: %v", err)
		return out
	}
	out.Classification = ClassOrphaned
	out.Detail = reason
	if job.DryRun {
		return out
	}
	if bucket := referenceSourceID(ref); bucket != "" {
		if err := e.removeUsagePlacement(ctx, bucket, ref.LocalID); err != nil {
			e.logger.Warn("usage index cleanup failed after quarantine",
				"localId", ref.LocalID, "sourceId", bucket, "error", err)
			out.Detail = reason + "; usage index cleanup failed"
		}
	}
	return out
}

// cachedPlacement rebuilds a placement from its stored configuration when
// the page could not be verified this run, so the publication cache keeps
// carrying the last synced render.
func (e *Engine) cachedPlacement(ctx context.Context, ref Reference) *PublishedPlacement {
	placement := PublishedPlacement{
		LocalID:   ref.LocalID,
		SourceID:  referenceSourceID(ref),
		PageID:    ref.PageID,
		PageTitle: ref.PageTitle,
	}
	var embed Embed
	if err := e.getJSON(ctx, embedKey(ref.LocalID), &embed); err != nil {
		e.logger.Warn("embed config unreadable while caching unverified placement",
			"localId", ref.LocalID, "error", err)
		return &placement
	}
	if embed.SourceID != "" {
		placement.SourceID = embed.SourceID
	}
	placement.Rendered = embed.SyncedContent
	placement.VerifiedAt = embed.LastSyncedAt
	return &placement
}

// referenceSourceID prefers the placement's own Source id, falling back to
// the bucket it was filed under.
func referenceSourceID(ref Reference) string {
	if ref.SourceID != "" {
		return ref.SourceID
	}
	return ref.IndexSourceID
}
