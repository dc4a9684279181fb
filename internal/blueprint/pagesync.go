package blueprint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/qrsouther/blueprintsync/internal/confluence"
)

// PagePublishedEvent is one page publish notification from the remote
// service. PageVersion lets replayed or out-of-order deliveries be
// recognized; zero means the sender did not include one.
type PagePublishedEvent struct {
	PageID      string `json:"pageId"`
	PageTitle   string `json:"pageTitle,omitempty"`
	PageVersion int    `json:"pageVersion,omitempty"`
}

// PageSyncResult reports what one publish event changed.
type PageSyncResult struct {
	PageID          string   `json:"pageId"`
	Skipped         bool     `json:"skipped,omitempty"`
	SkipReason      string   `json:"skipReason,omitempty"`
	PageDeleted     bool     `json:"pageDeleted,omitempty"`
	SourcesAdded    []string `json:"sourcesAdded,omitempty"`
	SourcesRemoved  []string `json:"sourcesRemoved,omitempty"`
	EmbedsRefreshed int      `json:"embedsRefreshed,omitempty"`
}

// HandlePagePublished reconciles a single page in response to its publish
// event. Unlike the full-scan worker, a Source marker missing from freshly
// published content is ground truth: the author just removed it, so the
// Source is soft-deleted immediately, no grace period. Fetch failures that
// do not confirm deletion skip the event rather than guessing.
func (e *Engine) HandlePagePublished(ctx context.Context, event PagePublishedEvent) (PageSyncResult, error) {
	pageID := strings.TrimSpace(event.PageID)
	if pageID == "" {
		return PageSyncResult{}, fmt.Errorf("%w: page id is required", ErrInvalidInput)
	}
	result := PageSyncResult{PageID: pageID}
	log := e.logger.With("pageId", pageID)

	wm, err := e.loadWatermark(ctx)
	if err != nil {
		return PageSyncResult{}, fmt.Errorf("read sync watermark: %w", err)
	}
	if event.PageVersion > 0 && wm.Pages[pageID] >= event.PageVersion {
		result.Skipped = true
		result.SkipReason = fmt.Sprintf("page version %d already folded in", event.PageVersion)
		log.Debug("publish event skipped", "reason", result.SkipReason)
		return result, nil
	}

	res := fetchPage(ctx, e.pages, pageID, e.Policy().TrustPageDeleted)
	if !res.Success {
		if res.ErrorKind.ConfirmsDeletion() {
			result.PageDeleted = true
			removed, err := e.handlePageDeleted(ctx, pageID, log)
			if err != nil {
				return PageSyncResult{}, err
			}
			result.SourcesRemoved = removed
			e.advanceWatermark(ctx, wm, pageID, event.PageVersion)
			e.touchPageSyncMarker(ctx)
			return result, nil
		}
		result.Skipped = true
		result.SkipReason = fmt.Sprintf("page fetch failed (%s)", res.ErrorKind)
		log.Warn("publish event skipped, page unavailable", "kind", res.ErrorKind, "error", res.Err)
		return result, nil
	}
	page := res.Page

	after := ExtractMarkerIDs(page.Body, SourceMarker)
	embedIDs := ExtractMarkerIDs(page.Body, EmbedMarker)

	var before PageSourcesRecord
	if err := e.getJSON(ctx, pageSourcesKey(pageID), &before); err != nil && !errors.Is(err, ErrNotFound) {
		return PageSyncResult{}, fmt.Errorf("read page sources record: %w", err)
	}

	afterSet := make(map[string]struct{}, len(after))
	for _, id := range after {
		afterSet[id] = struct{}{}
	}
	beforeSet := make(map[string]struct{}, len(before.SourceIDs))
	for _, id := range before.SourceIDs {
		beforeSet[id] = struct{}{}
	}

	for _, id := range before.SourceIDs {
		if _, still := afterSet[id]; still {
			continue
		}
		if _, err := e.softDeleteSource(ctx, id, softDeleteOptions{
			DeletedBy: "page-sync",
			Reason:    "source marker removed from page",
			Metadata:  map[string]string{"pageId": pageID},
		}); err != nil {
			log.Warn("soft delete of removed source failed", "sourceId", id, "error", err)
			continue
		}
		result.SourcesRemoved = append(result.SourcesRemoved, id)
	}
	for _, id := range after {
		if _, had := beforeSet[id]; !had {
			result.SourcesAdded = append(result.SourcesAdded, id)
		}
	}

	if err := e.storePageSources(ctx, pageID, after); err != nil {
		return PageSyncResult{}, fmt.Errorf("update page sources record: %w", err)
	}

	placements := e.refreshPageEmbeds(ctx, page, embedIDs, log)
	result.EmbedsRefreshed = len(placements)
	if err := e.updatePagePublication(ctx, pageID, placements); err != nil {
		log.Warn("publication cache update failed", "error", err)
	}

	e.advanceWatermark(ctx, wm, pageID, max(event.PageVersion, page.Version))
	if len(result.SourcesAdded)+len(result.SourcesRemoved)+result.EmbedsRefreshed > 0 {
		e.touchPageSyncMarker(ctx)
	}
	log.Info("page synced",
		"sourcesAdded", len(result.SourcesAdded),
		"sourcesRemoved", len(result.SourcesRemoved),
		"embedsRefreshed", result.EmbedsRefreshed)
	return result, nil
}

// handlePageDeleted soft-deletes every Source cached for a page confirmed
// gone and clears the page's derived records.
func (e *Engine) handlePageDeleted(ctx context.Context, pageID string, log *slog.Logger) ([]string, error) {
	var record PageSourcesRecord
	if err := e.getJSON(ctx, pageSourcesKey(pageID), &record); err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("read page sources record: %w", err)
	}
	var removed []string
	for _, id := range record.SourceIDs {
		if _, err := e.softDeleteSource(ctx, id, softDeleteOptions{
			DeletedBy: "page-sync",
			Reason:    "page deleted",
			Metadata:  map[string]string{"pageId": pageID},
		}); err != nil {
			log.Warn("soft delete after page deletion failed", "sourceId", id, "error", err)
			continue
		}
		removed = append(removed, id)
	}
	if err := e.store.Delete(ctx, pageSourcesKey(pageID)); err != nil {
		log.Warn("page sources record delete failed", "error", err)
	}
	if err := e.updatePagePublication(ctx, pageID, nil); err != nil {
		log.Warn("publication cache clear failed", "error", err)
	}
	log.Info("page deletion folded in", "sourcesRemoved", len(removed))
	return removed, nil
}

// refreshPageEmbeds re-renders every configured placement found on the page
// and keeps their usage-index rows pointing at the current page metadata.
// Markers without a stored configuration are authoring in progress and are
// skipped quietly.
func (e *Engine) refreshPageEmbeds(ctx context.Context, page *confluence.Page, embedIDs []string, log *slog.Logger) []PublishedPlacement {
	var placements []PublishedPlacement
	for _, localID := range embedIDs {
		var embed Embed
		if err := e.getJSON(ctx, embedKey(localID), &embed); err != nil {
			if errors.Is(err, ErrNotFound) {
				log.Debug("embed marker has no configuration yet", "localId", localID)
			} else {
				log.Warn("embed config unreadable during page sync", "localId", localID, "error", err)
			}
			continue
		}
		if embed.SourceID == "" {
			continue
		}
		var source Source
		if err := e.getJSON(ctx, sourceKey(embed.SourceID), &source); err != nil {
			log.Warn("source unavailable during page sync",
				"localId", localID, "sourceId", embed.SourceID, "error", err)
			continue
		}
		embed.PageID = page.ID
		embed.PageTitle = page.Title
		if err := e.upsertUsagePlacement(ctx, embed); err != nil {
			log.Warn("usage index refresh failed", "localId", localID, "error", err)
		}
		placements = append(placements, PublishedPlacement{
			LocalID:    localID,
			SourceID:   embed.SourceID,
			PageID:     page.ID,
			PageTitle:  page.Title,
			Rendered:   RenderSource(&source, &embed),
			VerifiedAt: e.now().UTC(),
		})
	}
	return placements
}

func (e *Engine) loadWatermark(ctx context.Context) (SyncWatermark, error) {
	var wm SyncWatermark
	if err := e.getJSON(ctx, pageSyncWatermarkKey, &wm); err != nil && !errors.Is(err, ErrNotFound) {
		return SyncWatermark{}, err
	}
	if wm.Pages == nil {
		wm.Pages = make(map[string]int)
	}
	return wm, nil
}

// advanceWatermark records the newest folded-in page version. Failures only
// log: a lost watermark means a future replay does redundant work, never
// wrong work.
func (e *Engine) advanceWatermark(ctx context.Context, wm SyncWatermark, pageID string, version int) {
	if version <= 0 || wm.Pages[pageID] >= version {
		return
	}
	wm.Pages[pageID] = version
	wm.UpdatedAt = e.now().UTC()
	if err := e.store.Set(ctx, pageSyncWatermarkKey, wm); err != nil {
		e.logger.Warn("sync watermark write failed", "pageId", pageID, "error", err)
	}
}

func (e *Engine) storePageSources(ctx context.Context, pageID string, sourceIDs []string) error {
	if len(sourceIDs) == 0 {
		if err := e.store.Delete(ctx, pageSourcesKey(pageID)); err != nil {
			return err
		}
		return nil
	}
	return e.store.Set(ctx, pageSourcesKey(pageID), PageSourcesRecord{
		PageID:    pageID,
		SourceIDs: sourceIDs,
		UpdatedAt: e.now().UTC(),
	})
}
