package blueprint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/qrsouther/blueprintsync/internal/kvstore"
)

// DeleteOptions shapes one soft delete. A nil DryRun defers to the policy
// default; Force overrides the in-use check on Source deletes.
type DeleteOptions struct {
	DeletedBy string
	Reason    string
	Metadata  map[string]string
	DryRun    *bool
	Force     bool
}

// SaveEmbed creates or overwrites one placement. Updates version the prior
// value first and abort if that fails. The usage index follows the record:
// the placement is upserted under its Source id, and moved when the Source
// id changed. When the Source is resolvable the rendered content and sync
// bookkeeping are refreshed in the same write.
func (e *Engine) SaveEmbed(ctx context.Context, embed Embed) (Embed, error) {
	if embed.LocalID == "" {
		embed.LocalID = e.newID()
	}
	if strings.TrimSpace(embed.SourceID) == "" {
		return Embed{}, fmt.Errorf("%w: embed %s has no source id", ErrInvalidInput, embed.LocalID)
	}
	now := e.now().UTC()

	raw, err := e.store.Get(ctx, embedKey(embed.LocalID))
	priorSourceID := ""
	switch {
	case err == nil:
		var prior Embed
		if decErr := json.Unmarshal(raw, &prior); decErr == nil {
			embed.CreatedAt = prior.CreatedAt
			priorSourceID = prior.SourceID
		} else {
			embed.CreatedAt = now
		}
		if _, vErr := e.saveVersion(ctx, versionStoreEmbed, embed.LocalID, raw, "update", nil); vErr != nil {
			return Embed{}, fmt.Errorf("version embed %s: %w", embed.LocalID, vErr)
		}
	case errors.Is(err, kvstore.ErrNotFound):
		embed.CreatedAt = now
	default:
		return Embed{}, err
	}
	embed.UpdatedAt = now

	var source Source
	srcErr := e.getJSON(ctx, sourceKey(embed.SourceID), &source)
	if srcErr == nil {
		rendered := RenderSource(&source, &embed)
		embed.SyncedContent = rendered
		embed.SyncedHash = HashContent(rendered)
		embed.LastSyncedAt = now
	} else {
		e.logger.Debug("embed saved without sync refresh, source unavailable",
			"localId", embed.LocalID, "sourceId", embed.SourceID, "error", srcErr)
	}

	if err := e.store.Set(ctx, embedKey(embed.LocalID), embed); err != nil {
		return Embed{}, err
	}

	if priorSourceID != "" && priorSourceID != embed.SourceID {
		if err := e.removeUsagePlacement(ctx, priorSourceID, embed.LocalID); err != nil {
			e.logger.Warn("usage index cleanup failed for prior source",
				"localId", embed.LocalID, "sourceId", priorSourceID, "error", err)
		}
	}
	if err := e.upsertUsagePlacement(ctx, embed); err != nil {
		e.logger.Warn("usage index update failed", "localId", embed.LocalID, "sourceId", embed.SourceID, "error", err)
	}

	if srcErr == nil {
		e.spawn("publication cache refresh", func(ctx context.Context) error {
			return e.refreshEmbedPublication(ctx, embed)
		})
	}
	e.logger.Info("embed saved", "localId", embed.LocalID, "sourceId", embed.SourceID, "pageId", embed.PageID)
	return embed, nil
}

// GetEmbed returns one live placement.
func (e *Engine) GetEmbed(ctx context.Context, localID string) (Embed, error) {
	if strings.TrimSpace(localID) == "" {
		return Embed{}, ErrInvalidInput
	}
	var embed Embed
	if err := e.getJSON(ctx, embedKey(localID), &embed); err != nil {
		return Embed{}, err
	}
	return embed, nil
}

// ListEmbeds pages through the live placement records in key order.
func (e *Engine) ListEmbeds(ctx context.Context, cursor string, limit int) ([]Embed, *string, error) {
	page, err := e.store.Query(ctx, embedKeyPrefix, cursor, limit)
	if err != nil {
		return nil, nil, err
	}
	out := make([]Embed, 0, len(page.Results))
	for _, entry := range page.Results {
		var embed Embed
		if err := json.Unmarshal(entry.Value, &embed); err != nil {
			e.logger.Warn("skipping undecodable embed record", "key", entry.Key, "error", err)
			continue
		}
		out = append(out, embed)
	}
	return out, page.NextCursor, nil
}

// DeleteEmbed soft-deletes one placement and, on a real run, drops it from
// the usage index.
func (e *Engine) DeleteEmbed(ctx context.Context, localID string, opts DeleteOptions) (QuarantinedEmbed, error) {
	if strings.TrimSpace(localID) == "" {
		return QuarantinedEmbed{}, ErrInvalidInput
	}
	dryRun := e.resolveDryRun(opts.DryRun)
	q, err := e.softDeleteEmbed(ctx, localID, softDeleteOptions{
		DeletedBy: opts.DeletedBy,
		Reason:    opts.Reason,
		Metadata:  opts.Metadata,
		DryRun:    dryRun,
	})
	if err != nil {
		return QuarantinedEmbed{}, err
	}
	if !dryRun && q.Embed.SourceID != "" {
		if err := e.removeUsagePlacement(ctx, q.Embed.SourceID, localID); err != nil {
			e.logger.Warn("usage index cleanup failed", "localId", localID, "sourceId", q.Embed.SourceID, "error", err)
		}
	}
	return q, nil
}

// SetApproval moves a placement to a new review status and appends the
// transition to its history.
func (e *Engine) SetApproval(ctx context.Context, localID, status, actor, note string) (Embed, error) {
	if strings.TrimSpace(localID) == "" || strings.TrimSpace(status) == "" {
		return Embed{}, ErrInvalidInput
	}
	raw, err := e.store.Get(ctx, embedKey(localID))
	if err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			return Embed{}, ErrNotFound
		}
		return Embed{}, err
	}
	var embed Embed
	if err := json.Unmarshal(raw, &embed); err != nil {
		return Embed{}, fmt.Errorf("decode embed %s: %w", localID, err)
	}
	if _, err := e.saveVersion(ctx, versionStoreEmbed, localID, raw, "approval", nil); err != nil {
		return Embed{}, fmt.Errorf("version embed %s: %w", localID, err)
	}
	now := e.now().UTC()
	if embed.Approval == nil {
		embed.Approval = &ApprovalState{}
	}
	embed.Approval.Status = status
	embed.Approval.History = append(embed.Approval.History, ApprovalEvent{
		Status: status,
		Actor:  actor,
		Note:   note,
		At:     now,
	})
	embed.UpdatedAt = now
	if err := e.store.Set(ctx, embedKey(localID), embed); err != nil {
		return Embed{}, err
	}
	e.logger.Info("embed approval updated", "localId", localID, "status", status, "actor", actor)
	return embed, nil
}

// GetUsage returns the usage-index entry for one Source. A Source nothing
// references yields an empty entry, not an error.
func (e *Engine) GetUsage(ctx context.Context, sourceID string) (UsageEntry, error) {
	if strings.TrimSpace(sourceID) == "" {
		return UsageEntry{}, ErrInvalidInput
	}
	var entry UsageEntry
	if err := e.getJSON(ctx, usageKey(sourceID), &entry); err != nil {
		if errors.Is(err, ErrNotFound) {
			return UsageEntry{SourceID: sourceID}, nil
		}
		return UsageEntry{}, err
	}
	return entry, nil
}

// mutateUsageEntry is a read-modify-write on one usage-index entry. The
// store has no locking, so the entry is re-fetched every call rather than
// cached. An entry left with no placements is deleted.
func (e *Engine) mutateUsageEntry(ctx context.Context, sourceID string, mutate func(*UsageEntry)) error {
	var entry UsageEntry
	if err := e.getJSON(ctx, usageKey(sourceID), &entry); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	entry.SourceID = sourceID
	mutate(&entry)
	entry.UpdatedAt = e.now().UTC()
	if len(entry.Placements) == 0 {
		return e.store.Delete(ctx, usageKey(sourceID))
	}
	return e.store.Set(ctx, usageKey(sourceID), entry)
}

func (e *Engine) upsertUsagePlacement(ctx context.Context, embed Embed) error {
	placement := placementFromEmbed(embed, e.now().UTC())
	return e.mutateUsageEntry(ctx, embed.SourceID, func(entry *UsageEntry) {
		for i := range entry.Placements {
			if entry.Placements[i].LocalID == embed.LocalID {
				entry.Placements[i] = placement
				return
			}
		}
		entry.Placements = append(entry.Placements, placement)
	})
}

func (e *Engine) removeUsagePlacement(ctx context.Context, sourceID, localID string) error {
	return e.mutateUsageEntry(ctx, sourceID, func(entry *UsageEntry) {
		kept := entry.Placements[:0]
		for _, p := range entry.Placements {
			if p.LocalID == localID {
				continue
			}
			kept = append(kept, p)
		}
		entry.Placements = kept
	})
}

func placementFromEmbed(embed Embed, now time.Time) Placement {
	return Placement{
		LocalID:   embed.LocalID,
		SourceID:  embed.SourceID,
		PageID:    embed.PageID,
		PageTitle: embed.PageTitle,
		Variables: embed.Variables,
		Toggles:   embed.Toggles,
		UpdatedAt: now,
	}
}
