package blueprint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/qrsouther/blueprintsync/internal/kvstore"
)

// softDeleteOptions carries the audit trail for one quarantine write.
type softDeleteOptions struct {
	DeletedBy string
	Reason    string
	JobID     string
	Metadata  map[string]string
	DryRun    bool
}

// softDeleteEmbed moves one placement into quarantine. The steps run in a
// fixed order: version snapshot, quarantine write, live delete. The
// quarantine copy must exist before the live copy is removed, so a failed
// quarantine write aborts; a failed version snapshot only logs. A dry run
// stops before the first write and reports what a real run would have done.
//
// Idempotent: re-deleting an id that is already quarantined keeps exactly
// one quarantine record. A crash between the quarantine write and the live
// delete leaves both records; the next non-dry-run call versions the live
// value and finishes the delete without touching the quarantine copy.
func (e *Engine) softDeleteEmbed(ctx context.Context, localID string, opts softDeleteOptions) (QuarantinedEmbed, error) {
	raw, liveErr := e.store.Get(ctx, embedKey(localID))
	if liveErr != nil && !errors.Is(liveErr, kvstore.ErrNotFound) {
		return QuarantinedEmbed{}, fmt.Errorf("read live embed %s: %w", localID, liveErr)
	}
	liveMissing := errors.Is(liveErr, kvstore.ErrNotFound)

	var existing QuarantinedEmbed
	hasQuarantine := true
	if err := e.getJSON(ctx, deletedEmbedKey(localID), &existing); err != nil {
		if !errors.Is(err, ErrNotFound) {
			return QuarantinedEmbed{}, fmt.Errorf("read quarantine %s: %w", localID, err)
		}
		hasQuarantine = false
	}

	if liveMissing {
		// Nothing live to protect. An existing quarantine record means the
		// work is already done; otherwise leave a marker so the audit trail
		// explains why this id was targeted.
		if hasQuarantine {
			return existing, nil
		}
		marker := QuarantinedEmbed{
			Embed:             Embed{LocalID: localID},
			DeletedAt:         e.now().UTC(),
			DeletedBy:         opts.DeletedBy,
			Reason:            opts.Reason,
			JobID:             opts.JobID,
			CanRecover:        false,
			LiveRecordMissing: true,
			Metadata:          opts.Metadata,
		}
		if opts.DryRun {
			e.logger.Info("dry run: would write quarantine marker", "localId", localID, "reason", opts.Reason)
			return marker, nil
		}
		if err := e.store.Set(ctx, deletedEmbedKey(localID), marker); err != nil {
			return QuarantinedEmbed{}, fmt.Errorf("write quarantine marker %s: %w", localID, err)
		}
		e.logger.Info("quarantine marker written for missing live record",
			"localId", localID, "reason", opts.Reason, "jobId", opts.JobID)
		return marker, nil
	}

	if opts.DryRun {
		var embed Embed
		_ = json.Unmarshal(raw, &embed)
		embed.LocalID = localID
		e.logger.Info("dry run: would quarantine embed",
			"localId", localID, "sourceId", embed.SourceID, "pageId", embed.PageID, "reason", opts.Reason)
		return QuarantinedEmbed{
			Embed:      embed,
			DeletedAt:  e.now().UTC(),
			DeletedBy:  opts.DeletedBy,
			Reason:     opts.Reason,
			JobID:      opts.JobID,
			CanRecover: true,
			Metadata:   opts.Metadata,
		}, nil
	}

	// Version the live value before anything removes it, including the
	// finish-the-delete path below.
	if _, err := e.saveVersion(ctx, versionStoreEmbed, localID, raw, "soft-delete", opts.Metadata); err != nil {
		e.logger.Warn("version snapshot before soft delete failed", "localId", localID, "error", err)
	}

	q := existing
	if !hasQuarantine {
		var embed Embed
		if err := json.Unmarshal(raw, &embed); err != nil {
			e.logger.Warn("live embed undecodable, quarantining the id alone", "localId", localID, "error", err)
			embed = Embed{LocalID: localID}
		}
		q = QuarantinedEmbed{
			Embed:      embed,
			DeletedAt:  e.now().UTC(),
			DeletedBy:  opts.DeletedBy,
			Reason:     opts.Reason,
			JobID:      opts.JobID,
			CanRecover: true,
			Metadata:   opts.Metadata,
		}
		if err := e.store.Set(ctx, deletedEmbedKey(localID), q); err != nil {
			return QuarantinedEmbed{}, fmt.Errorf("write quarantine %s: %w", localID, err)
		}
	}

	if err := e.store.Delete(ctx, embedKey(localID)); err != nil {
		// Both records exist now; a re-run finishes the delete.
		e.logger.Warn("live embed delete failed after quarantine write", "localId", localID, "error", err)
		return q, nil
	}
	e.logger.Info("embed quarantined", "localId", localID, "reason", opts.Reason, "jobId", opts.JobID)
	return q, nil
}

// RestoreEmbed moves a quarantined placement back to the live namespace,
// stripped of its deletion metadata. It refuses to overwrite a live record
// and refuses once the recovery window has elapsed, unless forced.
func (e *Engine) RestoreEmbed(ctx context.Context, localID string, force bool) (Embed, error) {
	if strings.TrimSpace(localID) == "" {
		return Embed{}, ErrInvalidInput
	}
	var q QuarantinedEmbed
	if err := e.getJSON(ctx, deletedEmbedKey(localID), &q); err != nil {
		return Embed{}, err
	}
	if q.LiveRecordMissing || !q.CanRecover {
		return Embed{}, fmt.Errorf("%w: quarantine record for %s holds no recoverable payload", ErrInvalidState, localID)
	}
	if window := e.Policy().recoveryWindow(); !force && window > 0 && e.now().UTC().Sub(q.DeletedAt) > window {
		return Embed{}, fmt.Errorf("%w: recovery window elapsed for %s", ErrInvalidState, localID)
	}

	if raw, err := e.store.Get(ctx, embedKey(localID)); err == nil {
		if !force {
			return Embed{}, fmt.Errorf("%w: embed %s", ErrLiveRecordExists, localID)
		}
		if _, vErr := e.saveVersion(ctx, versionStoreEmbed, localID, raw, "pre-restore-overwrite", nil); vErr != nil {
			return Embed{}, fmt.Errorf("version live embed before overwrite: %w", vErr)
		}
	} else if !errors.Is(err, kvstore.ErrNotFound) {
		return Embed{}, err
	}

	if err := e.store.Set(ctx, embedKey(localID), q.Embed); err != nil {
		return Embed{}, fmt.Errorf("restore embed %s: %w", localID, err)
	}
	if err := e.store.Delete(ctx, deletedEmbedKey(localID)); err != nil {
		e.logger.Warn("quarantine record delete failed after restore", "localId", localID, "error", err)
	}
	if q.Embed.SourceID != "" {
		if err := e.upsertUsagePlacement(ctx, q.Embed); err != nil {
			e.logger.Warn("usage index update failed after restore", "localId", localID, "error", err)
		}
	}
	e.logger.Info("embed restored from quarantine", "localId", localID, "forced", force)
	return q.Embed, nil
}

// softDeleteSource is the Source-level variant. It additionally drops the id
// from the canonical source index, under the same dry-run gate as the live
// delete.
func (e *Engine) softDeleteSource(ctx context.Context, sourceID string, opts softDeleteOptions) (QuarantinedSource, error) {
	raw, liveErr := e.store.Get(ctx, sourceKey(sourceID))
	if liveErr != nil && !errors.Is(liveErr, kvstore.ErrNotFound) {
		return QuarantinedSource{}, fmt.Errorf("read live source %s: %w", sourceID, liveErr)
	}
	liveMissing := errors.Is(liveErr, kvstore.ErrNotFound)

	var existing QuarantinedSource
	hasQuarantine := true
	if err := e.getJSON(ctx, deletedSourceKey(sourceID), &existing); err != nil {
		if !errors.Is(err, ErrNotFound) {
			return QuarantinedSource{}, fmt.Errorf("read source quarantine %s: %w", sourceID, err)
		}
		hasQuarantine = false
	}

	if liveMissing {
		if hasQuarantine {
			return existing, nil
		}
		marker := QuarantinedSource{
			Source:     Source{ID: sourceID},
			DeletedAt:  e.now().UTC(),
			DeletedBy:  opts.DeletedBy,
			Reason:     opts.Reason,
			CanRecover: false,
		}
		if opts.DryRun {
			e.logger.Info("dry run: would write source quarantine marker", "sourceId", sourceID, "reason", opts.Reason)
			return marker, nil
		}
		if err := e.store.Set(ctx, deletedSourceKey(sourceID), marker); err != nil {
			return QuarantinedSource{}, fmt.Errorf("write source quarantine marker %s: %w", sourceID, err)
		}
		if err := e.removeFromSourceIndex(ctx, sourceID); err != nil {
			e.logger.Warn("source index cleanup failed", "sourceId", sourceID, "error", err)
		}
		return marker, nil
	}

	if opts.DryRun {
		var source Source
		_ = json.Unmarshal(raw, &source)
		source.ID = sourceID
		e.logger.Info("dry run: would quarantine source", "sourceId", sourceID, "name", source.Name, "reason", opts.Reason)
		return QuarantinedSource{
			Source:     source,
			DeletedAt:  e.now().UTC(),
			DeletedBy:  opts.DeletedBy,
			Reason:     opts.Reason,
			CanRecover: true,
		}, nil
	}

	if _, err := e.saveVersion(ctx, versionStoreSource, sourceID, raw, "soft-delete", opts.Metadata); err != nil {
		e.logger.Warn("version snapshot before source soft delete failed", "sourceId", sourceID, "error", err)
	}

	q := existing
	if !hasQuarantine {
		var source Source
		if err := json.Unmarshal(raw, &source); err != nil {
			e.logger.Warn("live source undecodable, quarantining the id alone", "sourceId", sourceID, "error", err)
			source = Source{ID: sourceID}
		}
		q = QuarantinedSource{
			Source:     source,
			DeletedAt:  e.now().UTC(),
			DeletedBy:  opts.DeletedBy,
			Reason:     opts.Reason,
			CanRecover: true,
		}
		if err := e.store.Set(ctx, deletedSourceKey(sourceID), q); err != nil {
			return QuarantinedSource{}, fmt.Errorf("write source quarantine %s: %w", sourceID, err)
		}
	}

	if err := e.store.Delete(ctx, sourceKey(sourceID)); err != nil {
		e.logger.Warn("live source delete failed after quarantine write", "sourceId", sourceID, "error", err)
		return q, nil
	}
	if err := e.removeFromSourceIndex(ctx, sourceID); err != nil {
		e.logger.Warn("source index cleanup failed", "sourceId", sourceID, "error", err)
	}
	e.logger.Info("source quarantined", "sourceId", sourceID, "reason", opts.Reason)
	return q, nil
}

// RestoreSource mirrors softDeleteSource: the record returns to the live
// namespace and the canonical index.
func (e *Engine) RestoreSource(ctx context.Context, sourceID string, force bool) (Source, error) {
	if strings.TrimSpace(sourceID) == "" {
		return Source{}, ErrInvalidInput
	}
	var q QuarantinedSource
	if err := e.getJSON(ctx, deletedSourceKey(sourceID), &q); err != nil {
		return Source{}, err
	}
	if !q.CanRecover {
		return Source{}, fmt.Errorf("%w: quarantine record for %s holds no recoverable payload", ErrInvalidState, sourceID)
	}
	if window := e.Policy().recoveryWindow(); !force && window > 0 && e.now().UTC().Sub(q.DeletedAt) > window {
		return Source{}, fmt.Errorf("%w: recovery window elapsed for %s", ErrInvalidState, sourceID)
	}

	if raw, err := e.store.Get(ctx, sourceKey(sourceID)); err == nil {
		if !force {
			return Source{}, fmt.Errorf("%w: source %s", ErrLiveRecordExists, sourceID)
		}
		if _, vErr := e.saveVersion(ctx, versionStoreSource, sourceID, raw, "pre-restore-overwrite", nil); vErr != nil {
			return Source{}, fmt.Errorf("version live source before overwrite: %w", vErr)
		}
	} else if !errors.Is(err, kvstore.ErrNotFound) {
		return Source{}, err
	}

	if err := e.store.Set(ctx, sourceKey(sourceID), q.Source); err != nil {
		return Source{}, fmt.Errorf("restore source %s: %w", sourceID, err)
	}
	if err := e.store.Delete(ctx, deletedSourceKey(sourceID)); err != nil {
		e.logger.Warn("source quarantine delete failed after restore", "sourceId", sourceID, "error", err)
	}
	if err := e.addToSourceIndex(ctx, sourceID); err != nil {
		e.logger.Warn("source index update failed after restore", "sourceId", sourceID, "error", err)
	}
	e.logger.Info("source restored from quarantine", "sourceId", sourceID, "forced", force)
	return q.Source, nil
}

// ListQuarantinedEmbeds pages through the embed quarantine namespace.
func (e *Engine) ListQuarantinedEmbeds(ctx context.Context, cursor string, limit int) ([]QuarantinedEmbed, *string, error) {
	page, err := e.store.Query(ctx, deletedEmbedKeyPrefix, cursor, limit)
	if err != nil {
		return nil, nil, err
	}
	out := make([]QuarantinedEmbed, 0, len(page.Results))
	for _, entry := range page.Results {
		var q QuarantinedEmbed
		if err := json.Unmarshal(entry.Value, &q); err != nil {
			e.logger.Warn("skipping undecodable quarantine record", "key", entry.Key, "error", err)
			continue
		}
		out = append(out, q)
	}
	return out, page.NextCursor, nil
}

// ListQuarantinedSources pages through the source quarantine namespace.
func (e *Engine) ListQuarantinedSources(ctx context.Context, cursor string, limit int) ([]QuarantinedSource, *string, error) {
	page, err := e.store.Query(ctx, deletedSourceKeyPrefix, cursor, limit)
	if err != nil {
		return nil, nil, err
	}
	out := make([]QuarantinedSource, 0, len(page.Results))
	for _, entry := range page.Results {
		var q QuarantinedSource
		if err := json.Unmarshal(entry.Value, &q); err != nil {
			e.logger.Warn("skipping undecodable quarantine record", "key", entry.Key, "error", err)
			continue
		}
		out = append(out, q)
	}
	return out, page.NextCursor, nil
}

// PurgeQuarantinedEmbed hard-deletes a quarantine record. This is the only
// path that erases placement data for good.
func (e *Engine) PurgeQuarantinedEmbed(ctx context.Context, localID string) error {
	if strings.TrimSpace(localID) == "" {
		return ErrInvalidInput
	}
	if _, err := e.store.Get(ctx, deletedEmbedKey(localID)); err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	if err := e.store.Delete(ctx, deletedEmbedKey(localID)); err != nil {
		return err
	}
	e.logger.Info("quarantined embed purged", "localId", localID)
	return nil
}

// PurgeQuarantinedSource hard-deletes a source quarantine record.
func (e *Engine) PurgeQuarantinedSource(ctx context.Context, sourceID string) error {
	if strings.TrimSpace(sourceID) == "" {
		return ErrInvalidInput
	}
	if _, err := e.store.Get(ctx, deletedSourceKey(sourceID)); err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	if err := e.store.Delete(ctx, deletedSourceKey(sourceID)); err != nil {
		return err
	}
	e.logger.Info("quarantined source purged", "sourceId", sourceID)
	return nil
}
