package blueprint

import (
	"context"
	"errors"
	"fmt"
)

// repairResult reports one repair attempt. A false Repaired always carries
// Error text; callers classify the reference as broken and move on rather
// than retrying.
type repairResult struct {
	Repaired bool
	SourceID string
	Source   *Source
	Error    string
}

// repairReference recovers the Source id for an index row that lost it. The
// Embed's own configuration record is the authority for which Source a
// placement belongs to; when it names a Source that still exists, the usage
// index is patched to carry the recovered id. The recovered id is accepted
// as-is, without cross-checking the page content against it. A dry run
// recovers and verifies but leaves the index untouched.
func (e *Engine) repairReference(ctx context.Context, ref Reference, dryRun bool) repairResult {
	var embed Embed
	if err := e.getJSON(ctx, embedKey(ref.LocalID), &embed); err != nil {
		return repairResult{Error: fmt.Sprintf("embed config unreadable: %v", err)}
	}
	if embed.SourceID == "" {
		return repairResult{Error: "embed config carries no source id"}
	}
	var source Source
	if err := e.getJSON(ctx, sourceKey(embed.SourceID), &source); err != nil {
		if errors.Is(err, ErrNotFound) {
			return repairResult{Error: fmt.Sprintf("recovered source %s does not exist", embed.SourceID)}
		}
		return repairResult{Error: fmt.Sprintf("recovered source %s unreadable: %v", embed.SourceID, err)}
	}
	if dryRun {
		e.logger.Info("dry run: would patch usage index", "localId", ref.LocalID, "sourceId", embed.SourceID)
		return repairResult{Repaired: true, SourceID: embed.SourceID, Source: &source}
	}
	if err := e.patchIndexSourceID(ctx, ref, embed.SourceID); err != nil {
		return repairResult{Error: fmt.Sprintf("usage index patch failed: %v", err)}
	}
	e.logger.Info("reference repaired", "localId", ref.LocalID, "sourceId", embed.SourceID,
		"indexSourceId", ref.IndexSourceID)
	return repairResult{Repaired: true, SourceID: embed.SourceID, Source: &source}
}

// patchIndexSourceID writes the recovered Source id into the usage index.
// A row filed under the right bucket is patched in place; a row filed under
// the wrong bucket (or one the catalog does not know) moves to the bucket
// the Embed's config names.
func (e *Engine) patchIndexSourceID(ctx context.Context, ref Reference, sourceID string) error {
	placement := ref.Placement
	placement.SourceID = sourceID
	placement.UpdatedAt = e.now().UTC()

	if ref.IndexSourceID == sourceID {
		return e.mutateUsageEntry(ctx, sourceID, func(entry *UsageEntry) {
			for i := range entry.Placements {
				if entry.Placements[i].LocalID == ref.LocalID {
					entry.Placements[i] = placement
					return
				}
			}
			entry.Placements = append(entry.Placements, placement)
		})
	}

	if ref.IndexSourceID != "" {
		if err := e.removeUsagePlacement(ctx, ref.IndexSourceID, ref.LocalID); err != nil {
			return fmt.Errorf("remove from bucket %s: %w", ref.IndexSourceID, err)
		}
	}
	return e.mutateUsageEntry(ctx, sourceID, func(entry *UsageEntry) {
		for i := range entry.Placements {
			if entry.Placements[i].LocalID == ref.LocalID {
				entry.Placements[i] = placement
				return
			}
		}
		entry.Placements = append(entry.Placements, placement)
	})
}
