package blueprint

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/qrsouther/blueprintsync/internal/kvstore"
)

// collectedReferences is everything the worker learns from one pass over the
// usage index. All holds every flattened row; Unique is the deduped,
// cross-validated work list; OrphanedIndexEntries flags rows filed under a
// Source id the catalog does not know (reported, never auto-deleted).
// Complete is false when the scan stopped at the page cap, in which case the
// caller must treat the run as partial.
type collectedReferences struct {
	All                  []Reference
	Unique               []Reference
	OrphanedIndexEntries []Reference
	Complete             bool
}

// collectReferences reads the whole usage index and prepares the worker's
// reference list. References are dropped from Unique when no embed
// configuration exists for their local id, or when that local id is already
// quarantined; both are leftovers (cross-environment copies, interrupted
// deletes) that must not drive page fetches. Duplicated local ids collapse
// to the last row seen.
//
// Only an index read failure aborts; per-reference validation reads fail
// soft, keeping the reference so the processing phase surfaces it instead of
// silently skipping it.
func (e *Engine) collectReferences(ctx context.Context, knownSourceIDs map[string]struct{}) (collectedReferences, error) {
	var out collectedReferences
	var order []Reference
	pos := make(map[string]int)

	complete, err := e.forEachPrefix(ctx, usageKeyPrefix, func(entry kvstore.Entry) error {
		var ue UsageEntry
		if err := json.Unmarshal(entry.Value, &ue); err != nil {
			e.logger.Warn("skipping undecodable usage entry", "key", entry.Key, "error", err)
			return nil
		}
		bucket := ue.SourceID
		if bucket == "" {
			bucket = strings.TrimPrefix(entry.Key, usageKeyPrefix)
		}
		for _, p := range ue.Placements {
			ref := Reference{Placement: p, IndexSourceID: bucket}
			out.All = append(out.All, ref)
			if _, known := knownSourceIDs[bucket]; !known {
				out.OrphanedIndexEntries = append(out.OrphanedIndexEntries, ref)
			}
			if p.LocalID == "" {
				continue
			}
			if i, dup := pos[p.LocalID]; dup {
				order[i] = ref
				continue
			}
			pos[p.LocalID] = len(order)
			order = append(order, ref)
		}
		return nil
	})
	if err != nil {
		return collectedReferences{}, err
	}
	out.Complete = complete

	for _, ref := range order {
		if _, err := e.store.Get(ctx, embedKey(ref.LocalID)); err != nil {
			if errors.Is(err, kvstore.ErrNotFound) {
				e.logger.Warn("dropping index reference with no embed config",
					"localId", ref.LocalID, "sourceId", ref.IndexSourceID)
				continue
			}
			e.logger.Warn("embed config unreadable, keeping reference for processing",
				"localId", ref.LocalID, "error", err)
		}
		if _, err := e.store.Get(ctx, deletedEmbedKey(ref.LocalID)); err == nil {
			e.logger.Info("dropping already-quarantined reference", "localId", ref.LocalID)
			continue
		} else if !errors.Is(err, kvstore.ErrNotFound) {
			e.logger.Warn("quarantine check failed, keeping reference for processing",
				"localId", ref.LocalID, "error", err)
		}
		out.Unique = append(out.Unique, ref)
	}
	return out, nil
}
