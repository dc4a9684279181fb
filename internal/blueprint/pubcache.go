package blueprint

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/qrsouther/blueprintsync/internal/kvstore"
)

// The publication cache is derived state: which placements were verified
// live, with their rendered content, keyed both by Source and by page. It
// is rebuilt wholesale at the end of a reconciliation run and patched
// per-page by the page-sync handler and by embed saves. Losing it costs
// nothing but a rebuild.

// rebuildPublicationCache replaces both cache namespaces from the verified
// active set. It is a full overwrite: entries for Sources and pages with no
// surviving placements are deleted, not left behind.
func (e *Engine) rebuildPublicationCache(ctx context.Context, placements []PublishedPlacement) error {
	bySource := make(map[string][]PublishedPlacement)
	byPage := make(map[string][]PublishedPlacement)
	for _, p := range placements {
		if p.SourceID != "" {
			bySource[p.SourceID] = append(bySource[p.SourceID], p)
		}
		if p.PageID != "" {
			byPage[p.PageID] = append(byPage[p.PageID], p)
		}
	}

	if err := e.replaceCacheNamespace(ctx, pubCacheSourcePrefix, bySource); err != nil {
		return fmt.Errorf("rebuild source cache: %w", err)
	}
	if err := e.replaceCacheNamespace(ctx, pubCachePagePrefix, byPage); err != nil {
		return fmt.Errorf("rebuild page cache: %w", err)
	}
	e.logger.Info("publication cache rebuilt",
		"placements", len(placements), "sources", len(bySource), "pages", len(byPage))
	return nil
}

func (e *Engine) replaceCacheNamespace(ctx context.Context, prefix string, groups map[string][]PublishedPlacement) error {
	var stale []string
	if _, err := e.forEachPrefix(ctx, prefix, func(entry kvstore.Entry) error {
		id := strings.TrimPrefix(entry.Key, prefix)
		if _, ok := groups[id]; !ok {
			stale = append(stale, entry.Key)
		}
		return nil
	}); err != nil {
		return err
	}
	for _, key := range stale {
		if err := e.store.Delete(ctx, key); err != nil {
			return err
		}
	}
	now := e.now().UTC()
	for id, group := range groups {
		entry := PublicationCacheEntry{Placements: group, RebuiltAt: now}
		if err := e.store.Set(ctx, prefix+id, entry); err != nil {
			return err
		}
	}
	return nil
}

// updatePagePublication replaces the cache's view of one page. The page
// entry is overwritten (or deleted when nothing remains) and every affected
// Source entry has its rows for this page swapped out.
func (e *Engine) updatePagePublication(ctx context.Context, pageID string, placements []PublishedPlacement) error {
	if pageID == "" {
		return ErrInvalidInput
	}
	affected := make(map[string]struct{})
	var old PublicationCacheEntry
	if err := e.getJSON(ctx, pubCachePageKey(pageID), &old); err == nil {
		for _, p := range old.Placements {
			if p.SourceID != "" {
				affected[p.SourceID] = struct{}{}
			}
		}
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}
	for _, p := range placements {
		if p.SourceID != "" {
			affected[p.SourceID] = struct{}{}
		}
	}

	now := e.now().UTC()
	if len(placements) == 0 {
		if err := e.store.Delete(ctx, pubCachePageKey(pageID)); err != nil {
			return err
		}
	} else {
		entry := PublicationCacheEntry{Placements: placements, RebuiltAt: now}
		if err := e.store.Set(ctx, pubCachePageKey(pageID), entry); err != nil {
			return err
		}
	}

	for sourceID := range affected {
		var entry PublicationCacheEntry
		if err := e.getJSON(ctx, pubCacheSourceKey(sourceID), &entry); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		kept := entry.Placements[:0]
		for _, p := range entry.Placements {
			if p.PageID == pageID {
				continue
			}
			kept = append(kept, p)
		}
		for _, p := range placements {
			if p.SourceID == sourceID {
				kept = append(kept, p)
			}
		}
		entry.Placements = kept
		entry.RebuiltAt = now
		if len(entry.Placements) == 0 {
			if err := e.store.Delete(ctx, pubCacheSourceKey(sourceID)); err != nil {
				return err
			}
			continue
		}
		if err := e.store.Set(ctx, pubCacheSourceKey(sourceID), entry); err != nil {
			return err
		}
	}
	return nil
}

// refreshEmbedPublication folds one freshly saved placement into the cache
// without disturbing the rest of its page.
func (e *Engine) refreshEmbedPublication(ctx context.Context, embed Embed) error {
	if embed.PageID == "" {
		return nil
	}
	var entry PublicationCacheEntry
	if err := e.getJSON(ctx, pubCachePageKey(embed.PageID), &entry); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	placement := PublishedPlacement{
		LocalID:    embed.LocalID,
		SourceID:   embed.SourceID,
		PageID:     embed.PageID,
		PageTitle:  embed.PageTitle,
		Rendered:   embed.SyncedContent,
		VerifiedAt: embed.LastSyncedAt,
	}
	replaced := false
	for i := range entry.Placements {
		if entry.Placements[i].LocalID == embed.LocalID {
			entry.Placements[i] = placement
			replaced = true
			break
		}
	}
	if !replaced {
		entry.Placements = append(entry.Placements, placement)
	}
	return e.updatePagePublication(ctx, embed.PageID, entry.Placements)
}

// GetPublicationBySource returns the cached verified placements for one
// Source. An empty entry means nothing verified, which is not an error.
func (e *Engine) GetPublicationBySource(ctx context.Context, sourceID string) (PublicationCacheEntry, error) {
	if sourceID == "" {
		return PublicationCacheEntry{}, ErrInvalidInput
	}
	var entry PublicationCacheEntry
	if err := e.getJSON(ctx, pubCacheSourceKey(sourceID), &entry); err != nil {
		if errors.Is(err, ErrNotFound) {
			return PublicationCacheEntry{}, nil
		}
		return PublicationCacheEntry{}, err
	}
	return entry, nil
}

// GetPublicationByPage returns the cached verified placements for one page.
func (e *Engine) GetPublicationByPage(ctx context.Context, pageID string) (PublicationCacheEntry, error) {
	if pageID == "" {
		return PublicationCacheEntry{}, ErrInvalidInput
	}
	var entry PublicationCacheEntry
	if err := e.getJSON(ctx, pubCachePageKey(pageID), &entry); err != nil {
		if errors.Is(err, ErrNotFound) {
			return PublicationCacheEntry{}, nil
		}
		return PublicationCacheEntry{}, err
	}
	return entry, nil
}

// touchPageSyncMarker bumps the global invalidation timestamp dependents
// watch.
func (e *Engine) touchPageSyncMarker(ctx context.Context) {
	if err := e.store.Set(ctx, pageSyncLastModifiedKey, e.now().UTC()); err != nil {
		e.logger.Warn("last-modified marker write failed", "error", err)
	}
}
