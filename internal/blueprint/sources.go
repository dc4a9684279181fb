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

// sourceIndex is the canonical list of live Source ids. It exists so the
// reconciliation worker can load the full catalog in one read instead of a
// prefix scan.
type sourceIndex struct {
	IDs       []string  `json:"ids"`
	UpdatedAt time.Time `json:"updatedAt,omitzero"`
}

// CreateSource stores a new Source. The id is assigned when absent; creating
// over an existing live id is refused.
func (e *Engine) CreateSource(ctx context.Context, source Source) (Source, error) {
	if strings.TrimSpace(source.Name) == "" {
		return Source{}, fmt.Errorf("%w: source name is required", ErrInvalidInput)
	}
	if source.ID == "" {
		source.ID = e.newID()
	}
	if _, err := e.store.Get(ctx, sourceKey(source.ID)); err == nil {
		return Source{}, fmt.Errorf("%w: source %s", ErrLiveRecordExists, source.ID)
	} else if !errors.Is(err, kvstore.ErrNotFound) {
		return Source{}, err
	}
	now := e.now().UTC()
	source.ContentHash = HashContent(source.Body)
	source.CreatedAt = now
	source.UpdatedAt = now
	if err := e.store.Set(ctx, sourceKey(source.ID), source); err != nil {
		return Source{}, err
	}
	if err := e.addToSourceIndex(ctx, source.ID); err != nil {
		e.logger.Warn("source index update failed", "sourceId", source.ID, "error", err)
	}
	e.logger.Info("source created", "sourceId", source.ID, "name", source.Name)
	return source, nil
}

// UpdateSource overwrites a live Source. The prior value is versioned first;
// a version failure aborts the write so history never misses a step.
func (e *Engine) UpdateSource(ctx context.Context, source Source) (Source, error) {
	if source.ID == "" {
		return Source{}, fmt.Errorf("%w: source id is required", ErrInvalidInput)
	}
	raw, err := e.store.Get(ctx, sourceKey(source.ID))
	if err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			return Source{}, ErrNotFound
		}
		return Source{}, err
	}
	var prior Source
	if err := json.Unmarshal(raw, &prior); err != nil {
		return Source{}, fmt.Errorf("decode live source %s: %w", source.ID, err)
	}
	if _, err := e.saveVersion(ctx, versionStoreSource, source.ID, raw, "update", nil); err != nil {
		return Source{}, fmt.Errorf("version source %s: %w", source.ID, err)
	}
	source.CreatedAt = prior.CreatedAt
	source.UpdatedAt = e.now().UTC()
	source.ContentHash = HashContent(source.Body)
	if err := e.store.Set(ctx, sourceKey(source.ID), source); err != nil {
		return Source{}, err
	}
	e.logger.Info("source updated", "sourceId", source.ID, "contentHash", source.ContentHash)
	return source, nil
}

// GetSource returns one live Source.
func (e *Engine) GetSource(ctx context.Context, sourceID string) (Source, error) {
	if strings.TrimSpace(sourceID) == "" {
		return Source{}, ErrInvalidInput
	}
	var source Source
	if err := e.getJSON(ctx, sourceKey(sourceID), &source); err != nil {
		return Source{}, err
	}
	return source, nil
}

// ListSources pages through the live Source records in key order.
func (e *Engine) ListSources(ctx context.Context, cursor string, limit int) ([]Source, *string, error) {
	page, err := e.store.Query(ctx, sourceKeyPrefix, cursor, limit)
	if err != nil {
		return nil, nil, err
	}
	out := make([]Source, 0, len(page.Results))
	for _, entry := range page.Results {
		var source Source
		if err := json.Unmarshal(entry.Value, &source); err != nil {
			e.logger.Warn("skipping undecodable source record", "key", entry.Key, "error", err)
			continue
		}
		out = append(out, source)
	}
	return out, page.NextCursor, nil
}

// DeleteSource soft-deletes a Source. A Source the usage index still lists
// placements for is refused unless forced; the placements would render
// broken the moment the Source disappeared.
func (e *Engine) DeleteSource(ctx context.Context, sourceID string, opts DeleteOptions) (QuarantinedSource, error) {
	if strings.TrimSpace(sourceID) == "" {
		return QuarantinedSource{}, ErrInvalidInput
	}
	usage, err := e.GetUsage(ctx, sourceID)
	if err != nil {
		return QuarantinedSource{}, err
	}
	if len(usage.Placements) > 0 && !opts.Force {
		return QuarantinedSource{}, fmt.Errorf("%w: source %s has %d placements", ErrSourceInUse, sourceID, len(usage.Placements))
	}
	return e.softDeleteSource(ctx, sourceID, softDeleteOptions{
		DeletedBy: opts.DeletedBy,
		Reason:    opts.Reason,
		Metadata:  opts.Metadata,
		DryRun:    e.resolveDryRun(opts.DryRun),
	})
}

// knownSourceIDs loads the canonical source catalog as a membership set.
func (e *Engine) knownSourceIDs(ctx context.Context) (map[string]struct{}, error) {
	idx, err := e.loadSourceIndex(ctx)
	if err != nil {
		return nil, err
	}
	known := make(map[string]struct{}, len(idx.IDs))
	for _, id := range idx.IDs {
		known[id] = struct{}{}
	}
	return known, nil
}

func (e *Engine) loadSourceIndex(ctx context.Context) (sourceIndex, error) {
	var idx sourceIndex
	if err := e.getJSON(ctx, sourceIndexKey, &idx); err != nil {
		if errors.Is(err, ErrNotFound) {
			return sourceIndex{}, nil
		}
		return sourceIndex{}, err
	}
	return idx, nil
}

func (e *Engine) addToSourceIndex(ctx context.Context, sourceID string) error {
	idx, err := e.loadSourceIndex(ctx)
	if err != nil {
		return err
	}
	for _, id := range idx.IDs {
		if id == sourceID {
			return nil
		}
	}
	idx.IDs = append(idx.IDs, sourceID)
	idx.UpdatedAt = e.now().UTC()
	return e.store.Set(ctx, sourceIndexKey, idx)
}

func (e *Engine) removeFromSourceIndex(ctx context.Context, sourceID string) error {
	idx, err := e.loadSourceIndex(ctx)
	if err != nil {
		return err
	}
	kept := idx.IDs[:0]
	found := false
	for _, id := range idx.IDs {
		if id == sourceID {
			found = true
			continue
		}
		kept = append(kept, id)
	}
	if !found {
		return nil
	}
	idx.IDs = kept
	idx.UpdatedAt = e.now().UTC()
	return e.store.Set(ctx, sourceIndexKey, idx)
}
