package blueprint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/qrsouther/blueprintsync/internal/kvstore"
)

// Logical stores version snapshots can belong to. The store name picks the
// live key a restore writes back to.
const (
	versionStoreEmbed  = "embed"
	versionStoreSource = "source"
)

func versionLiveKey(store, recordKey string) (string, bool) {
	switch store {
	case versionStoreEmbed:
		return embedKey(recordKey), true
	case versionStoreSource:
		return sourceKey(recordKey), true
	default:
		return "", false
	}
}

// saveVersion captures priorValue under the version namespace. Callers
// invoke it strictly before the live mutation it protects; a failure here
// aborts the caller's mutation so history never misses a step. Retention
// pruning runs in the background and its failures only log.
func (e *Engine) saveVersion(ctx context.Context, store, recordKey string, priorValue json.RawMessage, reason string, metadata map[string]string) (VersionRecord, error) {
	if store == "" || recordKey == "" || len(priorValue) == 0 {
		return VersionRecord{}, ErrInvalidInput
	}
	now := e.now().UTC()
	rec := VersionRecord{
		VersionID: e.newID(),
		Store:     store,
		RecordKey: recordKey,
		SavedAt:   now,
		Reason:    reason,
		Metadata:  metadata,
		Value:     append(json.RawMessage(nil), priorValue...),
	}
	key := versionKey(store, recordKey, now.UnixNano(), rec.VersionID)
	if err := e.store.Set(ctx, key, rec); err != nil {
		return VersionRecord{}, err
	}
	e.spawn("version retention", func(ctx context.Context) error {
		return e.pruneVersions(ctx, store, recordKey)
	})
	return rec, nil
}

// pruneVersions drops the oldest snapshots beyond the retention count.
// Version keys sort by capture time, so the front of the walk is the oldest.
func (e *Engine) pruneVersions(ctx context.Context, store, recordKey string) error {
	retention := e.Policy().VersionRetention
	var keys []string
	if _, err := e.forEachPrefix(ctx, versionKeyPrefixFor(store, recordKey), func(entry kvstore.Entry) error {
		keys = append(keys, entry.Key)
		return nil
	}); err != nil {
		return err
	}
	for len(keys) > retention {
		if err := e.store.Delete(ctx, keys[0]); err != nil {
			return err
		}
		keys = keys[1:]
	}
	return nil
}

// ListVersions returns the retained snapshots for one record, oldest first.
func (e *Engine) ListVersions(ctx context.Context, store, recordKey string) ([]VersionRecord, error) {
	if store == "" || recordKey == "" {
		return nil, ErrInvalidInput
	}
	var out []VersionRecord
	if _, err := e.forEachPrefix(ctx, versionKeyPrefixFor(store, recordKey), func(entry kvstore.Entry) error {
		var rec VersionRecord
		if err := json.Unmarshal(entry.Value, &rec); err != nil {
			e.logger.Warn("skipping undecodable version record", "key", entry.Key, "error", err)
			return nil
		}
		out = append(out, rec)
		return nil
	}); err != nil {
		return nil, err
	}
	return out, nil
}

// RestoreVersion writes a captured value back over the live record. The live
// value as of this call is versioned first, so the restore itself can be
// undone.
func (e *Engine) RestoreVersion(ctx context.Context, store, recordKey, versionID string) (VersionRecord, error) {
	if versionID == "" {
		return VersionRecord{}, ErrInvalidInput
	}
	liveKey, ok := versionLiveKey(store, recordKey)
	if !ok {
		return VersionRecord{}, fmt.Errorf("%w: unknown version store %q", ErrInvalidInput, store)
	}
	versions, err := e.ListVersions(ctx, store, recordKey)
	if err != nil {
		return VersionRecord{}, err
	}
	var target *VersionRecord
	for i := range versions {
		if versions[i].VersionID == versionID {
			target = &versions[i]
			break
		}
	}
	if target == nil {
		return VersionRecord{}, ErrNotFound
	}

	if raw, getErr := e.store.Get(ctx, liveKey); getErr == nil {
		if _, err := e.saveVersion(ctx, store, recordKey, raw, "pre-restore", map[string]string{"restoredVersionId": versionID}); err != nil {
			return VersionRecord{}, fmt.Errorf("version current value: %w", err)
		}
	} else if !errors.Is(getErr, kvstore.ErrNotFound) {
		return VersionRecord{}, getErr
	}

	if err := e.store.Set(ctx, liveKey, target.Value); err != nil {
		return VersionRecord{}, err
	}
	e.logger.Info("version restored", "store", store, "recordKey", recordKey, "versionId", versionID)
	return *target, nil
}
