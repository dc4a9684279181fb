package blueprint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/qrsouther/blueprintsync/internal/kvstore"
)

// CreateBackup captures every live embed record under a fresh backup id.
// The copies are written first and the metadata record last, so a backup
// that appears in listings is always complete; a crash mid-copy leaves only
// unreferenced copy records. A scan that stopped at the page cap is marked
// truncated but stays restorable: it restores what it captured.
func (e *Engine) CreateBackup(ctx context.Context, operation, jobID string) (BackupMeta, error) {
	backupID := e.newID()
	count := 0
	complete, err := e.forEachPrefix(ctx, embedKeyPrefix, func(entry kvstore.Entry) error {
		localID := strings.TrimPrefix(entry.Key, embedKeyPrefix)
		if err := e.store.Set(ctx, backupEmbedKey(backupID, localID), entry.Value); err != nil {
			return fmt.Errorf("backup copy %s: %w", localID, err)
		}
		count++
		return nil
	})
	if err != nil {
		return BackupMeta{}, err
	}
	meta := BackupMeta{
		BackupID:   backupID,
		CreatedAt:  e.now().UTC(),
		Operation:  operation,
		JobID:      jobID,
		Count:      count,
		Truncated:  !complete,
		CanRestore: true,
	}
	if err := e.store.Set(ctx, backupMetaKey(backupID), meta); err != nil {
		return BackupMeta{}, fmt.Errorf("write backup metadata: %w", err)
	}
	e.logger.Info("backup created", "backupId", backupID, "operation", operation, "count", count, "truncated", meta.Truncated)
	return meta, nil
}

// RestoreBackup replays every copy in a backup over the live embed
// namespace and reports how many records it wrote.
func (e *Engine) RestoreBackup(ctx context.Context, backupID string) (int, error) {
	if strings.TrimSpace(backupID) == "" {
		return 0, ErrInvalidInput
	}
	var meta BackupMeta
	if err := e.getJSON(ctx, backupMetaKey(backupID), &meta); err != nil {
		return 0, err
	}
	if !meta.CanRestore {
		return 0, fmt.Errorf("%w: backup %s is not restorable", ErrInvalidState, backupID)
	}
	prefix := backupEmbedPrefix(backupID)
	restored := 0
	if _, err := e.forEachPrefix(ctx, prefix, func(entry kvstore.Entry) error {
		localID := strings.TrimPrefix(entry.Key, prefix)
		if err := e.store.Set(ctx, embedKey(localID), entry.Value); err != nil {
			return fmt.Errorf("restore %s: %w", localID, err)
		}
		restored++
		return nil
	}); err != nil {
		return restored, err
	}
	e.logger.Info("backup restored", "backupId", backupID, "restored", restored)
	return restored, nil
}

// ListBackups returns every backup's metadata, newest first. Copy records
// share the namespace, so the walk filters on the metadata suffix.
func (e *Engine) ListBackups(ctx context.Context) ([]BackupMeta, error) {
	var out []BackupMeta
	if _, err := e.forEachPrefix(ctx, backupKeyPrefix, func(entry kvstore.Entry) error {
		if !strings.HasSuffix(entry.Key, ":meta") {
			return nil
		}
		var meta BackupMeta
		if err := json.Unmarshal(entry.Value, &meta); err != nil {
			e.logger.Warn("skipping undecodable backup metadata", "key", entry.Key, "error", err)
			return nil
		}
		out = append(out, meta)
		return nil
	}); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// PruneBackup erases one backup for good. The metadata record goes first so
// the backup stops being restorable before any copies disappear.
func (e *Engine) PruneBackup(ctx context.Context, backupID string) error {
	if strings.TrimSpace(backupID) == "" {
		return ErrInvalidInput
	}
	if _, err := e.store.Get(ctx, backupMetaKey(backupID)); err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	if err := e.store.Delete(ctx, backupMetaKey(backupID)); err != nil {
		return err
	}
	var keys []string
	if _, err := e.forEachPrefix(ctx, backupEmbedPrefix(backupID), func(entry kvstore.Entry) error {
		keys = append(keys, entry.Key)
		return nil
	}); err != nil {
		return err
	}
	for _, key := range keys {
		if err := e.store.Delete(ctx, key); err != nil {
			return err
		}
	}
	e.logger.Info("backup pruned", "backupId", backupID, "copies", len(keys))
	return nil
}
