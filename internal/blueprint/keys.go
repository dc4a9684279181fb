package blueprint

import "fmt"

// Key namespaces for the shared key/value store. Every record the engine
// persists lives under exactly one of these prefixes so that prefix queries
// never bleed across record kinds.
const (
	sourceKeyPrefix        = "source:"
	sourceIndexKey         = "source-index"
	embedKeyPrefix         = "embed:"
	usageKeyPrefix         = "usage:"
	deletedEmbedKeyPrefix  = "deleted-embed:"
	deletedSourceKeyPrefix = "deleted-source:"
	backupKeyPrefix        = "backup:"
	versionKeyPrefix       = "version:"
	progressKeyPrefix      = "progress:"
	pubCacheSourcePrefix   = "pubcache:source:"
	pubCachePagePrefix     = "pubcache:page:"
	pageSourcesKeyPrefix   = "pagesources:"

	pageSyncLastModifiedKey = "pagesync:last-modified"
	pageSyncWatermarkKey    = "pagesync:watermark"
)

func sourceKey(sourceID string) string { return sourceKeyPrefix + sourceID }

func embedKey(localID string) string { return embedKeyPrefix + localID }

func usageKey(sourceID string) string { return usageKeyPrefix + sourceID }

func deletedEmbedKey(localID string) string { return deletedEmbedKeyPrefix + localID }

func deletedSourceKey(sourceID string) string { return deletedSourceKeyPrefix + sourceID }

func backupMetaKey(backupID string) string {
	return backupKeyPrefix + backupID + ":meta"
}

func backupEmbedKey(backupID, localID string) string {
	return backupKeyPrefix + backupID + ":embed:" + localID
}

func backupEmbedPrefix(backupID string) string {
	return backupKeyPrefix + backupID + ":embed:"
}

func progressKey(jobID string) string { return progressKeyPrefix + jobID }

func pubCacheSourceKey(sourceID string) string { return pubCacheSourcePrefix + sourceID }

func pubCachePageKey(pageID string) string { return pubCachePagePrefix + pageID }

func pageSourcesKey(pageID string) string { return pageSourcesKeyPrefix + pageID }

// versionKey orders snapshots for one record chronologically: the sequence
// component is a zero-padded nanosecond timestamp so lexicographic key order
// matches capture order. The version id tiebreaks same-instant captures.
func versionKey(store, recordKey string, seq int64, versionID string) string {
	return fmt.Sprintf("%s%s:%s:%020d:%s", versionKeyPrefix, store, recordKey, seq, versionID)
}

func versionKeyPrefixFor(store, recordKey string) string {
	return versionKeyPrefix + store + ":" + recordKey + ":"
}
