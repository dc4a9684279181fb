// Package kvstore provides the key/value contract shared by every
// persistence backend: point reads and writes plus cursor-paginated
// queries by key prefix. There is no multi-key atomicity; callers write
// defensively (snapshot before overwrite, quarantine before delete).
package kvstore

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
)

var (
	// ErrNotFound is returned by Get when no value exists for the key.
	ErrNotFound = errors.New("kvstore: key not found")
	// ErrNotImplemented is returned for DSN schemes with no registered backend.
	ErrNotImplemented = errors.New("kvstore: backend not implemented")
	// ErrClosed is returned once a store has been closed.
	ErrClosed = errors.New("kvstore: store closed")
)

const (
	defaultQueryLimit = 100
	maxQueryLimit     = 1000
)

// Entry is one key/value pair returned by Query.
type Entry struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

// Page is one page of Query results. NextCursor is nil when the scan is
// complete; otherwise it is passed verbatim to the next Query call.
type Page struct {
	Results    []Entry `json:"results"`
	NextCursor *string `json:"nextCursor,omitempty"`
}

// Store is the storage contract. Query returns entries whose key begins
// with prefix, in ascending key order, resuming strictly after cursor.
type Store interface {
	Get(ctx context.Context, key string) (json.RawMessage, error)
	Set(ctx context.Context, key string, value any) error
	Delete(ctx context.Context, key string) error
	Query(ctx context.Context, prefix, cursor string, limit int) (Page, error)
	Close() error
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultQueryLimit
	}
	if limit > maxQueryLimit {
		return maxQueryLimit
	}
	return limit
}

// encodeValue normalizes a value to its stored JSON form. Raw JSON passes
// through untouched so round-trips do not re-order fields.
func encodeValue(value any) (json.RawMessage, error) {
	switch typed := value.(type) {
	case json.RawMessage:
		if len(typed) == 0 {
			return nil, errors.New("kvstore: empty raw value")
		}
		return append(json.RawMessage(nil), typed...), nil
	case []byte:
		if len(typed) == 0 {
			return nil, errors.New("kvstore: empty raw value")
		}
		return append(json.RawMessage(nil), typed...), nil
	default:
		encoded, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}
		return encoded, nil
	}
}

// MemoryStore is a map-backed Store used by tests and the "memory"
// storage profile. Values are copied on the way in and out.
type MemoryStore struct {
	mu     sync.RWMutex
	closed bool
	values map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: map[string][]byte{}}
}

func (s *MemoryStore) Get(ctx context.Context, key string) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	value, ok := s.values[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append(json.RawMessage(nil), value...), nil
}

func (s *MemoryStore) Set(ctx context.Context, key string, value any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(key) == "" {
		return errors.New("kvstore: empty key")
	}
	encoded, err := encodeValue(value)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.values[key] = encoded
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	delete(s.values, key)
	return nil
}

func (s *MemoryStore) Query(ctx context.Context, prefix, cursor string, limit int) (Page, error) {
	if err := ctx.Err(); err != nil {
		return Page{}, err
	}
	limit = clampLimit(limit)

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return Page{}, ErrClosed
	}
	matched := make([]Entry, 0)
	for key, value := range s.values {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if cursor != "" && key <= cursor {
			continue
		}
		matched = append(matched, Entry{
			Key:   key,
			Value: append(json.RawMessage(nil), value...),
		})
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].Key < matched[j].Key })

	page := Page{Results: matched}
	if len(matched) > limit {
		page.Results = matched[:limit]
		next := matched[limit-1].Key
		page.NextCursor = &next
	}
	return page, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
