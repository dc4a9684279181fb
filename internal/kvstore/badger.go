package kvstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

// BadgerConfig controls the embedded Badger backend used by the
// durable-local storage profile.
type BadgerConfig struct {
	Dir            string
	InMemory       bool
	SyncWrites     bool
	GCInterval     time.Duration
	GCDiscardRatio float64
	Logger         *slog.Logger
}

func DefaultBadgerConfig(dir string) BadgerConfig {
	return BadgerConfig{
		Dir:            dir,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// BadgerStore is a Store backed by an embedded Badger database. A value-log
// GC goroutine runs for on-disk databases until Close.
type BadgerStore struct {
	db     *badger.DB
	logger *slog.Logger
	gcStop chan struct{}
	gcDone chan struct{}
}

func NewBadgerStore(cfg BadgerConfig) (*BadgerStore, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "kvstore.badger")

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if strings.TrimSpace(cfg.Dir) == "" {
			return nil, errors.New("kvstore: badger dir is required")
		}
		if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
			return nil, fmt.Errorf("kvstore: create badger dir: %w", err)
		}
		opts = badger.DefaultOptions(cfg.Dir)
	}
	opts = opts.
		WithSyncWrites(cfg.SyncWrites).
		WithLogger(badgerSlogAdapter{logger: logger})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("kvstore: open badger: %w", err)
	}

	s := &BadgerStore{
		db:     db,
		logger: logger,
		gcStop: make(chan struct{}),
		gcDone: make(chan struct{}),
	}
	if cfg.InMemory || cfg.GCInterval <= 0 {
		close(s.gcDone)
	} else {
		ratio := cfg.GCDiscardRatio
		if ratio <= 0 || ratio >= 1 {
			ratio = 0.5
		}
		go s.runGC(cfg.GCInterval, ratio)
	}
	return s, nil
}

// runGC reclaims value-log space on a timer. RunValueLogGC is called until
// it reports nothing left to rewrite.
func (s *BadgerStore) runGC(interval time.Duration, ratio float64) {
	defer close(s.gcDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.gcStop:
			return
		case <-ticker.C:
			for {
				err := s.db.RunValueLogGC(ratio)
				if err == nil {
					continue
				}
				if !errors.Is(err, badger.ErrNoRewrite) {
					s.logger.Warn("value log gc failed", "error", err)
				}
				break
			}
		}
	}
}

func (s *BadgerStore) Get(ctx context.Context, key string) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (s *BadgerStore) Set(ctx context.Context, key string, value any) error {
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
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), encoded)
	})
}

func (s *BadgerStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

func (s *BadgerStore) Query(ctx context.Context, prefix, cursor string, limit int) (Page, error) {
	if err := ctx.Err(); err != nil {
		return Page{}, err
	}
	limit = clampLimit(limit)

	page := Page{Results: make([]Entry, 0, limit)}
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		// Resume strictly after the cursor key; a stale cursor below the
		// prefix just restarts the scan at the prefix.
		seek := []byte(prefix)
		if cursor != "" && cursor >= prefix {
			seek = append([]byte(cursor), 0)
		}
		for it.Seek(seek); it.ValidForPrefix([]byte(prefix)); it.Next() {
			item := it.Item()
			if len(page.Results) == limit {
				next := page.Results[limit-1].Key
				page.NextCursor = &next
				return nil
			}
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			page.Results = append(page.Results, Entry{
				Key:   string(item.KeyCopy(nil)),
				Value: value,
			})
		}
		return nil
	})
	if err != nil {
		return Page{}, err
	}
	return page, nil
}

func (s *BadgerStore) Close() error {
	select {
	case <-s.gcStop:
	default:
		close(s.gcStop)
	}
	<-s.gcDone
	return s.db.Close()
}

// badgerSlogAdapter bridges badger's printf-style logger onto slog.
type badgerSlogAdapter struct {
	logger *slog.Logger
}

func (a badgerSlogAdapter) Errorf(format string, args ...any) {
	a.logger.Error(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (a badgerSlogAdapter) Warningf(format string, args ...any) {
	a.logger.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (a badgerSlogAdapter) Infof(format string, args ...any) {
	a.logger.Info(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (a badgerSlogAdapter) Debugf(format string, args ...any) {
	a.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}
