package kvstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresTableName        = "blueprintsync_kv"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresStore is a Store backed by a single Postgres table. The table is
// created lazily on first use.
type PostgresStore struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("kvstore: postgres dsn is required")
	}
	return &PostgresStore{
		dsn:       dsn,
		tableName: postgresTableName,
		openDB:    sql.Open,
	}, nil
}

func (s *PostgresStore) ensureReady() error {
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				kv_key TEXT PRIMARY KEY,
				value TEXT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, postgresQuoteIdentifier(s.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}

func (s *PostgresStore) Get(ctx context.Context, key string) (json.RawMessage, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT value FROM %s WHERE kv_key = $1", postgresQuoteIdentifier(s.tableName))
	var payload string
	err := s.db.QueryRowContext(ctx, query, key).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return json.RawMessage(payload), nil
}

func (s *PostgresStore) Set(ctx context.Context, key string, value any) error {
	if strings.TrimSpace(key) == "" {
		return errors.New("kvstore: empty key")
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	encoded, err := encodeValue(value)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (kv_key, value, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (kv_key)
		DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`, postgresQuoteIdentifier(s.tableName))
	_, err = s.db.ExecContext(ctx, query, key, string(encoded))
	return err
}

func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("DELETE FROM %s WHERE kv_key = $1", postgresQuoteIdentifier(s.tableName))
	_, err := s.db.ExecContext(ctx, query, key)
	return err
}

func (s *PostgresStore) Query(ctx context.Context, prefix, cursor string, limit int) (Page, error) {
	if err := s.ensureReady(); err != nil {
		return Page{}, err
	}
	limit = clampLimit(limit)
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	// Fetch one extra row to learn whether another page exists.
	query := fmt.Sprintf(`
		SELECT kv_key, value
		FROM %s
		WHERE kv_key LIKE $1 AND kv_key > $2
		ORDER BY kv_key ASC
		LIMIT $3`, postgresQuoteIdentifier(s.tableName))
	rows, err := s.db.QueryContext(ctx, query, escapeLikePrefix(prefix)+"%", cursor, limit+1)
	if err != nil {
		return Page{}, err
	}
	defer rows.Close()

	page := Page{Results: make([]Entry, 0, limit)}
	for rows.Next() {
		var key, payload string
		if err := rows.Scan(&key, &payload); err != nil {
			return Page{}, err
		}
		if len(page.Results) == limit {
			next := page.Results[limit-1].Key
			page.NextCursor = &next
			break
		}
		page.Results = append(page.Results, Entry{Key: key, Value: json.RawMessage(payload)})
	}
	if err := rows.Err(); err != nil {
		return Page{}, err
	}
	return page, nil
}

func (s *PostgresStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return `""`
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

// escapeLikePrefix escapes LIKE metacharacters so a key prefix matches
// literally.
func escapeLikePrefix(prefix string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(prefix)
}
