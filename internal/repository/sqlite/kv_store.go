package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"account-sync/internal/domain"
	"account-sync/internal/repository"
)

const createKVTables = `
CREATE TABLE IF NOT EXISTS kv (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS kv_events (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	origin TEXT NOT NULL,
	key TEXT NOT NULL,
	new_value TEXT NULL,
	removed INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_kv_events_created_at ON kv_events(created_at);
`

// KVOptions tunes the change log used for cross-process notifications.
type KVOptions struct {
	Origin         string
	PollInterval   time.Duration
	EventRetention time.Duration
	Logger         *logrus.Logger
}

// KVStore keeps the shared key space in a sqlite file. Each write also appends to a
// change log which subscribers in this or other processes poll.
type KVStore struct {
	db     *sql.DB
	opts   KVOptions
	logger *logrus.Entry
}

func NewKVStore(db *sql.DB, opts KVOptions) *KVStore {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 250 * time.Millisecond
	}
	if opts.EventRetention <= 0 {
		opts.EventRetention = time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	return &KVStore{
		db:     db,
		opts:   opts,
		logger: opts.Logger.WithFields(logrus.Fields{"component": "sqlite-kv", "origin": opts.Origin}),
	}
}

func (s *KVStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, createKVTables); err != nil {
		return fmt.Errorf("create kv tables: %w", err)
	}
	return nil
}

func (s *KVStore) Origin() string { return s.opts.Origin }

func (s *KVStore) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("get %s: %w", key, err)
	}
	return value, true, nil
}

func (s *KVStore) Set(ctx context.Context, key, value string) error {
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() // safe no-op on commit

	if _, err := tx.ExecContext(ctx, `
INSERT INTO kv (key, value, updated_at)
VALUES (?, ?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, now.UnixMilli(),
	); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	if err := s.appendEvent(ctx, tx, key, &value, now); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *KVStore) Remove(ctx context.Context, key string) error {
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() // safe no-op on commit

	res, err := tx.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("remove %s: %w", key, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("remove %s rows affected: %w", key, err)
	}
	if affected > 0 {
		if err := s.appendEvent(ctx, tx, key, nil, now); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *KVStore) appendEvent(ctx context.Context, tx *sql.Tx, key string, value *string, now time.Time) error {
	removed := 0
	if value == nil {
		removed = 1
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO kv_events (origin, key, new_value, removed, created_at)
VALUES (?, ?, ?, ?, ?)`,
		s.opts.Origin, key, value, removed, now.UnixMilli(),
	); err != nil {
		return fmt.Errorf("append event for %s: %w", key, err)
	}
	cutoff := now.Add(-s.opts.EventRetention).UnixMilli()
	if _, err := tx.ExecContext(ctx, `DELETE FROM kv_events WHERE created_at < ?`, cutoff); err != nil {
		return fmt.Errorf("prune events: %w", err)
	}
	return nil
}

func (s *KVStore) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM kv ORDER BY key ASC`)
	if err != nil {
		return nil, fmt.Errorf("query keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// Subscribe delivers change-log entries written after the call by any other origin.
func (s *KVStore) Subscribe(ctx context.Context) (<-chan domain.StorageEvent, error) {
	var last int64
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM kv_events`).Scan(&last); err != nil {
		return nil, fmt.Errorf("read event cursor: %w", err)
	}

	ch := make(chan domain.StorageEvent, repository.EventBuffer)
	go func() {
		defer close(ch)

		ticker := time.NewTicker(s.opts.PollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				next, err := s.poll(ctx, last, ch)
				if err != nil {
					if ctx.Err() == nil {
						s.logger.Warnf("poll events: %v", err)
					}
					continue
				}
				last = next
			}
		}
	}()
	return ch, nil
}

func (s *KVStore) poll(ctx context.Context, after int64, ch chan<- domain.StorageEvent) (int64, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT seq, origin, key, new_value, removed
FROM kv_events
WHERE seq > ?
ORDER BY seq ASC
LIMIT 256`, after)
	if err != nil {
		return after, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	last := after
	for rows.Next() {
		var (
			seq     int64
			origin  string
			key     string
			value   sql.NullString
			removed int
		)
		if err := rows.Scan(&seq, &origin, &key, &value, &removed); err != nil {
			return last, fmt.Errorf("scan event: %w", err)
		}
		last = seq
		if origin == s.opts.Origin {
			continue
		}
		select {
		case ch <- domain.StorageEvent{Key: key, NewValue: value.String, Removed: removed == 1, Origin: origin}:
		default:
			s.logger.WithField("key", key).Debug("subscriber busy, event dropped")
		}
	}
	return last, rows.Err()
}

// Close is a no-op; the *sql.DB belongs to the caller.
func (s *KVStore) Close() error { return nil }

var _ repository.KVStore = (*KVStore)(nil)
