package store

import (
	"context"
	"fmt"
	"time"
)

// SeenReplay records key as seen at `at` unless it was recorded within window
// before `at`. It returns the earlier sighting and true in that case. Older
// entries are overwritten. The check and the write are one statement, so
// concurrent callers agree on a single first sighting.
func (s *Store) SeenReplay(ctx context.Context, key string, at time.Time, window time.Duration) (time.Time, bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO replay_hashes (cache_key, seen_at) VALUES (?, ?)
		ON CONFLICT(cache_key) DO UPDATE SET seen_at = excluded.seen_at
		WHERE replay_hashes.seen_at < ?`,
		key, nanos(at), nanos(at.Add(-window)),
	)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("record replay hash: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return time.Time{}, false, fmt.Errorf("record replay hash: %w", err)
	}
	if n > 0 {
		return at, false, nil
	}

	var seen int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT seen_at FROM replay_hashes WHERE cache_key = ?`, key,
	).Scan(&seen); err != nil {
		return time.Time{}, false, fmt.Errorf("read replay hash: %w", err)
	}
	return fromNanos(seen), true, nil
}

// ForgetReplay removes key.
func (s *Store) ForgetReplay(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM replay_hashes WHERE cache_key = ?`, key); err != nil {
		return fmt.Errorf("forget replay hash: %w", err)
	}
	return nil
}

// PurgeReplay deletes replay entries recorded before cutoff and returns how
// many were removed.
func (s *Store) PurgeReplay(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM replay_hashes WHERE seen_at < ?`, nanos(cutoff))
	if err != nil {
		return 0, fmt.Errorf("purge replay hashes: %w", err)
	}
	return res.RowsAffected()
}
