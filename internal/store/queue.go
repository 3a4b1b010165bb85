package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Push appends to the tail of the named channel.
func (s *SQLite) Push(ctx context.Context, channel, payload string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO queue (channel, payload, pushed_at) VALUES (?, ?, ?);`,
		channel, payload, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("queue push: %w", err)
	}
	return nil
}

// Pop removes and returns the head of the named channel. The select and
// delete run in one transaction so concurrent workers never receive the
// same entry. ok=false means the channel is empty.
func (s *SQLite) Pop(ctx context.Context, channel string) (string, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, fmt.Errorf("queue pop: %w", err)
	}
	defer tx.Rollback()

	var id int64
	var payload string
	row := tx.QueryRowContext(ctx,
		`SELECT id, payload FROM queue WHERE channel = ? ORDER BY id LIMIT 1;`, channel)
	if err := row.Scan(&id, &payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("queue pop: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM queue WHERE id = ?;`, id); err != nil {
		return "", false, fmt.Errorf("queue pop: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", false, fmt.Errorf("queue pop: %w", err)
	}
	return payload, true, nil
}

// Acquire takes the named lease for ttl. Returns false when another holder
// has it and it has not expired.
func (s *SQLite) Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	now := time.Now()
	result, err := s.db.ExecContext(ctx, `INSERT INTO leases (name, expires_at) VALUES (?, ?)
        ON CONFLICT(name) DO UPDATE SET expires_at = excluded.expires_at
        WHERE leases.expires_at < ?;`,
		name, now.Add(ttl).UnixMilli(), now.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("acquire lease: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("acquire lease: %w", err)
	}
	return rows > 0, nil
}

func (s *SQLite) Release(ctx context.Context, name string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM leases WHERE name = ?;`, name); err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}
