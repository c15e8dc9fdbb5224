package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Cursor tracks how far back a channel's history was fetched
type Cursor struct {
	Channel string
	// Until is the created_at (unix seconds) of the oldest fetched message
	Until int64
	// Exhausted is set once a page came back short
	Exhausted bool
	UpdatedAt int64
}

// Cursor returns the pagination cursor of a channel. A channel never
// paginated yields a zero cursor and no error.
func (s *Storage) Cursor(ctx context.Context, channel string) (Cursor, error) {
	if s.db == nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		if c, ok := s.cursors[channel]; ok {
			return c, nil
		}
		return Cursor{Channel: channel}, nil
	}

	c := Cursor{Channel: channel}
	var exhausted int
	err := s.db.QueryRowContext(ctx,
		`SELECT until, exhausted, updated_at FROM pagination_cursors WHERE channel = ?`,
		channel,
	).Scan(&c.Until, &exhausted, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return c, nil
	}
	if err != nil {
		return c, fmt.Errorf("failed to read cursor: %w", err)
	}
	c.Exhausted = exhausted != 0
	return c, nil
}

// SaveCursor records a channel's pagination cursor. Until only moves
// backwards; an older stored value wins.
func (s *Storage) SaveCursor(ctx context.Context, c Cursor) error {
	c.UpdatedAt = time.Now().Unix()

	if s.db == nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		if prev, ok := s.cursors[c.Channel]; ok && prev.Until > 0 && (c.Until == 0 || prev.Until < c.Until) {
			c.Until = prev.Until
		}
		s.cursors[c.Channel] = c
		return nil
	}

	exhausted := 0
	if c.Exhausted {
		exhausted = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pagination_cursors (channel, until, exhausted, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(channel) DO UPDATE SET
			until = CASE
				WHEN pagination_cursors.until > 0 AND (excluded.until = 0 OR pagination_cursors.until < excluded.until)
				THEN pagination_cursors.until
				ELSE excluded.until
			END,
			exhausted = excluded.exhausted,
			updated_at = excluded.updated_at`,
		c.Channel, c.Until, exhausted, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save cursor: %w", err)
	}
	return nil
}

// ResetCursor forgets a channel's pagination progress
func (s *Storage) ResetCursor(ctx context.Context, channel string) error {
	if s.db == nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.cursors, channel)
		return nil
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM pagination_cursors WHERE channel = ?`, channel); err != nil {
		return fmt.Errorf("failed to reset cursor: %w", err)
	}
	return nil
}
