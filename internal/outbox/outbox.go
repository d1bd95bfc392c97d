// Package outbox implements the persistent outbox: a durable queue of
// bus messages that survive a transport or process crash, polled and
// retried until delivery succeeds.
package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"ghost/internal/config/logger"
	"ghost/internal/ghosterr"
	"ghost/internal/model"
)

// Outbox is the durable fallback queue the Message Bus writes to when
// the transport is unavailable and reads from on its flush cycle.
type Outbox struct {
	db  *sql.DB
	log logger.Logger
}

// New wraps db, an already-open sqlite handle. The state store and the
// outbox share one file (and one single-writer connection) so both
// components never contend for sqlite's single-writer lock independently.
func New(db *sql.DB, log logger.Logger) *Outbox {
	return &Outbox{db: db, log: log.WithComponent("OUTBOX")}
}

// EnsureSchema creates the outbox table if absent.
func (o *Outbox) EnsureSchema(ctx context.Context) error {
	_, err := o.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS outbox_messages (
			id TEXT PRIMARY KEY,
			channel TEXT NOT NULL,
			priority TEXT NOT NULL,
			type_tag TEXT NOT NULL,
			payload BLOB NOT NULL,
			created_at DATETIME NOT NULL,
			expires_at DATETIME,
			processed INTEGER NOT NULL DEFAULT 0
		)
	`)
	if err != nil {
		return fmt.Errorf("%w: ensure outbox schema: %w", ghosterr.ErrPersistenceFailed, err)
	}

	_, err = o.db.ExecContext(ctx, `
		CREATE INDEX IF NOT EXISTS idx_outbox_pending ON outbox_messages (processed, channel, created_at)
	`)
	if err != nil {
		return fmt.Errorf("%w: ensure outbox index: %w", ghosterr.ErrPersistenceFailed, err)
	}

	return nil
}

// Store durably records msg, at-least-once redelivered after a crash.
func (o *Outbox) Store(ctx context.Context, msg model.Message) error {
	_, err := o.db.ExecContext(ctx, `
		INSERT INTO outbox_messages (id, channel, priority, type_tag, payload, created_at, expires_at, processed)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT(id) DO NOTHING
	`, msg.Id, msg.Channel, string(msg.Priority), msg.TypeTag, msg.Payload,
		msg.CreatedAt.UTC(), nullableExpiry(msg.ExpiresAt))

	if err != nil {
		return fmt.Errorf("%w: store outbox message %s: %w", ghosterr.ErrPersistenceFailed, msg.Id, err)
	}

	return nil
}

// GetPending returns up to batch unprocessed messages, oldest first.
// Ordering is monotonic within a channel because created_at is written
// in Publish order for every channel; there is no cross-channel
// ordering guarantee.
func (o *Outbox) GetPending(ctx context.Context, batch int) ([]model.Message, error) {
	rows, err := o.db.QueryContext(ctx, `
		SELECT id, channel, priority, type_tag, payload, created_at, expires_at
		FROM outbox_messages
		WHERE processed = 0
		ORDER BY created_at ASC
		LIMIT ?
	`, batch)
	if err != nil {
		return nil, fmt.Errorf("%w: get pending: %w", ghosterr.ErrPersistenceFailed, err)
	}
	defer rows.Close()

	var out []model.Message

	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan pending row: %w", ghosterr.ErrPersistenceFailed, err)
		}

		out = append(out, msg)
	}

	return out, rows.Err()
}

// MarkProcessed flags id as delivered so it is skipped by future polls.
func (o *Outbox) MarkProcessed(ctx context.Context, id string) error {
	_, err := o.db.ExecContext(ctx, `UPDATE outbox_messages SET processed = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("%w: mark processed %s: %w", ghosterr.ErrPersistenceFailed, id, err)
	}

	return nil
}

// GetByChannelPattern returns unprocessed messages whose channel matches
// pattern, a sqlite GLOB expression (the same syntax the Message Bus
// accepts for wildcard subscriptions, translated to sqlite's native GLOB
// operator instead of going through gobwas/glob for this read path).
func (o *Outbox) GetByChannelPattern(ctx context.Context, pattern string) ([]model.Message, error) {
	rows, err := o.db.QueryContext(ctx, `
		SELECT id, channel, priority, type_tag, payload, created_at, expires_at
		FROM outbox_messages
		WHERE processed = 0 AND channel GLOB ?
		ORDER BY created_at ASC
	`, pattern)
	if err != nil {
		return nil, fmt.Errorf("%w: get by channel pattern %s: %w", ghosterr.ErrPersistenceFailed, pattern, err)
	}
	defer rows.Close()

	var out []model.Message

	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan pattern row: %w", ghosterr.ErrPersistenceFailed, err)
		}

		out = append(out, msg)
	}

	return out, rows.Err()
}

// PendingCount returns the number of unprocessed messages, for bus
// diagnostics.
func (o *Outbox) PendingCount(ctx context.Context) (int, error) {
	var n int

	row := o.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox_messages WHERE processed = 0`)
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: pending count: %w", ghosterr.ErrPersistenceFailed, err)
	}

	return n, nil
}

// CleanupExpired deletes records whose ExpiresAt has passed.
func (o *Outbox) CleanupExpired(ctx context.Context) (int64, error) {
	res, err := o.db.ExecContext(ctx, `
		DELETE FROM outbox_messages WHERE expires_at IS NOT NULL AND expires_at < ?
	`, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("%w: cleanup expired: %w", ghosterr.ErrPersistenceFailed, err)
	}

	return res.RowsAffected()
}

func scanMessage(rows *sql.Rows) (model.Message, error) {
	var (
		msg       model.Message
		priority  string
		expiresAt sql.NullTime
	)

	if err := rows.Scan(&msg.Id, &msg.Channel, &priority, &msg.TypeTag, &msg.Payload, &msg.CreatedAt, &expiresAt); err != nil {
		return model.Message{}, err
	}

	msg.Priority = model.Priority(priority)
	if expiresAt.Valid {
		msg.ExpiresAt = expiresAt.Time
	}

	return msg, nil
}

func nullableExpiry(t time.Time) any {
	if t.IsZero() {
		return nil
	}

	return t.UTC()
}
