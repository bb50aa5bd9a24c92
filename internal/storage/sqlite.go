package storage

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/shohag/notifyrelay/internal/models"
)

type SQLiteStorage struct {
	db *sql.DB
}

func NewSQLite(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return &SQLiteStorage{db: db}, nil
}

func (s *SQLiteStorage) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			trace_id TEXT NOT NULL,
			channel TEXT NOT NULL,
			recipient TEXT NOT NULL,
			subject TEXT NOT NULL DEFAULT '',
			body TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			attempts INTEGER NOT NULL DEFAULT 0,
			last_attempt DATETIME,
			last_error TEXT NOT NULL DEFAULT '',
			next_attempt_at DATETIME,
			queued_at DATETIME,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS deliveries (
			message_id TEXT PRIMARY KEY,
			delivery_id TEXT NOT NULL,
			trace_id TEXT NOT NULL,
			channel TEXT NOT NULL,
			recipient TEXT NOT NULL,
			subject TEXT NOT NULL DEFAULT '',
			body TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			delivered_at DATETIME,
			error TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS attempts (
			id TEXT PRIMARY KEY,
			message_id TEXT NOT NULL,
			trace_id TEXT NOT NULL,
			channel TEXT NOT NULL,
			status TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			latency_ms INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_retry ON messages(status, attempts)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_next_attempt ON messages(status, next_attempt_at)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_dedup ON messages(recipient, body, channel, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_status_channel ON messages(status, channel)`,
		`CREATE INDEX IF NOT EXISTS idx_deliveries_trace ON deliveries(trace_id)`,
		`CREATE INDEX IF NOT EXISTS idx_deliveries_status_channel ON deliveries(status, channel)`,
		`CREATE INDEX IF NOT EXISTS idx_attempts_message ON attempts(message_id)`,
	}

	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return unavailable("migrate", err)
		}
	}
	return nil
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// --- Messages ---

const messageColumns = `id, trace_id, channel, recipient, subject, body, status, attempts,
	last_attempt, last_error, next_attempt_at, queued_at, created_at, updated_at`

func (s *SQLiteStorage) scanMessage(row interface{ Scan(...interface{}) error }) (*models.Message, error) {
	var m models.Message
	var lastAttempt, nextAttemptAt, queuedAt sql.NullTime
	err := row.Scan(&m.ID, &m.TraceID, &m.Channel, &m.Content.Recipient, &m.Content.Subject, &m.Content.Body,
		&m.Status, &m.Attempts, &lastAttempt, &m.LastError, &nextAttemptAt, &queuedAt, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	m.LastAttempt = timePtr(lastAttempt)
	m.NextAttemptAt = timePtr(nextAttemptAt)
	m.QueuedAt = timePtr(queuedAt)
	return &m, nil
}

func (s *SQLiteStorage) queryMessages(ctx context.Context, op, query string, args ...interface{}) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable(op, err)
	}
	defer rows.Close()

	var msgs []models.Message
	for rows.Next() {
		m, err := s.scanMessage(rows)
		if err != nil {
			return nil, unavailable(op, err)
		}
		msgs = append(msgs, *m)
	}
	return msgs, unavailable(op, rows.Err())
}

func (s *SQLiteStorage) CreateMessage(ctx context.Context, msg *models.Message) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (`+messageColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.TraceID, msg.Channel, msg.Content.Recipient, msg.Content.Subject, msg.Content.Body,
		msg.Status, msg.Attempts, utcPtr(msg.LastAttempt), msg.LastError, utcPtr(msg.NextAttemptAt), utcPtr(msg.QueuedAt),
		msg.CreatedAt.UTC(), msg.UpdatedAt.UTC(),
	)
	return unavailable("create message", err)
}

func (s *SQLiteStorage) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	m, err := s.scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return m, unavailable("get message", err)
}

func (s *SQLiteStorage) FindRecentDuplicate(ctx context.Context, channel models.Channel, recipient, body string, since time.Time) (*models.Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE recipient = ? AND body = ? AND channel = ? AND created_at > ?
		 ORDER BY created_at DESC LIMIT 1`,
		recipient, body, channel, since.UTC())
	m, err := s.scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return m, unavailable("find duplicate", err)
}

func (s *SQLiteStorage) ListMessages(ctx context.Context, status models.Status, limit, offset int) ([]models.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if status == "" {
		return s.queryMessages(ctx, "list messages",
			`SELECT `+messageColumns+` FROM messages ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, offset)
	}
	return s.queryMessages(ctx, "list messages",
		`SELECT `+messageColumns+` FROM messages WHERE status = ? ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		status, limit, offset)
}

func (s *SQLiteStorage) MarkQueued(ctx context.Context, id, traceID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE messages SET queued_at = ?, updated_at = ? WHERE id = ? AND trace_id = ? AND status = 'pending'`,
		at.UTC(), at.UTC(), id, traceID,
	)
	return unavailable("mark queued", err)
}

func (s *SQLiteStorage) ApplyResult(ctx context.Context, u ResultUpdate) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages
		 SET status = ?, last_attempt = ?, last_error = ?, next_attempt_at = ?, updated_at = ?
		 WHERE id = ? AND trace_id = ? AND status = 'pending'`,
		u.Status, u.At.UTC(), u.Error, utcPtr(u.NextAttemptAt), u.At.UTC(), u.MessageID, u.TraceID,
	)
	return affected("apply result", res, err)
}

func (s *SQLiteStorage) DueForRetry(ctx context.Context, now time.Time, maxAttempts, limit int) ([]models.Message, error) {
	return s.queryMessages(ctx, "due for retry",
		`SELECT `+messageColumns+` FROM messages
		 WHERE status = 'failed' AND attempts < ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
		 ORDER BY next_attempt_at ASC LIMIT ?`,
		maxAttempts, now.UTC(), limit)
}

func (s *SQLiteStorage) ClaimRetry(ctx context.Context, c RetryClaim) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages
		 SET status = 'pending', attempts = attempts + 1, trace_id = ?, last_attempt = ?,
		     next_attempt_at = NULL, queued_at = NULL, updated_at = ?
		 WHERE id = ? AND status = 'failed' AND attempts = ? AND attempts < ?`,
		c.TraceID, c.At.UTC(), c.At.UTC(), c.MessageID, c.SeenAttempts, c.MaxAttempts,
	)
	return affected("claim retry", res, err)
}

func (s *SQLiteStorage) ListUnqueued(ctx context.Context, before time.Time, limit int) ([]models.Message, error) {
	return s.queryMessages(ctx, "list unqueued",
		`SELECT `+messageColumns+` FROM messages
		 WHERE status = 'pending' AND queued_at IS NULL AND updated_at <= ?
		 ORDER BY updated_at ASC LIMIT ?`,
		before.UTC(), limit)
}

func (s *SQLiteStorage) ListStalePending(ctx context.Context, queuedBefore time.Time, limit int) ([]models.Message, error) {
	return s.queryMessages(ctx, "list stale pending",
		`SELECT `+messageColumns+` FROM messages
		 WHERE status = 'pending' AND queued_at IS NOT NULL AND queued_at <= ?
		 ORDER BY queued_at ASC LIMIT ?`,
		queuedBefore.UTC(), limit)
}

// --- Deliveries ---

const deliveryColumns = `message_id, delivery_id, trace_id, channel, recipient, subject, body,
	status, delivered_at, error, created_at, updated_at`

func (s *SQLiteStorage) scanDelivery(row interface{ Scan(...interface{}) error }) (*models.Delivery, error) {
	var d models.Delivery
	var deliveredAt sql.NullTime
	err := row.Scan(&d.MessageID, &d.DeliveryID, &d.TraceID, &d.Channel, &d.Content.Recipient, &d.Content.Subject,
		&d.Content.Body, &d.Status, &deliveredAt, &d.Error, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	d.DeliveredAt = timePtr(deliveredAt)
	return &d, nil
}

func (s *SQLiteStorage) UpsertDelivery(ctx context.Context, d *models.Delivery) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO deliveries (`+deliveryColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(message_id) DO UPDATE SET
			delivery_id = excluded.delivery_id,
			trace_id = excluded.trace_id,
			recipient = excluded.recipient,
			subject = excluded.subject,
			body = excluded.body,
			status = excluded.status,
			delivered_at = excluded.delivered_at,
			error = excluded.error,
			updated_at = excluded.updated_at`,
		d.MessageID, d.DeliveryID, d.TraceID, d.Channel, d.Content.Recipient, d.Content.Subject, d.Content.Body,
		d.Status, utcPtr(d.DeliveredAt), d.Error, d.CreatedAt.UTC(), d.UpdatedAt.UTC(),
	)
	return unavailable("upsert delivery", err)
}

func (s *SQLiteStorage) GetDelivery(ctx context.Context, messageID string) (*models.Delivery, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+deliveryColumns+` FROM deliveries WHERE message_id = ?`, messageID)
	d, err := s.scanDelivery(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return d, unavailable("get delivery", err)
}

func (s *SQLiteStorage) ListDeliveries(ctx context.Context, status models.Status, limit int) ([]models.Delivery, error) {
	if limit <= 0 {
		limit = 100
	}
	var (
		rows *sql.Rows
		err  error
	)
	if status == "" {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+deliveryColumns+` FROM deliveries ORDER BY created_at DESC LIMIT ?`, limit)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+deliveryColumns+` FROM deliveries WHERE status = ? ORDER BY created_at DESC LIMIT ?`, status, limit)
	}
	if err != nil {
		return nil, unavailable("list deliveries", err)
	}
	defer rows.Close()

	var deliveries []models.Delivery
	for rows.Next() {
		d, err := s.scanDelivery(rows)
		if err != nil {
			return nil, unavailable("list deliveries", err)
		}
		deliveries = append(deliveries, *d)
	}
	return deliveries, unavailable("list deliveries", rows.Err())
}

// --- Attempts ---

func (s *SQLiteStorage) CreateAttempt(ctx context.Context, a *models.Attempt) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO attempts (id, message_id, trace_id, channel, status, error, latency_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.MessageID, a.TraceID, a.Channel, a.Status, a.Error, a.LatencyMs, a.CreatedAt.UTC(),
	)
	return unavailable("create attempt", err)
}

func (s *SQLiteStorage) GetAttemptsByMessage(ctx context.Context, messageID string) ([]models.Attempt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, message_id, trace_id, channel, status, error, latency_ms, created_at
		 FROM attempts WHERE message_id = ? ORDER BY created_at, id`, messageID)
	if err != nil {
		return nil, unavailable("get attempts", err)
	}
	defer rows.Close()

	var attempts []models.Attempt
	for rows.Next() {
		var a models.Attempt
		if err := rows.Scan(&a.ID, &a.MessageID, &a.TraceID, &a.Channel, &a.Status, &a.Error, &a.LatencyMs, &a.CreatedAt); err != nil {
			return nil, unavailable("get attempts", err)
		}
		attempts = append(attempts, a)
	}
	return attempts, unavailable("get attempts", rows.Err())
}

// --- Stats ---

func (s *SQLiteStorage) GetStats(ctx context.Context) (*Stats, error) {
	stats := newStats()

	rows, err := s.db.QueryContext(ctx, `SELECT status, channel, COUNT(*) FROM deliveries GROUP BY status, channel`)
	if err != nil {
		return nil, unavailable("stats", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			status  models.Status
			channel models.Channel
			n       int64
		)
		if err := rows.Scan(&status, &channel, &n); err != nil {
			return nil, unavailable("stats", err)
		}
		stats.Total += n
		stats.ByStatus[status] += n
		stats.ByChannel[channel] += n
	}
	return stats, unavailable("stats", rows.Err())
}

func affected(op string, res sql.Result, err error) (bool, error) {
	if err != nil {
		return false, unavailable(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, unavailable(op, err)
	}
	return n > 0, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func utcPtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}
