package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/voicebridge/voicebridge/internal/database/models"
)

const smsColumns = `id, direction, from_uri, to_uri, body, status, trunk_id,
	 attempts, last_error, created_at, delivered_at`

type smsRepo struct {
	db *DB
}

// NewSMSRepository creates an SMSRepository over db.
func NewSMSRepository(db *DB) SMSRepository {
	return &smsRepo{db: db}
}

func (r *smsRepo) Create(ctx context.Context, msg *models.SMSMessage) error {
	if msg.Status == "" {
		msg.Status = models.SMSPending
	}
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO sms_messages (direction, from_uri, to_uri, body, status,
		 trunk_id, attempts, last_error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, datetime('now'))`,
		msg.Direction, msg.FromURI, msg.ToURI, msg.Body, msg.Status,
		msg.TrunkID, msg.Attempts, msg.LastError,
	)
	if err != nil {
		return fmt.Errorf("inserting sms message: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	msg.ID = id
	return nil
}

func (r *smsRepo) GetByID(ctx context.Context, id int64) (*models.SMSMessage, error) {
	var m models.SMSMessage
	err := r.db.QueryRowContext(ctx,
		`SELECT `+smsColumns+` FROM sms_messages WHERE id = ?`, id).Scan(
		&m.ID, &m.Direction, &m.FromURI, &m.ToURI, &m.Body, &m.Status,
		&m.TrunkID, &m.Attempts, &m.LastError, &m.CreatedAt, &m.DeliveredAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning sms message: %w", err)
	}
	return &m, nil
}

func (r *smsRepo) List(ctx context.Context, limit, offset int) ([]models.SMSMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	return r.collect(ctx,
		`SELECT `+smsColumns+` FROM sms_messages ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		limit, offset)
}

func (r *smsRepo) ListPending(ctx context.Context, limit int) ([]models.SMSMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	return r.collect(ctx,
		`SELECT `+smsColumns+` FROM sms_messages
		 WHERE status = ? AND direction = 'outbound'
		 ORDER BY created_at LIMIT ?`,
		models.SMSPending, limit)
}

func (r *smsRepo) collect(ctx context.Context, query string, args ...any) ([]models.SMSMessage, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying sms messages: %w", err)
	}
	defer rows.Close()

	var msgs []models.SMSMessage
	for rows.Next() {
		var m models.SMSMessage
		if err := rows.Scan(&m.ID, &m.Direction, &m.FromURI, &m.ToURI, &m.Body,
			&m.Status, &m.TrunkID, &m.Attempts, &m.LastError, &m.CreatedAt,
			&m.DeliveredAt); err != nil {
			return nil, fmt.Errorf("scanning sms row: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (r *smsRepo) MarkSent(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE sms_messages SET status = ?, attempts = attempts + 1,
		 delivered_at = datetime('now') WHERE id = ?`,
		models.SMSSent, id)
	if err != nil {
		return fmt.Errorf("marking sms sent: %w", err)
	}
	return nil
}

func (r *smsRepo) RecordAttempt(ctx context.Context, id int64, lastError string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE sms_messages SET attempts = attempts + 1, last_error = ?
		 WHERE id = ?`,
		lastError, id)
	if err != nil {
		return fmt.Errorf("recording sms attempt: %w", err)
	}
	return nil
}

func (r *smsRepo) MarkFailed(ctx context.Context, id int64, lastError string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE sms_messages SET status = ?, attempts = attempts + 1,
		 last_error = ? WHERE id = ?`,
		models.SMSFailed, lastError, id)
	if err != nil {
		return fmt.Errorf("marking sms failed: %w", err)
	}
	return nil
}
