package database

import (
	"context"
	"fmt"

	"github.com/voicebridge/voicebridge/internal/database/models"
)

type registrationRepo struct {
	db *DB
}

// NewRegistrationRepository creates a RegistrationRepository over db.
func NewRegistrationRepository(db *DB) RegistrationRepository {
	return &registrationRepo{db: db}
}

// Upsert inserts a binding or refreshes an existing (aor, contact) pair.
func (r *registrationRepo) Upsert(ctx context.Context, reg *models.Registration) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO registrations (sip_user_id, aor, contact_uri, transport,
		 user_agent, source_ip, source_port, expires, registered_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, datetime('now'))
		 ON CONFLICT (aor, contact_uri) DO UPDATE SET
		 transport = excluded.transport, user_agent = excluded.user_agent,
		 source_ip = excluded.source_ip, source_port = excluded.source_port,
		 expires = excluded.expires, registered_at = datetime('now')`,
		reg.SipUserID, reg.AOR, reg.ContactURI, reg.Transport,
		reg.UserAgent, reg.SourceIP, reg.SourcePort, reg.Expires.UTC(),
	)
	if err != nil {
		return fmt.Errorf("upserting registration: %w", err)
	}
	if id, err := result.LastInsertId(); err == nil {
		reg.ID = id
	}
	return nil
}

func (r *registrationRepo) ListByAOR(ctx context.Context, aor string) ([]models.Registration, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, sip_user_id, aor, contact_uri, transport, user_agent,
		 source_ip, source_port, expires, registered_at
		 FROM registrations
		 WHERE aor = ? AND expires > datetime('now')
		 ORDER BY registered_at DESC`, aor)
	if err != nil {
		return nil, fmt.Errorf("querying registrations: %w", err)
	}
	defer rows.Close()

	var regs []models.Registration
	for rows.Next() {
		var reg models.Registration
		if err := rows.Scan(&reg.ID, &reg.SipUserID, &reg.AOR, &reg.ContactURI,
			&reg.Transport, &reg.UserAgent, &reg.SourceIP, &reg.SourcePort,
			&reg.Expires, &reg.RegisteredAt); err != nil {
			return nil, fmt.Errorf("scanning registration row: %w", err)
		}
		regs = append(regs, reg)
	}
	return regs, rows.Err()
}

func (r *registrationRepo) DeleteByAORAndContact(ctx context.Context, aor, contactURI string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM registrations WHERE aor = ? AND contact_uri = ?`, aor, contactURI)
	if err != nil {
		return fmt.Errorf("deleting registration: %w", err)
	}
	return nil
}

func (r *registrationRepo) DeleteByAOR(ctx context.Context, aor string) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM registrations WHERE aor = ?`, aor)
	if err != nil {
		return 0, fmt.Errorf("deleting registrations: %w", err)
	}
	return result.RowsAffected()
}

func (r *registrationRepo) DeleteExpired(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM registrations WHERE expires <= datetime('now')`)
	if err != nil {
		return 0, fmt.Errorf("deleting expired registrations: %w", err)
	}
	return result.RowsAffected()
}

func (r *registrationRepo) DeleteAll(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM registrations`)
	if err != nil {
		return 0, fmt.Errorf("clearing registrations: %w", err)
	}
	return result.RowsAffected()
}

func (r *registrationRepo) Count(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM registrations WHERE expires > datetime('now')`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting registrations: %w", err)
	}
	return count, nil
}
