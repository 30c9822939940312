package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/voicebridge/voicebridge/internal/database/models"
)

const sipUserColumns = `id, username, ha1, display_name, enabled, max_concurrent_calls,
	 failed_auth_attempts, locked_until, created_at, updated_at`

type sipUserRepo struct {
	db *DB
}

// NewSipUserRepository creates a SipUserRepository over db.
func NewSipUserRepository(db *DB) SipUserRepository {
	return &sipUserRepo{db: db}
}

func (r *sipUserRepo) Create(ctx context.Context, user *models.SipUser) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO sip_users (username, ha1, display_name, enabled, max_concurrent_calls,
		 created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, datetime('now'), datetime('now'))`,
		user.Username, user.HA1, user.DisplayName, user.Enabled, user.MaxConcurrentCalls,
	)
	if err != nil {
		return fmt.Errorf("inserting sip user: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	user.ID = id
	return nil
}

func (r *sipUserRepo) GetByID(ctx context.Context, id int64) (*models.SipUser, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT `+sipUserColumns+` FROM sip_users WHERE id = ?`, id))
}

func (r *sipUserRepo) GetByUsername(ctx context.Context, username string) (*models.SipUser, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT `+sipUserColumns+` FROM sip_users WHERE username = ?`, username))
}

func (r *sipUserRepo) List(ctx context.Context) ([]models.SipUser, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+sipUserColumns+` FROM sip_users ORDER BY username`)
	if err != nil {
		return nil, fmt.Errorf("querying sip users: %w", err)
	}
	defer rows.Close()

	var users []models.SipUser
	for rows.Next() {
		var u models.SipUser
		if err := rows.Scan(&u.ID, &u.Username, &u.HA1, &u.DisplayName, &u.Enabled,
			&u.MaxConcurrentCalls, &u.FailedAuthAttempts, &u.LockedUntil,
			&u.CreatedAt, &u.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning sip user row: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (r *sipUserRepo) Update(ctx context.Context, user *models.SipUser) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE sip_users SET username = ?, ha1 = ?, display_name = ?, enabled = ?,
		 max_concurrent_calls = ?, updated_at = datetime('now')
		 WHERE id = ?`,
		user.Username, user.HA1, user.DisplayName, user.Enabled,
		user.MaxConcurrentCalls, user.ID,
	)
	if err != nil {
		return fmt.Errorf("updating sip user: %w", err)
	}
	return nil
}

func (r *sipUserRepo) Delete(ctx context.Context, id int64) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM sip_users WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting sip user: %w", err)
	}
	return nil
}

func (r *sipUserRepo) RecordAuthFailure(ctx context.Context, id int64) (int, error) {
	_, err := r.db.ExecContext(ctx,
		`UPDATE sip_users SET failed_auth_attempts = failed_auth_attempts + 1,
		 updated_at = datetime('now') WHERE id = ?`, id)
	if err != nil {
		return 0, fmt.Errorf("recording auth failure: %w", err)
	}
	var count int
	err = r.db.QueryRowContext(ctx,
		`SELECT failed_auth_attempts FROM sip_users WHERE id = ?`, id).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("reading failure count: %w", err)
	}
	return count, nil
}

func (r *sipUserRepo) RecordAuthSuccess(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE sip_users SET failed_auth_attempts = 0, locked_until = NULL,
		 updated_at = datetime('now') WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("recording auth success: %w", err)
	}
	return nil
}

func (r *sipUserRepo) Lock(ctx context.Context, id int64, until time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE sip_users SET locked_until = ?, updated_at = datetime('now')
		 WHERE id = ?`, until.UTC(), id)
	if err != nil {
		return fmt.Errorf("locking sip user: %w", err)
	}
	return nil
}

func (r *sipUserRepo) Unlock(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE sip_users SET locked_until = NULL, failed_auth_attempts = 0,
		 updated_at = datetime('now') WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("unlocking sip user: %w", err)
	}
	return nil
}

func (r *sipUserRepo) scanOne(row *sql.Row) (*models.SipUser, error) {
	var u models.SipUser
	err := row.Scan(&u.ID, &u.Username, &u.HA1, &u.DisplayName, &u.Enabled,
		&u.MaxConcurrentCalls, &u.FailedAuthAttempts, &u.LockedUntil,
		&u.CreatedAt, &u.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning sip user: %w", err)
	}
	return &u, nil
}
