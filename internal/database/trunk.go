package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/voicebridge/voicebridge/internal/database/models"
)

const trunkColumns = `id, name, type, enabled, host, port, transport, username, password,
	 auth_username, register_expiry, max_channels, max_cps, prefix_strip, prefix_add,
	 priority, created_at, updated_at`

type trunkRepo struct {
	db *DB
}

// NewTrunkRepository creates a TrunkRepository over db.
func NewTrunkRepository(db *DB) TrunkRepository {
	return &trunkRepo{db: db}
}

func (r *trunkRepo) Create(ctx context.Context, trunk *models.Trunk) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO trunks (name, type, enabled, host, port, transport, username,
		 password, auth_username, register_expiry, max_channels, max_cps,
		 prefix_strip, prefix_add, priority, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, datetime('now'), datetime('now'))`,
		trunk.Name, trunk.Type, trunk.Enabled, trunk.Host, trunk.Port, trunk.Transport,
		trunk.Username, trunk.Password, trunk.AuthUsername, trunk.RegisterExpiry,
		trunk.MaxChannels, trunk.MaxCPS, trunk.PrefixStrip, trunk.PrefixAdd, trunk.Priority,
	)
	if err != nil {
		return fmt.Errorf("inserting trunk: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	trunk.ID = id
	return nil
}

func (r *trunkRepo) GetByID(ctx context.Context, id int64) (*models.Trunk, error) {
	var t models.Trunk
	err := r.db.QueryRowContext(ctx,
		`SELECT `+trunkColumns+` FROM trunks WHERE id = ?`, id).Scan(
		&t.ID, &t.Name, &t.Type, &t.Enabled, &t.Host, &t.Port, &t.Transport,
		&t.Username, &t.Password, &t.AuthUsername, &t.RegisterExpiry,
		&t.MaxChannels, &t.MaxCPS, &t.PrefixStrip, &t.PrefixAdd, &t.Priority,
		&t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning trunk: %w", err)
	}
	return &t, nil
}

func (r *trunkRepo) List(ctx context.Context) ([]models.Trunk, error) {
	return r.list(ctx, `SELECT `+trunkColumns+` FROM trunks ORDER BY priority, name`)
}

func (r *trunkRepo) ListEnabled(ctx context.Context) ([]models.Trunk, error) {
	return r.list(ctx, `SELECT `+trunkColumns+` FROM trunks WHERE enabled = 1 ORDER BY priority, name`)
}

func (r *trunkRepo) list(ctx context.Context, query string) ([]models.Trunk, error) {
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying trunks: %w", err)
	}
	defer rows.Close()

	var trunks []models.Trunk
	for rows.Next() {
		var t models.Trunk
		if err := rows.Scan(&t.ID, &t.Name, &t.Type, &t.Enabled, &t.Host, &t.Port,
			&t.Transport, &t.Username, &t.Password, &t.AuthUsername, &t.RegisterExpiry,
			&t.MaxChannels, &t.MaxCPS, &t.PrefixStrip, &t.PrefixAdd, &t.Priority,
			&t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning trunk row: %w", err)
		}
		trunks = append(trunks, t)
	}
	return trunks, rows.Err()
}

func (r *trunkRepo) Update(ctx context.Context, trunk *models.Trunk) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE trunks SET name = ?, type = ?, enabled = ?, host = ?, port = ?,
		 transport = ?, username = ?, password = ?, auth_username = ?,
		 register_expiry = ?, max_channels = ?, max_cps = ?, prefix_strip = ?,
		 prefix_add = ?, priority = ?, updated_at = datetime('now')
		 WHERE id = ?`,
		trunk.Name, trunk.Type, trunk.Enabled, trunk.Host, trunk.Port, trunk.Transport,
		trunk.Username, trunk.Password, trunk.AuthUsername, trunk.RegisterExpiry,
		trunk.MaxChannels, trunk.MaxCPS, trunk.PrefixStrip, trunk.PrefixAdd,
		trunk.Priority, trunk.ID,
	)
	if err != nil {
		return fmt.Errorf("updating trunk: %w", err)
	}
	return nil
}

func (r *trunkRepo) Delete(ctx context.Context, id int64) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM trunks WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting trunk: %w", err)
	}
	return nil
}
