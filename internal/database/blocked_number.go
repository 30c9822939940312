package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/voicebridge/voicebridge/internal/database/models"
)

type blockedNumberRepo struct {
	db *DB
}

// NewBlockedNumberRepository creates a BlockedNumberRepository over db.
func NewBlockedNumberRepository(db *DB) BlockedNumberRepository {
	return &blockedNumberRepo{db: db}
}

func (r *blockedNumberRepo) Create(ctx context.Context, num *models.BlockedNumber) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO blocked_numbers (number, reason, created_at)
		 VALUES (?, ?, datetime('now'))`,
		num.Number, num.Reason,
	)
	if err != nil {
		return fmt.Errorf("inserting blocked number: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	num.ID = id
	return nil
}

func (r *blockedNumberRepo) GetByNumber(ctx context.Context, number string) (*models.BlockedNumber, error) {
	var n models.BlockedNumber
	err := r.db.QueryRowContext(ctx,
		`SELECT id, number, reason, created_at FROM blocked_numbers WHERE number = ?`,
		number).Scan(&n.ID, &n.Number, &n.Reason, &n.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning blocked number: %w", err)
	}
	return &n, nil
}

func (r *blockedNumberRepo) List(ctx context.Context) ([]models.BlockedNumber, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, number, reason, created_at FROM blocked_numbers ORDER BY number`)
	if err != nil {
		return nil, fmt.Errorf("querying blocked numbers: %w", err)
	}
	defer rows.Close()

	var nums []models.BlockedNumber
	for rows.Next() {
		var n models.BlockedNumber
		if err := rows.Scan(&n.ID, &n.Number, &n.Reason, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning blocked number row: %w", err)
		}
		nums = append(nums, n)
	}
	return nums, rows.Err()
}

func (r *blockedNumberRepo) Delete(ctx context.Context, id int64) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM blocked_numbers WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting blocked number: %w", err)
	}
	return nil
}
