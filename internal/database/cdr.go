package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/voicebridge/voicebridge/internal/database/models"
)

const cdrColumns = `id, call_id, direction, from_uri, to_uri, start_time, answer_time,
	 end_time, duration_secs, end_reason, codec, trunk_id, packets_in, packets_out,
	 loss_count, max_jitter, bytes_to_ai, bytes_from_ai`

type cdrRepo struct {
	db *DB
}

// NewCDRRepository creates a CDRRepository over db.
func NewCDRRepository(db *DB) CDRRepository {
	return &cdrRepo{db: db}
}

func (r *cdrRepo) Create(ctx context.Context, cdr *models.CDR) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO cdrs (call_id, direction, from_uri, to_uri, start_time,
		 answer_time, end_time, duration_secs, end_reason, codec, trunk_id,
		 packets_in, packets_out, loss_count, max_jitter, bytes_to_ai, bytes_from_ai)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cdr.CallID, cdr.Direction, cdr.FromURI, cdr.ToURI, cdr.StartTime.UTC(),
		cdr.AnswerTime, cdr.EndTime, cdr.DurationSecs,
		cdr.EndReason, cdr.Codec, cdr.TrunkID,
		cdr.PacketsIn, cdr.PacketsOut, cdr.LossCount, cdr.MaxJitter,
		cdr.BytesToAI, cdr.BytesFromAI,
	)
	if err != nil {
		return fmt.Errorf("inserting cdr: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	cdr.ID = id
	return nil
}

func (r *cdrRepo) GetByCallID(ctx context.Context, callID string) (*models.CDR, error) {
	var c models.CDR
	err := scanCDR(r.db.QueryRowContext(ctx,
		`SELECT `+cdrColumns+` FROM cdrs WHERE call_id = ?`, callID), &c)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning cdr: %w", err)
	}
	return &c, nil
}

// List returns one page of CDRs plus the unpaginated total.
func (r *cdrRepo) List(ctx context.Context, filter CDRListFilter) ([]models.CDR, int, error) {
	var where []string
	var args []any

	if filter.Search != "" {
		where = append(where, "(from_uri LIKE ? OR to_uri LIKE ?)")
		pattern := "%" + filter.Search + "%"
		args = append(args, pattern, pattern)
	}
	if filter.Direction != "" {
		where = append(where, "direction = ?")
		args = append(args, filter.Direction)
	}
	if filter.StartDate != "" {
		where = append(where, "start_time >= ?")
		args = append(args, filter.StartDate)
	}
	if filter.EndDate != "" {
		where = append(where, "start_time <= ?")
		args = append(args, filter.EndDate)
	}

	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM cdrs`+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting cdrs: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + cdrColumns + ` FROM cdrs` + clause +
		` ORDER BY start_time DESC LIMIT ? OFFSET ?`
	rows, err := r.db.QueryContext(ctx, query, append(args, limit, filter.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("querying cdrs: %w", err)
	}
	defer rows.Close()

	cdrs, err := collectCDRs(rows)
	if err != nil {
		return nil, 0, err
	}
	return cdrs, total, nil
}

func (r *cdrRepo) ListRecent(ctx context.Context, limit int) ([]models.CDR, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+cdrColumns+` FROM cdrs ORDER BY start_time DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying recent cdrs: %w", err)
	}
	defer rows.Close()
	return collectCDRs(rows)
}

// CountByDirection returns call totals grouped by direction, for metrics.
func (r *cdrRepo) CountByDirection(ctx context.Context) (map[string]int64, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT direction, COUNT(*) FROM cdrs GROUP BY direction`)
	if err != nil {
		return nil, fmt.Errorf("counting cdrs by direction: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var dir string
		var n int64
		if err := rows.Scan(&dir, &n); err != nil {
			return nil, fmt.Errorf("scanning cdr count row: %w", err)
		}
		counts[dir] = n
	}
	return counts, rows.Err()
}

type cdrScanner interface {
	Scan(dest ...any) error
}

func scanCDR(row cdrScanner, c *models.CDR) error {
	return row.Scan(&c.ID, &c.CallID, &c.Direction, &c.FromURI, &c.ToURI,
		&c.StartTime, &c.AnswerTime, &c.EndTime, &c.DurationSecs, &c.EndReason,
		&c.Codec, &c.TrunkID, &c.PacketsIn, &c.PacketsOut, &c.LossCount,
		&c.MaxJitter, &c.BytesToAI, &c.BytesFromAI)
}

func collectCDRs(rows *sql.Rows) ([]models.CDR, error) {
	var cdrs []models.CDR
	for rows.Next() {
		var c models.CDR
		if err := scanCDR(rows, &c); err != nil {
			return nil, fmt.Errorf("scanning cdr row: %w", err)
		}
		cdrs = append(cdrs, c)
	}
	return cdrs, rows.Err()
}
