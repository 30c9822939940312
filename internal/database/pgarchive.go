package database

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/voicebridge/voicebridge/internal/database/models"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// CDRArchive mirrors finished-call records into PostgreSQL for long-term
// reporting. It is optional: configured only when a DSN is set, and a write
// failure never affects the call path (the SQLite CDR is authoritative).
type CDRArchive struct {
	db     *sql.DB
	logger *slog.Logger
}

// OpenCDRArchive connects to PostgreSQL and ensures the archive table exists.
func OpenCDRArchive(dsn string, logger *slog.Logger) (*CDRArchive, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgresql: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging postgresql: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS cdr_archive (
		id            BIGSERIAL PRIMARY KEY,
		call_id       TEXT NOT NULL UNIQUE,
		direction     TEXT NOT NULL,
		from_uri      TEXT NOT NULL,
		to_uri        TEXT NOT NULL,
		start_time    TIMESTAMPTZ NOT NULL,
		answer_time   TIMESTAMPTZ,
		end_time      TIMESTAMPTZ,
		duration_secs INTEGER,
		end_reason    TEXT NOT NULL DEFAULT '',
		codec         TEXT NOT NULL DEFAULT '',
		packets_in    BIGINT NOT NULL DEFAULT 0,
		packets_out   BIGINT NOT NULL DEFAULT 0,
		loss_count    BIGINT NOT NULL DEFAULT 0,
		max_jitter    BIGINT NOT NULL DEFAULT 0,
		bytes_to_ai   BIGINT NOT NULL DEFAULT 0,
		bytes_from_ai BIGINT NOT NULL DEFAULT 0,
		archived_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating cdr_archive table: %w", err)
	}

	l := logger.With("subsystem", "cdr-archive")
	l.Info("postgresql cdr archive opened")
	return &CDRArchive{db: db, logger: l}, nil
}

// Archive writes one CDR. Duplicate call_ids are ignored so retries are safe.
func (a *CDRArchive) Archive(ctx context.Context, cdr *models.CDR) error {
	_, err := a.db.ExecContext(ctx,
		`INSERT INTO cdr_archive (call_id, direction, from_uri, to_uri, start_time,
		 answer_time, end_time, duration_secs, end_reason, codec,
		 packets_in, packets_out, loss_count, max_jitter, bytes_to_ai, bytes_from_ai)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		 ON CONFLICT (call_id) DO NOTHING`,
		cdr.CallID, cdr.Direction, cdr.FromURI, cdr.ToURI, cdr.StartTime,
		cdr.AnswerTime, cdr.EndTime, cdr.DurationSecs, cdr.EndReason, cdr.Codec,
		cdr.PacketsIn, cdr.PacketsOut, cdr.LossCount, cdr.MaxJitter,
		cdr.BytesToAI, cdr.BytesFromAI,
	)
	if err != nil {
		return fmt.Errorf("archiving cdr: %w", err)
	}
	return nil
}

// Close closes the PostgreSQL connection.
func (a *CDRArchive) Close() error {
	return a.db.Close()
}
