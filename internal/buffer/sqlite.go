package buffer

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/chrisv1180/envoy-logger/internal/lib/logger/sl"
	"github.com/chrisv1180/envoy-logger/internal/model"
)

// Fixed width so that timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000Z07:00"

type Buffer interface {
	Store(ctx context.Context, batch *model.Batch) error
	GetPending(ctx context.Context, limit int) ([]*model.Batch, error)
	MarkSent(ctx context.Context, ids []string) error
	Cleanup(ctx context.Context, maxAge time.Duration) error
	Count(ctx context.Context) (int64, error)
	Close() error
}

type SQLiteBuffer struct {
	log *slog.Logger
	db  *sql.DB
}

func NewSQLiteBuffer(log *slog.Logger, dbPath string) (*SQLiteBuffer, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create buffer directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	buf := &SQLiteBuffer{
		log: log,
		db:  db,
	}

	if err := buf.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return buf, nil
}

func (b *SQLiteBuffer) migrate() error {
	query := `
		CREATE TABLE IF NOT EXISTS batches (
			id TEXT PRIMARY KEY,
			bucket TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			lines_json TEXT NOT NULL,
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_batches_created_at ON batches(created_at);
	`
	_, err := b.db.Exec(query)
	return err
}

func (b *SQLiteBuffer) Store(ctx context.Context, batch *model.Batch) error {
	linesJSON, err := json.Marshal(batch.Lines)
	if err != nil {
		return fmt.Errorf("failed to marshal lines: %w", err)
	}

	query := `
		INSERT INTO batches (id, bucket, timestamp, lines_json, created_at)
		VALUES (?, ?, ?, ?, ?)
	`

	_, err = b.db.ExecContext(ctx, query,
		batch.ID,
		batch.Bucket,
		batch.Timestamp.UTC().Format(timeLayout),
		string(linesJSON),
		time.Now().UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("failed to store batch: %w", err)
	}

	b.log.Debug("batch stored in buffer",
		slog.String("id", batch.ID),
		slog.String("bucket", batch.Bucket),
		slog.Int("lines", len(batch.Lines)),
	)
	return nil
}

// GetPending returns the oldest batches first.
func (b *SQLiteBuffer) GetPending(ctx context.Context, limit int) ([]*model.Batch, error) {
	query := `
		SELECT id, bucket, timestamp, lines_json
		FROM batches
		ORDER BY created_at ASC, timestamp ASC
		LIMIT ?
	`

	rows, err := b.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending batches: %w", err)
	}
	defer rows.Close()

	var batches []*model.Batch
	for rows.Next() {
		var id, bucket, timestampStr, linesJSON string

		if err := rows.Scan(&id, &bucket, &timestampStr, &linesJSON); err != nil {
			b.log.Error("failed to scan row", sl.Err(err))
			continue
		}

		timestamp, err := time.Parse(timeLayout, timestampStr)
		if err != nil {
			b.log.Error("failed to parse timestamp", sl.Err(err))
			continue
		}

		var lines []string
		if err := json.Unmarshal([]byte(linesJSON), &lines); err != nil {
			b.log.Error("failed to unmarshal lines", sl.Err(err))
			continue
		}

		batches = append(batches, &model.Batch{
			ID:        id,
			Bucket:    bucket,
			Timestamp: timestamp,
			Lines:     lines,
		})
	}

	return batches, rows.Err()
}

// MarkSent removes delivered batches.
func (b *SQLiteBuffer) MarkSent(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, "DELETE FROM batches WHERE id = ?")
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, id); err != nil {
			return fmt.Errorf("failed to delete batch %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	b.log.Debug("marked batches as sent", slog.Int("count", len(ids)))
	return nil
}

func (b *SQLiteBuffer) Cleanup(ctx context.Context, maxAge time.Duration) error {
	cutoff := time.Now().UTC().Add(-maxAge).Format(timeLayout)

	result, err := b.db.ExecContext(ctx, "DELETE FROM batches WHERE created_at < ?", cutoff)
	if err != nil {
		return fmt.Errorf("failed to cleanup old batches: %w", err)
	}

	deleted, _ := result.RowsAffected()
	if deleted > 0 {
		b.log.Info("cleaned up old buffer entries", slog.Int64("deleted", deleted))
	}

	return nil
}

func (b *SQLiteBuffer) Close() error {
	return b.db.Close()
}

func (b *SQLiteBuffer) Count(ctx context.Context) (int64, error) {
	var count int64
	err := b.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM batches").Scan(&count)
	return count, err
}
