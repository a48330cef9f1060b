package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure Go driver, CGO-free

	"github.com/codereview/revieworchestrator/internal/domain"
)

// Store is a SQLite-backed Repository and queue.Mirror. Both concerns
// share one database: the result record table this package owns, and a
// queue_mirror table internal/queue.Queue writes through on every
// enqueue/ack. Nothing reads queue_mirror back, so it does not restore the
// queue after a process restart.
type Store struct {
	db *sql.DB
}

// New opens dsn, enables WAL mode, and runs migrations.
func New(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable wal: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS results (
		request_id             TEXT PRIMARY KEY,
		status                 TEXT NOT NULL,
		provider               TEXT NOT NULL,
		repository_id          TEXT NOT NULL,
		change_request_number  INTEGER NOT NULL,
		llm_provider            TEXT,
		llm_model               TEXT,
		result_data             TEXT,
		error                   TEXT,
		processing_time_ms      INTEGER,
		created_at              DATETIME NOT NULL,
		completed_at            DATETIME,
		failed_at               DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_results_created ON results(created_at);

	CREATE TABLE IF NOT EXISTS queue_mirror (
		entry_id    INTEGER PRIMARY KEY,
		entry_data  TEXT NOT NULL,
		enqueued_at DATETIME NOT NULL
	);
	`
	_, err := db.Exec(schema)
	return err
}

// Upsert implements Repository.
func (s *Store) Upsert(ctx context.Context, record Record) error {
	var resultData []byte
	if record.Result != nil {
		var err error
		resultData, err = json.Marshal(record.Result)
		if err != nil {
			return fmt.Errorf("marshal result: %w", err)
		}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO results (request_id, status, provider, repository_id, change_request_number,
			llm_provider, llm_model, result_data, error, processing_time_ms, created_at, completed_at, failed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(request_id) DO UPDATE SET
			status=excluded.status,
			llm_provider=excluded.llm_provider,
			llm_model=excluded.llm_model,
			result_data=excluded.result_data,
			error=excluded.error,
			processing_time_ms=excluded.processing_time_ms,
			completed_at=excluded.completed_at,
			failed_at=excluded.failed_at
	`, record.RequestID, string(record.Status), string(record.Provider), record.RepositoryID, record.ChangeRequestNumber,
		record.LLMProvider, record.LLMModel, string(resultData), record.Error, record.ProcessingTimeMs,
		record.CreatedAt, record.CompletedAt, record.FailedAt)
	return err
}

// Get implements Repository.
func (s *Store) Get(ctx context.Context, requestID string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT request_id, status, provider, repository_id, change_request_number,
			llm_provider, llm_model, result_data, error, processing_time_ms, created_at, completed_at, failed_at
		FROM results WHERE request_id = ?
	`, requestID)
	return scanRecord(row)
}

// DeleteExpired implements Repository.
func (s *Store) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM results WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Close implements Repository.
func (s *Store) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (*Record, error) {
	var r Record
	var status, provider, resultData, llmProvider, llmModel, errMsg sql.NullString
	var completedAt, failedAt sql.NullTime

	if err := sc.Scan(&r.RequestID, &status, &provider, &r.RepositoryID, &r.ChangeRequestNumber,
		&llmProvider, &llmModel, &resultData, &errMsg, &r.ProcessingTimeMs, &r.CreatedAt, &completedAt, &failedAt); err != nil {
		return nil, err
	}

	r.Status = Status(status.String)
	r.Provider = domain.ProviderKind(provider.String)
	r.LLMProvider = llmProvider.String
	r.LLMModel = llmModel.String
	r.Error = errMsg.String
	if completedAt.Valid {
		r.CompletedAt = &completedAt.Time
	}
	if failedAt.Valid {
		r.FailedAt = &failedAt.Time
	}
	if resultData.String != "" {
		var result domain.ReviewResult
		if err := json.Unmarshal([]byte(resultData.String), &result); err != nil {
			return nil, fmt.Errorf("unmarshal result: %w", err)
		}
		r.Result = &result
	}
	return &r, nil
}

// Append implements queue.Mirror.
func (s *Store) Append(ctx context.Context, entry domain.QueueEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal queue entry: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO queue_mirror (entry_id, entry_data, enqueued_at) VALUES (?, ?, ?)
		ON CONFLICT(entry_id) DO UPDATE SET entry_data=excluded.entry_data
	`, entry.EntryID, string(data), entry.EnqueuedAt)
	return err
}

// Delete implements queue.Mirror.
func (s *Store) Delete(ctx context.Context, entryID uint64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM queue_mirror WHERE entry_id = ?`, entryID)
	return err
}
