package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite"
)

// SQLiteStorage implements Store using SQLite.
type SQLiteStorage struct {
	db  *sql.DB
	log *slog.Logger
}

// NewSQLite opens a SQLite-backed Store. Use ":memory:" for an
// in-memory database, or a file path for persistent storage.
func NewSQLite(dsn string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if dsn != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable WAL: %w", err)
		}
	}

	s := &SQLiteStorage{db: db, log: slog.Default()}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStorage) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS informations (
			idx INTEGER PRIMARY KEY,
			avail_job_id INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS jobs (
			unique_id INTEGER PRIMARY KEY,
			job_id TEXT NOT NULL,
			cmd_id TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS job_infos (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			unique_id INTEGER NOT NULL,
			info_key TEXT NOT NULL,
			info_value TEXT NOT NULL,
			FOREIGN KEY (unique_id) REFERENCES jobs(unique_id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS job_history (
			unique_id INTEGER PRIMARY KEY,
			job_id TEXT NOT NULL,
			file_path TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS task_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			unique_id INTEGER NOT NULL,
			task_name TEXT NOT NULL,
			state TEXT NOT NULL,
			FOREIGN KEY (unique_id) REFERENCES job_history(unique_id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_job_infos_unique_id ON job_infos(unique_id)`,
		`CREATE INDEX IF NOT EXISTS idx_task_history_unique_id ON task_history(unique_id)`,
		`INSERT OR IGNORE INTO informations (idx, avail_job_id) VALUES (0, 1)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("execute migration: %w", err)
		}
	}
	return nil
}

// NextJobID mirrors Informations.jobid_plus: read-increment-save the
// single counter row inside a transaction, so concurrent submitters
// never observe the same id twice.
func (s *SQLiteStorage) NextJobID(ctx context.Context) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var next int64
	if err := tx.QueryRowContext(ctx, "SELECT avail_job_id FROM informations WHERE idx = 0").Scan(&next); err != nil {
		return 0, fmt.Errorf("read counter: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "UPDATE informations SET avail_job_id = ? WHERE idx = 0", next+1); err != nil {
		return 0, fmt.Errorf("advance counter: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return next, nil
}

func (s *SQLiteStorage) CreateJob(ctx context.Context, job *JobRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO jobs (unique_id, job_id, cmd_id) VALUES (?, ?, ?)`,
		job.UniqueID, job.JobID, job.CmdID,
	); err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	for k, v := range job.Info {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO job_infos (unique_id, info_key, info_value) VALUES (?, ?, ?)`,
			job.UniqueID, k, v,
		); err != nil {
			return fmt.Errorf("insert job info: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStorage) GetJob(ctx context.Context, uniqueID int64) (*JobRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT unique_id, job_id, cmd_id, created_at FROM jobs WHERE unique_id = ?`, uniqueID)

	job := &JobRecord{Info: map[string]string{}}
	if err := row.Scan(&job.UniqueID, &job.JobID, &job.CmdID, &job.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT info_key, info_value FROM job_infos WHERE unique_id = ?`, uniqueID)
	if err != nil {
		return nil, fmt.Errorf("query job infos: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan job info: %w", err)
		}
		job.Info[k] = v
	}
	return job, rows.Err()
}

func (s *SQLiteStorage) ListJobs(ctx context.Context) ([]*JobRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT unique_id FROM jobs ORDER BY unique_id`)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan job id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	jobs := make([]*JobRecord, 0, len(ids))
	for _, id := range ids {
		job, err := s.GetJob(ctx, id)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (s *SQLiteStorage) DeleteJob(ctx context.Context, uniqueID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM job_infos WHERE unique_id = ?`, uniqueID); err != nil {
		return fmt.Errorf("delete job infos: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE unique_id = ?`, uniqueID); err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	return tx.Commit()
}

// RecordJobHistory mirrors _record_history: one JobHistory row plus one
// TaskHistory row per task, written atomically.
func (s *SQLiteStorage) RecordJobHistory(ctx context.Context, h *JobHistoryRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO job_history (unique_id, job_id, file_path) VALUES (?, ?, ?)`,
		h.UniqueID, h.JobID, h.FilePath,
	); err != nil {
		return fmt.Errorf("insert job history: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM task_history WHERE unique_id = ?`, h.UniqueID); err != nil {
		return fmt.Errorf("clear task history: %w", err)
	}
	for _, t := range h.Tasks {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO task_history (unique_id, task_name, state) VALUES (?, ?, ?)`,
			h.UniqueID, t.TaskName, t.State,
		); err != nil {
			return fmt.Errorf("insert task history: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStorage) GetJobHistory(ctx context.Context, uniqueID int64) (*JobHistoryRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT unique_id, job_id, file_path, created_at FROM job_history WHERE unique_id = ?`, uniqueID)

	h := &JobHistoryRecord{}
	if err := row.Scan(&h.UniqueID, &h.JobID, &h.FilePath, &h.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan job history: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT task_name, state FROM task_history WHERE unique_id = ?`, uniqueID)
	if err != nil {
		return nil, fmt.Errorf("query task history: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var t TaskOutcome
		if err := rows.Scan(&t.TaskName, &t.State); err != nil {
			return nil, fmt.Errorf("scan task history: %w", err)
		}
		h.Tasks = append(h.Tasks, t)
	}
	return h, rows.Err()
}

func (s *SQLiteStorage) ListJobHistory(ctx context.Context) ([]*JobHistoryRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT unique_id FROM job_history ORDER BY unique_id`)
	if err != nil {
		return nil, fmt.Errorf("query job history: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*JobHistoryRecord, 0, len(ids))
	for _, id := range ids {
		h, err := s.GetJobHistory(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, nil
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}
