// Package statestore implements C1, the durable StateStore, as a
// single-writer-acceptable embedded SQLite database (spec.md §4.1, §6).
// Grounded on the claim-based atomic-dequeue pattern of
// bobmcallan-vire/internal/storage/surrealdb/jobqueue.go and the relational
// schema original_source/fitness_toolkit/database.py uses for the same
// domain (jobs/items/accounts tables, WAL mode).
package statestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/bobmcallan/fittransfer/internal/common"
	"github.com/bobmcallan/fittransfer/internal/models"
	"github.com/bobmcallan/fittransfer/internal/transfer"
)

// Store is a SQLite-backed StateStore. All mutations serialize through mu —
// spec.md §4.1 permits a store-level write lock at this throughput target.
type Store struct {
	db     *sql.DB
	mu     sync.Mutex
	logger *common.Logger
}

// Open opens (creating if absent) the SQLite database at path, enables WAL
// mode, and applies the schema.
func Open(path string, logger *common.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // single-writer; matches the store-level lock below

	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying handle so collaborators that share the same
// SQLite file (secrets.Store's accounts table) don't open a second
// connection pool against a single-writer database.
func (s *Store) DB() *sql.DB { return s.db }

// CreateJob implements spec.md §4.1 create_job: atomic creation of one Job
// row and N Item rows with status=pending.
func (s *Store) CreateJob(ctx context.Context, job *models.Job, activities []models.Activity) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", &transfer.DataIntegrityError{Reason: err.Error()}
	}
	defer tx.Rollback()

	job.ID = uuid.NewString()
	job.Total = len(activities)
	sportFilterJSON, _ := json.Marshal(job.SportFilter)
	settingsJSON, _ := json.Marshal(job.SettingsSnapshot)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO jobs (id, status, start_date, end_date, sport_filter, settings_snapshot, total, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Status, job.StartDate.Format(time.RFC3339), job.EndDate.Format(time.RFC3339),
		string(sportFilterJSON), string(settingsJSON), job.Total, job.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return "", &transfer.DataIntegrityError{Reason: err.Error()}
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, a := range activities {
		itemID := uuid.NewString()
		_, err = tx.ExecContext(ctx, `
			INSERT INTO items (id, job_id, source_id, sport_code, activity_name, activity_time, status, metadata_status, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			itemID, job.ID, a.SourceID, a.SportCode, a.Name, a.StartTime,
			models.ItemStatusPending, models.MetadataStatusPending, now,
		)
		if err != nil {
			return "", &transfer.DataIntegrityError{Reason: err.Error()}
		}
	}

	if err := tx.Commit(); err != nil {
		return "", &transfer.DataIntegrityError{Reason: err.Error()}
	}
	return job.ID, nil
}

func scanJob(row interface {
	Scan(dest ...interface{}) error
}) (*models.Job, error) {
	var j models.Job
	var sportFilterJSON, settingsJSON string
	var startDate, endDate, createdAt string
	var startedAt, completedAt sql.NullString

	err := row.Scan(&j.ID, &j.Status, &startDate, &endDate, &sportFilterJSON, &settingsJSON,
		&j.Total, &j.Completed, &j.Success, &j.Skipped, &j.Failed, &j.ErrorMessage,
		&createdAt, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	j.StartDate, _ = time.Parse(time.RFC3339, startDate)
	j.EndDate, _ = time.Parse(time.RFC3339, endDate)
	j.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	_ = json.Unmarshal([]byte(sportFilterJSON), &j.SportFilter)
	_ = json.Unmarshal([]byte(settingsJSON), &j.SettingsSnapshot)
	if startedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, startedAt.String)
		j.StartedAt = &t
	}
	if completedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, completedAt.String)
		j.CompletedAt = &t
	}
	return &j, nil
}

const jobColumns = `id, status, start_date, end_date, sport_filter, settings_snapshot,
	total, completed, success, skipped, failed, error_message, created_at, started_at, completed_at`

// GetJob implements spec.md §4.1 get_job.
func (s *Store) GetJob(ctx context.Context, id string) (*models.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("job %s not found", id)
	}
	return job, err
}

// ListJobs implements spec.md §4.1 list_jobs (most recent first); limit<=0 means unbounded.
func (s *Store) ListJobs(ctx context.Context, limit int) ([]*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs ORDER BY created_at DESC`
	args := []interface{}{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func scanItem(row interface {
	Scan(dest ...interface{}) error
}) (*models.Item, error) {
	var it models.Item
	var updatedAt string
	err := row.Scan(&it.ID, &it.JobID, &it.SourceID, &it.SportCode, &it.ActivityName, &it.ActivityTime,
		&it.Status, &it.RetryCount, &it.LocalPath, &it.SinkID, &it.ErrorMessage,
		&it.MetadataStatus, &it.MetadataError, &updatedAt)
	if err != nil {
		return nil, err
	}
	it.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &it, nil
}

const itemColumns = `id, job_id, source_id, sport_code, activity_name, activity_time,
	status, retry_count, local_path, sink_id, error_message, metadata_status, metadata_error, updated_at`

// ListItems implements spec.md §4.1 list_items; status == "" means all statuses.
func (s *Store) ListItems(ctx context.Context, jobID string, status string, limit int) ([]*models.Item, error) {
	query := `SELECT ` + itemColumns + ` FROM items WHERE job_id = ?`
	args := []interface{}{jobID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY id ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.queryItems(ctx, query, args...)
}

// PendingItems implements spec.md §4.1 pending_items, ordered by ascending
// id (spec.md §5 "Items within a job are claimed in ascending id order").
func (s *Store) PendingItems(ctx context.Context, jobID string, limit int) ([]*models.Item, error) {
	query := `SELECT ` + itemColumns + ` FROM items WHERE job_id = ? AND status = ? ORDER BY id ASC`
	args := []interface{}{jobID, models.ItemStatusPending}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.queryItems(ctx, query, args...)
}

func (s *Store) queryItems(ctx context.Context, query string, args ...interface{}) ([]*models.Item, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// UpdateJobStatus implements spec.md §4.1 update_job_status: sets
// timestamps per the §3 rule (started_at on first transition into running,
// completed_at on entering any terminal status).
func (s *Store) UpdateJobStatus(ctx context.Context, id string, status string, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	query := `UPDATE jobs SET status = ?, error_message = ?`
	args := []interface{}{status, errMsg}

	if status == models.JobStatusRunning {
		query += `, started_at = COALESCE(started_at, ?)`
		args = append(args, now)
	}
	if models.IsTerminalJobStatus(status) {
		query += `, completed_at = ?`
		args = append(args, now)
	}
	query += ` WHERE id = ?`
	args = append(args, id)

	_, err := s.db.ExecContext(ctx, query, args...)
	return err
}

// UpdateItem implements spec.md §4.1 update_item: partial update, always
// bumps updated_at.
func (s *Store) UpdateItem(ctx context.Context, id string, patch models.ItemPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	set := []string{"updated_at = ?"}
	args := []interface{}{time.Now().UTC().Format(time.RFC3339Nano)}

	if patch.Status != nil {
		set = append(set, "status = ?")
		args = append(args, *patch.Status)
	}
	if patch.ErrorMessage != nil {
		set = append(set, "error_message = ?")
		args = append(args, *patch.ErrorMessage)
	}
	if patch.SinkID != nil {
		set = append(set, "sink_id = ?")
		args = append(args, *patch.SinkID)
	}
	if patch.LocalPath != nil {
		set = append(set, "local_path = ?")
		args = append(args, *patch.LocalPath)
	}
	if patch.MetadataStatus != nil {
		set = append(set, "metadata_status = ?")
		args = append(args, *patch.MetadataStatus)
	}
	if patch.MetadataError != nil {
		set = append(set, "metadata_error = ?")
		args = append(args, *patch.MetadataError)
	}

	query := "UPDATE items SET "
	for i, s := range set {
		if i > 0 {
			query += ", "
		}
		query += s
	}
	query += " WHERE id = ?"
	args = append(args, id)

	// A cancelled item is force-set to failed (CancelJob) independently of
	// any in-flight goroutine still processing it; once failed, a later
	// success/skipped write from that goroutine must lose the race rather
	// than resurrect it (spec.md §8: a cancelled item never transitions to
	// success or skipped).
	if patch.Status != nil && (*patch.Status == models.ItemStatusSuccess || *patch.Status == models.ItemStatusSkipped) {
		query += " AND status != ?"
		args = append(args, models.ItemStatusFailed)
	}

	_, err := s.db.ExecContext(ctx, query, args...)
	return err
}

// IncrementRetry implements spec.md §4.1 increment_retry.
func (s *Store) IncrementRetry(ctx context.Context, itemID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `UPDATE items SET retry_count = retry_count + 1, updated_at = ? WHERE id = ?`,
		time.Now().UTC().Format(time.RFC3339Nano), itemID)
	if err != nil {
		return 0, err
	}
	var count int
	err = s.db.QueryRowContext(ctx, `SELECT retry_count FROM items WHERE id = ?`, itemID).Scan(&count)
	return count, err
}

// RecomputeCounts implements spec.md §4.1 recompute_counts: recalculates
// from items and writes back to the job atomically.
func (s *Store) RecomputeCounts(ctx context.Context, jobID string) (models.JobCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var counts models.JobCounts
	row := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			SUM(CASE WHEN status IN (?, ?, ?) THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = ? THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = ? THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = ? THEN 1 ELSE 0 END)
		FROM items WHERE job_id = ?`,
		models.ItemStatusSuccess, models.ItemStatusSkipped, models.ItemStatusFailed,
		models.ItemStatusSuccess, models.ItemStatusSkipped, models.ItemStatusFailed, jobID)

	var completed, success, skipped, failed sql.NullInt64
	if err := row.Scan(&counts.Total, &completed, &success, &skipped, &failed); err != nil {
		return counts, &transfer.DataIntegrityError{Reason: err.Error()}
	}
	counts.Completed = int(completed.Int64)
	counts.Success = int(success.Int64)
	counts.Skipped = int(skipped.Int64)
	counts.Failed = int(failed.Int64)

	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET total = ?, completed = ?, success = ?, skipped = ?, failed = ? WHERE id = ?`,
		counts.Total, counts.Completed, counts.Success, counts.Skipped, counts.Failed, jobID)
	if err != nil {
		return counts, &transfer.DataIntegrityError{Reason: err.Error()}
	}
	return counts, nil
}

// CancelJob implements spec.md §4.1 cancel_job: no-op on terminal jobs;
// otherwise fails pending items with the distinguished cancelled error,
// marks the job cancelled, then recomputes counts.
func (s *Store) CancelJob(ctx context.Context, id string) error {
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if models.IsTerminalJobStatus(job.Status) {
		return nil
	}

	s.mu.Lock()
	_, err = s.db.ExecContext(ctx, `
		UPDATE items SET status = ?, error_message = ?, updated_at = ?
		WHERE job_id = ? AND status = ?`,
		models.ItemStatusFailed, models.CancelledError, time.Now().UTC().Format(time.RFC3339Nano),
		id, models.ItemStatusPending)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	if err := s.UpdateJobStatus(ctx, id, models.JobStatusCancelled, ""); err != nil {
		return err
	}
	_, err = s.RecomputeCounts(ctx, id)
	return err
}

// DeleteJob implements spec.md §4.1 delete_job: removes items then job.
func (s *Store) DeleteJob(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM items WHERE job_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

// GetSettings returns the persisted settings document, or the default if
// none has been saved yet.
func (s *Store) GetSettings(ctx context.Context) (models.Settings, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT document FROM settings WHERE id = 1`).Scan(&doc)
	if err == sql.ErrNoRows {
		return models.DefaultSettings(), nil
	}
	if err != nil {
		return models.Settings{}, err
	}
	var settings models.Settings
	if err := json.Unmarshal([]byte(doc), &settings); err != nil {
		return models.Settings{}, err
	}
	return settings, nil
}

// SaveSettings persists the settings document singleton.
func (s *Store) SaveSettings(ctx context.Context, settings models.Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := json.Marshal(settings)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO settings (id, document) VALUES (1, ?)
		ON CONFLICT(id) DO UPDATE SET document = excluded.document`, string(doc))
	return err
}
