package queue

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jupark12/cropmask-pipeline/models"
)

//go:embed migrations
var migrationFS embed.FS

// migrations returns the schema files of a dialect; ReadDir yields them in name order
func migrations(dialect string) ([]string, error) {
	dir := "migrations/" + dialect
	entries, err := fs.ReadDir(migrationFS, dir)
	if err != nil {
		return nil, err
	}
	var scripts []string
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		data, err := migrationFS.ReadFile(dir + "/" + e.Name())
		if err != nil {
			return nil, err
		}
		scripts = append(scripts, string(data))
	}
	return scripts, nil
}

const jobColumns = `id, pipeline_config_id, year, country, states, crops, output_name, output_root,
	skip_inference, skip_merge, skip_area, gpu_count, status, current_step, progress_percent,
	task_id, chain_id, last_state, error_message, schedule_at, created_at, updated_at`

const outputColumns = `job_id, step, relative_path, absolute_path, size_bytes, bounds, file_modified_at, created_at, updated_at`

// SQLiteStore is a single-node Store backed by a SQLite file
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore opens path and applies the embedded schema
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// one connection serialises writers and keeps the claim update atomic
	db.SetMaxOpenConns(1)
	s := &SQLiteStore{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	scripts, err := migrations("sqlite")
	if err != nil {
		return err
	}
	for _, schema := range scripts {
		if _, err := s.db.Exec(schema); err != nil {
			return fmt.Errorf("apply migration: %w", err)
		}
	}
	return nil
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func unixNano(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func nullableNano(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: unixNano(*t), Valid: true}
}

func fromNano(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(0, n.Int64).UTC()
	return &t
}

// isRunningConflict reports a violation of the single-RUNNING index
func isRunningConflict(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed: jobs.status")
}

// CreateJob inserts a new job
func (s *SQLiteStore) CreateJob(ctx context.Context, job *models.Job) error {
	now := s.now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	states, err := json.Marshal(job.States)
	if err != nil {
		return fmt.Errorf("failed to encode states: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (`+jobColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.PipelineConfigID, job.Input.Year, job.Input.Country, string(states), job.Crops,
		job.OutputName, job.OutputRoot, job.SkipInference, job.SkipMerge, job.SkipArea, job.GPUCount,
		string(job.Status), string(job.CurrentStep), job.ProgressPercent, job.TaskID, job.ChainID,
		job.LastState, job.ErrorMessage, nullableNano(job.ScheduleAt), unixNano(job.CreatedAt), unixNano(job.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteJob(row rowScanner) (*models.Job, error) {
	var (
		job                  models.Job
		states               string
		status, step         string
		scheduleAt           sql.NullInt64
		createdAt, updatedAt int64
	)
	err := row.Scan(&job.ID, &job.PipelineConfigID, &job.Input.Year, &job.Input.Country, &states, &job.Crops,
		&job.OutputName, &job.OutputRoot, &job.SkipInference, &job.SkipMerge, &job.SkipArea, &job.GPUCount,
		&status, &step, &job.ProgressPercent, &job.TaskID, &job.ChainID, &job.LastState, &job.ErrorMessage,
		&scheduleAt, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(states), &job.States); err != nil {
		return nil, fmt.Errorf("failed to decode states of job %s: %w", job.ID, err)
	}
	job.Status = models.JobStatus(status)
	job.CurrentStep = models.Step(step)
	job.ScheduleAt = fromNano(scheduleAt)
	job.CreatedAt = time.Unix(0, createdAt).UTC()
	job.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return &job, nil
}

// GetJob retrieves a job by ID
func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*models.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanSQLiteJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job %s: %w", id, err)
	}
	return job, nil
}

// ListJobs returns jobs newest first
func (s *SQLiteStore) ListJobs(ctx context.Context, status models.JobStatus) ([]*models.Job, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if status == "" {
		rows, err = s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC`)
	} else {
		rows, err = s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE status = ? ORDER BY created_at DESC`, string(status))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanSQLiteJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// OutputNameExists reports whether any job already uses name
func (s *SQLiteStore) OutputNameExists(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM jobs WHERE output_name = ?)`, name).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check output name: %w", err)
	}
	return exists, nil
}

// UpdateJob writes the mutable fields of job
func (s *SQLiteStore) UpdateJob(ctx context.Context, job *models.Job) error {
	job.UpdatedAt = s.now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, current_step = ?, progress_percent = ?, task_id = ?, chain_id = ?,
		 last_state = ?, error_message = ?, skip_inference = ?, skip_merge = ?, skip_area = ?,
		 gpu_count = ?, schedule_at = ?, output_root = ?, updated_at = ?
		 WHERE id = ?`,
		string(job.Status), string(job.CurrentStep), job.ProgressPercent, job.TaskID, job.ChainID,
		job.LastState, job.ErrorMessage, job.SkipInference, job.SkipMerge, job.SkipArea,
		job.GPUCount, nullableNano(job.ScheduleAt), job.OutputRoot, unixNano(job.UpdatedAt), job.ID,
	)
	if isRunningConflict(err) {
		return ErrAlreadyRunning
	}
	if err != nil {
		return fmt.Errorf("failed to update job %s: %w", job.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func statusArgs(from []models.JobStatus) (string, []any) {
	marks := make([]string, len(from))
	args := make([]any, len(from))
	for i, st := range from {
		marks[i] = "?"
		args[i] = string(st)
	}
	return strings.Join(marks, ", "), args
}

// TransitionJob moves a job between statuses
func (s *SQLiteStore) TransitionJob(ctx context.Context, id string, from []models.JobStatus, to models.JobStatus, message string) error {
	marks, fromArgs := statusArgs(from)
	args := append([]any{string(to), message, unixNano(s.now()), id}, fromArgs...)
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, error_message = ?, updated_at = ?
		 WHERE id = ? AND status IN (`+marks+`)`, args...)
	if isRunningConflict(err) {
		return ErrAlreadyRunning
	}
	if err != nil {
		return fmt.Errorf("failed to transition job %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	if _, err := s.GetJob(ctx, id); err != nil {
		return err
	}
	return ErrInvalidTransition
}

// ClaimRunning atomically starts a PENDING job when no job is RUNNING
func (s *SQLiteStore) ClaimRunning(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'RUNNING', last_state = 'RUNNING', error_message = '', updated_at = ?
		 WHERE id = ? AND status = 'PENDING'
		   AND NOT EXISTS (SELECT 1 FROM jobs WHERE status = 'RUNNING')`,
		unixNano(s.now()), id)
	if isRunningConflict(err) {
		return ErrAlreadyRunning
	}
	if err != nil {
		return fmt.Errorf("failed to claim job %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if job.Status != models.StatusPending {
		return ErrInvalidTransition
	}
	return ErrAlreadyRunning
}

// NextPending returns the oldest due PENDING job
func (s *SQLiteStore) NextPending(ctx context.Context, now time.Time) (*models.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE status = 'PENDING' AND (schedule_at IS NULL OR schedule_at <= ?)
		 ORDER BY created_at ASC LIMIT 1`, unixNano(now))
	job, err := scanSQLiteJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find pending job: %w", err)
	}
	return job, nil
}

// UpsertOutput records an output, keyed by job and absolute path. Existing
// bounds are kept when out carries none.
func (s *SQLiteStore) UpsertOutput(ctx context.Context, out *models.JobOutput) error {
	now := s.now().UTC()
	var bounds sql.NullString
	if out.Bounds != nil {
		data, err := json.Marshal(out.Bounds)
		if err != nil {
			return fmt.Errorf("failed to encode bounds: %w", err)
		}
		bounds = sql.NullString{String: string(data), Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO job_outputs (`+outputColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(job_id, absolute_path) DO UPDATE SET
		   step = excluded.step,
		   relative_path = excluded.relative_path,
		   size_bytes = excluded.size_bytes,
		   bounds = COALESCE(excluded.bounds, job_outputs.bounds),
		   file_modified_at = excluded.file_modified_at,
		   updated_at = excluded.updated_at`,
		out.JobID, string(out.Step), out.RelativePath, out.AbsolutePath, out.SizeBytes, bounds,
		nullableNano(out.FileModifiedAt), unixNano(now), unixNano(now),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert output %s: %w", out.AbsolutePath, err)
	}
	return nil
}

// ListOutputs returns the outputs of a job
func (s *SQLiteStore) ListOutputs(ctx context.Context, jobID string, step models.OutputStep) ([]*models.JobOutput, error) {
	query := `SELECT ` + outputColumns + ` FROM job_outputs WHERE job_id = ?`
	args := []any{jobID}
	if step != "" {
		query += ` AND step = ?`
		args = append(args, string(step))
	}
	rows, err := s.db.QueryContext(ctx, query+` ORDER BY step, relative_path`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list outputs: %w", err)
	}
	defer rows.Close()

	var outs []*models.JobOutput
	for rows.Next() {
		var (
			out                  models.JobOutput
			step                 string
			bounds               sql.NullString
			modified             sql.NullInt64
			createdAt, updatedAt int64
		)
		if err := rows.Scan(&out.JobID, &step, &out.RelativePath, &out.AbsolutePath, &out.SizeBytes,
			&bounds, &modified, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan output: %w", err)
		}
		out.Step = models.OutputStep(step)
		if bounds.Valid {
			var b models.Bounds
			if err := json.Unmarshal([]byte(bounds.String), &b); err != nil {
				return nil, fmt.Errorf("failed to decode bounds: %w", err)
			}
			out.Bounds = &b
		}
		out.FileModifiedAt = fromNano(modified)
		out.CreatedAt = time.Unix(0, createdAt).UTC()
		out.UpdatedAt = time.Unix(0, updatedAt).UTC()
		outs = append(outs, &out)
	}
	return outs, rows.Err()
}
