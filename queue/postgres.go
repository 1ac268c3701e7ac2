package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jupark12/cropmask-pipeline/models"
)

// claimLockKey is the advisory lock serialising claims across processes
const claimLockKey = 0x63726f70

// PostgresStore is a Store shared by every node of a cluster
type PostgresStore struct {
	pool *pgxpool.Pool
}

// ConnectPostgres establishes a connection pool and applies the schema
func ConnectPostgres(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	s := &PostgresStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	scripts, err := migrations("postgres")
	if err != nil {
		return err
	}
	for _, schema := range scripts {
		if _, err := s.pool.Exec(ctx, schema); err != nil {
			return fmt.Errorf("apply migration: %w", err)
		}
	}
	return nil
}

// Close closes the connection pool
func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func isPgRunningConflict(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == "jobs_single_running"
}

// CreateJob inserts a new job
func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) error {
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	states := job.States
	if states == nil {
		states = []string{}
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO jobs (`+jobColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)`,
		job.ID, job.PipelineConfigID, job.Input.Year, job.Input.Country, states, job.Crops,
		job.OutputName, job.OutputRoot, job.SkipInference, job.SkipMerge, job.SkipArea, job.GPUCount,
		string(job.Status), string(job.CurrentStep), job.ProgressPercent, job.TaskID, job.ChainID,
		job.LastState, job.ErrorMessage, job.ScheduleAt, job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

func scanPgJob(row pgx.Row) (*models.Job, error) {
	var (
		job          models.Job
		status, step string
	)
	err := row.Scan(&job.ID, &job.PipelineConfigID, &job.Input.Year, &job.Input.Country, &job.States, &job.Crops,
		&job.OutputName, &job.OutputRoot, &job.SkipInference, &job.SkipMerge, &job.SkipArea, &job.GPUCount,
		&status, &step, &job.ProgressPercent, &job.TaskID, &job.ChainID, &job.LastState, &job.ErrorMessage,
		&job.ScheduleAt, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return nil, err
	}
	job.Status = models.JobStatus(status)
	job.CurrentStep = models.Step(step)
	return &job, nil
}

// GetJob retrieves a job by ID
func (s *PostgresStore) GetJob(ctx context.Context, id string) (*models.Job, error) {
	job, err := scanPgJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job %s: %w", id, err)
	}
	return job, nil
}

// ListJobs returns jobs newest first
func (s *PostgresStore) ListJobs(ctx context.Context, status models.JobStatus) ([]*models.Job, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if status == "" {
		rows, err = s.pool.Query(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC`)
	} else {
		rows, err = s.pool.Query(ctx, `SELECT `+jobColumns+` FROM jobs WHERE status = $1 ORDER BY created_at DESC`, string(status))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanPgJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// OutputNameExists reports whether any job already uses name
func (s *PostgresStore) OutputNameExists(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM jobs WHERE output_name = $1)`, name).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check output name: %w", err)
	}
	return exists, nil
}

// UpdateJob writes the mutable fields of job
func (s *PostgresStore) UpdateJob(ctx context.Context, job *models.Job) error {
	job.UpdatedAt = time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = $1, current_step = $2, progress_percent = $3, task_id = $4, chain_id = $5,
		 last_state = $6, error_message = $7, skip_inference = $8, skip_merge = $9, skip_area = $10,
		 gpu_count = $11, schedule_at = $12, output_root = $13, updated_at = $14
		 WHERE id = $15`,
		string(job.Status), string(job.CurrentStep), job.ProgressPercent, job.TaskID, job.ChainID,
		job.LastState, job.ErrorMessage, job.SkipInference, job.SkipMerge, job.SkipArea,
		job.GPUCount, job.ScheduleAt, job.OutputRoot, job.UpdatedAt, job.ID,
	)
	if isPgRunningConflict(err) {
		return ErrAlreadyRunning
	}
	if err != nil {
		return fmt.Errorf("failed to update job %s: %w", job.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// TransitionJob moves a job between statuses
func (s *PostgresStore) TransitionJob(ctx context.Context, id string, from []models.JobStatus, to models.JobStatus, message string) error {
	statuses := make([]string, len(from))
	for i, st := range from {
		statuses[i] = string(st)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = $1, error_message = $2, updated_at = NOW()
		 WHERE id = $3 AND status = ANY($4)`,
		string(to), message, id, statuses)
	if isPgRunningConflict(err) {
		return ErrAlreadyRunning
	}
	if err != nil {
		return fmt.Errorf("failed to transition job %s: %w", id, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	if _, err := s.GetJob(ctx, id); err != nil {
		return err
	}
	return ErrInvalidTransition
}

// ClaimRunning starts a PENDING job inside a transaction holding the claim
// advisory lock, so claims from every node are serialised
func (s *PostgresStore) ClaimRunning(ctx context.Context, id string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin claim: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(claimLockKey)); err != nil {
		return fmt.Errorf("failed to lock claim: %w", err)
	}

	var status string
	err = tx.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read job %s: %w", id, err)
	}
	if models.JobStatus(status) != models.StatusPending {
		return ErrInvalidTransition
	}

	var running bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM jobs WHERE status = 'RUNNING')`).Scan(&running); err != nil {
		return fmt.Errorf("failed to check running jobs: %w", err)
	}
	if running {
		return ErrAlreadyRunning
	}

	_, err = tx.Exec(ctx,
		`UPDATE jobs SET status = 'RUNNING', last_state = 'RUNNING', error_message = '', updated_at = NOW()
		 WHERE id = $1`, id)
	if isPgRunningConflict(err) {
		return ErrAlreadyRunning
	}
	if err != nil {
		return fmt.Errorf("failed to claim job %s: %w", id, err)
	}
	return tx.Commit(ctx)
}

// NextPending returns the oldest due PENDING job
func (s *PostgresStore) NextPending(ctx context.Context, now time.Time) (*models.Job, error) {
	job, err := scanPgJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE status = 'PENDING' AND (schedule_at IS NULL OR schedule_at <= $1)
		 ORDER BY created_at ASC LIMIT 1`, now))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find pending job: %w", err)
	}
	return job, nil
}

// UpsertOutput records an output, keyed by job and absolute path. Existing
// bounds are kept when out carries none.
func (s *PostgresStore) UpsertOutput(ctx context.Context, out *models.JobOutput) error {
	var bounds []byte
	if out.Bounds != nil {
		data, err := json.Marshal(out.Bounds)
		if err != nil {
			return fmt.Errorf("failed to encode bounds: %w", err)
		}
		bounds = data
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO job_outputs (job_id, step, relative_path, absolute_path, size_bytes, bounds, file_modified_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (job_id, absolute_path) DO UPDATE SET
		   step = EXCLUDED.step,
		   relative_path = EXCLUDED.relative_path,
		   size_bytes = EXCLUDED.size_bytes,
		   bounds = COALESCE(EXCLUDED.bounds, job_outputs.bounds),
		   file_modified_at = EXCLUDED.file_modified_at,
		   updated_at = NOW()`,
		out.JobID, string(out.Step), out.RelativePath, out.AbsolutePath, out.SizeBytes, bounds, out.FileModifiedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert output %s: %w", out.AbsolutePath, err)
	}
	return nil
}

// ListOutputs returns the outputs of a job
func (s *PostgresStore) ListOutputs(ctx context.Context, jobID string, step models.OutputStep) ([]*models.JobOutput, error) {
	query := `SELECT ` + outputColumns + ` FROM job_outputs WHERE job_id = $1`
	args := []any{jobID}
	if step != "" {
		query += ` AND step = $2`
		args = append(args, string(step))
	}
	rows, err := s.pool.Query(ctx, query+` ORDER BY step, relative_path`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list outputs: %w", err)
	}
	defer rows.Close()

	var outs []*models.JobOutput
	for rows.Next() {
		var (
			out    models.JobOutput
			step   string
			bounds []byte
		)
		if err := rows.Scan(&out.JobID, &step, &out.RelativePath, &out.AbsolutePath, &out.SizeBytes,
			&bounds, &out.FileModifiedAt, &out.CreatedAt, &out.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan output: %w", err)
		}
		out.Step = models.OutputStep(step)
		if bounds != nil {
			var b models.Bounds
			if err := json.Unmarshal(bounds, &b); err != nil {
				return nil, fmt.Errorf("failed to decode bounds: %w", err)
			}
			out.Bounds = &b
		}
		outs = append(outs, &out)
	}
	return outs, rows.Err()
}
