package queue

import (
	"context"
	"errors"
	"time"

	"github.com/jupark12/cropmask-pipeline/models"
)

var (
	// ErrNotFound is returned when a job does not exist, or when no job
	// matches a lookup such as NextPending
	ErrNotFound = errors.New("job not found")
	// ErrAlreadyRunning is returned by ClaimRunning while another job runs
	ErrAlreadyRunning = errors.New("another job is running")
	// ErrInvalidTransition is returned when a job is not in a status the
	// requested change can start from
	ErrInvalidTransition = errors.New("invalid job status transition")
)

// Store persists jobs and their catalogued outputs.
//
// ClaimRunning is the only way a job becomes RUNNING and is atomic across
// every process sharing the store: at most one job is RUNNING at a time.
type Store interface {
	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id string) (*models.Job, error)
	// ListJobs returns jobs newest first; an empty status lists all
	ListJobs(ctx context.Context, status models.JobStatus) ([]*models.Job, error)
	OutputNameExists(ctx context.Context, name string) (bool, error)
	// UpdateJob writes the mutable fields of job and refreshes UpdatedAt
	UpdateJob(ctx context.Context, job *models.Job) error
	// TransitionJob moves a job from one of the from statuses to to,
	// recording message as its error message
	TransitionJob(ctx context.Context, id string, from []models.JobStatus, to models.JobStatus, message string) error
	// ClaimRunning moves a PENDING job to RUNNING unless another job is
	// RUNNING (ErrAlreadyRunning). A job that is not PENDING yields
	// ErrInvalidTransition.
	ClaimRunning(ctx context.Context, id string) error
	// NextPending returns the oldest PENDING job whose schedule is due
	NextPending(ctx context.Context, now time.Time) (*models.Job, error)

	UpsertOutput(ctx context.Context, out *models.JobOutput) error
	// ListOutputs returns outputs ordered by step then path; an empty
	// step lists all
	ListOutputs(ctx context.Context, jobID string, step models.OutputStep) ([]*models.JobOutput, error)

	Close() error
}
