// Package queue persists jobs and admits them one at a time: a job starts
// only when no other job is RUNNING anywhere that shares the store.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/jupark12/cropmask-pipeline/auditlog"
	"github.com/jupark12/cropmask-pipeline/models"
)

// Scheduler claims jobs and hands them to the executor via Jobs
type Scheduler struct {
	store    Store
	audit    *auditlog.Logger
	dispatch chan string
	notify   func(*models.Job)
	now      func() time.Time

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// NewScheduler creates a scheduler over store
func NewScheduler(store Store, audit *auditlog.Logger) *Scheduler {
	return &Scheduler{
		store:    store,
		audit:    audit,
		dispatch: make(chan string, 16),
		now:      time.Now,
		timers:   make(map[string]*time.Timer),
	}
}

// SetNotifier sets a callback run after a job is claimed
func (s *Scheduler) SetNotifier(fn func(*models.Job)) {
	s.notify = fn
}

// Jobs returns the channel of claimed job IDs
func (s *Scheduler) Jobs() <-chan string {
	return s.dispatch
}

// Store returns the underlying job store
func (s *Scheduler) Store() Store {
	return s.store
}

// QueueOrStart starts a job now when nothing else runs, otherwise leaves
// it PENDING for StartNextPending. A job scheduled in the future is left
// PENDING with a timer armed for its start time. It reports whether the
// job was claimed.
func (s *Scheduler) QueueOrStart(ctx context.Context, jobID string) (bool, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return false, err
	}
	if job.Status != models.StatusPending {
		return false, fmt.Errorf("job %s is %s: %w", jobID, job.Status, ErrInvalidTransition)
	}
	if !job.Due(s.now()) {
		s.arm(job.ID, *job.ScheduleAt)
		s.audit.Append(job.ID, "Scheduled for "+job.ScheduleAt.Format(time.RFC3339))
		return false, nil
	}
	return s.tryStart(ctx, job)
}

func (s *Scheduler) tryStart(ctx context.Context, job *models.Job) (bool, error) {
	err := s.store.ClaimRunning(ctx, job.ID)
	switch {
	case err == nil:
		s.started(ctx, job.ID)
		return true, nil
	case errors.Is(err, ErrAlreadyRunning):
		s.audit.Append(job.ID, "Queued (waiting for running job to finish)")
		log.Info().Str("job_id", job.ID).Msg("job queued behind running job")
		return false, nil
	default:
		return false, err
	}
}

// StartNextPending claims the oldest due PENDING job when nothing runs. It
// returns the started job ID, or "" when none was started.
func (s *Scheduler) StartNextPending(ctx context.Context) (string, error) {
	for {
		job, err := s.store.NextPending(ctx, s.now())
		if errors.Is(err, ErrNotFound) {
			return "", nil
		}
		if err != nil {
			return "", err
		}
		err = s.store.ClaimRunning(ctx, job.ID)
		switch {
		case err == nil:
			s.audit.Append(job.ID, "Queued (auto-started after previous job finished)")
			s.started(ctx, job.ID)
			return job.ID, nil
		case errors.Is(err, ErrAlreadyRunning):
			return "", nil
		case errors.Is(err, ErrInvalidTransition):
			// cancelled between lookup and claim
			continue
		default:
			return "", err
		}
	}
}

func (s *Scheduler) started(ctx context.Context, jobID string) {
	s.mu.Lock()
	if t, ok := s.timers[jobID]; ok {
		t.Stop()
		delete(s.timers, jobID)
	}
	s.mu.Unlock()

	log.Info().Str("job_id", jobID).Msg("job claimed")
	if s.notify != nil {
		if job, err := s.store.GetJob(ctx, jobID); err == nil {
			s.notify(job)
		}
	}
	s.dispatch <- jobID
}

func (s *Scheduler) arm(jobID string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[jobID]; ok {
		t.Stop()
	}
	s.timers[jobID] = time.AfterFunc(at.Sub(s.now()), func() {
		s.mu.Lock()
		delete(s.timers, jobID)
		s.mu.Unlock()

		ctx := context.Background()
		job, err := s.store.GetJob(ctx, jobID)
		if err != nil || job.Status != models.StatusPending {
			return
		}
		if _, err := s.tryStart(ctx, job); err != nil {
			log.Error().Err(err).Str("job_id", jobID).Msg("scheduled start failed")
		}
	})
}

// Recover re-arms timers of scheduled PENDING jobs and starts the next due
// one. It is run once when the process starts.
func (s *Scheduler) Recover(ctx context.Context) error {
	pending, err := s.store.ListJobs(ctx, models.StatusPending)
	if err != nil {
		return err
	}
	now := s.now()
	for _, job := range pending {
		if !job.Due(now) {
			s.arm(job.ID, *job.ScheduleAt)
		}
	}
	log.Info().Int("pending", len(pending)).Msg("loaded pending jobs")
	_, err = s.StartNextPending(ctx)
	return err
}

// Stop disarms every scheduled start
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}
