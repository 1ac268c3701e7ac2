package progress

import (
	"context"
	"errors"
)

// ErrCancelled is returned by engines that stopped because the job's cancel
// flag was raised. It is never a processing failure.
var ErrCancelled = errors.New("job cancelled")

// Token is the cancellation token of one job. Engines poll it between units
// of work; a unit that has started always runs to completion.
type Token struct {
	store *Store
	jobID string
}

// Token returns the cancellation token of a job
func (s *Store) Token(jobID string) Token {
	return Token{store: s, jobID: jobID}
}

// JobID returns the job the token belongs to
func (t Token) JobID() string {
	return t.jobID
}

// Cancelled reports whether the job has been asked to stop
func (t Token) Cancelled(ctx context.Context) bool {
	if t.store == nil {
		return false
	}
	return t.store.IsCancelled(ctx, t.jobID)
}

// Check returns ErrCancelled when the job has been asked to stop
func (t Token) Check(ctx context.Context) error {
	if t.Cancelled(ctx) {
		return ErrCancelled
	}
	return nil
}
