package queue

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jupark12/cropmask-pipeline/models"
)

func newSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

var epoch = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

func pendingJob(id string, created time.Time) *models.Job {
	return &models.Job{
		ID:         id,
		Input:      models.JobInput{Year: "2024", Country: "USA"},
		States:     []string{"Kansas", "Iowa"},
		Crops:      "corn,soybean",
		OutputName: "run-" + id,
		OutputRoot: "/out/run-" + id,
		GPUCount:   -1,
		Status:     models.StatusPending,
		CreatedAt:  created,
	}
}

func TestSQLiteStore_CreateAndGet(t *testing.T) {
	s := newSQLite(t)
	ctx := context.Background()
	at := epoch.Add(time.Hour)
	job := pendingJob("a", epoch)
	job.ScheduleAt = &at
	job.SkipMerge = true
	require.NoError(t, s.CreateJob(ctx, job))

	got, err := s.GetJob(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []string{"Kansas", "Iowa"}, got.States)
	assert.Equal(t, models.JobInput{Year: "2024", Country: "USA"}, got.Input)
	assert.Equal(t, "corn,soybean", got.Crops)
	assert.True(t, got.SkipMerge)
	assert.False(t, got.SkipArea)
	assert.Equal(t, -1, got.GPUCount)
	assert.Equal(t, models.StatusPending, got.Status)
	require.NotNil(t, got.ScheduleAt)
	assert.True(t, at.Equal(*got.ScheduleAt))
	assert.True(t, epoch.Equal(got.CreatedAt))

	_, err = s.GetJob(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	exists, err := s.OutputNameExists(ctx, "run-a")
	require.NoError(t, err)
	assert.True(t, exists)
	exists, err = s.OutputNameExists(ctx, "run-b")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestSQLiteStore_ListJobs(t *testing.T) {
	s := newSQLite(t)
	ctx := context.Background()
	require.NoError(t, s.CreateJob(ctx, pendingJob("a", epoch)))
	require.NoError(t, s.CreateJob(ctx, pendingJob("b", epoch.Add(time.Minute))))
	require.NoError(t, s.TransitionJob(ctx, "a", []models.JobStatus{models.StatusPending}, models.StatusCancelled, "Cancelled by user."))

	all, err := s.ListJobs(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "b", all[0].ID)

	cancelled, err := s.ListJobs(ctx, models.StatusCancelled)
	require.NoError(t, err)
	require.Len(t, cancelled, 1)
	assert.Equal(t, "Cancelled by user.", cancelled[0].ErrorMessage)
}

func TestSQLiteStore_ClaimRunningAdmitsOne(t *testing.T) {
	s := newSQLite(t)
	ctx := context.Background()
	ids := []string{"a", "b", "c", "d", "e", "f"}
	for i, id := range ids {
		require.NoError(t, s.CreateJob(ctx, pendingJob(id, epoch.Add(time.Duration(i)*time.Second))))
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed []string
	)
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			err := s.ClaimRunning(ctx, id)
			if err == nil {
				mu.Lock()
				claimed = append(claimed, id)
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, ErrAlreadyRunning)
		}(id)
	}
	wg.Wait()
	assert.Len(t, claimed, 1)

	running, err := s.ListJobs(ctx, models.StatusRunning)
	require.NoError(t, err)
	assert.Len(t, running, 1)
}

func TestSQLiteStore_ClaimRejectsNonPending(t *testing.T) {
	s := newSQLite(t)
	ctx := context.Background()
	require.NoError(t, s.CreateJob(ctx, pendingJob("a", epoch)))
	require.NoError(t, s.TransitionJob(ctx, "a", []models.JobStatus{models.StatusPending}, models.StatusCancelled, ""))

	assert.ErrorIs(t, s.ClaimRunning(ctx, "a"), ErrInvalidTransition)
	assert.ErrorIs(t, s.ClaimRunning(ctx, "nope"), ErrNotFound)
}

func TestSQLiteStore_UpdateCannotCreateSecondRunning(t *testing.T) {
	s := newSQLite(t)
	ctx := context.Background()
	require.NoError(t, s.CreateJob(ctx, pendingJob("a", epoch)))
	require.NoError(t, s.CreateJob(ctx, pendingJob("b", epoch)))
	require.NoError(t, s.ClaimRunning(ctx, "a"))

	b, err := s.GetJob(ctx, "b")
	require.NoError(t, err)
	b.Status = models.StatusRunning
	assert.True(t, errors.Is(s.UpdateJob(ctx, b), ErrAlreadyRunning))
}

func TestSQLiteStore_TransitionJob(t *testing.T) {
	s := newSQLite(t)
	ctx := context.Background()
	require.NoError(t, s.CreateJob(ctx, pendingJob("a", epoch)))
	require.NoError(t, s.ClaimRunning(ctx, "a"))

	err := s.TransitionJob(ctx, "a", []models.JobStatus{models.StatusPending}, models.StatusCancelled, "")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	terminal := []models.JobStatus{models.StatusSuccess, models.StatusFailed, models.StatusCancelled}
	require.NoError(t, s.TransitionJob(ctx, "a", []models.JobStatus{models.StatusRunning}, models.StatusFailed, "boom"))
	require.NoError(t, s.TransitionJob(ctx, "a", terminal, models.StatusPending, ""))

	job, err := s.GetJob(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, job.Status)
	assert.Empty(t, job.ErrorMessage)
}

func TestSQLiteStore_NextPending(t *testing.T) {
	s := newSQLite(t)
	ctx := context.Background()
	later := epoch.Add(time.Hour)

	scheduled := pendingJob("scheduled", epoch)
	scheduled.ScheduleAt = &later
	require.NoError(t, s.CreateJob(ctx, scheduled))
	require.NoError(t, s.CreateJob(ctx, pendingJob("second", epoch.Add(2*time.Minute))))
	require.NoError(t, s.CreateJob(ctx, pendingJob("first", epoch.Add(time.Minute))))

	job, err := s.NextPending(ctx, epoch.Add(10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "first", job.ID)

	job, err = s.NextPending(ctx, later)
	require.NoError(t, err)
	assert.Equal(t, "scheduled", job.ID)

	for _, id := range []string{"scheduled", "first", "second"} {
		require.NoError(t, s.TransitionJob(ctx, id, []models.JobStatus{models.StatusPending}, models.StatusCancelled, ""))
	}
	_, err = s.NextPending(ctx, later)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore_UpsertOutput(t *testing.T) {
	s := newSQLite(t)
	ctx := context.Background()
	require.NoError(t, s.CreateJob(ctx, pendingJob("a", epoch)))

	mod := epoch
	out := &models.JobOutput{
		JobID:          "a",
		Step:           models.OutputThumbnail,
		RelativePath:   "2024/USA/Kansas/Corn/x.png",
		AbsolutePath:   "/out/mask_thumbnails/2024/USA/Kansas/Corn/x.png",
		SizeBytes:      10,
		Bounds:         &models.Bounds{{40, -102}, {37, -94.6}},
		FileModifiedAt: &mod,
	}
	require.NoError(t, s.UpsertOutput(ctx, out))

	// a later sync without bounds keeps them
	resync := *out
	resync.Bounds = nil
	resync.SizeBytes = 20
	require.NoError(t, s.UpsertOutput(ctx, &resync))

	require.NoError(t, s.UpsertOutput(ctx, &models.JobOutput{
		JobID: "a", Step: models.OutputArea, RelativePath: "2024_USA_Corn.csv", AbsolutePath: "/out/calculate_area/2024_USA_Corn.csv",
	}))

	outs, err := s.ListOutputs(ctx, "a", "")
	require.NoError(t, err)
	require.Len(t, outs, 2)
	assert.Equal(t, models.OutputArea, outs[0].Step)
	assert.Equal(t, int64(20), outs[1].SizeBytes)
	require.NotNil(t, outs[1].Bounds)
	assert.Equal(t, models.Bounds{{40, -102}, {37, -94.6}}, *outs[1].Bounds)
	require.NotNil(t, outs[1].FileModifiedAt)
	assert.True(t, epoch.Equal(*outs[1].FileModifiedAt))

	thumbs, err := s.ListOutputs(ctx, "a", models.OutputThumbnail)
	require.NoError(t, err)
	assert.Len(t, thumbs, 1)
}
