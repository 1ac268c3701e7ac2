// Package outputs catalogues the files a job produced under each output
// directory family.
package outputs

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/jupark12/cropmask-pipeline/models"
)

// Store persists catalogued outputs. Upserts are keyed by (job, absolute path).
type Store interface {
	UpsertOutput(ctx context.Context, out *models.JobOutput) error
}

// Base returns the directory holding a job's files of the given step
func Base(job *models.Job, step models.OutputStep) string {
	return filepath.Join(job.OutputRoot, string(step))
}

// Belongs reports whether path, found under base, was produced for job.
// An empty state or crop selection accepts any value.
func Belongs(job *models.Job, step models.OutputStep, path, base string) bool {
	year := strings.TrimSpace(job.Input.Year)
	country := strings.TrimSpace(job.Input.Country)
	if year == "" || country == "" {
		return false
	}
	rel, err := filepath.Rel(base, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return false
	}
	states := job.StateSet()
	crops := map[string]bool{}
	if schema, err := models.ParseCrops(job.Crops); err == nil {
		crops = schema.Set()
	}

	switch step {
	case models.OutputInference, models.OutputMerge:
		parts := strings.Split(filepath.ToSlash(rel), "/")
		if len(parts) < 5 || parts[0] != year || parts[1] != country {
			return false
		}
		if len(states) > 0 && !states[parts[2]] {
			return false
		}
		if len(crops) > 0 && !crops[parts[3]] {
			return false
		}
		return true
	case models.OutputArea:
		name := filepath.Base(path)
		if filepath.Ext(name) != ".csv" {
			return false
		}
		stem := strings.TrimSuffix(name, ".csv")
		prefix := year + "_" + country + "_"
		if !strings.HasPrefix(stem, prefix) {
			return false
		}
		return len(crops) == 0 || crops[strings.TrimPrefix(stem, prefix)]
	}
	return true
}

// Sync walks base and upserts every file that belongs to job. A missing
// base directory is not an error. It returns the number of files recorded.
func Sync(ctx context.Context, store Store, job *models.Job, step models.OutputStep, base string) (int, error) {
	if _, err := os.Stat(base); errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	n := 0
	err := filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !Belongs(job, step, path, base) {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		out, err := NewOutput(job.ID, step, path, base, info)
		if err != nil {
			return err
		}
		if err := store.UpsertOutput(ctx, out); err != nil {
			return err
		}
		n++
		return nil
	})
	return n, err
}

// NewOutput describes a file found under base
func NewOutput(jobID string, step models.OutputStep, path, base string, info fs.FileInfo) (*models.JobOutput, error) {
	rel, err := filepath.Rel(base, path)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	mod := info.ModTime().UTC()
	return &models.JobOutput{
		JobID:          jobID,
		Step:           step,
		RelativePath:   filepath.ToSlash(rel),
		AbsolutePath:   abs,
		SizeBytes:      info.Size(),
		FileModifiedAt: &mod,
	}, nil
}
