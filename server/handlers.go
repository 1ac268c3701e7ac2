package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/jupark12/cropmask-pipeline/models"
	"github.com/jupark12/cropmask-pipeline/outputs"
	"github.com/jupark12/cropmask-pipeline/queue"
)

// collisionSuffix is appended to an output name that is already taken
const collisionSuffix = "20060102_150405"

// CreateJobRequest is the body of POST /jobs
type CreateJobRequest struct {
	Year             string     `json:"year" validate:"required"`
	Country          string     `json:"country" validate:"required"`
	States           []string   `json:"states" validate:"required,min=1,dive,required"`
	Crops            string     `json:"crops" validate:"required"`
	OutputName       string     `json:"output_name" validate:"omitempty,max=128,excludesall=/\\"`
	PipelineConfigID string     `json:"pipeline_config_id"`
	GPUCount         int        `json:"gpu_count" validate:"gte=-1"`
	SkipInference    bool       `json:"skip_inference"`
	SkipMerge        bool       `json:"skip_merge"`
	SkipArea         bool       `json:"skip_area"`
	ScheduleAt       *time.Time `json:"schedule_at"`
}

// CreateJobResponse is returned by POST /jobs
type CreateJobResponse struct {
	JobID         string           `json:"job_id"`
	OutputDirName string           `json:"output_dir_name"`
	Collision     bool             `json:"collision"`
	GPUCount      int              `json:"gpu_count"`
	Status        models.JobStatus `json:"status"`
}

// RetryRequest is the optional body of POST /jobs/{id}/retry. Absent flags
// keep the job's current setting.
type RetryRequest struct {
	SkipInference *bool `json:"skip_inference"`
	SkipMerge     *bool `json:"skip_merge"`
	SkipArea      *bool `json:"skip_area"`
}

// OutputEntry is one catalogued file in GET /jobs/{id}/outputs
type OutputEntry struct {
	RelativePath   string         `json:"relative_path"`
	AbsolutePath   string         `json:"absolute_path"`
	SizeBytes      int64          `json:"size_bytes"`
	Bounds         *models.Bounds `json:"bounds"`
	FileModifiedAt *time.Time     `json:"file_modified_at"`
}

// LogEntry is one audit file of a job
type LogEntry struct {
	Name           string    `json:"name"`
	SizeBytes      int64     `json:"size_bytes"`
	FileModifiedAt time.Time `json:"file_modified_at"`
}

// OutputsResponse is returned by GET /jobs/{id}/outputs
type OutputsResponse struct {
	JobID      string                   `json:"job_id"`
	OutputPath string                   `json:"output_path"`
	Steps      map[string][]OutputEntry `json:"steps"`
	Logs       []LogEntry               `json:"logs"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		ve := verrs[0]
		return fmt.Sprintf("validation error: %s - %s", ve.Field(), ve.Tag())
	}
	return "validation error: invalid request"
}

// loadJob writes a 404 and returns nil when the job does not exist
func (s *Server) loadJob(w http.ResponseWriter, r *http.Request) *models.Job {
	id := chi.URLParam(r, "id")
	job, err := s.store.GetJob(r.Context(), id)
	if errors.Is(err, queue.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Job not found.")
		return nil
	}
	if err != nil {
		log.Error().Err(err).Str("job_id", id).Msg("failed to load job")
		writeError(w, http.StatusInternalServerError, "Failed to load job.")
		return nil
	}
	return job
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req CreateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body.")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return
	}
	if req.OutputName == "." || req.OutputName == ".." {
		writeError(w, http.StatusBadRequest, "Invalid output name.")
		return
	}
	if _, err := models.ParseCrops(req.Crops); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	pipelineID := req.PipelineConfigID
	if pipelineID == "" {
		pipelineID = s.opts.DefaultPipeline
	}
	if pipelineID != "" {
		pc, ok := s.lookupPipeline(pipelineID)
		if !ok {
			writeError(w, http.StatusBadRequest, "Unknown pipeline config: "+pipelineID)
			return
		}
		if pc.Country != "" && pc.Country != req.Country {
			writeError(w, http.StatusBadRequest, "Selected model preset does not match the chosen country.")
			return
		}
	}

	if req.GPUCount > 0 && s.opts.GPUs != nil {
		if available := s.opts.GPUs.Count(r.Context()); available > 0 && req.GPUCount > available {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("gpu_count exceeds available GPUs (%d).", available))
			return
		}
	}

	jobID := uuid.NewString()
	name := req.OutputName
	if name == "" {
		name = jobID
	}
	collision, err := s.outputTaken(r, name)
	if err != nil {
		log.Error().Err(err).Msg("failed to check output name")
		writeError(w, http.StatusInternalServerError, "Failed to create job.")
		return
	}
	if collision {
		name = name + "_" + s.now().Format(collisionSuffix)
	}

	job := &models.Job{
		ID:               jobID,
		PipelineConfigID: pipelineID,
		Input:            models.JobInput{Year: req.Year, Country: req.Country},
		States:           req.States,
		Crops:            req.Crops,
		OutputName:       name,
		OutputRoot:       filepath.Join(s.opts.OutputRoot, name),
		SkipInference:    req.SkipInference,
		SkipMerge:        req.SkipMerge,
		SkipArea:         req.SkipArea,
		GPUCount:         req.GPUCount,
		Status:           models.StatusPending,
		ScheduleAt:       req.ScheduleAt,
	}
	if err := s.store.CreateJob(r.Context(), job); err != nil {
		log.Error().Err(err).Msg("failed to create job")
		writeError(w, http.StatusInternalServerError, "Failed to create job.")
		return
	}
	s.opts.Audit.Append(job.ID, "Job created")
	log.Info().Str("job_id", job.ID).Str("output", name).Msg("job created")

	if _, err := s.opts.Scheduler.QueueOrStart(r.Context(), job.ID); err != nil {
		log.Error().Err(err).Str("job_id", job.ID).Msg("failed to queue job")
	}
	if current, err := s.store.GetJob(r.Context(), job.ID); err == nil {
		job = current
	}

	writeJSON(w, http.StatusCreated, CreateJobResponse{
		JobID:         job.ID,
		OutputDirName: name,
		Collision:     collision,
		GPUCount:      job.GPUCount,
		Status:        job.Status,
	})
}

func (s *Server) lookupPipeline(id string) (*models.PipelineConfig, bool) {
	if s.opts.Pipelines == nil {
		return nil, false
	}
	return s.opts.Pipelines(id)
}

// outputTaken reports whether another job or an existing directory holds name
func (s *Server) outputTaken(r *http.Request, name string) (bool, error) {
	exists, err := s.store.OutputNameExists(r.Context(), name)
	if err != nil || exists {
		return exists, err
	}
	if _, err := os.Stat(filepath.Join(s.opts.OutputRoot, name)); err == nil {
		return true, nil
	}
	return false, nil
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	status := models.JobStatus(strings.ToUpper(r.URL.Query().Get("status")))
	if status != "" && !status.Valid() {
		writeError(w, http.StatusBadRequest, "Invalid status parameter.")
		return
	}
	jobs, err := s.store.ListJobs(r.Context(), status)
	if err != nil {
		log.Error().Err(err).Msg("failed to list jobs")
		writeError(w, http.StatusInternalServerError, "Failed to list jobs.")
		return
	}
	if jobs == nil {
		jobs = []*models.Job{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job := s.loadJob(w, r)
	if job == nil {
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	job := s.loadJob(w, r)
	if job == nil {
		return
	}
	writeJSON(w, http.StatusOK, s.opts.Progress.All(r.Context(), job.ID))
}

func (s *Server) handleOutputs(w http.ResponseWriter, r *http.Request) {
	job := s.loadJob(w, r)
	if job == nil {
		return
	}
	outs, err := s.store.ListOutputs(r.Context(), job.ID, "")
	if err != nil {
		log.Error().Err(err).Str("job_id", job.ID).Msg("failed to list outputs")
		writeError(w, http.StatusInternalServerError, "Failed to list outputs.")
		return
	}
	resp := OutputsResponse{
		JobID:      job.ID,
		OutputPath: job.OutputRoot,
		Steps:      make(map[string][]OutputEntry),
		Logs:       s.logEntries(job.ID),
	}
	for _, o := range outs {
		if !outputs.Belongs(job, o.Step, o.AbsolutePath, outputs.Base(job, o.Step)) {
			continue
		}
		resp.Steps[string(o.Step)] = append(resp.Steps[string(o.Step)], OutputEntry{
			RelativePath:   o.RelativePath,
			AbsolutePath:   o.AbsolutePath,
			SizeBytes:      o.SizeBytes,
			Bounds:         o.Bounds,
			FileModifiedAt: o.FileModifiedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) logEntries(jobID string) []LogEntry {
	entries := []LogEntry{}
	for _, name := range s.opts.Audit.ListLogs(jobID) {
		info, err := os.Stat(filepath.Join(s.opts.Audit.Dir(), name))
		if err != nil {
			continue
		}
		entries = append(entries, LogEntry{Name: name, SizeBytes: info.Size(), FileModifiedAt: info.ModTime().UTC()})
	}
	return entries
}

func (s *Server) handleDownloadOutput(w http.ResponseWriter, r *http.Request) {
	job := s.loadJob(w, r)
	if job == nil {
		return
	}
	step := models.OutputStep(chi.URLParam(r, "step"))
	rel := chi.URLParam(r, "*")
	outs, err := s.store.ListOutputs(r.Context(), job.ID, step)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list outputs.")
		return
	}
	for _, o := range outs {
		if o.RelativePath != rel {
			continue
		}
		path := filepath.Join(job.OutputRoot, string(o.Step), filepath.FromSlash(o.RelativePath))
		if _, err := os.Stat(path); err != nil {
			writeError(w, http.StatusNotFound, "File missing on disk.")
			return
		}
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(path)))
		http.ServeFile(w, r, path)
		return
	}
	writeError(w, http.StatusNotFound, "File not found in this job's records.")
}

func (s *Server) handleDownloadLog(w http.ResponseWriter, r *http.Request) {
	job := s.loadJob(w, r)
	if job == nil {
		return
	}
	name := chi.URLParam(r, "name")
	for _, known := range s.opts.Audit.ListLogs(job.ID) {
		if known == name {
			w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
			http.ServeFile(w, r, filepath.Join(s.opts.Audit.Dir(), name))
			return
		}
	}
	writeError(w, http.StatusNotFound, "Log file not found.")
}

// handleCancel raises the cancel flag. A PENDING job is cancelled at once;
// a RUNNING job is stopped by its chain at the next poll point.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	job := s.loadJob(w, r)
	if job == nil {
		return
	}
	ctx := r.Context()
	if job.Status.Terminal() {
		writeError(w, http.StatusConflict, fmt.Sprintf("Job is already %s.", job.Status))
		return
	}
	s.opts.Progress.SetCancel(ctx, job.ID, true)
	s.opts.Audit.Append(job.ID, "Cancel requested")

	err := s.store.TransitionJob(ctx, job.ID, []models.JobStatus{models.StatusPending}, models.StatusCancelled, "Cancelled by user.")
	switch {
	case err == nil:
		log.Info().Str("job_id", job.ID).Msg("pending job cancelled")
		if current, err := s.store.GetJob(ctx, job.ID); err == nil {
			s.NotifyJobUpdate(current)
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
	case errors.Is(err, queue.ErrInvalidTransition):
		log.Info().Str("job_id", job.ID).Msg("running job flagged for cancellation")
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
	default:
		log.Error().Err(err).Str("job_id", job.ID).Msg("failed to cancel job")
		writeError(w, http.StatusInternalServerError, "Failed to cancel job.")
	}
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	job := s.loadJob(w, r)
	if job == nil {
		return
	}
	ctx := r.Context()
	var req RetryRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body.")
			return
		}
	}

	if !job.Status.Terminal() {
		writeError(w, http.StatusConflict, fmt.Sprintf("Job is %s; only finished jobs can be retried.", job.Status))
		return
	}

	// reset while still terminal so the job is never claimable with stale state
	job.CurrentStep = models.StepNone
	job.ProgressPercent = 0
	job.ErrorMessage = ""
	job.LastState = ""
	if req.SkipInference != nil {
		job.SkipInference = *req.SkipInference
	}
	if req.SkipMerge != nil {
		job.SkipMerge = *req.SkipMerge
	}
	if req.SkipArea != nil {
		job.SkipArea = *req.SkipArea
	}
	if err := s.store.UpdateJob(ctx, job); err != nil {
		log.Error().Err(err).Str("job_id", job.ID).Msg("failed to reset job")
		writeError(w, http.StatusInternalServerError, "Failed to retry job.")
		return
	}
	s.opts.Progress.Reset(ctx, job.ID)
	s.opts.Progress.SetCancel(ctx, job.ID, false)

	terminal := []models.JobStatus{models.StatusSuccess, models.StatusFailed, models.StatusCancelled}
	err := s.store.TransitionJob(ctx, job.ID, terminal, models.StatusPending, "")
	if errors.Is(err, queue.ErrInvalidTransition) {
		writeError(w, http.StatusConflict, "Job was retried concurrently.")
		return
	}
	if err != nil {
		log.Error().Err(err).Str("job_id", job.ID).Msg("failed to retry job")
		writeError(w, http.StatusInternalServerError, "Failed to retry job.")
		return
	}
	job.Status = models.StatusPending
	s.opts.Audit.Append(job.ID, "Retry requested")
	s.NotifyJobUpdate(job)

	started, err := s.opts.Scheduler.QueueOrStart(ctx, job.ID)
	if err != nil {
		log.Error().Err(err).Str("job_id", job.ID).Msg("failed to queue retried job")
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "queued", "started": started})
}

func (s *Server) handleGPUs(w http.ResponseWriter, r *http.Request) {
	available := 0
	if s.opts.GPUs != nil {
		available = s.opts.GPUs.Count(r.Context())
	}
	writeJSON(w, http.StatusOK, map[string]int{"available": available})
}

// handleWebSocket handles WebSocket connections
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("failed to upgrade to websocket")
		return
	}

	jobs, err := s.store.ListJobs(r.Context(), "")
	if err == nil {
		initialData, err := json.Marshal(map[string]interface{}{
			"type": "initial_jobs",
			"jobs": jobs,
		})
		if err == nil {
			conn.WriteMessage(websocket.TextMessage, initialData)
		}
	}

	// registered after the initial write so broadcasts never write concurrently
	s.wsManager.RegisterClient(conn)

	// Handle disconnection
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				s.wsManager.UnregisterClient(conn)
				return
			}
		}
	}()
}
