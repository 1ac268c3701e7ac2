package models

import (
	"time"
)

// JobStatus represents the current state of a job in the system
type JobStatus string

const (
	StatusPending   JobStatus = "PENDING"
	StatusRunning   JobStatus = "RUNNING"
	StatusSuccess   JobStatus = "SUCCESS"
	StatusFailed    JobStatus = "FAILED"
	StatusCancelled JobStatus = "CANCELLED"
)

// Terminal reports whether no stage will run for a job in this status
func (s JobStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusCancelled
}

// Valid reports whether s is one of the known statuses
func (s JobStatus) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusSuccess, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Step names a stage of the workflow chain
type Step string

const (
	StepNone      Step = ""
	StepInference Step = "inference"
	StepMerge     Step = "merge"
	StepArea      Step = "area"
	StepThumbnail Step = "thumbnail"
)

// Milestone is the progress percent a job reaches when the step completes
func (s Step) Milestone() int {
	switch s {
	case StepInference:
		return 25
	case StepMerge:
		return 50
	case StepArea:
		return 75
	case StepThumbnail:
		return 100
	}
	return 0
}

// JobInput identifies the input raster collection of a job
type JobInput struct {
	Year    string `json:"year"`
	Country string `json:"country"`
}

// Job represents one run of the crop mask workflow
type Job struct {
	ID               string     `json:"id"`
	PipelineConfigID string     `json:"pipeline_config_id,omitempty"`
	Input            JobInput   `json:"input"`
	States           []string   `json:"states"`
	Crops            string     `json:"crops"`
	OutputName       string     `json:"output_name,omitempty"`
	OutputRoot       string     `json:"output_root"`
	SkipInference    bool       `json:"skip_inference"`
	SkipMerge        bool       `json:"skip_merge"`
	SkipArea         bool       `json:"skip_area"`
	GPUCount         int        `json:"gpu_count"`
	Status           JobStatus  `json:"status"`
	CurrentStep      Step       `json:"current_step"`
	ProgressPercent  int        `json:"progress_percent"`
	TaskID           string     `json:"task_id,omitempty"`
	ChainID          string     `json:"chain_id,omitempty"`
	LastState        string     `json:"last_state,omitempty"`
	ErrorMessage     string     `json:"error_message,omitempty"`
	ScheduleAt       *time.Time `json:"schedule_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Due reports whether a scheduled start time, if any, has passed
func (j *Job) Due(now time.Time) bool {
	return j.ScheduleAt == nil || !j.ScheduleAt.After(now)
}

// StateSet returns the selected states as a lookup set
func (j *Job) StateSet() map[string]bool {
	set := make(map[string]bool, len(j.States))
	for _, s := range j.States {
		set[s] = true
	}
	return set
}
