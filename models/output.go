package models

import "time"

// OutputStep names the directory family a produced file belongs to
type OutputStep string

const (
	OutputInference OutputStep = "inference_tiles"
	OutputMerge     OutputStep = "merged_cropmasks"
	OutputArea      OutputStep = "calculate_area"
	OutputThumbnail OutputStep = "mask_thumbnails"
)

// OutputSteps lists the output families in workflow order
var OutputSteps = []OutputStep{OutputInference, OutputMerge, OutputArea, OutputThumbnail}

// Bounds is a [[north, west], [south, east]] box in WGS84 degrees
type Bounds [2][2]float64

// JobOutput is one catalogued artifact produced for a job
type JobOutput struct {
	JobID          string     `json:"job_id"`
	Step           OutputStep `json:"step"`
	RelativePath   string     `json:"relative_path"`
	AbsolutePath   string     `json:"absolute_path"`
	SizeBytes      int64      `json:"size_bytes"`
	Bounds         *Bounds    `json:"bounds,omitempty"`
	FileModifiedAt *time.Time `json:"file_modified_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// PipelineConfig names the model and boundary artifacts a job runs with.
// It is loaded from configuration and never mutated by the pipeline.
type PipelineConfig struct {
	ID            string   `yaml:"id" json:"id" validate:"required"`
	Name          string   `yaml:"name" json:"name"`
	Country       string   `yaml:"country" json:"country"`
	WeightsPath   string   `yaml:"weights_path" json:"weights_path" validate:"required"`
	ShapefilePath string   `yaml:"shapefile_path" json:"shapefile_path" validate:"required"`
	BatchSize     int      `yaml:"batch_size" json:"batch_size" validate:"gte=0"`
	Crops         []string `yaml:"crops" json:"crops"`
}
