package schemas

import "time"

// HistoryJob is a recorded job
type HistoryJob struct {
	Index      int    `json:"index" doc:"Index of the job in its batch"`
	Name       string `json:"name" doc:"Job name"`
	Status     string `json:"status" doc:"Final job status"`
	Error      string `json:"error,omitempty" doc:"Error message if failed"`
	DurationMS int64  `json:"duration_ms" doc:"Time spent running"`
	OutputPath string `json:"output_path" doc:"Local output directory"`
}

// HistoryBatch is a recorded batch
type HistoryBatch struct {
	ID         string       `json:"id" doc:"Record ID"`
	Runner     string       `json:"runner" doc:"Runner name"`
	Name       string       `json:"name" doc:"Batch name"`
	JobCount   int          `json:"job_count" doc:"Number of jobs"`
	Failed     int          `json:"failed" doc:"Number of failed jobs"`
	Error      string       `json:"error,omitempty" doc:"Batch-level error"`
	CreatedAt  time.Time    `json:"created_at" doc:"Creation timestamp"`
	FinishedAt time.Time    `json:"finished_at" doc:"Finish timestamp"`
	Jobs       []HistoryJob `json:"jobs,omitempty" doc:"Jobs, when a single batch is requested"`
}
