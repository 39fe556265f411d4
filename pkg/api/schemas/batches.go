package schemas

import "time"

// RunnerResponse describes a configured runner
type RunnerResponse struct {
	Name       string `json:"name" doc:"Runner name"`
	Type       string `json:"type" doc:"Runner type (Local, Remote, PBS, SGE, Slurm)"`
	RemoteHost string `json:"remote_host,omitempty" doc:"Remote host URL"`
	NProcesses int    `json:"nprocesses,omitempty" doc:"Concurrent jobs for Local and Remote runners"`
	BatchSize  int    `json:"batch_size,omitempty" doc:"Jobs per array submission for queueing runners"`
}

// JobResponse is the state of one job of a batch
type JobResponse struct {
	Name            string  `json:"name" doc:"Job name, <batch>-<index>/<count>"`
	Index           int     `json:"index" doc:"Index of the job in its batch"`
	Status          string  `json:"status" doc:"Job status"`
	Error           string  `json:"error,omitempty" doc:"Error message if failed"`
	DurationSeconds float64 `json:"duration_seconds,omitempty" doc:"Time spent running"`
}

// BatchResponse is the live state of a batch
type BatchResponse struct {
	Runner     string        `json:"runner" doc:"Runner name"`
	Batch      string        `json:"batch" doc:"Batch name"`
	RemoteDir  string        `json:"remote_dir" doc:"Batch directory on the remote host"`
	CreatedAt  time.Time     `json:"created_at" doc:"Creation timestamp"`
	FinishedAt *time.Time    `json:"finished_at,omitempty" doc:"Finish timestamp"`
	Error      string        `json:"error,omitempty" doc:"Batch-level error"`
	Jobs       []JobResponse `json:"jobs" doc:"Jobs of the batch"`
}

// ArtifactResponse is an archived output file
type ArtifactResponse struct {
	Key  string `json:"key" doc:"Object key"`
	Size int64  `json:"size" doc:"Size in bytes"`
	URL  string `json:"url,omitempty" doc:"Presigned download URL"`
}
