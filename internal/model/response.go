package model

// SubmitResponse is returned after an upload is accepted.
type SubmitResponse struct {
	JobID string `json:"jobId"`
}

// StatusResponse is the public view of a job. Results appear only once the
// job completed and the error only once it failed.
type StatusResponse struct {
	JobID    string            `json:"jobId"`
	Status   JobStatus         `json:"status"`
	Progress int               `json:"progress"`
	Message  string            `json:"message,omitempty"`
	Tracks   map[string]string `json:"tracks,omitempty"`
	BPM      *int              `json:"bpm,omitempty"`
	Duration float64           `json:"duration,omitempty"`
	Error    string            `json:"error,omitempty"`
}

// NewStatusResponse projects a job record onto its public status.
func NewStatusResponse(job Job) StatusResponse {
	resp := StatusResponse{
		JobID:    job.ID,
		Status:   job.Status,
		Progress: job.Progress,
		Message:  job.Message,
	}
	switch job.Status {
	case JobStatusCompleted:
		job = job.Clone()
		resp.Tracks = job.Tracks
		resp.BPM = job.BPM
		resp.Duration = job.Duration
	case JobStatusFailed:
		resp.Error = job.Error
	}
	return resp
}

// JobSummary is the short form used in listings.
type JobSummary struct {
	JobID     string    `json:"jobId"`
	Status    JobStatus `json:"status"`
	Progress  int       `json:"progress"`
	Filename  string    `json:"filename"`
	CreatedAt Timestamp `json:"createdAt"`
}

// Summarize returns the listing form of job.
func Summarize(job Job) JobSummary {
	return JobSummary{
		JobID:     job.ID,
		Status:    job.Status,
		Progress:  job.Progress,
		Filename:  job.Filename,
		CreatedAt: job.CreatedAt,
	}
}

// HealthResponse is returned by the health endpoint.
type HealthResponse struct {
	Status        string                `json:"status"`
	Service       string                `json:"service"`
	Version       string                `json:"version"`
	Model         string                `json:"model"`
	TotalJobs     int                   `json:"totalJobs"`
	JobsByStatus  map[JobStatus]int     `json:"jobsByStatus"`
	Jobs          map[string]JobSummary `json:"jobs"`
	UptimeSeconds int64                 `json:"uptimeSeconds"`
}

// JobListResponse lists the jobs held in memory and in the durable store.
type JobListResponse struct {
	MemoryJobs  []JobSummary `json:"memoryJobs"`
	DiskJobs    []JobSummary `json:"diskJobs"`
	TotalMemory int          `json:"totalMemory"`
	TotalDisk   int          `json:"totalDisk"`
}

// JobDebugResponse reports where a single job is known.
type JobDebugResponse struct {
	JobID      string `json:"jobId"`
	InMemory   bool   `json:"inMemory"`
	OnDisk     bool   `json:"onDisk"`
	MemoryData *Job   `json:"memoryData,omitempty"`
	DiskData   *Job   `json:"diskData,omitempty"`
	Active     bool   `json:"active"`
}

// ReloadResponse is returned after a manual recovery pass.
type ReloadResponse struct {
	Message     string   `json:"message"`
	OldCount    int      `json:"oldCount"`
	NewCount    int      `json:"newCount"`
	Interrupted []string `json:"interrupted,omitempty"`
}

// ClearResponse reports what a cache clearing operation removed.
type ClearResponse struct {
	Message       string `json:"message"`
	ClearedJobs   int    `json:"clearedJobs"`
	ClearedFiles  int    `json:"clearedFiles"`
	CancelledRuns int    `json:"cancelledRuns,omitempty"`
}

// FolderStats describes one storage folder.
type FolderStats struct {
	Path      string   `json:"path"`
	Exists    bool     `json:"exists"`
	Files     int      `json:"files"`
	SizeBytes int64    `json:"sizeBytes"`
	SizeMB    float64  `json:"sizeMb"`
	Names     []string `json:"names,omitempty"`
}

// DiskUsage describes the filesystem holding the storage folders.
type DiskUsage struct {
	Path        string  `json:"path"`
	TotalBytes  uint64  `json:"totalBytes"`
	FreeBytes   uint64  `json:"freeBytes"`
	UsedPercent float64 `json:"usedPercent"`
}

// CacheStatusResponse reports job counts and storage usage.
type CacheStatusResponse struct {
	JobsInMemory int                    `json:"jobsInMemory"`
	JobsOnDisk   int                    `json:"jobsOnDisk"`
	JobsByStatus map[JobStatus]int      `json:"jobsByStatus"`
	ActiveRuns   int                    `json:"activeRuns"`
	Folders      map[string]FolderStats `json:"folders"`
	Disk         *DiskUsage             `json:"disk,omitempty"`
}

// StorageDebugResponse lists folder contents and the ids held in memory.
type StorageDebugResponse struct {
	Folders      map[string]FolderStats `json:"folders"`
	MemoryJobIDs []string               `json:"memoryJobIds"`
}
