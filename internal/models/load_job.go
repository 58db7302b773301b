package models

import "time"

type LoadStatus string

const (
	LoadPending   LoadStatus = "pending"
	LoadRunning   LoadStatus = "running"
	LoadCompleted LoadStatus = "completed"
	LoadFailed    LoadStatus = "failed"
)

// LoadJob is the pollable state of one bulk load. It lives in memory only.
type LoadJob struct {
	JobID string `json:"job_id"`

	EmployeeID string    `json:"employee_id,omitempty"`
	OrgID      string    `json:"org_id,omitempty"`
	From       time.Time `json:"from"`
	To         time.Time `json:"to"`

	Status  LoadStatus `json:"status"`
	Message string     `json:"message"`

	EventsLoaded     int `json:"events_loaded"`
	EventsRejected   int `json:"events_rejected"`
	RecordsProcessed int `json:"records_processed"`

	SubJobsTotal  int `json:"sub_jobs_total"`
	SubJobsDone   int `json:"sub_jobs_done"`
	SubJobsFailed int `json:"sub_jobs_failed"`

	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

func (j LoadJob) Finished() bool {
	return j.Status == LoadCompleted || j.Status == LoadFailed
}
