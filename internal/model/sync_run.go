package model

import "time"

type SyncRun struct {
	ID         int64      `json:"id"`
	BatchID    string     `json:"batch_id"`
	Source     string     `json:"source"`
	WeekStart  string     `json:"week_start,omitempty"`
	Fetched    int        `json:"fetched"`
	Stored     int        `json:"stored"`
	Skipped    int        `json:"skipped"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at"`
}
