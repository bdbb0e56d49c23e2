package models

import (
	"time"
)

// TaskStatus represents the current status of a download task
type TaskStatus string

const (
	StatusPending             TaskStatus = "pending"
	StatusFetchingMetadata    TaskStatus = "fetching_metadata"
	StatusResolvingURL        TaskStatus = "resolving_url"
	StatusDownloadingPrimary  TaskStatus = "downloading_primary"
	StatusDownloadingFallback TaskStatus = "downloading_fallback"
	StatusDone                TaskStatus = "done"
	StatusFailed              TaskStatus = "failed"
)

// Terminal reports whether a task in this status has definitively ended.
func (s TaskStatus) Terminal() bool {
	return s == StatusDone || s == StatusFailed
}

// DownloadTask is one submission unit handed to the downloader collaborator:
// a single media segment with a primary (keyed) URL and an optional bare
// fallback. Tasks are created by the queue and only ever dropped by the
// presentation layer's retention policy.
type DownloadTask struct {
	ID              int64      `json:"id" db:"id"`
	LectureID       string     `json:"lecture_id" db:"lecture_id"`
	Filename        string     `json:"filename" db:"filename"`
	PrimaryURL      string     `json:"primary_url" db:"primary_url"`
	FallbackURL     string     `json:"fallback_url" db:"fallback_url"`
	Status          TaskStatus `json:"status" db:"status"`
	DownloadedBytes int64      `json:"downloaded_bytes" db:"downloaded_bytes"`
	TotalBytes      int64      `json:"total_bytes" db:"total_bytes"` // -1 when unknown
	Speed           float64    `json:"speed" db:"speed"`             // bytes per second
	ErrorMessage    string     `json:"error_message" db:"error_message"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at" db:"updated_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}
