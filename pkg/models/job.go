// Package models contains shared data models used across the autopost codebase.
package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// JobStatus is the lifecycle state of a scheduled post.
type JobStatus string

const (
	JobStatusPending         JobStatus = "pending"
	JobStatusRunning         JobStatus = "running"
	JobStatusSent            JobStatus = "sent"
	JobStatusFailed          JobStatus = "failed"
	JobStatusAuthRequired    JobStatus = "auth_required"
	JobStatusNeedsUserAction JobStatus = "needs_user_action"
	JobStatusCancelled       JobStatus = "cancelled"
)

// KnownJobStatuses lists every status the dispatch engine understands.
var KnownJobStatuses = []JobStatus{
	JobStatusPending,
	JobStatusRunning,
	JobStatusSent,
	JobStatusFailed,
	JobStatusAuthRequired,
	JobStatusNeedsUserAction,
	JobStatusCancelled,
}

// Valid reports whether s is one of the known statuses.
func (s JobStatus) Valid() bool {
	for _, k := range KnownJobStatuses {
		if s == k {
			return true
		}
	}
	return false
}

// ParseJobStatus normalizes a stored status spelling such as " PENDING ".
func ParseJobStatus(s string) JobStatus {
	return JobStatus(strings.ToLower(strings.TrimSpace(s)))
}

// Terminal reports whether the engine must leave a job in this status alone.
func (s JobStatus) Terminal() bool {
	return s == JobStatusSent || s == JobStatusCancelled
}

// Job is one scheduled delivery of a text post to one platform.
// Sibling jobs created by a single compose action share a GroupID.
type Job struct {
	ID             uuid.UUID  `db:"id"               json:"id"`
	OwnerID        string     `db:"owner_id"         json:"owner_id"`
	GroupID        *uuid.UUID `db:"group_id"         json:"group_id,omitempty"`
	DraftID        *string    `db:"draft_id"         json:"draft_id,omitempty"`
	Platform       Platform   `db:"platform"         json:"platform"`
	Text           string     `db:"text"             json:"text"`
	RunAt          time.Time  `db:"run_at"           json:"run_at"`
	Status         JobStatus  `db:"status"           json:"status"`
	Attempts       int        `db:"attempts"         json:"attempts"`
	LastError      *string    `db:"last_error"       json:"last_error,omitempty"`
	ExternalPostID *string    `db:"external_post_id" json:"external_post_id,omitempty"`
	CreatedAt      time.Time  `db:"created_at"       json:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at"       json:"updated_at"`
}

// Due reports whether the job is pending and its scheduled time has passed.
func (j *Job) Due(now time.Time) bool {
	return j.Status == JobStatusPending && !j.RunAt.After(now)
}
