package domain

import "time"

// MediaKind enumerates supported upload types.
type MediaKind string

const (
	MediaKindImage MediaKind = "image"
	MediaKindVideo MediaKind = "video"
)

// ProjectStatus enumerates project lifecycle states.
type ProjectStatus string

const (
	ProjectStatusPending    ProjectStatus = "pending"
	ProjectStatusProcessing ProjectStatus = "processing"
	ProjectStatusCompleted  ProjectStatus = "completed"
	ProjectStatusFailed     ProjectStatus = "failed"
	ProjectStatusCancelled  ProjectStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s ProjectStatus) Terminal() bool {
	switch s {
	case ProjectStatusCompleted, ProjectStatusFailed, ProjectStatusCancelled:
		return true
	}
	return false
}

// CanTransitionTo reports whether the state machine permits moving from s
// to next. Terminal states permit nothing; deletion is not a transition.
func (s ProjectStatus) CanTransitionTo(next ProjectStatus) bool {
	switch s {
	case ProjectStatusPending:
		return next == ProjectStatusProcessing || next == ProjectStatusCancelled || next == ProjectStatusFailed
	case ProjectStatusProcessing:
		return next == ProjectStatusCompleted || next == ProjectStatusFailed || next == ProjectStatusCancelled
	}
	return false
}

// Project encapsulates one user-submitted media asset and its processing record.
type Project struct {
	ID               string
	AccountID        string
	Kind             MediaKind
	OriginalFileName string
	SourcePath       string
	ResultPath       *string
	Status           ProjectStatus
	Progress         int
	ErrorMessage     *string
	ByteSize         int64
	Resolution       *string
	Duration         *float64
	ExpiresAt        time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Expired reports whether the project is past its retention window.
func (p Project) Expired(now time.Time) bool {
	return p.ExpiresAt.Before(now)
}

// StatusSnapshot is the read-only status projection exposed to callers.
type StatusSnapshot struct {
	ID              string        `json:"id"`
	Status          ProjectStatus `json:"status"`
	Progress        int           `json:"progress"`
	ErrorMessage    *string       `json:"error_message,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	ExpiresAt       time.Time     `json:"expires_at"`
	TimeRemainingMS int64         `json:"time_remaining_ms"`
}

// Snapshot projects the current status. Time remaining never goes negative.
func (p Project) Snapshot(now time.Time) StatusSnapshot {
	remaining := p.ExpiresAt.Sub(now)
	if remaining < 0 {
		remaining = 0
	}
	return StatusSnapshot{
		ID:              p.ID,
		Status:          p.Status,
		Progress:        p.Progress,
		ErrorMessage:    p.ErrorMessage,
		CreatedAt:       p.CreatedAt,
		ExpiresAt:       p.ExpiresAt,
		TimeRemainingMS: remaining.Milliseconds(),
	}
}

// ResultMetadata carries worker-reported output details applied on completion.
type ResultMetadata struct {
	Resolution string
	Duration   float64
	ByteSize   int64
}
