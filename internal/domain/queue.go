package domain

import "time"

// QueuePriority is the tier-derived processing priority label.
type QueuePriority string

const (
	QueuePriorityHigh   QueuePriority = "high"
	QueuePriorityMedium QueuePriority = "medium"
	QueuePriorityLow    QueuePriority = "low"
)

// Rank maps the priority label to its numeric queue rank. Lower rank is
// served first; unknown labels sink to the bottom.
func (p QueuePriority) Rank() int {
	switch p {
	case QueuePriorityHigh:
		return 1
	case QueuePriorityMedium:
		return 2
	case QueuePriorityLow:
		return 3
	}
	return 3
}

// QueueEntryState enumerates queue entry states.
type QueueEntryState string

const (
	QueueEntryStateQueued    QueueEntryState = "queued"
	QueueEntryStateLeased    QueueEntryState = "leased"
	QueueEntryStateDone      QueueEntryState = "done"
	QueueEntryStateDead      QueueEntryState = "dead"
	QueueEntryStateCancelled QueueEntryState = "cancelled"
)

// Live reports whether the entry still occupies the project's queue slot.
// At most one live entry may exist per project.
func (s QueueEntryState) Live() bool {
	return s == QueueEntryStateQueued || s == QueueEntryStateLeased
}

// QueueEntry is the admitted, schedulable representation of a project
// inside the priority work queue.
type QueueEntry struct {
	ID          string
	ProjectID   string
	Priority    int
	Attempts    int
	MaxAttempts int
	State       QueueEntryState
	AvailableAt time.Time
	TokenHash   string
	LastError   *string
	EnqueuedAt  time.Time
	UpdatedAt   time.Time
}

// AttemptsExhausted reports whether another retry is still permitted.
func (e QueueEntry) AttemptsExhausted() bool {
	return e.Attempts >= e.MaxAttempts
}

// RetryBackoff returns the exponential delay before retry attempt n
// (1-based): base, 2*base, 4*base, ...
func RetryBackoff(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}
