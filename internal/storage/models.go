package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a compare-and-set update loses a race, e.g. a
// queue item's status changed between read and write.
var ErrConflict = errors.New("conflict")

// Rune versions.
const (
	VersionDraft      = 0
	VersionProduction = 1
)

// Queue item statuses.
const (
	StatusPending  = "pending"
	StatusError    = "error"
	StatusTrained  = "trained"
	StatusApproved = "approved"
	StatusRejected = "rejected"
)

// StatusRank orders statuses along the moderation state machine. A queue
// item's rank never decreases.
func StatusRank(status string) int {
	switch status {
	case StatusPending:
		return 0
	case StatusError:
		return 1
	case StatusTrained:
		return 2
	case StatusApproved, StatusRejected:
		return 3
	}
	return -1
}

type Orb struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Confidence  float64   `json:"confidence"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type Rune struct {
	ID            string            `json:"id"`
	OrbID         string            `json:"orb_id"`
	Pattern       string            `json:"pattern"`
	Content       string            `json:"content"`
	Language      string            `json:"language"`
	Version       int               `json:"version"`
	TaskID        string            `json:"task_id,omitempty"`
	Source        string            `json:"source"`
	Metadata      map[string]string `json:"metadata"`
	FeedbackScore float64           `json:"feedback_score"`
	FeedbackCount int               `json:"feedback_count"`
	UsageCount    int               `json:"usage_count"`
	Flagged       bool              `json:"flagged"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

type QueueItem struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id,omitempty"`
	RawText   string    `json:"raw_text"`
	Source    string    `json:"source"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AuditEvent is a persisted state-transition or decision record.
type AuditEvent struct {
	Seq       int64     `json:"seq"`
	Kind      string    `json:"kind"`
	QueueID   string    `json:"queue_id"`
	RuneID    string    `json:"rune_id"`
	OldStatus string    `json:"old_status"`
	NewStatus string    `json:"new_status"`
	Actor     string    `json:"actor"`
	Detail    string    `json:"detail"`
	At        time.Time `json:"at"`
}

// RuneFilter narrows ListRunes. Zero values mean "any".
type RuneFilter struct {
	OrbID       string
	Version     *int
	FlaggedOnly bool
	Limit       int
	Offset      int
}
