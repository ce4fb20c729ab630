package chat

import "time"

type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// NarratorJob tracks one out-of-band narrator run for a trigger message.
type NarratorJob struct {
	ID string `gorm:"primaryKey;size:26"` // ULID length

	// one job per trigger message
	TriggerMessageID string `gorm:"size:26;uniqueIndex;not null"`
	RoomID           string `gorm:"size:26;index;not null"`

	Status JobStatus `gorm:"type:varchar(16);index;not null"`

	// Filled when succeeded
	ResponseCount  int
	NewCharacterID *string `gorm:"size:26"`

	// Filled when failed
	Error *string `gorm:"type:text"`

	CreatedAt time.Time
	UpdatedAt time.Time
}
