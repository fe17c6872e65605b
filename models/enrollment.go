package models

import (
	"time"

	"gorm.io/gorm"
)

// Enrollment statuses
const (
	EnrollmentPending   = "pending"
	EnrollmentActive    = "active"
	EnrollmentCompleted = "completed"
	EnrollmentStopped   = "stopped"
)

// Enrollment is one prospect's run through one sequence template.
// The cursor (CurrentStep) is 0-based and only ever moves forward; the
// engine owns cursor/status/next_send_at, the event applier may only
// transition status to stopped.
type Enrollment struct {
	gorm.Model
	ProspectID   uint `gorm:"not null;index" json:"prospect_id"`
	TemplateID   uint `gorm:"not null;index" json:"template_id"`
	SequenceName string `gorm:"not null" json:"sequence_name"`

	TotalSteps  int        `gorm:"not null" json:"total_steps"`
	CurrentStep int        `gorm:"default:0" json:"current_step"`
	Status      string     `gorm:"default:'pending';index" json:"status"` // pending, active, completed, stopped
	NextSendAt  *time.Time `gorm:"index" json:"next_send_at"`

	PersonalizationData map[string]string `gorm:"type:jsonb;serializer:json" json:"personalization_data"`

	StoppedReason *string    `json:"stopped_reason"`
	LastActionAt  *time.Time `json:"last_action_at"`
	CompletedAt   *time.Time `json:"completed_at"`

	// Relations
	Prospect    Prospect         `json:"-"`
	Template    SequenceTemplate `json:"-"`
	SendRecords []SendRecord     `gorm:"foreignKey:EnrollmentID" json:"send_records,omitempty"`
}
