package models

import (
	"time"

	"gorm.io/gorm"
)

// SendRecord statuses
const (
	SendStatusSent         = "sent"
	SendStatusDelivered    = "delivered"
	SendStatusOpened       = "opened"
	SendStatusClicked      = "clicked"
	SendStatusBounced      = "bounced"
	SendStatusUnsubscribed = "unsubscribed"
	SendStatusComplained   = "complained"
)

// SendRecord is one completed communication for one (enrollment, step)
// pair. The composite unique index is the ledger-layer duplicate-send
// guard, independent of the idempotency lease: a second insert for the
// same step is rejected by the database no matter which worker tries.
type SendRecord struct {
	gorm.Model
	EnrollmentID uint `gorm:"not null;uniqueIndex:idx_enrollment_step" json:"enrollment_id"`
	StepNumber   int  `gorm:"not null;uniqueIndex:idx_enrollment_step" json:"step_number"` // 1-based
	ProspectID   uint `gorm:"not null;index" json:"prospect_id"`

	TemplateName string `json:"template_name"`
	Subject      string `json:"subject"`
	ToEmail      string `gorm:"not null" json:"to_email"`

	ProviderMessageID string `gorm:"index" json:"provider_message_id"`
	TrackingID        string `gorm:"index" json:"tracking_id"`
	Status            string `gorm:"default:'sent'" json:"status"`

	SentAt      *time.Time `json:"sent_at"`
	DeliveredAt *time.Time `json:"delivered_at"`

	FirstOpenedAt *time.Time `json:"first_opened_at"`
	LastOpenedAt  *time.Time `json:"last_opened_at"`
	OpenCount     int        `gorm:"default:0" json:"open_count"`

	FirstClickedAt *time.Time `json:"first_clicked_at"`
	LastClickedAt  *time.Time `json:"last_clicked_at"`
	ClickCount     int        `gorm:"default:0" json:"click_count"`

	BouncedAt      *time.Time `json:"bounced_at"`
	BounceType     string     `json:"bounce_type"` // hard, soft
	BounceReason   string     `json:"bounce_reason"`
	UnsubscribedAt *time.Time `json:"unsubscribed_at"`
	ComplainedAt   *time.Time `json:"complained_at"`

	// Relations
	Enrollment Enrollment `json:"-"`
	Prospect   Prospect   `json:"-"`
}

// IdempotencyRecord is the durable audit row behind the lease store.
// Completed rows persist for replay diagnosis; failed rows expire
// quickly so the same unit of work may be retried.
type IdempotencyRecord struct {
	gorm.Model
	Key       string    `gorm:"not null;uniqueIndex" json:"key"`
	Status    string    `gorm:"not null" json:"status"` // processing, completed, failed
	ExpiresAt time.Time `gorm:"not null;index" json:"expires_at"`
}
