package models

import (
	"time"

	"gorm.io/gorm"
)

// Prospect lifecycle statuses
const (
	ProspectDiscovered   = "discovered"
	ProspectEnriched     = "enriched"
	ProspectContacted    = "contacted"
	ProspectReplied      = "replied"
	ProspectBounced      = "bounced"
	ProspectUnsubscribed = "unsubscribed"
	ProspectComplained   = "complained"
	ProspectConverted    = "converted"
)

// Verification statuses
const (
	VerificationValid      = "valid"
	VerificationInvalid    = "invalid"
	VerificationDisposable = "disposable"
	VerificationCatchAll   = "catch_all"
	VerificationUnknown    = "unknown"
)

// Prospect represents a single outreach contact
type Prospect struct {
	gorm.Model
	Email    string `gorm:"not null;index" json:"email"`
	FullName string `json:"full_name"`
	Company  string `json:"company"`

	// Discovery metadata
	Platform       string  `json:"platform"` // youtube, instagram, tiktok
	Handle         string  `json:"handle"`
	RelevanceScore float64 `gorm:"default:0" json:"relevance_score"`
	Source         string  `json:"source"`

	// Verification
	EmailVerified      bool   `gorm:"default:false" json:"email_verified"`
	VerificationStatus string `gorm:"default:'unknown'" json:"verification_status"` // valid, invalid, disposable, catch_all, unknown

	// Lifecycle
	Status         string     `gorm:"default:'discovered';index" json:"status"` // discovered, enriched, contacted, replied, bounced, unsubscribed, complained, converted
	IsDoNotContact bool       `gorm:"default:false" json:"is_do_not_contact"`
	RepliedAt      *time.Time `json:"replied_at"`
	ReplySentiment string     `json:"reply_sentiment"`

	// Contact history (denormalized for performance)
	FirstContactedAt   *time.Time `json:"first_contacted_at"`
	LastContactedAt    *time.Time `json:"last_contacted_at"`
	TotalEmailsSent    int        `gorm:"default:0" json:"total_emails_sent"`
	TotalEmailsOpened  int        `gorm:"default:0" json:"total_emails_opened"`
	TotalEmailsClicked int        `gorm:"default:0" json:"total_emails_clicked"`

	// Relations
	Enrollments []Enrollment `gorm:"foreignKey:ProspectID" json:"enrollments,omitempty"`
	SendRecords []SendRecord `gorm:"foreignKey:ProspectID" json:"send_records,omitempty"`
}

// Contactable reports whether the prospect may still receive outreach.
func (p *Prospect) Contactable() bool {
	if p.IsDoNotContact {
		return false
	}
	switch p.Status {
	case ProspectBounced, ProspectUnsubscribed, ProspectComplained:
		return false
	}
	return true
}
