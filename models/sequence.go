package models

import "gorm.io/gorm"

// SequenceTemplate defines an ordered multi-step outreach sequence.
// Templates are immutable per version: the engine only ever reads them.
type SequenceTemplate struct {
	gorm.Model
	Name        string `gorm:"not null;uniqueIndex" json:"name"`
	Description string `json:"description"`
	IsActive    bool   `gorm:"default:true" json:"is_active"`

	TotalSteps int            `gorm:"default:0" json:"total_steps"`
	Steps      []TemplateStep `gorm:"type:jsonb;serializer:json" json:"steps"`
	StopOn     []string       `gorm:"type:jsonb;serializer:json" json:"stop_on"` // replied, bounced, unsubscribed, complained

	MinRelevanceScore float64 `gorm:"default:0" json:"min_relevance_score"`
}

// TemplateStep is one scheduled communication within a sequence
type TemplateStep struct {
	BodyTemplate       string   `json:"body_template"`
	DelayDays          int      `json:"delay_days"`
	DelayHours         int      `json:"delay_hours"`
	SendTimePreference string   `json:"send_time_preference,omitempty"` // "HH:MM" UTC
	SkipWeekends       bool     `json:"skip_weekends"`
	SkipIf             []string `json:"skip_if,omitempty"` // clicked, replied
}

// EmailTemplate holds the rendered-content source for a sequence step
type EmailTemplate struct {
	gorm.Model
	Name            string `gorm:"not null;uniqueIndex" json:"name"`
	SubjectTemplate string `gorm:"not null" json:"subject_template"`
	HTMLTemplate    string `gorm:"type:text" json:"html_template"`
	TextTemplate    string `gorm:"type:text" json:"text_template"`
	IsActive        bool   `gorm:"default:true" json:"is_active"`
}
