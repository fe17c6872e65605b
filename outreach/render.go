package outreach

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	htmltemplate "html/template"
	texttemplate "text/template"

	"gorm.io/gorm"

	"reachflow/models"
)

// ErrTemplateNotFound marks a step that references a missing or
// inactive email template. The engine skips such steps instead of
// failing the whole pass.
var ErrTemplateNotFound = errors.New("email template not found")

// RenderedEmail is the output of template expansion for one recipient.
type RenderedEmail struct {
	Subject  string
	HTMLBody string
	TextBody string
}

// Renderer expands a named email template with per-prospect data.
type Renderer interface {
	Render(ctx context.Context, templateName string, data map[string]string) (RenderedEmail, error)
}

// TemplateRenderer loads email templates from the database and expands
// them with Go templates. Subject and text bodies use text/template;
// HTML bodies use html/template so prospect-supplied values cannot
// inject markup.
type TemplateRenderer struct {
	db *gorm.DB
}

func NewTemplateRenderer(db *gorm.DB) *TemplateRenderer {
	return &TemplateRenderer{db: db}
}

func (r *TemplateRenderer) Render(ctx context.Context, templateName string, data map[string]string) (RenderedEmail, error) {
	var tpl models.EmailTemplate
	err := r.db.WithContext(ctx).
		Where("name = ? AND is_active = ?", templateName, true).
		First(&tpl).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return RenderedEmail{}, fmt.Errorf("%w: %s", ErrTemplateNotFound, templateName)
	}
	if err != nil {
		return RenderedEmail{}, fmt.Errorf("load template %s: %w", templateName, err)
	}

	subject, err := renderText("subject", tpl.SubjectTemplate, data)
	if err != nil {
		return RenderedEmail{}, fmt.Errorf("template %s subject: %w", templateName, err)
	}

	var htmlBody string
	if tpl.HTMLTemplate != "" {
		htmlBody, err = renderHTML(tpl.HTMLTemplate, data)
		if err != nil {
			return RenderedEmail{}, fmt.Errorf("template %s html: %w", templateName, err)
		}
	}

	var textBody string
	if tpl.TextTemplate != "" {
		textBody, err = renderText("text", tpl.TextTemplate, data)
		if err != nil {
			return RenderedEmail{}, fmt.Errorf("template %s text: %w", templateName, err)
		}
	}

	if htmlBody == "" && textBody == "" {
		return RenderedEmail{}, fmt.Errorf("template %s has no body", templateName)
	}

	return RenderedEmail{Subject: subject, HTMLBody: htmlBody, TextBody: textBody}, nil
}

func renderText(name, src string, data map[string]string) (string, error) {
	t, err := texttemplate.New(name).Option("missingkey=zero").Parse(src)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func renderHTML(src string, data map[string]string) (string, error) {
	t, err := htmltemplate.New("html").Option("missingkey=zero").Parse(src)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
