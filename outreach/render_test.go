package outreach

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reachflow/models"
)

func TestTemplateRenderer(t *testing.T) {
	db := setupTestDB(t)
	require.NoError(t, db.Create(&models.EmailTemplate{
		Name:            "intro",
		SubjectTemplate: "Quick question, {{.first_name}}",
		HTMLTemplate:    `<p>Hi {{.first_name}}, loved your {{.platform}} content.</p>`,
		TextTemplate:    "Hi {{.first_name}}, loved your {{.platform}} content.",
		IsActive:        true,
	}).Error)

	r := NewTemplateRenderer(db)

	rendered, err := r.Render(context.Background(), "intro", map[string]string{
		"first_name": "Jane",
		"platform":   "youtube",
	})
	require.NoError(t, err)
	assert.Equal(t, "Quick question, Jane", rendered.Subject)
	assert.Contains(t, rendered.HTMLBody, "Hi Jane")
	assert.Contains(t, rendered.TextBody, "loved your youtube content")
}

func TestTemplateRendererEscapesHTML(t *testing.T) {
	db := setupTestDB(t)
	require.NoError(t, db.Create(&models.EmailTemplate{
		Name:            "intro",
		SubjectTemplate: "Hello",
		HTMLTemplate:    `<p>{{.first_name}}</p>`,
		IsActive:        true,
	}).Error)

	r := NewTemplateRenderer(db)
	rendered, err := r.Render(context.Background(), "intro", map[string]string{
		"first_name": `<script>alert(1)</script>`,
	})
	require.NoError(t, err)
	assert.NotContains(t, rendered.HTMLBody, "<script>")
}

func TestTemplateRendererMissingTemplate(t *testing.T) {
	db := setupTestDB(t)
	r := NewTemplateRenderer(db)

	_, err := r.Render(context.Background(), "no-such-template", nil)
	assert.ErrorIs(t, err, ErrTemplateNotFound)
}

func TestTemplateRendererRejectsEmptyBody(t *testing.T) {
	db := setupTestDB(t)
	require.NoError(t, db.Create(&models.EmailTemplate{
		Name:            "empty",
		SubjectTemplate: "Hello",
		IsActive:        true,
	}).Error)

	r := NewTemplateRenderer(db)
	_, err := r.Render(context.Background(), "empty", nil)
	assert.Error(t, err)
}
