// Package template renders campaign step templates with the Liquid template
// language against recipient data. Template storage and authoring belong to
// the admin panel; the engine only reads and renders.
package template

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/osteele/liquid"
)

// ErrTemplateNotFound is returned for unknown or inactive template ids.
// The dispatcher treats it as a send failure, not a fatal engine error.
var ErrTemplateNotFound = errors.New("template not found")

// Rendered is the output handed to the mail transport.
type Rendered struct {
	Subject string
	HTML    string
}

type cached struct {
	subject   *liquid.Template
	html      *liquid.Template
	updatedAt time.Time
}

// Renderer loads templates from Postgres and renders them with Liquid,
// caching parsed templates keyed by id + updated_at so editor saves take
// effect without a restart.
type Renderer struct {
	db     *sql.DB
	engine *liquid.Engine

	mu    sync.Mutex
	cache map[uuid.UUID]*cached
}

// NewRenderer creates a renderer with the engine's standard filters.
func NewRenderer(db *sql.DB) *Renderer {
	engine := liquid.NewEngine()

	// {{ first_name | default: "athlete" }}
	engine.RegisterFilter("default", func(value interface{}, fallback string) interface{} {
		if value == nil {
			return fallback
		}
		if s := fmt.Sprintf("%v", value); s == "" || s == "<nil>" {
			return fallback
		}
		return value
	})

	return &Renderer{
		db:     db,
		engine: engine,
		cache:  make(map[uuid.UUID]*cached),
	}
}

// Render renders the template's subject and HTML with the given variables.
func (r *Renderer) Render(ctx context.Context, templateID uuid.UUID, vars map[string]interface{}) (*Rendered, error) {
	tpl, err := r.load(ctx, templateID)
	if err != nil {
		return nil, err
	}

	subject, err := tpl.subject.RenderString(vars)
	if err != nil {
		return nil, fmt.Errorf("render subject of %s: %w", templateID, err)
	}
	html, err := tpl.html.RenderString(vars)
	if err != nil {
		return nil, fmt.Errorf("render html of %s: %w", templateID, err)
	}
	return &Rendered{Subject: subject, HTML: html}, nil
}

func (r *Renderer) load(ctx context.Context, id uuid.UUID) (*cached, error) {
	var (
		subjectSrc string
		htmlSrc    string
		updatedAt  time.Time
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT subject, html, updated_at FROM message_templates
		WHERE id = $1 AND is_active
	`, id).Scan(&subjectSrc, &htmlSrc, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrTemplateNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load template %s: %w", id, err)
	}

	r.mu.Lock()
	entry, ok := r.cache[id]
	r.mu.Unlock()
	if ok && entry.updatedAt.Equal(updatedAt) {
		return entry, nil
	}

	subjectTpl, err := r.engine.ParseString(subjectSrc)
	if err != nil {
		return nil, fmt.Errorf("parse subject of %s: %w", id, err)
	}
	htmlTpl, err := r.engine.ParseString(htmlSrc)
	if err != nil {
		return nil, fmt.Errorf("parse html of %s: %w", id, err)
	}

	entry = &cached{subject: subjectTpl, html: htmlTpl, updatedAt: updatedAt}
	r.mu.Lock()
	r.cache[id] = entry
	r.mu.Unlock()
	return entry, nil
}

// RecipientVars builds the standard variable bindings for a recipient.
// Custom attributes are exposed under "attributes" and also flattened to the
// top level when they do not collide with the standard names.
func RecipientVars(email, firstName, lastName string, attributes map[string]interface{}) map[string]interface{} {
	vars := map[string]interface{}{
		"email":      email,
		"first_name": firstName,
		"last_name":  lastName,
		"attributes": attributes,
	}
	for k, v := range attributes {
		if _, taken := vars[k]; !taken {
			vars[k] = v
		}
	}
	return vars
}
