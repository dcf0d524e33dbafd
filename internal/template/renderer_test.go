package template

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
)

func setupRenderer(t *testing.T) (*Renderer, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return NewRenderer(db), mock
}

func templateRow(subject, html string, updatedAt time.Time) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"subject", "html", "updated_at"}).AddRow(subject, html, updatedAt)
}

func TestRender_SubstitutesRecipientVars(t *testing.T) {
	r, mock := setupRenderer(t)
	id := uuid.New()
	updatedAt := time.Now().UTC()

	mock.ExpectQuery("SELECT subject, html, updated_at FROM message_templates").
		WithArgs(id).
		WillReturnRows(templateRow(
			`Day {{ day }} awaits, {{ first_name }}!`,
			`<p>Keep going, {{ first_name }}.</p>`,
			updatedAt))

	vars := RecipientVars("runner@example.com", "Sam", "Reyes", map[string]interface{}{"day": 3})
	out, err := r.Render(context.Background(), id, vars)
	if err != nil {
		t.Fatal(err)
	}
	if out.Subject != "Day 3 awaits, Sam!" {
		t.Errorf("subject = %q", out.Subject)
	}
	if out.HTML != "<p>Keep going, Sam.</p>" {
		t.Errorf("html = %q", out.HTML)
	}
}

func TestRender_DefaultFilterFillsBlanks(t *testing.T) {
	r, mock := setupRenderer(t)
	id := uuid.New()

	mock.ExpectQuery("SELECT subject, html, updated_at FROM message_templates").
		WithArgs(id).
		WillReturnRows(templateRow(
			`Welcome, {{ first_name | default: "athlete" }}!`, `<p>Hi</p>`, time.Now()))

	out, err := r.Render(context.Background(), id, RecipientVars("a@b.io", "", "", nil))
	if err != nil {
		t.Fatal(err)
	}
	if out.Subject != "Welcome, athlete!" {
		t.Errorf("subject = %q", out.Subject)
	}
}

func TestRender_CachesParsedTemplatesByUpdatedAt(t *testing.T) {
	r, mock := setupRenderer(t)
	id := uuid.New()
	updatedAt := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	// Both renders load the row, only the first parses; an edit with a newer
	// updated_at re-parses and shows the new text.
	mock.ExpectQuery("SELECT subject, html, updated_at FROM message_templates").
		WithArgs(id).
		WillReturnRows(templateRow("v1", "<p>v1</p>", updatedAt))
	mock.ExpectQuery("SELECT subject, html, updated_at FROM message_templates").
		WithArgs(id).
		WillReturnRows(templateRow("v1", "<p>v1</p>", updatedAt))
	mock.ExpectQuery("SELECT subject, html, updated_at FROM message_templates").
		WithArgs(id).
		WillReturnRows(templateRow("v2", "<p>v2</p>", updatedAt.Add(time.Hour)))

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		out, err := r.Render(ctx, id, nil)
		if err != nil {
			t.Fatal(err)
		}
		if out.Subject != "v1" {
			t.Fatalf("subject = %q, want v1", out.Subject)
		}
	}
	out, err := r.Render(ctx, id, nil)
	if err != nil {
		t.Fatal(err)
	}
	if out.Subject != "v2" {
		t.Errorf("subject = %q, want v2 after edit", out.Subject)
	}
}

func TestRender_UnknownTemplate(t *testing.T) {
	r, mock := setupRenderer(t)
	id := uuid.New()

	mock.ExpectQuery("SELECT subject, html, updated_at FROM message_templates").
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"subject", "html", "updated_at"}))

	_, err := r.Render(context.Background(), id, nil)
	if !errors.Is(err, ErrTemplateNotFound) {
		t.Fatalf("expected ErrTemplateNotFound, got %v", err)
	}
}
