package batch

import (
	"testing"
	"time"

	payloadschema "github.com/brasilintel/newsmatch/schema"
)

func strPtr(s string) *string { return &s }

func TestFromPayload(t *testing.T) {
	t.Parallel()

	payload := &payloadschema.Article{
		Title:       "Porto Seguro lança produto",
		Description: strPtr("detalhes"),
		URL:         strPtr("https://example.com/n/1"),
		PublishedAt: strPtr("2026-08-20T14:00:00-03:00"),
		SourceName:  strPtr("Valor"),
	}

	article := FromPayload(payload)
	if article.Title != payload.Title {
		t.Fatalf("unexpected title: %q", article.Title)
	}
	if article.Description != "detalhes" || article.URL != "https://example.com/n/1" {
		t.Fatalf("unexpected fields: %+v", article)
	}
	want := time.Date(2026, 8, 20, 17, 0, 0, 0, time.UTC)
	if !article.PublishedAt.Equal(want) {
		t.Fatalf("unexpected published_at: got %v want %v", article.PublishedAt, want)
	}
}

func TestFromPayload_MinimalPayload(t *testing.T) {
	t.Parallel()

	article := FromPayload(&payloadschema.Article{Title: "Nota"})
	if article.Title != "Nota" {
		t.Fatalf("unexpected title: %q", article.Title)
	}
	if !article.PublishedAt.IsZero() {
		t.Fatalf("expected zero published_at, got %v", article.PublishedAt)
	}
	if article.Description != "" || article.URL != "" || article.SourceName != "" {
		t.Fatalf("expected empty optional fields, got %+v", article)
	}
}
