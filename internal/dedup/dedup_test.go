package dedup

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/brasilintel/newsmatch/internal/match"
)

type stubEmbedder struct {
	vectors map[string][]float32
	err     error
	calls   int
}

func (s *stubEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vector, ok := s.vectors[text]
		if !ok {
			return nil, fmt.Errorf("no scripted vector for %q", text)
		}
		out[i] = vector
	}
	return out, nil
}

func newTestDeduplicator(embedder *stubEmbedder) *Deduplicator {
	opts := Options{RetryAttempts: 1, RetryBaseDelay: time.Millisecond}
	if embedder == nil {
		// A typed nil would still satisfy the interface, so pass nil directly.
		return New(nil, zerolog.Nop(), opts)
	}
	return New(embedder, zerolog.Nop(), opts)
}

func TestDedup_ExactURLCaseInsensitive(t *testing.T) {
	t.Parallel()

	articles := []match.Article{
		{Title: "Notícia", URL: "https://Example.com/Noticia", SourceName: "Valor", Description: "curta"},
		{Title: "Notícia", URL: "https://example.com/noticia", SourceName: "CQCS", Description: "descrição bem mais longa"},
	}

	survivors, groups, err := newTestDeduplicator(nil).Dedup(context.Background(), articles)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(survivors) != 1 {
		t.Fatalf("unexpected survivor count: got %d want 1", len(survivors))
	}
	if len(groups) != 1 {
		t.Fatalf("unexpected group count: got %d want 1", len(groups))
	}
	if groups[0].Signal != SignalExactURL {
		t.Fatalf("unexpected signal: %q", groups[0].Signal)
	}
	if survivors[0].SourceName != "Valor, CQCS" {
		t.Fatalf("unexpected merged source: %q", survivors[0].SourceName)
	}
	if survivors[0].Description != "descrição bem mais longa" {
		t.Fatalf("expected longest description to survive, got %q", survivors[0].Description)
	}
}

func TestDedup_SemanticTransitivity(t *testing.T) {
	t.Parallel()

	// a~b and b~c clear the threshold, a~c alone does not. All three must
	// still land in one group.
	embedder := &stubEmbedder{vectors: map[string][]float32{
		"Porto Seguro lança produto":      {1, 0},
		"Porto Seguro lanca produto novo": {0.866, 0.5},
		"Produto novo da Porto Seguro":    {0.5, 0.866},
	}}

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	articles := []match.Article{
		{Title: "Porto Seguro lança produto", URL: "https://a", SourceName: "Valor", PublishedAt: base.Add(2 * time.Hour)},
		{Title: "Porto Seguro lanca produto novo", URL: "https://b", SourceName: "CQCS", PublishedAt: base},
		{Title: "Produto novo da Porto Seguro", URL: "https://c", SourceName: "Valor", PublishedAt: base.Add(time.Hour)},
	}

	survivors, groups, err := newTestDeduplicator(embedder).Dedup(context.Background(), articles)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(survivors) != 1 {
		t.Fatalf("unexpected survivor count: got %d want 1", len(survivors))
	}
	if len(groups) != 1 || groups[0].Signal != SignalSemantic {
		t.Fatalf("unexpected groups: %+v", groups)
	}
	if len(groups[0].MemberURLs) != 3 {
		t.Fatalf("expected all three members in the group, got %v", groups[0].MemberURLs)
	}

	// Earliest published member survives; sources keep input order, deduped.
	if survivors[0].URL != "https://b" {
		t.Fatalf("unexpected survivor: %q", survivors[0].URL)
	}
	if survivors[0].SourceName != "Valor, CQCS" {
		t.Fatalf("unexpected merged source: %q", survivors[0].SourceName)
	}
}

func TestDedup_BelowThresholdStaysApart(t *testing.T) {
	t.Parallel()

	embedder := &stubEmbedder{vectors: map[string][]float32{
		"Seguro auto":  {1, 0},
		"Plano dental": {0, 1},
	}}
	articles := []match.Article{
		{Title: "Seguro auto", URL: "https://a"},
		{Title: "Plano dental", URL: "https://b"},
	}

	survivors, groups, err := newTestDeduplicator(embedder).Dedup(context.Background(), articles)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(survivors) != 2 || len(groups) != 0 {
		t.Fatalf("unexpected collapse: survivors=%d groups=%d", len(survivors), len(groups))
	}
}

func TestDedup_ProviderFailureKeepsBatch(t *testing.T) {
	t.Parallel()

	embedder := &stubEmbedder{err: &match.PermanentProviderError{Err: errors.New("401")}}
	articles := []match.Article{
		{Title: "Primeira", URL: "https://a"},
		{Title: "Segunda", URL: "https://b"},
	}

	survivors, groups, err := newTestDeduplicator(embedder).Dedup(context.Background(), articles)
	if err != nil {
		t.Fatalf("provider failure must not fail the batch: %v", err)
	}
	if len(survivors) != 2 || len(groups) != 0 {
		t.Fatalf("expected input preserved, got survivors=%d groups=%d", len(survivors), len(groups))
	}
}

func TestDedup_Idempotent(t *testing.T) {
	t.Parallel()

	embedder := &stubEmbedder{vectors: map[string][]float32{
		"Notícia um":   {1, 0},
		"Notícia dois": {0, 1},
	}}
	articles := []match.Article{
		{Title: "Notícia um", URL: "https://x/1", SourceName: "Valor"},
		{Title: "Notícia um", URL: "https://X/1", SourceName: "CQCS"},
		{Title: "Notícia dois", URL: "https://x/2", SourceName: "Valor"},
	}

	d := newTestDeduplicator(embedder)
	first, _, err := d.Dedup(context.Background(), articles)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, groups, err := d.Dedup(context.Background(), first)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(groups) != 0 {
		t.Fatalf("re-running on deduplicated input produced groups: %+v", groups)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("dedup is not idempotent:\nfirst:  %+v\nsecond: %+v", first, second)
	}
}

func TestDedup_SingleArticlePassthrough(t *testing.T) {
	t.Parallel()

	embedder := &stubEmbedder{}
	articles := []match.Article{{Title: "Uma só", URL: "https://a"}}

	survivors, groups, err := newTestDeduplicator(embedder).Dedup(context.Background(), articles)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(survivors) != 1 || len(groups) != 0 {
		t.Fatalf("unexpected output: survivors=%d groups=%d", len(survivors), len(groups))
	}
	if embedder.calls != 0 {
		t.Fatalf("single article must not hit the provider")
	}
}

func TestDedup_Cancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	articles := []match.Article{{URL: "https://a"}, {URL: "https://b"}}
	if _, _, err := newTestDeduplicator(nil).Dedup(ctx, articles); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation error, got %v", err)
	}
}
