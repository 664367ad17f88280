package match

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/brasilintel/newsmatch/internal/registry"
)

type stubChatClient struct {
	replies []string
	errs    []error
	calls   int
	prompts []string
}

func (c *stubChatClient) Complete(ctx context.Context, system, user string) (string, error) {
	i := c.calls
	c.calls++
	c.prompts = append(c.prompts, user)
	if i < len(c.errs) && c.errs[i] != nil {
		return "", c.errs[i]
	}
	if i < len(c.replies) {
		return c.replies[i], nil
	}
	return "", errors.New("no scripted reply")
}

func testCandidates() []registry.Entity {
	return []registry.Entity{
		{ID: 1, Name: "Porto Seguro", NormalizedName: "porto seguro"},
		{ID: 2, Name: "Bradesco Saúde", NormalizedName: "bradesco saude"},
		{ID: 3, Name: "SulAmérica", NormalizedName: "sulamerica"},
	}
}

func newTestDisambiguator(client ChatClient) *Disambiguator {
	return NewDisambiguator(client, zerolog.Nop(), DisambiguatorOptions{
		RetryAttempts:  2,
		RetryBaseDelay: time.Millisecond,
	})
}

func TestDisambiguate_ParsesDecision(t *testing.T) {
	t.Parallel()

	client := &stubChatClient{replies: []string{
		`{"entity_ids": [2], "confidence": 0.72, "reasoning": "article covers Bradesco dental plans"}`,
	}}
	d := newTestDisambiguator(client)

	ids, confidence, reasoning, err := d.Disambiguate(context.Background(), Article{Title: "Planos odontológicos"}, testCandidates())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ids) != 1 || ids[0] != 2 {
		t.Fatalf("unexpected ids: %v", ids)
	}
	if confidence != 0.72 {
		t.Fatalf("unexpected confidence: %v", confidence)
	}
	if reasoning == "" {
		t.Fatalf("expected reasoning to be carried through")
	}
}

func TestDisambiguate_DiscardsHallucinatedIDs(t *testing.T) {
	t.Parallel()

	client := &stubChatClient{replies: []string{
		`{"entity_ids": [1, 2, 3, 99], "confidence": 0.9, "reasoning": "roundup"}`,
	}}
	d := newTestDisambiguator(client)

	ids, _, _, err := d.Disambiguate(context.Background(), Article{Title: "Mercado segurador"}, testCandidates())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ids) != 3 {
		t.Fatalf("expected id 99 to be discarded, got %v", ids)
	}
	for _, id := range ids {
		if id == 99 {
			t.Fatalf("id outside the candidate list survived: %v", ids)
		}
	}
}

func TestDisambiguate_ClampsConfidence(t *testing.T) {
	t.Parallel()

	client := &stubChatClient{replies: []string{
		`{"entity_ids": [1], "confidence": 1.7, "reasoning": "sure"}`,
	}}
	d := newTestDisambiguator(client)

	_, confidence, _, err := d.Disambiguate(context.Background(), Article{Title: "x"}, testCandidates())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if confidence != 1 {
		t.Fatalf("expected confidence clamped to 1, got %v", confidence)
	}
}

func TestDisambiguate_ExtractsWrappedJSON(t *testing.T) {
	t.Parallel()

	client := &stubChatClient{replies: []string{
		"Here is my answer:\n```json\n{\"entity_ids\": [3], \"confidence\": 0.6, \"reasoning\": \"ok\"}\n```",
	}}
	d := newTestDisambiguator(client)

	ids, _, _, err := d.Disambiguate(context.Background(), Article{Title: "x"}, testCandidates())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ids) != 1 || ids[0] != 3 {
		t.Fatalf("unexpected ids: %v", ids)
	}
}

func TestDisambiguate_MalformedResponseIsNotRetried(t *testing.T) {
	t.Parallel()

	client := &stubChatClient{replies: []string{"not json at all", `{"entity_ids": [1]}`}}
	d := newTestDisambiguator(client)

	_, _, _, err := d.Disambiguate(context.Background(), Article{Title: "x"}, testCandidates())
	if err == nil {
		t.Fatalf("expected parse error")
	}
	if client.calls != 1 {
		t.Fatalf("malformed responses must not trigger retries, got %d calls", client.calls)
	}
}

func TestDisambiguate_RetriesTransientErrors(t *testing.T) {
	t.Parallel()

	client := &stubChatClient{
		errs:    []error{&TransientProviderError{Err: errors.New("timeout")}},
		replies: []string{"", `{"entity_ids": [1], "confidence": 0.8, "reasoning": "ok"}`},
	}
	d := newTestDisambiguator(client)

	ids, _, _, err := d.Disambiguate(context.Background(), Article{Title: "x"}, testCandidates())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if client.calls != 2 {
		t.Fatalf("expected one retry, got %d calls", client.calls)
	}
	if len(ids) != 1 || ids[0] != 1 {
		t.Fatalf("unexpected ids: %v", ids)
	}
}

func TestDisambiguate_BoundsCandidateList(t *testing.T) {
	t.Parallel()

	client := &stubChatClient{replies: []string{`{"entity_ids": [], "confidence": 0, "reasoning": "none"}`}}
	d := NewDisambiguator(client, zerolog.Nop(), DisambiguatorOptions{
		CandidateLimit: 2,
		RetryAttempts:  1,
		RetryBaseDelay: time.Millisecond,
	})

	if _, _, _, err := d.Disambiguate(context.Background(), Article{Title: "x"}, testCandidates()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	prompt := client.prompts[0]
	if got := strings.Count(prompt, "- id="); got != 2 {
		t.Fatalf("expected candidate list bounded to 2 entries, got %d:\n%s", got, prompt)
	}
}

func TestDisambiguate_NoCandidates(t *testing.T) {
	t.Parallel()

	d := newTestDisambiguator(&stubChatClient{})
	if _, _, _, err := d.Disambiguate(context.Background(), Article{Title: "x"}, nil); err == nil {
		t.Fatalf("expected error for empty candidate list")
	}
}
