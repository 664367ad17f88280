package match

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/brasilintel/newsmatch/internal/db"
	"github.com/brasilintel/newsmatch/internal/registry"
)

func orchestratorSnapshot(t *testing.T) *registry.Snapshot {
	t.Helper()

	snapshot, err := registry.NewSnapshot([]db.Insurer{
		{ID: 1, Name: "Porto Seguro"},
		{ID: 2, Name: "Bradesco Saúde"},
		{ID: 3, Name: "SulAmérica"},
		{ID: 4, Name: "Allianz"},
		{ID: 5, Name: "Unimed"},
		{ID: 99, Name: db.SentinelInsurerName, Sentinel: true},
	})
	if err != nil {
		t.Fatalf("build snapshot: %v", err)
	}
	return snapshot
}

func TestMatchBatch_DeterministicTiers(t *testing.T) {
	t.Parallel()

	o := NewOrchestrator(orchestratorSnapshot(t), nil, zerolog.Nop(), OrchestratorOptions{})

	articles := []Article{
		{Title: "Porto Seguro lança seguro residencial", URL: "https://a"},
		{Title: "Porto Seguro e Bradesco Saúde disputam mercado", URL: "https://b"},
	}
	results, stats, err := o.MatchBatch(context.Background(), articles)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if results[0].Method != MethodDeterministicSingle {
		t.Fatalf("unexpected method: got %q want %q", results[0].Method, MethodDeterministicSingle)
	}
	if results[0].Confidence != ConfidenceSingle {
		t.Fatalf("unexpected confidence: got %v want %v", results[0].Confidence, ConfidenceSingle)
	}
	if len(results[0].EntityIDs) != 1 || results[0].EntityIDs[0] != 1 {
		t.Fatalf("unexpected ids: %v", results[0].EntityIDs)
	}

	if results[1].Method != MethodDeterministicMulti {
		t.Fatalf("unexpected method: got %q want %q", results[1].Method, MethodDeterministicMulti)
	}
	if results[1].Confidence != ConfidenceMulti {
		t.Fatalf("unexpected confidence: got %v want %v", results[1].Confidence, ConfidenceMulti)
	}
	if len(results[1].EntityIDs) != 2 {
		t.Fatalf("unexpected ids: %v", results[1].EntityIDs)
	}

	if stats.DeterministicSingle != 1 || stats.DeterministicMulti != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestMatchBatch_SentinelFallbackWithoutAI(t *testing.T) {
	t.Parallel()

	snapshot := orchestratorSnapshot(t)
	o := NewOrchestrator(snapshot, nil, zerolog.Nop(), OrchestratorOptions{})

	articles := []Article{{Title: "Banco Central eleva a taxa Selic", URL: "https://a"}}
	results, stats, err := o.MatchBatch(context.Background(), articles)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if results[0].Method != MethodUnmatched {
		t.Fatalf("unexpected method: %q", results[0].Method)
	}
	if len(results[0].EntityIDs) != 1 || results[0].EntityIDs[0] != snapshot.SentinelID() {
		t.Fatalf("expected sentinel fallback, got %v", results[0].EntityIDs)
	}
	if stats.Unmatched != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestMatchBatch_AIDisambiguation(t *testing.T) {
	t.Parallel()

	client := &stubChatClient{replies: []string{
		`{"entity_ids": [3], "confidence": 0.7, "reasoning": "article is about SulAmérica health plans"}`,
	}}
	ai := NewDisambiguator(client, zerolog.Nop(), DisambiguatorOptions{
		RetryAttempts:  1,
		RetryBaseDelay: time.Millisecond,
	})
	o := NewOrchestrator(orchestratorSnapshot(t), ai, zerolog.Nop(), OrchestratorOptions{Workers: 2})

	articles := []Article{{Title: "Operadora de saúde amplia cobertura", URL: "https://a"}}
	results, stats, err := o.MatchBatch(context.Background(), articles)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if results[0].Method != MethodAIDisambiguation {
		t.Fatalf("unexpected method: %q", results[0].Method)
	}
	if len(results[0].EntityIDs) != 1 || results[0].EntityIDs[0] != 3 {
		t.Fatalf("unexpected ids: %v", results[0].EntityIDs)
	}
	if stats.AIDisambiguation != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestMatchBatch_AIFailureLeavesArticleUnmatched(t *testing.T) {
	t.Parallel()

	client := &stubChatClient{errs: []error{&PermanentProviderError{}}}
	ai := NewDisambiguator(client, zerolog.Nop(), DisambiguatorOptions{
		RetryAttempts:  1,
		RetryBaseDelay: time.Millisecond,
	})
	snapshot := orchestratorSnapshot(t)
	o := NewOrchestrator(snapshot, ai, zerolog.Nop(), OrchestratorOptions{})

	articles := []Article{{Title: "Notícia sem seguradora", URL: "https://a"}}
	results, _, err := o.MatchBatch(context.Background(), articles)
	if err != nil {
		t.Fatalf("provider failures must not fail the batch: %v", err)
	}
	if results[0].Method != MethodUnmatched {
		t.Fatalf("unexpected method: %q", results[0].Method)
	}
	if len(results[0].EntityIDs) != 1 || results[0].EntityIDs[0] != snapshot.SentinelID() {
		t.Fatalf("expected sentinel fallback, got %v", results[0].EntityIDs)
	}
}

func TestMatchBatch_OvershootNarrowsCandidates(t *testing.T) {
	t.Parallel()

	client := &stubChatClient{replies: []string{
		`{"entity_ids": [1, 2], "confidence": 0.65, "reasoning": "only two are central"}`,
	}}
	ai := NewDisambiguator(client, zerolog.Nop(), DisambiguatorOptions{
		RetryAttempts:  1,
		RetryBaseDelay: time.Millisecond,
	})
	o := NewOrchestrator(orchestratorSnapshot(t), ai, zerolog.Nop(), OrchestratorOptions{})

	articles := []Article{{
		Title: "Porto Seguro, Bradesco Saúde, SulAmérica e Allianz divulgam balanços",
		URL:   "https://a",
	}}
	results, _, err := o.MatchBatch(context.Background(), articles)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if results[0].Method != MethodAIDisambiguation {
		t.Fatalf("expected overshoot to go through AI, got %q", results[0].Method)
	}
	if len(results[0].EntityIDs) != 2 {
		t.Fatalf("unexpected ids: %v", results[0].EntityIDs)
	}
}

func TestMatchBatch_EveryResultHasAnEntity(t *testing.T) {
	t.Parallel()

	o := NewOrchestrator(orchestratorSnapshot(t), nil, zerolog.Nop(), OrchestratorOptions{})

	articles := []Article{
		{Title: "Porto Seguro cresce"},
		{Title: "Nada a ver com seguros"},
		{Title: ""},
	}
	results, stats, err := o.MatchBatch(context.Background(), articles)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.Total != len(articles) {
		t.Fatalf("unexpected total: got %d want %d", stats.Total, len(articles))
	}
	for i, result := range results {
		if len(result.EntityIDs) == 0 {
			t.Fatalf("result %d has no entity ids", i)
		}
	}
}

func TestMatchBatch_Cancellation(t *testing.T) {
	t.Parallel()

	o := NewOrchestrator(orchestratorSnapshot(t), nil, zerolog.Nop(), OrchestratorOptions{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, _, err := o.MatchBatch(ctx, []Article{{Title: "x"}}); err == nil {
		t.Fatalf("expected cancellation error")
	}
}
