package match

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/brasilintel/newsmatch/internal/registry"
)

const (
	DefaultAIWorkers = 4

	// Confidence assigned by the deterministic tiers. A single dictionary hit
	// is near certain; several hits in one article usually mean a roundup
	// piece, so the per-insurer confidence drops.
	ConfidenceSingle = 0.95
	ConfidenceMulti  = 0.85

	// Dictionary hits above this count are treated as noise and handed to the
	// AI stage with the hits as the candidate list.
	maxDeterministicHits = 3
)

type OrchestratorOptions struct {
	Workers int
}

// Orchestrator runs each article through the matching stages: dictionary
// search, AI disambiguation for unresolved articles, sentinel fallback. The
// disambiguator may be nil when no AI provider is configured; unresolved
// articles then stay unmatched instead of failing the batch.
type Orchestrator struct {
	snapshot *registry.Snapshot
	det      *Deterministic
	ai       *Disambiguator
	logger   zerolog.Logger
	workers  int
}

func NewOrchestrator(snapshot *registry.Snapshot, ai *Disambiguator, logger zerolog.Logger, opts OrchestratorOptions) *Orchestrator {
	workers := opts.Workers
	if workers <= 0 {
		workers = DefaultAIWorkers
	}
	return &Orchestrator{
		snapshot: snapshot,
		det:      NewDeterministic(snapshot),
		ai:       ai,
		logger:   logger,
		workers:  workers,
	}
}

type pendingAI struct {
	index      int
	candidates []registry.Entity
}

// MatchBatch matches every article and returns one result per article, in
// input order. Every result carries at least one insurer id; articles nothing
// could resolve get the sentinel. The only returned errors are context
// cancellation, surfaced between articles so a shutdown never waits on the
// whole batch.
func (o *Orchestrator) MatchBatch(ctx context.Context, articles []Article) ([]Result, Stats, error) {
	results := make([]Result, len(articles))
	var pending []pendingAI

	for i, article := range articles {
		if err := ctx.Err(); err != nil {
			return nil, Stats{}, fmt.Errorf("match batch canceled: %w", err)
		}

		ids := o.det.MatchIDs(article.SearchText())
		switch {
		case len(ids) == 1:
			results[i] = Result{
				Article:    article,
				EntityIDs:  ids,
				Confidence: ConfidenceSingle,
				Method:     MethodDeterministicSingle,
			}
		case len(ids) >= 2 && len(ids) <= maxDeterministicHits:
			results[i] = Result{
				Article:    article,
				EntityIDs:  ids,
				Confidence: ConfidenceMulti,
				Method:     MethodDeterministicMulti,
			}
		default:
			results[i] = Result{Article: article, Method: MethodUnmatched}
			pending = append(pending, pendingAI{index: i, candidates: o.candidatesFor(ids)})
		}
	}

	if len(pending) > 0 && o.ai != nil {
		if err := o.runAI(ctx, articles, results, pending); err != nil {
			return nil, Stats{}, err
		}
	} else if len(pending) > 0 {
		o.logger.Warn().
			Int("articles", len(pending)).
			Msg("ai disambiguation not configured, leaving articles unmatched")
	}

	var stats Stats
	for i := range results {
		if len(results[i].EntityIDs) == 0 {
			results[i].EntityIDs = []int64{o.snapshot.SentinelID()}
		}
		stats.count(results[i].Method)
	}

	o.logger.Info().
		Int("total", stats.Total).
		Int("deterministic_single", stats.DeterministicSingle).
		Int("deterministic_multi", stats.DeterministicMulti).
		Int("ai_disambiguation", stats.AIDisambiguation).
		Int("unmatched", stats.Unmatched).
		Msg("match batch complete")

	return results, stats, nil
}

// candidatesFor picks the AI candidate list. An overshoot of dictionary hits
// narrows the list to those hits; a miss falls back to the full registry,
// bounded later by the disambiguator.
func (o *Orchestrator) candidatesFor(hits []int64) []registry.Entity {
	if len(hits) == 0 {
		return o.snapshot.Entities()
	}
	candidates := make([]registry.Entity, 0, len(hits))
	for _, id := range hits {
		if entity, ok := o.snapshot.ByID(id); ok {
			candidates = append(candidates, entity)
		}
	}
	return candidates
}

// runAI resolves pending articles concurrently. Each worker writes only to
// its own index in the pre-sized results slice, so no locking is needed.
func (o *Orchestrator) runAI(ctx context.Context, articles []Article, results []Result, pending []pendingAI) error {
	jobs := make(chan pendingAI)
	var wg sync.WaitGroup

	workers := o.workers
	if workers > len(pending) {
		workers = len(pending)
	}
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				if ctx.Err() != nil {
					continue
				}
				o.disambiguateOne(ctx, articles[job.index], job, results)
			}
		}()
	}

	for _, job := range pending {
		jobs <- job
	}
	close(jobs)
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("match batch canceled: %w", err)
	}
	return nil
}

func (o *Orchestrator) disambiguateOne(ctx context.Context, article Article, job pendingAI, results []Result) {
	ids, confidence, reasoning, err := o.ai.Disambiguate(ctx, article, job.candidates)
	if err != nil {
		o.logger.Warn().
			Err(err).
			Str("article_url", article.URL).
			Msg("ai disambiguation failed, leaving article unmatched")
		return
	}
	if len(ids) == 0 {
		results[job.index].Reasoning = reasoning
		return
	}
	results[job.index] = Result{
		Article:    article,
		EntityIDs:  ids,
		Confidence: confidence,
		Method:     MethodAIDisambiguation,
		Reasoning:  reasoning,
	}
}
