// Package batch wires the full pipeline for one run: registry snapshot,
// deduplication, matching, language tagging and persistence. Both the CLI and
// the HTTP API run batches through this service.
package batch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/brasilintel/newsmatch/internal/config"
	"github.com/brasilintel/newsmatch/internal/db"
	"github.com/brasilintel/newsmatch/internal/dedup"
	"github.com/brasilintel/newsmatch/internal/embed"
	"github.com/brasilintel/newsmatch/internal/langdetect"
	"github.com/brasilintel/newsmatch/internal/match"
	"github.com/brasilintel/newsmatch/internal/registry"
	"github.com/brasilintel/newsmatch/internal/store"
	payloadschema "github.com/brasilintel/newsmatch/schema"
)

type Service struct {
	cfg    *config.Config
	pool   *db.Pool
	store  *store.Store
	logger zerolog.Logger
}

func NewService(cfg *config.Config, pool *db.Pool, logger zerolog.Logger) *Service {
	return &Service{
		cfg:    cfg,
		pool:   pool,
		store:  store.New(pool, logger),
		logger: logger,
	}
}

// Output is the outcome of one batch run. RunID is zero when the run was not
// persisted.
type Output struct {
	RunID     int64
	Results   []match.Result
	Groups    []dedup.Group
	Stats     match.Stats
	Languages []string
}

// Run processes one batch end to end. An empty insurer registry is the only
// hard failure; provider problems degrade individual stages instead.
func (s *Service) Run(ctx context.Context, articles []match.Article, persist bool) (*Output, error) {
	if _, err := registry.EnsureSentinel(ctx, s.pool); err != nil {
		return nil, fmt.Errorf("ensure sentinel insurer: %w", err)
	}
	snapshot, err := registry.Load(ctx, s.pool)
	if err != nil {
		return nil, fmt.Errorf("load insurer registry: %w", err)
	}

	var runID int64
	if persist {
		runID, err = s.store.BeginRun(ctx, len(articles))
		if err != nil {
			return nil, err
		}
	}

	output, err := s.process(ctx, snapshot, articles)
	if err != nil {
		if persist {
			if failErr := s.store.FailRun(context.WithoutCancel(ctx), runID, err); failErr != nil {
				s.logger.Error().Err(failErr).Int64("run_id", runID).Msg("could not mark run failed")
			}
		}
		return nil, err
	}

	if persist {
		if err := s.store.SaveResults(ctx, runID, output.Results, output.Languages); err != nil {
			return nil, err
		}
		if err := s.store.SaveGroups(ctx, runID, output.Groups); err != nil {
			return nil, err
		}
		if err := s.store.CompleteRun(ctx, runID, len(output.Results), len(output.Groups)); err != nil {
			return nil, err
		}
		output.RunID = runID
	}
	return output, nil
}

func (s *Service) process(ctx context.Context, snapshot *registry.Snapshot, articles []match.Article) (*Output, error) {
	var embedder embed.Embedder
	var disambiguator *match.Disambiguator
	if s.cfg.AIConfigured() {
		embedder = embed.NewOpenAIEmbedder(embed.Options{
			APIKey:         s.cfg.OpenAIAPIKey,
			BaseURL:        s.cfg.OpenAIBaseURL,
			Model:          s.cfg.EmbeddingModel,
			RequestTimeout: s.cfg.ProviderTimeout,
		})
		chatClient := match.NewOpenAIChatClient(match.ChatOptions{
			APIKey:         s.cfg.OpenAIAPIKey,
			BaseURL:        s.cfg.OpenAIBaseURL,
			Model:          s.cfg.ChatModel,
			RequestTimeout: s.cfg.ProviderTimeout,
		})
		disambiguator = match.NewDisambiguator(chatClient, s.logger, match.DisambiguatorOptions{
			CandidateLimit: s.cfg.CandidateLimit,
			RetryAttempts:  s.cfg.RetryAttempts,
			RetryBaseDelay: s.cfg.RetryBaseDelay,
		})
	} else {
		s.logger.Warn().Msg("OPENAI_API_KEY not set, running with deterministic matching only")
	}

	deduplicator := dedup.New(embedder, s.logger, dedup.Options{
		SimilarityThreshold: s.cfg.SimilarityThreshold,
		RetryAttempts:       s.cfg.RetryAttempts,
		RetryBaseDelay:      s.cfg.RetryBaseDelay,
	})
	survivors, groups, err := deduplicator.Dedup(ctx, articles)
	if err != nil {
		return nil, err
	}

	orchestrator := match.NewOrchestrator(snapshot, disambiguator, s.logger, match.OrchestratorOptions{
		Workers: s.cfg.AIWorkers,
	})
	results, stats, err := orchestrator.MatchBatch(ctx, survivors)
	if err != nil {
		return nil, err
	}

	languages := make([]string, len(results))
	texts := make([]string, len(results))
	for i, result := range results {
		texts[i] = result.Article.Title + " " + result.Article.Description
		languages[i] = langdetect.DetectISO6391(texts[i])
	}
	if len(texts) > 0 {
		event := s.logger.Info()
		for iso, count := range langdetect.CountLanguages(texts) {
			event = event.Int("lang_"+iso, count)
		}
		event.Msg("batch language counts")
	}

	return &Output{
		Results:   results,
		Groups:    groups,
		Stats:     stats,
		Languages: languages,
	}, nil
}

// FromPayload converts a validated wire article into the pipeline form.
// PublishedAt was already checked against RFC3339 during validation.
func FromPayload(payload *payloadschema.Article) match.Article {
	article := match.Article{Title: payload.Title}
	if payload.Description != nil {
		article.Description = *payload.Description
	}
	if payload.URL != nil {
		article.URL = *payload.URL
	}
	if payload.SourceName != nil {
		article.SourceName = *payload.SourceName
	}
	if payload.RawText != nil {
		article.RawText = *payload.RawText
	}
	if payload.PublishedAt != nil {
		if ts, err := time.Parse(time.RFC3339, strings.TrimSpace(*payload.PublishedAt)); err == nil {
			article.PublishedAt = ts.UTC()
		}
	}
	return article
}
