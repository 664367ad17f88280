// Package dedup collapses near-duplicate articles before matching. An exact
// URL pass runs first, then embedding similarity with transitive grouping.
package dedup

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/brasilintel/newsmatch/internal/embed"
	"github.com/brasilintel/newsmatch/internal/match"
)

const (
	DefaultSimilarityThreshold = 0.85

	SignalExactURL = "exact_url"
	SignalSemantic = "semantic"
)

type Options struct {
	SimilarityThreshold float64
	RetryAttempts       int
	RetryBaseDelay      time.Duration
}

// Deduplicator removes duplicates from a batch. It never fails the batch: an
// unavailable embedding provider downgrades it to the URL pass alone.
type Deduplicator struct {
	embedder embed.Embedder
	logger   zerolog.Logger
	opts     Options

	warnOnce sync.Once
}

// New builds a deduplicator. A nil embedder disables the semantic stage; the
// URL pass still runs.
func New(embedder embed.Embedder, logger zerolog.Logger, opts Options) *Deduplicator {
	if opts.SimilarityThreshold <= 0 || opts.SimilarityThreshold > 1 {
		opts.SimilarityThreshold = DefaultSimilarityThreshold
	}
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = match.DefaultRetryAttempts
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = match.DefaultRetryBaseDelay
	}
	return &Deduplicator{embedder: embedder, logger: logger, opts: opts}
}

// Group records one collapsed duplicate group for auditing.
type Group struct {
	SurvivorURL  string
	MemberURLs   []string
	Signal       string
	MergedSource string
}

// Dedup returns the surviving articles in input order plus one Group per
// collapse. Similarity is transitive: if A~B and B~C, all three land in one
// group even when A and C alone fall under the threshold. Running Dedup on
// its own output returns it unchanged. The only returned error is context
// cancellation.
func (d *Deduplicator) Dedup(ctx context.Context, articles []match.Article) ([]match.Article, []Group, error) {
	if len(articles) < 2 {
		return articles, nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, fmt.Errorf("dedup canceled: %w", err)
	}

	uf := newUnionFind(len(articles))

	// Exact URL pass. Cheap, local, case-insensitive.
	seen := make(map[string]int, len(articles))
	for i, article := range articles {
		key := strings.ToLower(strings.TrimSpace(article.URL))
		if key == "" {
			continue
		}
		if first, ok := seen[key]; ok {
			uf.union(first, i)
		} else {
			seen[key] = i
		}
	}

	semanticRoots, err := d.semanticPass(ctx, articles, uf)
	if err != nil {
		return nil, nil, err
	}

	// Collect groups in input order of their first member.
	memberLists := make(map[int][]int, len(articles))
	var rootOrder []int
	for i := range articles {
		root := uf.find(i)
		if _, ok := memberLists[root]; !ok {
			rootOrder = append(rootOrder, root)
		}
		memberLists[root] = append(memberLists[root], i)
	}

	survivors := make([]match.Article, 0, len(rootOrder))
	var groups []Group
	for _, root := range rootOrder {
		members := memberLists[root]
		if len(members) == 1 {
			survivors = append(survivors, articles[members[0]])
			continue
		}

		merged := mergeGroup(articles, members)
		survivors = append(survivors, merged)

		signal := SignalExactURL
		if semanticRoots[root] {
			signal = SignalSemantic
		}
		memberURLs := make([]string, 0, len(members))
		for _, m := range members {
			memberURLs = append(memberURLs, articles[m].URL)
		}
		groups = append(groups, Group{
			SurvivorURL:  merged.URL,
			MemberURLs:   memberURLs,
			Signal:       signal,
			MergedSource: merged.SourceName,
		})
	}

	if len(groups) > 0 {
		d.logger.Info().
			Int("articles_in", len(articles)).
			Int("survivors", len(survivors)).
			Int("duplicate_groups", len(groups)).
			Msg("deduplication collapsed articles")
	}
	return survivors, groups, nil
}

// semanticPass embeds one representative per current group and unions pairs
// whose cosine similarity reaches the threshold. Provider failures are logged
// and leave the grouping as the URL pass produced it.
func (d *Deduplicator) semanticPass(ctx context.Context, articles []match.Article, uf *unionFind) (map[int]bool, error) {
	if d.embedder == nil {
		d.warnOnce.Do(func() {
			d.logger.Warn().Msg("embedding provider not configured, semantic deduplication disabled")
		})
		return nil, nil
	}

	var reps []int
	for i := range articles {
		if uf.find(i) == i {
			reps = append(reps, i)
		}
	}
	if len(reps) < 2 {
		return nil, nil
	}

	texts := make([]string, len(reps))
	for i, rep := range reps {
		texts[i] = embeddingText(articles[rep])
	}

	var vectors [][]float32
	err := match.Retry(ctx, d.opts.RetryAttempts, d.opts.RetryBaseDelay, func(ctx context.Context) error {
		var embedErr error
		vectors, embedErr = d.embedder.EmbedBatch(ctx, texts)
		return embedErr
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("dedup canceled: %w", ctxErr)
		}
		d.logger.Warn().Err(err).Msg("embedding provider unavailable, skipping semantic deduplication")
		return nil, nil
	}

	var merged []int
	for i := 0; i < len(reps); i++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("dedup canceled: %w", err)
		}
		for j := i + 1; j < len(reps); j++ {
			if cosineSimilarity(vectors[i], vectors[j]) >= d.opts.SimilarityThreshold {
				uf.union(reps[i], reps[j])
				merged = append(merged, reps[i])
			}
		}
	}

	semanticRoots := make(map[int]bool, len(merged))
	for _, rep := range merged {
		semanticRoots[uf.find(rep)] = true
	}
	return semanticRoots, nil
}

// mergeGroup builds the surviving article for one duplicate group: the
// earliest published member wins, sources are merged as an ordered unique
// list, and the longest description is kept.
func mergeGroup(articles []match.Article, members []int) match.Article {
	survivorIdx := members[0]
	for _, m := range members[1:] {
		current := articles[survivorIdx].PublishedAt
		candidate := articles[m].PublishedAt
		if candidate.IsZero() {
			continue
		}
		if current.IsZero() || candidate.Before(current) {
			survivorIdx = m
		}
	}

	merged := articles[survivorIdx]

	var sources []string
	seenSource := make(map[string]bool, len(members))
	longest := merged.Description
	for _, m := range members {
		if name := strings.TrimSpace(articles[m].SourceName); name != "" && !seenSource[name] {
			seenSource[name] = true
			sources = append(sources, name)
		}
		if len(articles[m].Description) > len(longest) {
			longest = articles[m].Description
		}
	}
	merged.SourceName = strings.Join(sources, ", ")
	merged.Description = longest
	return merged
}

// embeddingText is the text compared for semantic similarity.
func embeddingText(article match.Article) string {
	return strings.TrimSpace(article.Title + "\n\n" + article.Description)
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
