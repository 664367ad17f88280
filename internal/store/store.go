// Package store persists match runs, their results and duplicate-group audit
// rows, and serves aggregate statistics.
package store

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/brasilintel/newsmatch/internal/db"
	"github.com/brasilintel/newsmatch/internal/dedup"
	"github.com/brasilintel/newsmatch/internal/globaltime"
	"github.com/brasilintel/newsmatch/internal/match"
)

const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
)

type Store struct {
	pool   *db.Pool
	logger zerolog.Logger
}

func New(pool *db.Pool, logger zerolog.Logger) *Store {
	return &Store{pool: pool, logger: logger}
}

// BeginRun inserts a running MatchRun row and returns its id.
func (s *Store) BeginRun(ctx context.Context, articlesIn int) (int64, error) {
	run := db.MatchRun{
		Status:     RunStatusRunning,
		ArticlesIn: articlesIn,
		StartedAt:  globaltime.UTC(),
	}
	if err := s.pool.GORM().WithContext(ctx).Create(&run).Error; err != nil {
		return 0, fmt.Errorf("insert match run: %w", err)
	}
	return run.ID, nil
}

// CompleteRun marks the run finished with its final counters.
func (s *Store) CompleteRun(ctx context.Context, runID int64, survivors, dupGroups int) error {
	now := globaltime.UTC()
	err := s.pool.GORM().WithContext(ctx).
		Model(&db.MatchRun{}).
		Where("id = ?", runID).
		Updates(map[string]any{
			"status":      RunStatusCompleted,
			"survivors":   survivors,
			"dup_groups":  dupGroups,
			"finished_at": &now,
		}).Error
	if err != nil {
		return fmt.Errorf("complete match run %d: %w", runID, err)
	}
	return nil
}

// FailRun marks the run failed and records the cause.
func (s *Store) FailRun(ctx context.Context, runID int64, cause error) error {
	now := globaltime.UTC()
	message := ""
	if cause != nil {
		message = cause.Error()
	}
	err := s.pool.GORM().WithContext(ctx).
		Model(&db.MatchRun{}).
		Where("id = ?", runID).
		Updates(map[string]any{
			"status":        RunStatusFailed,
			"error_message": message,
			"finished_at":   &now,
		}).Error
	if err != nil {
		return fmt.Errorf("fail match run %d: %w", runID, err)
	}
	return nil
}

// SaveResults persists one record per match result plus the junction rows
// carrying the insurer ids in order. Languages, when present, is aligned
// index-for-index with results.
func (s *Store) SaveResults(ctx context.Context, runID int64, results []match.Result, languages []string) error {
	gdb := s.pool.GORM().WithContext(ctx)
	for i, result := range results {
		record := db.MatchResultRecord{
			RunID:      runID,
			ArticleURL: result.Article.URL,
			Title:      result.Article.Title,
			SourceName: result.Article.SourceName,
			Method:     result.Method,
			Confidence: result.Confidence,
			Reasoning:  result.Reasoning,
		}
		if i < len(languages) {
			record.Language = languages[i]
		}
		if !result.Article.PublishedAt.IsZero() {
			published := result.Article.PublishedAt
			record.PublishedAt = &published
		}
		if err := gdb.Create(&record).Error; err != nil {
			return fmt.Errorf("insert match result for %q: %w", result.Article.URL, err)
		}

		for ordinal, insurerID := range result.EntityIDs {
			link := db.MatchResultEntity{
				ResultID:  record.ID,
				InsurerID: insurerID,
				Ordinal:   ordinal,
			}
			if err := gdb.Create(&link).Error; err != nil {
				return fmt.Errorf("insert result entity %d for result %d: %w", insurerID, record.ID, err)
			}
		}
	}
	return nil
}

// SaveGroups persists the duplicate-group audit rows for a run.
func (s *Store) SaveGroups(ctx context.Context, runID int64, groups []dedup.Group) error {
	gdb := s.pool.GORM().WithContext(ctx)
	for _, group := range groups {
		record := db.DuplicateGroupRecord{
			RunID:        runID,
			SurvivorURL:  group.SurvivorURL,
			MemberCount:  len(group.MemberURLs),
			Signal:       group.Signal,
			MergedSource: group.MergedSource,
		}
		if err := gdb.Create(&record).Error; err != nil {
			return fmt.Errorf("insert duplicate group for %q: %w", group.SurvivorURL, err)
		}
	}
	return nil
}

// Stats is the aggregate view served by the HTTP API.
type Stats struct {
	TotalRuns       int64            `json:"total_runs"`
	CompletedRuns   int64            `json:"completed_runs"`
	FailedRuns      int64            `json:"failed_runs"`
	TotalResults    int64            `json:"total_results"`
	ResultsByMethod map[string]int64 `json:"results_by_method"`
	Insurers        int64            `json:"insurers"`
	DuplicateGroups int64            `json:"duplicate_groups"`
}

// QueryStats aggregates counters across all persisted runs.
func (s *Store) QueryStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{ResultsByMethod: make(map[string]int64)}

	row := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = $1),
			COUNT(*) FILTER (WHERE status = $2)
		FROM match_runs`, RunStatusCompleted, RunStatusFailed)
	if err := row.Scan(&stats.TotalRuns, &stats.CompletedRuns, &stats.FailedRuns); err != nil {
		return nil, fmt.Errorf("count match runs: %w", err)
	}

	row = s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM match_result_records`)
	if err := row.Scan(&stats.TotalResults); err != nil {
		return nil, fmt.Errorf("count match results: %w", err)
	}

	row = s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM insurers WHERE sentinel = false`)
	if err := row.Scan(&stats.Insurers); err != nil {
		return nil, fmt.Errorf("count insurers: %w", err)
	}

	row = s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM duplicate_group_records`)
	if err := row.Scan(&stats.DuplicateGroups); err != nil {
		return nil, fmt.Errorf("count duplicate groups: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT method, COUNT(*)
		FROM match_result_records
		GROUP BY method
		ORDER BY method`)
	if err != nil {
		return nil, fmt.Errorf("count results by method: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var method string
		var count int64
		if err := rows.Scan(&method, &count); err != nil {
			return nil, fmt.Errorf("scan method count: %w", err)
		}
		stats.ResultsByMethod[method] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate method counts: %w", err)
	}

	return stats, nil
}
