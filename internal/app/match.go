package app

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brasilintel/newsmatch/internal/batch"
	"github.com/brasilintel/newsmatch/internal/cli"
	"github.com/brasilintel/newsmatch/internal/config"
	"github.com/brasilintel/newsmatch/internal/db"
	"github.com/brasilintel/newsmatch/internal/logging"
	"github.com/brasilintel/newsmatch/internal/match"
	payloadschema "github.com/brasilintel/newsmatch/schema"
)

func runMatch(args []string) int {
	fs := flag.NewFlagSet("match", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	file := fs.String("file", "", "Path to a JSON file with the article batch")
	persist := fs.Bool("persist", false, "Persist the run, results and duplicate groups")
	pretty := fs.Bool("pretty", false, "Indent the JSON output")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	if *file == "" {
		fmt.Fprintln(os.Stderr, "--file is required")
		return 2
	}

	articles, err := readBatchFile(*file)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read batch: %v\n", err)
		return 1
	}
	if len(articles) == 0 {
		fmt.Fprintln(os.Stderr, "Batch file contains no articles")
		return 1
	}

	if envLoader != nil {
		if _, err := envLoader.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	logger, err := logging.New(cfg.Environment, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		return 1
	}

	dbCtx, dbCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer dbCancel()

	pool, err := db.NewPool(dbCtx, cfg)
	if err != nil {
		logger.Error().Err(err).Msg("match failed to connect to database")
		fmt.Fprintf(os.Stderr, "Failed to connect to database: %v\n", err)
		return 1
	}
	defer pool.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		<-sigCh
		cancel()
	}()

	service := batch.NewService(cfg, pool, logger)
	output, err := service.Run(ctx, articles, *persist)
	if err != nil {
		logger.Error().Err(err).Msg("batch run failed")
		fmt.Fprintf(os.Stderr, "Batch run failed: %v\n", err)
		return 1
	}

	if err := printOutput(len(articles), output, *pretty); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to encode output: %v\n", err)
		return 1
	}
	return 0
}

// readBatchFile accepts either a JSON array of articles or an object of the
// form {"articles": [...]}. Every item is schema-validated.
func readBatchFile(path string) ([]match.Article, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		var envelope struct {
			Articles []json.RawMessage `json:"articles"`
		}
		if envErr := json.Unmarshal(raw, &envelope); envErr != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
		items = envelope.Articles
	}

	articles := make([]match.Article, 0, len(items))
	for i, item := range items {
		payload, err := payloadschema.ValidateArticlePayload(item)
		if err != nil {
			return nil, fmt.Errorf("article %d: %w", i, err)
		}
		articles = append(articles, batch.FromPayload(payload))
	}
	return articles, nil
}

type matchOutputResult struct {
	Title      string  `json:"title"`
	URL        string  `json:"url,omitempty"`
	SourceName string  `json:"source_name,omitempty"`
	EntityIDs  []int64 `json:"entity_ids"`
	Method     string  `json:"method"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning,omitempty"`
	Language   string  `json:"language,omitempty"`
}

type matchOutput struct {
	RunID           int64               `json:"run_id,omitempty"`
	ArticlesIn      int                 `json:"articles_in"`
	Survivors       int                 `json:"survivors"`
	DuplicateGroups int                 `json:"duplicate_groups"`
	Stats           match.Stats         `json:"stats"`
	Results         []matchOutputResult `json:"results"`
}

func printOutput(articlesIn int, output *batch.Output, pretty bool) error {
	out := matchOutput{
		RunID:           output.RunID,
		ArticlesIn:      articlesIn,
		Survivors:       len(output.Results),
		DuplicateGroups: len(output.Groups),
		Stats:           output.Stats,
		Results:         make([]matchOutputResult, 0, len(output.Results)),
	}
	for i, result := range output.Results {
		item := matchOutputResult{
			Title:      result.Article.Title,
			URL:        result.Article.URL,
			SourceName: result.Article.SourceName,
			EntityIDs:  result.EntityIDs,
			Method:     result.Method,
			Confidence: result.Confidence,
			Reasoning:  result.Reasoning,
		}
		if i < len(output.Languages) {
			item.Language = output.Languages[i]
		}
		out.Results = append(out.Results, item)
	}

	encoder := json.NewEncoder(os.Stdout)
	if pretty {
		encoder.SetIndent("", "  ")
	}
	return encoder.Encode(out)
}
