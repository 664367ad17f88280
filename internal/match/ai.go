package match

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"

	"github.com/brasilintel/newsmatch/internal/registry"
)

const (
	DefaultChatModel          = "gpt-4o-mini"
	DefaultChatRequestTimeout = 30 * time.Second
	DefaultCandidateLimit     = 40
)

const disambiguationSystemPrompt = `You identify which Brazilian insurance companies a news article is about.
You receive an article and a numbered list of candidate insurers.
Reply with a single JSON object and nothing else:
{"entity_ids": [<ids from the candidate list>], "confidence": <0.0-1.0>, "reasoning": "<one short sentence>"}
Only use ids that appear in the candidate list. If the article is not about any candidate, return an empty entity_ids array.`

// ChatClient is the narrow surface the disambiguator needs from a chat
// completion provider.
type ChatClient interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

type ChatOptions struct {
	APIKey         string
	BaseURL        string
	Model          string
	RequestTimeout time.Duration
}

// OpenAIChatClient calls the OpenAI chat completions endpoint. Like the
// embedder, the underlying client is built lazily on first use.
type OpenAIChatClient struct {
	opts ChatOptions

	once   sync.Once
	client *openai.Client
}

func NewOpenAIChatClient(opts ChatOptions) *OpenAIChatClient {
	if strings.TrimSpace(opts.Model) == "" {
		opts.Model = DefaultChatModel
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultChatRequestTimeout
	}
	return &OpenAIChatClient{opts: opts}
}

func (c *OpenAIChatClient) Complete(ctx context.Context, system, user string) (string, error) {
	if strings.TrimSpace(c.opts.APIKey) == "" {
		return "", &PermanentProviderError{Err: fmt.Errorf("chat provider is not configured")}
	}

	requestCtx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()

	resp, err := c.getClient().CreateChatCompletion(requestCtx, openai.ChatCompletionRequest{
		Model:       c.opts.Model,
		Temperature: 0,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
	})
	if err != nil {
		return "", fmt.Errorf("create chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", &PermanentProviderError{Err: fmt.Errorf("chat completion returned no choices")}
	}
	return resp.Choices[0].Message.Content, nil
}

func (c *OpenAIChatClient) getClient() *openai.Client {
	c.once.Do(func() {
		cfg := openai.DefaultConfig(c.opts.APIKey)
		if strings.TrimSpace(c.opts.BaseURL) != "" {
			cfg.BaseURL = c.opts.BaseURL
		}
		c.client = openai.NewClientWithConfig(cfg)
	})
	return c.client
}

type DisambiguatorOptions struct {
	CandidateLimit int
	RetryAttempts  int
	RetryBaseDelay time.Duration
}

// Disambiguator resolves articles the dictionary stage could not settle by
// asking a chat model to pick from a bounded candidate list.
type Disambiguator struct {
	client ChatClient
	logger zerolog.Logger
	opts   DisambiguatorOptions
}

func NewDisambiguator(client ChatClient, logger zerolog.Logger, opts DisambiguatorOptions) *Disambiguator {
	if opts.CandidateLimit <= 0 {
		opts.CandidateLimit = DefaultCandidateLimit
	}
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = DefaultRetryAttempts
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = DefaultRetryBaseDelay
	}
	return &Disambiguator{client: client, logger: logger, opts: opts}
}

type aiDecision struct {
	EntityIDs  []int64 `json:"entity_ids"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

// Disambiguate asks the model which candidates the article is about. Ids the
// model invents outside the candidate list are discarded with a warning, not
// trusted. Transport failures are retried; any final error is returned to the
// caller, which downgrades the article to unmatched rather than failing the
// batch.
func (d *Disambiguator) Disambiguate(ctx context.Context, article Article, candidates []registry.Entity) ([]int64, float64, string, error) {
	if len(candidates) == 0 {
		return nil, 0, "", fmt.Errorf("no candidates supplied")
	}
	if len(candidates) > d.opts.CandidateLimit {
		candidates = candidates[:d.opts.CandidateLimit]
	}

	prompt := buildDisambiguationPrompt(article, candidates)

	start := time.Now()
	var raw string
	err := Retry(ctx, d.opts.RetryAttempts, d.opts.RetryBaseDelay, func(ctx context.Context) error {
		var callErr error
		raw, callErr = d.client.Complete(ctx, disambiguationSystemPrompt, prompt)
		return callErr
	})
	latency := time.Since(start)

	var event *zerolog.Event
	if err != nil {
		event = d.logger.Warn().Err(err)
	} else {
		event = d.logger.Info()
	}
	event.
		Str("article_url", article.URL).
		Int("candidate_count", len(candidates)).
		Dur("latency", latency).
		Bool("success", err == nil).
		Msg("ai disambiguation call")
	if err != nil {
		return nil, 0, "", err
	}

	decision, err := parseDecision(raw)
	if err != nil {
		return nil, 0, "", fmt.Errorf("parse model response: %w", err)
	}

	allowed := make(map[int64]bool, len(candidates))
	for _, candidate := range candidates {
		allowed[candidate.ID] = true
	}

	ids := make([]int64, 0, len(decision.EntityIDs))
	seen := make(map[int64]bool, len(decision.EntityIDs))
	for _, id := range decision.EntityIDs {
		if !allowed[id] {
			d.logger.Warn().
				Int64("insurer_id", id).
				Str("article_url", article.URL).
				Msg("model returned id outside candidate list, discarding")
			continue
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}

	confidence := decision.Confidence
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}
	return ids, confidence, decision.Reasoning, nil
}

func buildDisambiguationPrompt(article Article, candidates []registry.Entity) string {
	var sb strings.Builder
	sb.WriteString("Article title: ")
	sb.WriteString(article.Title)
	if strings.TrimSpace(article.Description) != "" {
		sb.WriteString("\nArticle description: ")
		sb.WriteString(article.Description)
	}
	sb.WriteString("\n\nCandidate insurers:\n")
	for _, candidate := range candidates {
		sb.WriteString(fmt.Sprintf("- id=%d name=%q", candidate.ID, candidate.Name))
		if len(candidate.Terms) > 0 {
			sb.WriteString(" terms=" + strings.Join(candidate.Terms, "; "))
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

// parseDecision extracts the first JSON object from the model output. Models
// occasionally wrap the object in prose or code fences even when asked not
// to.
func parseDecision(raw string) (aiDecision, error) {
	var decision aiDecision
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end < start {
		return decision, fmt.Errorf("no JSON object in model output")
	}
	if err := json.Unmarshal([]byte(raw[start:end+1]), &decision); err != nil {
		return decision, fmt.Errorf("decode decision: %w", err)
	}
	return decision, nil
}
