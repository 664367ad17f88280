// Package httpapi exposes the matching pipeline over HTTP: submit a batch,
// read aggregate statistics, list the tracked insurers.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/brasilintel/newsmatch/internal/batch"
	"github.com/brasilintel/newsmatch/internal/db"
	"github.com/brasilintel/newsmatch/internal/globaltime"
	"github.com/brasilintel/newsmatch/internal/match"
	"github.com/brasilintel/newsmatch/internal/store"
	payloadschema "github.com/brasilintel/newsmatch/schema"
)

const maxBatchSize = 500

type Options struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

type Server struct {
	pool    *db.Pool
	service *batch.Service
	store   *store.Store
	logger  zerolog.Logger
	opts    Options
}

func NewServer(pool *db.Pool, service *batch.Service, logger zerolog.Logger, opts Options) *Server {
	host := strings.TrimSpace(opts.Host)
	if host == "" {
		host = "0.0.0.0"
	}
	port := opts.Port
	if port <= 0 {
		port = 8091
	}
	readTimeout := opts.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 30 * time.Second
	}
	// Batch runs call external providers, so responses can take a while.
	writeTimeout := opts.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Minute
	}
	shutdownTimeout := opts.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}

	return &Server{
		pool:    pool,
		service: service,
		store:   store.New(pool, logger),
		logger:  logger,
		opts: Options{
			Host:            host,
			Port:            port,
			ReadTimeout:     readTimeout,
			WriteTimeout:    writeTimeout,
			ShutdownTimeout: shutdownTimeout,
		},
	}
}

func (s *Server) Start(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("server is not initialized")
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.httpErrorHandler

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:    true,
		LogURI:       true,
		LogMethod:    true,
		LogLatency:   true,
		LogRemoteIP:  true,
		LogRequestID: true,
		LogError:     true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			if v.Error != nil {
				s.logger.Error().
					Err(v.Error).
					Str("method", v.Method).
					Str("uri", v.URI).
					Int("status", v.Status).
					Dur("latency", v.Latency).
					Str("remote_ip", v.RemoteIP).
					Str("request_id", v.RequestID).
					Msg("http request failed")
				return nil
			}

			s.logger.Info().
				Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Str("remote_ip", v.RemoteIP).
				Str("request_id", v.RequestID).
				Msg("http request")
			return nil
		},
	}))

	api := e.Group("/api/v1")
	api.GET("/health", s.handleHealth)
	api.GET("/stats", s.handleStats)
	api.GET("/insurers", s.handleInsurers)
	api.POST("/runs", s.handleRun)

	addr := fmt.Sprintf("%s:%d", s.opts.Host, s.opts.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      e,
		ReadTimeout:  s.opts.ReadTimeout,
		WriteTimeout: s.opts.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
		defer cancel()
		if shutdownErr := e.Shutdown(shutdownCtx); shutdownErr != nil {
			s.logger.Error().Err(shutdownErr).Msg("server shutdown failed")
		}
	}()

	s.logger.Info().Str("addr", addr).Msg("newsmatch api server started")

	if err := e.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("start server: %w", err)
	}
	s.logger.Info().Msg("newsmatch api server stopped")
	return nil
}

func (s *Server) httpErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status := http.StatusInternalServerError
	message := "Internal server error"
	if he, ok := err.(*echo.HTTPError); ok {
		status = he.Code
		switch v := he.Message.(type) {
		case string:
			if strings.TrimSpace(v) != "" {
				message = v
			}
		default:
			if text := strings.TrimSpace(http.StatusText(status)); text != "" {
				message = text
			}
		}
	} else if err != nil {
		message = err.Error()
	}

	if status >= 500 {
		_ = internalError(c, "Internal server error")
		return
	}
	_ = fail(c, status, message, nil)
}

func (s *Server) handleHealth(c echo.Context) error {
	return success(c, map[string]any{
		"service": "newsmatch",
		"time":    globaltime.UTC(),
	})
}

func (s *Server) handleStats(c echo.Context) error {
	stats, err := s.store.QueryStats(c.Request().Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("query stats failed")
		return internalError(c, "Failed to load stats")
	}
	return success(c, stats)
}

type insurerItem struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	SearchTerms string `json:"search_terms,omitempty"`
	Enabled     bool   `json:"enabled"`
	Sentinel    bool   `json:"sentinel"`
}

func (s *Server) handleInsurers(c echo.Context) error {
	rows, err := s.pool.Query(c.Request().Context(), `
		SELECT id, name, search_terms, enabled, sentinel
		FROM insurers
		ORDER BY id`)
	if err != nil {
		s.logger.Error().Err(err).Msg("query insurers failed")
		return internalError(c, "Failed to load insurers")
	}
	defer rows.Close()

	items := make([]insurerItem, 0, 32)
	for rows.Next() {
		var row insurerItem
		if err := rows.Scan(&row.ID, &row.Name, &row.SearchTerms, &row.Enabled, &row.Sentinel); err != nil {
			s.logger.Error().Err(err).Msg("scan insurer row failed")
			return internalError(c, "Failed to load insurers")
		}
		items = append(items, row)
	}
	if err := rows.Err(); err != nil {
		s.logger.Error().Err(err).Msg("iterate insurer rows failed")
		return internalError(c, "Failed to load insurers")
	}

	return success(c, map[string]any{"items": items})
}

type runRequest struct {
	Articles []json.RawMessage `json:"articles"`
	Persist  bool              `json:"persist"`
}

type resultItem struct {
	Title      string  `json:"title"`
	URL        string  `json:"url,omitempty"`
	SourceName string  `json:"source_name,omitempty"`
	EntityIDs  []int64 `json:"entity_ids"`
	Method     string  `json:"method"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning,omitempty"`
	Language   string  `json:"language,omitempty"`
}

type groupItem struct {
	SurvivorURL  string   `json:"survivor_url,omitempty"`
	MemberURLs   []string `json:"member_urls"`
	Signal       string   `json:"signal"`
	MergedSource string   `json:"merged_source,omitempty"`
}

type runResponse struct {
	RunID           int64        `json:"run_id,omitempty"`
	ArticlesIn      int          `json:"articles_in"`
	Survivors       int          `json:"survivors"`
	DuplicateGroups []groupItem  `json:"duplicate_groups"`
	Stats           match.Stats  `json:"stats"`
	Results         []resultItem `json:"results"`
}

func (s *Server) handleRun(c echo.Context) error {
	var req runRequest
	if err := c.Bind(&req); err != nil {
		return failValidation(c, map[string]string{"body": "must be a JSON object"})
	}
	if len(req.Articles) == 0 {
		return failValidation(c, map[string]string{"articles": "must not be empty"})
	}
	if len(req.Articles) > maxBatchSize {
		return failValidation(c, map[string]string{"articles": fmt.Sprintf("must not exceed %d items", maxBatchSize)})
	}

	articles := make([]match.Article, 0, len(req.Articles))
	for i, raw := range req.Articles {
		payload, err := payloadschema.ValidateArticlePayload(raw)
		if err != nil {
			return failValidation(c, map[string]string{
				fmt.Sprintf("articles[%d]", i): err.Error(),
			})
		}
		articles = append(articles, batch.FromPayload(payload))
	}

	output, err := s.service.Run(c.Request().Context(), articles, req.Persist)
	if err != nil {
		s.logger.Error().Err(err).Msg("batch run failed")
		return internalError(c, "Batch run failed")
	}

	return success(c, buildRunResponse(len(articles), output))
}

func buildRunResponse(articlesIn int, output *batch.Output) runResponse {
	resp := runResponse{
		RunID:           output.RunID,
		ArticlesIn:      articlesIn,
		Survivors:       len(output.Results),
		DuplicateGroups: make([]groupItem, 0, len(output.Groups)),
		Stats:           output.Stats,
		Results:         make([]resultItem, 0, len(output.Results)),
	}
	for _, group := range output.Groups {
		resp.DuplicateGroups = append(resp.DuplicateGroups, groupItem{
			SurvivorURL:  group.SurvivorURL,
			MemberURLs:   group.MemberURLs,
			Signal:       group.Signal,
			MergedSource: group.MergedSource,
		})
	}
	for i, result := range output.Results {
		item := resultItem{
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
		resp.Results = append(resp.Results, item)
	}
	return resp
}

