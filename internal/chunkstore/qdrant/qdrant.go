package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"docqa/internal/domain"
	"docqa/internal/logger"
)

const (
	payloadText       = "text"
	payloadDocumentID = "document_id"
	payloadCategory   = "category"
	scrollPageSize    = 256
)

// Storage searches a Qdrant collection whose point payloads carry the chunk
// text, document id and category. Queries are embedded with the configured
// embedder; the category filter is an exact payload match.
type Storage struct {
	url        string
	apiKey     string
	collection string
	embedder   domain.Embedder
	client     *http.Client
	maxRetries uint64
	backoff    time.Duration
}

type Config struct {
	URL        string
	APIKey     string
	Collection string
	Timeout    time.Duration
	MaxRetries int
}

type point struct {
	ID      any            `json:"id"`
	Score   float64        `json:"score"`
	Payload map[string]any `json:"payload"`
}

type apiError struct {
	status int
	msg    string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("qdrant request failed (%d): %s", e.status, e.msg)
}

func NewStorage(cfg Config, embedder domain.Embedder) (*Storage, error) {
	if embedder == nil {
		return nil, errors.New("qdrant: embedder is required")
	}
	if cfg.URL == "" || cfg.Collection == "" {
		return nil, errors.New("qdrant: url and collection are required")
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Storage{
		url:        strings.TrimRight(cfg.URL, "/"),
		apiKey:     cfg.APIKey,
		collection: cfg.Collection,
		embedder:   embedder,
		client:     &http.Client{Timeout: timeout},
		maxRetries: uint64(cfg.MaxRetries),
		backoff:    100 * time.Millisecond,
	}, nil
}

// Search implements domain.ChunkSearchProvider. An empty query has nothing to
// embed, so it pages the collection in storage order instead.
func (s *Storage) Search(ctx context.Context, query string, filter domain.SearchFilter, limit int) ([]domain.Chunk, error) {
	if limit <= 0 {
		return []domain.Chunk{}, nil
	}
	if strings.TrimSpace(query) == "" {
		points, _, err := s.scroll(ctx, filter, limit, nil, true)
		if err != nil {
			return nil, err
		}
		return toChunks(points), nil
	}
	vector, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query with %s: %w", s.embedder.Name(), err)
	}
	req := map[string]any{
		"vector":       vector,
		"limit":        limit,
		"with_payload": true,
	}
	if f := buildFilter(filter); f != nil {
		req["filter"] = f
	}
	var resp struct {
		Result []point `json:"result"`
	}
	if err := s.postJSON(ctx, fmt.Sprintf("/collections/%s/points/search", s.collection), req, &resp); err != nil {
		return nil, err
	}
	return toChunks(resp.Result), nil
}

// ListCategories implements domain.ChunkSearchProvider.
func (s *Storage) ListCategories(ctx context.Context) ([]string, error) {
	return s.distinct(ctx, payloadCategory)
}

// ListDocuments implements domain.ChunkSearchProvider.
func (s *Storage) ListDocuments(ctx context.Context) ([]string, error) {
	return s.distinct(ctx, payloadDocumentID)
}

func (s *Storage) distinct(ctx context.Context, key string) ([]string, error) {
	seen := make(map[string]struct{})
	var offset any
	for {
		points, next, err := s.scroll(ctx, domain.SearchFilter{}, scrollPageSize, offset, []string{key})
		if err != nil {
			return nil, err
		}
		for _, p := range points {
			if v, ok := p.Payload[key].(string); ok && v != "" {
				seen[v] = struct{}{}
			}
		}
		if next == nil {
			break
		}
		offset = next
	}
	out := make([]string, 0, len(seen))
	for v := range seen {
		out = append(out, v)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Storage) scroll(ctx context.Context, filter domain.SearchFilter, limit int, offset any, withPayload any) ([]point, any, error) {
	req := map[string]any{
		"limit":        limit,
		"with_payload": withPayload,
		"with_vector":  false,
	}
	if offset != nil {
		req["offset"] = offset
	}
	if f := buildFilter(filter); f != nil {
		req["filter"] = f
	}
	var resp struct {
		Result struct {
			Points         []point `json:"points"`
			NextPageOffset any     `json:"next_page_offset"`
		} `json:"result"`
	}
	if err := s.postJSON(ctx, fmt.Sprintf("/collections/%s/points/scroll", s.collection), req, &resp); err != nil {
		return nil, nil, err
	}
	return resp.Result.Points, resp.Result.NextPageOffset, nil
}

func buildFilter(filter domain.SearchFilter) map[string]any {
	if !filter.Restricted() {
		return nil
	}
	return map[string]any{
		"must": []any{
			map[string]any{
				"key":   payloadCategory,
				"match": map[string]any{"value": *filter.Category},
			},
		},
	}
}

func toChunks(points []point) []domain.Chunk {
	out := make([]domain.Chunk, 0, len(points))
	for _, p := range points {
		chunk := domain.Chunk{}
		if v, ok := p.Payload[payloadText].(string); ok {
			chunk.Text = v
		}
		if v, ok := p.Payload[payloadDocumentID].(string); ok {
			chunk.DocumentID = v
		}
		if v, ok := p.Payload[payloadCategory].(string); ok {
			chunk.Category = v
		}
		out = append(out, chunk)
	}
	return out
}

// postJSON retries transport failures, 429 and 5xx answers.
func (s *Storage) postJSON(ctx context.Context, path string, body any, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("qdrant: marshal request: %w", err)
	}
	backoff := retry.WithMaxRetries(s.maxRetries, retry.NewExponential(s.backoff))
	attempt := 0
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		err := s.doRequest(ctx, http.MethodPost, path, data, out)
		var ae *apiError
		switch {
		case err == nil:
			return nil
		case errors.As(err, &ae) && ae.status != http.StatusTooManyRequests && ae.status < 500:
			return err
		case ctx.Err() != nil:
			return err
		}
		logger.FromContext(ctx).Warn("qdrant request failed, retrying", "path", path, "attempt", attempt, "error", err)
		return retry.RetryableError(err)
	})
}

func (s *Storage) doRequest(ctx context.Context, method, path string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, s.url+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("qdrant: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("api-key", s.apiKey)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("qdrant: request failed: %w", err)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("qdrant: read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var e struct {
			Status struct {
				Error string `json:"error"`
			} `json:"status"`
		}
		msg := resp.Status
		if json.Unmarshal(payload, &e) == nil && e.Status.Error != "" {
			msg = e.Status.Error
		}
		return &apiError{status: resp.StatusCode, msg: msg}
	}
	if out != nil {
		if err := json.Unmarshal(payload, out); err != nil {
			return fmt.Errorf("qdrant: decode response: %w", err)
		}
	}
	return nil
}
