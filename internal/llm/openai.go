// Package llm talks to OpenAI-compatible chat completion endpoints.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"docqa/internal/domain"
	"docqa/internal/logger"
)

// keylessToken is sent to endpoints that need no key; the client refuses an
// empty token.
const keylessToken = "none"

// Client implements domain.CompletionProvider. Each Complete call issues
// exactly one request; there is no retry and no streaming.
type Client struct {
	llm         llms.Model
	models      []string
	maxTokens   int
	temperature *float64
}

type Config struct {
	BaseURL   string
	APIKey    string
	Models    []string
	Timeout   time.Duration
	MaxTokens int
	// Temperature is sent as given; nil leaves the client default of 0.
	Temperature *float64
}

func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	t := cfg.Timeout
	if t == 0 {
		t = 60 * time.Second
	}
	token := cfg.APIKey
	if token == "" {
		token = keylessToken
	}
	opts := []openai.Option{
		openai.WithBaseURL(strings.TrimRight(cfg.BaseURL, "/")),
		openai.WithToken(token),
		openai.WithHTTPClient(&tracingDoer{client: &http.Client{Timeout: t}}),
	}
	model, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create completion client: %w", err)
	}
	return &Client{
		llm:         model,
		models:      slices.Clone(cfg.Models),
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
	}, nil
}

// Models returns the accepted model names. An empty list accepts any model.
func (c *Client) Models() []string { return slices.Clone(c.models) }

// Complete sends prompt as a single user message to model.
func (c *Client) Complete(ctx context.Context, model domain.ModelSelection, prompt domain.RenderedPrompt) (string, error) {
	if model == "" || (len(c.models) > 0 && !slices.Contains(c.models, string(model))) {
		return "", domain.NewCompletionError(domain.ErrModelUnavailable, model, errors.New("model is not configured"))
	}
	opts := []llms.CallOption{llms.WithModel(string(model))}
	if c.maxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(c.maxTokens))
	}
	if c.temperature != nil {
		opts = append(opts, llms.WithTemperature(*c.temperature))
	}

	trace := &callTrace{}
	start := time.Now()
	text, err := llms.GenerateFromSinglePrompt(context.WithValue(ctx, traceKey{}, trace), c.llm, string(prompt), opts...)
	logger.FromContext(ctx).Debug("completion response", "model", model, "status", trace.status, "elapsed", time.Since(start))
	if err != nil {
		return "", classify(ctx, model, trace, err)
	}
	return text, nil
}

func classify(ctx context.Context, model domain.ModelSelection, trace *callTrace, err error) error {
	if trace.err != nil {
		err = trace.err
	}
	switch {
	case isTimeout(ctx, err):
		return domain.NewCompletionError(domain.ErrCompletionTimeout, model, err)
	case trace.status == http.StatusNotFound, trace.code == "model_not_found":
		return domain.NewCompletionError(domain.ErrModelUnavailable, model, err)
	case trace.status == http.StatusGatewayTimeout, trace.status == http.StatusRequestTimeout:
		return domain.NewCompletionError(domain.ErrCompletionTimeout, model, err)
	default:
		return domain.NewCompletionError(domain.ErrCompletionBackend, model, err)
	}
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

type traceKey struct{}

// callTrace records what the transport saw during one Complete call. The
// completion client only reports failures as flat strings.
type callTrace struct {
	status int
	code   string
	err    error
}

type tracingDoer struct {
	client *http.Client
}

func (d *tracingDoer) Do(req *http.Request) (*http.Response, error) {
	resp, err := d.client.Do(req)
	trace, ok := req.Context().Value(traceKey{}).(*callTrace)
	if !ok {
		return resp, err
	}
	if err != nil {
		trace.err = err
		return resp, err
	}
	trace.status = resp.StatusCode
	if resp.StatusCode != http.StatusOK {
		body, rerr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if rerr == nil {
			var e struct {
				Error struct {
					Code any `json:"code"`
				} `json:"error"`
			}
			if json.Unmarshal(body, &e) == nil {
				if s, ok := e.Error.Code.(string); ok {
					trace.code = s
				}
			}
		}
		resp.Body = io.NopCloser(bytes.NewReader(body))
	}
	return resp, nil
}
