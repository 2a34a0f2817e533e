// Package remote synthesizes speech through an OpenAI-compatible
// /v1/audio/speech endpoint, such as another koko instance.
package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/MrWong99/koko/internal/resilience"
)

// DefaultModel is sent as the model name when none is configured.
const DefaultModel = "kokoro"

// Client calls a remote speech endpoint, failing over to the configured
// fallback endpoints when the primary is unreachable or answers with a
// server error.
type Client struct {
	endpoints *resilience.Group[oai.Client]
	model     string
}

type config struct {
	apiKey       string
	model        string
	timeout      time.Duration
	http         *http.Client
	fallbacks    []string
	maxFailures  int
	resetTimeout time.Duration
	logger       *slog.Logger
}

// Option is a functional option for [New].
type Option func(*config)

// WithAPIKey sets the bearer token. Local koko servers ignore it.
func WithAPIKey(key string) Option {
	return func(c *config) { c.apiKey = key }
}

// WithModel sets the model name sent with every request.
func WithModel(model string) Option {
	return func(c *config) { c.model = model }
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// WithHTTPClient replaces the HTTP client. It takes precedence over
// [WithTimeout].
func WithHTTPClient(hc *http.Client) Option {
	return func(c *config) { c.http = hc }
}

// WithFallbackURLs adds endpoints tried in order after the primary.
func WithFallbackURLs(urls ...string) Option {
	return func(c *config) { c.fallbacks = append(c.fallbacks, urls...) }
}

// WithBreaker tunes the per-endpoint circuit breaker: maxFailures
// consecutive failures take an endpoint out of rotation for resetTimeout.
// Zero values keep the defaults (3 failures, 15s).
func WithBreaker(maxFailures int, resetTimeout time.Duration) Option {
	return func(c *config) {
		c.maxFailures = maxFailures
		c.resetTimeout = resetTimeout
	}
}

// WithLogger sets the logger for failover events. Default: [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// New returns a client for the API rooted at baseURL, for example
// "http://localhost:3000/v1".
func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("remote: base URL must not be empty")
	}
	cfg := &config{apiKey: "koko", model: DefaultModel}
	for _, o := range opts {
		o(cfg)
	}

	group := resilience.NewGroup[oai.Client](resilience.Config{
		MaxFailures:  cfg.maxFailures,
		ResetTimeout: cfg.resetTimeout,
		IsFailure:    endpointFailure,
		Logger:       cfg.logger,
	})
	for _, u := range append([]string{baseURL}, cfg.fallbacks...) {
		if u == "" {
			return nil, fmt.Errorf("remote: fallback URL must not be empty")
		}
		group.Add(u, newOpenAIClient(u, cfg))
	}
	return &Client{endpoints: group, model: cfg.model}, nil
}

func newOpenAIClient(baseURL string, cfg *config) oai.Client {
	reqOpts := []option.RequestOption{
		option.WithBaseURL(strings.TrimSuffix(baseURL, "/") + "/"),
		option.WithAPIKey(cfg.apiKey),
		option.WithMaxRetries(0),
	}
	switch {
	case cfg.http != nil:
		reqOpts = append(reqOpts, option.WithHTTPClient(cfg.http))
	case cfg.timeout > 0:
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}
	return oai.NewClient(reqOpts...)
}

// endpointFailure reports whether err says the endpoint is unhealthy. A
// request the server understood and rejected is the caller's problem and
// would fail the same way everywhere.
func endpointFailure(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *oai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500 || apiErr.StatusCode == http.StatusTooManyRequests
	}
	return true
}

// Endpoints returns the circuit state of every endpoint keyed by URL.
func (c *Client) Endpoints() map[string]string {
	out := make(map[string]string, c.endpoints.Len())
	for u, st := range c.endpoints.States() {
		out[u] = st.String()
	}
	return out
}

// Request describes one remote synthesis. Zero fields use server defaults.
type Request struct {
	Input  string
	Voice  string
	Speed  float64
	Format string
}

// Response is the synthesized audio as returned by the server.
type Response struct {
	Audio       []byte
	ContentType string
	SessionID   string
}

// Speech synthesizes req and reads the whole response body.
func (c *Client) Speech(ctx context.Context, req Request) (*Response, error) {
	body, resp, err := c.open(ctx, req)
	if err != nil {
		return nil, err
	}
	defer body.Close()
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("remote: read audio: %w", err)
	}
	return &Response{
		Audio:       data,
		ContentType: resp.Header.Get("Content-Type"),
		SessionID:   resp.Header.Get("X-Session-ID"),
	}, nil
}

// SpeechTo synthesizes req and copies the audio to w as it arrives. It
// returns the number of bytes written.
func (c *Client) SpeechTo(ctx context.Context, req Request, w io.Writer) (int64, error) {
	body, _, err := c.open(ctx, req)
	if err != nil {
		return 0, err
	}
	defer body.Close()
	n, err := io.Copy(w, body)
	if err != nil {
		return n, fmt.Errorf("remote: copy audio: %w", err)
	}
	return n, nil
}

func (c *Client) open(ctx context.Context, req Request) (io.ReadCloser, *http.Response, error) {
	params := oai.AudioSpeechNewParams{
		Model: oai.SpeechModel(c.model),
		Input: req.Input,
		Voice: oai.AudioSpeechNewParamsVoice(req.Voice),
	}
	if req.Format != "" {
		params.ResponseFormat = oai.AudioSpeechNewParamsResponseFormat(req.Format)
	}
	if req.Speed != 0 {
		params.Speed = param.NewOpt(req.Speed)
	}
	resp, err := resilience.Do(ctx, c.endpoints, func(ctx context.Context, client oai.Client) (*http.Response, error) {
		return client.Audio.Speech.New(ctx, params)
	})
	if err != nil {
		return nil, nil, fmt.Errorf("remote: speech: %w", err)
	}
	return resp.Body, resp, nil
}
