// Package scorer rates how well a generated artifact matches a text prompt.
package scorer

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/vk/graphforge/internal/ctxlog"
	"github.com/vk/graphforge/internal/engine"
	"github.com/vk/graphforge/internal/transport"
)

// ErrScoring wraps every failure to produce a score.
var ErrScoring = errors.New("scoring failed")

// Scorer returns a similarity in [0,1] between an artifact and text.
type Scorer interface {
	Score(ctx context.Context, a engine.Artifact, text string) (float64, error)
}

// Func adapts a function to Scorer.
type Func func(ctx context.Context, a engine.Artifact, text string) (float64, error)

func (f Func) Score(ctx context.Context, a engine.Artifact, text string) (float64, error) {
	return f(ctx, a, text)
}

// Fetcher downloads artifact bytes; engine.Client and engine.FetchCache
// satisfy it.
type Fetcher = engine.Fetcher

// Options configures an HTTP scorer.
type Options struct {
	// URL is the scoring endpoint; it receives a JSON POST.
	URL        string
	Timeout    time.Duration
	Backoff    transport.BackoffConfig
	HTTPClient *http.Client
}

// HTTP posts the artifact image and prompt text to a scoring service and
// reads back {"score": x}.
type HTTP struct {
	opts    Options
	client  *http.Client
	fetcher Fetcher
}

var _ Scorer = (*HTTP)(nil)

// NewHTTP returns a scorer that downloads artifacts with fetcher.
func NewHTTP(opts Options, fetcher Fetcher) (*HTTP, error) {
	if opts.URL == "" {
		return nil, errors.New("scorer url is required")
	}
	if fetcher == nil {
		return nil, errors.New("scorer needs an artifact fetcher")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}
	return &HTTP{opts: opts, client: client, fetcher: fetcher}, nil
}

type scoreRequest struct {
	ImageBase64 string `json:"image_base64"`
	MimeType    string `json:"mime_type"`
	Text        string `json:"text"`
}

type scoreResponse struct {
	Score *float64 `json:"score"`
	Error string   `json:"error"`
}

// Score fetches the artifact once and posts it, retrying transient
// failures. The result is clamped to [0,1].
func (h *HTTP) Score(ctx context.Context, a engine.Artifact, text string) (float64, error) {
	logger := ctxlog.FromContext(ctx).With("artifact", a.Locator())

	data, mimeType, err := h.fetcher.Fetch(ctx, a)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrScoring, err)
	}
	body, err := json.Marshal(scoreRequest{
		ImageBase64: base64.StdEncoding.EncodeToString(data),
		MimeType:    mimeType,
		Text:        text,
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrScoring, err)
	}

	var score float64
	err = transport.Retry(ctx, h.opts.Backoff, "score", func() error {
		s, err := h.post(ctx, body)
		score = s
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrScoring, err)
	}
	logger.Debug("Artifact scored.", "score", score)
	return score, nil
}

func (h *HTTP) post(ctx context.Context, body []byte) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.opts.URL, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, transport.Transient(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, transport.Transient(err)
	}
	switch {
	case resp.StatusCode == http.StatusBadGateway || resp.StatusCode == http.StatusServiceUnavailable ||
		resp.StatusCode == http.StatusGatewayTimeout || resp.StatusCode == http.StatusTooManyRequests:
		return 0, transport.Transient(fmt.Errorf("scorer responded %s", resp.Status))
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return 0, fmt.Errorf("scorer responded %s: %s", resp.Status, bytes.TrimSpace(raw))
	}

	var out scoreResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return 0, fmt.Errorf("failed to decode score: %w", err)
	}
	if out.Score == nil {
		return 0, fmt.Errorf("scorer returned no score: %s", out.Error)
	}
	return min(max(*out.Score, 0), 1), nil
}
