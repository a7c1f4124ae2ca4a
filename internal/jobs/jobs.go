// Package jobs invokes the external automation handlers. Handlers are opaque
// HTTP endpoints that either succeed (2xx) or fail; they must tolerate being
// re-run for the same user after an uncommitted run.
package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"trading-radar/internal/logger"
	"trading-radar/internal/model"
)

var ErrUnknownFeature = errors.New("jobs: no handler for feature")

// Handler runs one feature for one user.
type Handler interface {
	Run(ctx context.Context, userID string) error
}

type HandlerFunc func(ctx context.Context, userID string) error

func (f HandlerFunc) Run(ctx context.Context, userID string) error { return f(ctx, userID) }

// Endpoint paths under JOBS_BASE_URL.
const (
	AITriggerAnalysisPath   = "/ai-trigger-analysis"
	WatchlistAutomationPath = "/watchlist-automation"
)

// HTTPHandler POSTs {"userId": ...} to an endpoint.
type HTTPHandler struct {
	url    string
	client *http.Client
}

// NewHTTPHandler creates a handler for baseURL+path. A nil client gets a
// 60s timeout; callers usually bound each call with a context deadline too.
func NewHTTPHandler(baseURL, path string, client *http.Client) *HTTPHandler {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &HTTPHandler{url: strings.TrimRight(baseURL, "/") + path, client: client}
}

func (h *HTTPHandler) Run(ctx context.Context, userID string) error {
	body, err := json.Marshal(map[string]string{"userId": userID})
	if err != nil {
		return fmt.Errorf("jobs: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("jobs: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if tid := logger.TraceID(ctx); tid != "" {
		req.Header.Set("X-Trace-Id", tid)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("jobs: post %s: %w", h.url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("jobs: %s: unexpected status %d: %s", h.url, resp.StatusCode, bytes.TrimSpace(snippet))
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

// Registry dispatches a fingerprint to the handler of its feature.
type Registry struct {
	handlers map[model.Feature]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[model.Feature]Handler)}
}

// NewHTTPRegistry wires every feature to its endpoint under baseURL.
func NewHTTPRegistry(baseURL string, client *http.Client) *Registry {
	r := NewRegistry()
	r.Register(model.FeatureAITriggerAnalysis, NewHTTPHandler(baseURL, AITriggerAnalysisPath, client))
	r.Register(model.FeatureWatchlistAutomation, NewHTTPHandler(baseURL, WatchlistAutomationPath, client))
	return r
}

func (r *Registry) Register(f model.Feature, h Handler) {
	r.handlers[f] = h
}

// Run implements scheduler.Runner.
func (r *Registry) Run(ctx context.Context, fp model.Fingerprint) error {
	h, ok := r.handlers[fp.Feature]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownFeature, fp.Feature)
	}
	return h.Run(ctx, fp.UserID)
}
