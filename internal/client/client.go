// Package client talks to the sync server over HTTP on behalf of a local
// mirror.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/upkeephq/upkeep/internal/entity"
	"github.com/upkeephq/upkeep/internal/pull"
	"github.com/upkeephq/upkeep/internal/push"
	"github.com/upkeephq/upkeep/internal/scope"
)

// Transport moves batches between a mirror and the server. The mirror only
// depends on this interface; tests substitute an in-memory fake.
type Transport interface {
	Push(ctx context.Context, s scope.Scope, changes []entity.Change) (*push.BatchResult, error)
	Pull(ctx context.Context, s scope.Scope, since int64) (*pull.Result, error)
}

// HTTPTransport is the production Transport over the sync HTTP API.
type HTTPTransport struct {
	baseURL string
	actorID string
	client  *http.Client
}

// NewHTTPTransport creates a transport for the given server and actor.
func NewHTTPTransport(baseURL, actorID string) *HTTPTransport {
	return &HTTPTransport{
		baseURL: baseURL,
		actorID: actorID,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

type pushRequest struct {
	ScopeType string          `json:"scopeType"`
	ScopeID   string          `json:"scopeId"`
	Changes   []entity.Change `json:"changes"`
}

// Push submits a change batch.
func (t *HTTPTransport) Push(ctx context.Context, s scope.Scope, changes []entity.Change) (*push.BatchResult, error) {
	body, err := json.Marshal(pushRequest{
		ScopeType: s.Type.String(),
		ScopeID:   s.ID,
		Changes:   changes,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode push request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/api/sync/push", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actor-ID", t.actorID)

	var result push.BatchResult
	if err := t.do(req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Pull fetches one page of scoped changes after the cursor.
func (t *HTTPTransport) Pull(ctx context.Context, s scope.Scope, since int64) (*pull.Result, error) {
	q := url.Values{}
	q.Set("scopeType", s.Type.String())
	q.Set("scopeId", s.ID)
	q.Set("since", strconv.FormatInt(since, 10))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL+"/api/sync/pull?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build pull request: %w", err)
	}
	req.Header.Set("X-Actor-ID", t.actorID)

	var result pull.Result
	if err := t.do(req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// StatusError is a non-2xx response from the server.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Code, e.Message)
}

func (t *HTTPTransport) do(req *http.Request, out any) error {
	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Code: resp.StatusCode, Message: string(bytes.TrimSpace(msg))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
