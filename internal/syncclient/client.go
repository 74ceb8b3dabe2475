// Package syncclient is the HTTP client for the sync server. It implements
// the engine's Transport and classifies every failure into the engine's
// retry taxonomy: network trouble and server errors are transient, client
// errors are permanent, credential errors are flagged separately.
package syncclient

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

	"github.com/scolaris/scolaris/internal/sync"
)

// Client talks to a scolaris sync server.
type Client struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client
}

// New creates a client with sane timeouts. The engine applies its own
// per-call deadline on top via context.
func New(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTP: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError is the server's error envelope.
type apiError struct {
	Error string `json:"error"`
}

// changesResponse is the body of the changes endpoint.
type changesResponse struct {
	Changes []sync.EntityChange `json:"changes"`
	HasMore bool                `json:"hasMore"`
}

// pushRequest is the body of the push endpoint.
type pushRequest struct {
	Events []sync.PushEvent `json:"events"`
}

// pushResponse is the body of the push endpoint.
type pushResponse struct {
	Outcomes []sync.Outcome `json:"outcomes"`
}

// ServerStatus is the server's view of a tenant, for diagnostics.
type ServerStatus struct {
	TenantID   string `json:"tenantId"`
	EntityRows int64  `json:"entityRows"`
	LatestSeq  int64  `json:"latestSeq"`
	EventCount int64  `json:"eventCount"`
}

// Send transmits one event. Implements sync.Transport.
func (c *Client) Send(ctx context.Context, tenantID string, ev sync.PushEvent) (*sync.Outcome, error) {
	var resp pushResponse
	path := fmt.Sprintf("/v1/tenants/%s/sync/push", url.PathEscape(tenantID))
	if err := c.do(ctx, http.MethodPost, path, pushRequest{Events: []sync.PushEvent{ev}}, &resp); err != nil {
		return nil, err
	}
	if len(resp.Outcomes) != 1 {
		return nil, fmt.Errorf("%w: expected 1 outcome, got %d", sync.ErrTransient, len(resp.Outcomes))
	}
	out := resp.Outcomes[0]
	if out.EventID != ev.ID {
		return nil, fmt.Errorf("%w: outcome for wrong event %s", sync.ErrTransient, out.EventID)
	}
	return &out, nil
}

// Changes fetches confirmed changes after the given sequence. Implements
// sync.Transport.
func (c *Client) Changes(ctx context.Context, tenantID string, afterSeq int64, limit int) ([]sync.EntityChange, error) {
	var resp changesResponse
	path := fmt.Sprintf("/v1/tenants/%s/sync/changes?after_seq=%d&limit=%d",
		url.PathEscape(tenantID), afterSeq, limit)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Changes, nil
}

// Status fetches the server-side tenant summary.
func (c *Client) Status(ctx context.Context, tenantID string) (*ServerStatus, error) {
	var resp ServerStatus
	path := fmt.Sprintf("/v1/tenants/%s/sync/status", url.PathEscape(tenantID))
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// HealthCheck probes the unauthenticated health endpoint. Used by the
// connectivity monitor.
func (c *Client) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", sync.ErrTransient, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: health check returned %d", sync.ErrTransient, resp.StatusCode)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", sync.ErrTransient, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read response: %v", sync.ErrTransient, err)
	}

	if resp.StatusCode != http.StatusOK {
		return classifyStatus(resp.StatusCode, data)
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("%w: decode response: %v", sync.ErrTransient, err)
		}
	}
	return nil
}

func classifyStatus(status int, body []byte) error {
	msg := "status " + strconv.Itoa(status)
	var ae apiError
	if json.Unmarshal(body, &ae) == nil && ae.Error != "" {
		msg = ae.Error
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w: %s", sync.ErrUnauthorized, msg)
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", sync.ErrTransient, msg)
	case status >= 500:
		return fmt.Errorf("%w: %s", sync.ErrTransient, msg)
	case status >= 400:
		return fmt.Errorf("%w: %s", sync.ErrPermanent, msg)
	default:
		return fmt.Errorf("%w: unexpected %s", sync.ErrTransient, msg)
	}
}
