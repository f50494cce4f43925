package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"render-dispatcher/internal/lease"
	"render-dispatcher/internal/models"
)

// Leaser is the worker side of the lease protocol.
type Leaser interface {
	Poll(ctx context.Context, req PollRequest) (*lease.WorkPayload, error)
	Heartbeat(ctx context.Context, dispatchID, token string) (time.Time, error)
	Complete(ctx context.Context, dispatchID, token string, res Result) (string, error)
	Fail(ctx context.Context, dispatchID, token, message string) (string, error)
}

// PollRequest advertises the worker to the API.
type PollRequest struct {
	WorkerID       string         `json:"worker_id"`
	DisplayName    string         `json:"display_name,omitempty"`
	Capabilities   map[string]any `json:"capabilities,omitempty"`
	Providers      []string       `json:"providers"`
	CurrentLoad    int            `json:"current_load"`
	MaxConcurrency int            `json:"max_concurrency"`
}

// Client talks to the dispatcher's worker endpoints over HTTP.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient returns a client for the API at baseURL. token is sent as
// X-Worker-Token when set.
func NewClient(baseURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), token: token, http: httpClient}
}

func (c *Client) Poll(ctx context.Context, req PollRequest) (*lease.WorkPayload, error) {
	var resp struct {
		Job *lease.WorkPayload `json:"job"`
	}
	if err := c.post(ctx, "/v1/worker/poll", req, &resp); err != nil {
		return nil, err
	}
	return resp.Job, nil
}

func (c *Client) Heartbeat(ctx context.Context, dispatchID, token string) (time.Time, error) {
	var resp struct {
		LeaseExpiresAt time.Time `json:"lease_expires_at"`
	}
	err := c.post(ctx, "/v1/worker/dispatches/"+dispatchID+"/heartbeat", map[string]string{"lease_token": token}, &resp)
	return resp.LeaseExpiresAt, err
}

func (c *Client) Complete(ctx context.Context, dispatchID, token string, res Result) (string, error) {
	body := map[string]any{
		"lease_token": token,
		"output": map[string]any{
			"metadata":  res.Metadata,
			"mime_type": res.MimeType,
			"size":      res.Size,
		},
	}
	var resp struct {
		JobID string `json:"job_id"`
	}
	err := c.post(ctx, "/v1/worker/dispatches/"+dispatchID+"/complete", body, &resp)
	return resp.JobID, err
}

func (c *Client) Fail(ctx context.Context, dispatchID, token, message string) (string, error) {
	body := map[string]string{"lease_token": token, "error_message": message}
	var resp struct {
		DispatchID string `json:"dispatch_id"`
	}
	err := c.post(ctx, "/v1/worker/dispatches/"+dispatchID+"/fail", body, &resp)
	return resp.DispatchID, err
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("X-Worker-Token", c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("post %s: %w", path, models.ErrLeaseNotFound)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("post %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
