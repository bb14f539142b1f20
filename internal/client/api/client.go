// Package api is a thin typed wrapper over the passvault REST surface, used
// by the vaultctl watch commands.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"
)

// Client talks to one passvault server on behalf of one authenticated user.
type Client struct {
	baseURL *url.URL
	token   string
	http    *http.Client
}

// New creates an API client. token may be empty for the resolve call, which
// authenticates by session id alone.
func New(rawURL, token string, timeout time.Duration) (*Client, error) {
	if rawURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	if parsed.Scheme == "" {
		return nil, fmt.Errorf("base url must include scheme")
	}
	parsed.Path = strings.TrimSuffix(parsed.Path, "/")
	return &Client{
		baseURL: parsed,
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}, nil
}

// StatusError is returned for non-2xx responses so callers can branch on the
// HTTP status (404 gone vs 410 expired matters to the watchers).
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

type errorBody struct {
	Error string `json:"error"`
}

func (c *Client) do(ctx context.Context, method, p string, query url.Values, body, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}

	u := c.resolve(p)
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, &buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var eb errorBody
		_ = json.NewDecoder(resp.Body).Decode(&eb)
		return &StatusError{StatusCode: resp.StatusCode, Message: eb.Error}
	}

	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) resolve(p string) string {
	u := *c.baseURL
	u.Path = path.Join(c.baseURL.Path, p)
	return u.String()
}

// --- pairing ---

type CreateSessionRequest struct {
	PassType   string            `json:"passType"`
	Payload    map[string]string `json:"payload,omitempty"`
	TTLSeconds int               `json:"ttlSeconds,omitempty"`
}

type CreateSessionResponse struct {
	SessionID string    `json:"sessionId"`
	QRPayload string    `json:"qrPayload"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type SessionStatus struct {
	SessionID  string            `json:"sessionId"`
	Status     string            `json:"status"`
	PassType   string            `json:"passType"`
	ExpiresAt  time.Time         `json:"expiresAt"`
	Resolution map[string]string `json:"resolution,omitempty"`
}

func (c *Client) CreateSession(ctx context.Context, req CreateSessionRequest) (*CreateSessionResponse, error) {
	var out CreateSessionResponse
	if err := c.do(ctx, http.MethodPost, "/api/pairing/sessions", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetSession(ctx context.Context, id string) (*SessionStatus, error) {
	var out SessionStatus
	if err := c.do(ctx, http.MethodGet, "/api/pairing/sessions/"+id, nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ResolveSession(ctx context.Context, id string, claimedData map[string]string) (map[string]string, error) {
	var out struct {
		Resolution map[string]string `json:"resolution"`
	}
	body := map[string]any{"claimedData": claimedData}
	if err := c.do(ctx, http.MethodPost, "/api/pairing/sessions/"+id+"/resolve", nil, body, &out); err != nil {
		return nil, err
	}
	return out.Resolution, nil
}

func (c *Client) CancelSession(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/pairing/sessions/"+id, nil, nil, nil)
}

// --- sync runs ---

type InitiateRunRequest struct {
	DeviceID  string   `json:"deviceId"`
	Trigger   string   `json:"trigger"`
	DataTypes []string `json:"dataTypes,omitempty"`
}

type Conflict struct {
	Index      int        `json:"index"`
	ItemType   string     `json:"itemType"`
	ItemID     string     `json:"itemId"`
	Kind       string     `json:"kind"`
	Resolution *string    `json:"resolution,omitempty"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
}

type Run struct {
	ID          string           `json:"id"`
	DeviceID    string           `json:"deviceId"`
	Trigger     string           `json:"trigger"`
	Status      string           `json:"status"`
	DataTypes   []string         `json:"dataTypes"`
	Counts      map[string]int64 `json:"counts,omitempty"`
	TotalItems  int64            `json:"totalItems"`
	TotalBytes  int64            `json:"totalBytes"`
	StartedAt   time.Time        `json:"startedAt"`
	CompletedAt *time.Time       `json:"completedAt,omitempty"`
	DurationMS  int64            `json:"durationMs"`
	Conflicts   []Conflict       `json:"conflicts,omitempty"`
}

// Terminal reports whether the run has reached a final status.
func (r *Run) Terminal() bool {
	switch r.Status {
	case "completed", "failed", "partial", "cancelled":
		return true
	}
	return false
}

func (c *Client) InitiateRun(ctx context.Context, req InitiateRunRequest) (*Run, error) {
	var out Run
	if err := c.do(ctx, http.MethodPost, "/api/sync/runs", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetRun(ctx context.Context, id string) (*Run, error) {
	var out Run
	if err := c.do(ctx, http.MethodGet, "/api/sync/runs/"+id, nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListRuns(ctx context.Context, deviceID string, limit int) ([]Run, error) {
	q := url.Values{}
	if deviceID != "" {
		q.Set("deviceId", deviceID)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	var out []Run
	if err := c.do(ctx, http.MethodGet, "/api/sync/runs", q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) CancelRun(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/api/sync/runs/"+id+"/cancel", nil, nil, nil)
}

func (c *Client) ResolveConflict(ctx context.Context, runID string, index int, resolution string) (*Conflict, error) {
	var out Conflict
	p := fmt.Sprintf("/api/sync/runs/%s/conflicts/%d", runID, index)
	if err := c.do(ctx, http.MethodPut, p, nil, map[string]string{"resolution": resolution}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
