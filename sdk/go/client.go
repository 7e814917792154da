// Package studiosdk is a small client for the studio HTTP API.
package studiosdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal studio HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults. Renders are synchronous when
// the server runs an inline queue, hence the long timeout.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 5 * time.Minute,
	}
}

// Task represents the API task model (partial).
type Task struct {
	ID            string  `json:"id"`
	Status        string  `json:"status"`
	WorkflowKind  string  `json:"workflow_kind"`
	OwnerID       *string `json:"owner_id,omitempty"`
	Shots         []Shot  `json:"shots"`
	Error         *string `json:"error,omitempty"`
	ChargedAmount int64   `json:"charged_amount"`
	Revision      int     `json:"revision"`
	CreatedAt     string  `json:"created_at"`
	UpdatedAt     string  `json:"updated_at"`
}

type Shot struct {
	ID               string    `json:"id"`
	Index            int       `json:"index"`
	Type             string    `json:"type"`
	Prompt           string    `json:"prompt"`
	QCStatus         string    `json:"qc_status"`
	RenderStatus     string    `json:"render_status"`
	CurrentVersionID *int      `json:"current_version_id,omitempty"`
	Versions         []Version `json:"versions"`
}

type Version struct {
	ShotID     string `json:"shot_id"`
	VersionID  int    `json:"version_id"`
	ImagePath  string `json:"image_path"`
	PromptUsed string `json:"prompt_used"`
	CreatedAt  string `json:"created_at"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	TaskID     string         `json:"task_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// CreateTaskInput mirrors the create request; zero values take server
// defaults.
type CreateTaskInput struct {
	WorkflowKind    string   `json:"workflow_kind"`
	Requirements    string   `json:"requirements,omitempty"`
	DirectPrompt    string   `json:"direct_prompt,omitempty"`
	ReferenceImages []string `json:"reference_images"`
	Resolution      string   `json:"resolution,omitempty"`
	AspectRatio     string   `json:"aspect_ratio,omitempty"`
	ShotCount       int      `json:"shot_count,omitempty"`
	LayoutMode      string   `json:"layout_mode,omitempty"`
	AutoApprove     bool     `json:"auto_approve,omitempty"`
}

// Created is the create response. ClaimToken is only set for anonymous
// tasks and is never returned again.
type Created struct {
	Task       Task   `json:"task"`
	ClaimToken string `json:"claim_token,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateTask creates a task.
func (c *Client) CreateTask(ctx context.Context, in CreateTaskInput) (Created, error) {
	var resp Created
	err := c.do(ctx, http.MethodPost, "tasks", in, &resp)
	return resp, err
}

func (c *Client) GetTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, taskPath(id, ""), nil, &resp)
	return resp, err
}

// ListTasks returns the caller's tasks, newest first.
func (c *Client) ListTasks(ctx context.Context, status string, limit int) ([]Task, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	endpoint := "tasks"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []Task
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Claim binds an anonymous task to the authenticated caller.
func (c *Client) Claim(ctx context.Context, id, claimToken string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, taskPath(id, "claim"), map[string]string{"claim_token": claimToken}, &resp)
	return resp, err
}

func (c *Client) Start(ctx context.Context, id string) (Task, error) {
	return c.action(ctx, id, "start", nil)
}

// Approve starts rendering. editedPrompts is keyed by shot index.
func (c *Client) Approve(ctx context.Context, id string, editedPrompts map[int]string) (Task, error) {
	var body any
	if len(editedPrompts) > 0 {
		edited := make(map[string]string, len(editedPrompts))
		for k, v := range editedPrompts {
			edited[strconv.Itoa(k)] = v
		}
		body = map[string]any{"edited_prompts": edited}
	}
	return c.action(ctx, id, "approve", body)
}

func (c *Client) ConfirmHero(ctx context.Context, id string) (Task, error) {
	return c.action(ctx, id, "hero/confirm", nil)
}

func (c *Client) RegenerateHero(ctx context.Context, id string) (Task, error) {
	return c.action(ctx, id, "hero/regenerate", nil)
}

// RetryShot renders a new version of one shot. shot is an index or an id.
func (c *Client) RetryShot(ctx context.Context, id, shot, feedback string) (Version, error) {
	var body any
	if feedback != "" {
		body = map[string]string{"feedback": feedback}
	}
	var resp Version
	err := c.do(ctx, http.MethodPost, taskPath(id, "shots/"+url.PathEscape(shot)+"/retry"), body, &resp)
	return resp, err
}

func (c *Client) SelectVersion(ctx context.Context, id, shot string, versionID int) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPut, taskPath(id, "shots/"+url.PathEscape(shot)+"/current"), map[string]int{"version_id": versionID}, &resp)
	return resp, err
}

// Events returns the audit trail of a task.
func (c *Client) Events(ctx context.Context, id string, limit int) ([]Event, error) {
	endpoint := taskPath(id, "events")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) Balance(ctx context.Context) (int64, error) {
	var resp struct {
		Balance int64 `json:"balance"`
	}
	err := c.do(ctx, http.MethodGet, "credits/balance", nil, &resp)
	return resp.Balance, err
}

func (c *Client) action(ctx context.Context, id, action string, body any) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, taskPath(id, action), body, &resp)
	return resp, err
}

func taskPath(id, suffix string) string {
	p := "tasks/" + url.PathEscape(id)
	if suffix != "" {
		p += "/" + suffix
	}
	return p
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/v1/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
