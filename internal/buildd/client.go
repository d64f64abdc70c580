// Package buildd is the HTTP client for the central BuilddServer: claims,
// worker updates, workspace config, observations, heartbeat, and skills.
// Callers queue transiently failed mutations in the outbox; this package
// only classifies errors.
package buildd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/buildd-ai/runner/internal/log"
)

// ErrConflict is returned when the server rejects a worker update with 409:
// the worker is already terminal server-side. Callers treat it as success.
var ErrConflict = errors.New("worker already terminal on server")

// StatusError is a non-2xx response that is not a 409 conflict.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Code, e.Body)
}

// IsTransient reports whether the error is worth retrying later: network
// failures and 5xx/429 responses qualify, conflicts and other client errors
// do not.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, ErrConflict) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= 500 || se.Code == http.StatusTooManyRequests
	}
	var ue *url.Error
	if errors.As(err, &ue) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// Endpoint helpers shared with the outbox.
func WorkerPath(id string) string          { return "/api/workers/" + id }
func MemoryPath(workspaceID string) string { return "/api/workspaces/" + workspaceID + "/memory" }
func PlanPath(workerID string) string      { return "/api/workers/" + workerID + "/plan" }

const defaultTimeout = 15 * time.Second

// Client is a Bearer-authenticated JSON client for the BuilddServer.
type Client struct {
	baseURL string
	apiKey  string
	httpc   *http.Client
}

// New creates a client for the given server base URL and API key.
func New(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpc:   &http.Client{Timeout: defaultTimeout},
	}
}

// NewWithHTTPClient creates a client over a caller-supplied http.Client.
func NewWithHTTPClient(baseURL, apiKey string, httpc *http.Client) *Client {
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), apiKey: apiKey, httpc: httpc}
}

// Claim asks for up to req.MaxTasks assignments in the workspace.
func (c *Client) Claim(ctx context.Context, req ClaimRequest) (*ClaimResponse, error) {
	var resp ClaimResponse
	if err := c.call(ctx, http.MethodPost, "/api/workers/claim", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// UpdateWorker PATCHes a partial worker update. A 409 response returns
// ErrConflict; the manager treats that as success.
func (c *Client) UpdateWorker(ctx context.Context, workerID string, update WorkerUpdate) error {
	return c.call(ctx, http.MethodPatch, WorkerPath(workerID), update, nil)
}

// WorkspaceConfig fetches the workspace's server-side configuration.
func (c *Client) WorkspaceConfig(ctx context.Context, workspaceID string) (*WorkspaceConfig, error) {
	var cfg WorkspaceConfig
	if err := c.call(ctx, http.MethodGet, "/api/workspaces/"+workspaceID+"/config", nil, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ObservationDigest returns the workspace memory digest, capped server-side.
func (c *Client) ObservationDigest(ctx context.Context, workspaceID string) (string, error) {
	var resp struct {
		Digest string `json:"digest"`
	}
	err := c.call(ctx, http.MethodGet, "/api/workspaces/"+workspaceID+"/observations/digest", nil, &resp)
	if err != nil {
		return "", err
	}
	return resp.Digest, nil
}

// SearchObservations returns the top matches for the query.
func (c *Client) SearchObservations(ctx context.Context, workspaceID, query string, limit int) ([]Observation, error) {
	path := fmt.Sprintf("/api/workspaces/%s/observations/search?q=%s&limit=%d",
		workspaceID, url.QueryEscape(query), limit)
	var resp struct {
		Observations []Observation `json:"observations"`
	}
	if err := c.call(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Observations, nil
}

// GetObservations fetches observations by id.
func (c *Client) GetObservations(ctx context.Context, workspaceID string, ids []string) ([]Observation, error) {
	var resp struct {
		Observations []Observation `json:"observations"`
	}
	body := map[string][]string{"ids": ids}
	if err := c.call(ctx, http.MethodPost, "/api/workspaces/"+workspaceID+"/observations/get", body, &resp); err != nil {
		return nil, err
	}
	return resp.Observations, nil
}

// CreateObservation stores a new observation (e.g. a session summary).
func (c *Client) CreateObservation(ctx context.Context, workspaceID string, obs Observation) error {
	return c.call(ctx, http.MethodPost, "/api/workspaces/"+workspaceID+"/observations", obs, nil)
}

// AppendMemory appends content to the workspace memory. Queueable.
func (c *Client) AppendMemory(ctx context.Context, workspaceID, content string) error {
	body := map[string]string{"content": content}
	return c.call(ctx, http.MethodPost, MemoryPath(workspaceID), body, nil)
}

// SubmitPlan submits the worker's plan content. Queueable.
func (c *Client) SubmitPlan(ctx context.Context, workerID, plan string) error {
	body := map[string]string{"plan": plan}
	return c.call(ctx, http.MethodPost, PlanPath(workerID), body, nil)
}

// Heartbeat advertises liveness; failures are silent at the caller.
func (c *Client) Heartbeat(ctx context.Context, req HeartbeatRequest) (*HeartbeatResponse, error) {
	var resp HeartbeatResponse
	if err := c.call(ctx, http.MethodPost, "/api/heartbeat", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Cleanup asks the server to garbage-collect finished runner state.
func (c *Client) Cleanup(ctx context.Context) error {
	return c.call(ctx, http.MethodPost, "/api/cleanup", nil, nil)
}

// ListSkills returns the workspace's skills.
func (c *Client) ListSkills(ctx context.Context, workspaceID string) ([]Skill, error) {
	var resp struct {
		Skills []Skill `json:"skills"`
	}
	if err := c.call(ctx, http.MethodGet, "/api/workspaces/"+workspaceID+"/skills", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Skills, nil
}

// SyncSkill uploads a skill bundle to the workspace.
func (c *Client) SyncSkill(ctx context.Context, workspaceID string, skill Skill) error {
	return c.call(ctx, http.MethodPost, "/api/workspaces/"+workspaceID+"/skills", skill, nil)
}

// PatchSkill updates fields of an existing workspace skill.
func (c *Client) PatchSkill(ctx context.Context, workspaceID, slug string, patch map[string]any) error {
	return c.call(ctx, http.MethodPatch, "/api/workspaces/"+workspaceID+"/skills/"+slug, patch, nil)
}

// DeleteSkill removes a workspace skill.
func (c *Client) DeleteSkill(ctx context.Context, workspaceID, slug string) error {
	return c.call(ctx, http.MethodDelete, "/api/workspaces/"+workspaceID+"/skills/"+slug, nil, nil)
}

// ReportSkillInstall reports a remote install result back to the server.
func (c *Client) ReportSkillInstall(ctx context.Context, report SkillInstallReport) error {
	return c.call(ctx, http.MethodPost, "/api/skills/install-report", report, nil)
}

// Do replays a raw queued mutation; the outbox flush handler uses it.
func (c *Client) Do(ctx context.Context, method, endpoint string, body json.RawMessage) error {
	return c.send(ctx, method, endpoint, body, nil)
}

func (c *Client) call(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}
	return c.send(ctx, method, path, payload, out)
}

func (c *Client) send(ctx context.Context, method, path string, payload []byte, out any) error {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		io.Copy(io.Discard, resp.Body)
		return ErrConflict
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s %s: %w", method, path, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(raw))})
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		log.Warn(log.CatServer, "decoding response failed", "method", method, "path", path, "error", err)
		return fmt.Errorf("decode response from %s: %w", path, err)
	}
	return nil
}
