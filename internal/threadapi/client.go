// Package threadapi is the HTTP collaborator for thread resources. It wraps
// the backend's REST surface behind the small contract the sync layer needs:
// existence checks, idempotence-friendly creation, listing, history, deletion.
package threadapi

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

	"github.com/google/uuid"
)

// Thread is a persisted conversation scope.
type Thread struct {
	ID              string `json:"id"`
	AgentID         string `json:"agent_id"`
	WorkspaceID     string `json:"workspace_id"`
	Title           string `json:"title"`
	CreatedAtUnixMs int64  `json:"created_at_unix_ms"`
	UpdatedAtUnixMs int64  `json:"updated_at_unix_ms"`
}

// Message is one persisted thread message as the backend returns it.
type Message struct {
	ID              string          `json:"id"`
	ThreadID        string          `json:"thread_id"`
	SenderType      string          `json:"sender_type"`
	Content         string          `json:"content"`
	CreatedAtUnixMs int64           `json:"created_at_unix_ms"`
	Artifact        json.RawMessage `json:"artifact,omitempty"`
}

// ExistsResult is the thread-existence probe response.
type ExistsResult struct {
	Exists   bool   `json:"exists"`
	ThreadID string `json:"thread_id,omitempty"`
}

type CreateThreadInput struct {
	WorkspaceID string `json:"workspace_id"`
	AgentID     string `json:"agent_id"`
	Title       string `json:"title"`
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type Client struct {
	baseURL string
	token   string
	httpc   *http.Client
}

func New(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		token:   strings.TrimSpace(token),
		httpc:   &http.Client{Timeout: 20 * time.Second},
	}
}

// WithHTTPClient overrides the underlying client, mainly for tests.
func (c *Client) WithHTTPClient(h *http.Client) *Client {
	if h != nil {
		c.httpc = h
	}
	return c
}

func (c *Client) ThreadExists(ctx context.Context, agentID, workspaceID string) (ExistsResult, error) {
	agentID = strings.TrimSpace(agentID)
	workspaceID = strings.TrimSpace(workspaceID)
	if agentID == "" || workspaceID == "" {
		return ExistsResult{}, errors.New("missing agent_id/workspace_id")
	}
	q := url.Values{}
	q.Set("agent_id", agentID)
	q.Set("workspace_id", workspaceID)

	var out ExistsResult
	if err := c.do(ctx, http.MethodGet, "/api/v1/threads/exists?"+q.Encode(), nil, &out); err != nil {
		return ExistsResult{}, err
	}
	out.ThreadID = strings.TrimSpace(out.ThreadID)
	return out, nil
}

func (c *Client) CreateThread(ctx context.Context, in CreateThreadInput) (*Thread, error) {
	in.WorkspaceID = strings.TrimSpace(in.WorkspaceID)
	in.AgentID = strings.TrimSpace(in.AgentID)
	if in.WorkspaceID == "" || in.AgentID == "" {
		return nil, errors.New("missing agent_id/workspace_id")
	}
	var out Thread
	if err := c.do(ctx, http.MethodPost, "/api/v1/threads", in, &out); err != nil {
		return nil, err
	}
	if strings.TrimSpace(out.ID) == "" {
		return nil, errors.New("create thread: response missing id")
	}
	return &out, nil
}

// ListThreadsByAgent returns the agent's threads in update-recency order
// (most recently updated first); the backend orders, the client trusts it.
func (c *Client) ListThreadsByAgent(ctx context.Context, agentID string) ([]Thread, error) {
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return nil, errors.New("missing agent_id")
	}
	var out []Thread
	if err := c.do(ctx, http.MethodGet, "/api/v1/agents/"+url.PathEscape(agentID)+"/threads", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetThreadMessages(ctx context.Context, threadID string) ([]Message, error) {
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return nil, errors.New("missing thread_id")
	}
	var out []Message
	if err := c.do(ctx, http.MethodGet, "/api/v1/threads/"+url.PathEscape(threadID)+"/messages", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// RenameThread updates a thread's title.
func (c *Client) RenameThread(ctx context.Context, threadID, title string) error {
	threadID = strings.TrimSpace(threadID)
	title = strings.TrimSpace(title)
	if threadID == "" {
		return errors.New("missing thread_id")
	}
	if title == "" {
		return errors.New("missing title")
	}
	in := struct {
		Title string `json:"title"`
	}{Title: title}
	return c.do(ctx, http.MethodPatch, "/api/v1/threads/"+url.PathEscape(threadID), in, nil)
}

func (c *Client) DeleteThread(ctx context.Context, threadID string) error {
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return errors.New("missing thread_id")
	}
	return c.do(ctx, http.MethodDelete, "/api/v1/threads/"+url.PathEscape(threadID), nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, in any, out any) error {
	if c == nil {
		return errors.New("nil client")
	}
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Request-Id", uuid.NewString())

	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("%s %s: status=%d body=%s", method, path, resp.StatusCode, strings.TrimSpace(string(raw)))
		}
		return fmt.Errorf("%s %s: invalid response json: %w", method, path, err)
	}
	if !env.Success {
		msg := "request failed"
		if env.Error != nil && strings.TrimSpace(env.Error.Message) != "" {
			msg = strings.TrimSpace(env.Error.Message)
		}
		if env.Error != nil && strings.TrimSpace(env.Error.Code) != "" {
			return fmt.Errorf("%s %s: %s (%s)", method, path, msg, strings.TrimSpace(env.Error.Code))
		}
		return fmt.Errorf("%s %s: %s", method, path, msg)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s %s: status=%d", method, path, resp.StatusCode)
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("%s %s: invalid data json: %w", method, path, err)
		}
	}
	return nil
}
