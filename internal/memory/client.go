// Package memory is the HTTP client for the memory service: add, search,
// list, session links, and lifecycle management.
package memory

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

	"github.com/nextlevelbuilder/agentd/internal/breaker"
	"github.com/nextlevelbuilder/agentd/internal/tools"
)

// ErrUnavailable marks memory-service outages. The loop treats recall
// failures as empty recalls; only explicit memory tools surface this.
var ErrUnavailable = errors.New("memory service unavailable")

// Item is one stored memory.
type Item struct {
	ID        string                 `json:"id"`
	UserID    string                 `json:"userId"`
	Content   string                 `json:"content"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Score     float64                `json:"score,omitempty"`
	CreatedAt time.Time              `json:"createdAt"`
}

// AddResult is the response from /add.
type AddResult struct {
	Success      bool   `json:"success"`
	ID           string `json:"id"`
	Deduplicated bool   `json:"deduplicated,omitempty"`
}

// Stats is the response from /stats.
type Stats struct {
	Memories int   `json:"memories"`
	Users    int   `json:"users"`
	DBBytes  int64 `json:"dbBytes"`
}

// Client talks to the memory service over HTTP with X-API-Key auth.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	br      *breaker.Breaker
}

// New creates a memory client. The breaker may be nil.
func New(baseURL, apiKey string, br *breaker.Breaker) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 10 * time.Second},
		br:      br,
	}
}

// Add stores content for a user, deduplicating against recent memories.
// sessionID may be empty.
func (c *Client) Add(ctx context.Context, userID, content string, metadata map[string]interface{}, sessionID string) (*AddResult, error) {
	body := map[string]interface{}{
		"userId":  userID,
		"content": content,
	}
	if metadata != nil {
		body["metadata"] = metadata
	}
	if sessionID != "" {
		body["sessionId"] = sessionID
	}
	var out AddResult
	if err := c.do(ctx, http.MethodPost, "/add", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Search ranks a user's memories against a query. An empty query returns
// the most recent entries.
func (c *Client) Search(ctx context.Context, userID, query string, limit int) ([]Item, error) {
	body := map[string]interface{}{"userId": userID}
	if query != "" {
		body["query"] = query
	}
	if limit > 0 {
		body["limit"] = limit
	}
	var out struct {
		Results []Item `json:"results"`
	}
	if err := c.do(ctx, http.MethodPost, "/search", body, &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

// List returns a user's most recent memories.
func (c *Client) List(ctx context.Context, userID string, limit int) ([]Item, error) {
	path := "/memories/" + url.PathEscape(userID)
	if limit > 0 {
		path += fmt.Sprintf("?limit=%d", limit)
	}
	var out struct {
		Memories []Item `json:"memories"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Memories, nil
}

// SessionMemories returns memories linked to a session.
func (c *Client) SessionMemories(ctx context.Context, sessionID string) ([]Item, error) {
	var out struct {
		Memories []Item `json:"memories"`
	}
	if err := c.do(ctx, http.MethodGet, "/sessions/"+url.PathEscape(sessionID)+"/memories", nil, &out); err != nil {
		return nil, err
	}
	return out.Memories, nil
}

// Delete removes a memory and its session links.
func (c *Client) Delete(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/memories/"+url.PathEscape(id), nil, nil)
}

// Reset clears one user's memories, or everything when userID is empty.
func (c *Client) Reset(ctx context.Context, userID string) error {
	body := map[string]interface{}{}
	if userID != "" {
		body["userId"] = userID
	}
	return c.do(ctx, http.MethodPost, "/reset", body, nil)
}

// GetStats returns service counters.
func (c *Client) GetStats(ctx context.Context) (*Stats, error) {
	var out Stats
	if err := c.do(ctx, http.MethodGet, "/stats", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Health checks reachability without auth.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Join(ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("memory health: status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	if c.br != nil && !c.br.IsCallPermitted() {
		return errors.Join(ErrUnavailable, breaker.ErrOpen)
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-API-Key", c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		if c.br != nil && ctx.Err() == nil {
			c.br.RecordFailure()
		}
		return errors.Join(ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		if c.br != nil {
			c.br.RecordFailure()
		}
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("memory service: status %d: %s", resp.StatusCode, raw)
	}
	if c.br != nil {
		c.br.RecordSuccess()
	}
	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("memory service: status %d: %s", resp.StatusCode, raw)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// UserStore binds a client to one user id and satisfies the tool-facing
// store interface.
type UserStore struct {
	client *Client
	userID string
}

// ForUser scopes the client to a user for tool dispatch.
func (c *Client) ForUser(userID string) *UserStore {
	return &UserStore{client: c, userID: userID}
}

func (s *UserStore) Search(ctx context.Context, query string, limit int) ([]tools.MemoryHit, error) {
	items, err := s.client.Search(ctx, s.userID, query, limit)
	if err != nil {
		return nil, err
	}
	hits := make([]tools.MemoryHit, 0, len(items))
	for _, it := range items {
		hits = append(hits, tools.MemoryHit{ID: it.ID, Content: it.Content, Score: it.Score})
	}
	return hits, nil
}

func (s *UserStore) Store(ctx context.Context, content string, tags []string) (string, error) {
	var metadata map[string]interface{}
	if len(tags) > 0 {
		metadata = map[string]interface{}{"tags": tags}
	}
	res, err := s.client.Add(ctx, s.userID, content, metadata, tools.SessionFromCtx(ctx))
	if err != nil {
		return "", err
	}
	if res.Deduplicated {
		return "", nil
	}
	return res.ID, nil
}
