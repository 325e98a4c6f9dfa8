package tools

import (
	"context"
	"fmt"
	"strings"
)

// MemoryHit is one ranked recall result.
type MemoryHit struct {
	ID      string
	Content string
	Score   float64
}

// MemoryStore is the slice of the memory service the tools need.
// Implemented by the memory HTTP client.
type MemoryStore interface {
	Search(ctx context.Context, query string, limit int) ([]MemoryHit, error)
	Store(ctx context.Context, content string, tags []string) (string, error)
}

// MemorySearchTool recalls stored memories ranked by relevance and recency.
type MemorySearchTool struct {
	Store MemoryStore
}

func (t *MemorySearchTool) Name() string { return "memory_search" }
func (t *MemorySearchTool) Description() string {
	return "Search long-term memory for facts relevant to a query"
}

func (t *MemorySearchTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{
				"type":        "string",
				"description": "What to recall",
			},
			"limit": map[string]interface{}{
				"type":        "integer",
				"description": "Max results",
				"default":     5,
			},
		},
		"required": []interface{}{"query"},
	}
}

func (t *MemorySearchTool) Scope() []string { return []string{ScopeRead} }

func (t *MemorySearchTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	query, _ := args["query"].(string)
	if query == "" {
		return ErrorResult("query is required")
	}
	limit := intArg(args, "limit", 5)
	hits, err := t.Store.Search(ctx, query, limit)
	if err != nil {
		return ErrorResult(fmt.Sprintf("memory search failed: %v", err)).WithError(err)
	}
	if len(hits) == 0 {
		return NewResult("no relevant memories found")
	}
	var b strings.Builder
	for i, h := range hits {
		fmt.Fprintf(&b, "%d. [%.2f] %s\n", i+1, h.Score, h.Content)
	}
	return NewResult(b.String())
}

// MemoryStoreTool persists a fact to long-term memory.
type MemoryStoreTool struct {
	Store MemoryStore
}

func (t *MemoryStoreTool) Name() string { return "memory_store" }
func (t *MemoryStoreTool) Description() string {
	return "Store a fact in long-term memory for future sessions"
}

func (t *MemoryStoreTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"content": map[string]interface{}{
				"type":        "string",
				"description": "The fact to remember",
			},
			"tags": map[string]interface{}{
				"type":        "array",
				"items":       map[string]interface{}{"type": "string"},
				"description": "Optional classification tags",
			},
		},
		"required": []interface{}{"content"},
	}
}

func (t *MemoryStoreTool) Scope() []string { return []string{ScopeWrite} }

func (t *MemoryStoreTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	content, _ := args["content"].(string)
	if strings.TrimSpace(content) == "" {
		return ErrorResult("content is required")
	}
	var tags []string
	if raw, ok := args["tags"].([]interface{}); ok {
		for _, v := range raw {
			if s, ok := v.(string); ok {
				tags = append(tags, s)
			}
		}
	}
	id, err := t.Store.Store(ctx, content, tags)
	if err != nil {
		return ErrorResult(fmt.Sprintf("memory store failed: %v", err)).WithError(err)
	}
	if id == "" {
		return NewResult("already known (duplicate of an existing memory)")
	}
	return NewResult("remembered: " + content)
}

// intArg reads an integer argument that may arrive as float64 (JSON) or
// int64 (repaired).
func intArg(args map[string]interface{}, key string, def int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	}
	return def
}
