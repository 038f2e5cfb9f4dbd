// Package mcpserver exposes runes, links and memories as MCP tools.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/becomeliminal/runeai/service"
)

// Version is reported to MCP clients.
const Version = "0.1.0"

// Definition names and describes one tool.
type Definition struct {
	Name        string
	Description string
}

// Tool names.
const (
	ToolSearchRunes       = "search_runes"
	ToolCreateRune        = "create_rune"
	ToolSubmitLink        = "submit_link"
	ToolListMemories      = "list_memories"
	ToolConsolidateMemory = "consolidate_memory"
)

// Definitions returns every tool the server registers.
func Definitions() []Definition {
	return []Definition{
		{ToolSearchRunes, "Search the user's runes (saved knowledge notes) by semantic similarity. Returns the closest runes first with their L2 distance."},
		{ToolCreateRune, "Save a new rune (knowledge note) for the user. The content is embedded so later searches and chats can find it."},
		{ToolSubmitLink, "Submit a web page URL. The page is fetched and summarized, categorized and tagged in the background."},
		{ToolListMemories, "List the user's long-term memories, newest first."},
		{ToolConsolidateMemory, "Summarize the user's most recent conversation into a new long-term memory."},
	}
}

// Tools holds the handlers of every tool.
type Tools struct {
	svc    *service.Service
	logger *zap.Logger
}

// SearchRunesInput is the input of search_runes.
type SearchRunesInput struct {
	Query     string `json:"query" jsonschema:"Text to search for"`
	TopK      int    `json:"top_k,omitempty" jsonschema:"Maximum number of runes to return (default 5)"`
	UserEmail string `json:"user_email,omitempty" jsonschema:"Owner email (default dev@test.com)"`
}

// CreateRuneInput is the input of create_rune.
type CreateRuneInput struct {
	Title     string `json:"title" jsonschema:"Short title of the rune"`
	Content   string `json:"content" jsonschema:"Body of the rune"`
	UserEmail string `json:"user_email,omitempty" jsonschema:"Owner email (default dev@test.com)"`
}

// SubmitLinkInput is the input of submit_link.
type SubmitLinkInput struct {
	URL       string `json:"url" jsonschema:"Absolute http or https URL"`
	UserEmail string `json:"user_email,omitempty" jsonschema:"Owner email (default dev@test.com)"`
}

// UserInput is the input of tools that only need the owner.
type UserInput struct {
	UserEmail string `json:"user_email,omitempty" jsonschema:"Owner email (default dev@test.com)"`
}

// New creates an MCP server with all tools registered.
func New(svc *service.Service, logger *zap.Logger) *mcp.Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Tools{svc: svc, logger: logger}

	srv := mcp.NewServer(&mcp.Implementation{
		Name:    "runeai",
		Version: Version,
	}, nil)

	defs := make(map[string]*mcp.Tool)
	for _, d := range Definitions() {
		defs[d.Name] = &mcp.Tool{Name: d.Name, Description: d.Description}
	}
	mcp.AddTool(srv, defs[ToolSearchRunes], t.SearchRunes)
	mcp.AddTool(srv, defs[ToolCreateRune], t.CreateRune)
	mcp.AddTool(srv, defs[ToolSubmitLink], t.SubmitLink)
	mcp.AddTool(srv, defs[ToolListMemories], t.ListMemories)
	mcp.AddTool(srv, defs[ToolConsolidateMemory], t.ConsolidateMemory)

	return srv
}

func (t *Tools) SearchRunes(ctx context.Context, _ *mcp.CallToolRequest, in SearchRunesInput) (*mcp.CallToolResult, any, error) {
	if in.Query == "" {
		return toolError("query is required"), nil, nil
	}
	hits, err := t.svc.SearchRunes(ctx, in.UserEmail, in.Query, in.TopK)
	if err != nil {
		return t.failed(ToolSearchRunes, err), nil, nil
	}
	return toolJSON(hits)
}

func (t *Tools) CreateRune(ctx context.Context, _ *mcp.CallToolRequest, in CreateRuneInput) (*mcp.CallToolResult, any, error) {
	if in.Content == "" {
		return toolError("content is required"), nil, nil
	}
	ref, err := t.svc.CreateRune(ctx, in.UserEmail, service.CreateRuneInput{Title: in.Title, Content: in.Content})
	if err != nil {
		return t.failed(ToolCreateRune, err), nil, nil
	}
	return toolJSON(ref)
}

func (t *Tools) SubmitLink(ctx context.Context, _ *mcp.CallToolRequest, in SubmitLinkInput) (*mcp.CallToolResult, any, error) {
	res, err := t.svc.SubmitLink(ctx, in.UserEmail, in.URL)
	if err != nil {
		return t.failed(ToolSubmitLink, err), nil, nil
	}
	return toolJSON(res)
}

func (t *Tools) ListMemories(ctx context.Context, _ *mcp.CallToolRequest, in UserInput) (*mcp.CallToolResult, any, error) {
	mems, err := t.svc.ListMemories(ctx, in.UserEmail)
	if err != nil {
		return t.failed(ToolListMemories, err), nil, nil
	}
	return toolJSON(mems)
}

func (t *Tools) ConsolidateMemory(ctx context.Context, _ *mcp.CallToolRequest, in UserInput) (*mcp.CallToolResult, any, error) {
	res, err := t.svc.Consolidate(ctx, in.UserEmail)
	if err != nil {
		return t.failed(ToolConsolidateMemory, err), nil, nil
	}
	return toolJSON(res)
}

func (t *Tools) failed(tool string, err error) *mcp.CallToolResult {
	t.logger.Warn("tool failed", zap.String("tool", tool), zap.Error(err))
	return toolError("%s failed: %v", tool, err)
}

func toolError(format string, args ...any) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf(format, args...)}},
		IsError: true,
	}
}

func toolJSON(v any) (*mcp.CallToolResult, any, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return toolError("marshal result: %v", err), nil, nil
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}, nil, nil
}
