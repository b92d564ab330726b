// Package customtool implements the custom-tool handler: an in-memory
// catalog of user-defined tools with three handler shapes (proxy/coze,
// mcp-rename, function-placeholder).
package customtool

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/xzcli/mcp-gateway/internal/config"
	"github.com/xzcli/mcp-gateway/internal/xzerr"
)

const defaultCozeBaseURL = "https://api.coze.cn/v1/workflow/run"

// DefaultProxyResultTTL absorbs duplicate calls within a single multi-turn
// agent exchange without masking a changed upstream result for long.
const DefaultProxyResultTTL = 30 * time.Second

// DownstreamCaller is the narrow surface the Handler needs from whatever
// owns the downstream MCP services (the Service Manager in production);
// defined here, duck-typed, so this package never imports downstream and
// no import cycle exists between the two owners.
type DownstreamCaller interface {
	CallTool(ctx context.Context, serviceName, toolName string, args map[string]any) (*mcp.CallToolResult, error)
}

// Tool is the public view of one catalog entry.
type Tool struct {
	Name        string
	Description string
	InputSchema map[string]any
	Handler     config.CustomToolHandler
	UsageCount  int64
	LastUsed    string
}

// Options configures the Handler's external collaborators.
type Options struct {
	CozeToken      string
	CozeBaseURL    string // defaults to defaultCozeBaseURL
	ProxyResultTTL time.Duration
	HTTPClient     *http.Client
	Cache          ResultCache // defaults to an in-memory cache
	Downstream     DownstreamCaller
	Logger         *slog.Logger
}

// Handler is the custom-tool catalog and dispatcher.
type Handler struct {
	opts Options

	mu    sync.RWMutex
	tools map[string]*Tool
}

// New builds a Handler with an empty catalog. Call Initialize before
// serving calls.
func New(opts Options) *Handler {
	if opts.CozeBaseURL == "" {
		opts.CozeBaseURL = defaultCozeBaseURL
	}
	if opts.ProxyResultTTL <= 0 {
		opts.ProxyResultTTL = DefaultProxyResultTTL
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.Cache == nil {
		opts.Cache = NewMemoryResultCache()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Handler{opts: opts, tools: map[string]*Tool{}}
}

// SetDownstream wires the dispatcher for mcp-kind handlers after
// construction, breaking the construction-order cycle between the Handler
// and whatever owns the downstream services (the Service Manager).
func (h *Handler) SetDownstream(d DownstreamCaller) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.opts.Downstream = d
}

// Initialize replaces the in-memory catalog atomically: clears, reloads.
// Called at startup and again whenever config:updated{type:"customMCP"}
// fires.
func (h *Handler) Initialize(tools []config.CustomTool) {
	next := make(map[string]*Tool, len(tools))
	for i := range tools {
		t := tools[i]
		next[t.Name] = &Tool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
			Handler:     t.Handler,
			UsageCount:  t.UsageCount,
			LastUsed:    t.LastUsed,
		}
	}
	h.mu.Lock()
	h.tools = next
	h.mu.Unlock()
}

// Add inserts or replaces a single catalog entry, used by the Tool Sync
// Manager to materialise `mcp`-handler entries without clobbering the rest
// of the catalog the way Initialize does.
func (h *Handler) Add(t Tool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tools[t.Name] = &t
}

// RemoveByPrefix drops every catalog entry whose name starts with prefix,
// returning the removed names. Used by the Tool Sync Manager's
// `mcp:server:removed` handling.
func (h *Handler) RemoveByPrefix(prefix string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var removed []string
	for name := range h.tools {
		if strings.HasPrefix(name, prefix) {
			delete(h.tools, name)
			removed = append(removed, name)
		}
	}
	return removed
}

// Remove drops a single catalog entry by name, a no-op if absent.
func (h *Handler) Remove(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.tools, name)
}

// GetTools returns every custom tool in the catalog.
func (h *Handler) GetTools() []Tool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Tool, 0, len(h.tools))
	for _, t := range h.tools {
		out = append(out, *t)
	}
	return out
}

// HasTool is an O(1) membership check.
func (h *Handler) HasTool(name string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.tools[name]
	return ok
}

// Get returns the named tool and whether it exists.
func (h *Handler) Get(name string) (Tool, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	t, ok := h.tools[name]
	if !ok {
		return Tool{}, false
	}
	return *t, true
}

// recordUsage bumps UsageCount/LastUsed for name, serialized per-key via the
// map's own lock (single writer path).
func (h *Handler) recordUsage(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if t, ok := h.tools[name]; ok {
		t.UsageCount++
		t.LastUsed = time.Now().Format("2006-01-02 15:04:05")
	}
}

// CallTool dispatches name to its handler kind.
func (h *Handler) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	h.mu.RLock()
	t, ok := h.tools[name]
	h.mu.RUnlock()
	if !ok {
		return nil, xzerr.New(xzerr.CodeNotFound, fmt.Sprintf("custom tool %q not found", name), nil)
	}

	var (
		res *mcp.CallToolResult
		err error
	)
	switch t.Handler.Kind {
	case config.HandlerProxyCoze:
		res, err = h.callProxy(ctx, t, args)
	case config.HandlerMCP:
		res, err = h.callMCP(ctx, t, args)
	case config.HandlerFunction:
		err = xzerr.New(xzerr.CodeConfiguration, fmt.Sprintf("custom tool %q: function handlers are not implemented", name), nil)
	default:
		err = xzerr.New(xzerr.CodeConfiguration, fmt.Sprintf("custom tool %q: unknown handler kind %q", name, t.Handler.Kind), nil)
	}
	if err == nil {
		h.recordUsage(name)
	}
	return res, err
}

func (h *Handler) callMCP(ctx context.Context, t *Tool, args map[string]any) (*mcp.CallToolResult, error) {
	if h.opts.Downstream == nil {
		return nil, xzerr.New(xzerr.CodeNotConnected, "no downstream dispatcher configured", nil)
	}
	return h.opts.Downstream.CallTool(ctx, t.Handler.ServiceName, t.Handler.ToolName, args)
}

// callProxy issues the Coze workflow HTTP call, deduping identical
// (name, args) pairs within
// ProxyResultTTL via the ResultCache so replays return a stable response.
func (h *Handler) callProxy(ctx context.Context, t *Tool, args map[string]any) (*mcp.CallToolResult, error) {
	key := proxyCacheKey(t.Name, args)
	if cached, ok := h.opts.Cache.Get(ctx, key); ok {
		return textResult(cached), nil
	}

	correlationID := uuid.NewString()
	body, err := json.Marshal(map[string]any{
		"workflow_id": t.Handler.WorkflowID,
		"parameters":  args,
	})
	if err != nil {
		return nil, xzerr.New(xzerr.CodeValidation, fmt.Sprintf("custom tool %q: encode request: %v", t.Name, err), err)
	}

	baseURL := t.Handler.BaseURL
	if baseURL == "" {
		baseURL = h.opts.CozeBaseURL
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, xzerr.New(xzerr.CodeConfiguration, fmt.Sprintf("custom tool %q: build request: %v", t.Name, err), err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+h.opts.CozeToken)
	req.Header.Set("X-Correlation-Id", correlationID)

	resp, err := h.opts.HTTPClient.Do(req)
	if err != nil {
		return nil, xzerr.New(xzerr.CodeTransientTransport, fmt.Sprintf("custom tool %q: coze call: %v", t.Name, err), err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, xzerr.New(xzerr.CodeTransientTransport, fmt.Sprintf("custom tool %q: read coze response: %v", t.Name, err), err)
	}

	text, err := canonicalizeJSON(respBody)
	if err != nil {
		// Non-JSON bodies are still surfaced verbatim as text.
		text = string(respBody)
	}

	h.opts.Logger.Debug("coze proxy call completed", "tool", t.Name, "correlation_id", correlationID, "status", resp.StatusCode)
	h.opts.Cache.Set(ctx, key, text, h.opts.ProxyResultTTL)
	return textResult(text), nil
}

func canonicalizeJSON(raw []byte) (string, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", err
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func proxyCacheKey(name string, args map[string]any) string {
	b, _ := json.Marshal(args)
	sum := sha256.Sum256(append([]byte(name), b...))
	return hex.EncodeToString(sum[:])
}

func textResult(text string) *mcp.CallToolResult {
	return mcp.NewToolResultText(text)
}
