package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/xeipuuv/gojsonschema"

	"github.com/xzcli/mcp-gateway/internal/downstream"
	"github.com/xzcli/mcp-gateway/internal/xzerr"
)

// ProtocolVersion is the MCP wire version this gateway advertises at
// `initialize`.
const ProtocolVersion = "2024-11-05"

// JSON-RPC 2.0 reserved error codes, plus the gateway's own extensions in
// the -32000..-32099 "server error" band.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeServerError    = -32000
)

// Request is one JSON-RPC 2.0 request object. ID is kept as raw JSON so it
// round-trips verbatim regardless of whether the caller used a string,
// number, or omitted it.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
}

// Response is one JSON-RPC 2.0 response object.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  any             `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
}

// RPCError is the JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// ToolSource is the narrow surface the Handler needs from whatever owns the
// tool catalog (the Service Manager in production). Kept as an interface so
// protocol can be exercised against a fake in tests without constructing a
// real downstream.ServiceManager.
type ToolSource interface {
	GetAllTools() []downstream.ToolDescriptor
	HasTool(name string) bool
	CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error)
}

// Handler is a stateless-per-message JSON-RPC 2.0
// dispatcher. All mutable state lives in the SessionState passed to
// HandleMessage/Dispatch, not on the Handler itself, so one Handler serves
// every connection.
type Handler struct {
	tools          ToolSource
	logger         *slog.Logger
	serverName     string
	serverVersion  string
	validateSchema bool
}

// New builds a Handler. serverName/serverVersion are surfaced verbatim in
// `initialize` responses' serverInfo.
func New(tools ToolSource, serverName, serverVersion string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		tools:          tools,
		logger:         logger.With("component", "message-handler"),
		serverName:     serverName,
		serverVersion:  serverVersion,
		validateSchema: true,
	}
}

// HandleMessage parses raw as one JSON-RPC 2.0 request and returns the
// serialized response. A parse failure yields a -32700 response with no id
// field, since no id could be recovered.
func (h *Handler) HandleMessage(ctx context.Context, session *SessionState, raw []byte) []byte {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return mustMarshal(Response{
			JSONRPC: "2.0",
			Error:   &RPCError{Code: CodeParseError, Message: "Parse error"},
		})
	}
	// Client notifications (notifications/initialized, cancellations) carry
	// no id and expect no response frame.
	if strings.HasPrefix(req.Method, "notifications/") {
		return nil
	}
	return mustMarshal(h.Dispatch(ctx, session, req))
}

// Dispatch routes req to its method handler.
func (h *Handler) Dispatch(ctx context.Context, session *SessionState, req Request) Response {
	resp := Response{JSONRPC: "2.0", ID: req.ID}

	switch req.Method {
	case "initialize":
		h.handleInitialize(session, req, &resp)
	case "tools/list":
		h.handleToolsList(&resp)
	case "tools/call":
		h.handleToolsCall(ctx, req, &resp)
	case "ping":
		resp.Result = map[string]any{
			"status":    "ok",
			"timestamp": time.Now().UnixMilli(),
		}
	case "resources/list":
		resp.Result = map[string]any{"resources": []any{}}
	case "prompts/list":
		resp.Result = map[string]any{"prompts": []any{}}
	default:
		resp.Error = &RPCError{Code: CodeMethodNotFound, Message: xzerr.UnknownMethod(req.Method).Message}
	}
	return resp
}

type initializeParams struct {
	ProtocolVersion string             `json:"protocolVersion"`
	ClientInfo      mcp.Implementation `json:"clientInfo"`
}

func (h *Handler) handleInitialize(session *SessionState, req Request, resp *Response) {
	var params initializeParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			resp.Error = invalidArgumentsError(err.Error())
			return
		}
	}
	if params.ProtocolVersion == "" {
		params.ProtocolVersion = ProtocolVersion
	}
	if session != nil {
		session.markInitialized(params.ProtocolVersion, params.ClientInfo)
	}
	resp.Result = map[string]any{
		"protocolVersion": params.ProtocolVersion,
		"capabilities": map[string]any{
			"tools": map[string]any{"listChanged": true},
		},
		"serverInfo": map[string]any{
			"name":    h.serverName,
			"version": h.serverVersion,
		},
	}
}

func (h *Handler) handleToolsList(resp *Response) {
	descriptors := h.tools.GetAllTools()
	tools := make([]map[string]any, 0, len(descriptors))
	for _, d := range descriptors {
		schema := d.InputSchema
		if schema == nil {
			schema = map[string]any{"type": "object"}
		}
		tools = append(tools, map[string]any{
			"name":        d.Name,
			"description": d.Description,
			"inputSchema": schema,
		})
	}
	resp.Result = map[string]any{"tools": tools}
}

type toolsCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

func (h *Handler) handleToolsCall(ctx context.Context, req Request, resp *Response) {
	var params toolsCallParams
	if len(req.Params) == 0 {
		resp.Error = invalidArgumentsError("missing params")
		return
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		resp.Error = invalidArgumentsError(err.Error())
		return
	}
	if params.Name == "" {
		resp.Error = invalidArgumentsError("name is required")
		return
	}

	if !h.tools.HasTool(params.Name) {
		resp.Error = &RPCError{
			Code:    CodeMethodNotFound,
			Message: fmt.Sprintf("未知的工具: %s", params.Name),
		}
		return
	}

	if h.validateSchema {
		if schemaErr := h.validateArguments(params.Name, params.Arguments); schemaErr != "" {
			resp.Error = invalidArgumentsError(schemaErr)
			return
		}
	}

	result, err := h.tools.CallTool(ctx, params.Name, params.Arguments)
	if err != nil {
		resp.Error = errorToRPCError(err)
		return
	}
	resp.Result = result
}

// validateArguments checks args against the named tool's declared
// inputSchema, returning a human-readable reason on failure or "" when the
// arguments pass (or no schema exists to check against).
func (h *Handler) validateArguments(name string, args map[string]any) string {
	var schema map[string]any
	for _, d := range h.tools.GetAllTools() {
		if d.Name == name {
			schema = d.InputSchema
			break
		}
	}
	if len(schema) == 0 {
		return ""
	}

	schemaLoader := gojsonschema.NewGoLoader(schema)
	docLoader := gojsonschema.NewGoLoader(args)
	result, err := gojsonschema.Validate(schemaLoader, docLoader)
	if err != nil {
		h.logger.Warn("schema validation setup failed, skipping", "tool", name, "error", err)
		return ""
	}
	if result.Valid() {
		return ""
	}
	errs := result.Errors()
	if len(errs) == 0 {
		return "invalid arguments"
	}
	return errs[0].String()
}

func invalidArgumentsError(detail string) *RPCError {
	xe := xzerr.InvalidArguments(detail)
	return &RPCError{
		Code:    CodeInvalidParams,
		Message: xe.Message,
		Data:    map[string]any{"code": string(xe.Code)},
	}
}

// errorToRPCError maps a tool-dispatch error (e.g. not-found, not-connected,
// configuration) to a JSON-RPC error, preserving the gateway's stable error
// code in the data field.
func errorToRPCError(err error) *RPCError {
	code, ok := xzerr.CodeOf(err)
	if !ok {
		return &RPCError{Code: CodeInternalError, Message: err.Error()}
	}
	data := map[string]any{"code": string(code)}
	switch code {
	case xzerr.CodeNotFound:
		return &RPCError{Code: CodeMethodNotFound, Message: err.Error(), Data: data}
	case xzerr.CodeInvalidArguments, xzerr.CodeValidation:
		return &RPCError{Code: CodeInvalidParams, Message: err.Error(), Data: data}
	default:
		return &RPCError{Code: CodeServerError, Message: err.Error(), Data: data}
	}
}

func mustMarshal(resp Response) []byte {
	b, err := json.Marshal(resp)
	if err != nil {
		return []byte(`{"jsonrpc":"2.0","error":{"code":-32603,"message":"internal marshal failure"}}`)
	}
	return b
}
