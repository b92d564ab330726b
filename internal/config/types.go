// Package config provides the gateway's configuration data model: service
// variants, reconnect/ping policy, custom-tool records, and the loader that
// turns the on-disk JSON document into these types.
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
)

// TransportKind identifies which of the four transport variants a service
// config describes.
type TransportKind string

const (
	TransportStdio           TransportKind = "stdio"
	TransportSSE             TransportKind = "sse"
	TransportStreamableHTTP  TransportKind = "streamable-http"
	TransportModelScopeSSE   TransportKind = "modelscope-sse"
)

// BackoffStrategy names one of the three reconnect-interval formulas.
type BackoffStrategy string

const (
	BackoffFixed       BackoffStrategy = "fixed"
	BackoffLinear      BackoffStrategy = "linear"
	BackoffExponential BackoffStrategy = "exponential"
)

// ReconnectPolicy is the reconnect policy carried by every service
// variant.
type ReconnectPolicy struct {
	Enabled           bool
	MaxAttempts       int
	InitialInterval   int // milliseconds
	MaxInterval       int // milliseconds
	BackoffStrategy   BackoffStrategy
	BackoffMultiplier float64
	Timeout           int // milliseconds
	Jitter            bool
}

// PingPolicy is the ping policy carried by every service variant.
type PingPolicy struct {
	Enabled     bool
	IntervalMS  int
	TimeoutMS   int
	MaxFailures int
	StartDelay  int // milliseconds
}

// MCPServerConfig describes one downstream service: its transport variant
// plus the reconnect/ping policies and timeout shared by all variants.
type MCPServerConfig struct {
	Name      string            `json:"name"`
	Transport TransportKind     `json:"transport"`
	Command   string            `json:"command,omitempty"`
	Args      []string          `json:"args,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	URL       string            `json:"url,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`

	Reconnect ReconnectPolicy `json:"reconnect"`
	Ping      PingPolicy      `json:"ping"`
	TimeoutMS int             `json:"timeout"`

	Enabled bool `json:"enabled"`
}

// IsModelScope recognises ModelScope hosts: an SSE transport whose
// URL host contains modelscope.net or modelscope.cn.
func (c *MCPServerConfig) IsModelScope() bool {
	if c.Transport != TransportSSE && c.Transport != TransportModelScopeSSE {
		return false
	}
	u, err := url.Parse(c.URL)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	return strings.Contains(host, "modelscope.net") || strings.Contains(host, "modelscope.cn")
}

// NormalizedName returns the service name with every hyphen replaced by an
// underscore, the normalisation applied when building aggregated tool names.
func (c *MCPServerConfig) NormalizedName() string {
	return strings.ReplaceAll(c.Name, "-", "_")
}

// Validate checks the required fields for the chosen transport variant and
// returns a Configuration-class error (via ErrMissingField) otherwise.
func (c *MCPServerConfig) Validate() error {
	switch c.Transport {
	case TransportStdio:
		if c.Command == "" {
			return fmt.Errorf("%w: stdio service %q requires command", ErrMissingField, c.Name)
		}
	case TransportSSE, TransportStreamableHTTP, TransportModelScopeSSE:
		if c.URL == "" {
			return fmt.Errorf("%w: service %q requires url", ErrMissingField, c.Name)
		}
	default:
		return fmt.Errorf("%w: service %q has unknown transport %q", ErrMissingField, c.Name, c.Transport)
	}
	return nil
}

// ErrMissingField is wrapped by Validate to mark a Configuration-class error.
var ErrMissingField = fmt.Errorf("missing required field")

// ToolConfig is the per-service per-tool enable-flag entry from
// `mcpServerConfig` in the on-disk config.
type ToolConfig struct {
	Enabled      bool   `json:"enabled"`
	UsageCount   int64  `json:"usageCount"`
	LastUsedTime string `json:"lastUsedTime,omitempty"`
}

// CustomToolHandlerKind tags the three shapes a custom tool's handler can
// take.
type CustomToolHandlerKind string

const (
	HandlerProxyCoze CustomToolHandlerKind = "proxy"
	HandlerMCP       CustomToolHandlerKind = "mcp"
	HandlerFunction  CustomToolHandlerKind = "function"
)

// CustomToolHandler is the tagged-union handler body of a CustomTool.
type CustomToolHandler struct {
	Kind CustomToolHandlerKind `json:"type"`

	// proxy/coze
	WorkflowID string `json:"workflow_id,omitempty"`
	BaseURL    string `json:"baseUrl,omitempty"`

	// mcp
	ServiceName string `json:"serviceName,omitempty"`
	ToolName    string `json:"toolName,omitempty"`
}

// CustomTool is a user-defined tool record.
type CustomTool struct {
	Name        string              `json:"name"`
	Description string              `json:"description"`
	InputSchema map[string]any      `json:"inputSchema"`
	Handler     CustomToolHandler   `json:"handler"`
	UsageCount  int64               `json:"usageCount,omitempty"`
	LastUsed    string              `json:"lastUsedTime,omitempty"`
}

// CozePlatform carries the Coze workflow token (`platforms.coze.token`).
type CozePlatform struct {
	Token string `json:"token"`
}

// ModelScopeConfig carries the platform token injected into ModelScope-SSE
// transports (top-level `modelscope` section).
type ModelScopeConfig struct {
	APIKey string `json:"apiKey"`
}

// ConnectionConfig is the top-level `connection` section: heartbeat and
// endpoint-reconnect knobs for the upstream side.
type ConnectionConfig struct {
	HeartbeatTimeoutMS  int `json:"heartbeatTimeout"`
	ReconnectIntervalMS int `json:"reconnectInterval"`
	MaxReconnectTimes   int `json:"maxReconnectTimes"`
}

// EndpointList decodes the `mcpEndpoint` key, which may be a single string
// or an array of strings on disk.
type EndpointList []string

// UnmarshalJSON accepts both shapes.
func (e *EndpointList) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		if single == "" {
			*e = nil
		} else {
			*e = EndpointList{single}
		}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*e = EndpointList(many)
	return nil
}

// GatewayConfig is the full on-disk configuration document.
type GatewayConfig struct {
	MCPEndpoint      EndpointList                     `json:"mcpEndpoint"`
	MCPServers       map[string]*MCPServerConfig      `json:"mcpServers"`
	MCPServerConfig  map[string]map[string]ToolConfig `json:"mcpServerConfig"`
	CustomMCP        struct {
		Tools []CustomTool `json:"tools"`
	} `json:"customMCP"`
	Platforms struct {
		Coze CozePlatform `json:"coze"`
	} `json:"platforms"`
	Connection ConnectionConfig `json:"connection"`
	ModelScope ModelScopeConfig `json:"modelscope"`
	WebUI      struct {
		Port int `json:"port"`
	} `json:"webUI"`
}

// ConfigDir resolves the directory the config, cache, and logs live in,
// honouring XIAOZHI_CONFIG_DIR and defaulting to the working directory.
func ConfigDir() string {
	if dir := os.Getenv("XIAOZHI_CONFIG_DIR"); dir != "" {
		return dir
	}
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}
