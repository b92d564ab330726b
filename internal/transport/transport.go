// Package transport implements the transport factory: a pure function
// from a downstream service's configuration variant to a concrete
// mark3labs/mcp-go client transport.
package transport

import (
	"fmt"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"

	"github.com/xzcli/mcp-gateway/internal/config"
	"github.com/xzcli/mcp-gateway/internal/xzerr"
)

// modelScopeTokenHeader is the header ModelScope's SSE endpoints expect the
// platform auth token in, alongside whatever headers the service config
// already carries.
const modelScopeTokenHeader = "X-ModelScope-Token"

// New builds a client for cfg's transport variant. It fails with a
// Configuration-class error when a required field for that variant is
// missing.
func New(cfg *config.MCPServerConfig, modelScopeToken string) (*client.Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, xzerr.New(xzerr.CodeConfiguration, err.Error(), err)
	}

	switch {
	case cfg.Transport == config.TransportStdio:
		return newStdioClient(cfg)
	case cfg.IsModelScope():
		return newModelScopeSSEClient(cfg, modelScopeToken)
	case cfg.Transport == config.TransportSSE:
		return newSSEClient(cfg)
	case cfg.Transport == config.TransportStreamableHTTP:
		return newStreamableHTTPClient(cfg)
	default:
		return nil, xzerr.New(xzerr.CodeConfiguration,
			fmt.Sprintf("unknown transport %q for service %q", cfg.Transport, cfg.Name), nil)
	}
}

func newStdioClient(cfg *config.MCPServerConfig) (*client.Client, error) {
	env := make([]string, 0, len(cfg.Env))
	for k, v := range cfg.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	c, err := client.NewStdioMCPClient(cfg.Command, env, cfg.Args...)
	if err != nil {
		return nil, fmt.Errorf("transport: stdio client for %q: %w", cfg.Name, err)
	}
	return c, nil
}

func newSSEClient(cfg *config.MCPServerConfig) (*client.Client, error) {
	var opts []transport.ClientOption
	if len(cfg.Headers) > 0 {
		opts = append(opts, transport.WithHeaders(cfg.Headers))
	}
	c, err := client.NewSSEMCPClient(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("transport: sse client for %q: %w", cfg.Name, err)
	}
	return c, nil
}

// newModelScopeSSEClient is the plain SSE transport with the platform token
// injected as a side-channel header; it differs from plain SSE only in
// carrying that token.
func newModelScopeSSEClient(cfg *config.MCPServerConfig, token string) (*client.Client, error) {
	headers := make(map[string]string, len(cfg.Headers)+1)
	for k, v := range cfg.Headers {
		headers[k] = v
	}
	if token != "" {
		headers[modelScopeTokenHeader] = token
	}
	var opts []transport.ClientOption
	if len(headers) > 0 {
		opts = append(opts, transport.WithHeaders(headers))
	}
	c, err := client.NewSSEMCPClient(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("transport: modelscope-sse client for %q: %w", cfg.Name, err)
	}
	return c, nil
}

func newStreamableHTTPClient(cfg *config.MCPServerConfig) (*client.Client, error) {
	opts := []transport.StreamableHTTPCOption{
		transport.WithContinuousListening(),
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, transport.WithHTTPHeaders(cfg.Headers))
	}
	c, err := client.NewStreamableHttpClient(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("transport: streamable-http client for %q: %w", cfg.Name, err)
	}
	return c, nil
}
