package integration

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/xzcli/mcp-gateway/internal/config"
	"github.com/xzcli/mcp-gateway/internal/downstream"
	"github.com/xzcli/mcp-gateway/internal/endpoint"
)

// fakeMCPClient serves a scripted tool catalog in-process, standing in for a
// real stdio/SSE downstream.
type fakeMCPClient struct {
	tools []mcp.Tool
	call  func(name string, args map[string]any) (*mcp.CallToolResult, error)
}

func (f *fakeMCPClient) Start(context.Context) error { return nil }

func (f *fakeMCPClient) Initialize(context.Context, mcp.InitializeRequest) (*mcp.InitializeResult, error) {
	return &mcp.InitializeResult{}, nil
}

func (f *fakeMCPClient) ListTools(context.Context, mcp.ListToolsRequest) (*mcp.ListToolsResult, error) {
	return &mcp.ListToolsResult{Tools: f.tools}, nil
}

func (f *fakeMCPClient) CallTool(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := req.Params.Arguments.(map[string]any)
	return f.call(req.Params.Name, args)
}

func (f *fakeMCPClient) Close() error { return nil }

// calculatorClient exposes add/sub computing over numeric a/b arguments.
func calculatorClient() *fakeMCPClient {
	return &fakeMCPClient{
		tools: []mcp.Tool{{Name: "add"}, {Name: "sub"}},
		call: func(name string, args map[string]any) (*mcp.CallToolResult, error) {
			a, _ := args["a"].(float64)
			b, _ := args["b"].(float64)
			switch name {
			case "add":
				return mcp.NewToolResultText(strconv.FormatFloat(a+b, 'f', -1, 64)), nil
			case "sub":
				return mcp.NewToolResultText(strconv.FormatFloat(a-b, 'f', -1, 64)), nil
			}
			return nil, fmt.Errorf("no such tool %q", name)
		},
	}
}

// weatherClient exposes one forecast tool.
func weatherClient() *fakeMCPClient {
	return &fakeMCPClient{
		tools: []mcp.Tool{{Name: "forecast"}},
		call: func(name string, args map[string]any) (*mcp.CallToolResult, error) {
			return mcp.NewToolResultText("sunny"), nil
		},
	}
}

// clientRegistry routes the ServiceManager's client factory to the fake for
// each configured service name.
type clientRegistry map[string]*fakeMCPClient

func (r clientRegistry) factory(cfg *config.MCPServerConfig) (downstream.MCPClient, error) {
	cli, ok := r[cfg.Name]
	if !ok {
		return nil, fmt.Errorf("no fake for service %q", cfg.Name)
	}
	return cli, nil
}

func serviceCfg(name string, transport config.TransportKind) *config.MCPServerConfig {
	cfg := &config.MCPServerConfig{
		Name:      name,
		Transport: transport,
		Ping:      config.PingPolicy{Enabled: false},
		Reconnect: config.ReconnectPolicy{Enabled: false},
	}
	if transport == config.TransportStdio {
		cfg.Command = "echo"
	} else {
		cfg.URL = "http://127.0.0.1:0/" + name
	}
	return cfg
}

// pipeConn is an in-memory endpoint.Conn; frames pushed into `in` come out
// of Read, Write lands in `out`.
type pipeConn struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once
}

func newPipeConn() *pipeConn {
	return &pipeConn{
		in:     make(chan []byte, 16),
		out:    make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (p *pipeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-p.in:
		return data, nil
	case <-p.closed:
		return nil, fmt.Errorf("connection closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipeConn) Write(_ context.Context, data []byte) error {
	select {
	case p.out <- data:
		return nil
	case <-p.closed:
		return fmt.Errorf("connection closed")
	}
}

func (p *pipeConn) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

func (p *pipeConn) receive(timeout time.Duration) ([]byte, error) {
	select {
	case data := <-p.out:
		return data, nil
	case <-time.After(timeout):
		return nil, fmt.Errorf("timed out waiting for frame")
	}
}

// pipeDialer hands each endpoint URL its own pipeConn.
type pipeDialer struct {
	mu    sync.Mutex
	conns map[string]*pipeConn
}

func newPipeDialer() *pipeDialer {
	return &pipeDialer{conns: map[string]*pipeConn{}}
}

func (d *pipeDialer) dial(_ context.Context, url string, _ http.Header) (endpoint.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c := newPipeConn()
	d.conns[url] = c
	return c, nil
}

func (d *pipeDialer) conn(url string) *pipeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[url]
}
