package endpoint

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/sync/errgroup"

	"github.com/xzcli/mcp-gateway/internal/config"
	"github.com/xzcli/mcp-gateway/internal/downstream"
	"github.com/xzcli/mcp-gateway/internal/eventbus"
	"github.com/xzcli/mcp-gateway/internal/protocol"
	"github.com/xzcli/mcp-gateway/internal/xzerr"
)

// ConfigPersister persists the endpoint list whenever the set is mutated at
// runtime, so a restart comes back with the same endpoints. The Manager
// holds it non-owning.
type ConfigPersister interface {
	SaveEndpoints(ctx context.Context, endpoints []string) error
}

// Options are the manager-level connection knobs.
type Options struct {
	Reconnect     config.ReconnectPolicy
	ServerName    string
	ServerVersion string
	Sessions      *protocol.SessionManager
}

// EndpointStatus is one entry of getConnectionStatus().
type EndpointStatus struct {
	Connected         bool
	Initialized       bool
	State             State
	ReconnectAttempts int
	LastError         string
}

// ReconnectOutcome is one entry of reconnectAll()'s per-endpoint results.
type ReconnectOutcome struct {
	Endpoint string
	Success  bool
	Error    string
}

// ReconnectAllResult aggregates reconnectAll() across every endpoint.
type ReconnectAllResult struct {
	SuccessCount int
	FailureCount int
	Results      []ReconnectOutcome
}

// switchableToolSource lets the Manager hand the Message Handler a dispatch
// target before the Service Manager exists. Until SetServiceManager installs
// one, tool calls fail NotInitialized and the advertised tool list is empty.
// Because every Connection shares the one Handler and the Handler holds this
// source, installing the real target updates every already-running
// connection in place.
type switchableToolSource struct {
	mu    sync.RWMutex
	inner protocol.ToolSource
}

func (s *switchableToolSource) set(inner protocol.ToolSource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inner = inner
}

func (s *switchableToolSource) get() protocol.ToolSource {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.inner
}

func (s *switchableToolSource) GetAllTools() []downstream.ToolDescriptor {
	if inner := s.get(); inner != nil {
		return inner.GetAllTools()
	}
	return nil
}

func (s *switchableToolSource) HasTool(name string) bool {
	if inner := s.get(); inner != nil {
		return inner.HasTool(name)
	}
	return false
}

func (s *switchableToolSource) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	if inner := s.get(); inner != nil {
		return inner.CallTool(ctx, name, args)
	}
	return nil, xzerr.New(xzerr.CodeNotInitialized, "no service manager installed", nil)
}

// Manager owns every Endpoint Connection.
type Manager struct {
	persister ConfigPersister
	bus       *eventbus.Bus
	dial      Dialer
	logger    *slog.Logger

	source  *switchableToolSource
	handler *protocol.Handler

	mu          sync.RWMutex
	initialized bool
	opts        Options
	conns       map[string]*Connection
	order       []string
	heartbeat   func()
}

// NewManager builds a Manager. dial may be nil for the production websocket
// dialer; persister may be nil when the embedding process handles
// persistence itself.
func NewManager(persister ConfigPersister, bus *eventbus.Bus, dial Dialer, opts Options, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ServerName == "" {
		opts.ServerName = "xiaozhi-mcp-server"
	}
	if opts.ServerVersion == "" {
		opts.ServerVersion = "1.0.0"
	}
	if opts.Reconnect.MaxAttempts == 0 {
		opts.Reconnect = DefaultReconnectPolicy
	}
	source := &switchableToolSource{}
	m := &Manager{
		persister: persister,
		bus:       bus,
		dial:      dial,
		logger:    logger.With("component", "endpoint-manager"),
		source:    source,
		handler:   protocol.New(source, opts.ServerName, opts.ServerVersion, logger),
		opts:      opts,
		conns:     map[string]*Connection{},
	}
	if bus != nil {
		bus.Subscribe(eventbus.TopicMCPServerAdded, m.onCatalogChanged)
		bus.Subscribe(eventbus.TopicMCPServerRemoved, m.onCatalogChanged)
		bus.Subscribe(eventbus.TopicConfigUpdated, m.onCatalogChanged)
	}
	return m
}

// Initialize sets up one Connection per endpoint URL without connecting any
// of them. It is idempotent: re-running with the same list leaves existing
// connections untouched. tools seeds each connection's snapshot so the
// first catalog push after connect only fires on a real change.
func (m *Manager) Initialize(endpoints []string, tools []downstream.ToolDescriptor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initialized = true
	for _, url := range endpoints {
		if _, ok := m.conns[url]; ok {
			continue
		}
		m.conns[url] = m.newConnection(url)
		m.order = append(m.order, url)
	}
	for _, conn := range m.conns {
		conn.seedToolSnapshot(tools)
	}
}

func (m *Manager) newConnection(url string) *Connection {
	conn := NewConnection(url, m.handler, m.dial, m.logger)
	conn.SetReconnectPolicy(m.opts.Reconnect)
	if m.opts.Sessions != nil {
		conn.SetSessionManager(m.opts.Sessions)
	}
	conn.OnStatusChange(func(change StatusChange) {
		if m.bus != nil {
			m.bus.Publish(context.Background(), eventbus.TopicEndpointStatusChanged, change)
		}
	})
	if m.heartbeat != nil {
		conn.OnActivity(m.heartbeat)
	}
	return conn
}

// SetServiceManager installs the dispatch target. Every already-running
// Endpoint Connection picks it up in place through the shared tool source.
func (m *Manager) SetServiceManager(sm protocol.ToolSource) {
	m.source.set(sm)
}

// SetHeartbeatFunc wires upstream-frame activity into the Status Service's
// heartbeat tracking. Applies to existing and future connections.
func (m *Manager) SetHeartbeatFunc(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.heartbeat = fn
	for _, conn := range m.conns {
		conn.OnActivity(fn)
	}
}

// Connect dials every configured endpoint in parallel and returns after each
// has completed its attempt; partial success is allowed. An empty
// endpoint list succeeds with no side-effects.
func (m *Manager) Connect(ctx context.Context) error {
	g := new(errgroup.Group)
	for _, conn := range m.snapshot() {
		conn := conn
		g.Go(func() error {
			if err := conn.Connect(ctx); err != nil {
				m.logger.Warn("endpoint connect failed", "endpoint", conn.URL(), "error", err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Disconnect takes every endpoint offline in parallel.
func (m *Manager) Disconnect() error {
	var wg sync.WaitGroup
	for _, conn := range m.snapshot() {
		wg.Add(1)
		go func(c *Connection) {
			defer wg.Done()
			if err := c.Disconnect(); err != nil {
				m.logger.Warn("endpoint disconnect failed", "endpoint", c.URL(), "error", err)
			}
		}(conn)
	}
	wg.Wait()
	return nil
}

// AddEndpoint registers url, persists the new set, and connects it.
func (m *Manager) AddEndpoint(ctx context.Context, url string) error {
	m.mu.Lock()
	if !m.initialized {
		m.mu.Unlock()
		return xzerr.New(xzerr.CodeNotInitialized, "endpoint manager is not initialized", nil)
	}
	if _, ok := m.conns[url]; ok {
		m.mu.Unlock()
		return xzerr.New(xzerr.CodeConflict, fmt.Sprintf("endpoint %q already exists", url), nil)
	}
	conn := m.newConnection(url)
	m.conns[url] = conn
	m.order = append(m.order, url)
	m.mu.Unlock()

	if err := m.persist(ctx); err != nil {
		return err
	}
	return conn.Connect(ctx)
}

// RemoveEndpoint stops and destroys url's connection and persists the
// shrunken set.
func (m *Manager) RemoveEndpoint(ctx context.Context, url string) error {
	m.mu.Lock()
	conn, ok := m.conns[url]
	if !ok {
		m.mu.Unlock()
		return xzerr.New(xzerr.CodeNotFound, fmt.Sprintf("endpoint %q not found", url), nil)
	}
	delete(m.conns, url)
	for i, u := range m.order {
		if u == url {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	m.mu.Unlock()

	if err := conn.Disconnect(); err != nil {
		m.logger.Warn("disconnect of removed endpoint failed", "endpoint", url, "error", err)
	}
	return m.persist(ctx)
}

// ClearEndpoints removes every endpoint.
func (m *Manager) ClearEndpoints(ctx context.Context) error {
	for _, url := range m.GetEndpoints() {
		if err := m.RemoveEndpoint(ctx, url); err != nil {
			return err
		}
	}
	return nil
}

// DisconnectEndpoint leaves url configured but takes it offline; the status
// afterwards shows connected=false, initialized=false.
func (m *Manager) DisconnectEndpoint(url string) error {
	conn, ok := m.connection(url)
	if !ok {
		return xzerr.New(xzerr.CodeNotFound, fmt.Sprintf("endpoint %q not found", url), nil)
	}
	return conn.Disconnect()
}

// ReconnectAll force-reconnects every configured endpoint in parallel.
func (m *Manager) ReconnectAll(ctx context.Context) ReconnectAllResult {
	conns := m.snapshot()
	outcomes := make([]ReconnectOutcome, len(conns))

	var wg sync.WaitGroup
	for i, conn := range conns {
		wg.Add(1)
		go func(i int, c *Connection) {
			defer wg.Done()
			err := c.Reconnect(ctx)
			out := ReconnectOutcome{Endpoint: c.URL(), Success: err == nil}
			if err != nil {
				out.Error = err.Error()
			}
			outcomes[i] = out
		}(i, conn)
	}
	wg.Wait()

	res := ReconnectAllResult{Results: outcomes}
	for _, o := range outcomes {
		if o.Success {
			res.SuccessCount++
		} else {
			res.FailureCount++
		}
	}
	return res
}

// ReconnectEndpoint fails NotInitialized before Initialize, NotFound for a
// never-added endpoint, and otherwise propagates the reconnect outcome.
func (m *Manager) ReconnectEndpoint(ctx context.Context, url string) error {
	m.mu.RLock()
	initialized := m.initialized
	m.mu.RUnlock()
	if !initialized {
		return xzerr.New(xzerr.CodeNotInitialized, "endpoint manager is not initialized", nil)
	}
	conn, ok := m.connection(url)
	if !ok {
		return xzerr.New(xzerr.CodeNotFound, fmt.Sprintf("endpoint %q not found", url), nil)
	}
	return conn.Reconnect(ctx)
}

// GetEndpoints returns the configured endpoint URLs in insertion order.
func (m *Manager) GetEndpoints() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out
}

// GetConnectionStatus reports per-endpoint state.
func (m *Manager) GetConnectionStatus() map[string]EndpointStatus {
	out := map[string]EndpointStatus{}
	for _, conn := range m.snapshot() {
		st := EndpointStatus{
			Connected:         conn.IsConnected(),
			Initialized:       conn.Initialized(),
			State:             conn.State(),
			ReconnectAttempts: conn.ReconnectAttempts(),
		}
		if err := conn.LastError(); err != nil {
			st.LastError = err.Error()
		}
		out[conn.URL()] = st
	}
	return out
}

// IsAnyConnected reports whether at least one endpoint is up.
func (m *Manager) IsAnyConnected() bool {
	for _, conn := range m.snapshot() {
		if conn.IsConnected() {
			return true
		}
	}
	return false
}

// IsEndpointConnected reports whether the named endpoint is up.
func (m *Manager) IsEndpointConnected(url string) bool {
	conn, ok := m.connection(url)
	return ok && conn.IsConnected()
}

// UpdateOptions replaces the manager options; the reconnect policy applies
// to every connection's next cycle.
func (m *Manager) UpdateOptions(opts Options) {
	m.mu.Lock()
	if opts.ServerName == "" {
		opts.ServerName = m.opts.ServerName
	}
	if opts.ServerVersion == "" {
		opts.ServerVersion = m.opts.ServerVersion
	}
	if opts.Reconnect.MaxAttempts == 0 {
		opts.Reconnect = m.opts.Reconnect
	}
	if opts.Sessions == nil {
		opts.Sessions = m.opts.Sessions
	}
	m.opts = opts
	conns := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()
	for _, c := range conns {
		c.SetReconnectPolicy(opts.Reconnect)
	}
}

// GetCurrentConfig returns the endpoint list plus the active options.
func (m *Manager) GetCurrentConfig() (endpoints []string, opts Options) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	endpoints = make([]string, len(m.order))
	copy(endpoints, m.order)
	return endpoints, m.opts
}

// RefreshTools pushes the current aggregated catalog to every connection,
// which diff-and-notify upstream clients via tools/list_changed.
func (m *Manager) RefreshTools(ctx context.Context) {
	tools := m.source.GetAllTools()
	for _, conn := range m.snapshot() {
		conn.UpdateTools(ctx, tools)
	}
}

func (m *Manager) onCatalogChanged(ctx context.Context, _ any) {
	m.RefreshTools(ctx)
}

// Cleanup disconnects everything and drops the connection set.
func (m *Manager) Cleanup() {
	_ = m.Disconnect()
	m.mu.Lock()
	m.conns = map[string]*Connection{}
	m.order = nil
	m.initialized = false
	m.mu.Unlock()
}

func (m *Manager) persist(ctx context.Context) error {
	if m.persister == nil {
		return nil
	}
	return m.persister.SaveEndpoints(ctx, m.GetEndpoints())
}

func (m *Manager) connection(url string) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.conns[url]
	return conn, ok
}

func (m *Manager) snapshot() []*Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Connection, 0, len(m.order))
	for _, url := range m.order {
		out = append(out, m.conns[url])
	}
	return out
}
