package downstream

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/sync/errgroup"

	"github.com/xzcli/mcp-gateway/internal/config"
	"github.com/xzcli/mcp-gateway/internal/customtool"
	"github.com/xzcli/mcp-gateway/internal/eventbus"
	"github.com/xzcli/mcp-gateway/internal/xzerr"
)

// xzcliSeparator is the aggregated public tool-name infix.
const xzcliSeparator = "_xzcli_"

// ToolDescriptor describes one public tool, with serviceName/originalName
// populated only for the aggregated upstream-facing view.
type ToolDescriptor struct {
	Name         string
	Description  string
	InputSchema  map[string]any
	ServiceName  string
	OriginalName string
}

// AuthorizedToolsFilter is the supplemented trusted-header tool filtering
// hook: nil by default (no filtering), so a caller
// embedding this module behind a trust boundary can restrict the advertised
// tool set per upstream connection without the core depending on any
// particular trust source.
type AuthorizedToolsFilter func(ToolDescriptor) bool

type toolStats struct {
	mu           sync.Mutex
	usageCount   int64
	lastUsedTime string
}

// ServiceManager owns every MCPService plus the Custom-Tool Handler, per
// It exposes the unified tool list and tool dispatch, and reconciles
// service lifecycle from config changes delivered over the Event Bus.
type ServiceManager struct {
	bus    *eventbus.Bus
	cache  *ToolCache
	custom *customtool.Handler
	logger *slog.Logger

	newClient ClientFactory

	mu       sync.RWMutex
	services map[string]*MCPService
	enabled  map[string]map[string]bool // serviceName -> toolName -> explicit override

	statsMu sync.Mutex
	stats   map[string]*toolStats

	Filter AuthorizedToolsFilter
}

// NewServiceManager builds a ServiceManager. newClient is the transport
// factory wrapped to the ClientFactory signature; pass the same instance
// used for all services.
func NewServiceManager(bus *eventbus.Bus, cache *ToolCache, custom *customtool.Handler, newClient ClientFactory, logger *slog.Logger) *ServiceManager {
	if logger == nil {
		logger = slog.Default()
	}
	sm := &ServiceManager{
		bus:       bus,
		cache:     cache,
		custom:    custom,
		newClient: newClient,
		logger:    logger.With("component", "service-manager"),
		services:  map[string]*MCPService{},
		enabled:   map[string]map[string]bool{},
		stats:     map[string]*toolStats{},
	}
	if bus != nil {
		bus.Subscribe(eventbus.TopicConfigUpdated, sm.onConfigUpdated)
	}
	return sm
}

// Reconcile applies the given service config set: starts services that are
// newly present, stops and removes services that are no longer configured,
// and leaves unchanged services running.
// It also refreshes the per-service per-tool enable-flag table.
func (sm *ServiceManager) Reconcile(ctx context.Context, cfgs map[string]*config.MCPServerConfig, toolFlags map[string]map[string]config.ToolConfig) {
	sm.mu.Lock()
	var toStart []*MCPService
	for name, cfg := range cfgs {
		if _, ok := sm.services[name]; !ok {
			svc := NewMCPService(cfg, sm.newClient, sm.logger)
			sm.services[name] = svc
			toStart = append(toStart, svc)
		}
	}
	var toRemove []*MCPService
	for name, svc := range sm.services {
		if _, ok := cfgs[name]; !ok {
			toRemove = append(toRemove, svc)
			delete(sm.services, name)
		}
	}

	flags := make(map[string]map[string]bool, len(toolFlags))
	for service, tools := range toolFlags {
		m := make(map[string]bool, len(tools))
		for tool, tc := range tools {
			m[tool] = tc.Enabled
		}
		flags[service] = m
	}
	sm.enabled = flags
	sm.mu.Unlock()

	for _, svc := range toStart {
		go func(s *MCPService) {
			if err := s.Connect(ctx); err != nil {
				sm.logger.Warn("service connect failed", "service", s.Name(), "error", err)
			} else {
				sm.cache.Write(s.Name(), s.Tools(), s.cfg)
			}
			sm.bus.Publish(ctx, eventbus.TopicMCPServerAdded, s.Name())
		}(svc)
	}
	for _, svc := range toRemove {
		go func(s *MCPService) {
			_ = s.Disconnect()
			sm.bus.Publish(ctx, eventbus.TopicMCPServerRemoved, s.Name())
		}(svc)
	}
}

func (sm *ServiceManager) onConfigUpdated(ctx context.Context, payload any) {
	cfg, ok := payload.(*config.GatewayConfig)
	if !ok || cfg == nil {
		return
	}
	sm.Reconcile(ctx, cfg.MCPServers, cfg.MCPServerConfig)
	sm.custom.Initialize(cfg.CustomMCP.Tools)
}

// RegisterService adds the service without connecting it. The startup path
// registers everything first, then StartAllServices performs the parallel
// initial connect and waits for every service to settle.
func (sm *ServiceManager) RegisterService(cfg *config.MCPServerConfig) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if _, ok := sm.services[cfg.Name]; ok {
		return xzerr.New(xzerr.CodeConflict, fmt.Sprintf("service %q already registered", cfg.Name), nil)
	}
	sm.services[cfg.Name] = NewMCPService(cfg, sm.newClient, sm.logger)
	return nil
}

// SetToolFlags replaces the per-service per-tool enable-flag table.
func (sm *ServiceManager) SetToolFlags(toolFlags map[string]map[string]config.ToolConfig) {
	flags := make(map[string]map[string]bool, len(toolFlags))
	for service, tools := range toolFlags {
		m := make(map[string]bool, len(tools))
		for tool, tc := range tools {
			m[tool] = tc.Enabled
		}
		flags[service] = m
	}
	sm.mu.Lock()
	sm.enabled = flags
	sm.mu.Unlock()
}

// StartAllServices connects every currently registered service in parallel
// and waits for each to reach connected or failed. Individual
// failures do not abort the others.
func (sm *ServiceManager) StartAllServices(ctx context.Context) error {
	sm.mu.RLock()
	services := make([]*MCPService, 0, len(sm.services))
	for _, s := range sm.services {
		services = append(services, s)
	}
	sm.mu.RUnlock()

	g := new(errgroup.Group)
	for _, svc := range services {
		svc := svc
		g.Go(func() error {
			if err := svc.Connect(ctx); err != nil {
				sm.logger.Warn("startup connect failed", "service", svc.Name(), "error", err)
				return nil
			}
			sm.cache.Write(svc.Name(), svc.Tools(), svc.cfg)
			return nil
		})
	}
	return g.Wait()
}

// AddService registers and connects a single service, used by admin-driven
// additions (startup goes through RegisterService and StartAllServices).
func (sm *ServiceManager) AddService(ctx context.Context, cfg *config.MCPServerConfig) error {
	sm.mu.Lock()
	if _, ok := sm.services[cfg.Name]; ok {
		sm.mu.Unlock()
		return xzerr.New(xzerr.CodeConflict, fmt.Sprintf("service %q already registered", cfg.Name), nil)
	}
	svc := NewMCPService(cfg, sm.newClient, sm.logger)
	sm.services[cfg.Name] = svc
	sm.mu.Unlock()

	err := svc.Connect(ctx)
	sm.bus.Publish(ctx, eventbus.TopicMCPServerAdded, cfg.Name)
	return err
}

// RemoveService disconnects and drops service name.
func (sm *ServiceManager) RemoveService(ctx context.Context, name string) error {
	sm.mu.Lock()
	svc, ok := sm.services[name]
	if !ok {
		sm.mu.Unlock()
		return xzerr.New(xzerr.CodeNotFound, fmt.Sprintf("service %q not found", name), nil)
	}
	delete(sm.services, name)
	sm.mu.Unlock()

	err := svc.Disconnect()
	sm.bus.Publish(ctx, eventbus.TopicMCPServerRemoved, name)
	return err
}

// RestartService disconnects then reconnects the named service, publishing
// the service:restart:* events.
func (sm *ServiceManager) RestartService(ctx context.Context, name string) error {
	sm.mu.RLock()
	svc, ok := sm.services[name]
	sm.mu.RUnlock()
	if !ok {
		return xzerr.New(xzerr.CodeNotFound, fmt.Sprintf("service %q not found", name), nil)
	}

	sm.bus.Publish(ctx, eventbus.TopicServiceRestartStarted, name)
	if err := svc.Reconnect(ctx); err != nil {
		sm.bus.Publish(ctx, eventbus.TopicServiceRestartFailed, RestartEvent{Name: name, Error: err.Error()})
		return err
	}
	sm.bus.Publish(ctx, eventbus.TopicServiceRestartDone, name)
	return nil
}

// RestartEvent is the service:restart:failed payload carried on the bus.
type RestartEvent struct {
	Name  string
	Error string
}

// isEnabled reports whether serviceName's toolName is exposed, defaulting
// to enabled when no explicit flag is configured.
func (sm *ServiceManager) isEnabled(serviceName, toolName string) bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	if tools, ok := sm.enabled[serviceName]; ok {
		if enabled, ok := tools[toolName]; ok {
			return enabled
		}
	}
	return true
}

// XZCLIName builds the aggregated public name for a downstream tool, per
// hyphens in the service name normalized to underscores.
func XZCLIName(serviceName, toolName string) string {
	return strings.ReplaceAll(serviceName, "-", "_") + xzcliSeparator + toolName
}

// resolveXZCLI reverses an aggregated public name back to (serviceName,
// originalName). The inverse mapping is total for this shape.
func (sm *ServiceManager) resolveXZCLI(name string) (serviceName, originalName string, ok bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	for svcName, svc := range sm.services {
		prefix := svc.cfg.NormalizedName() + xzcliSeparator
		if rest, found := strings.CutPrefix(name, prefix); found {
			return svcName, rest, true
		}
	}
	return "", "", false
}

// GetAllTools produces the public view: downstream tools under
// their xzcli prefix (filtered by the per-service enable flags), plus every
// custom tool as-is; custom-tool names shadow any prefixed collision.
func (sm *ServiceManager) GetAllTools() []ToolDescriptor {
	byName := map[string]ToolDescriptor{}

	sm.mu.RLock()
	services := make(map[string]*MCPService, len(sm.services))
	for k, v := range sm.services {
		services[k] = v
	}
	sm.mu.RUnlock()

	for name, svc := range services {
		if svc.State() != StateConnected {
			continue
		}
		for _, t := range svc.Tools() {
			if !sm.isEnabled(name, t.Name) {
				continue
			}
			pub := XZCLIName(name, t.Name)
			byName[pub] = ToolDescriptor{
				Name:         pub,
				Description:  t.Description,
				InputSchema:  schemaToMap(t),
				ServiceName:  name,
				OriginalName: t.Name,
			}
		}
	}

	for _, ct := range sm.custom.GetTools() {
		byName[ct.Name] = ToolDescriptor{
			Name:        ct.Name,
			Description: ct.Description,
			InputSchema: ct.InputSchema,
		}
	}

	out := make([]ToolDescriptor, 0, len(byName))
	for _, td := range byName {
		if sm.Filter != nil && !sm.Filter(td) {
			continue
		}
		out = append(out, td)
	}
	return out
}

func schemaToMap(t mcp.Tool) map[string]any {
	schemaType := t.InputSchema.Type
	if schemaType == "" {
		schemaType = "object"
	}
	m := map[string]any{"type": schemaType}
	if t.InputSchema.Properties != nil {
		m["properties"] = t.InputSchema.Properties
	}
	if len(t.InputSchema.Required) > 0 {
		m["required"] = t.InputSchema.Required
	}
	return m
}

// HasTool reports whether publicName resolves to either a custom tool or a
// connected downstream tool exposed under its xzcli name.
func (sm *ServiceManager) HasTool(publicName string) bool {
	if sm.custom.HasTool(publicName) {
		return true
	}
	serviceName, toolName, ok := sm.resolveXZCLI(publicName)
	if !ok {
		return false
	}
	sm.mu.RLock()
	svc, ok := sm.services[serviceName]
	sm.mu.RUnlock()
	if !ok {
		return false
	}
	return svc.HasTool(toolName) && sm.isEnabled(serviceName, toolName)
}

// CallTool resolves publicName in order: (1) custom-tool exact match, (2)
// xzcli-pattern reverse mapping plus enable-flag check. It records usage
// stats on the matched entity.
func (sm *ServiceManager) CallTool(ctx context.Context, publicName string, args map[string]any) (*mcp.CallToolResult, error) {
	if sm.custom.HasTool(publicName) {
		return sm.custom.CallTool(ctx, publicName, args)
	}

	serviceName, toolName, ok := sm.resolveXZCLI(publicName)
	if !ok {
		return nil, xzerr.New(xzerr.CodeNotFound, fmt.Sprintf("unknown tool %q", publicName), nil)
	}
	if !sm.isEnabled(serviceName, toolName) {
		return nil, xzerr.New(xzerr.CodeNotFound, fmt.Sprintf("tool %q is disabled", publicName), nil)
	}

	sm.mu.RLock()
	svc, ok := sm.services[serviceName]
	sm.mu.RUnlock()
	if !ok {
		return nil, xzerr.New(xzerr.CodeNotFound, fmt.Sprintf("service %q not found for tool %q", serviceName, publicName), nil)
	}

	res, err := svc.CallTool(ctx, toolName, args)
	if err == nil {
		sm.recordStats(serviceName, toolName)
	}
	return res, err
}

// recordStats bumps usageCount/lastUsedTime for (serviceName, toolName)
// under a per-key mutex so concurrent calls never lose an update.
func (sm *ServiceManager) recordStats(serviceName, toolName string) {
	key := serviceName + "\x00" + toolName
	sm.statsMu.Lock()
	st, ok := sm.stats[key]
	if !ok {
		st = &toolStats{}
		sm.stats[key] = st
	}
	sm.statsMu.Unlock()

	st.mu.Lock()
	st.usageCount++
	st.lastUsedTime = time.Now().Format("2006-01-02 15:04:05")
	st.mu.Unlock()
}

// Stats returns the recorded usage for (serviceName, toolName), or
// (0, "", false) if never called.
func (sm *ServiceManager) Stats(serviceName, toolName string) (int64, string, bool) {
	key := serviceName + "\x00" + toolName
	sm.statsMu.Lock()
	st, ok := sm.stats[key]
	sm.statsMu.Unlock()
	if !ok {
		return 0, "", false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.usageCount, st.lastUsedTime, true
}

// HasCustomMCPTool and GetCustomMCPTools are the admin-facing adapter
// surface: they must swallow handler-layer panics and degrade
// to false/[] so admin queries never fail because of a misconfigured
// handler.
func (sm *ServiceManager) HasCustomMCPTool(name string) (has bool) {
	defer func() {
		if r := recover(); r != nil {
			sm.logger.Error("custom tool handler panicked", "panic", r)
			has = false
		}
	}()
	return sm.custom.HasTool(name)
}

func (sm *ServiceManager) GetCustomMCPTools() (tools []customtool.Tool) {
	defer func() {
		if r := recover(); r != nil {
			sm.logger.Error("custom tool handler panicked", "panic", r)
			tools = nil
		}
	}()
	return sm.custom.GetTools()
}

// Shutdown disconnects every MCP Service in parallel.
func (sm *ServiceManager) Shutdown() {
	sm.mu.RLock()
	services := make([]*MCPService, 0, len(sm.services))
	for _, s := range sm.services {
		services = append(services, s)
	}
	sm.mu.RUnlock()

	var wg sync.WaitGroup
	for _, svc := range services {
		wg.Add(1)
		go func(s *MCPService) {
			defer wg.Done()
			if err := s.Disconnect(); err != nil {
				sm.logger.Warn("shutdown disconnect failed", "service", s.Name(), "error", err)
			}
		}(svc)
	}
	wg.Wait()
}

// ServiceNames returns the currently registered service names.
func (sm *ServiceManager) ServiceNames() []string {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	out := make([]string, 0, len(sm.services))
	for name := range sm.services {
		out = append(out, name)
	}
	return out
}

// Service returns the named MCPService, if registered.
func (sm *ServiceManager) Service(name string) (*MCPService, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	svc, ok := sm.services[name]
	return svc, ok
}

// downstreamAdapter implements customtool.DownstreamCaller by dispatching
// directly to a named service and tool, bypassing the xzcli public-name
// resolution used by ServiceManager.CallTool. It exists to break the
// construction-order cycle: the Handler is built first with no dispatcher,
// then wired via Handler.SetDownstream(sm.AsDownstreamCaller()) once the
// ServiceManager exists.
type downstreamAdapter struct{ sm *ServiceManager }

func (d downstreamAdapter) CallTool(ctx context.Context, serviceName, toolName string, args map[string]any) (*mcp.CallToolResult, error) {
	svc, ok := d.sm.Service(serviceName)
	if !ok {
		return nil, xzerr.New(xzerr.CodeNotFound, fmt.Sprintf("service %q not found", serviceName), nil)
	}
	res, err := svc.CallTool(ctx, toolName, args)
	if err == nil {
		d.sm.recordStats(serviceName, toolName)
	}
	return res, err
}

// AsDownstreamCaller exposes sm as a customtool.DownstreamCaller for
// Handler.SetDownstream.
func (sm *ServiceManager) AsDownstreamCaller() customtool.DownstreamCaller {
	return downstreamAdapter{sm: sm}
}
