// Package toolsync implements the tool sync manager: it reconciles
// the configured set of per-service enabled tools with the materialised
// `${serviceName}__${toolName}` entries of handler-kind `mcp` in the
// Custom-Tool Handler's catalog.
package toolsync

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/sync/singleflight"

	"github.com/xzcli/mcp-gateway/internal/config"
	"github.com/xzcli/mcp-gateway/internal/customtool"
	"github.com/xzcli/mcp-gateway/internal/downstream"
	"github.com/xzcli/mcp-gateway/internal/eventbus"
)

const materializedSeparator = "__"

// Manager reconciles enabled-tool config into the custom-tool catalog.
type Manager struct {
	bus      *eventbus.Bus
	custom   *customtool.Handler
	services *downstream.ServiceManager
	logger   *slog.Logger

	sf singleflight.Group

	mu      sync.RWMutex
	enabled map[string]map[string]bool // serviceName -> toolName -> enabled
}

// New builds a Manager and subscribes it to config:updated,
// mcp:server:added, mcp:server:removed, and the tool-sync:* topics an
// external admin layer may publish directly.
func New(bus *eventbus.Bus, custom *customtool.Handler, services *downstream.ServiceManager, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		bus:      bus,
		custom:   custom,
		services: services,
		logger:   logger.With("component", "tool-sync"),
		enabled:  map[string]map[string]bool{},
	}
	bus.Subscribe(eventbus.TopicConfigUpdated, m.onConfigUpdated)
	bus.Subscribe(eventbus.TopicMCPServerAdded, m.onServerAdded)
	bus.Subscribe(eventbus.TopicMCPServerRemoved, m.onServerRemoved)
	bus.Subscribe(eventbus.TopicToolSyncGeneral, m.onExternalTrigger)
	bus.Subscribe(eventbus.TopicToolSyncServerTools, m.onExternalTrigger)
	return m
}

func (m *Manager) onConfigUpdated(_ context.Context, payload any) {
	cfg, ok := payload.(*config.GatewayConfig)
	if !ok || cfg == nil {
		return
	}
	flags := make(map[string]map[string]bool, len(cfg.MCPServerConfig))
	for service, tools := range cfg.MCPServerConfig {
		mm := make(map[string]bool, len(tools))
		for tool, tc := range tools {
			mm[tool] = tc.Enabled
		}
		flags[service] = mm
	}

	m.mu.Lock()
	m.enabled = flags
	m.mu.Unlock()

	for name := range cfg.MCPServers {
		m.ReconcileService(name)
	}
}

func (m *Manager) onServerAdded(_ context.Context, payload any) {
	name, ok := payload.(string)
	if !ok {
		return
	}
	m.ReconcileService(name)
}

func (m *Manager) onServerRemoved(_ context.Context, payload any) {
	name, ok := payload.(string)
	if !ok {
		return
	}
	removed := m.custom.RemoveByPrefix(name + materializedSeparator)
	m.logger.Debug("dropped materialised tools for removed service", "service", name, "count", len(removed))

	m.mu.Lock()
	delete(m.enabled, name)
	m.mu.Unlock()
}

// onExternalTrigger handles the tool-sync:general-config-updated and
// tool-sync:server-tools-updated topics. Per the Open Question decision,
// ReconcileService is idempotent and order-independent, so both topics
// converge on the same function regardless of which fires first; a bare
// trigger with no identifiable service reconciles every known service.
func (m *Manager) onExternalTrigger(_ context.Context, payload any) {
	if name, ok := payload.(string); ok && name != "" {
		m.ReconcileService(name)
		return
	}
	for _, name := range m.services.ServiceNames() {
		m.ReconcileService(name)
	}
}

// ReconcileService recomputes the desired materialised-tool set for
// serviceName and diffs it against the Custom-Tool Handler's catalog.
// Concurrent calls for the same service coalesce onto one execution.
func (m *Manager) ReconcileService(serviceName string) {
	_, _, _ = m.sf.Do(serviceName, func() (any, error) {
		m.reconcile(serviceName)
		return nil, nil
	})
}

func (m *Manager) reconcile(serviceName string) {
	svc, ok := m.services.Service(serviceName)
	if !ok {
		return
	}

	m.mu.RLock()
	toolFlags := m.enabled[serviceName]
	m.mu.RUnlock()

	// Only pairs with an explicit enabled flag in serverToolsConfig are
	// materialised; tools with no entry stay exposed solely under their
	// xzcli name. The configured set intersected with the live catalog is
	// the desired set.
	prefix := serviceName + materializedSeparator
	desired := map[string]bool{}
	for _, t := range svc.Tools() {
		enabled, configured := false, false
		if toolFlags != nil {
			if v, ok := toolFlags[t.Name]; ok {
				enabled, configured = v, true
			}
		}
		if !configured || !enabled {
			continue
		}
		desired[t.Name] = true
		materializedName := prefix + t.Name
		if m.custom.HasTool(materializedName) {
			continue
		}
		m.custom.Add(customtool.Tool{
			Name:        materializedName,
			Description: t.Description,
			InputSchema: toolInputSchema(t.InputSchema),
			Handler: config.CustomToolHandler{
				Kind:        config.HandlerMCP,
				ServiceName: serviceName,
				ToolName:    t.Name,
			},
		})
	}

	for _, ct := range m.custom.GetTools() {
		if !strings.HasPrefix(ct.Name, prefix) {
			continue
		}
		originalName := strings.TrimPrefix(ct.Name, prefix)
		if !desired[originalName] {
			m.custom.Remove(ct.Name)
		}
	}
}

func toolInputSchema(s mcp.ToolInputSchema) map[string]any {
	schemaType := s.Type
	if schemaType == "" {
		schemaType = "object"
	}
	m := map[string]any{"type": schemaType}
	if s.Properties != nil {
		m["properties"] = s.Properties
	}
	if len(s.Required) > 0 {
		m["required"] = s.Required
	}
	return m
}
