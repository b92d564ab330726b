package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"sigs.k8s.io/yaml"

	"github.com/xzcli/mcp-gateway/internal/eventbus"
)

// Service watches one JSON config file on disk via viper and republishes
// config:updated / config:error on the Event Bus. Writes from this
// process's own admin surface go through Replace, which takes the same
// write lock a concurrent file-watch reload would.
type Service struct {
	mu     sync.RWMutex
	path   string
	bus    *eventbus.Bus
	logger *slog.Logger
	cfg    *GatewayConfig
}

// NewService creates a Service bound to path. Call Load once at startup
// before Watch.
func NewService(path string, bus *eventbus.Bus, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		path:   path,
		bus:    bus,
		logger: logger.With("component", "config"),
		cfg:    &GatewayConfig{},
	}
}

// Load reads the config file from disk into memory. It does not publish an
// event; callers publish explicitly after the initial load so that
// subscriber registration can happen in between.
func (s *Service) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	viper.SetConfigFile(s.path)
	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("config: read %q: %w", s.path, err)
	}

	// viper tracks the file for change notification; decode with
	// sigs.k8s.io/yaml so the GatewayConfig json tags apply directly
	// instead of mapstructure's.
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("config: read %q: %w", s.path, err)
	}
	var cfg GatewayConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return fmt.Errorf("config: unmarshal %q: %w", s.path, err)
	}
	applyDefaults(&cfg)
	s.cfg = &cfg
	return nil
}

// applyDefaults fills missing optional sections with empty values so
// downstream readers never nil-check.
func applyDefaults(cfg *GatewayConfig) {
	if cfg.MCPServers == nil {
		cfg.MCPServers = map[string]*MCPServerConfig{}
	}
	if cfg.MCPServerConfig == nil {
		cfg.MCPServerConfig = map[string]map[string]ToolConfig{}
	}
	for name, svc := range cfg.MCPServers {
		svc.Name = name
	}
}

// Snapshot returns the pointer to the current config, not a copy. Callers
// must not mutate it; Replace is the only writer.
func (s *Service) Snapshot() *GatewayConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Watch starts a viper file-watch; on every change it reloads and publishes
// config:updated, or config:error on a failed reload.
func (s *Service) Watch(ctx context.Context) {
	viper.WatchConfig()
	viper.OnConfigChange(func(in fsnotify.Event) {
		s.logger.Info("config file changed", "path", in.Name)
		if err := s.Load(); err != nil {
			s.logger.Error("config reload failed", "error", err)
			s.bus.Publish(ctx, eventbus.TopicConfigError, err)
			return
		}
		s.bus.Publish(ctx, eventbus.TopicConfigUpdated, s.Snapshot())
	})
}

// Replace installs a new config (e.g. from an admin mutation) and publishes
// config:updated. It takes the same write lock Load uses.
func (s *Service) Replace(ctx context.Context, cfg *GatewayConfig) {
	applyDefaults(cfg)
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	s.bus.Publish(ctx, eventbus.TopicConfigUpdated, cfg)
}
