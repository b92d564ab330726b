package downstream

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/xzcli/mcp-gateway/internal/config"
)

const cacheFileVersion = "1.0.0"

// CacheEntry is the per-service cache record.
type CacheEntry struct {
	Tools         []mcp.Tool               `json:"tools"`
	LastUpdated   string                   `json:"lastUpdated"`
	ServerConfig  *config.MCPServerConfig  `json:"serverConfig"`
	ConfigHash    string                   `json:"configHash"`
	EntryVersion  string                   `json:"version"`
}

// cacheMetadata is the file-level metadata block.
type cacheMetadata struct {
	LastGlobalUpdate string `json:"lastGlobalUpdate"`
	TotalWrites      int    `json:"totalWrites"`
	CreatedAt        string `json:"createdAt"`
}

// cacheFile is the on-disk document shape.
type cacheFile struct {
	Version    string                `json:"version"`
	MCPServers map[string]CacheEntry `json:"mcpServers"`
	Metadata   cacheMetadata         `json:"metadata"`
}

// ToolCache is the persisted `{service -> tool list + config hash}`
// snapshot, written atomically via temp-file-then-rename. It never raises:
// every error is logged and swallowed, since the cache is advisory and
// never read at runtime except by admin/UI queries.
type ToolCache struct {
	path   string
	mu     sync.Mutex
	logger *slog.Logger
}

// NewToolCache binds a ToolCache to path, normally CacheFilePath of the
// config file's directory.
func NewToolCache(path string, logger *slog.Logger) *ToolCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &ToolCache{path: path, logger: logger.With("component", "tool-cache")}
}

// CacheFilePath returns the deterministic cache path under dir.
func CacheFilePath(dir string) string {
	return filepath.Join(dir, "mcp-tool-cache.json")
}

// ConfigHash returns the stable SHA-256 hash of cfg's serialised form, per
// Identical config must hash identically across runs and processes.
func ConfigHash(cfg *config.MCPServerConfig) string {
	// A stable field order avoids map-iteration nondeterminism; cfg has no
	// maps except Env/Headers, so marshal once through a canonical struct.
	canon := struct {
		Name      string
		Transport config.TransportKind
		Command   string
		Args      []string
		Env       map[string]string
		URL       string
		Headers   map[string]string
		Reconnect config.ReconnectPolicy
		Ping      config.PingPolicy
		TimeoutMS int
	}{
		Name: cfg.Name, Transport: cfg.Transport, Command: cfg.Command, Args: cfg.Args,
		Env: cfg.Env, URL: cfg.URL, Headers: cfg.Headers, Reconnect: cfg.Reconnect,
		Ping: cfg.Ping, TimeoutMS: cfg.TimeoutMS,
	}
	// encoding/json sorts map keys alphabetically on marshal, which is what
	// makes this stable across runs despite Go's randomised map iteration.
	b, _ := json.Marshal(canon)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Write persists tools for service under cfg atomically: serialise to a
// `*.tmp` sibling, then os.Rename over the target. Errors are logged and
// swallowed.
func (c *ToolCache) Write(serviceName string, tools []mcp.Tool, cfg *config.MCPServerConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()

	doc, err := c.read()
	if err != nil {
		c.logger.Warn("tool cache unreadable, rebuilding", "error", err)
		doc = emptyCacheFile()
	}

	now := time.Now().Format("2006-01-02 15:04:05")
	doc.MCPServers[serviceName] = CacheEntry{
		Tools:        tools,
		LastUpdated:  now,
		ServerConfig: cfg,
		ConfigHash:   ConfigHash(cfg),
		EntryVersion: cacheFileVersion,
	}
	doc.Metadata.LastGlobalUpdate = now
	doc.Metadata.TotalWrites++
	if doc.Metadata.CreatedAt == "" {
		doc.Metadata.CreatedAt = now
	}

	if err := c.atomicWrite(doc); err != nil {
		c.logger.Warn("tool cache write failed", "error", err)
	}
}

// Read returns the current on-disk document, rebuilding an empty structure
// on malformed content rather than raising.
func (c *ToolCache) Read() (map[string]CacheEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	doc, err := c.read()
	if err != nil {
		return map[string]CacheEntry{}, nil
	}
	return doc.MCPServers, nil
}

func emptyCacheFile() *cacheFile {
	return &cacheFile{Version: cacheFileVersion, MCPServers: map[string]CacheEntry{}}
}

func (c *ToolCache) read() (*cacheFile, error) {
	raw, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return emptyCacheFile(), nil
		}
		return emptyCacheFile(), err
	}
	var doc cacheFile
	if err := json.Unmarshal(raw, &doc); err != nil {
		return emptyCacheFile(), err
	}
	if doc.MCPServers == nil {
		doc.MCPServers = map[string]CacheEntry{}
	}
	return &doc, nil
}

func (c *ToolCache) atomicWrite(doc *cacheFile) error {
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}

	tmp := c.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, c.path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}
