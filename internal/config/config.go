// Package config loads liveserve configuration from YAML with environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the liveserve configuration
type Config struct {
	Project  ProjectConfig  `yaml:"project"`
	Server   ServerConfig   `yaml:"server"`
	Handles  HandlesConfig  `yaml:"handles"`
	Content  ContentConfig  `yaml:"content"`
	Features FeaturesConfig `yaml:"features"`
	API      *APIConfig     `yaml:"api,omitempty"`
	Browser  BrowserConfig  `yaml:"browser"`
}

// ProjectConfig describes the project being previewed
type ProjectConfig struct {
	Dir            string   `yaml:"dir"`             // Directory on disk backing the project (default: ".")
	Root           string   `yaml:"root"`            // Virtual root that paths are made relative to (default: "/")
	HTMLExtensions []string `yaml:"html_extensions"` // Extensions treated as static markup
	Ignore         []string `yaml:"ignore"`          // Directory names skipped by the watcher
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	Port        int    `yaml:"port"`
	Host        string `yaml:"host"`
	Debug       bool   `yaml:"debug"`
	Compression bool   `yaml:"compression"`
}

// HandlesConfig controls how preview handles are minted and stored
type HandlesConfig struct {
	Prefix string `yaml:"prefix"` // Prefix of every handle (default: "/blob/")
	Store  string `yaml:"store"`  // "memory" or "sqlite" (default: memory)
	DB     string `yaml:"db"`     // For sqlite: database path (default: .liveserve/handles.db)
}

// ContentConfig holds content handler configuration
type ContentConfig struct {
	RenderMarkdown  bool `yaml:"render_markdown"`   // Render .md files to HTML (default: false)
	MaxRewriteBytes int  `yaml:"max_rewrite_bytes"` // Largest markup document rewritten, in bytes (0 = unlimited)
}

// FeaturesConfig holds feature flags
type FeaturesConfig struct {
	HotReload  bool `yaml:"hot_reload"`
	Instrument bool `yaml:"instrument"` // Inject the live-update client into live documents
}

// APIConfig holds live-editing API configuration
type APIConfig struct {
	CORS      *CORSConfig      `yaml:"cors,omitempty"`
	RateLimit *RateLimitConfig `yaml:"rate_limit,omitempty"`
	// APIKey protects the live-editing endpoints.
	// Supports environment variable expansion (e.g., "${LIVESERVE_API_KEY}")
	APIKey string `yaml:"api_key,omitempty"`
	// HeaderName is the HTTP header carrying the key (default: "X-API-Key")
	HeaderName string `yaml:"header_name,omitempty"`
}

// CORSConfig holds CORS configuration for the API
type CORSConfig struct {
	Origins []string `yaml:"origins,omitempty"` // Allowed origins (e.g., ["http://localhost:3000", "*"])
}

// RateLimitConfig holds rate limiting configuration for the API
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second,omitempty"` // default: 10
	Burst             int     `yaml:"burst,omitempty"`               // default: 20
	MaxTrackedIPs     int     `yaml:"max_tracked_ips,omitempty"`     // default: 10000
}

// BrowserConfig selects the preview consumer
type BrowserConfig struct {
	Kind      string `yaml:"kind"`       // "websocket" or "chrome" (default: websocket)
	Headless  bool   `yaml:"headless"`   // For chrome: run without a window
	RemoteURL string `yaml:"remote_url"` // For chrome: attach to an existing DevTools endpoint
}

const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"

	BrowserWebSocket = "websocket"
	BrowserChrome    = "chrome"
)

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Project: ProjectConfig{
			Dir:            ".",
			Root:           "/",
			HTMLExtensions: []string{".html", ".htm", ".xhtml"},
			Ignore:         []string{"node_modules"},
		},
		Server: ServerConfig{
			Port:        8080,
			Host:        "localhost",
			Compression: true,
		},
		Handles: HandlesConfig{
			Prefix: "/blob/",
			Store:  StoreMemory,
		},
		Features: FeaturesConfig{
			HotReload:  true,
			Instrument: true,
		},
		Browser: BrowserConfig{
			Kind: BrowserWebSocket,
		},
	}
}

// Addr returns the listen address
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// BaseURL returns the http origin the server is reachable at
func (c *Config) BaseURL() string {
	return "http://" + c.Addr()
}

// GetHandlesDB returns the sqlite database path, relative paths resolved against the project dir
func (c *Config) GetHandlesDB() string {
	db := c.Handles.DB
	if db == "" {
		db = filepath.Join(".liveserve", "handles.db")
	}
	if filepath.IsAbs(db) {
		return db
	}
	return filepath.Join(c.Project.Dir, db)
}

// IsHTMLExt reports whether ext (with leading dot) is a static markup extension
func (c *Config) IsHTMLExt(ext string) bool {
	ext = strings.ToLower(ext)
	for _, e := range c.Project.HTMLExtensions {
		if strings.ToLower(e) == ext {
			return true
		}
	}
	return false
}

// GetCORSOrigins returns the configured CORS origins, or nil if not configured
func (c *APIConfig) GetCORSOrigins() []string {
	if c == nil || c.CORS == nil {
		return nil
	}
	return c.CORS.Origins
}

// GetRateLimitRPS returns the rate limit in requests per second (default: 10)
func (c *APIConfig) GetRateLimitRPS() float64 {
	if c == nil || c.RateLimit == nil || c.RateLimit.RequestsPerSecond <= 0 {
		return 10
	}
	return c.RateLimit.RequestsPerSecond
}

// GetRateLimitBurst returns the burst size (default: 20)
func (c *APIConfig) GetRateLimitBurst() int {
	if c == nil || c.RateLimit == nil || c.RateLimit.Burst <= 0 {
		return 20
	}
	return c.RateLimit.Burst
}

// GetMaxTrackedIPs returns how many client IPs the rate limiter tracks (default: 10000)
func (c *APIConfig) GetMaxTrackedIPs() int {
	if c == nil || c.RateLimit == nil || c.RateLimit.MaxTrackedIPs <= 0 {
		return 10000
	}
	return c.RateLimit.MaxTrackedIPs
}

// GetAPIKey returns the configured API key with environment variable expansion
func (c *APIConfig) GetAPIKey() string {
	if c == nil || c.APIKey == "" {
		return ""
	}
	return os.ExpandEnv(c.APIKey)
}

// GetHeaderName returns the header name for authentication (default: "X-API-Key")
func (c *APIConfig) GetHeaderName() string {
	if c == nil || c.HeaderName == "" {
		return "X-API-Key"
	}
	return c.HeaderName
}

// Validate checks the configuration for values the server cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if !strings.HasPrefix(c.Project.Root, "/") {
		return fmt.Errorf("project.root must be absolute, got %q", c.Project.Root)
	}
	for _, ext := range c.Project.HTMLExtensions {
		if !strings.HasPrefix(ext, ".") {
			return fmt.Errorf("project.html_extensions entries need a leading dot, got %q", ext)
		}
	}
	if c.Content.RenderMarkdown && (c.IsHTMLExt(".md") || c.IsHTMLExt(".markdown")) {
		return fmt.Errorf("content.render_markdown conflicts with markdown listed in project.html_extensions")
	}
	if c.Content.MaxRewriteBytes < 0 {
		return fmt.Errorf("content.max_rewrite_bytes must not be negative, got %d", c.Content.MaxRewriteBytes)
	}
	if c.Handles.Prefix == "" {
		return fmt.Errorf("handles.prefix is required")
	}
	switch c.Handles.Store {
	case "", StoreMemory, StoreSQLite:
	default:
		return fmt.Errorf("handles.store must be %q or %q, got %q", StoreMemory, StoreSQLite, c.Handles.Store)
	}
	switch c.Browser.Kind {
	case "", BrowserWebSocket, BrowserChrome:
	default:
		return fmt.Errorf("browser.kind must be %q or %q, got %q", BrowserWebSocket, BrowserChrome, c.Browser.Kind)
	}
	return nil
}

// Load loads configuration from a YAML file
// If the file doesn't exist, returns the default configuration
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		return withEnv(DefaultConfig())
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return withEnv(DefaultConfig())
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig() // Start with defaults
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return withEnv(config)
}

// LoadFromDir looks for liveserve.yaml, then .liveserve.yaml, in the given directory.
// A .env file in dir is loaded first so LIVESERVE_* overrides can live next to the project.
// The returned config's project dir is set to dir unless the file overrides it.
func LoadFromDir(dir string) (*Config, error) {
	_ = godotenv.Load(filepath.Join(dir, ".env"))

	configPath := filepath.Join(dir, "liveserve.yaml")
	if _, err := os.Stat(configPath); err != nil {
		configPath = filepath.Join(dir, ".liveserve.yaml")
	}

	cfg, err := Load(configPath)
	if err != nil {
		return nil, err
	}
	if cfg.Project.Dir == "" || cfg.Project.Dir == "." {
		cfg.Project.Dir = dir
	} else if !filepath.IsAbs(cfg.Project.Dir) {
		cfg.Project.Dir = filepath.Join(dir, cfg.Project.Dir)
	}
	return cfg, nil
}

// withEnv applies LIVESERVE_* environment overrides
func withEnv(c *Config) (*Config, error) {
	if v := os.Getenv("LIVESERVE_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid LIVESERVE_PORT %q: %w", v, err)
		}
		c.Server.Port = port
	}
	if v := os.Getenv("LIVESERVE_HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("LIVESERVE_DEBUG"); v != "" {
		debug, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("invalid LIVESERVE_DEBUG %q: %w", v, err)
		}
		c.Server.Debug = debug
	}
	if v := os.Getenv("LIVESERVE_API_KEY"); v != "" {
		if c.API == nil {
			c.API = &APIConfig{}
		}
		c.API.APIKey = v
	}
	return c, nil
}
