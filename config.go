package main

import (
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/TBXark/optional-go"
	"github.com/go-sphere/confstore"
	"github.com/go-sphere/confstore/codec"
	"github.com/go-sphere/confstore/provider/file"
)

const (
	defaultListenAddr   = "127.0.0.1:3000"
	defaultInterceptURL = "http://127.0.0.1:8080"
	defaultChainTool    = "proxychains"
)

// RelayConfig is the listener-facing half of the configuration.
type RelayConfig struct {
	Name          string   `json:"name"`
	Version       string   `json:"version"`
	Addr          string   `json:"addr"`
	BaseURL       string   `json:"baseURL"`
	DefaultServer string   `json:"defaultServer,omitempty"`
	AuthTokens    []string `json:"authTokens,omitempty"`
}

// InterceptionConfig describes where outbound bytes go next.
type InterceptionConfig struct {
	Enabled   optional.Field[bool] `json:"enabled,omitempty"`
	ProxyURL  string               `json:"proxyURL,omitempty"`
	BypassSSL optional.Field[bool] `json:"bypassSSL,omitempty"`
	Chain     *ChainConfig         `json:"chain,omitempty"`
}

// ChainConfig enables the external SOCKS-chaining wrapper around spawned
// server processes.
type ChainConfig struct {
	Enabled optional.Field[bool] `json:"enabled,omitempty"`
	Tool    string               `json:"tool,omitempty"`
}

// ToolFilterConfig hides or exposes tools per server.
type ToolFilterConfig struct {
	Mode string   `json:"mode,omitempty"` // "allow" or "block"
	List []string `json:"list,omitempty"`
}

// ServerOptions are the per-server knobs.
type ServerOptions struct {
	LogEnabled     optional.Field[bool] `json:"logEnabled,omitempty"`
	PanicIfInvalid optional.Field[bool] `json:"panicIfInvalid,omitempty"`
	ToolFilter     *ToolFilterConfig    `json:"toolFilter,omitempty"`
}

// ServerConfig is one entry under mcpServers. Command-bearing entries are
// spawned as stdio subprocesses; URL-bearing entries are remote origins
// relayed over HTTP.
type ServerConfig struct {
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Dir     string            `json:"dir,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	URL     string            `json:"url,omitempty"`
	Options ServerOptions     `json:"options,omitempty"`
}

// SnapshotConfig controls the optional on-disk catalog snapshot.
type SnapshotConfig struct {
	Path    string `json:"path,omitempty"`
	History int    `json:"history,omitempty"`
}

// AnalyticsConfig controls the opt-out telemetry module.
type AnalyticsConfig struct {
	Enabled optional.Field[bool] `json:"enabled,omitempty"`
	APIKey  string               `json:"apiKey,omitempty"`
	Host    string               `json:"host,omitempty"`
}

type Config struct {
	McpRelay     *RelayConfig             `json:"mcpRelay"`
	Interception *InterceptionConfig      `json:"interception,omitempty"`
	McpServers   map[string]*ServerConfig `json:"mcpServers"`
	Snapshot     *SnapshotConfig          `json:"snapshot,omitempty"`
	Analytics    *AnalyticsConfig         `json:"analytics,omitempty"`
}

func loadConfig(path string) (*Config, error) {
	config, err := confstore.Load[Config](file.New(path), codec.JsonCodec())
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	if config.McpRelay == nil {
		config.McpRelay = &RelayConfig{}
	}
	if config.McpRelay.Addr == "" {
		config.McpRelay.Addr = defaultListenAddr
	}
	if config.McpRelay.BaseURL == "" {
		config.McpRelay.BaseURL = "http://" + config.McpRelay.Addr
	}
	if len(config.McpServers) == 0 {
		return nil, errors.New("no mcpServers configured")
	}
	for name, server := range config.McpServers {
		if server == nil || (server.Command == "" && server.URL == "") {
			return nil, fmt.Errorf("server %s: either command or url is required", name)
		}
	}
	return config, nil
}

// serverSpecs extracts the subprocess-backed specs in a stable order.
func (c *Config) serverSpecs() []ServerSpec {
	names := make([]string, 0, len(c.McpServers))
	for name, server := range c.McpServers {
		if server.Command != "" {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	specs := make([]ServerSpec, 0, len(names))
	for _, name := range names {
		server := c.McpServers[name]
		specs = append(specs, ServerSpec{
			Name:    name,
			Command: server.Command,
			Args:    server.Args,
			Dir:     server.Dir,
			Env:     server.Env,
		})
	}
	return specs
}

// ===== proxy route =====

type RouteMode int

const (
	RouteDirect RouteMode = iota
	RouteIntercept
	RouteChained
)

func (m RouteMode) String() string {
	switch m {
	case RouteDirect:
		return "direct"
	case RouteIntercept:
		return "intercept"
	case RouteChained:
		return "chained"
	default:
		return "unknown"
	}
}

// ProxyRoute is where outbound bytes go next. Resolved once per process
// invocation and read-only thereafter; the chaining decision is made here,
// not per request.
type ProxyRoute struct {
	Mode         RouteMode
	InterceptURL *url.URL
	ChainTool    string
	BypassTLS    bool
}

// resolveProxyRoute turns the interception config into a concrete route. A
// missing chaining tool degrades the route with a warning; it is never a
// core failure.
func resolveProxyRoute(cfg *InterceptionConfig, forceDirect bool) (ProxyRoute, error) {
	route := ProxyRoute{Mode: RouteDirect}
	if forceDirect || cfg == nil || !cfg.Enabled.OrElse(true) {
		return route, nil
	}

	rawURL := cfg.ProxyURL
	if rawURL == "" {
		rawURL = defaultInterceptURL
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return route, fmt.Errorf("interception proxy url: %w", err)
	}
	route.Mode = RouteIntercept
	route.InterceptURL = parsed
	route.BypassTLS = cfg.BypassSSL.OrElse(true)

	if cfg.Chain != nil && cfg.Chain.Enabled.OrElse(false) {
		tool := cfg.Chain.Tool
		if tool == "" {
			tool = defaultChainTool
		}
		if _, err := exec.LookPath(tool); err != nil {
			log.Printf("<route> chaining tool %q not found, continuing without it", tool)
		} else {
			route.Mode = RouteChained
			route.ChainTool = tool
		}
	}
	return route, nil
}

// ===== paths & env =====

func configHome() string {
	if v := strings.TrimSpace(os.Getenv("MCPRELAY_CONFIG_HOME")); v != "" {
		return filepath.Clean(v)
	}
	if dir, err := os.UserConfigDir(); err == nil && dir != "" {
		return filepath.Join(dir, "mcp-relay")
	}
	return filepath.Join(os.Getenv("HOME"), ".config", "mcp-relay")
}

func stateHome() string {
	if v := strings.TrimSpace(os.Getenv("MCPRELAY_STATE_HOME")); v != "" {
		return filepath.Clean(v)
	}
	return filepath.Join(configHome(), ".state")
}

func requireHomePath(home, target string) (string, error) {
	if strings.TrimSpace(home) == "" {
		return "", errors.New("empty home path")
	}
	absHome, err := filepath.Abs(home)
	if err != nil {
		return "", err
	}
	absTarget, err := filepath.Abs(target)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(absHome, absTarget)
	if err != nil {
		return "", err
	}
	if strings.HasPrefix(rel, "..") {
		return "", errors.New("path escapes configured home")
	}
	return absTarget, nil
}

func mkdirAllUnder(home, target string) (string, error) {
	path, err := requireHomePath(home, target)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	return path, nil
}

func envEnabled(key string) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func envInt(key string, fallback int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return fallback
}
