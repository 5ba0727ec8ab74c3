package main

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	path := writeTempConfig(t, `{
		"mcpRelay": {"name": "relay", "version": "0.1.0"},
		"mcpServers": {
			"alpha": {"command": "cat"},
			"remote": {"url": "http://127.0.0.1:9000/mcp"}
		}
	}`)

	config, err := loadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if config.McpRelay.Addr != defaultListenAddr {
		t.Fatalf("addr = %q, want default %q", config.McpRelay.Addr, defaultListenAddr)
	}
	if config.McpRelay.BaseURL != "http://"+defaultListenAddr {
		t.Fatalf("baseURL = %q", config.McpRelay.BaseURL)
	}

	specs := config.serverSpecs()
	if len(specs) != 1 {
		t.Fatalf("specs = %d, want 1 (remote entries are not spawned)", len(specs))
	}
	if specs[0].Name != "alpha" || specs[0].Command != "cat" {
		t.Fatalf("spec = %+v", specs[0])
	}
}

func TestLoadConfigRejectsServerWithoutCommandOrURL(t *testing.T) {
	path := writeTempConfig(t, `{
		"mcpRelay": {"name": "relay"},
		"mcpServers": {"broken": {}}
	}`)
	if _, err := loadConfig(path); err == nil {
		t.Fatalf("expected error for server without command or url")
	}
}

func TestLoadConfigRejectsEmptyServerList(t *testing.T) {
	path := writeTempConfig(t, `{"mcpRelay": {"name": "relay"}, "mcpServers": {}}`)
	if _, err := loadConfig(path); err == nil {
		t.Fatalf("expected error for empty mcpServers")
	}
}

func TestResolveProxyRouteDefaultsToIntercept(t *testing.T) {
	route, err := resolveProxyRoute(&InterceptionConfig{}, false)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if route.Mode != RouteIntercept {
		t.Fatalf("mode = %v, want intercept", route.Mode)
	}
	if route.InterceptURL.String() != defaultInterceptURL {
		t.Fatalf("proxy url = %s, want default", route.InterceptURL)
	}
	if !route.BypassTLS {
		t.Fatalf("ssl bypass should default on when intercepting")
	}
}

func TestResolveProxyRouteForceDirect(t *testing.T) {
	route, err := resolveProxyRoute(&InterceptionConfig{ProxyURL: "http://127.0.0.1:8080"}, true)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if route.Mode != RouteDirect {
		t.Fatalf("mode = %v, want direct when forced", route.Mode)
	}
	if route.InterceptURL != nil {
		t.Fatalf("direct route kept a proxy url")
	}
}

func TestResolveProxyRouteNilConfigIsDirect(t *testing.T) {
	route, err := resolveProxyRoute(nil, false)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if route.Mode != RouteDirect {
		t.Fatalf("mode = %v, want direct", route.Mode)
	}
}

func TestRequireHomePathRejectsEscape(t *testing.T) {
	home := t.TempDir()
	if _, err := requireHomePath(home, filepath.Join(home, "..", "outside.json")); err == nil {
		t.Fatalf("expected error for path escaping home")
	}
	resolved, err := requireHomePath(home, filepath.Join(home, "state", "catalog.json"))
	if err != nil {
		t.Fatalf("resolve inside home: %v", err)
	}
	if !filepath.IsAbs(resolved) {
		t.Fatalf("resolved path not absolute: %s", resolved)
	}
}

func TestEnvEnabled(t *testing.T) {
	t.Setenv("RELAY_TEST_FLAG", "true")
	if !envEnabled("RELAY_TEST_FLAG") {
		t.Fatalf("true should enable")
	}
	t.Setenv("RELAY_TEST_FLAG", "0")
	if envEnabled("RELAY_TEST_FLAG") {
		t.Fatalf("0 should not enable")
	}
	t.Setenv("RELAY_TEST_FLAG", "")
	if envEnabled("RELAY_TEST_FLAG") {
		t.Fatalf("empty should not enable")
	}
}
