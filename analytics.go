package main

import (
	"crypto/sha256"
	"encoding/hex"
	"log"
	"os"
	"os/user"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/posthog/posthog-go"
)

const defaultAnalyticsHost = "https://us.i.posthog.com"

// Analytics reports anonymous usage events. Every method tolerates a nil
// receiver, so callers never gate on whether telemetry is on; a capture
// failure is logged once and never surfaces to relay traffic.
type Analytics struct {
	client    posthog.Client
	machineID string
	sessionID string
	started   time.Time
}

// NewAnalytics builds the telemetry client, or nil when disabled. Config
// and environment both get a say: MCP_ANALYTICS_DISABLED wins over
// everything, MCP_ANALYTICS_ENABLED=1 forces it on, and without an API key
// (config or MCP_POSTHOG_API_KEY) there is nothing to send to.
func NewAnalytics(cfg *AnalyticsConfig) *Analytics {
	if envEnabled("MCP_ANALYTICS_DISABLED") {
		return nil
	}
	enabled := envEnabled("MCP_ANALYTICS_ENABLED")
	apiKey := os.Getenv("MCP_POSTHOG_API_KEY")
	host := defaultAnalyticsHost
	if cfg != nil {
		enabled = cfg.Enabled.OrElse(enabled)
		if cfg.APIKey != "" {
			apiKey = cfg.APIKey
		}
		if cfg.Host != "" {
			host = cfg.Host
		}
	}
	if !enabled || apiKey == "" {
		return nil
	}

	client, err := posthog.NewWithConfig(apiKey, posthog.Config{Endpoint: host})
	if err != nil {
		log.Printf("<analytics> disabled, client init failed: %v", err)
		return nil
	}
	return &Analytics{
		client:    client,
		machineID: anonymousMachineID(),
		sessionID: uuid.New().String(),
		started:   time.Now(),
	}
}

// anonymousMachineID is a stable hash of hostname and username. Neither
// value leaves the machine; only the digest does.
func anonymousMachineID() string {
	hostname, _ := os.Hostname()
	username := ""
	if u, err := user.Current(); err == nil {
		username = u.Username
	}
	sum := sha256.Sum256([]byte(hostname + "|" + username))
	return hex.EncodeToString(sum[:16])
}

func (a *Analytics) capture(event string, props posthog.Properties) {
	if a == nil {
		return
	}
	props.Set("session_id", a.sessionID)
	props.Set("os", runtime.GOOS)
	props.Set("arch", runtime.GOARCH)
	err := a.client.Enqueue(posthog.Capture{
		DistinctId: a.machineID,
		Event:      event,
		Properties: props,
	})
	if err != nil {
		log.Printf("<analytics> capture failed: %v", err)
	}
}

// SessionStarted fires once per process invocation.
func (a *Analytics) SessionStarted(serverCount int, routeMode RouteMode) {
	a.capture("relay_session_started", posthog.NewProperties().
		Set("server_count", serverCount).
		Set("route_mode", routeMode.String()))
}

// SessionEnded fires once at shutdown.
func (a *Analytics) SessionEnded() {
	if a == nil {
		return
	}
	a.capture("relay_session_ended", posthog.NewProperties().
		Set("duration_seconds", int(time.Since(a.started).Seconds())))
}

// ServerConnected fires when a session reaches its ready state.
func (a *Analytics) ServerConnected(name string) {
	a.capture("relay_server_connected", posthog.NewProperties().
		Set("server", name))
}

// RequestRelayed fires per relayed request; only the method name is
// reported, never params or results.
func (a *Analytics) RequestRelayed(server, method string) {
	a.capture("relay_request", posthog.NewProperties().
		Set("server", server).
		Set("method", method))
}

// RelayError fires when an exchange or forward fails.
func (a *Analytics) RelayError(server, method string, err error) {
	a.capture("relay_error", posthog.NewProperties().
		Set("server", server).
		Set("method", method).
		Set("error", err.Error()))
}

// Close flushes queued events. Bounded by the posthog client's own
// internal timeout.
func (a *Analytics) Close() {
	if a == nil {
		return
	}
	a.SessionEnded()
	if err := a.client.Close(); err != nil {
		log.Printf("<analytics> close: %v", err)
	}
}
