package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Facade is the relay's own MCP client face: it drives the protocol
// handshake and tool traffic against each connected server. Exchanges go
// straight to the session router, or loop through the local listener (and
// from there the interception proxy) when inspection is on, so every byte
// of the conversation shows up in the proxy history.
type Facade struct {
	router    *Router
	fwd       *Forwarder
	catalog   *Catalog
	analytics *Analytics
	relay     *RelayConfig
	inspected bool
}

func NewFacade(router *Router, fwd *Forwarder, catalog *Catalog, analytics *Analytics, relay *RelayConfig, inspected bool) *Facade {
	return &Facade{
		router:    router,
		fwd:       fwd,
		catalog:   catalog,
		analytics: analytics,
		relay:     relay,
		inspected: inspected,
	}
}

// Connect runs the full handshake against one server: initialize, the
// initialized notification, then the first tools/list to seed the catalog.
func (f *Facade) Connect(ctx context.Context, name string) error {
	result, err := f.Initialize(ctx, name)
	if err != nil {
		return fmt.Errorf("initialize %s: %w", name, err)
	}
	log.Printf("<%s> initialized: %s %s (protocol %s)",
		name, result.ServerInfo.Name, result.ServerInfo.Version, result.ProtocolVersion)

	if err := f.notify(ctx, name, "notifications/initialized", nil); err != nil {
		return fmt.Errorf("initialized notification %s: %w", name, err)
	}

	tools, err := f.ListTools(ctx, name)
	if err != nil {
		return fmt.Errorf("tools/list %s: %w", name, err)
	}
	f.catalog.SetTools(name, tools)
	log.Printf("<%s> %d tools advertised", name, len(tools))
	f.analytics.ServerConnected(name)
	return nil
}

// Initialize performs the protocol handshake request.
func (f *Facade) Initialize(ctx context.Context, name string) (*mcp.InitializeResult, error) {
	params := map[string]any{
		"protocolVersion": mcp.LATEST_PROTOCOL_VERSION,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    f.relay.Name,
			"version": f.relay.Version,
		},
	}
	result, err := f.call(ctx, name, "initialize", params)
	if err != nil {
		return nil, err
	}
	var initResult mcp.InitializeResult
	if err := json.Unmarshal(result, &initResult); err != nil {
		return nil, fmt.Errorf("parse initialize result: %w", err)
	}
	return &initResult, nil
}

// ListTools fetches the complete tool list, following pagination cursors.
func (f *Facade) ListTools(ctx context.Context, name string) ([]mcp.Tool, error) {
	var tools []mcp.Tool
	cursor := ""
	for {
		params := map[string]any{}
		if cursor != "" {
			params["cursor"] = cursor
		}
		result, err := f.call(ctx, name, "tools/list", params)
		if err != nil {
			return nil, err
		}
		var page mcp.ListToolsResult
		if err := json.Unmarshal(result, &page); err != nil {
			return nil, fmt.Errorf("parse tools/list result: %w", err)
		}
		tools = append(tools, page.Tools...)
		if page.NextCursor == "" {
			return tools, nil
		}
		cursor = string(page.NextCursor)
	}
}

// CallTool invokes one tool and parses the structured result.
func (f *Facade) CallTool(ctx context.Context, name, tool string, args map[string]any) (*mcp.CallToolResult, error) {
	params := map[string]any{"name": tool}
	if args != nil {
		params["arguments"] = args
	}
	f.analytics.RequestRelayed(name, "tools/call")
	result, err := f.call(ctx, name, "tools/call", params)
	if err != nil {
		f.analytics.RelayError(name, "tools/call", err)
		return nil, err
	}
	raw := json.RawMessage(result)
	return mcp.ParseCallToolResult(&raw)
}

// call runs one request over whichever path is active and unwraps the
// JSON-RPC result.
func (f *Facade) call(ctx context.Context, name, method string, params any) (json.RawMessage, error) {
	payload, err := buildRequest(method, params)
	if err != nil {
		return nil, err
	}

	var reply json.RawMessage
	if f.inspected {
		msg := Message{ID: json.RawMessage("0"), Direction: DirectionRequest, Payload: payload}
		forwarded, err := f.fwd.ForwardMessage(ctx, f.endpointFor(name), f.authHeader(), msg)
		if err != nil {
			return nil, err
		}
		reply = forwarded.Payload
	} else {
		session, ok := f.router.Session(name)
		if !ok {
			return nil, fmt.Errorf("unknown server %s", name)
		}
		reply, err = session.Exchange(ctx, payload)
		if err != nil {
			return nil, err
		}
	}

	var env rpcEnvelope
	if err := json.Unmarshal(reply, &env); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	if env.Error != nil {
		return nil, fmt.Errorf("server error %d: %s", env.Error.Code, env.Error.Message)
	}
	return env.Result, nil
}

// notify sends a fire-and-forget notification over the active path.
func (f *Facade) notify(ctx context.Context, name, method string, params any) error {
	payload, err := buildNotification(method, params)
	if err != nil {
		return err
	}
	if f.inspected {
		msg := Message{Direction: DirectionNotification, Payload: payload}
		_, err := f.fwd.ForwardMessage(ctx, f.endpointFor(name), f.authHeader(), msg)
		return err
	}
	session, ok := f.router.Session(name)
	if !ok {
		return fmt.Errorf("unknown server %s", name)
	}
	return session.Notify(payload)
}

// endpointFor is the listener route for one server on the inspected path.
func (f *Facade) endpointFor(name string) string {
	base := strings.TrimSuffix(f.relay.BaseURL, "/")
	return base + routeFor("/", name) + "mcp"
}

// authHeader carries the first configured token back through the listener's
// own auth middleware when the facade loops through it.
func (f *Facade) authHeader() http.Header {
	if len(f.relay.AuthTokens) == 0 {
		return nil
	}
	header := make(http.Header)
	header.Set("Authorization", "Bearer "+f.relay.AuthTokens[0])
	return header
}

// buildRequest assembles a request envelope with a placeholder id; the
// session substitutes its own correlation id before the frame hits the wire.
func buildRequest(method string, params any) (json.RawMessage, error) {
	env := map[string]any{
		"jsonrpc": "2.0",
		"id":      0,
		"method":  method,
	}
	if params != nil {
		env["params"] = params
	}
	return json.Marshal(env)
}

func buildNotification(method string, params any) (json.RawMessage, error) {
	env := map[string]any{
		"jsonrpc": "2.0",
		"method":  method,
	}
	if params != nil {
		env["params"] = params
	}
	return json.Marshal(env)
}
