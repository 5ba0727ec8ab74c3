package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ===== infra helpers =====

type MiddlewareFunc func(http.Handler) http.Handler

func chainMiddleware(h http.Handler, middlewares ...MiddlewareFunc) http.Handler {
	for _, mw := range middlewares {
		h = mw(h)
	}
	return h
}

func newAuthMiddleware(tokens []string) MiddlewareFunc {
	tokenSet := make(map[string]struct{}, len(tokens))
	for _, token := range tokens {
		tokenSet[token] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(tokens) != 0 {
				token := r.Header.Get("Authorization")
				token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
				if token == "" {
					http.Error(w, "Unauthorized", http.StatusUnauthorized)
					return
				}
				if _, ok := tokenSet[token]; !ok {
					http.Error(w, "Unauthorized", http.StatusUnauthorized)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

func loggerMiddleware(prefix string) MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			log.Printf("<%s> %s %s", prefix, r.Method, r.URL.Path)
			next.ServeHTTP(w, r)
		})
	}
}

func recoverMiddleware(prefix string) MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					log.Printf("<%s> panic: %v", prefix, err)
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// build a clean route like "/base/name/" with trailing slash
func routeFor(basePath, name string) string {
	route := path.Join(basePath, name)
	if !strings.HasPrefix(route, "/") {
		route = "/" + route
	}
	if !strings.HasSuffix(route, "/") {
		route += "/"
	}
	return route
}

// ===== JSON-RPC helpers =====

type jsonrpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type jsonrpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type jsonrpcResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      any           `json:"id"`
	Result  any           `json:"result,omitempty"`
	Error   *jsonrpcError `json:"error,omitempty"`
}

func rpcError(id any, code int, msg string) jsonrpcResponse {
	return jsonrpcResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &jsonrpcError{Code: code, Message: msg},
	}
}

func rpcOK(id any, result any) jsonrpcResponse {
	return jsonrpcResponse{
		JSONRPC: "2.0",
		ID:      id,
		Result:  result,
	}
}

func writeRPC(w http.ResponseWriter, resp jsonrpcResponse) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// ===== SSE keepalive =====

func handleSSE(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	// initial tick to open proxies
	_, _ = io.WriteString(w, ":\n\n")
	flusher.Flush()

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	notify := r.Context().Done()
	for {
		select {
		case <-notify:
			return
		case <-ticker.C:
			_, _ = io.WriteString(w, ":\n\n")
			flusher.Flush()
		}
	}
}

// ===== listener =====

// Listener is the local HTTP(S) surface of the relay. Every mounted route
// dispatches into the session router for subprocess-backed servers or
// through the forwarder for remote origins; transport failures come back as
// gateway errors, never as a dead accept loop.
type Listener struct {
	cfg     *RelayConfig
	router  *Router
	fwd     *Forwarder
	catalog *Catalog
	remotes map[string]string
	opts    map[string]*ServerOptions
	useTLS  bool

	analytics *Analytics
	mux       *http.ServeMux
	server    *http.Server
}

func NewListener(cfg *RelayConfig, router *Router, fwd *Forwarder, catalog *Catalog, remotes map[string]string, opts map[string]*ServerOptions, useTLS bool, analytics *Analytics) *Listener {
	l := &Listener{
		cfg:       cfg,
		router:    router,
		fwd:       fwd,
		catalog:   catalog,
		remotes:   remotes,
		opts:      opts,
		useTLS:    useTLS,
		analytics: analytics,
		mux:       http.NewServeMux(),
	}
	l.mountRoutes()
	return l
}

func (l *Listener) Handler() http.Handler { return l.mux }

func (l *Listener) mountRoutes() {
	basePath := "/"

	mounted := make(map[string]struct{})
	mount := func(name string) {
		if _, ok := mounted[name]; ok {
			return
		}
		mounted[name] = struct{}{}
		mws := []MiddlewareFunc{recoverMiddleware(name)}
		if opt := l.opts[name]; opt != nil && opt.LogEnabled.OrElse(false) {
			mws = append(mws, loggerMiddleware(name))
		}
		if len(l.cfg.AuthTokens) > 0 {
			mws = append(mws, newAuthMiddleware(l.cfg.AuthTokens))
		}
		route := routeFor(basePath, name)
		log.Printf("<%s> handling requests at %smcp", name, route)
		l.mux.Handle(route, chainMiddleware(l.serverHandler(name), mws...))
	}

	for name := range l.remotes {
		mount(name)
	}
	for _, name := range l.router.SessionNames() {
		mount(name)
	}

	defaultMws := []MiddlewareFunc{recoverMiddleware("relay"), loggerMiddleware("relay")}
	if len(l.cfg.AuthTokens) > 0 {
		defaultMws = append(defaultMws, newAuthMiddleware(l.cfg.AuthTokens))
	}
	l.mux.Handle("/mcp", chainMiddleware(http.HandlerFunc(l.handleDefault), defaultMws...))
}

// serverHandler serves "/<name>/mcp" for one configured server.
func (l *Listener) serverHandler(name string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		l.handleMCP(w, r, name)
	})
}

// handleDefault serves the bare "/mcp" route. A configured default server
// (or a sole configured server) gets the traffic as-is; otherwise the route
// presents the relay itself, answering from the aggregate catalog.
func (l *Listener) handleDefault(w http.ResponseWriter, r *http.Request) {
	name := l.cfg.DefaultServer
	if name == "" {
		names := l.router.SessionNames()
		if len(names) == 1 {
			name = names[0]
		}
	}
	if name == "" {
		for remote := range l.remotes {
			if len(l.remotes) == 1 {
				name = remote
			}
		}
	}
	if name != "" {
		l.handleMCP(w, r, name)
		return
	}
	if l.catalog == nil {
		http.Error(w, "No default server configured", http.StatusNotFound)
		return
	}
	if r.Method == http.MethodPost {
		l.handleAggregate(w, r)
		return
	}
	l.handleMCP(w, r, "")
}

// handleAggregate answers POSTs on the bare "/mcp" route from the merged
// catalog: initialize and tools/list come straight from it, tools/call is
// dispatched to whichever server advertises the named tool.
func (l *Listener) handleAggregate(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	_ = r.Body.Close()
	if err != nil || len(body) == 0 {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	var req jsonrpcRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	if req.ID == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	switch req.Method {
	case "initialize":
		writeRPC(w, rpcOK(req.ID, l.catalog.BuildInitializeResult()))

	case "tools/list":
		writeRPC(w, rpcOK(req.ID, map[string]any{"tools": l.catalog.Aggregate()}))

	case "tools/call":
		var params struct {
			Name string `json:"name"`
		}
		_ = json.Unmarshal(req.Params, &params)
		server, ok := l.catalog.ServerFor(params.Name)
		if !ok {
			writeRPC(w, rpcError(req.ID, -32601, "Unknown tool: "+params.Name))
			return
		}
		session, ok := l.router.Session(server)
		if !ok {
			writeRPC(w, rpcError(req.ID, -32001, "Unknown server: "+server))
			return
		}
		l.analytics.RequestRelayed(server, req.Method)
		payload, err := session.Exchange(r.Context(), body)
		if err != nil {
			l.analytics.RelayError(server, req.Method, err)
			writeRPC(w, mapExchangeError(req.ID, err))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(payload)

	default:
		writeRPC(w, rpcError(req.ID, -32601, "Method not available on the aggregate route"))
	}
}

func (l *Listener) handleMCP(w http.ResponseWriter, r *http.Request, name string) {
	switch r.Method {
	case http.MethodHead:
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("mcp-session-id", uuid.New().String())
		w.WriteHeader(http.StatusOK)
		return

	case http.MethodGet:
		w.Header().Set("mcp-session-id", uuid.New().String())
		handleSSE(w, r)
		return

	case http.MethodPost:
		l.handlePost(w, r, name)
		return

	case http.MethodOptions:
		w.Header().Set("Allow", "GET, HEAD, POST, OPTIONS")
		w.WriteHeader(http.StatusNoContent)
		return

	default:
		w.Header().Set("Allow", "GET, HEAD, POST, OPTIONS")
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
}

func (l *Listener) handlePost(w http.ResponseWriter, r *http.Request, name string) {
	body, err := io.ReadAll(r.Body)
	_ = r.Body.Close()
	if err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	if len(body) == 0 {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	// remote origins get the exchange verbatim, headers and all
	if target, ok := l.remotes[name]; ok {
		l.relayRemote(w, r, name, target, body)
		return
	}

	trimmed := strings.TrimLeft(string(body), " \t\r\n")
	if strings.HasPrefix(trimmed, "[") {
		var batch []jsonrpcRequest
		if err := json.Unmarshal(body, &batch); err != nil {
			http.Error(w, "Bad Request", http.StatusBadRequest)
			return
		}
		out := make([]jsonrpcResponse, 0, len(batch))
		for _, req := range batch {
			out = append(out, rpcError(req.ID, -32600, "Batch requests not supported"))
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
		return
	}

	var req jsonrpcRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	session, ok := l.router.Session(name)
	if !ok {
		writeRPC(w, rpcError(req.ID, -32001, "Unknown server: "+name))
		return
	}

	if req.ID == nil {
		// clients may pretty-print; the wire frame must stay single-line
		var compact bytes.Buffer
		if err := json.Compact(&compact, body); err == nil {
			body = compact.Bytes()
		}
		if err := session.Notify(body); err != nil {
			log.Printf("<%s> notification dropped: %v", name, err)
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	l.analytics.RequestRelayed(name, req.Method)

	payload, err := session.Exchange(r.Context(), body)
	if err != nil {
		l.analytics.RelayError(name, req.Method, err)
		writeRPC(w, mapExchangeError(req.ID, err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(payload)
}

// relayRemote forwards one exchange to a URL-configured server and mirrors
// the response verbatim. Forward failures are gateway errors: the caller
// learns the upstream is down without the relay falling over.
func (l *Listener) relayRemote(w http.ResponseWriter, r *http.Request, name, target string, body []byte) {
	l.analytics.RequestRelayed(name, "")
	result, err := l.fwd.ForwardHTTP(r.Context(), http.MethodPost, target, r.Header, body)
	if err != nil {
		l.analytics.RelayError(name, "", err)
		log.Printf("<%s> forward failed: %v", name, err)
		status := http.StatusBadGateway
		if errors.Is(err, ErrUpstreamTimeout) {
			status = http.StatusGatewayTimeout
		}
		http.Error(w, "Upstream unavailable: "+name, status)
		return
	}
	for k, vv := range result.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(result.Status)
	_, _ = w.Write(result.Body)
}

// mapExchangeError turns a session failure into the JSON-RPC error the
// waiting client sees.
func mapExchangeError(id any, err error) jsonrpcResponse {
	switch {
	case errors.Is(err, ErrExchangeTimeout):
		return rpcError(id, -32002, "Request timed out waiting for server")
	case errors.Is(err, ErrSessionTerminated):
		return rpcError(id, -32003, "Server session terminated")
	case errors.Is(err, ErrSessionNotReady):
		return rpcError(id, -32004, "Server session not ready")
	default:
		return rpcError(id, -32603, fmt.Sprintf("Relay failure: %v", err))
	}
}

// ===== lifecycle =====

// Serve blocks on the accept loop until Shutdown or a fatal listen error.
func (l *Listener) Serve() error {
	l.server = &http.Server{
		Addr:    l.cfg.Addr,
		Handler: l.mux,
	}
	if l.useTLS {
		tlsConfig, err := newLocalTLSConfig()
		if err != nil {
			return fmt.Errorf("local tls: %w", err)
		}
		l.server.TLSConfig = tlsConfig
		log.Printf("listening on https://%s", l.cfg.Addr)
		err = l.server.ListenAndServeTLS("", "")
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
	log.Printf("listening on http://%s", l.cfg.Addr)
	err := l.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (l *Listener) Shutdown(ctx context.Context) error {
	if l.server == nil {
		return nil
	}
	return l.server.Shutdown(ctx)
}
