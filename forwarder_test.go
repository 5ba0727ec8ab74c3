package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"
)

func TestForwardHTTPCapturesResponseVerbatim(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("X-Custom"); got != "kept" {
			t.Errorf("custom header = %q, want kept", got)
		}
		if got := r.Header.Get("Proxy-Authorization"); got != "" {
			t.Errorf("hop-by-hop header leaked: %q", got)
		}
		w.Header().Set("X-Origin", "yes")
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte(`{"body":"verbatim"}`))
	}))
	defer origin.Close()

	fwd := NewForwarder(ProxyRoute{Mode: RouteDirect}, 5*time.Second)
	header := make(http.Header)
	header.Set("X-Custom", "kept")
	header.Set("Proxy-Authorization", "secret")

	result, err := fwd.ForwardHTTP(context.Background(), http.MethodPost, origin.URL, header, []byte(`{}`))
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	if result.Status != http.StatusTeapot {
		t.Fatalf("status = %d, want %d", result.Status, http.StatusTeapot)
	}
	if result.Header.Get("X-Origin") != "yes" {
		t.Fatalf("origin header lost")
	}
	if string(result.Body) != `{"body":"verbatim"}` {
		t.Fatalf("body = %q", result.Body)
	}
}

func TestForwardHTTPRefusedConnectionIsUnreachable(t *testing.T) {
	origin := httptest.NewServer(http.NotFoundHandler())
	target := origin.URL
	origin.Close()

	fwd := NewForwarder(ProxyRoute{Mode: RouteDirect}, 2*time.Second)
	_, err := fwd.ForwardHTTP(context.Background(), http.MethodPost, target, nil, []byte(`{}`))
	if !errors.Is(err, ErrUpstreamUnreachable) {
		t.Fatalf("err = %v, want ErrUpstreamUnreachable", err)
	}
}

func TestForwardHTTPSlowUpstreamIsTimeout(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	defer origin.Close()

	fwd := NewForwarder(ProxyRoute{Mode: RouteDirect}, 50*time.Millisecond)
	_, err := fwd.ForwardHTTP(context.Background(), http.MethodPost, origin.URL, nil, []byte(`{}`))
	if !errors.Is(err, ErrUpstreamTimeout) {
		t.Fatalf("err = %v, want ErrUpstreamTimeout", err)
	}
}

func TestForwardRoutesThroughInterceptionProxy(t *testing.T) {
	// a plain-HTTP proxy sees the absolute target URI on the request line
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Host != "origin.invalid" {
			t.Errorf("proxy saw host %q, want origin.invalid", r.URL.Host)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":{"via":"proxy"}}`))
	}))
	defer proxy.Close()

	proxyURL, err := url.Parse(proxy.URL)
	if err != nil {
		t.Fatalf("parse proxy url: %v", err)
	}
	fwd := NewForwarder(ProxyRoute{Mode: RouteIntercept, InterceptURL: proxyURL}, 5*time.Second)

	result, err := fwd.ForwardHTTP(context.Background(), http.MethodPost, "http://origin.invalid/mcp", nil, []byte(`{}`))
	if err != nil {
		t.Fatalf("forward via proxy: %v", err)
	}
	if result.Status != http.StatusOK {
		t.Fatalf("status = %d", result.Status)
	}
}

func TestForwardMessageClassifiesReply(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":{"ok":true}}`))
	}))
	defer origin.Close()

	fwd := NewForwarder(ProxyRoute{Mode: RouteDirect}, 5*time.Second)
	msg := Message{Direction: DirectionRequest, Payload: []byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`)}

	reply, err := fwd.ForwardMessage(context.Background(), origin.URL, nil, msg)
	if err != nil {
		t.Fatalf("forward message: %v", err)
	}
	if reply.Direction != DirectionResponse {
		t.Fatalf("direction = %v, want response", reply.Direction)
	}
}

func TestForwardMessageEmptyReplyIsNotification(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer origin.Close()

	fwd := NewForwarder(ProxyRoute{Mode: RouteDirect}, 5*time.Second)
	msg := Message{Direction: DirectionNotification, Payload: []byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`)}

	reply, err := fwd.ForwardMessage(context.Background(), origin.URL, nil, msg)
	if err != nil {
		t.Fatalf("forward notification: %v", err)
	}
	if reply.Direction != DirectionNotification {
		t.Fatalf("direction = %v, want notification", reply.Direction)
	}
}

func TestForwardMessageNon2xxIsProtocolError(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer origin.Close()

	fwd := NewForwarder(ProxyRoute{Mode: RouteDirect}, 5*time.Second)
	msg := Message{Direction: DirectionRequest, Payload: []byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`)}

	_, err := fwd.ForwardMessage(context.Background(), origin.URL, nil, msg)
	if !errors.Is(err, ErrUpstreamProtocolError) {
		t.Fatalf("err = %v, want ErrUpstreamProtocolError", err)
	}
}

func TestProxySelectorDirectRouteUsesNoProxy(t *testing.T) {
	if proxySelector(ProxyRoute{Mode: RouteDirect}) != nil {
		t.Fatalf("direct route must not use a proxy")
	}
	u, _ := url.Parse("http://127.0.0.1:8080")
	if proxySelector(ProxyRoute{Mode: RouteIntercept, InterceptURL: u}) == nil {
		t.Fatalf("intercept route must use the proxy")
	}
}
