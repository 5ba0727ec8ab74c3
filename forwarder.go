package main

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"
)

// hop-by-hop headers stripped before relaying either direction
var hopHeaders = map[string]struct{}{
	"Connection":          {},
	"Proxy-Connection":    {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

// ForwardResult is one upstream HTTP response, captured so the listener can
// return it verbatim including status and headers.
type ForwardResult struct {
	Status int
	Header http.Header
	Body   []byte
}

// Forwarder sends a message to the configured interception proxy (or
// directly to the origin when interception is disabled) and returns the
// response. No failure is retried here: the upstream call may be
// non-idempotent, and a silent retry would duplicate its side effects.
type Forwarder struct {
	route  ProxyRoute
	client *http.Client
}

func NewForwarder(route ProxyRoute, timeout time.Duration) *Forwarder {
	transport := &http.Transport{
		Proxy:                 proxySelector(route),
		DialContext:           (&net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: route.BypassTLS, // #nosec G402 -- the point of the tool is interception
		},
	}
	return &Forwarder{
		route: route,
		client: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
	}
}

// proxySelector routes through the interception proxy with standard proxy
// semantics (CONNECT for TLS tunnels) unless the route is direct.
func proxySelector(route ProxyRoute) func(*http.Request) (*url.URL, error) {
	if route.Mode == RouteDirect || route.InterceptURL == nil {
		return nil
	}
	return http.ProxyURL(route.InterceptURL)
}

// ForwardHTTP relays one HTTP exchange and captures the response verbatim.
func (f *Forwarder) ForwardHTTP(ctx context.Context, method, target string, header http.Header, body []byte) (*ForwardResult, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamProtocolError, err)
	}
	for k, vv := range header {
		if _, hop := hopHeaders[http.CanonicalHeaderKey(k)]; hop {
			continue
		}
		for _, v := range vv {
			req.Header.Add(k, v)
		}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, classifyForwardError(err)
	}
	defer func() { _ = resp.Body.Close() }()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrUpstreamProtocolError, err)
	}

	result := &ForwardResult{
		Status: resp.StatusCode,
		Header: resp.Header.Clone(),
	}
	for k := range hopHeaders {
		result.Header.Del(k)
	}
	result.Body = payload
	return result, nil
}

// ForwardMessage sends one framed message as a JSON POST and decodes the
// reply into a Message. Used by the client facade's inspected path.
func (f *Forwarder) ForwardMessage(ctx context.Context, endpoint string, extra http.Header, msg Message) (Message, error) {
	header := make(http.Header)
	header.Set("Content-Type", "application/json")
	for k, vv := range extra {
		for _, v := range vv {
			header.Set(k, v)
		}
	}
	result, err := f.ForwardHTTP(ctx, http.MethodPost, endpoint, header, msg.Payload)
	if err != nil {
		return Message{}, err
	}
	if result.Status < 200 || result.Status > 299 {
		return Message{}, fmt.Errorf("%w: status %d", ErrUpstreamProtocolError, result.Status)
	}
	if result.Status == http.StatusNoContent || len(result.Body) == 0 {
		// notifications come back empty
		return Message{Direction: DirectionNotification}, nil
	}
	reply, err := classifyMessage(result.Body)
	if err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrUpstreamProtocolError, err)
	}
	return reply, nil
}

// classifyForwardError maps transport failures onto the upstream taxonomy.
func classifyForwardError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrUpstreamTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrUpstreamTimeout, err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return fmt.Errorf("%w: %v", ErrUpstreamUnreachable, err)
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return fmt.Errorf("%w: %v", ErrUpstreamUnreachable, urlErr.Err)
	}
	return fmt.Errorf("%w: %v", ErrUpstreamUnreachable, err)
}
