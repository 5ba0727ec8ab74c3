package main

import (
	"errors"
	"fmt"
)

// Session and exchange failures. All of these are returned, not panicked,
// and stay local to the session or exchange they originate in.
var (
	ErrSessionNotReady   = errors.New("session not ready")
	ErrSessionTerminated = errors.New("session terminated")
	ErrExchangeTimeout   = errors.New("exchange timed out")
)

// Upstream failures from the forwarder. None of them trigger an implicit
// retry: the upstream call may be non-idempotent.
var (
	ErrUpstreamUnreachable   = errors.New("upstream unreachable")
	ErrUpstreamTimeout       = errors.New("upstream timeout")
	ErrUpstreamProtocolError = errors.New("upstream protocol error")
)

// LaunchError reports a server subprocess that could not be started or died
// immediately. Fatal to that session only.
type LaunchError struct {
	Server string
	Cause  error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch %s: %v", e.Server, e.Cause)
}

func (e *LaunchError) Unwrap() error { return e.Cause }

// FramingError reports a malformed or oversized frame on a session's byte
// stream. Recoverable: the decoder resynchronizes at the next frame boundary
// and the caller decides whether to restart the session.
type FramingError struct {
	Reason string
	Cause  error
}

func (e *FramingError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("framing: %s: %v", e.Reason, e.Cause)
	}
	return "framing: " + e.Reason
}

func (e *FramingError) Unwrap() error { return e.Cause }
