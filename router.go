package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"sync"
	"time"
)

// SessionState is the lifecycle of a ServerSession.
type SessionState int32

const (
	StateStarting SessionState = iota
	StateReady
	StateDegraded
	StateTerminated
)

func (s SessionState) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateDegraded:
		return "degraded"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

const defaultExchangeTimeout = 30 * time.Second

type exchangeResult struct {
	payload json.RawMessage
	err     error
}

// pendingExchange is one in-flight request awaiting its response. Exactly
// one exists per outstanding correlation id per session, and it stays
// registered until its caller consumes the result: a response that lands
// before AwaitResponse is entered waits in ch rather than being dropped.
type pendingExchange struct {
	corr      uint64
	clientID  json.RawMessage
	deadline  time.Time
	ch        chan exchangeResult
	delivered bool
}

// Session is the runtime binding between a ServerSpec and its live
// transport, plus the correlation table for every exchange in flight on it.
type Session struct {
	Name string

	proc *ServerProcess
	enc  *Encoder
	dec  *Decoder

	// sendMu serializes id allocation and the frame write so bytes are never
	// interleaved mid-frame and write order matches Send call order. It is
	// not held across the response wait.
	sendMu sync.Mutex
	nextID uint64

	mu      sync.Mutex
	state   SessionState
	pending map[uint64]*pendingExchange

	timeout  time.Duration
	done     chan struct{}
	termOnce sync.Once
}

// Router owns every session and routes responses back to their callers by
// correlation id, never by arrival order.
type Router struct {
	sup      *Supervisor
	timeout  time.Duration
	maxFrame int

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewRouter(sup *Supervisor, timeout time.Duration) *Router {
	if timeout <= 0 {
		timeout = defaultExchangeTimeout
	}
	return &Router{
		sup:      sup,
		timeout:  timeout,
		maxFrame: defaultMaxFrameSize,
		sessions: make(map[string]*Session),
	}
}

// StartSession spawns the server subprocess for spec and binds a session to
// its stdio streams.
func (r *Router) StartSession(spec ServerSpec) (*Session, error) {
	proc, err := r.sup.Start(spec)
	if err != nil {
		return nil, err
	}
	session := r.attach(spec.Name, proc.Stdin, proc.Stdout)
	session.proc = proc
	go func() {
		<-proc.Exited()
		session.terminate(ErrSessionTerminated)
	}()
	return session, nil
}

// attach binds a session to an arbitrary stream pair. Split out from
// StartSession so the correlation machinery can run over in-memory pipes.
func (r *Router) attach(name string, w io.Writer, rd io.Reader) *Session {
	session := &Session{
		Name:    name,
		enc:     NewEncoder(w),
		dec:     NewDecoder(rd, r.maxFrame),
		state:   StateStarting,
		pending: make(map[uint64]*pendingExchange),
		timeout: r.timeout,
		done:    make(chan struct{}),
	}
	r.mu.Lock()
	r.sessions[name] = session
	r.mu.Unlock()

	go session.readLoop()
	session.setState(StateReady)
	log.Printf("<%s> session ready", name)
	return session
}

// SessionNames lists the registered sessions in no particular order.
func (r *Router) SessionNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.sessions))
	for name := range r.sessions {
		names = append(names, name)
	}
	return names
}

// Session returns the live session registered under name.
func (r *Router) Session(name string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[name]
	return s, ok
}

// StopSession terminates one session and its subprocess.
func (r *Router) StopSession(name string) {
	r.mu.Lock()
	session, ok := r.sessions[name]
	if ok {
		delete(r.sessions, name)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	session.terminate(ErrSessionTerminated)
	if session.proc != nil {
		r.sup.Stop(session.proc)
	}
}

// Shutdown cancels every pending exchange with ErrSessionTerminated and
// stops every subprocess.
func (r *Router) Shutdown() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()
	for _, s := range sessions {
		s.terminate(ErrSessionTerminated)
		if s.proc != nil {
			r.sup.Stop(s.proc)
		}
	}
}

func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(state SessionState) {
	s.mu.Lock()
	if s.state != StateTerminated {
		s.state = state
	}
	s.mu.Unlock()
}

// Send writes a request frame to the session's transport and returns the
// correlation id to await on. The envelope's JSON-RPC id is replaced with a
// fresh session-scoped id; the caller's original id is restored on the
// response. Fails immediately with ErrSessionNotReady (or
// ErrSessionTerminated) without blocking when the session cannot accept
// traffic.
func (s *Session) Send(payload json.RawMessage) (uint64, error) {
	var env rpcEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return 0, &FramingError{Reason: "malformed request", Cause: err}
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	switch s.State() {
	case StateReady, StateDegraded:
	case StateTerminated:
		return 0, ErrSessionTerminated
	default:
		return 0, ErrSessionNotReady
	}

	s.nextID++
	corr := s.nextID
	frame, err := rewriteEnvelopeID(payload, correlationID(corr))
	if err != nil {
		return 0, err
	}

	exchange := &pendingExchange{
		corr:     corr,
		clientID: env.ID,
		deadline: time.Now().Add(s.timeout),
		ch:       make(chan exchangeResult, 1),
	}
	s.mu.Lock()
	s.pending[corr] = exchange
	s.mu.Unlock()

	if err := s.enc.Encode(Message{ID: correlationID(corr), Direction: DirectionRequest, Payload: frame}); err != nil {
		s.takePending(corr)
		s.setState(StateDegraded)
		return 0, err
	}
	return corr, nil
}

// Notify writes a notification frame. No PendingExchange is created; the
// peer owes no reply.
func (s *Session) Notify(payload json.RawMessage) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	switch s.State() {
	case StateReady, StateDegraded:
	case StateTerminated:
		return ErrSessionTerminated
	default:
		return ErrSessionNotReady
	}
	return s.enc.Encode(Message{Direction: DirectionNotification, Payload: payload})
}

// AwaitResponse blocks the calling goroutine until the response for corr
// arrives, the exchange deadline elapses, or the session terminates. Other
// callers awaiting different correlation ids are unaffected. A result that
// arrived before the caller did is handed over immediately; the exchange is
// removed only once consumed or abandoned. A deadline elapsing and an
// expiring ctx are indistinguishable to the caller; either way a response
// landing afterwards is discarded. An unknown correlation id on a
// terminated session reports the termination, never a timeout.
func (s *Session) AwaitResponse(ctx context.Context, corr uint64) (json.RawMessage, error) {
	s.mu.Lock()
	exchange, ok := s.pending[corr]
	terminated := s.state == StateTerminated
	s.mu.Unlock()
	if !ok {
		if terminated {
			return nil, ErrSessionTerminated
		}
		return nil, ErrExchangeTimeout
	}

	timer := time.NewTimer(time.Until(exchange.deadline))
	defer timer.Stop()

	select {
	case res := <-exchange.ch:
		s.takePending(corr)
		if res.err != nil {
			return nil, res.err
		}
		return res.payload, nil
	case <-timer.C:
		return s.abandon(corr, ErrExchangeTimeout)
	case <-ctx.Done():
		return s.abandon(corr, ErrExchangeTimeout)
	case <-s.done:
		return s.abandon(corr, ErrSessionTerminated)
	}
}

// abandon removes the exchange on behalf of a caller that stopped waiting,
// first draining a result that raced in just before the caller gave up.
func (s *Session) abandon(corr uint64, fallback error) (json.RawMessage, error) {
	exchange := s.takePending(corr)
	if exchange != nil {
		select {
		case res := <-exchange.ch:
			if res.err != nil {
				return nil, res.err
			}
			return res.payload, nil
		default:
		}
	}
	return nil, fallback
}

// Exchange is Send followed by AwaitResponse.
func (s *Session) Exchange(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	corr, err := s.Send(payload)
	if err != nil {
		return nil, err
	}
	return s.AwaitResponse(ctx, corr)
}

func (s *Session) takePending(corr uint64) *pendingExchange {
	s.mu.Lock()
	defer s.mu.Unlock()
	exchange, ok := s.pending[corr]
	if !ok {
		return nil
	}
	delete(s.pending, corr)
	return exchange
}

// readLoop dispatches inbound frames for the session's lifetime. Responses
// are routed by correlation id; framing errors degrade the session but keep
// it draining (the decoder resynchronizes at the next frame boundary);
// stream end terminates the session and fails everything outstanding.
func (s *Session) readLoop() {
	for {
		msg, err := s.dec.Next()
		if err != nil {
			var framing *FramingError
			if errors.As(err, &framing) {
				log.Printf("<%s> %v", s.Name, framing)
				s.setState(StateDegraded)
				continue
			}
			if !errors.Is(err, io.EOF) {
				log.Printf("<%s> transport read failed: %v", s.Name, err)
			}
			s.terminate(ErrSessionTerminated)
			return
		}

		switch msg.Direction {
		case DirectionResponse:
			s.dispatchResponse(msg)
		case DirectionNotification:
			var env rpcEnvelope
			_ = json.Unmarshal(msg.Payload, &env)
			log.Printf("<%s> notification %s", s.Name, env.Method)
		case DirectionRequest:
			// server-initiated requests (sampling, roots) are not relayed
			s.rejectServerRequest(msg)
		}
	}
}

func (s *Session) dispatchResponse(msg Message) {
	corr, ok := parseCorrelationID(msg.ID)
	if !ok {
		log.Printf("<%s> response with foreign id %s discarded", s.Name, string(msg.ID))
		return
	}
	s.mu.Lock()
	exchange := s.pending[corr]
	if exchange != nil && !exchange.delivered {
		exchange.delivered = true
	} else {
		exchange = nil
	}
	s.mu.Unlock()
	if exchange == nil {
		log.Printf("<%s> late response for id %d discarded", s.Name, corr)
		return
	}
	payload, err := rewriteEnvelopeID(msg.Payload, exchange.clientID)
	if err != nil {
		exchange.ch <- exchangeResult{err: err}
		return
	}
	exchange.ch <- exchangeResult{payload: payload}
}

func (s *Session) rejectServerRequest(msg Message) {
	var env rpcEnvelope
	_ = json.Unmarshal(msg.Payload, &env)
	log.Printf("<%s> rejecting server request %s", s.Name, env.Method)
	reply, err := json.Marshal(rpcError(json.RawMessage(msg.ID), -32601, "Method not supported by relay"))
	if err != nil {
		return
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	_ = s.enc.Encode(Message{ID: msg.ID, Direction: DirectionResponse, Payload: reply})
}

// terminate moves the session to its terminal state and fails every
// outstanding exchange exactly once. Idempotent: a second call is a no-op
// and already-fulfilled exchanges are never re-failed.
func (s *Session) terminate(reason error) {
	s.termOnce.Do(func() {
		s.mu.Lock()
		s.state = StateTerminated
		orphaned := make([]*pendingExchange, 0, len(s.pending))
		for _, exchange := range s.pending {
			if exchange.delivered {
				// fulfilled before the stream died; the result stays
				// collectible
				continue
			}
			exchange.delivered = true
			orphaned = append(orphaned, exchange)
		}
		s.mu.Unlock()

		close(s.done)
		for _, exchange := range orphaned {
			exchange.ch <- exchangeResult{err: reason}
		}
		if len(orphaned) > 0 {
			log.Printf("<%s> session terminated, failed %d in-flight exchanges", s.Name, len(orphaned))
		} else {
			log.Printf("<%s> session terminated", s.Name)
		}
	})
}
