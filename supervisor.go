package main

import (
	"bufio"
	"errors"
	"io"
	"log"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

// sslBypassEnv is injected into server subprocesses when TLS bypass is
// enabled, so their own outbound HTTPS traffic tolerates the interception
// proxy's substituted certificates.
var sslBypassEnv = map[string]string{
	"NODE_TLS_REJECT_UNAUTHORIZED": "0",
	"PYTHONHTTPSVERIFY":            "0",
	"REQUESTS_CA_BUNDLE":           "",
	"SSL_CERT_FILE":                "",
	"CURL_CA_BUNDLE":               "",
}

// launchGrace is how long Start watches a fresh process before declaring it
// launched. A process that dies inside this window failed to launch.
const launchGrace = 150 * time.Millisecond

// stopGrace is how long Stop waits after SIGTERM before force-killing.
const stopGrace = 5 * time.Second

// ServerSpec identifies one configured MCP server. Immutable once loaded.
type ServerSpec struct {
	Name    string
	Command string
	Args    []string
	Dir     string
	Env     map[string]string
}

// ServerProcess is the live subprocess behind a session: the OS handle plus
// its stdio stream pair. Owned by the Supervisor; everything else only reads
// the streams.
type ServerProcess struct {
	Spec   ServerSpec
	Stdin  io.WriteCloser
	Stdout io.ReadCloser

	cmd     *exec.Cmd
	exited  chan struct{}
	exitMu  sync.Mutex
	exitErr error
	stopped sync.Once
}

// Exited is closed once the process has been reaped.
func (p *ServerProcess) Exited() <-chan struct{} { return p.exited }

// ExitErr reports the process exit status, nil before exit or on clean exit.
func (p *ServerProcess) ExitErr() error {
	p.exitMu.Lock()
	defer p.exitMu.Unlock()
	return p.exitErr
}

func (p *ServerProcess) Alive() bool {
	select {
	case <-p.exited:
		return false
	default:
		return true
	}
}

// Supervisor spawns and owns one subprocess per configured MCP server. Every
// started process is either stopped or reaped before the relay exits.
type Supervisor struct {
	route ProxyRoute

	mu    sync.Mutex
	procs map[string]*ServerProcess
}

func NewSupervisor(route ProxyRoute) *Supervisor {
	return &Supervisor{
		route: route,
		procs: make(map[string]*ServerProcess),
	}
}

// Start launches the subprocess for spec, wiring its stdio as the transport.
// The chaining-tool wrapper is applied here when the route calls for it. A
// missing executable or a process that exits within the launch grace window
// fails with *LaunchError.
func (s *Supervisor) Start(spec ServerSpec) (*ServerProcess, error) {
	argv := append([]string{spec.Command}, spec.Args...)
	if s.route.Mode == RouteChained {
		argv = append([]string{s.route.ChainTool}, argv...)
	}

	if _, err := exec.LookPath(argv[0]); err != nil {
		return nil, &LaunchError{Server: spec.Name, Cause: err}
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = buildEnv(spec.Env, s.route.BypassTLS)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &LaunchError{Server: spec.Name, Cause: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &LaunchError{Server: spec.Name, Cause: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, &LaunchError{Server: spec.Name, Cause: err}
	}

	if err := cmd.Start(); err != nil {
		return nil, &LaunchError{Server: spec.Name, Cause: err}
	}
	log.Printf("<%s> started pid=%d command=%s", spec.Name, cmd.Process.Pid, strings.Join(argv, " "))

	proc := &ServerProcess{
		Spec:   spec,
		Stdin:  stdin,
		Stdout: stdout,
		cmd:    cmd,
		exited: make(chan struct{}),
	}

	go drainStderr(spec.Name, stderr)
	go proc.monitor()

	select {
	case <-proc.exited:
		return nil, &LaunchError{Server: spec.Name, Cause: errors.New("process exited during startup")}
	case <-time.After(launchGrace):
	}

	s.mu.Lock()
	s.procs[spec.Name] = proc
	s.mu.Unlock()
	return proc, nil
}

// monitor reaps the process and records its exit status. Runs once per
// process; interested parties watch Exited instead of calling Wait.
func (p *ServerProcess) monitor() {
	err := p.cmd.Wait()
	p.exitMu.Lock()
	p.exitErr = err
	p.exitMu.Unlock()
	close(p.exited)
	if err != nil {
		log.Printf("<%s> process exited: %v", p.Spec.Name, err)
	} else {
		log.Printf("<%s> process exited", p.Spec.Name)
	}
}

// Stop sends a graceful termination signal, waits out the grace period, and
// force-kills if the process is still around. Safe to call more than once.
func (s *Supervisor) Stop(p *ServerProcess) {
	if p == nil {
		return
	}
	p.stopped.Do(func() {
		_ = p.Stdin.Close()
		if p.Alive() {
			_ = p.cmd.Process.Signal(syscall.SIGTERM)
		}
		select {
		case <-p.exited:
		case <-time.After(stopGrace):
			log.Printf("<%s> grace period elapsed, killing", p.Spec.Name)
			_ = p.cmd.Process.Kill()
			<-p.exited
		}
	})
	s.mu.Lock()
	delete(s.procs, p.Spec.Name)
	s.mu.Unlock()
}

// StopAll terminates every owned process.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	procs := make([]*ServerProcess, 0, len(s.procs))
	for _, p := range s.procs {
		procs = append(procs, p)
	}
	s.mu.Unlock()
	for _, p := range procs {
		s.Stop(p)
	}
}

func buildEnv(overrides map[string]string, bypassTLS bool) []string {
	env := os.Environ()
	for k, v := range overrides {
		env = append(env, k+"="+v)
	}
	if bypassTLS {
		for k, v := range sslBypassEnv {
			env = append(env, k+"="+v)
		}
	}
	return env
}

// Servers that log startup chatter do so on stderr; stdout carries frames.
var readyIndicators = []string{"ready", "started", "listening", "running", "initialized", "connected"}

func drainStderr(name string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	announced := false
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		log.Printf("<%s> stderr: %s", name, line)
		if !announced && hasIndicator(line) {
			log.Printf("<%s> server reports ready", name)
			announced = true
		}
	}
}

func hasIndicator(line string) bool {
	lower := strings.ToLower(line)
	for _, indicator := range readyIndicators {
		if strings.Contains(lower, indicator) {
			return true
		}
	}
	return false
}
