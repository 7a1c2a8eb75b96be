// Package supervise owns the inference server subprocess: spawn, readiness,
// health, and shutdown. It knows nothing about models beyond the path it is
// handed; policy lives a level up.
package supervise

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// State is the supervisor's coarse lifecycle phase.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateError    State = "error"
)

const (
	defaultGracePeriod    = 2 * time.Second
	defaultStartupTimeout = 30 * time.Second
	defaultStopTimeout    = 10 * time.Second
	healthPollInterval    = 1 * time.Second
	healthProbeTimeout    = 1 * time.Second
	stderrTailLimit       = 4096
)

// Options configures how the server process is launched.
type Options struct {
	// Bin is the interpreter or binary to launch, e.g. "python3".
	Bin string
	// Module is what -m receives; empty means Bin is invoked directly.
	Module string
	Host   string

	GPUMemoryFraction float64
	MaxContextLen     int

	GracePeriod    time.Duration
	StartupTimeout time.Duration
	StopTimeout    time.Duration
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.Bin == "" {
		out.Bin = "python3"
	}
	if out.Host == "" {
		out.Host = "127.0.0.1"
	}
	if out.GPUMemoryFraction <= 0 || out.GPUMemoryFraction > 1 {
		out.GPUMemoryFraction = 0.9
	}
	if out.MaxContextLen <= 0 {
		out.MaxContextLen = 8192
	}
	if out.GracePeriod <= 0 {
		out.GracePeriod = defaultGracePeriod
	}
	if out.StartupTimeout <= 0 {
		out.StartupTimeout = defaultStartupTimeout
	}
	if out.StopTimeout <= 0 {
		out.StopTimeout = defaultStopTimeout
	}
	return out
}

// proc is the currently supervised subprocess, nil when stopped.
type proc struct {
	cmd     *exec.Cmd
	pid     int
	port    int
	baseURL string
	waitErr chan error
	stderr  *tailBuffer
}

// Supervisor manages at most one server process at a time.
type Supervisor struct {
	opts Options
	log  zerolog.Logger

	// Timeout=0 on purpose: every request carries its own context deadline.
	httpClient *http.Client

	mu    sync.Mutex
	state State
	cur   *proc
}

func New(opts Options, log zerolog.Logger) *Supervisor {
	return &Supervisor{
		opts:       opts.withDefaults(),
		log:        log,
		httpClient: &http.Client{Timeout: 0},
		state:      StateStopped,
	}
}

// State returns the current lifecycle phase.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Port returns the listening port of the supervised process, 0 when stopped.
func (s *Supervisor) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil {
		return 0
	}
	return s.cur.port
}

// APIBase returns the OpenAI-compatible base URL while a server is tracked,
// e.g. "http://127.0.0.1:8000/v1".
func (s *Supervisor) APIBase() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil {
		return ""
	}
	return s.cur.baseURL + "/v1"
}

// Pid returns the subprocess pid, 0 when stopped.
func (s *Supervisor) Pid() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil {
		return 0
	}
	return s.cur.pid
}

// Start launches the server for modelPath on port and blocks until it is
// healthy or has failed. A supervisor already tracking a process refuses to
// start another.
func (s *Supervisor) Start(modelPath string, port int) error {
	if _, err := os.Stat(modelPath); err != nil {
		return fmt.Errorf("model path not usable: %w", err)
	}
	if port <= 0 || port > 65535 {
		return fmt.Errorf("invalid port %d", port)
	}

	s.mu.Lock()
	if s.cur != nil {
		pid := s.cur.pid
		s.mu.Unlock()
		return fmt.Errorf("server already running (pid %d); stop it first", pid)
	}
	if s.state == StateStarting {
		s.mu.Unlock()
		return fmt.Errorf("server start already in progress")
	}
	// Reserving the starting state keeps a second Start from spawning a
	// process concurrently; every exit path below replaces it.
	s.state = StateStarting
	s.mu.Unlock()

	p, err := s.spawn(modelPath, port)
	if err != nil {
		s.setState(StateError)
		return err
	}

	s.mu.Lock()
	s.cur = p
	s.mu.Unlock()

	if err := s.awaitReady(p); err != nil {
		// Failed startups do not leave orphans behind.
		_ = s.Stop()
		s.setState(StateError)
		return err
	}

	s.setState(StateRunning)
	s.log.Info().Int("pid", p.pid).Int("port", p.port).Str("model", modelPath).Msg("server ready")
	return nil
}

func (s *Supervisor) spawn(modelPath string, port int) (*proc, error) {
	var args []string
	if s.opts.Module != "" {
		args = append(args, "-m", s.opts.Module)
	}
	args = append(args,
		"--model", modelPath,
		"--port", fmt.Sprint(port),
		"--gpu-memory-utilization", fmt.Sprintf("%g", s.opts.GPUMemoryFraction),
		"--max-model-len", fmt.Sprint(s.opts.MaxContextLen),
		"--trust-remote-code",
	)

	cmd := exec.Command(s.opts.Bin, args...)
	tail := &tailBuffer{limit: stderrTailLimit}
	cmd.Stderr = tail
	cmd.Stdout = tail
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start server: %w", err)
	}

	p := &proc{
		cmd:     cmd,
		pid:     cmd.Process.Pid,
		port:    port,
		baseURL: fmt.Sprintf("http://%s:%d", s.opts.Host, port),
		waitErr: make(chan error, 1),
		stderr:  tail,
	}
	go func() { p.waitErr <- cmd.Wait() }()
	s.log.Info().Int("pid", p.pid).Int("port", port).Msg("server starting")
	return p, nil
}

// awaitReady polls the health endpoint until the server answers, the process
// exits, or the startup timeout elapses. An exit inside the grace period is
// reported as an immediate crash with the output tail attached.
func (s *Supervisor) awaitReady(p *proc) error {
	started := time.Now()
	deadline := started.Add(s.opts.StartupTimeout)
	for {
		select {
		case werr := <-p.waitErr:
			// put it back so Stop's wait does not hang
			p.waitErr <- werr
			if time.Since(started) <= s.opts.GracePeriod {
				return fmt.Errorf("server crashed on startup (pid %d): %v; output tail: %s",
					p.pid, werr, p.stderr.String())
			}
			return fmt.Errorf("server exited before becoming ready (pid %d): %v; output tail: %s",
				p.pid, werr, p.stderr.String())
		default:
		}

		if s.probe(p.baseURL) {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("server not healthy within %s: %s; output tail: %s",
				s.opts.StartupTimeout, p.baseURL, p.stderr.String())
		}
		time.Sleep(healthPollInterval)
	}
}

// probe does one bounded health check against the OpenAI models endpoint.
func (s *Supervisor) probe(baseURL string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), healthProbeTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/v1/models", nil)
	if err != nil {
		return false
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// IsRunning reports whether the supervised process is alive and answering
// health probes. A tracked but unresponsive process reports false.
func (s *Supervisor) IsRunning() bool {
	s.mu.Lock()
	p := s.cur
	s.mu.Unlock()
	if p == nil {
		return false
	}
	select {
	case werr := <-p.waitErr:
		p.waitErr <- werr
		return false
	default:
	}
	return s.probe(p.baseURL)
}

// Stop terminates the supervised process: SIGTERM, then SIGKILL after the
// stop timeout. Idempotent; stopping a stopped supervisor is a no-op.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	p := s.cur
	if p == nil {
		s.state = StateStopped
		s.mu.Unlock()
		return nil
	}
	s.state = StateStopping
	s.mu.Unlock()

	if p.cmd.Process != nil {
		_ = p.cmd.Process.Signal(syscall.SIGTERM)
	}
	select {
	case <-waitChan(p):
	case <-time.After(s.opts.StopTimeout):
		s.log.Warn().Int("pid", p.pid).Msg("server ignored SIGTERM, killing")
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Kill()
		}
		<-waitChan(p)
	}

	s.mu.Lock()
	s.cur = nil
	s.state = StateStopped
	s.mu.Unlock()
	s.log.Info().Int("pid", p.pid).Msg("server stopped")
	return nil
}

// waitChan adapts the buffered waitErr channel into something selectable
// that also re-buffers the result for later readers.
func waitChan(p *proc) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		werr := <-p.waitErr
		p.waitErr <- werr
		close(done)
	}()
	return done
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// tailBuffer keeps the last limit bytes written to it. Safe for the single
// writer goroutine exec uses plus snapshot reads.
type tailBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf.Write(p)
	if t.buf.Len() > t.limit {
		t.buf.Next(t.buf.Len() - t.limit)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.String()
}
