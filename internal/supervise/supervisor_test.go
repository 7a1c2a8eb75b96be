package supervise

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// buildTestBinary builds the fake inference server used for subprocess tests
// and returns its path.
func buildTestBinary(t *testing.T) string {
	t.Helper()
	tdir := t.TempDir()
	bin := filepath.Join(tdir, "fake_inference_server")
	cmd := exec.Command("go", "build", "-o", bin, "./testdata/fake_inference_server.go")
	cmd.Dir = "."
	cmd.Env = append(os.Environ(), "CGO_ENABLED=0")
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("build fake server: %v: %s", err, string(out))
	}
	return bin
}

func newTestSupervisor(t *testing.T, opts Options) *Supervisor {
	t.Helper()
	if opts.Bin == "" {
		opts.Bin = buildTestBinary(t)
	}
	s := New(opts, zerolog.Nop())
	t.Cleanup(func() { _ = s.Stop() })
	return s
}

func modelDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "config.json"), []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestStartAndStop(t *testing.T) {
	if testing.Short() {
		t.Skip("short mode")
	}
	s := newTestSupervisor(t, Options{StartupTimeout: 10 * time.Second})

	if err := s.Start(modelDir(t), 31200); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if st := s.State(); st != StateRunning {
		t.Fatalf("state = %q, want running", st)
	}
	if s.Pid() <= 0 || s.Port() != 31200 {
		t.Fatalf("pid=%d port=%d", s.Pid(), s.Port())
	}
	if got := s.APIBase(); got != "http://127.0.0.1:31200/v1" {
		t.Fatalf("APIBase = %q", got)
	}
	if !s.IsRunning() {
		t.Fatal("IsRunning = false for a healthy server")
	}

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if st := s.State(); st != StateStopped {
		t.Fatalf("state after stop = %q", st)
	}
	if s.IsRunning() {
		t.Fatal("IsRunning = true after stop")
	}
	if s.APIBase() != "" || s.Pid() != 0 {
		t.Fatal("stopped supervisor should not report a server")
	}
}

func TestStartRejectsMissingModelPath(t *testing.T) {
	s := newTestSupervisor(t, Options{Bin: "unused"})
	err := s.Start(filepath.Join(t.TempDir(), "nope"), 31201)
	if err == nil || !strings.Contains(err.Error(), "model path") {
		t.Fatalf("err = %v, want model path error", err)
	}
}

func TestStartRejectsBadPort(t *testing.T) {
	s := newTestSupervisor(t, Options{Bin: "unused"})
	if err := s.Start(modelDir(t), 0); err == nil {
		t.Fatal("expected error for port 0")
	}
	if err := s.Start(modelDir(t), 70000); err == nil {
		t.Fatal("expected error for out-of-range port")
	}
}

func TestStartSecondServerRefused(t *testing.T) {
	if testing.Short() {
		t.Skip("short mode")
	}
	s := newTestSupervisor(t, Options{StartupTimeout: 10 * time.Second})
	if err := s.Start(modelDir(t), 31202); err != nil {
		t.Fatalf("Start: %v", err)
	}
	err := s.Start(modelDir(t), 31203)
	if err == nil || !strings.Contains(err.Error(), "already running") {
		t.Fatalf("err = %v, want already-running refusal", err)
	}
	// the original server is untouched
	if !s.IsRunning() || s.Port() != 31202 {
		t.Fatal("first server disturbed by refused start")
	}
}

func TestStartWhileStartingRefused(t *testing.T) {
	s := newTestSupervisor(t, Options{Bin: "unused"})
	s.mu.Lock()
	s.state = StateStarting
	s.mu.Unlock()

	err := s.Start(modelDir(t), 31206)
	if err == nil || !strings.Contains(err.Error(), "already in progress") {
		t.Fatalf("err = %v, want start-in-progress refusal", err)
	}
}

func TestIsRunningFalseAfterExternalExit(t *testing.T) {
	if testing.Short() {
		t.Skip("short mode")
	}
	s := newTestSupervisor(t, Options{StartupTimeout: 10 * time.Second})

	if err := s.Start(modelDir(t), 31207); err != nil {
		t.Fatalf("Start: %v", err)
	}
	pid := s.Pid()
	if pid <= 0 {
		t.Fatalf("pid = %d", pid)
	}
	if err := syscall.Kill(pid, syscall.SIGKILL); err != nil {
		t.Fatalf("kill: %v", err)
	}

	deadline := time.Now().Add(2 * healthPollInterval)
	for s.IsRunning() {
		if time.Now().After(deadline) {
			t.Fatal("IsRunning still true after the process was killed")
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func TestStartImmediateCrash(t *testing.T) {
	if testing.Short() {
		t.Skip("short mode")
	}
	t.Setenv("FAKE_INFER_MODE", "crash")
	s := newTestSupervisor(t, Options{StartupTimeout: 10 * time.Second})

	err := s.Start(modelDir(t), 31204)
	if err == nil {
		t.Fatal("expected startup crash error")
	}
	if !strings.Contains(err.Error(), "crashed on startup") {
		t.Fatalf("err = %v, want crash classification", err)
	}
	if !strings.Contains(err.Error(), "CUDA out of memory") {
		t.Fatalf("err = %v, want output tail attached", err)
	}
	if st := s.State(); st != StateError {
		t.Fatalf("state = %q, want error", st)
	}
	if s.Pid() != 0 {
		t.Fatal("no process should remain tracked after a failed start")
	}
}

func TestStartNeverHealthyTimesOut(t *testing.T) {
	if testing.Short() {
		t.Skip("short mode")
	}
	t.Setenv("FAKE_INFER_MODE", "mute")
	s := newTestSupervisor(t, Options{
		GracePeriod:    500 * time.Millisecond,
		StartupTimeout: 3 * time.Second,
		StopTimeout:    time.Second,
	})

	err := s.Start(modelDir(t), 31205)
	if err == nil || !strings.Contains(err.Error(), "not healthy within") {
		t.Fatalf("err = %v, want readiness timeout", err)
	}
	if st := s.State(); st != StateError {
		t.Fatalf("state = %q, want error", st)
	}
	// the unresponsive process must have been reaped
	if s.Pid() != 0 {
		t.Fatal("timed-out process still tracked")
	}
}

func TestStopIdempotent(t *testing.T) {
	s := newTestSupervisor(t, Options{Bin: "unused"})
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop on stopped supervisor: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestOptionsDefaults(t *testing.T) {
	o := (&Options{}).withDefaults()
	if o.Bin != "python3" || o.Host != "127.0.0.1" {
		t.Fatalf("defaults = %+v", o)
	}
	if o.GPUMemoryFraction != 0.9 || o.MaxContextLen != 8192 {
		t.Fatalf("tuning defaults = %+v", o)
	}
	if o.StartupTimeout != defaultStartupTimeout || o.StopTimeout != defaultStopTimeout {
		t.Fatalf("timeout defaults = %+v", o)
	}
}
