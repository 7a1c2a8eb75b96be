// Package lifecycle orchestrates the environment check, artifact downloads,
// dependency installation, and the supervised inference server into one
// stateful facade. It owns the persisted state file and the event stream.
package lifecycle

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"modelctl/internal/catalog"
	"modelctl/internal/config"
	"modelctl/internal/download"
	"modelctl/internal/supervise"
	"modelctl/internal/sysprofile"
	"modelctl/pkg/types"
)

// EnvironmentProfiler captures host capabilities.
type EnvironmentProfiler interface {
	Detect() types.SystemProfile
}

// ArtifactStore resolves and transfers model artifacts.
type ArtifactStore interface {
	IsComplete(name string) bool
	Downloaded() []string
	Download(name string, onProgress func(download.Progress), useMirror bool) error
	Delete(name string) error
	LocalPath(name string) string
	Cancel()
	Progress() (download.Progress, bool)
}

// ServerSupervisor manages the inference server subprocess.
type ServerSupervisor interface {
	Start(modelPath string, port int) error
	Stop() error
	IsRunning() bool
	APIBase() string
	Port() int
}

// CommandRunner executes an external command to completion. Injectable so
// tests never shell out to a real package manager.
type CommandRunner func(ctx context.Context, name string, args ...string) error

func execRunner(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		tail := string(out)
		if len(tail) > 2048 {
			tail = tail[len(tail)-2048:]
		}
		return fmt.Errorf("%s: %w: %s", name, err, tail)
	}
	return nil
}

// Python packages installed after the torch toolchain. Individual failures
// are survivable; the server import path reports anything truly missing.
var pythonDeps = []string{"vllm", "transformers", "accelerate", "sentencepiece", "requests"}

// Manager is the lifecycle facade. Safe for concurrent use.
type Manager struct {
	cfg    config.Config
	log    zerolog.Logger
	pub    EventPublisher
	runner CommandRunner

	profiler EnvironmentProfiler
	store    ArtifactStore
	sup      ServerSupervisor

	mu        sync.Mutex
	profile   *types.SystemProfile
	persisted PersistedConfig
	startedAt time.Time
}

// New wires a Manager from the runtime configuration.
func New(cfg config.Config, log zerolog.Logger) *Manager {
	cfg = cfg.Normalize()
	prof := sysprofile.New(cfg.ProbeTimeout(), log)
	prof.GitBin = cfg.GitBin
	sup := supervise.New(supervise.Options{
		Bin:               cfg.ServerBin,
		Module:            cfg.ServerModule,
		Host:              cfg.ServerHost,
		GPUMemoryFraction: cfg.GPUMemoryFraction,
		MaxContextLen:     cfg.MaxContextLen,
	}, log)
	return &Manager{
		cfg:       cfg,
		log:       log,
		pub:       noopPublisher{},
		runner:    execRunner,
		profiler:  prof,
		store:     download.New(cfg.ModelsDir, cfg.GitBin, cfg.ProbeTimeout(), log),
		sup:       sup,
		persisted: loadPersisted(cfg.BaseDir),
	}
}

// SetPublisher installs an EventPublisher. Nil restores the no-op default.
func (m *Manager) SetPublisher(p EventPublisher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p == nil {
		m.pub = noopPublisher{}
		return
	}
	m.pub = p
}

// SetRunner overrides the external command runner.
func (m *Manager) SetRunner(r CommandRunner) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r == nil {
		m.runner = execRunner
		return
	}
	m.runner = r
}

func (m *Manager) publish(e Event) {
	m.mu.Lock()
	p := m.pub
	m.mu.Unlock()
	p.Publish(e)
}

// CheckEnvironment profiles the host. The result is cached; pass refresh to
// force a new probe.
func (m *Manager) CheckEnvironment(refresh bool) types.SystemProfile {
	m.mu.Lock()
	if m.profile != nil && !refresh {
		p := *m.profile
		m.mu.Unlock()
		return p
	}
	m.mu.Unlock()

	m.publish(Event{Name: EventEnvCheckStart})
	prof := m.profiler.Detect()
	m.mu.Lock()
	m.profile = &prof
	m.mu.Unlock()
	m.publish(Event{Name: EventEnvCheckDone, Model: prof.Recommended.Model})
	return prof
}

// RecommendedSetup derives an ordered setup plan from the host profile and
// the current disk state.
func (m *Manager) RecommendedSetup() types.SetupPlan {
	return buildPlan(m.CheckEnvironment(false), m.store.IsComplete)
}

// Models lists the catalog alongside the names already downloaded.
func (m *Manager) Models() types.ModelsResponse {
	return types.ModelsResponse{
		Models:     catalog.List(),
		Downloaded: m.store.Downloaded(),
	}
}

// DownloadModel transfers a catalog model, forwarding progress to both the
// event stream and the optional callback. An empty name falls back to the
// persisted model, then the host recommendation. A model already complete on
// disk is a no-op success; a successful transfer records the model as the
// last one used.
func (m *Manager) DownloadModel(name string, useMirror bool, onProgress func(download.Progress)) error {
	name = m.resolveModel(name)
	if name == "" || name == types.APIModeModel {
		return ErrAPIMode()
	}
	if _, ok := catalog.Lookup(name); !ok {
		return ErrModelUnknown(name)
	}
	if m.store.IsComplete(name) {
		m.log.Info().Str("model", name).Msg("model already downloaded")
		m.publish(Event{Name: EventDownloadComplete, Model: name, Fields: map[string]any{"cached": true}})
		return nil
	}

	m.publish(Event{Name: EventDownloadStart, Model: name})
	err := m.store.Download(name, func(p download.Progress) {
		m.publish(Event{Name: EventDownloadProgress, Model: name, Progress: &p})
		if onProgress != nil {
			onProgress(p)
		}
	}, useMirror)
	if err != nil {
		m.publish(Event{Name: EventDownloadError, Model: name, Err: err.Error()})
		return err
	}

	m.mu.Lock()
	m.persisted.LastModel = name
	m.persisted.ModelPath = m.store.LocalPath(name)
	pc := m.persisted
	m.mu.Unlock()
	if err := savePersisted(m.cfg.BaseDir, pc); err != nil {
		m.log.Warn().Err(err).Msg("persist state failed")
	}
	m.publish(Event{Name: EventDownloadComplete, Model: name})
	return nil
}

// CancelDownload requests cooperative cancellation of an in-flight download.
func (m *Manager) CancelDownload() { m.store.Cancel() }

// DownloadProgress snapshots the most recent download session, if any.
func (m *Manager) DownloadProgress() (download.Progress, bool) {
	return m.store.Progress()
}

// DeleteModel removes a model's local artifact. The running server is not
// consulted; callers stop it first if it serves this model.
func (m *Manager) DeleteModel(name string) error {
	if _, ok := catalog.Lookup(name); !ok {
		return ErrModelUnknown(name)
	}
	return m.store.Delete(name)
}

// InstallDependencies installs the inference toolchain. The torch install
// command derived from the host profile is terminal on failure; the
// remaining package installs warn and continue.
func (m *Manager) InstallDependencies(ctx context.Context, onStep func(step string)) error {
	prof := m.CheckEnvironment(false)
	if !prof.Recommended.CanRunLocal {
		return ErrAPIMode()
	}
	step := func(s string) {
		m.publish(Event{Name: EventInstallStep, Fields: map[string]any{"step": s}})
		if onStep != nil {
			onStep(s)
		}
	}

	m.publish(Event{Name: EventInstallStart})
	torchCmd := sysprofile.InstallCommand(prof)
	step(torchCmd)
	parts := strings.Fields(torchCmd)
	if err := m.runner(ctx, parts[0], parts[1:]...); err != nil {
		m.publish(Event{Name: EventInstallError, Err: err.Error()})
		return fmt.Errorf("install torch toolchain: %w", err)
	}

	for _, dep := range pythonDeps {
		step("pip install " + dep)
		if err := m.runner(ctx, "pip", "install", dep); err != nil {
			m.log.Warn().Str("package", dep).Err(err).Msg("package install failed, continuing")
			m.publish(Event{Name: EventInstallError, Err: err.Error(), Fields: map[string]any{"package": dep}})
		}
	}
	return nil
}

// StartServer launches the inference server for the named model. Empty name
// falls back to the last persisted model, then to the host recommendation.
// A live server is stopped before the new one starts. Successful starts are
// persisted; failures leave the state file untouched.
func (m *Manager) StartServer(name string) error {
	name = m.resolveModel(name)
	if name == "" || name == types.APIModeModel {
		return ErrAPIMode()
	}
	if _, ok := catalog.Lookup(name); !ok {
		return ErrModelUnknown(name)
	}
	if !m.store.IsComplete(name) {
		return ErrModelNotDownloaded(name)
	}

	if m.sup.IsRunning() {
		m.log.Info().Msg("stopping current server before switch")
		if err := m.sup.Stop(); err != nil {
			return fmt.Errorf("stop previous server: %w", err)
		}
	}

	path := m.store.LocalPath(name)
	port := m.cfg.ServerPort
	m.publish(Event{Name: EventServerStarting, Model: name, Fields: map[string]any{"port": port}})
	if err := m.sup.Start(path, port); err != nil {
		m.publish(Event{Name: EventServerError, Model: name, Err: err.Error()})
		return err
	}

	m.mu.Lock()
	m.persisted = PersistedConfig{LastModel: name, ModelPath: path, ServerPort: port}
	m.startedAt = time.Now()
	pc := m.persisted
	m.mu.Unlock()
	if err := savePersisted(m.cfg.BaseDir, pc); err != nil {
		m.log.Warn().Err(err).Msg("persist state failed")
	}
	m.publish(Event{Name: EventServerStarted, Model: name, Fields: map[string]any{"port": port, "api_base": m.sup.APIBase()}})
	return nil
}

// StopServer stops the supervised server. Stopping a stopped server is a
// no-op success.
func (m *Manager) StopServer() error {
	if err := m.sup.Stop(); err != nil {
		return err
	}
	m.mu.Lock()
	m.startedAt = time.Time{}
	model := m.persisted.LastModel
	m.mu.Unlock()
	m.publish(Event{Name: EventServerStopped, Model: model})
	return nil
}

// IsServerRunning reports whether the supervised server is alive and healthy.
func (m *Manager) IsServerRunning() bool { return m.sup.IsRunning() }

// APIBase returns the running server's OpenAI-compatible base URL, empty
// when no server is running.
func (m *Manager) APIBase() string {
	if !m.sup.IsRunning() {
		return ""
	}
	return m.sup.APIBase()
}

// Status snapshots the whole lifecycle state for front ends.
func (m *Manager) Status() types.StatusResponse {
	m.mu.Lock()
	prof := m.profile
	pc := m.persisted
	m.mu.Unlock()

	resp := types.StatusResponse{
		Downloaded:     m.store.Downloaded(),
		LastModel:      pc.LastModel,
		ModelPath:      pc.ModelPath,
		ServerPort:     pc.ServerPort,
		ServerTimeUnix: time.Now().Unix(),
	}
	if prof != nil {
		p := *prof
		resp.Profile = &p
	}
	if m.sup.IsRunning() {
		resp.ServerRunning = true
		resp.APIBase = m.sup.APIBase()
	}
	return resp
}

// resolveModel applies the name fallback chain: explicit, persisted, host
// recommendation.
func (m *Manager) resolveModel(name string) string {
	if name != "" {
		return name
	}
	m.mu.Lock()
	last := m.persisted.LastModel
	m.mu.Unlock()
	if last != "" {
		return last
	}
	return m.CheckEnvironment(false).Recommended.Model
}

// Stage weights of the one-shot setup. They sum to 100.
const (
	setupEnvWeight      = 5
	setupInstallWeight  = 30
	setupDownloadWeight = 50
	setupServerWeight   = 15
)

// AutoSetup runs the full first-run sequence: environment check, dependency
// install, model download, server start. Progress is reported as cumulative
// percent per stage; the first failing stage aborts the rest.
func (m *Manager) AutoSetup(ctx context.Context, onProgress func(stage string, percent float64)) error {
	done := 0.0
	stage := func(name string) {
		m.publish(Event{Name: EventSetupStage, Stage: name, Percent: done})
		if onProgress != nil {
			onProgress(name, done)
		}
	}
	fail := func(stageName string, err error) error {
		m.publish(Event{Name: EventSetupError, Stage: stageName, Err: err.Error()})
		return fmt.Errorf("%s: %w", stageName, err)
	}

	stage("checking environment")
	prof := m.CheckEnvironment(true)
	done += setupEnvWeight
	if !prof.Recommended.CanRunLocal {
		return fail("checking environment", ErrAPIMode())
	}

	stage("installing dependencies")
	if err := m.InstallDependencies(ctx, nil); err != nil {
		return fail("installing dependencies", err)
	}
	done += setupInstallWeight

	model := prof.Recommended.Model
	stage("downloading " + model)
	if m.store.IsComplete(model) {
		m.log.Info().Str("model", model).Msg("download stage skipped, artifact complete")
	} else if err := m.DownloadModel(model, false, func(p download.Progress) {
		if onProgress != nil {
			onProgress("downloading "+model, done+p.TotalPercent/100*setupDownloadWeight)
		}
	}); err != nil {
		return fail("downloading "+model, err)
	}
	done += setupDownloadWeight

	stage("starting server")
	if err := m.StartServer(model); err != nil {
		return fail("starting server", err)
	}
	done += setupServerWeight

	m.publish(Event{Name: EventSetupDone, Model: model, Percent: done})
	if onProgress != nil {
		onProgress("done", done)
	}
	return nil
}
