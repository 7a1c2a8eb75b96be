package download

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"

	"modelctl/internal/catalog"
	"modelctl/internal/common/fsutil"
	"modelctl/internal/sysprofile"
)

// Required metadata files and recognized weight extensions for the
// completeness heuristic. This check is deliberately not a checksum: a
// partial transfer that happens to contain the metadata plus any weight
// file will be reported complete.
var (
	requiredMetadataFiles = []string{"config.json", "tokenizer.json"}
	weightExtensions      = []string{".safetensors", ".bin", ".gguf"}
)

// strictSizeTolerance is how far below the catalog estimate the on-disk
// bytes may fall before IsCompleteStrict rejects the artifact.
const strictSizeTolerance = 0.05

// Downloader resolves catalog entries to local directories and performs
// transfers via the version-control toolchain. It is a stateless service
// over ModelsDir except for the single in-flight session it tracks.
type Downloader struct {
	ModelsDir    string
	GitBin       string
	ProbeTimeout time.Duration
	Log          zerolog.Logger

	// HTTP performs the registry reachability pre-check. Nil skips the
	// check (used by tests that fake the clone itself).
	HTTP *retryablehttp.Client

	stop atomic.Bool

	mu      sync.Mutex
	current *session
}

// New constructs a Downloader storing artifacts under modelsDir.
func New(modelsDir, gitBin string, probeTimeout time.Duration, log zerolog.Logger) *Downloader {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.HTTPClient.Timeout = 15 * time.Second
	rc.Logger = nil
	return &Downloader{
		ModelsDir:    modelsDir,
		GitBin:       gitBin,
		ProbeTimeout: probeTimeout,
		Log:          log,
		HTTP:         rc,
	}
}

// LocalPath returns the directory a model is (or would be) stored in.
func (d *Downloader) LocalPath(name string) string {
	return catalog.LocalPath(d.ModelsDir, name)
}

// IsComplete reports whether the model's local directory contains the
// required metadata files and at least one recognized weight file. A
// heuristic, not a checksum; see the package-level note.
func (d *Downloader) IsComplete(name string) bool {
	dir := d.LocalPath(name)
	if !fsutil.PathExists(dir) {
		return false
	}
	for _, f := range requiredMetadataFiles {
		if !fsutil.PathExists(filepath.Join(dir, f)) {
			return false
		}
	}
	return fsutil.HasFileWithExt(dir, weightExtensions...)
}

// IsCompleteStrict additionally requires the on-disk size to be within
// tolerance of the catalog estimate. Opt-in; the default heuristic is the
// documented behavior.
func (d *Downloader) IsCompleteStrict(name string) bool {
	if !d.IsComplete(name) {
		return false
	}
	entry, ok := catalog.Lookup(name)
	if !ok || entry.SizeGB <= 0 {
		return true
	}
	want := entry.SizeGB * (1 - strictSizeTolerance) * 1024 * 1024 * 1024
	return float64(fsutil.DirSizeBytes(d.LocalPath(name))) >= want
}

// Downloaded lists the completed models under ModelsDir.
func (d *Downloader) Downloaded() []string {
	return catalog.ListDownloaded(d.ModelsDir, d.IsComplete)
}

// Delete removes a model's local directory.
func (d *Downloader) Delete(name string) error {
	return os.RemoveAll(d.LocalPath(name))
}

// SizeBytes reports the current on-disk size of a model directory.
func (d *Downloader) SizeBytes(name string) int64 {
	return fsutil.DirSizeBytes(d.LocalPath(name))
}

// Cancel requests cooperative termination of the in-flight download. The
// flag is only checked between coarse steps: an in-progress clone is one
// blocking external-process call and is not interrupted. Callers that need
// a hard stop must terminate the process tree themselves.
func (d *Downloader) Cancel() {
	d.stop.Store(true)
}

// Progress returns a snapshot of the most recent session, if any.
func (d *Downloader) Progress() (Progress, bool) {
	d.mu.Lock()
	s := d.current
	d.mu.Unlock()
	if s == nil {
		return Progress{}, false
	}
	return s.Snapshot(), true
}

// DownloadAsync schedules Download on a background goroutine and returns
// immediately. onProgress runs on that goroutine: callers touching UI or
// other non-thread-safe state must marshal it themselves.
func (d *Downloader) DownloadAsync(name string, onProgress func(Progress), useMirror bool) {
	go func() {
		_ = d.Download(name, onProgress, useMirror)
	}()
}

// Download transfers a catalog entry into ModelsDir, reporting progress
// through onProgress. Terminal failures are recorded on the session and
// returned; there is no automatic retry.
func (d *Downloader) Download(name string, onProgress func(Progress), useMirror bool) error {
	d.stop.Store(false)

	entry, ok := catalog.Lookup(name)
	if !ok {
		return fmt.Errorf("unknown model: %s", name)
	}

	s := newSession(uuid.NewString(), name, int64(entry.SizeGB*1024*1024*1024))
	d.mu.Lock()
	d.current = s
	d.mu.Unlock()

	notify := func() {
		if onProgress != nil {
			onProgress(s.Snapshot())
		}
	}
	failf := func(format string, args ...any) error {
		err := fmt.Errorf(format, args...)
		s.fail(err.Error())
		notify()
		d.Log.Error().Str("model", name).Err(err).Msg("download failed")
		return err
	}
	notify()

	// Toolchain preconditions come before any destination mutation.
	ctx, cancel := context.WithTimeout(context.Background(), d.probeTimeout())
	git := sysprofile.ProbeGit(ctx, d.gitBin())
	cancel()
	if !git.GitAvailable {
		return failf("git is not installed: install git and git-lfs, then run `git lfs install`")
	}
	if !git.LFSAvailable {
		return failf("git LFS is not installed: run `git lfs install` after installing it")
	}
	if d.stop.Load() {
		return failf("download canceled")
	}

	url := catalog.CloneURL(entry, useMirror)
	if d.HTTP != nil {
		if err := d.checkReachable(url); err != nil {
			return failf("registry unreachable: %s: %v", url, err)
		}
	}
	if d.stop.Load() {
		return failf("download canceled")
	}

	// Clean-slate transfer: an existing destination is destroyed and
	// recreated, partial or not.
	dest := d.LocalPath(name)
	if err := os.RemoveAll(dest); err != nil {
		return failf("clear destination: %v", err)
	}
	if err := fsutil.EnsureDir(filepath.Dir(dest)); err != nil {
		return failf("create models dir: %v", err)
	}

	s.setStatus(StatusDownloading)
	s.observe("preparing clone", -1, 0, time.Now())
	notify()

	if err := d.clone(url, dest, s, notify); err != nil {
		return failf("%v", err)
	}

	s.setStatus(StatusCompleted)
	s.observe(name, 100, s.Snapshot().DownloadedBytes, time.Now())
	notify()
	d.Log.Info().Str("model", name).Str("dest", dest).Msg("download completed")
	return nil
}

// clone runs the external clone and streams its progress output into the
// session. Git writes progress to stderr when --progress is set.
func (d *Downloader) clone(url, dest string, s *session, notify func()) error {
	cmd := exec.Command(d.gitBin(), "clone", "--progress", url, dest)
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("pipe clone output: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start clone: %w", err)
	}
	d.Log.Debug().Str("url", url).Int("pid", cmd.Process.Pid).Msg("clone started")

	var tail bytes.Buffer
	sc := bufio.NewScanner(stderr)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	sc.Split(scanLinesCR)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		tail.WriteString(line)
		tail.WriteByte('\n')
		if tail.Len() > 4096 {
			tail.Next(tail.Len() - 4096)
		}
		if !isProgressLine(line) {
			continue
		}
		item, percent, bytesSoFar := parseProgressLine(line)
		s.observe(item, percent, bytesSoFar, time.Now())
		notify()
	}
	if err := sc.Err(); err != nil {
		// The exit status below still decides success; only progress
		// streaming is degraded. Draining keeps the child from
		// blocking on a full pipe.
		d.Log.Debug().Err(err).Msg("clone output scan aborted")
		_, _ = io.Copy(io.Discard, stderr)
	}
	if err := cmd.Wait(); err != nil {
		if ee, ok := err.(*exec.ExitError); ok {
			return fmt.Errorf("clone exited with code %d: %s", ee.ExitCode(), tail.String())
		}
		return fmt.Errorf("clone failed: %w", err)
	}
	return nil
}

// checkReachable does a bounded HEAD against the registry URL before the
// destination is touched, so an unreachable registry fails cleanly.
func (d *Downloader) checkReachable(url string) error {
	req, err := retryablehttp.NewRequest(http.MethodHead, url, nil)
	if err != nil {
		return err
	}
	resp, err := d.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("registry returned %s", resp.Status)
	}
	return nil
}

func (d *Downloader) gitBin() string {
	if d.GitBin == "" {
		return "git"
	}
	return d.GitBin
}

func (d *Downloader) probeTimeout() time.Duration {
	if d.ProbeTimeout <= 0 {
		return 10 * time.Second
	}
	return d.ProbeTimeout
}

// scanLinesCR splits on both \n and \r so git's carriage-return progress
// updates arrive as individual lines.
func scanLinesCR(data []byte, atEOF bool) (advance int, token []byte, err error) {
	for i, b := range data {
		if b == '\n' || b == '\r' {
			return i + 1, data[:i], nil
		}
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}
