package download

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

const testModel = "AutoGLM-Phone-9B"

func newTestDownloader(t *testing.T, gitBin string) *Downloader {
	t.Helper()
	d := New(t.TempDir(), gitBin, 5*time.Second, zerolog.Nop())
	d.HTTP = nil
	return d
}

// fakeGit writes a shell script that answers the version probes and
// performs a pretend clone, emitting real git progress lines on stderr.
func fakeGit(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script fake not runnable on windows")
	}
	script := `#!/bin/sh
case "$1" in
--version)
	echo "git version 2.42.0"
	;;
lfs)
	echo "git-lfs/3.4.0 (GitHub; linux amd64; go 1.21)"
	;;
clone)
	dest="$4"
	mkdir -p "$dest"
	echo '{}' > "$dest/config.json"
	echo '{}' > "$dest/tokenizer.json"
	echo 'w' > "$dest/model.safetensors"
	printf 'Receiving objects:  42%% (1/2), 15.30 MiB | 2.10 MiB/s\r' >&2
	printf 'Receiving objects: 100%% (2/2), 30.00 MiB | 2.10 MiB/s\n' >&2
	printf 'Resolving deltas: 100%% (3/3), done.\n' >&2
	;;
*)
	exit 1
	;;
esac
`
	path := filepath.Join(t.TempDir(), "git")
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func writeModelDir(t *testing.T, d *Downloader, name string, files ...string) string {
	t.Helper()
	dir := d.LocalPath(name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	for _, f := range files {
		if err := os.WriteFile(filepath.Join(dir, f), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func TestIsComplete(t *testing.T) {
	d := newTestDownloader(t, "git")

	if d.IsComplete(testModel) {
		t.Fatal("missing dir reported complete")
	}

	writeModelDir(t, d, testModel, "config.json", "tokenizer.json")
	if d.IsComplete(testModel) {
		t.Fatal("metadata without weights reported complete")
	}

	writeModelDir(t, d, testModel, "model.safetensors")
	if !d.IsComplete(testModel) {
		t.Fatal("metadata plus weights not reported complete")
	}
}

func TestIsCompleteAlternateWeightFormats(t *testing.T) {
	d := newTestDownloader(t, "git")
	for _, weight := range []string{"pytorch_model.bin", "model.gguf", "MODEL.GGUF"} {
		name := testModel
		if err := os.RemoveAll(d.LocalPath(name)); err != nil {
			t.Fatal(err)
		}
		writeModelDir(t, d, name, "config.json", "tokenizer.json", weight)
		if !d.IsComplete(name) {
			t.Fatalf("weight file %q not recognized", weight)
		}
	}
}

func TestIsCompleteStrictRejectsTinyDir(t *testing.T) {
	d := newTestDownloader(t, "git")
	// A few bytes on disk against an 18GB catalog estimate.
	writeModelDir(t, d, testModel, "config.json", "tokenizer.json", "model.safetensors")
	if !d.IsComplete(testModel) {
		t.Fatal("heuristic check should pass")
	}
	if d.IsCompleteStrict(testModel) {
		t.Fatal("strict check should reject a dir far below the size estimate")
	}
}

func TestDownloadedAndDelete(t *testing.T) {
	d := newTestDownloader(t, "git")
	writeModelDir(t, d, testModel, "config.json", "tokenizer.json", "model.safetensors")

	got := d.Downloaded()
	if len(got) != 1 || got[0] != testModel {
		t.Fatalf("Downloaded() = %v, want [%s]", got, testModel)
	}

	if err := d.Delete(testModel); err != nil {
		t.Fatal(err)
	}
	if d.IsComplete(testModel) {
		t.Fatal("model still complete after delete")
	}
	if got := d.Downloaded(); len(got) != 0 {
		t.Fatalf("Downloaded() after delete = %v", got)
	}
}

func TestDownloadUnknownModel(t *testing.T) {
	d := newTestDownloader(t, "git")
	if err := d.Download("no-such-model", nil, false); err == nil {
		t.Fatal("expected error for unknown model")
	}
}

func TestDownloadMissingGitLeavesNoDir(t *testing.T) {
	d := newTestDownloader(t, filepath.Join(t.TempDir(), "missing-git"))
	err := d.Download(testModel, nil, false)
	if err == nil {
		t.Fatal("expected error when git is unavailable")
	}
	if !strings.Contains(err.Error(), "git is not installed") {
		t.Fatalf("error = %v, want install remedy", err)
	}
	if _, statErr := os.Stat(d.LocalPath(testModel)); !os.IsNotExist(statErr) {
		t.Fatal("destination should be untouched on precondition failure")
	}
	p, ok := d.Progress()
	if !ok || p.Status != StatusError {
		t.Fatalf("session = %+v, want error status", p)
	}
}

func TestDownloadWithFakeGit(t *testing.T) {
	d := newTestDownloader(t, fakeGit(t))

	var snaps []Progress
	err := d.Download(testModel, func(p Progress) {
		snaps = append(snaps, p)
	}, false)
	if err != nil {
		t.Fatal(err)
	}

	if !d.IsComplete(testModel) {
		t.Fatal("downloaded model not complete")
	}
	final, ok := d.Progress()
	if !ok || final.Status != StatusCompleted {
		t.Fatalf("final session = %+v, want completed", final)
	}
	if final.SessionID == "" {
		t.Fatal("session id not assigned")
	}
	if final.DownloadedBytes < 15*1024*1024 {
		t.Fatalf("DownloadedBytes = %d, progress lines not parsed", final.DownloadedBytes)
	}

	if len(snaps) < 2 {
		t.Fatalf("only %d progress callbacks", len(snaps))
	}
	if snaps[0].Status != StatusWaiting {
		t.Fatalf("first snapshot status = %q, want waiting", snaps[0].Status)
	}
	sawItem := false
	for _, p := range snaps {
		if p.CurrentItem == "Receiving objects" {
			sawItem = true
		}
	}
	if !sawItem {
		t.Fatal("no snapshot carried the clone item label")
	}
}

func TestDownloadCancelBetweenSteps(t *testing.T) {
	d := newTestDownloader(t, fakeGit(t))

	err := d.Download(testModel, func(p Progress) {
		if p.Status == StatusWaiting {
			d.Cancel()
		}
	}, false)
	if err == nil || !strings.Contains(err.Error(), "canceled") {
		t.Fatalf("err = %v, want cancellation", err)
	}
	if _, statErr := os.Stat(d.LocalPath(testModel)); !os.IsNotExist(statErr) {
		t.Fatal("destination should be untouched after early cancel")
	}
}

func TestDownloadFailingClone(t *testing.T) {
	script := `#!/bin/sh
case "$1" in
--version) echo "git version 2.42.0" ;;
lfs) echo "git-lfs/3.4.0 (go 1.21)" ;;
clone)
	echo "fatal: repository not found" >&2
	exit 128
	;;
esac
`
	if runtime.GOOS == "windows" {
		t.Skip("shell script fake not runnable on windows")
	}
	path := filepath.Join(t.TempDir(), "git")
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	d := newTestDownloader(t, path)

	err := d.Download(testModel, nil, false)
	if err == nil || !strings.Contains(err.Error(), "exited with code 128") {
		t.Fatalf("err = %v, want clone exit code", err)
	}
	p, _ := d.Progress()
	if p.Status != StatusError {
		t.Fatalf("status = %q, want error", p.Status)
	}
	if !strings.Contains(p.Error, "repository not found") {
		t.Fatalf("session error = %q, want stderr tail", p.Error)
	}
}

func TestDownloadSurvivesOversizedOutputLine(t *testing.T) {
	// A single stderr line past the scanner buffer aborts progress
	// streaming; the exit status still decides the outcome.
	script := `#!/bin/sh
case "$1" in
--version) echo "git version 2.42.0" ;;
lfs) echo "git-lfs/3.4.0 (go 1.21)" ;;
clone)
	dest="$4"
	mkdir -p "$dest"
	echo '{}' > "$dest/config.json"
	echo '{}' > "$dest/tokenizer.json"
	echo 'w' > "$dest/model.safetensors"
	head -c 2097152 /dev/zero | tr '\0' 'x' >&2
	echo >&2
	;;
esac
`
	if runtime.GOOS == "windows" {
		t.Skip("shell script fake not runnable on windows")
	}
	path := filepath.Join(t.TempDir(), "git")
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	d := newTestDownloader(t, path)

	if err := d.Download(testModel, nil, false); err != nil {
		t.Fatalf("Download: %v", err)
	}
	p, _ := d.Progress()
	if p.Status != StatusCompleted {
		t.Fatalf("status = %q, want completed", p.Status)
	}
	if !d.IsComplete(testModel) {
		t.Fatal("artifact not complete after download")
	}
}

func TestDownloadAsync(t *testing.T) {
	d := newTestDownloader(t, fakeGit(t))

	done := make(chan Progress, 16)
	d.DownloadAsync(testModel, func(p Progress) {
		if p.Status == StatusCompleted || p.Status == StatusError {
			done <- p
		}
	}, false)

	select {
	case p := <-done:
		if p.Status != StatusCompleted {
			t.Fatalf("status = %q, want completed", p.Status)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("async download did not finish")
	}
}
