// End-to-end flow over the real Manager: artifact on disk, supervised fake
// server, status API. Download transfers themselves are covered in the
// download package; here the artifact is staged so no network is involved.
package e2e

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"modelctl/internal/catalog"
	"modelctl/internal/config"
	"modelctl/internal/httpapi"
	"modelctl/internal/lifecycle"
	"modelctl/pkg/types"
)

const modelName = "AutoGLM-Phone-9B-GGUF-Q4"

// buildFakeServer compiles the supervise package's fake inference server.
func buildFakeServer(t *testing.T) string {
	t.Helper()
	tdir := t.TempDir()
	bin := filepath.Join(tdir, "fake_inference_server")
	cmd := exec.Command("go", "build", "-o", bin, "../supervise/testdata/fake_inference_server.go")
	cmd.Dir = "."
	cmd.Env = append(os.Environ(), "CGO_ENABLED=0")
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("build fake server: %v: %s", err, string(out))
	}
	return bin
}

// stageArtifact writes a complete-looking model directory.
func stageArtifact(t *testing.T, modelsDir, name string) {
	t.Helper()
	dir := catalog.LocalPath(modelsDir, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	for _, f := range []string{"config.json", "tokenizer.json", "model.gguf"} {
		if err := os.WriteFile(filepath.Join(dir, f), []byte("{}"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func newManager(t *testing.T, serverBin string) (*lifecycle.Manager, *lifecycle.MemoryPublisher, config.Config) {
	t.Helper()
	base := t.TempDir()
	cfg := config.Config{
		BaseDir:    base,
		ServerBin:  serverBin,
		ServerPort: 31310,
	}.Normalize()
	stageArtifact(t, cfg.ModelsDir, modelName)

	m := lifecycle.New(cfg, zerolog.Nop())
	pub := lifecycle.NewMemoryPublisher()
	m.SetPublisher(pub)
	t.Cleanup(func() { _ = m.StopServer() })
	return m, pub, cfg
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestE2E_ServeAndObserve(t *testing.T) {
	if testing.Short() {
		t.Skip("short mode")
	}
	m, pub, cfg := newManager(t, buildFakeServer(t))

	// staged artifact short-circuits the transfer
	if err := m.DownloadModel(modelName, false, nil); err != nil {
		t.Fatalf("DownloadModel: %v", err)
	}

	if err := m.StartServer(modelName); err != nil {
		t.Fatalf("StartServer: %v", err)
	}
	if !m.IsServerRunning() {
		t.Fatal("server not running")
	}
	if got := m.APIBase(); got != "http://127.0.0.1:31310/v1" {
		t.Fatalf("APIBase = %q", got)
	}

	// status API reflects the running server
	srv := httptest.NewServer(httpapi.NewMux(m))
	defer srv.Close()

	var st types.StatusResponse
	if code := getJSON(t, srv.URL+"/status", &st); code != http.StatusOK {
		t.Fatalf("status code = %d", code)
	}
	if !st.ServerRunning || st.LastModel != modelName || st.APIBase == "" {
		t.Fatalf("status = %+v", st)
	}
	if len(st.Downloaded) != 1 || st.Downloaded[0] != modelName {
		t.Fatalf("downloaded = %v", st.Downloaded)
	}

	var models types.ModelsResponse
	getJSON(t, srv.URL+"/models", &models)
	if len(models.Models) == 0 {
		t.Fatal("catalog empty over the wire")
	}

	if code := getJSON(t, srv.URL+"/healthz", nil); code != http.StatusOK {
		t.Fatalf("healthz = %d", code)
	}

	// state persisted for the next process
	b, err := os.ReadFile(filepath.Join(cfg.BaseDir, "config.json"))
	if err != nil {
		t.Fatalf("persisted state: %v", err)
	}
	var pc map[string]any
	if err := json.Unmarshal(b, &pc); err != nil {
		t.Fatal(err)
	}
	if pc["last_model"] != modelName {
		t.Fatalf("persisted = %v", pc)
	}

	if err := m.StopServer(); err != nil {
		t.Fatalf("StopServer: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for m.IsServerRunning() && time.Now().Before(deadline) {
		time.Sleep(100 * time.Millisecond)
	}
	if m.IsServerRunning() {
		t.Fatal("server still running after stop")
	}
	// decode into a fresh struct: omitempty fields absent from the response
	// would otherwise keep their stale values from the earlier decode
	st = types.StatusResponse{}
	getJSON(t, srv.URL+"/status", &st)
	if st.ServerRunning || st.APIBase != "" {
		t.Fatalf("status after stop = %+v", st)
	}

	var names []lifecycle.EventName
	for _, e := range pub.Events() {
		names = append(names, e.Name)
	}
	for _, want := range []lifecycle.EventName{
		lifecycle.EventDownloadComplete,
		lifecycle.EventServerStarting,
		lifecycle.EventServerStarted,
		lifecycle.EventServerStopped,
	} {
		found := false
		for _, n := range names {
			if n == want {
				found = true
			}
		}
		if !found {
			t.Errorf("event %q missing from %v", want, names)
		}
	}
}

func TestE2E_StartWithoutArtifact(t *testing.T) {
	base := t.TempDir()
	cfg := config.Config{BaseDir: base, ServerBin: "unused"}.Normalize()
	m := lifecycle.New(cfg, zerolog.Nop())

	err := m.StartServer("AutoGLM-Phone-9B")
	if !lifecycle.IsModelNotDownloaded(err) {
		t.Fatalf("err = %v, want not-downloaded", err)
	}
}
