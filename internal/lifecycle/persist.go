package lifecycle

import (
	"encoding/json"
	"os"
	"path/filepath"

	"modelctl/internal/common/fsutil"
)

const persistFileName = "config.json"

// PersistedConfig is the small state file surviving restarts. It records
// only outcomes of successful operations; failed starts and downloads never
// touch it.
type PersistedConfig struct {
	LastModel  string `json:"last_model,omitempty"`
	ModelPath  string `json:"model_path,omitempty"`
	ServerPort int    `json:"server_port,omitempty"`
}

// loadPersisted reads the state file under baseDir. A missing or unreadable
// file yields the zero value; persistence is advisory.
func loadPersisted(baseDir string) PersistedConfig {
	var pc PersistedConfig
	b, err := os.ReadFile(filepath.Join(baseDir, persistFileName))
	if err != nil {
		return pc
	}
	if err := json.Unmarshal(b, &pc); err != nil {
		return PersistedConfig{}
	}
	return pc
}

// savePersisted rewrites the state file wholesale via a temp-file rename so
// a crash mid-write cannot leave a torn file.
func savePersisted(baseDir string, pc PersistedConfig) error {
	if err := fsutil.EnsureDir(baseDir); err != nil {
		return err
	}
	b, err := json.MarshalIndent(pc, "", "  ")
	if err != nil {
		return err
	}
	dst := filepath.Join(baseDir, persistFileName)
	tmp := dst + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, dst)
}
