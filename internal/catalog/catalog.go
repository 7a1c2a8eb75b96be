package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"modelctl/pkg/types"
)

// Registry endpoints artifacts are cloned from. The mirror rewrites only
// the HuggingFace host; ModelScope entries already point at the CN registry.
const (
	huggingFaceBase   = "https://huggingface.co"
	huggingFaceMirror = "https://hf-mirror.com"
	modelScopeBase    = "https://www.modelscope.cn"
)

// entries is the static catalog. Names are unique; Lookup enforces it at
// init via the map below.
var entries = []types.CatalogEntry{
	{
		Name:        "AutoGLM-Phone-9B",
		RepoID:      "zai-org/AutoGLM-Phone-9B",
		Source:      types.SourceHuggingFace,
		SizeGB:      18.0,
		Quant:       "fp16",
		Description: "Official full model (FP16, needs 16GB+ VRAM)",
	},
	{
		Name:        "AutoGLM-Phone-9B-Multilingual",
		RepoID:      "zai-org/AutoGLM-Phone-9B-Multilingual",
		Source:      types.SourceHuggingFace,
		SizeGB:      18.0,
		Quant:       "fp16",
		Description: "Official multilingual model (FP16, needs 16GB+ VRAM)",
	},
	{
		Name:        "AutoGLM-Phone-9B-GGUF-Q4",
		RepoID:      "zai-org/AutoGLM-Phone-9B-GGUF",
		Source:      types.SourceHuggingFace,
		SizeGB:      6.5,
		Quant:       "q4_k_m",
		Description: "Q4_K_M quantization (needs 6GB+ VRAM)",
	},
	{
		Name:        "AutoGLM-Phone-9B-ModelScope",
		RepoID:      "ZhipuAI/AutoGLM-Phone-9B",
		Source:      types.SourceModelScope,
		SizeGB:      18.0,
		Quant:       "fp16",
		Description: "Official full model (ModelScope registry)",
	},
}

var byName = func() map[string]types.CatalogEntry {
	m := make(map[string]types.CatalogEntry, len(entries))
	for _, e := range entries {
		if _, dup := m[e.Name]; dup {
			panic("catalog: duplicate entry name " + e.Name)
		}
		m[e.Name] = e
	}
	return m
}()

// List returns all catalog entries in stable name order.
func List() []types.CatalogEntry {
	out := make([]types.CatalogEntry, len(entries))
	copy(out, entries)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Lookup returns the entry for name.
func Lookup(name string) (types.CatalogEntry, bool) {
	e, ok := byName[name]
	return e, ok
}

// CloneURL resolves the registry URL an entry is cloned from. useMirror
// only affects HuggingFace entries.
func CloneURL(e types.CatalogEntry, useMirror bool) string {
	switch e.Source {
	case types.SourceModelScope:
		return fmt.Sprintf("%s/%s.git", modelScopeBase, e.RepoID)
	default:
		base := huggingFaceBase
		if useMirror {
			base = huggingFaceMirror
		}
		return fmt.Sprintf("%s/%s", base, e.RepoID)
	}
}

// LocalPath maps a model name to its directory under modelsDir. Slashes in
// the name are flattened so one artifact is always one directory.
func LocalPath(modelsDir, name string) string {
	return filepath.Join(modelsDir, strings.ReplaceAll(name, "/", "_"))
}

// ListDownloaded scans modelsDir and returns the names whose directories
// satisfy isComplete, in directory order.
func ListDownloaded(modelsDir string, isComplete func(name string) bool) []string {
	dirents, err := os.ReadDir(modelsDir)
	if err != nil {
		return nil
	}
	var out []string
	for _, d := range dirents {
		if !d.IsDir() {
			continue
		}
		if isComplete(d.Name()) {
			out = append(out, d.Name())
		}
	}
	return out
}
