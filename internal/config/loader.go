package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config holds runtime parameters for the lifecycle manager.
// Zero values mean "unspecified" and are replaced by defaults in Normalize.
type Config struct {
	// BaseDir is where persisted state and models live. Defaults to ~/.autoglm.
	BaseDir string `json:"base_dir" yaml:"base_dir" toml:"base_dir"`
	// ModelsDir overrides the model storage directory. Defaults to <base_dir>/models.
	ModelsDir string `json:"models_dir" yaml:"models_dir" toml:"models_dir"`
	// ServerBin is the interpreter used to launch the inference server.
	ServerBin string `json:"server_bin" yaml:"server_bin" toml:"server_bin"`
	// ServerModule is the module invoked with `-m` to serve the model.
	ServerModule string `json:"server_module" yaml:"server_module" toml:"server_module"`
	// ServerHost is the bind host for the inference server.
	ServerHost string `json:"server_host" yaml:"server_host" toml:"server_host"`
	// ServerPort is the default inference server port.
	ServerPort int `json:"server_port" yaml:"server_port" toml:"server_port"`
	// GPUMemoryFraction is passed to the server as its memory utilization cap.
	GPUMemoryFraction float64 `json:"gpu_memory_fraction" yaml:"gpu_memory_fraction" toml:"gpu_memory_fraction"`
	// MaxContextLen is the server's maximum model context length.
	MaxContextLen int `json:"max_context_len" yaml:"max_context_len" toml:"max_context_len"`
	// GitBin is the version-control binary used for artifact transfer.
	GitBin string `json:"git_bin" yaml:"git_bin" toml:"git_bin"`
	// ProbeTimeoutSec bounds each external tool probe.
	ProbeTimeoutSec int `json:"probe_timeout_sec" yaml:"probe_timeout_sec" toml:"probe_timeout_sec"`
	// APIAddr is the listen address of the local status API.
	APIAddr string `json:"api_addr" yaml:"api_addr" toml:"api_addr"`
	// LogLevel is one of debug|info|warn|error.
	LogLevel string `json:"log_level" yaml:"log_level" toml:"log_level"`
}

// Defaults applied by Normalize for unset fields.
const (
	DefaultServerBin     = "python3"
	DefaultServerModule  = "vllm.entrypoints.openai.api_server"
	DefaultServerHost    = "127.0.0.1"
	DefaultServerPort    = 8000
	DefaultGPUMemFrac    = 0.9
	DefaultMaxContextLen = 8192
	DefaultGitBin        = "git"
	DefaultAPIAddr       = ":7990"
	DefaultProbeTimeout  = 10 * time.Second
)

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}

// Normalize fills defaults for unset fields and resolves BaseDir/ModelsDir.
func (c Config) Normalize() Config {
	if c.BaseDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.BaseDir = filepath.Join(home, ".autoglm")
		} else {
			c.BaseDir = ".autoglm"
		}
	}
	if c.ModelsDir == "" {
		c.ModelsDir = filepath.Join(c.BaseDir, "models")
	}
	if c.ServerBin == "" {
		c.ServerBin = DefaultServerBin
	}
	if c.ServerModule == "" {
		c.ServerModule = DefaultServerModule
	}
	if c.ServerHost == "" {
		c.ServerHost = DefaultServerHost
	}
	if c.ServerPort <= 0 {
		c.ServerPort = DefaultServerPort
	}
	if c.GPUMemoryFraction <= 0 || c.GPUMemoryFraction > 1 {
		c.GPUMemoryFraction = DefaultGPUMemFrac
	}
	if c.MaxContextLen <= 0 {
		c.MaxContextLen = DefaultMaxContextLen
	}
	if c.GitBin == "" {
		c.GitBin = DefaultGitBin
	}
	if c.ProbeTimeoutSec <= 0 {
		c.ProbeTimeoutSec = int(DefaultProbeTimeout / time.Second)
	}
	if c.APIAddr == "" {
		c.APIAddr = DefaultAPIAddr
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	return c
}

// ProbeTimeout returns the probe timeout as a duration.
func (c Config) ProbeTimeout() time.Duration {
	if c.ProbeTimeoutSec <= 0 {
		return DefaultProbeTimeout
	}
	return time.Duration(c.ProbeTimeoutSec) * time.Second
}
