package sysprofile

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"modelctl/pkg/types"
)

// Default binaries and bounds used by the profiler. All probes are
// best-effort: a missing or hung tool degrades its field, never fails Detect.
const (
	defaultNvidiaSMIBin = "nvidia-smi"
	defaultGitBin       = "git"
	defaultProbeTimeout = 10 * time.Second

	// Conservative RAM assumption when no platform probe succeeds.
	fallbackRAMTotalMB = 8192
)

// Profiler inspects host capability. The zero value is usable; fields exist
// so tests and callers can point probes at fakes.
type Profiler struct {
	NvidiaSMIBin string
	GitBin       string
	Timeout      time.Duration
	Log          zerolog.Logger
}

// New returns a Profiler with the given probe timeout and logger.
func New(timeout time.Duration, log zerolog.Logger) *Profiler {
	return &Profiler{Timeout: timeout, Log: log}
}

func (p *Profiler) timeout() time.Duration {
	if p.Timeout <= 0 {
		return defaultProbeTimeout
	}
	return p.Timeout
}

func (p *Profiler) nvidiaSMI() string {
	if p.NvidiaSMIBin == "" {
		return defaultNvidiaSMIBin
	}
	return p.NvidiaSMIBin
}

func (p *Profiler) git() string {
	if p.GitBin == "" {
		return defaultGitBin
	}
	return p.GitBin
}

// Detect takes a one-shot snapshot of the host. It never returns an error:
// every failed probe degrades to the unknown/absent value for its field.
func (p *Profiler) Detect() types.SystemProfile {
	prof := types.SystemProfile{
		OSName:    runtime.GOOS,
		OSVersion: osVersion(),
		CPUCores:  runtime.NumCPU(),
	}

	if mb, ok := ramTotalMB(); ok && mb > 0 {
		prof.RAMTotalMB = mb
	} else {
		p.Log.Debug().Msg("ram probe failed, assuming fallback total")
		prof.RAMTotalMB = fallbackRAMTotalMB
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout())
	defer cancel()

	accels, cudaVersion := p.probeAccelerators(ctx)
	prof.Accelerators = accels
	prof.CUDAAvailable = len(accels) > 0
	prof.CUDAVersion = cudaVersion

	prof.Git = ProbeGit(ctx, p.git())

	prof.Recommended = Recommend(prof.CUDAAvailable, accels)
	p.Log.Debug().
		Int("accelerators", len(accels)).
		Int("ram_mb", prof.RAMTotalMB).
		Bool("can_run_local", prof.Recommended.CanRunLocal).
		Msg("host profile captured")
	return prof
}

// Recommendation tiers by accelerator memory. Boundary values map to the
// higher tier.
const (
	fp16ThresholdMB = 16000
	int8ThresholdMB = 10000
	q4ThresholdMB   = 6000
)

const (
	ModelFull = "AutoGLM-Phone-9B"
	ModelQ4   = "AutoGLM-Phone-9B-GGUF-Q4"
)

// Recommend derives the model recommendation from detected accelerators.
func Recommend(cudaAvailable bool, accels []types.AcceleratorInfo) types.Recommendation {
	if !cudaAvailable || len(accels) == 0 {
		return types.Recommendation{
			Model:       types.APIModeModel,
			Quant:       "none",
			CanRunLocal: false,
			Reason:      "no NVIDIA GPU detected, use API mode",
		}
	}
	maxVRAM := 0
	for _, a := range accels {
		if a.MemoryTotalMB > maxVRAM {
			maxVRAM = a.MemoryTotalMB
		}
	}
	switch {
	case maxVRAM >= fp16ThresholdMB:
		return types.Recommendation{
			Model:       ModelFull,
			Quant:       "fp16",
			CanRunLocal: true,
			Reason:      fmt.Sprintf("%dMB VRAM, can run FP16 model", maxVRAM),
		}
	case maxVRAM >= int8ThresholdMB:
		return types.Recommendation{
			Model:       ModelFull,
			Quant:       "int8",
			CanRunLocal: true,
			Reason:      fmt.Sprintf("%dMB VRAM, INT8 quantization recommended", maxVRAM),
		}
	case maxVRAM >= q4ThresholdMB:
		return types.Recommendation{
			Model:       ModelQ4,
			Quant:       "q4_k_m",
			CanRunLocal: true,
			Reason:      fmt.Sprintf("%dMB VRAM, Q4 quantization recommended", maxVRAM),
		}
	default:
		return types.Recommendation{
			Model:       types.APIModeModel,
			Quant:       "none",
			CanRunLocal: false,
			Reason:      fmt.Sprintf("insufficient VRAM (%dMB), use API mode", maxVRAM),
		}
	}
}

// InstallCommand maps the detected CUDA runtime version to the command that
// installs the inference dependencies for it.
func InstallCommand(prof types.SystemProfile) string {
	if !prof.CUDAAvailable {
		return "pip install torch torchvision torchaudio"
	}
	switch {
	case strings.HasPrefix(prof.CUDAVersion, "12"):
		return "pip install torch torchvision torchaudio --index-url https://download.pytorch.org/whl/cu121"
	case strings.HasPrefix(prof.CUDAVersion, "11"):
		return "pip install torch torchvision torchaudio --index-url https://download.pytorch.org/whl/cu118"
	default:
		return "pip install torch torchvision torchaudio"
	}
}
