package sysprofile

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"modelctl/pkg/types"
)

// probeAccelerators queries nvidia-smi for per-device info plus the
// driver-reported CUDA runtime version. When nvidia-smi is unusable it falls
// back to a driver-filesystem scan that can only report device presence.
func (p *Profiler) probeAccelerators(ctx context.Context) ([]types.AcceleratorInfo, string) {
	var accels []types.AcceleratorInfo
	var cudaVersion string

	out, err := exec.CommandContext(ctx, p.nvidiaSMI(),
		"--query-gpu=name,memory.total,memory.free,driver_version",
		"--format=csv,noheader,nounits").Output()
	if err == nil {
		accels = parseAcceleratorCSV(string(out))
		if banner, berr := exec.CommandContext(ctx, p.nvidiaSMI()).Output(); berr == nil {
			cudaVersion = parseCUDABanner(string(banner))
		}
	} else {
		p.Log.Debug().Err(err).Msg("nvidia-smi probe failed")
	}

	if len(accels) == 0 {
		accels = probeDriverFS()
	}
	return accels, cudaVersion
}

// parseAcceleratorCSV parses `nvidia-smi --query-gpu=... --format=csv,noheader,nounits`
// output. Malformed lines are skipped, never guessed at.
func parseAcceleratorCSV(out string) []types.AcceleratorInfo {
	var accels []types.AcceleratorInfo
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.Split(line, ",")
		if len(parts) < 4 {
			continue
		}
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		total, terr := strconv.ParseFloat(parts[1], 64)
		free, ferr := strconv.ParseFloat(parts[2], 64)
		if terr != nil || total < 0 {
			continue
		}
		a := types.AcceleratorInfo{
			Name:          parts[0],
			MemoryTotalMB: int(total),
			DriverVersion: parts[3],
		}
		if ferr == nil && free >= 0 {
			a.MemoryFreeMB = int(free)
		}
		accels = append(accels, a)
	}
	return accels
}

// parseCUDABanner extracts the runtime version from the human-readable
// nvidia-smi banner, e.g. "| NVIDIA-SMI 550.54  Driver Version: 550.54  CUDA Version: 12.4 |".
func parseCUDABanner(out string) string {
	for _, line := range strings.Split(out, "\n") {
		idx := strings.Index(line, "CUDA Version:")
		if idx < 0 {
			continue
		}
		rest := strings.TrimSpace(line[idx+len("CUDA Version:"):])
		fields := strings.Fields(rest)
		if len(fields) > 0 {
			return strings.TrimRight(fields[0], "|")
		}
	}
	return ""
}

// nvidiaDriverDir is the driver filesystem root scanned by the secondary
// probe. Overridable in tests.
var nvidiaDriverDir = "/proc/driver/nvidia/gpus"

// probeDriverFS is the secondary accelerator probe for hosts where
// nvidia-smi is missing but the kernel driver is loaded. It can only report
// presence and a name; memory fields stay zero rather than being fabricated.
func probeDriverFS() []types.AcceleratorInfo {
	entries, err := os.ReadDir(nvidiaDriverDir)
	if err != nil {
		return nil
	}
	var accels []types.AcceleratorInfo
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		a := types.AcceleratorInfo{Name: "NVIDIA GPU " + e.Name()}
		if b, rerr := os.ReadFile(filepath.Join(nvidiaDriverDir, e.Name(), "information")); rerr == nil {
			for _, line := range strings.Split(string(b), "\n") {
				if strings.HasPrefix(line, "Model:") {
					a.Name = strings.TrimSpace(strings.TrimPrefix(line, "Model:"))
					break
				}
			}
		}
		accels = append(accels, a)
	}
	return accels
}
