package types

// Source identifies the remote registry family an artifact is cloned from.
type Source string

const (
	SourceHuggingFace Source = "huggingface"
	SourceModelScope  Source = "modelscope"
)

// CatalogEntry describes one downloadable model artifact.
type CatalogEntry struct {
	// Unique display name, also the catalog key.
	// example: AutoGLM-Phone-9B
	Name string `json:"name" example:"AutoGLM-Phone-9B"`
	// Remote repository identifier within the source registry.
	// example: zai-org/AutoGLM-Phone-9B
	RepoID string `json:"repo_id" example:"zai-org/AutoGLM-Phone-9B"`
	// Registry family the artifact lives in.
	// example: huggingface
	Source Source `json:"source" example:"huggingface"`
	// Approximate artifact size in GiB. A static estimate, not a measurement.
	// example: 18.0
	SizeGB float64 `json:"size_gb" example:"18.0"`
	// Quantization variant shipped by this entry.
	// example: fp16
	Quant string `json:"quant" example:"fp16"`
	// Human-readable description.
	Description string `json:"description,omitempty"`
}

// AcceleratorInfo describes one detected compute accelerator.
// Absent fields stay at their zero value; probes never fabricate data.
type AcceleratorInfo struct {
	// Device name as reported by the driver.
	// example: NVIDIA GeForce RTX 4090
	Name string `json:"name" example:"NVIDIA GeForce RTX 4090"`
	// Total device memory in MB.
	// example: 24564
	MemoryTotalMB int `json:"memory_total_mb" example:"24564"`
	// Free device memory in MB at probe time.
	// example: 23000
	MemoryFreeMB int `json:"memory_free_mb,omitempty" example:"23000"`
	// Driver version string.
	// example: 550.54.14
	DriverVersion string `json:"driver_version,omitempty" example:"550.54.14"`
	// Compute capability, when the probe can report it.
	// example: 8.9
	ComputeCapability string `json:"compute_capability,omitempty" example:"8.9"`
}

// GitInfo reports the availability of the version-control toolchain used
// for artifact transfer.
type GitInfo struct {
	GitAvailable bool   `json:"git_available" example:"true"`
	GitVersion   string `json:"git_version,omitempty" example:"2.42.0"`
	LFSAvailable bool   `json:"lfs_available" example:"true"`
	LFSVersion   string `json:"lfs_version,omitempty" example:"3.4.0"`
}

// Recommendation is the advisory output of host profiling.
type Recommendation struct {
	// Recommended model name, or APIModeModel when local inference is infeasible.
	// example: AutoGLM-Phone-9B
	Model string `json:"model" example:"AutoGLM-Phone-9B"`
	// Recommended quantization for the model above.
	// example: int8
	Quant string `json:"quant" example:"int8"`
	// Whether the host can run the recommended model locally.
	// example: true
	CanRunLocal bool `json:"can_run_local" example:"true"`
	// Human-readable reason naming the limiting or enabling factor.
	// example: 12000MB VRAM, int8 quantization recommended
	Reason string `json:"reason"`
}

// SystemProfile is a one-shot immutable snapshot of host capability.
// Re-detection produces a new snapshot, never mutates an old one.
type SystemProfile struct {
	OSName        string            `json:"os_name" example:"linux"`
	OSVersion     string            `json:"os_version,omitempty"`
	CPUCores      int               `json:"cpu_cores" example:"16"`
	RAMTotalMB    int               `json:"ram_total_mb" example:"32768"`
	CUDAAvailable bool              `json:"cuda_available" example:"true"`
	CUDAVersion   string            `json:"cuda_version,omitempty" example:"12.4"`
	Accelerators  []AcceleratorInfo `json:"accelerators"`
	Git           GitInfo           `json:"git"`
	Recommended   Recommendation    `json:"recommended"`
}

// MaxAcceleratorMemoryMB returns the largest total memory across detected
// accelerators, or 0 when none were found.
func (p SystemProfile) MaxAcceleratorMemoryMB() int {
	max := 0
	for _, a := range p.Accelerators {
		if a.MemoryTotalMB > max {
			max = a.MemoryTotalMB
		}
	}
	return max
}

// APIModeModel is the sentinel recommendation when local inference is
// infeasible and the caller should fall back to a remote API.
const APIModeModel = "API_MODE"

// PlanStep is one ordered, human-describable step of a setup plan.
type PlanStep struct {
	// 1-based position within the plan.
	// example: 1
	Step int `json:"step" example:"1"`
	// Human-readable description of the step.
	// example: Download model: AutoGLM-Phone-9B
	Description string `json:"description"`
	// Machine action tag (use_api, config_api_key, install_deps, download_model, start_server).
	// example: download_model
	Action string `json:"action" example:"download_model"`
	// Shell command to run, for install steps.
	Command string `json:"command,omitempty"`
	// Model name, for download steps.
	Model string `json:"model,omitempty"`
}

// SetupPlan is the output of the recommended-setup workflow.
type SetupPlan struct {
	CanRunLocal      bool       `json:"can_run_local"`
	Reason           string     `json:"reason"`
	RecommendedModel string     `json:"recommended_model"`
	RecommendedQuant string     `json:"recommended_quant"`
	Steps            []PlanStep `json:"steps"`
}
