package types

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: model not found: AutoGLM-Phone-9B
	Error string `json:"error" example:"model not found: AutoGLM-Phone-9B"`
	// HTTP status code.
	// example: 404
	Code int `json:"code" example:"404"`
}

// ModelsResponse wraps the catalog listing returned by GET /models.
type ModelsResponse struct {
	// Known catalog entries.
	Models []CatalogEntry `json:"models"`
	// Names of entries whose artifacts are complete on disk.
	Downloaded []string `json:"downloaded"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	// Last captured host profile, if an environment check has run.
	Profile *SystemProfile `json:"profile,omitempty"`
	// Names of downloaded models.
	Downloaded []string `json:"downloaded"`
	// Whether a supervised inference server is currently running.
	// example: true
	ServerRunning bool `json:"server_running" example:"true"`
	// API base URL of the running server, empty when not running.
	// example: http://127.0.0.1:8000/v1
	APIBase string `json:"api_base,omitempty" example:"http://127.0.0.1:8000/v1"`
	// Last model selected by a successful operation.
	LastModel string `json:"last_model,omitempty"`
	// Resolved local path of the last model.
	ModelPath string `json:"model_path,omitempty"`
	// Port chosen for the last successful server start.
	// example: 8000
	ServerPort int `json:"server_port,omitempty" example:"8000"`
	// Server time in unix seconds.
	// example: 1700000000
	ServerTimeUnix int64 `json:"server_time_unix" example:"1700000000"`
}
