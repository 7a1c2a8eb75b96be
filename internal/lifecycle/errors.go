package lifecycle

// modelUnknownError signals a model name absent from the catalog.
type modelUnknownError struct{ name string }

func (e modelUnknownError) Error() string { return "unknown model: " + e.name }

func ErrModelUnknown(name string) error { return modelUnknownError{name: name} }

// IsModelUnknown reports whether err indicates a name outside the catalog.
func IsModelUnknown(err error) bool {
	_, ok := err.(modelUnknownError)
	return ok
}

// modelNotDownloadedError signals a start attempt against a model with no
// complete local artifact.
type modelNotDownloadedError struct{ name string }

func (e modelNotDownloadedError) Error() string { return "model not downloaded: " + e.name }

func ErrModelNotDownloaded(name string) error { return modelNotDownloadedError{name: name} }

// IsModelNotDownloaded reports whether err indicates a missing local artifact.
func IsModelNotDownloaded(err error) bool {
	_, ok := err.(modelNotDownloadedError)
	return ok
}

// apiModeError signals an operation that needs local inference on a host
// the environment check routed to API mode.
type apiModeError struct{}

func (apiModeError) Error() string {
	return "this host cannot run the model locally; use the remote API"
}

func ErrAPIMode() error { return apiModeError{} }

// IsAPIMode reports whether err indicates an API-mode-only host.
func IsAPIMode(err error) bool {
	_, ok := err.(apiModeError)
	return ok
}

// serverNotRunningError signals an operation that requires a live server.
type serverNotRunningError struct{}

func (serverNotRunningError) Error() string { return "inference server is not running" }

func ErrServerNotRunning() error { return serverNotRunningError{} }

// IsServerNotRunning reports whether err indicates no live server.
func IsServerNotRunning(err error) bool {
	_, ok := err.(serverNotRunningError)
	return ok
}
