package lifecycle

import (
	"sync"

	"modelctl/internal/download"
)

// EventName identifies a lifecycle event. The set is closed: consumers can
// switch over these constants without a default arm for forward
// compatibility surprises.
type EventName string

const (
	EventEnvCheckStart EventName = "environment_check_start"
	EventEnvCheckDone  EventName = "environment_check_done"

	EventDownloadStart    EventName = "download_start"
	EventDownloadProgress EventName = "download_progress"
	EventDownloadComplete EventName = "download_complete"
	EventDownloadError    EventName = "download_error"

	EventInstallStart EventName = "install_start"
	EventInstallStep  EventName = "install_step"
	EventInstallError EventName = "install_error"

	EventServerStarting EventName = "server_starting"
	EventServerStarted  EventName = "server_started"
	EventServerStopped  EventName = "server_stopped"
	EventServerError    EventName = "server_error"

	EventSetupStage EventName = "setup_stage"
	EventSetupDone  EventName = "setup_done"
	EventSetupError EventName = "setup_error"
)

// Event is one lifecycle occurrence. Name and Model are always set when
// applicable; the typed payload fields are populated per event family, and
// Fields carries anything occasional.
type Event struct {
	Name  EventName
	Model string
	// Progress accompanies download_progress.
	Progress *download.Progress
	// Stage and Percent accompany setup_stage.
	Stage   string
	Percent float64
	// Err accompanies the *_error events.
	Err string
	// Fields carries small per-event extras (pid, port, package name).
	Fields map[string]any
}

// EventPublisher receives lifecycle events. Implementations should be
// lightweight and non-blocking; Publish must not panic.
type EventPublisher interface {
	Publish(Event)
}

// noopPublisher is the default; it drops events.
type noopPublisher struct{}

func (noopPublisher) Publish(Event) {}

// MemoryPublisher stores events in-memory for tests.
type MemoryPublisher struct {
	mu     sync.Mutex
	events []Event
}

func NewMemoryPublisher() *MemoryPublisher { return &MemoryPublisher{} }

func (p *MemoryPublisher) Publish(e Event) {
	p.mu.Lock()
	p.events = append(p.events, e)
	p.mu.Unlock()
}

func (p *MemoryPublisher) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Event, len(p.events))
	copy(out, p.events)
	return out
}

// Named returns the stored events with the given name, in order.
func (p *MemoryPublisher) Named(name EventName) []Event {
	var out []Event
	for _, e := range p.Events() {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}
