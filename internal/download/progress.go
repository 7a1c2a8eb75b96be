package download

import (
	"strconv"
	"strings"
	"sync"
	"time"
)

// Status is the lifecycle state of one download session.
type Status string

const (
	StatusWaiting     Status = "waiting"
	StatusDownloading Status = "downloading"
	StatusCompleted   Status = "completed"
	StatusError       Status = "error"
)

// rank orders statuses so transitions can only move forward.
func (s Status) rank() int {
	switch s {
	case StatusWaiting:
		return 0
	case StatusDownloading:
		return 1
	case StatusCompleted, StatusError:
		return 2
	default:
		return -1
	}
}

// Progress is a point-in-time snapshot of a download session, safe to hand
// to callbacks by value.
type Progress struct {
	SessionID string  `json:"session_id"`
	Model     string  `json:"model"`
	Status    Status  `json:"status"`
	// CurrentItem is the label of whatever the transfer is working on,
	// taken from the clone's progress output.
	CurrentItem string `json:"current_item,omitempty"`
	// Percent is scoped to the current item.
	Percent float64 `json:"percent"`
	// TotalPercent is aggregate bytes observed versus the catalog size
	// estimate; approximate by construction.
	TotalPercent    float64 `json:"total_percent"`
	DownloadedBytes int64   `json:"downloaded_bytes"`
	TotalBytes      int64   `json:"total_bytes"`
	SpeedMBps       float64 `json:"speed_mbps"`
	ETASeconds      int     `json:"eta_seconds"`
	Error           string  `json:"error,omitempty"`
}

// rateWindow is the minimum interval between speed/ETA recomputations, so a
// burst of progress lines does not produce noisy instantaneous rates.
const rateWindow = time.Second

// session tracks one in-flight or completed transfer. All mutation goes
// through its methods under the mutex; Snapshot returns a value copy.
type session struct {
	mu   sync.Mutex
	p    Progress
	last time.Time
	lastBytes int64
}

func newSession(id, model string, totalBytes int64) *session {
	return &session{
		p:    Progress{SessionID: id, Model: model, Status: StatusWaiting, TotalBytes: totalBytes},
		last: time.Now(),
	}
}

// setStatus advances the session status. Transitions are monotonic:
// waiting -> downloading -> {completed, error}. A regression attempt is
// ignored and reported false.
func (s *session) setStatus(next Status) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if next.rank() < s.p.Status.rank() {
		return false
	}
	if s.p.Status.rank() == 2 && next != s.p.Status {
		// terminal states never flip between completed and error
		return false
	}
	s.p.Status = next
	return true
}

func (s *session) fail(msg string) {
	s.mu.Lock()
	if s.p.Status.rank() < 2 {
		s.p.Status = StatusError
		s.p.Error = msg
	}
	s.mu.Unlock()
}

// observe records a parsed progress line. Speed and ETA recompute at most
// once per rateWindow from the byte delta over that window.
func (s *session) observe(item string, percent float64, bytes int64, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if item != "" {
		s.p.CurrentItem = item
	}
	if percent >= 0 {
		s.p.Percent = percent
	}
	if bytes > s.p.DownloadedBytes {
		s.p.DownloadedBytes = bytes
	}
	if s.p.TotalBytes > 0 {
		tp := float64(s.p.DownloadedBytes) / float64(s.p.TotalBytes) * 100
		if tp > 100 {
			tp = 100
		}
		s.p.TotalPercent = tp
	}
	if dt := now.Sub(s.last); dt >= rateWindow {
		db := s.p.DownloadedBytes - s.lastBytes
		s.p.SpeedMBps = float64(db) / (1024 * 1024) / dt.Seconds()
		if s.p.SpeedMBps > 0 && s.p.TotalBytes > s.p.DownloadedBytes {
			remaining := float64(s.p.TotalBytes - s.p.DownloadedBytes)
			s.p.ETASeconds = int(remaining / (s.p.SpeedMBps * 1024 * 1024))
		}
		s.last = now
		s.lastBytes = s.p.DownloadedBytes
	}
}

// Snapshot returns a copy of the current progress.
func (s *session) Snapshot() Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.p
}

// progressMarkers are the clone output substrings that identify a progress
// line worth surfacing.
var progressMarkers = []string{"Receiving objects", "Resolving deltas", "%"}

// isProgressLine reports whether a clone output line carries progress.
func isProgressLine(line string) bool {
	for _, m := range progressMarkers {
		if strings.Contains(line, m) {
			return true
		}
	}
	return false
}

// parseProgressLine extracts the item label, an item-scoped percentage, and
// a cumulative byte count from a git progress line such as
//
//	Receiving objects:  42% (123/290), 15.30 MiB | 2.10 MiB/s
//
// Any field it cannot find is returned as its negative/zero sentinel.
func parseProgressLine(line string) (item string, percent float64, bytes int64) {
	percent = -1
	line = strings.TrimSpace(strings.TrimRight(line, "\r"))
	item = line
	if idx := strings.Index(line, ":"); idx > 0 {
		item = strings.TrimSpace(line[:idx])
	}
	if idx := strings.Index(line, "%"); idx > 0 {
		start := idx
		for start > 0 && (line[start-1] >= '0' && line[start-1] <= '9' || line[start-1] == '.') {
			start--
		}
		if start < idx {
			if v, err := strconv.ParseFloat(line[start:idx], 64); err == nil && v >= 0 && v <= 100 {
				percent = v
			}
		}
	}
	bytes = parseByteAmount(line)
	return item, percent, bytes
}

// parseByteAmount finds the first "<n> <unit>B" token (KiB/MiB/GiB, or the
// decimal KB/MB/GB forms git emits with some locales) and converts to bytes.
func parseByteAmount(line string) int64 {
	fields := strings.Fields(line)
	for i := 0; i+1 < len(fields); i++ {
		unit := strings.TrimRight(fields[i+1], ",|")
		var mult float64
		switch unit {
		case "KiB":
			mult = 1024
		case "MiB":
			mult = 1024 * 1024
		case "GiB":
			mult = 1024 * 1024 * 1024
		case "KB":
			mult = 1000
		case "MB":
			mult = 1000 * 1000
		case "GB":
			mult = 1000 * 1000 * 1000
		default:
			continue
		}
		num := strings.TrimRight(fields[i], ",")
		v, err := strconv.ParseFloat(num, 64)
		if err != nil || v < 0 {
			continue
		}
		return int64(v * mult)
	}
	return 0
}
