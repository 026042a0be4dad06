package monitor

import (
	"errors"
	"sync"
	"time"

	"github.com/buildwatch/backend/internal/buildlog"
	"github.com/buildwatch/backend/internal/logwatch"
)

var errNoSession = errors.New("no session open")

// Health is the ingestion status served at /api/health.
type Health struct {
	LogPath          string           `json:"logPath"`
	Watcher          logwatch.Stats   `json:"watcher"`
	Accepted         int64            `json:"accepted"`
	Ignored          int64            `json:"ignored"`
	IgnoredByReason  map[string]int64 `json:"ignoredByReason,omitempty"`
	LastIgnored      string           `json:"lastIgnored,omitempty"`
	LastIgnoredAt    *time.Time       `json:"lastIgnoredAt,omitempty"`
	Resets           int64            `json:"resets"`
	DroppedEvents    int64            `json:"droppedEvents"`
	RestoringHistory bool             `json:"restoringHistory"`
	LastMessage      *time.Time       `json:"lastMessage,omitempty"`
	Sessions         int              `json:"sessions"`
	ActiveSessions   int              `json:"activeSessions"`
}

// ingestHealth counts what the dispatch loop accepted and dropped. Fields
// are protected by mu because dispatch writes them while the HTTP server
// reads them.
type ingestHealth struct {
	mu            sync.Mutex
	accepted      int64
	ignored       int64
	byReason      map[string]int64
	lastIgnored   string
	lastIgnoredAt time.Time
	resets        int64
	droppedEvents int64
}

func newIngestHealth() *ingestHealth {
	return &ingestHealth{byReason: make(map[string]int64)}
}

func (h *ingestHealth) recordAccepted() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.accepted++
}

// recordIgnored counts a dropped line. Lines are never logged one by one.
func (h *ingestHealth) recordIgnored(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ignored++
	h.byReason[ignoreReason(err)]++
	h.lastIgnored = err.Error()
	h.lastIgnoredAt = time.Now()
}

func (h *ingestHealth) recordReset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.resets++
}

func (h *ingestHealth) recordDroppedEvent() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.droppedEvents++
}

// snapshot returns a consistent copy of the counters under the lock.
func (h *ingestHealth) snapshot() Health {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := Health{
		Accepted:      h.accepted,
		Ignored:       h.ignored,
		LastIgnored:   h.lastIgnored,
		Resets:        h.resets,
		DroppedEvents: h.droppedEvents,
	}
	if len(h.byReason) > 0 {
		out.IgnoredByReason = make(map[string]int64, len(h.byReason))
		for k, v := range h.byReason {
			out.IgnoredByReason[k] = v
		}
	}
	if !h.lastIgnoredAt.IsZero() {
		at := h.lastIgnoredAt
		out.LastIgnoredAt = &at
	}
	return out
}

func ignoreReason(err error) string {
	switch {
	case errors.Is(err, buildlog.ErrTooFewTokens):
		return "too_few_tokens"
	case errors.Is(err, buildlog.ErrUnknownEvent):
		return "unknown_event"
	case errors.Is(err, buildlog.ErrMalformed):
		return "malformed"
	case errors.Is(err, errNoSession):
		return "no_session"
	default:
		return "other"
	}
}
