package session

import "encoding/json"

// EventType classifies session lifecycle events.
type EventType int

const (
	EventSessionStarted EventType = iota
	EventSessionStopped
	EventJobStarted
	EventJobFinished
	EventProgress
	EventCounter
	EventHistoryStarted
	EventHistoryEnded
	EventLogReset
)

var eventTypeNames = map[EventType]string{
	EventSessionStarted: "session_started",
	EventSessionStopped: "session_stopped",
	EventJobStarted:     "job_started",
	EventJobFinished:    "job_finished",
	EventProgress:       "progress",
	EventCounter:        "counter",
	EventHistoryStarted: "history_started",
	EventHistoryEnded:   "history_ended",
	EventLogReset:       "log_reset",
}

func (t EventType) String() string {
	if n, ok := eventTypeNames[t]; ok {
		return n
	}
	return "unknown"
}

func (t EventType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// Event carries a lifecycle notification to observers.
type Event struct {
	Type EventType `json:"type"`
	// SessionID names the session that produced the event. Empty for
	// watcher-level events (history, log reset).
	SessionID string       `json:"sessionId,omitempty"`
	Summary *Summary     `json:"session,omitempty"` // snapshot (safe to retain)
	Job     *JobSnapshot `json:"job,omitempty"`
	Counter *Counter     `json:"counter,omitempty"`
	Replay  bool         `json:"replay"` // produced while restoring history
}
