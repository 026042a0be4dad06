package ws

import (
	"github.com/buildwatch/backend/internal/session"
)

type MessageType string

const (
	MsgSnapshot       MessageType = "snapshot"
	MsgDelta          MessageType = "delta"
	MsgSessionStarted MessageType = "session_started"
	MsgSessionStopped MessageType = "session_stopped"
	MsgHistoryStarted MessageType = "history_started"
	MsgHistoryEnded   MessageType = "history_ended"
	MsgLogReset       MessageType = "log_reset"
	MsgJobStarted     MessageType = "job_started"
	MsgJobFinished    MessageType = "job_finished"
	MsgProgress       MessageType = "progress"
	MsgCounter        MessageType = "counter"
)

type WSMessage struct {
	Type    MessageType `json:"type"`
	Payload interface{} `json:"payload"`
}

// SnapshotPayload lists every session and carries the full tree of the
// current one.
type SnapshotPayload struct {
	Sessions []session.Summary `json:"sessions"`
	Current  *session.Snapshot `json:"current,omitempty"`
}

type DeltaPayload struct {
	Changes []session.Change `json:"changes"`
}

type SessionPayload struct {
	Session session.Summary `json:"session"`
}

type JobPayload struct {
	SessionID string              `json:"sessionId,omitempty"`
	Job       session.JobSnapshot `json:"job"`
}

type CounterPayload struct {
	SessionID string          `json:"sessionId,omitempty"`
	Counter   session.Counter `json:"counter"`
}
