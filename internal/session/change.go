package session

import "encoding/json"

// Property names an observable aggregate of a Session.
type Property int

const (
	propNone Property = iota
	PropRunning
	PropProgress
	PropSuccessful
	PropCacheHits
	PropFailed
	PropInProgress
	PropActiveWorkers
	PropActiveCores
	PropRestoringHistory
	PropCurrentTime
)

var propertyNames = map[Property]string{
	PropRunning:          "running",
	PropProgress:         "progress",
	PropSuccessful:       "successful",
	PropCacheHits:        "cache_hits",
	PropFailed:           "failed",
	PropInProgress:       "in_progress",
	PropActiveWorkers:    "active_workers",
	PropActiveCores:      "active_cores",
	PropRestoringHistory: "restoring_history",
	PropCurrentTime:      "current_time",
}

func (p Property) String() string {
	if n, ok := propertyNames[p]; ok {
		return n
	}
	return "unknown"
}

func (p Property) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// counterProperties are the aggregates held back while history is being
// restored and republished once when restoration ends.
var counterProperties = []Property{
	PropSuccessful,
	PropCacheHits,
	PropFailed,
	PropInProgress,
	PropActiveWorkers,
	PropActiveCores,
}

// Change is one observable mutation of a session. Exactly one of Property
// or Job is meaningful: Job is set for per-job changes.
type Change struct {
	SessionID string       `json:"sessionId"`
	Property  Property     `json:"property,omitempty"`
	Value     any          `json:"value,omitempty"`
	Job       *JobSnapshot `json:"job,omitempty"`
}

// IsJob reports whether c describes a job rather than an aggregate.
func (c Change) IsJob() bool {
	return c.Job != nil
}

// Publisher receives change notifications. Publish is never called with a
// session lock held.
type Publisher interface {
	Publish(Change)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(Change)

func (f PublisherFunc) Publish(c Change) { f(c) }

type discard struct{}

func (discard) Publish(Change) {}
