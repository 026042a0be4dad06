package session

import "encoding/json"

// JobStatus is the lifecycle state of a Job. Building is the only
// non-terminal state; every other state is absorbing.
type JobStatus int

const (
	Building JobStatus = iota
	Success
	SuccessCached
	SuccessPreprocessed
	Failed
	Error
	Timeout
	RacedOut
	Stopped
)

var statusNames = map[JobStatus]string{
	Building:            "building",
	Success:             "success",
	SuccessCached:       "success_cached",
	SuccessPreprocessed: "success_preprocessed",
	Failed:              "failed",
	Error:               "error",
	Timeout:             "timeout",
	RacedOut:            "raced_out",
	Stopped:             "stopped",
}

var statusFromName = map[string]JobStatus{
	"building":             Building,
	"success":              Success,
	"success_cached":       SuccessCached,
	"success_preprocessed": SuccessPreprocessed,
	"failed":               Failed,
	"error":                Error,
	"timeout":              Timeout,
	"raced_out":            RacedOut,
	"stopped":              Stopped,
}

var statusDisplay = map[JobStatus]string{
	Building:            "Building",
	Success:             "Successfully Built",
	SuccessCached:       "Successfully (Cache Hit)",
	SuccessPreprocessed: "Successfully Preprocessed",
	Failed:              "Failed",
	Error:               "Error Occurred",
	Timeout:             "Timed Out",
	RacedOut:            "Deprecated by Local Race",
	Stopped:             "Stopped",
}

func (s JobStatus) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return "unknown"
}

// Display is the human-readable label for s.
func (s JobStatus) Display() string {
	if n, ok := statusDisplay[s]; ok {
		return n
	}
	return "Unknown"
}

func (s JobStatus) IsTerminal() bool {
	return s != Building
}

// HasError reports whether s is a failure outcome.
func (s JobStatus) HasError() bool {
	return s == Failed || s == Error
}

func (s JobStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *JobStatus) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	if v, ok := statusFromName[name]; ok {
		*s = v
	}
	return nil
}
