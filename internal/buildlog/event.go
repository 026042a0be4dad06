package buildlog

import (
	"encoding/json"
	"time"
)

// Kind is the event-type discriminator found in the second token of a line.
type Kind string

const (
	KindStartBuild     Kind = "START_BUILD"
	KindStopBuild      Kind = "STOP_BUILD"
	KindStartJob       Kind = "START_JOB"
	KindFinishJob      Kind = "FINISH_JOB"
	KindReportProgress Kind = "PROGRESS_STATUS"
	KindReportCounter  Kind = "GRAPH"
)

// Event is one decoded log record.
type Event interface {
	Kind() Kind
	EventTime() time.Time
}

type Header struct {
	Time time.Time
}

func (h Header) EventTime() time.Time { return h.Time }

type StartBuild struct {
	Header
	LogVersion int
	ProcessID  int
}

func (StartBuild) Kind() Kind { return KindStartBuild }

type StopBuild struct {
	Header
}

func (StopBuild) Kind() Kind { return KindStopBuild }

type StartJob struct {
	Header
	HostName  string
	EventName string
}

func (StartJob) Kind() Kind { return KindStartJob }

type FinishJob struct {
	Header
	HostName  string
	EventName string
	Result    Result
	// Message is nil when the record carried no message field.
	Message *string
}

func (FinishJob) Kind() Kind { return KindFinishJob }

type ReportProgress struct {
	Header
	Progress float64
}

func (ReportProgress) Kind() Kind { return KindReportProgress }

type ReportCounter struct {
	Header
	GroupName   string
	CounterName string
	UnitTag     string
	Value       float64
}

func (ReportCounter) Kind() Kind { return KindReportCounter }

// Result is the terminal outcome carried by a FINISH_JOB record.
type Result int

const (
	ResultSuccess Result = iota
	ResultSuccessCached
	ResultSuccessPreprocessed
	ResultFailed
	ResultError
	ResultTimeout
	ResultRacedOut
	ResultStopped
)

var resultNames = map[Result]string{
	ResultSuccess:             "success",
	ResultSuccessCached:       "success_cached",
	ResultSuccessPreprocessed: "success_preprocessed",
	ResultFailed:              "failed",
	ResultError:               "error",
	ResultTimeout:             "timeout",
	ResultRacedOut:            "raced_out",
	ResultStopped:             "stopped",
}

func (r Result) String() string {
	if s, ok := resultNames[r]; ok {
		return s
	}
	return "unknown"
}

func (r Result) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}
