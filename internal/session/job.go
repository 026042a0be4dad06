package session

import (
	"strings"
	"sync"
	"time"
)

// Job is one unit of work executed on a Core.
type Job struct {
	ID          int
	EventName   string
	DisplayName string
	StartTime   time.Time
	StartOffset float64 // seconds since session start

	core *Core
	prev *Job

	mu      sync.RWMutex
	next    *Job
	status  JobStatus
	elapsed float64
	message string
	groups  []ErrorGroup
}

func newJob(id int, core *Core, eventName string, start time.Time, sessionStart time.Time) *Job {
	return &Job{
		ID:          id,
		EventName:   eventName,
		DisplayName: displayName(eventName),
		StartTime:   start,
		StartOffset: start.Sub(sessionStart).Seconds(),
		core:        core,
		status:      Building,
	}
}

// displayName strips any directory from an event name. Both separators
// are honoured since the orchestrator runs on Windows.
func displayName(eventName string) string {
	if i := strings.LastIndexAny(eventName, `/\`); i >= 0 && i < len(eventName)-1 {
		return eventName[i+1:]
	}
	return eventName
}

func (j *Job) Core() *Core { return j.core }

// Previous is the job that ran before j on the same core.
func (j *Job) Previous() *Job { return j.prev }

// Next is the job that ran after j on the same core, if any.
func (j *Job) Next() *Job {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.next
}

func (j *Job) Status() JobStatus {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.status
}

// Elapsed is the job's duration in seconds. While Building it is refreshed
// by Session.TickOffset.
func (j *Job) Elapsed() float64 {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.elapsed
}

// Message is the raw finish message, empty when it parsed into error groups.
func (j *Job) Message() string {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.message
}

func (j *Job) ErrorGroups() []ErrorGroup {
	j.mu.RLock()
	defer j.mu.RUnlock()
	out := make([]ErrorGroup, len(j.groups))
	copy(out, j.groups)
	return out
}

func (j *Job) setNext(n *Job) {
	j.mu.Lock()
	j.next = n
	j.mu.Unlock()
}

// finish moves a Building job into a terminal status. It returns false
// and leaves the job untouched if it already terminated.
func (j *Job) finish(at time.Time, status JobStatus, message *string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.status.IsTerminal() {
		return false
	}
	j.status = status
	j.elapsed = at.Sub(j.StartTime).Seconds()
	if message != nil {
		text := normalizeMessage(*message)
		if groups := ParseErrorGroups(text); len(groups) > 0 {
			j.groups = groups
			j.message = ""
		} else {
			j.message = text
		}
	}
	return true
}

// stop forces a Building job into Stopped at the given session offset.
func (j *Job) stop(offset float64) bool {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.status.IsTerminal() {
		return false
	}
	j.status = Stopped
	j.elapsed = offset - j.StartOffset
	return true
}

// tick refreshes the elapsed time of a Building job. Terminal jobs keep
// the duration they finished with.
func (j *Job) tick(offset float64) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.status == Building {
		j.elapsed = offset - j.StartOffset
	}
}

// JobSnapshot is a point-in-time copy of a Job for serialization.
type JobSnapshot struct {
	ID          int          `json:"id"`
	HostName    string       `json:"hostName"`
	Core        int          `json:"core"`
	EventName   string       `json:"eventName"`
	DisplayName string       `json:"displayName"`
	Status      JobStatus    `json:"status"`
	StartTime   time.Time    `json:"startTime"`
	StartOffset float64      `json:"startOffset"`
	Elapsed     float64      `json:"elapsed"`
	Message     string       `json:"message,omitempty"`
	ErrorGroups []ErrorGroup `json:"errorGroups,omitempty"`
}

func (j *Job) Snapshot() JobSnapshot {
	snap := JobSnapshot{
		ID:          j.ID,
		EventName:   j.EventName,
		DisplayName: j.DisplayName,
		StartTime:   j.StartTime,
		StartOffset: j.StartOffset,
	}
	if j.core != nil {
		snap.Core = j.core.Index
		if j.core.worker != nil {
			snap.HostName = j.core.worker.HostName
		}
	}

	j.mu.RLock()
	defer j.mu.RUnlock()
	snap.Status = j.status
	snap.Elapsed = j.elapsed
	snap.Message = j.message
	if len(j.groups) > 0 {
		snap.ErrorGroups = make([]ErrorGroup, len(j.groups))
		copy(snap.ErrorGroups, j.groups)
	}
	return snap
}
