package session

import (
	"fmt"
	"time"
)

// Summary carries a session's identity and aggregates.
type Summary struct {
	ID               string     `json:"id"`
	StartTime        time.Time  `json:"startTime"`
	CurrentTime      time.Time  `json:"currentTime"`
	StoppedAt        *time.Time `json:"stoppedAt,omitempty"`
	Elapsed          float64    `json:"elapsed"`
	ProcessID        int        `json:"processId,omitempty"`
	LogVersion       int        `json:"logVersion,omitempty"`
	Implicit         bool       `json:"implicit"`
	Running          bool       `json:"running"`
	RestoringHistory bool       `json:"restoringHistory"`
	Status           string     `json:"status"`
	Progress         float64    `json:"progress"`
	Successful       int        `json:"successful"`
	CacheHits        int        `json:"cacheHits"`
	Failed           int        `json:"failed"`
	InProgress       int        `json:"inProgress"`
	ActiveWorkers    int        `json:"activeWorkers"`
	ActiveCores      int        `json:"activeCores"`
	WorkerCount      int        `json:"workerCount"`
	JobCount         int        `json:"jobCount"`
	Initiator        *Initiator `json:"initiator,omitempty"`
	Counters         []Counter  `json:"counters,omitempty"`
}

// Snapshot is the full session tree.
type Snapshot struct {
	Summary
	Workers []WorkerSnapshot `json:"workers"`
}

type WorkerSnapshot struct {
	HostName string         `json:"hostName"`
	IsLocal  bool           `json:"isLocal"`
	Cores    []CoreSnapshot `json:"cores"`
}

type CoreSnapshot struct {
	Index int           `json:"index"`
	Busy  bool          `json:"busy"`
	Jobs  []JobSnapshot `json:"jobs"`
}

func statusText(running, restoring bool, progress float64) string {
	switch {
	case restoring:
		return fmt.Sprintf("Loading (%.1f%%)", progress)
	case running:
		return fmt.Sprintf("Building (%.1f%%)", progress)
	default:
		return "Finished"
	}
}

func (s *Session) Summary() Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sum := Summary{
		ID:               s.ID,
		StartTime:        s.StartTime,
		CurrentTime:      s.currentTime,
		Elapsed:          s.currentTime.Sub(s.StartTime).Seconds(),
		ProcessID:        s.Info.ProcessID,
		LogVersion:       s.Info.LogVersion,
		Implicit:         s.Info.Implicit,
		Running:          s.running,
		RestoringHistory: s.restoring,
		Status:           statusText(s.running, s.restoring, s.progress),
		Progress:         s.progress,
		Successful:       s.successful,
		CacheHits:        s.cacheHits,
		Failed:           s.failed,
		InProgress:       s.inProgress,
		ActiveWorkers:    s.activeWorkers,
		ActiveCores:      s.activeCores,
		WorkerCount:      len(s.workerList),
		JobCount:         s.registry.Len(),
	}
	if !s.running {
		stopped := s.stoppedAt
		sum.StoppedAt = &stopped
	}
	if s.initiator != nil {
		in := *s.initiator
		sum.Initiator = &in
	}
	if len(s.counters) > 0 {
		sum.Counters = make([]Counter, len(s.counters))
		copy(sum.Counters, s.counters)
	}
	return sum
}

// Snapshot copies the whole tree. Each collection is copied under its own
// lock, so a concurrent job start may or may not be included.
func (s *Session) Snapshot() Snapshot {
	snap := Snapshot{Summary: s.Summary()}
	for _, w := range s.Workers() {
		ws := WorkerSnapshot{HostName: w.HostName, IsLocal: w.IsLocal}
		for _, c := range w.Cores() {
			cs := CoreSnapshot{Index: c.Index, Busy: c.IsBusy()}
			for _, j := range c.Jobs() {
				cs.Jobs = append(cs.Jobs, j.Snapshot())
			}
			ws.Cores = append(ws.Cores, cs)
		}
		snap.Workers = append(snap.Workers, ws)
	}
	return snap
}
