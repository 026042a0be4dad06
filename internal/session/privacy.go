package session

import (
	"crypto/sha256"
	"fmt"
	"path"
	"strings"
)

// PrivacyFilter masks identifying details in snapshots before they leave
// the process. The zero value is a no-op filter.
type PrivacyFilter struct {
	MaskPaths     bool // reduce event names and diagnostic paths to base names
	MaskHostNames bool // replace remote worker names with a stable hash
	MaskPIDs      bool
}

// IsNoop reports whether the filter does nothing.
func (f *PrivacyFilter) IsNoop() bool {
	return f == nil || (!f.MaskPaths && !f.MaskHostNames && !f.MaskPIDs)
}

// ApplySummary returns a masked copy of sum.
func (f *PrivacyFilter) ApplySummary(sum Summary) Summary {
	if f.IsNoop() {
		return sum
	}
	if f.MaskPIDs {
		sum.ProcessID = 0
		if sum.Initiator != nil {
			in := *sum.Initiator
			in.PID = 0
			sum.Initiator = &in
		}
	}
	return sum
}

// ApplySnapshot returns a masked deep copy of snap. Local workers keep
// their name.
func (f *PrivacyFilter) ApplySnapshot(snap Snapshot) Snapshot {
	if f.IsNoop() {
		return snap
	}
	out := Snapshot{Summary: f.ApplySummary(snap.Summary)}
	for _, w := range snap.Workers {
		mw := WorkerSnapshot{HostName: w.HostName, IsLocal: w.IsLocal}
		if f.MaskHostNames && !w.IsLocal {
			mw.HostName = shortHash(w.HostName)
		}
		for _, c := range w.Cores {
			mc := CoreSnapshot{Index: c.Index, Busy: c.Busy}
			for _, j := range c.Jobs {
				j.HostName = mw.HostName
				mc.Jobs = append(mc.Jobs, f.maskJob(j))
			}
			mw.Cores = append(mw.Cores, mc)
		}
		out.Workers = append(out.Workers, mw)
	}
	return out
}

// ApplyChange masks the job carried by c, if any. local reports whether
// a host name belongs to a local worker.
func (f *PrivacyFilter) ApplyChange(c Change, local func(host string) bool) Change {
	if f.IsNoop() || c.Job == nil {
		return c
	}
	j := *c.Job
	if f.MaskHostNames && (local == nil || !local(j.HostName)) {
		j.HostName = shortHash(j.HostName)
	}
	j = f.maskJob(j)
	c.Job = &j
	return c
}

func (f *PrivacyFilter) maskJob(j JobSnapshot) JobSnapshot {
	if !f.MaskPaths {
		return j
	}
	j.EventName = j.DisplayName
	if len(j.ErrorGroups) > 0 {
		groups := make([]ErrorGroup, len(j.ErrorGroups))
		for i, g := range j.ErrorGroups {
			mg := ErrorGroup{FilePath: basePath(g.FilePath)}
			for _, e := range g.Errors {
				e.FilePath = mg.FilePath
				mg.Errors = append(mg.Errors, e)
			}
			groups[i] = mg
		}
		j.ErrorGroups = groups
	}
	return j
}

// basePath handles both separators regardless of the host OS.
func basePath(p string) string {
	return path.Base(strings.ReplaceAll(p, `\`, "/"))
}

// shortHash returns a truncated SHA-256 hex digest for an opaque identifier.
func shortHash(s string) string {
	h := sha256.Sum256([]byte(s))
	return fmt.Sprintf("%x", h[:6])
}
