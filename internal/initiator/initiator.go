// Package initiator finds the process that launched a build orchestrator
// and watches the orchestrator for exit.
package initiator

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"
)

// Result classifies how far an ancestry lookup got.
type Result int

const (
	Success Result = iota
	Exited
	AccessDenied
)

var resultNames = map[Result]string{
	Success:      "success",
	Exited:       "exited",
	AccessDenied: "access_denied",
}

func (r Result) String() string {
	if n, ok := resultNames[r]; ok {
		return n
	}
	return "unknown"
}

func (r Result) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

// Info names the initiator. PID is -1 when it could not be determined.
type Info struct {
	PID    int    `json:"pid"`
	Name   string `json:"name"`
	Result Result `json:"result"`
}

const (
	maxDepth             = 64
	DefaultWatchInterval = 100 * time.Millisecond
)

// Resolver walks process ancestry. The zero value is not usable; call New.
type Resolver struct {
	procs    table
	interval time.Duration
}

// New returns a Resolver backed by the operating system's process table.
func New() *Resolver {
	return &Resolver{procs: systemTable{}, interval: DefaultWatchInterval}
}

// Resolve names the process that started pid. It never fails: problems are
// reported through Info.Result.
func (r *Resolver) Resolve(ctx context.Context, pid int) Info {
	if pid <= 0 {
		return Info{PID: -1, Name: "Unknown process", Result: Exited}
	}

	id, result := r.initiatorOf(ctx, pid)
	switch result {
	case Success:
		p, err := r.procs.lookup(ctx, id)
		if err != nil {
			return Info{PID: -1, Name: "Unknown process (exited)", Result: Exited}
		}
		return Info{PID: id, Name: baseName(p.Name), Result: Success}
	case AccessDenied:
		return Info{PID: id, Name: "Unknown process (access denied)", Result: AccessDenied}
	default:
		return Info{PID: id, Name: "Unknown process (exited)", Result: Exited}
	}
}

func (r *Resolver) initiatorOf(ctx context.Context, pid int) (int, Result) {
	cur, err := r.procs.lookup(ctx, pid)
	if errors.Is(err, ErrAccessDenied) {
		return -1, AccessDenied
	}
	if err != nil {
		return -1, Exited
	}

	parent, err := r.procs.lookup(ctx, cur.PPID)
	if errors.Is(err, ErrAccessDenied) {
		return -1, AccessDenied
	}
	// A missing parent, or a newer process that reused its pid, means the
	// orchestrator detached itself through a wrapper chain.
	if err != nil || parent.Started.After(cur.Started) {
		return r.wrappedInitiator(ctx, cur)
	}
	return r.root(ctx, cur), Success
}

// wrappedInitiator picks the same-named process that started closest
// before cur and walks up from there.
func (r *Resolver) wrappedInitiator(ctx context.Context, cur proc) (int, Result) {
	all, err := r.procs.list(ctx)
	if err != nil {
		log.Printf("Warning: initiator lookup for pid %d: %v", cur.PID, err)
		return -1, Exited
	}

	var candidate *proc
	var best time.Duration
	for i := range all {
		p := all[i]
		if p.PID == cur.PID || baseName(p.Name) != baseName(cur.Name) {
			continue
		}
		delta := cur.Started.Sub(p.Started)
		if delta < 0 {
			continue
		}
		if candidate == nil || delta < best {
			candidate, best = &all[i], delta
		}
	}
	if candidate == nil {
		return -1, Exited
	}
	return r.root(ctx, *candidate), Success
}

// root climbs from p until it runs out of ancestors or hits a shell-like
// boundary. A devenv parent is taken as the initiator itself; explorer
// marks the child as the initiator.
func (r *Resolver) root(ctx context.Context, p proc) int {
	for depth := 0; depth < maxDepth; depth++ {
		if p.PPID <= 0 || p.PPID == p.PID {
			return p.PID
		}
		parent, err := r.procs.lookup(ctx, p.PPID)
		if err != nil || parent.Started.After(p.Started) {
			return p.PID
		}
		switch baseName(parent.Name) {
		case "devenv":
			return parent.PID
		case "explorer":
			return p.PID
		}
		p = parent
	}
	return p.PID
}

// Watch polls pid until it exits and then calls onExit once with the time
// the exit was noticed. It returns false without watching when the process
// is gone, cannot be inspected, or started after sessionStart (its pid was
// reused). Watching ends early when ctx is cancelled.
func (r *Resolver) Watch(ctx context.Context, pid int, sessionStart time.Time, onExit func(time.Time)) bool {
	p, err := r.procs.lookup(ctx, pid)
	if err != nil || p.Started.After(sessionStart) {
		return false
	}

	go func() {
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cur, err := r.procs.lookup(ctx, pid)
				if errors.Is(err, ErrAccessDenied) {
					continue
				}
				if err != nil || !cur.Started.Equal(p.Started) {
					if ctx.Err() != nil {
						return
					}
					onExit(time.Now())
					return
				}
			}
		}
	}()
	return true
}
