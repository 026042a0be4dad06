package session

import "sync"

// Registry is the flat, insertion-ordered index of every job in a session.
// It exists for race lookups across workers.
type Registry struct {
	mu     sync.RWMutex
	jobs   []*Job
	byName map[string][]*Job
}

func NewRegistry() *Registry {
	return &Registry{byName: make(map[string][]*Job)}
}

func (r *Registry) Add(j *Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, j)
	r.byName[j.EventName] = append(r.byName[j.EventName], j)
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.jobs)
}

// All returns every registered job in insertion order.
func (r *Registry) All() []*Job {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Job, len(r.jobs))
	copy(out, r.jobs)
	return out
}

// Racers returns the other Building jobs that share finished's event name
// and started strictly after it. Only the name and start order are
// compared, so two unrelated jobs that happen to share a name also match.
func (r *Registry) Racers(finished *Job) []*Job {
	r.mu.RLock()
	candidates := r.byName[finished.EventName]
	same := make([]*Job, len(candidates))
	copy(same, candidates)
	r.mu.RUnlock()

	var out []*Job
	for _, j := range same {
		if j == finished || j.Status() != Building {
			continue
		}
		if j.StartTime.After(finished.StartTime) {
			out = append(out, j)
		}
	}
	return out
}
