package session

import (
	"sync"
	"time"
)

// Core is one execution slot on a Worker. It runs at most one job at a
// time; the running job sits in the current slot.
type Core struct {
	Index  int
	worker *Worker

	mu      sync.RWMutex
	jobs    []*Job
	current *Job
}

func (c *Core) Worker() *Worker { return c.worker }

// Jobs returns the jobs run on c, oldest first.
func (c *Core) Jobs() []*Job {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Job, len(c.jobs))
	copy(out, c.jobs)
	return out
}

// CurrentJob is the job running on c, or nil when c is idle.
func (c *Core) CurrentJob() *Job {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

func (c *Core) IsBusy() bool {
	return c.CurrentJob() != nil
}

// start appends a new Building job, links it after the previous one and
// occupies the current slot. The caller guarantees c is idle.
func (c *Core) start(id int, eventName string, at, sessionStart time.Time) *Job {
	c.mu.Lock()
	defer c.mu.Unlock()

	job := newJob(id, c, eventName, at, sessionStart)
	if n := len(c.jobs); n > 0 {
		job.prev = c.jobs[n-1]
		job.prev.setNext(job)
	}
	c.jobs = append(c.jobs, job)
	c.current = job
	return job
}

// runs reports whether the current job carries eventName.
func (c *Core) runs(eventName string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current != nil && c.current.EventName == eventName
}

// release empties the current slot if it still holds job.
func (c *Core) release(job *Job) {
	c.mu.Lock()
	if c.current == job {
		c.current = nil
	}
	c.mu.Unlock()
}

// stop terminates the running job, if any, and empties the slot.
func (c *Core) stop(offset float64) *Job {
	c.mu.Lock()
	defer c.mu.Unlock()

	job := c.current
	c.current = nil
	if job != nil && job.stop(offset) {
		return job
	}
	return nil
}
