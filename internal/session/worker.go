package session

import (
	"sync"
	"time"
)

// Worker is a machine contributing cores to a build.
type Worker struct {
	HostName string
	IsLocal  bool

	mu    sync.RWMutex
	cores []*Core
}

func newWorker(hostName string, local bool) *Worker {
	return &Worker{HostName: hostName, IsLocal: local}
}

// Cores returns the worker's cores in creation order.
func (w *Worker) Cores() []*Core {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]*Core, len(w.cores))
	copy(out, w.cores)
	return out
}

// ActiveCores counts the cores currently running a job.
func (w *Worker) ActiveCores() int {
	n := 0
	for _, c := range w.Cores() {
		if c.IsBusy() {
			n++
		}
	}
	return n
}

// startJob places a new job on the first idle core, growing the core list
// when every core is busy.
func (w *Worker) startJob(id int, eventName string, at, sessionStart time.Time) *Job {
	w.mu.Lock()
	defer w.mu.Unlock()

	var core *Core
	for _, c := range w.cores {
		if !c.IsBusy() {
			core = c
			break
		}
	}
	if core == nil {
		core = &Core{Index: len(w.cores), worker: w}
		w.cores = append(w.cores, core)
	}
	return core.start(id, eventName, at, sessionStart)
}

// coreRunning finds the core whose current job carries eventName.
func (w *Worker) coreRunning(eventName string) *Core {
	w.mu.RLock()
	defer w.mu.RUnlock()
	for _, c := range w.cores {
		if c.runs(eventName) {
			return c
		}
	}
	return nil
}
