package session

import (
	"log"
	"strings"
	"sync"
	"time"

	"github.com/buildwatch/backend/internal/clock"
	"github.com/google/uuid"
)

// DefaultDebrisThreshold is how stale a session's last event may be when
// history restoration ends before the session is treated as abandoned.
const DefaultDebrisThreshold = 10 * time.Second

// Options configure a Session's collaborators. Zero values are usable.
type Options struct {
	Clock           clock.Clock
	Publisher       Publisher
	LocalWorker     func() string
	DebrisThreshold time.Duration

	// RestoringHistory opens the session in history-restoration mode.
	RestoringHistory bool
}

// Info identifies how a session was opened.
type Info struct {
	ProcessID  int
	LogVersion int
	Implicit   bool // opened by a job or report with no START_BUILD
}

// Initiator describes the process that launched the orchestrator.
type Initiator struct {
	PID    int    `json:"pid"`
	Name   string `json:"name"`
	Result string `json:"result"`
}

// Counter is the latest value reported for one GRAPH series.
type Counter struct {
	Group string  `json:"group"`
	Name  string  `json:"name"`
	Unit  string  `json:"unit"`
	Value float64 `json:"value"`
}

// Session is one build run: the worker, core and job hierarchy plus the
// aggregates derived from it. Ingestion and the tick driver may call into
// a Session concurrently.
type Session struct {
	ID        string
	StartTime time.Time
	Info      Info

	clock       clock.Clock
	publisher   Publisher
	localWorker func() string
	debris      time.Duration
	registry    *Registry

	mu            sync.RWMutex
	workers       map[string]*Worker
	workerList    []*Worker
	currentTime   time.Time
	lastEvent     time.Time
	stoppedAt     time.Time
	running       bool
	restoring     bool
	progress      float64
	successful    int
	cacheHits     int
	failed        int
	inProgress    int
	activeWorkers int
	activeCores   int
	counters      []Counter
	initiator     *Initiator
}

// New opens a running session that starts at start.
func New(start time.Time, info Info, opts Options) *Session {
	s := &Session{
		ID:          uuid.NewString(),
		StartTime:   start,
		Info:        info,
		clock:       opts.Clock,
		publisher:   opts.Publisher,
		localWorker: opts.LocalWorker,
		debris:      opts.DebrisThreshold,
		registry:    NewRegistry(),
		workers:     make(map[string]*Worker),
		currentTime: start,
		lastEvent:   start,
		running:     true,
		restoring:   opts.RestoringHistory,
	}
	if s.clock == nil {
		s.clock = clock.Real()
	}
	if s.publisher == nil {
		s.publisher = discard{}
	}
	if s.debris <= 0 {
		s.debris = DefaultDebrisThreshold
	}
	return s
}

// Registry exposes the session's job index.
func (s *Session) Registry() *Registry { return s.registry }

func (s *Session) publish(changes []Change) {
	for _, c := range changes {
		s.publisher.Publish(c)
	}
}

// batch accumulates changes while the session lock is held.
type batch struct {
	s   *Session
	out []Change
}

func (b *batch) prop(p Property, v any) {
	b.out = append(b.out, Change{SessionID: b.s.ID, Property: p, Value: v})
}

// counter records a counter change unless history is being restored.
func (b *batch) counter(p Property, v int) {
	if !b.s.restoring {
		b.prop(p, v)
	}
}

func (b *batch) job(j *Job) {
	if b.s.restoring {
		return
	}
	snap := j.Snapshot()
	b.out = append(b.out, Change{SessionID: b.s.ID, Job: &snap})
}

// observeLocked advances the session's virtual time to an event's
// timestamp. Time never moves backwards.
func (s *Session) observeLocked(at time.Time) {
	if at.After(s.lastEvent) {
		s.lastEvent = at
	}
	if at.After(s.currentTime) {
		s.currentTime = at
	}
}

func (s *Session) isLocal(hostName string) bool {
	if s.localWorker != nil {
		if name := s.localWorker(); name != "" {
			return strings.EqualFold(name, hostName)
		}
	}
	return len(s.workerList) == 0
}

// EnsureWorker returns the worker for hostName, creating it on first use.
func (s *Session) EnsureWorker(hostName string) *Worker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ensureWorkerLocked(hostName)
}

func (s *Session) ensureWorkerLocked(hostName string) *Worker {
	if w, ok := s.workers[hostName]; ok {
		return w
	}
	w := newWorker(hostName, s.isLocal(hostName))
	s.workers[hostName] = w
	s.workerList = append(s.workerList, w)
	return w
}

// Workers returns the session's workers in creation order.
func (s *Session) Workers() []*Worker {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Worker, len(s.workerList))
	copy(out, s.workerList)
	return out
}

// OnJobStarted places a new Building job on hostName's first idle core.
// A job arriving after the session stopped is recorded as Stopped.
func (s *Session) OnJobStarted(hostName, eventName string, at time.Time) *Job {
	b := &batch{s: s}

	s.mu.Lock()
	s.observeLocked(at)
	w := s.ensureWorkerLocked(hostName)
	job := w.startJob(s.registry.Len(), eventName, at, s.StartTime)
	s.registry.Add(job)
	s.inProgress++
	if !s.running {
		job.stop(s.currentTime.Sub(s.StartTime).Seconds())
		job.core.release(job)
		s.inProgress--
	}
	b.counter(PropInProgress, s.inProgress)
	s.refreshActiveLocked(b)
	b.job(job)
	s.mu.Unlock()

	s.publish(b.out)
	return job
}

// OnJobFinished terminates the job running eventName on hostName and
// races out any later duplicates of it. It returns nil when no such job is
// running.
func (s *Session) OnJobFinished(hostName, eventName string, at time.Time, status JobStatus, message *string) *Job {
	if !status.IsTerminal() {
		status = Error
	}
	b := &batch{s: s}

	s.mu.Lock()
	s.observeLocked(at)
	w, ok := s.workers[hostName]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	core := w.coreRunning(eventName)
	if core == nil {
		s.mu.Unlock()
		return nil
	}
	job := core.CurrentJob()
	if !job.finish(at, status, message) {
		s.mu.Unlock()
		return nil
	}
	core.release(job)
	b.job(job)

	for _, racer := range s.registry.Racers(job) {
		if racer.finish(at, RacedOut, nil) {
			racer.core.release(racer)
			s.inProgress--
			b.job(racer)
		}
	}

	switch status {
	case Success, SuccessPreprocessed:
		s.successful++
		b.counter(PropSuccessful, s.successful)
	case SuccessCached:
		s.successful++
		s.cacheHits++
		b.counter(PropSuccessful, s.successful)
		b.counter(PropCacheHits, s.cacheHits)
	case Failed, Error, Timeout:
		s.failed++
		b.counter(PropFailed, s.failed)
	}
	s.inProgress--
	b.counter(PropInProgress, s.inProgress)
	s.refreshActiveLocked(b)
	s.mu.Unlock()

	s.publish(b.out)
	return job
}

func (s *Session) refreshActiveLocked(b *batch) {
	workers, cores := 0, 0
	for _, w := range s.workerList {
		n := w.ActiveCores()
		if n > 0 {
			workers++
			cores += n
		}
	}
	if workers != s.activeWorkers {
		s.activeWorkers = workers
		b.counter(PropActiveWorkers, workers)
	}
	if cores != s.activeCores {
		s.activeCores = cores
		b.counter(PropActiveCores, cores)
	}
}

// TickOffset recomputes the elapsed time of every Building job as offset
// seconds after session start. Only a core's current job can be Building.
func (s *Session) TickOffset(offset float64) {
	for _, w := range s.Workers() {
		for _, c := range w.Cores() {
			if j := c.CurrentJob(); j != nil {
				j.tick(offset)
			}
		}
	}
}

// Tick advances a live session's clock to now and refreshes running
// durations. It does nothing while history is restored or after stop.
func (s *Session) Tick(now time.Time) {
	s.mu.Lock()
	if !s.running || s.restoring {
		s.mu.Unlock()
		return
	}
	moved := now.After(s.currentTime)
	if moved {
		s.currentTime = now
	}
	offset := s.currentTime.Sub(s.StartTime).Seconds()
	current := s.currentTime
	s.mu.Unlock()

	s.TickOffset(offset)
	if moved {
		s.publisher.Publish(Change{SessionID: s.ID, Property: PropCurrentTime, Value: current})
	}
}

// Stop ends the session at at. Every unfinished job becomes Stopped and
// every core goes idle. Stopping twice has no effect.
func (s *Session) Stop(at time.Time) bool {
	s.Tick(at)

	b := &batch{s: s}
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return false
	}
	if at.After(s.currentTime) {
		s.currentTime = at
	}
	s.running = false
	s.stoppedAt = at
	offset := at.Sub(s.StartTime).Seconds()
	for _, w := range s.workerList {
		for _, c := range w.Cores() {
			if j := c.stop(offset); j != nil {
				b.job(j)
			}
		}
	}
	s.inProgress = 0
	b.counter(PropInProgress, 0)
	s.refreshActiveLocked(b)
	b.prop(PropRunning, false)
	s.mu.Unlock()

	s.publish(b.out)
	return true
}

// SetRestoringHistory toggles history-restoration mode. When it ends the
// held-back counters are republished once, and a running session whose
// last event is older than the debris threshold is stopped. It reports
// whether that happened.
func (s *Session) SetRestoringHistory(restoring bool) (stoppedAsDebris bool) {
	b := &batch{s: s}

	s.mu.Lock()
	if s.restoring == restoring {
		s.mu.Unlock()
		return false
	}
	s.restoring = restoring
	b.prop(PropRestoringHistory, restoring)
	if !restoring {
		values := map[Property]int{
			PropSuccessful:    s.successful,
			PropCacheHits:     s.cacheHits,
			PropFailed:        s.failed,
			PropInProgress:    s.inProgress,
			PropActiveWorkers: s.activeWorkers,
			PropActiveCores:   s.activeCores,
		}
		for _, p := range counterProperties {
			b.prop(p, values[p])
		}
	}
	debris := !restoring && s.running && s.clock.Now().Sub(s.lastEvent) > s.debris
	at := s.currentTime
	s.mu.Unlock()

	s.publish(b.out)
	if debris {
		log.Printf("Session %s looks abandoned (last event %s), stopping", s.ID, at.Format(time.RFC3339))
		return s.Stop(at)
	}
	return false
}

// ReportProgress records the orchestrator's completion percentage.
func (s *Session) ReportProgress(at time.Time, progress float64) {
	s.mu.Lock()
	s.observeLocked(at)
	changed := s.progress != progress
	s.progress = progress
	s.mu.Unlock()

	if changed {
		s.publisher.Publish(Change{SessionID: s.ID, Property: PropProgress, Value: progress})
	}
}

// ReportCounter records the latest value of a GRAPH series.
func (s *Session) ReportCounter(at time.Time, group, name, unit string, value float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observeLocked(at)
	for i := range s.counters {
		if s.counters[i].Group == group && s.counters[i].Name == name {
			s.counters[i].Unit = unit
			s.counters[i].Value = value
			return
		}
	}
	s.counters = append(s.counters, Counter{Group: group, Name: name, Unit: unit, Value: value})
}

func (s *Session) SetInitiator(in Initiator) {
	s.mu.Lock()
	s.initiator = &in
	s.mu.Unlock()
}

func (s *Session) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func (s *Session) IsRestoringHistory() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.restoring
}

func (s *Session) CurrentTime() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentTime
}

// IsLocalWorker reports whether hostName is a known local worker.
func (s *Session) IsLocalWorker(hostName string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workers[hostName]
	return ok && w.IsLocal
}
