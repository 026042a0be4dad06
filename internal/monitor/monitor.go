package monitor

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/buildwatch/backend/internal/clock"
	"github.com/buildwatch/backend/internal/config"
	"github.com/buildwatch/backend/internal/initiator"
	"github.com/buildwatch/backend/internal/logwatch"
	"github.com/buildwatch/backend/internal/session"
)

// Monitor turns the orchestrator log into sessions. A single dispatch
// goroutine consumes the watcher's notices in order and drives the current
// session; a tick goroutine refreshes running durations.
type Monitor struct {
	cfg       *config.Config
	store     *session.Store
	watcher   *logwatch.Watcher
	publisher session.Publisher
	clock     clock.Clock
	resolver  *initiator.Resolver // nil disables initiator lookup and process watch
	health    *ingestHealth

	// restoring mirrors the history notices in dispatch order, which may
	// lag the watcher's own flag.
	restoring   atomic.Bool
	lastMessage atomic.Int64 // unix nanos of the last accepted event

	eventsMu          sync.Mutex
	events            chan<- session.Event // nil disables lifecycle events
	eventsDropped     int64
	eventsLastDropLog time.Time
}

func NewMonitor(cfg *config.Config, store *session.Store, watcher *logwatch.Watcher, publisher session.Publisher) *Monitor {
	if publisher == nil {
		publisher = session.PublisherFunc(func(session.Change) {})
	}
	return &Monitor{
		cfg:       cfg,
		store:     store,
		watcher:   watcher,
		publisher: publisher,
		clock:     clock.Real(),
		health:    newIngestHealth(),
	}
}

// SetEvents configures a channel for session lifecycle events. Pass nil to
// disable.
func (m *Monitor) SetEvents(ch chan<- session.Event) {
	m.eventsMu.Lock()
	m.events = ch
	m.eventsMu.Unlock()
}

// SetResolver enables initiator lookup and orchestrator process watching.
func (m *Monitor) SetResolver(r *initiator.Resolver) {
	m.resolver = r
}

func (m *Monitor) SetClock(c clock.Clock) {
	m.clock = c
}

// LastMessageTime is the timestamp of the last event accepted from the log.
func (m *Monitor) LastMessageTime() time.Time {
	ns := m.lastMessage.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}

// IsRestoringHistory reports whether dispatch is replaying pre-existing log
// content.
func (m *Monitor) IsRestoringHistory() bool {
	return m.restoring.Load()
}

// emitEvent sends a lifecycle event if a channel is configured. Uses a
// non-blocking send so a slow consumer never stalls ingestion. Dropped
// events are counted and logged at most once per 10 seconds.
func (m *Monitor) emitEvent(ev session.Event) {
	m.eventsMu.Lock()
	defer m.eventsMu.Unlock()
	if m.events == nil {
		return
	}
	ev.Replay = m.restoring.Load()
	select {
	case m.events <- ev:
	default:
		m.eventsDropped++
		m.health.recordDroppedEvent()
		now := time.Now()
		if m.eventsLastDropLog.IsZero() || now.Sub(m.eventsLastDropLog) >= 10*time.Second {
			log.Printf("Session events dropped: %d (channel full)", m.eventsDropped)
			m.eventsDropped = 0
			m.eventsLastDropLog = now
		}
	}
}

func (m *Monitor) emitSession(t session.EventType, s *session.Session) {
	sum := s.Summary()
	m.emitEvent(session.Event{Type: t, SessionID: s.ID, Summary: &sum})
}

// Start runs the watcher, the tick driver and the dispatch loop until ctx
// is cancelled.
func (m *Monitor) Start(ctx context.Context) {
	m.watcher.Start(ctx)
	go m.runTicker(ctx)

	log.Printf("Monitor started on %s", m.watcher.Path())

	notices := m.watcher.Notices()
	for {
		select {
		case <-ctx.Done():
			log.Println("Monitor stopped")
			return
		case n := <-notices:
			m.dispatch(ctx, n)
		}
	}
}

// Health reports ingestion counters.
func (m *Monitor) Health() Health {
	h := m.health.snapshot()
	h.LogPath = m.watcher.Path()
	h.Watcher = m.watcher.Stats()
	h.RestoringHistory = m.restoring.Load()
	h.Sessions = len(m.store.GetAll())
	h.ActiveSessions = m.store.ActiveCount()
	if t := m.LastMessageTime(); !t.IsZero() {
		h.LastMessage = &t
	}
	return h
}

// attach resolves the initiator of a live session and, when enabled,
// stops the session once its orchestrator process exits.
func (m *Monitor) attach(ctx context.Context, s *session.Session) {
	if m.resolver == nil || s.Info.ProcessID <= 0 {
		return
	}
	go func() {
		if m.cfg.Watcher.ResolveInitiator {
			info := m.resolver.Resolve(ctx, s.Info.ProcessID)
			s.SetInitiator(session.Initiator{PID: info.PID, Name: info.Name, Result: info.Result.String()})
		}
		if !m.cfg.Watcher.WatchProcess {
			return
		}
		m.resolver.Watch(ctx, s.Info.ProcessID, s.StartTime, func(at time.Time) {
			if s.Stop(at) {
				log.Printf("Orchestrator process %d exited without STOP_BUILD, session %s stopped", s.Info.ProcessID, s.ID)
				m.emitSession(session.EventSessionStopped, s)
			}
		})
	}()
}
