package monitor

import (
	"context"
	"time"

	"github.com/buildwatch/backend/internal/buildlog"
	"github.com/buildwatch/backend/internal/logwatch"
	"github.com/buildwatch/backend/internal/session"
)

// dispatch applies one watcher notice. Only the dispatch goroutine calls
// it, so notices are applied strictly in log order.
func (m *Monitor) dispatch(ctx context.Context, n logwatch.Notice) {
	switch n.Kind {
	case logwatch.NoticeLine:
		m.handleLine(ctx, n.Line)

	case logwatch.NoticeHistoryStarted:
		m.restoring.Store(true)
		if cur := m.store.Current(); cur != nil {
			cur.SetRestoringHistory(true)
		}
		m.emitEvent(session.Event{Type: session.EventHistoryStarted})

	case logwatch.NoticeHistoryEnded:
		m.restoring.Store(false)
		m.emitEvent(session.Event{Type: session.EventHistoryEnded})
		cur := m.store.Current()
		if cur == nil {
			return
		}
		if cur.SetRestoringHistory(false) {
			m.emitSession(session.EventSessionStopped, cur)
			return
		}
		if cur.IsRunning() {
			m.attach(ctx, cur)
		}

	case logwatch.NoticeReset:
		m.health.recordReset()
		m.emitEvent(session.Event{Type: session.EventLogReset})
	}
}

func (m *Monitor) handleLine(ctx context.Context, line string) {
	ev, err := buildlog.Parse(line, m.clock.Now())
	if err != nil {
		m.health.recordIgnored(err)
		return
	}

	switch e := ev.(type) {
	case buildlog.StartBuild:
		m.accept(e.Time)
		m.openSession(ctx, e.Time, session.Info{ProcessID: e.ProcessID, LogVersion: e.LogVersion})

	case buildlog.StopBuild:
		cur := m.store.Current()
		if cur == nil {
			m.health.recordIgnored(errNoSession)
			return
		}
		m.accept(e.Time)
		if cur.Stop(e.Time) {
			m.emitSession(session.EventSessionStopped, cur)
		}

	case buildlog.StartJob:
		m.accept(e.Time)
		cur := m.runningSession(ctx, e.Time)
		job := cur.OnJobStarted(e.HostName, e.EventName, e.Time)
		m.emitJob(session.EventJobStarted, cur, job)

	case buildlog.FinishJob:
		cur := m.store.Current()
		if cur == nil {
			m.health.recordIgnored(errNoSession)
			return
		}
		m.accept(e.Time)
		if job := cur.OnJobFinished(e.HostName, e.EventName, e.Time, statusFor(e.Result), e.Message); job != nil {
			m.emitJob(session.EventJobFinished, cur, job)
		}

	case buildlog.ReportProgress:
		m.accept(e.Time)
		cur := m.runningSession(ctx, e.Time)
		cur.ReportProgress(e.Time, e.Progress)
		m.emitSession(session.EventProgress, cur)

	case buildlog.ReportCounter:
		m.accept(e.Time)
		cur := m.runningSession(ctx, e.Time)
		cur.ReportCounter(e.Time, e.GroupName, e.CounterName, e.UnitTag, e.Value)
		m.emitEvent(session.Event{Type: session.EventCounter, SessionID: cur.ID, Counter: &session.Counter{
			Group: e.GroupName,
			Name:  e.CounterName,
			Unit:  e.UnitTag,
			Value: e.Value,
		}})
	}
}

func (m *Monitor) accept(at time.Time) {
	m.health.recordAccepted()
	m.lastMessage.Store(at.UnixNano())
}

// runningSession returns the current session, opening one that starts at
// at when there is none or the current one has stopped.
func (m *Monitor) runningSession(ctx context.Context, at time.Time) *session.Session {
	if cur := m.store.Current(); cur != nil && cur.IsRunning() {
		return cur
	}
	return m.openSession(ctx, at, session.Info{Implicit: true})
}

// openSession stops the current session at at and replaces it.
func (m *Monitor) openSession(ctx context.Context, at time.Time, info session.Info) *session.Session {
	if prev := m.store.Current(); prev != nil {
		if prev.Stop(at) {
			m.emitSession(session.EventSessionStopped, prev)
		}
		// A replaced session never sees the end of history, so clear the
		// flag here to settle its counters.
		prev.SetRestoringHistory(false)
	}

	restoring := m.restoring.Load()
	s := session.New(at, info, session.Options{
		Clock:            m.clock,
		Publisher:        m.publisher,
		LocalWorker:      m.localWorker,
		DebrisThreshold:  m.cfg.Watcher.DebrisThreshold,
		RestoringHistory: restoring,
	})
	m.store.Add(s)
	m.emitSession(session.EventSessionStarted, s)
	if !restoring {
		m.attach(ctx, s)
	}
	return s
}

func (m *Monitor) localWorker() string {
	return m.cfg.Watcher.LocalWorker
}

func (m *Monitor) emitJob(t session.EventType, s *session.Session, j *session.Job) {
	snap := j.Snapshot()
	m.emitEvent(session.Event{Type: t, SessionID: s.ID, Job: &snap})
}

// statusFor maps a logged result onto the terminal job status.
func statusFor(r buildlog.Result) session.JobStatus {
	switch r {
	case buildlog.ResultSuccess:
		return session.Success
	case buildlog.ResultSuccessCached:
		return session.SuccessCached
	case buildlog.ResultSuccessPreprocessed:
		return session.SuccessPreprocessed
	case buildlog.ResultFailed:
		return session.Failed
	case buildlog.ResultTimeout:
		return session.Timeout
	case buildlog.ResultRacedOut:
		return session.RacedOut
	case buildlog.ResultStopped:
		return session.Stopped
	default:
		return session.Error
	}
}
