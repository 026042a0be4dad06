package monitor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/buildwatch/backend/internal/buildlog"
	"github.com/buildwatch/backend/internal/clock"
	"github.com/buildwatch/backend/internal/config"
	"github.com/buildwatch/backend/internal/logwatch"
	"github.com/buildwatch/backend/internal/session"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type changeLog struct {
	mu      sync.Mutex
	changes []session.Change
}

func (c *changeLog) Publish(ch session.Change) {
	c.mu.Lock()
	c.changes = append(c.changes, ch)
	c.mu.Unlock()
}

func (c *changeLog) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.changes)
}

type testMonitor struct {
	*Monitor
	clock   *clock.Fake
	changes *changeLog
	events  chan session.Event
}

func newTestMonitor(t *testing.T) *testMonitor {
	t.Helper()
	cfg := config.Default()
	path := filepath.Join(t.TempDir(), "FastBuildLog.log")
	changes := &changeLog{}
	m := NewMonitor(cfg, session.NewStore(0), logwatch.New(path), changes)
	fake := clock.NewFake(t0)
	m.SetClock(fake)
	events := make(chan session.Event, 256)
	m.SetEvents(events)
	return &testMonitor{Monitor: m, clock: fake, changes: changes, events: events}
}

// ft renders a log timestamp seconds after t0.
func ft(seconds int) string {
	return fmt.Sprint(buildlog.ToFiletime(t0.Add(time.Duration(seconds) * time.Second)))
}

func at(seconds int) time.Time {
	return t0.Add(time.Duration(seconds) * time.Second)
}

func (tm *testMonitor) feed(lines ...string) {
	for _, l := range lines {
		tm.dispatch(context.Background(), logwatch.Notice{Kind: logwatch.NoticeLine, Line: l})
	}
}

func (tm *testMonitor) notice(kind logwatch.NoticeKind) {
	tm.dispatch(context.Background(), logwatch.Notice{Kind: kind})
}

func (tm *testMonitor) drainEvents() []session.Event {
	var out []session.Event
	for {
		select {
		case ev := <-tm.events:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func eventTypes(evs []session.Event) []session.EventType {
	out := make([]session.EventType, len(evs))
	for i, ev := range evs {
		out[i] = ev.Type
	}
	return out
}

func onlyJob(t *testing.T, s *session.Session) *session.Job {
	t.Helper()
	jobs := s.Registry().All()
	if len(jobs) != 1 {
		t.Fatalf("session has %d jobs, want 1", len(jobs))
	}
	return jobs[0]
}

func TestDispatchSingleJob(t *testing.T) {
	tm := newTestMonitor(t)
	tm.feed(
		ft(0)+" START_BUILD 1 100",
		ft(0)+` START_JOB host1 "a.obj"`,
		ft(100)+` FINISH_JOB host1 "a.obj" 0`,
	)

	cur := tm.store.Current()
	if cur == nil {
		t.Fatal("no session opened")
	}
	if cur.Info.LogVersion != 1 || cur.Info.ProcessID != 100 || cur.Info.Implicit {
		t.Errorf("session info = %+v", cur.Info)
	}
	workers := cur.Workers()
	if len(workers) != 1 || workers[0].HostName != "host1" {
		t.Fatalf("workers = %v", workers)
	}
	if cores := workers[0].Cores(); len(cores) != 1 || cores[0].Index != 0 {
		t.Fatalf("cores = %v", cores)
	}
	job := onlyJob(t, cur)
	if job.EventName != "a.obj" || job.Status() != session.Success || job.Elapsed() != 100 {
		t.Errorf("job = %s %v %v", job.EventName, job.Status(), job.Elapsed())
	}
	if got := tm.LastMessageTime(); !got.Equal(at(100)) {
		t.Errorf("LastMessageTime() = %v, want %v", got, at(100))
	}

	want := []session.EventType{session.EventSessionStarted, session.EventJobStarted, session.EventJobFinished}
	got := eventTypes(tm.drainEvents())
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("events = %v, want %v", got, want)
	}
}

func TestDispatchRace(t *testing.T) {
	tm := newTestMonitor(t)
	tm.feed(
		ft(0)+` START_JOB local "x.obj"`,
		ft(5)+` START_JOB remote "x.obj"`,
		ft(50)+` FINISH_JOB local "x.obj" 0`,
	)

	cur := tm.store.Current()
	jobs := cur.Registry().All()
	if len(jobs) != 2 {
		t.Fatalf("got %d jobs, want 2", len(jobs))
	}
	if jobs[0].Status() != session.Success {
		t.Errorf("local job = %v, want success", jobs[0].Status())
	}
	if jobs[1].Status() != session.RacedOut || jobs[1].Elapsed() != 45 {
		t.Errorf("remote job = %v after %vs, want raced_out after 45s", jobs[1].Status(), jobs[1].Elapsed())
	}
	if sum := cur.Summary(); sum.Successful != 1 {
		t.Errorf("successful = %d, want 1", sum.Successful)
	}
}

func TestDispatchImplicitSession(t *testing.T) {
	tests := []struct {
		name string
		line string
	}{
		{"job", ft(7) + ` START_JOB host1 "a.obj"`},
		{"progress", ft(7) + " PROGRESS_STATUS 12.5"},
		{"counter", ft(7) + ` GRAPH "Cache" "Hits" "%" 42`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tm := newTestMonitor(t)
			tm.feed(tt.line)

			cur := tm.store.Current()
			if cur == nil {
				t.Fatal("no session opened")
			}
			if !cur.StartTime.Equal(at(7)) {
				t.Errorf("StartTime = %v, want %v", cur.StartTime, at(7))
			}
			if !cur.Info.Implicit || !cur.IsRunning() {
				t.Errorf("session implicit=%v running=%v", cur.Info.Implicit, cur.IsRunning())
			}
		})
	}
}

func TestDispatchImplicitSessionAfterStop(t *testing.T) {
	tm := newTestMonitor(t)
	tm.feed(
		ft(0)+" START_BUILD 1 0",
		ft(5)+" STOP_BUILD",
		ft(9)+` START_JOB host1 "late.obj"`,
	)

	all := tm.store.GetAll()
	if len(all) != 2 {
		t.Fatalf("got %d sessions, want 2", len(all))
	}
	if all[0].IsRunning() {
		t.Error("first session still running")
	}
	if cur := tm.store.Current(); cur != all[1] || !cur.StartTime.Equal(at(9)) {
		t.Error("job did not open a new session at its own time")
	}
}

func TestDispatchFinishWithoutSession(t *testing.T) {
	tm := newTestMonitor(t)
	tm.feed(ft(0) + ` FINISH_JOB host1 "a.obj" 0`)

	if tm.store.Current() != nil {
		t.Error("finish opened a session")
	}
	h := tm.Health()
	if h.Ignored != 1 || h.IgnoredByReason["no_session"] != 1 {
		t.Errorf("health = %+v", h)
	}
}

func TestDispatchStartBuildStopsPrevious(t *testing.T) {
	tm := newTestMonitor(t)
	tm.feed(
		ft(0)+" START_BUILD 1 0",
		ft(1)+` START_JOB host1 "a.obj"`,
		ft(30)+" START_BUILD 1 0",
	)

	all := tm.store.GetAll()
	if len(all) != 2 {
		t.Fatalf("got %d sessions, want 2", len(all))
	}
	prev := all[0]
	if prev.IsRunning() {
		t.Error("previous session still running")
	}
	job := onlyJob(t, prev)
	if job.Status() != session.Stopped || job.Elapsed() != 29 {
		t.Errorf("job = %v after %vs, want stopped after 29s", job.Status(), job.Elapsed())
	}
	if tm.store.Current() != all[1] {
		t.Error("new session is not current")
	}

	evs := tm.drainEvents()
	types := eventTypes(evs)
	want := []session.EventType{
		session.EventSessionStarted, session.EventJobStarted,
		session.EventSessionStopped, session.EventSessionStarted,
	}
	if fmt.Sprint(types) != fmt.Sprint(want) {
		t.Fatalf("events = %v, want %v", types, want)
	}
	wantIDs := []string{prev.ID, prev.ID, prev.ID, all[1].ID}
	for i, ev := range evs {
		if ev.SessionID != wantIDs[i] {
			t.Errorf("event %d (%v) SessionID = %q, want %q", i, ev.Type, ev.SessionID, wantIDs[i])
		}
	}
}

func TestDispatchStopBuild(t *testing.T) {
	tm := newTestMonitor(t)
	tm.feed(
		ft(0)+" START_BUILD 1 0",
		ft(1)+` START_JOB host1 "a.obj"`,
		ft(4)+" STOP_BUILD",
		ft(5)+" STOP_BUILD",
	)
	cur := tm.store.Current()
	if cur.IsRunning() {
		t.Fatal("session still running")
	}
	if job := onlyJob(t, cur); job.Status() != session.Stopped || job.Elapsed() != 3 {
		t.Errorf("job = %v after %vs", job.Status(), job.Elapsed())
	}
	stops := 0
	for _, ev := range tm.drainEvents() {
		if ev.Type == session.EventSessionStopped {
			stops++
		}
	}
	if stops != 1 {
		t.Errorf("session_stopped emitted %d times, want 1", stops)
	}
}

func TestDispatchIgnoresMalformed(t *testing.T) {
	tm := newTestMonitor(t)
	tm.feed(
		"garbage",
		ft(0)+" BOGUS_EVENT 1 2",
		ft(0)+" START_JOB onlyhost",
		ft(0)+" FINISH_JOB host1",
	)

	if tm.store.Current() != nil {
		t.Error("malformed lines opened a session")
	}
	h := tm.Health()
	want := map[string]int64{"too_few_tokens": 1, "unknown_event": 1, "malformed": 2}
	if h.Ignored != 4 || h.Accepted != 0 {
		t.Errorf("ignored=%d accepted=%d, want 4 and 0", h.Ignored, h.Accepted)
	}
	for reason, n := range want {
		if h.IgnoredByReason[reason] != n {
			t.Errorf("ignored[%s] = %d, want %d", reason, h.IgnoredByReason[reason], n)
		}
	}
	if len(tm.drainEvents()) != 0 {
		t.Error("malformed lines produced events")
	}
}

func TestDispatchHistoryDebris(t *testing.T) {
	tests := []struct {
		name        string
		wallClock   time.Time
		wantRunning bool
	}{
		{"stale replay is stopped", at(2).Add(15 * time.Second), false},
		{"recent replay stays live", at(2).Add(3 * time.Second), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tm := newTestMonitor(t)
			tm.clock.Set(tt.wallClock)

			tm.notice(logwatch.NoticeHistoryStarted)
			tm.feed(
				ft(0)+" START_BUILD 1 0",
				ft(1)+` START_JOB host1 "a.obj"`,
				ft(2)+` START_JOB host2 "b.obj"`,
			)
			cur := tm.store.Current()
			if !cur.IsRestoringHistory() || !tm.IsRestoringHistory() {
				t.Fatal("session opened during replay is not restoring")
			}
			if n := tm.changes.count(); n != 0 {
				t.Errorf("%d changes published during replay", n)
			}

			tm.notice(logwatch.NoticeHistoryEnded)
			if cur.IsRestoringHistory() {
				t.Error("restoring flag not cleared")
			}
			if cur.IsRunning() != tt.wantRunning {
				t.Errorf("IsRunning() = %v, want %v", cur.IsRunning(), tt.wantRunning)
			}
			if !tt.wantRunning {
				for _, j := range cur.Registry().All() {
					if j.Status() != session.Stopped {
						t.Errorf("job %s = %v, want stopped", j.EventName, j.Status())
					}
				}
			}
		})
	}
}

func TestDispatchReplacedSessionLeavesRestoring(t *testing.T) {
	tm := newTestMonitor(t)
	tm.notice(logwatch.NoticeHistoryStarted)
	tm.feed(
		ft(0)+" START_BUILD 1 0",
		ft(10)+" START_BUILD 1 0",
	)
	first := tm.store.GetAll()[0]
	if first.IsRestoringHistory() {
		t.Error("replaced session still restoring")
	}
	if !tm.store.Current().IsRestoringHistory() {
		t.Error("replacement session is not restoring")
	}
}

func TestDispatchReset(t *testing.T) {
	tm := newTestMonitor(t)
	tm.feed(ft(0)+` START_JOB host1 "a.obj"`)
	tm.drainEvents()

	tm.notice(logwatch.NoticeReset)
	if got := tm.Health().Resets; got != 1 {
		t.Errorf("resets = %d, want 1", got)
	}
	evs := tm.drainEvents()
	if len(evs) != 1 || evs[0].Type != session.EventLogReset {
		t.Errorf("events = %v, want [log_reset]", eventTypes(evs))
	}
	if job := onlyJob(t, tm.store.Current()); job.Status() != session.Building {
		t.Error("reset changed session state")
	}
}

func TestTickUsesClockWhenLive(t *testing.T) {
	tm := newTestMonitor(t)
	tm.feed(ft(0)+` START_JOB host1 "a.obj"`)
	tm.clock.Set(at(3))

	tm.tick()
	if job := onlyJob(t, tm.store.Current()); job.Elapsed() != 3 {
		t.Errorf("elapsed = %v, want 3", job.Elapsed())
	}
}

func TestTickIgnoredWhileRestoring(t *testing.T) {
	tm := newTestMonitor(t)
	tm.notice(logwatch.NoticeHistoryStarted)
	tm.feed(
		ft(0)+` START_JOB host1 "a.obj"`,
		ft(4)+` START_JOB host1 "b.obj"`,
	)
	tm.clock.Set(at(60))

	tm.tick()
	cur := tm.store.Current()
	if got := cur.CurrentTime(); !got.Equal(at(4)) {
		t.Errorf("CurrentTime() = %v, want the last replayed event %v", got, at(4))
	}
	for _, j := range cur.Registry().All() {
		if j.EventName == "a.obj" && j.Elapsed() > 4 {
			t.Errorf("a.obj elapsed = %v, want at most 4", j.Elapsed())
		}
	}
}

func TestTickWithoutSession(t *testing.T) {
	tm := newTestMonitor(t)
	tm.tick()
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		in   buildlog.Result
		want session.JobStatus
	}{
		{buildlog.ResultSuccess, session.Success},
		{buildlog.ResultSuccessCached, session.SuccessCached},
		{buildlog.ResultSuccessPreprocessed, session.SuccessPreprocessed},
		{buildlog.ResultFailed, session.Failed},
		{buildlog.ResultError, session.Error},
		{buildlog.ResultTimeout, session.Timeout},
		{buildlog.ResultRacedOut, session.RacedOut},
		{buildlog.ResultStopped, session.Stopped},
		{buildlog.Result(99), session.Error},
	}
	for _, tt := range tests {
		if got := statusFor(tt.in); got != tt.want {
			t.Errorf("statusFor(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestMonitorTailsLogFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "FastBuildLog.log")
	start := time.Now().UTC().Truncate(time.Second)
	stamp := func(d time.Duration) string {
		return fmt.Sprint(buildlog.ToFiletime(start.Add(d)))
	}

	history := stamp(0) + " START_BUILD 1 0\n" +
		stamp(time.Second) + ` START_JOB host1 "a.obj"` + "\n" +
		stamp(2*time.Second) + ` FINISH_JOB host1 "a.obj" 0` + "\n"
	if err := os.WriteFile(path, []byte(history), 0644); err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	cfg.Watcher.TickInterval = 10 * time.Millisecond
	store := session.NewStore(0)
	w := logwatch.New(path, logwatch.WithPollInterval(10*time.Millisecond), logwatch.WithFsnotify(false))
	m := NewMonitor(cfg, store, w, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Start(ctx)

	waitFor(t, "history replay", func() bool {
		cur := store.Current()
		return cur != nil && !m.IsRestoringHistory() && cur.Summary().Successful == 1
	})

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatal(err)
	}
	fmt.Fprintf(f, "%s START_JOB host1 \"b.obj\"\n%s FINISH_JOB host1 \"b.obj\" 3\n", stamp(3*time.Second), stamp(4*time.Second))
	f.Close()

	waitFor(t, "live lines", func() bool {
		return store.Current().Summary().Failed == 1
	})
	if !store.Current().IsRunning() {
		t.Error("live session was stopped")
	}
	if h := m.Health(); h.Accepted != 5 || h.Watcher.Lines != 5 {
		t.Errorf("health = %+v", h)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
