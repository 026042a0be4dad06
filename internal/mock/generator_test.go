package mock

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/buildwatch/backend/internal/buildlog"
	"github.com/buildwatch/backend/internal/clock"
	"github.com/buildwatch/backend/internal/config"
	"github.com/buildwatch/backend/internal/session"
)

var epoch = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestGenerator(t *testing.T, hosts []string, jobs int) *Generator {
	t.Helper()
	g := NewGenerator(filepath.Join(t.TempDir(), "FastBuildLog.log"), config.MockConfig{
		Interval: time.Millisecond,
		Hosts:    hosts,
		Jobs:     jobs,
	})
	g.Seed(1)
	return g
}

// parsePlan formats every step one millisecond apart and parses it back.
func parsePlan(t *testing.T, steps []Step) []buildlog.Event {
	t.Helper()
	var events []buildlog.Event
	for i, s := range steps {
		line := Format(epoch.Add(time.Duration(i)*time.Millisecond), s)
		ev, err := buildlog.Parse(line, time.Time{})
		if err != nil {
			t.Fatalf("step %d %q: %v", i, line, err)
		}
		events = append(events, ev)
	}
	return events
}

var statuses = map[buildlog.Result]session.JobStatus{
	buildlog.ResultSuccess:       session.Success,
	buildlog.ResultSuccessCached: session.SuccessCached,
	buildlog.ResultFailed:        session.Failed,
}

// replay applies events to a fresh session the way ingestion would.
func replay(t *testing.T, events []buildlog.Event) *session.Session {
	t.Helper()
	first, ok := events[0].(buildlog.StartBuild)
	if !ok {
		t.Fatalf("first event is %T, want StartBuild", events[0])
	}
	s := session.New(first.Time, session.Info{ProcessID: first.ProcessID}, session.Options{Clock: clock.NewFake(first.Time)})
	for _, ev := range events[1:] {
		switch e := ev.(type) {
		case buildlog.StartJob:
			s.OnJobStarted(e.HostName, e.EventName, e.Time)
		case buildlog.FinishJob:
			st, ok := statuses[e.Result]
			if !ok {
				t.Fatalf("unexpected result %v", e.Result)
			}
			if s.OnJobFinished(e.HostName, e.EventName, e.Time, st, e.Message) == nil {
				t.Fatalf("finish of unknown job %s on %s", e.EventName, e.HostName)
			}
		case buildlog.ReportProgress:
			s.ReportProgress(e.Time, e.Progress)
		case buildlog.ReportCounter:
			s.ReportCounter(e.Time, e.GroupName, e.CounterName, e.UnitTag, e.Value)
		case buildlog.StopBuild:
			s.Stop(e.Time)
		}
	}
	return s
}

func TestPlanShape(t *testing.T) {
	g := newTestGenerator(t, []string{"localhost", "agent-01", "agent-02"}, 20)
	steps := g.Plan()

	if steps[0].Kind != buildlog.KindStartBuild {
		t.Errorf("first step = %s, want START_BUILD", steps[0].Kind)
	}
	if last := steps[len(steps)-1]; last.Kind != buildlog.KindStopBuild {
		t.Errorf("last step = %s, want STOP_BUILD", last.Kind)
	}
	if steps[1].Kind != buildlog.KindStartJob || steps[1].Args[0] != "localhost" {
		t.Errorf("first job = %+v, want a start on the local host", steps[1])
	}

	starts := make(map[string]int)
	for _, s := range steps {
		if s.Kind == buildlog.KindStartJob {
			starts[s.Args[1]]++
		}
	}
	if len(starts) != 20 {
		t.Errorf("distinct jobs = %d, want 20", len(starts))
	}
	raced := 0
	for _, n := range starts {
		if n == 2 {
			raced++
		}
	}
	if raced != 1 {
		t.Errorf("raced event names = %d, want 1", raced)
	}
}

func TestPlanWithSingleHostHasNoRace(t *testing.T) {
	g := newTestGenerator(t, []string{"localhost"}, 10)
	s := replay(t, parsePlan(t, g.Plan()))
	for _, j := range s.Registry().All() {
		if j.Status() == session.RacedOut {
			t.Fatalf("job %s raced out with a single host", j.EventName)
		}
	}
}

func TestPlanDrivesSession(t *testing.T) {
	g := newTestGenerator(t, []string{"localhost", "agent-01", "agent-02"}, 21)
	s := replay(t, parsePlan(t, g.Plan()))

	sum := s.Summary()
	if sum.Running {
		t.Error("session should be stopped after STOP_BUILD")
	}
	if sum.InProgress != 0 {
		t.Errorf("in progress = %d, want 0", sum.InProgress)
	}
	if sum.Progress != 100 {
		t.Errorf("progress = %v, want 100", sum.Progress)
	}
	if sum.Successful+sum.Failed != 21 {
		t.Errorf("successful %d + failed %d, want 21 finished", sum.Successful, sum.Failed)
	}
	if sum.Failed != 3 {
		t.Errorf("failed = %d, want 3", sum.Failed)
	}
	if len(sum.Counters) != 2 {
		t.Errorf("counters = %+v, want 2", sum.Counters)
	}

	var racedOut, building int
	for _, j := range s.Registry().All() {
		switch j.Status() {
		case session.RacedOut:
			racedOut++
			if w := j.Core().Worker(); !w.IsLocal {
				t.Errorf("raced out job ran on %s, want the local worker", w.HostName)
			}
		case session.Building:
			building++
		case session.Failed:
			if len(j.ErrorGroups()) != 1 {
				t.Errorf("failed job %s has %d error groups, want 1", j.EventName, len(j.ErrorGroups()))
			}
		}
	}
	if racedOut != 1 {
		t.Errorf("raced out jobs = %d, want 1", racedOut)
	}
	if building != 0 {
		t.Errorf("building jobs = %d, want 0", building)
	}
}

func TestFormatQuotesArguments(t *testing.T) {
	line := Format(epoch, Step{Kind: buildlog.KindFinishJob, Args: []string{"agent-01", `C:\a b\x.cpp`, "3", "x.cpp(1): error"}})
	ev, err := buildlog.Parse(line, time.Time{})
	if err != nil {
		t.Fatalf("Parse(%q): %v", line, err)
	}
	fj := ev.(buildlog.FinishJob)
	if fj.EventName != `C:\a b\x.cpp` {
		t.Errorf("event name = %q", fj.EventName)
	}
	if fj.Message == nil || *fj.Message != "x.cpp(1): error" {
		t.Errorf("message = %v", fj.Message)
	}
	if !fj.Time.Equal(epoch) {
		t.Errorf("time = %v, want %v", fj.Time, epoch)
	}
}

func TestGeneratorWritesLog(t *testing.T) {
	g := newTestGenerator(t, []string{"localhost", "agent-01"}, 6)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g.Start(ctx)

	deadline := time.Now().Add(5 * time.Second)
	for {
		data, _ := os.ReadFile(g.path)
		if strings.Contains(string(data), string(buildlog.KindStopBuild)) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("no complete build written; log so far:\n%s", data)
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()

	f, err := os.Open(g.path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	var kinds []buildlog.Kind
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		ev, err := buildlog.Parse(sc.Text(), time.Time{})
		if err != nil {
			t.Fatalf("line %q: %v", sc.Text(), err)
		}
		kinds = append(kinds, ev.Kind())
	}
	if len(kinds) == 0 || kinds[0] != buildlog.KindStartBuild {
		t.Fatalf("kinds = %v, want a build starting with START_BUILD", kinds)
	}
}
