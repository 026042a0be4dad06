package session

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func TestNewStore(t *testing.T) {
	s := NewStore(0)
	if got := len(s.GetAll()); got != 0 {
		t.Errorf("new store has %d sessions, want 0", got)
	}
	if s.Current() != nil {
		t.Error("new store has a current session")
	}
	if got := s.ActiveCount(); got != 0 {
		t.Errorf("new store ActiveCount() = %d, want 0", got)
	}
}

func TestGetMissing(t *testing.T) {
	s := NewStore(0)
	got, ok := s.Get("nonexistent")
	if ok || got != nil {
		t.Errorf("Get for missing key = (%v, %v), want (nil, false)", got, ok)
	}
}

func TestAddSetsCurrent(t *testing.T) {
	s := NewStore(0)
	a := New(epoch, Info{}, Options{})
	b := New(epoch.Add(time.Minute), Info{}, Options{})
	s.Add(a)
	s.Add(b)

	if s.Current() != b {
		t.Error("Current() is not the most recently added session")
	}
	if got, ok := s.Get(a.ID); !ok || got != a {
		t.Error("Get did not return the first session")
	}
	all := s.GetAll()
	if len(all) != 2 || all[0] != a || all[1] != b {
		t.Errorf("GetAll() not in insertion order: %v", all)
	}
}

func TestActiveCount(t *testing.T) {
	s := NewStore(0)
	a := New(epoch, Info{}, Options{})
	b := New(epoch, Info{}, Options{})
	s.Add(a)
	s.Add(b)
	a.Stop(epoch.Add(time.Second))

	if got := s.ActiveCount(); got != 1 {
		t.Errorf("ActiveCount() = %d, want 1", got)
	}
}

func TestPruneKeepsRunningAndCurrent(t *testing.T) {
	s := NewStore(2)
	old := New(epoch, Info{}, Options{})
	running := New(epoch, Info{}, Options{})
	s.Add(old)
	s.Add(running)
	old.Stop(epoch)

	latest := New(epoch, Info{}, Options{})
	latest.Stop(epoch)
	s.Add(latest)

	if _, ok := s.Get(old.ID); ok {
		t.Error("oldest stopped session was not pruned")
	}
	if _, ok := s.Get(running.ID); !ok {
		t.Error("running session was pruned")
	}
	if _, ok := s.Get(latest.ID); !ok {
		t.Error("current session was pruned")
	}
}

func TestSummariesOrder(t *testing.T) {
	s := NewStore(0)
	var ids []string
	for i := 0; i < 3; i++ {
		sess := New(epoch.Add(time.Duration(i)*time.Minute), Info{ProcessID: i + 1}, Options{})
		ids = append(ids, sess.ID)
		s.Add(sess)
	}
	sums := s.Summaries()
	for i, sum := range sums {
		if sum.ID != ids[i] {
			t.Errorf("summary %d = %s, want %s", i, sum.ID, ids[i])
		}
	}
}

func TestConcurrentAccess(t *testing.T) {
	s := NewStore(10)
	var wg sync.WaitGroup
	const goroutines = 50

	for i := 0; i < goroutines; i++ {
		wg.Add(2)

		go func(n int) {
			defer wg.Done()
			sess := New(epoch, Info{ProcessID: n}, Options{})
			s.Add(sess)
			sess.Stop(epoch.Add(time.Second))
		}(i)

		go func(id string) {
			defer wg.Done()
			s.Get(id)
			s.GetAll()
			s.Summaries()
			s.ActiveCount()
		}(fmt.Sprintf("s%d", i))
	}

	wg.Wait()
}
