package scheduler_test

import (
	"io/ioutil"
	"path/filepath"
	"testing"

	"crawshaw.io/iox"

	"inkmail.dev/chatcore/core/dnscache"
	"inkmail.dev/chatcore/core/ephemeral"
	"inkmail.dev/chatcore/core/housekeeping"
	"inkmail.dev/chatcore/core/jobqueue"
	"inkmail.dev/chatcore/core/location"
	"inkmail.dev/chatcore/core/model"
	"inkmail.dev/chatcore/core/receive"
	"inkmail.dev/chatcore/core/scheduler"
	"inkmail.dev/chatcore/core/store"
)

func newTestScheduler(t *testing.T) *scheduler.Scheduler {
	t.Helper()
	dir, err := ioutil.TempDir("", "scheduler-test-")
	if err != nil {
		t.Fatal(err)
	}
	pool, err := store.Open(filepath.Join(dir, "account.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { pool.Close() })

	filer := iox.NewFiler(0)
	jobs := jobqueue.New(pool)
	pipeline := receive.New(pool, filer, "self@x")
	dns := dnscache.New(pool)
	ephem := ephemeral.New(pool)
	house := housekeeping.New(pool, dir)
	loc := location.New(pool, nil)

	s := scheduler.New(pool, filer, jobs, pipeline, nil, dns, ephem, house, loc)
	s.Folders = nil // never actually dial out in this test
	return s
}

// TestPauseNestsAndResumeOnlyRestoresOnLastRelease exercises §4.1's
// guard-count rule: Pause/Resume must nest, and only the outermost
// Resume actually restores Started. Folders is empty, so Pause/Resume
// never have to wait on any real folder goroutine.
func TestPauseNestsAndResumeOnlyRestoresOnLastRelease(t *testing.T) {
	s := newTestScheduler(t)
	s.Start()
	defer s.Shutdown()

	if got := s.State(); got != model.SchedulerStarted {
		t.Fatalf("state after Start = %v, want Started", got)
	}

	s.Pause()
	s.Pause()
	s.Pause()
	if got := s.State(); got != model.SchedulerPaused {
		t.Fatalf("state after 3 nested Pause calls = %v, want Paused", got)
	}

	s.Resume()
	if got := s.State(); got != model.SchedulerPaused {
		t.Fatalf("state after 1 of 3 Resume calls = %v, want still Paused", got)
	}
	s.Resume()
	if got := s.State(); got != model.SchedulerPaused {
		t.Fatalf("state after 2 of 3 Resume calls = %v, want still Paused", got)
	}

	s.Resume()
	if got := s.State(); got != model.SchedulerStarted {
		t.Fatalf("state after the outermost Resume = %v, want Started", got)
	}
}

func TestResumeWithoutPauseIsNoOp(t *testing.T) {
	s := newTestScheduler(t)
	s.Resume()
	if got := s.State(); got != model.SchedulerStopped {
		t.Fatalf("Resume without a prior Pause changed state to %v", got)
	}
}
