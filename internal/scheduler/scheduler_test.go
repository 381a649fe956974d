package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestAddJob(t *testing.T) {
	var mu sync.Mutex
	var calls []string

	sched := New(func(_ context.Context, job string) {
		mu.Lock()
		calls = append(calls, job)
		mu.Unlock()
	}, nil)

	err := sched.AddJob("nightly", "@every 1s")
	if err != nil {
		t.Fatalf("AddJob: %v", err)
	}

	if sched.JobCount() != 1 {
		t.Errorf("JobCount = %d", sched.JobCount())
	}

	// Start cron and wait for it to fire
	sched.cron.Start()
	time.Sleep(1500 * time.Millisecond)
	sched.cron.Stop()

	mu.Lock()
	defer mu.Unlock()
	if len(calls) == 0 {
		t.Fatal("expected at least one call")
	}
	if calls[0] != "nightly" {
		t.Errorf("call = %q", calls[0])
	}
}

func TestAddJob_ReplacesSameName(t *testing.T) {
	sched := New(func(context.Context, string) {}, nil)
	sched.AddJob("batch", "@every 1h")
	if err := sched.AddJob("batch", "@every 2h"); err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	if sched.JobCount() != 1 {
		t.Fatalf("JobCount = %d", sched.JobCount())
	}
	if got := sched.Jobs()[0].Schedule; got != "@every 2h" {
		t.Errorf("schedule = %q", got)
	}
	if n := len(sched.cron.Entries()); n != 1 {
		t.Errorf("cron entries = %d", n)
	}
}

func TestInvalidSchedule(t *testing.T) {
	sched := New(func(context.Context, string) {}, nil)
	err := sched.AddJob("batch", "invalid-cron")
	if err == nil {
		t.Error("expected error for invalid schedule")
	}
	if sched.JobCount() != 0 {
		t.Errorf("JobCount = %d", sched.JobCount())
	}
}

func TestRemoveJob(t *testing.T) {
	sched := New(func(context.Context, string) {}, nil)
	sched.AddJob("a", "@every 1h")
	sched.AddJob("b", "@every 2h")

	if !sched.RemoveJob("a") {
		t.Fatal("expected a to be removed")
	}
	if sched.RemoveJob("a") {
		t.Error("second remove should report false")
	}
	if sched.JobCount() != 1 {
		t.Errorf("JobCount = %d after remove", sched.JobCount())
	}
}

func TestJobs_SortedWithNext(t *testing.T) {
	sched := New(func(context.Context, string) {}, nil)
	sched.AddJob("zeta", "@every 3h")
	sched.AddJob("alpha", "0 6 * * *")

	sched.cron.Start()
	defer sched.cron.Stop()

	jobs := sched.Jobs()
	if len(jobs) != 2 || jobs[0].Name != "alpha" || jobs[1].Name != "zeta" {
		t.Fatalf("unexpected jobs %+v", jobs)
	}
	if jobs[0].Next.IsZero() {
		t.Error("expected next run time once started")
	}
}

func TestSkipIfStillRunning(t *testing.T) {
	var running, fired atomic.Int32
	release := make(chan struct{})
	sched := New(func(context.Context, string) {
		fired.Add(1)
		running.Add(1)
		<-release
		running.Add(-1)
	}, nil)
	sched.AddJob("slow", "@every 1s")

	sched.cron.Start()
	time.Sleep(2500 * time.Millisecond)
	if n := fired.Load(); n != 1 {
		t.Errorf("expected overlapping ticks to be skipped, fired %d times", n)
	}
	close(release)
	sched.cron.Stop()
}

func TestStart_StopsOnCancel(t *testing.T) {
	sched := New(func(context.Context, string) {}, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- sched.Start(ctx) }()
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
}
