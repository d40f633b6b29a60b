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

	sched := New(nil)
	err := sched.AddJob("broadcast", "@every 1s", func(context.Context) {
		mu.Lock()
		calls = append(calls, "broadcast")
		mu.Unlock()
	})
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
		t.Error("expected at least one call")
	}
}

func TestEvery(t *testing.T) {
	sched := New(nil)
	if err := sched.Every("tick", 3*time.Second, func(context.Context) {}); err != nil {
		t.Fatalf("Every: %v", err)
	}
	if err := sched.Every("bad", 0, func(context.Context) {}); err == nil {
		t.Error("expected error for zero interval")
	}
	if sched.JobCount() != 1 {
		t.Errorf("JobCount = %d", sched.JobCount())
	}
}

func TestInvalidSchedule(t *testing.T) {
	sched := New(nil)
	err := sched.AddJob("broadcast", "invalid-cron", func(context.Context) {})
	if err == nil {
		t.Error("expected error for invalid schedule")
	}
}

func TestRemoveJob(t *testing.T) {
	sched := New(nil)
	sched.AddJob("sweep", "@every 1h", func(context.Context) {})
	sched.AddJob("sweep", "@every 2h", func(context.Context) {})

	if sched.JobCount() != 2 {
		t.Fatalf("JobCount = %d before remove", sched.JobCount())
	}

	sched.RemoveJob("sweep")
	if sched.JobCount() != 0 {
		t.Errorf("JobCount = %d after remove", sched.JobCount())
	}
}

func TestListJobs(t *testing.T) {
	sched := New(nil)
	sched.AddJob("sweep", "@every 1h", func(context.Context) {})
	sched.AddJob("sweep", "@every 2h", func(context.Context) {})
	sched.AddJob("broadcast", "@every 3h", func(context.Context) {})

	if n := len(sched.ListJobs("sweep")); n != 2 {
		t.Errorf("sweep jobs = %d", n)
	}
	if n := len(sched.ListJobs("broadcast")); n != 1 {
		t.Errorf("broadcast jobs = %d", n)
	}
}

func TestPanicDoesNotStopLaterTicks(t *testing.T) {
	var n atomic.Int32
	sched := New(nil)
	sched.AddJob("flaky", "@every 1s", func(context.Context) {
		if n.Add(1) == 1 {
			panic("first tick fails")
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sched.Start(ctx) }()
	time.Sleep(2500 * time.Millisecond)
	cancel()
	<-done

	if n.Load() < 2 {
		t.Errorf("job ran %d times, want at least 2", n.Load())
	}
}

func TestStartCancelsJobContext(t *testing.T) {
	sched := New(nil)
	started := make(chan struct{})
	var once sync.Once
	sched.AddJob("long", "@every 1s", func(ctx context.Context) {
		once.Do(func() { close(started) })
		<-ctx.Done()
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sched.Start(ctx) }()

	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("job never started")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Start did not return after the running job's context was cancelled")
	}
}
