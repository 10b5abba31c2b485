package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func noop(context.Context) error { return nil }

func TestAddValidation(t *testing.T) {
	s := New(nil)

	tests := []struct {
		name string
		job  Job
	}{
		{"missing name", Job{Schedule: "@hourly", Run: noop}},
		{"missing schedule", Job{Name: "prune", Run: noop}},
		{"missing run", Job{Name: "prune", Schedule: "@hourly"}},
		{"bad schedule", Job{Name: "prune", Schedule: "every now and then", Run: noop}},
		{"seconds field rejected", Job{Name: "prune", Schedule: "*/5 * * * * *", Run: noop}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := s.Add(tt.job); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestAddDuplicateAndRemove(t *testing.T) {
	s := New(nil)

	if err := s.Add(Job{Name: "prune", Schedule: "@every 30m", Run: noop}); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := s.Add(Job{Name: "prune", Schedule: "@hourly", Run: noop}); err == nil {
		t.Error("expected duplicate name error")
	}
	if got := len(s.List()); got != 1 {
		t.Fatalf("List() = %d jobs, want 1", got)
	}

	if err := s.Remove("prune"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if err := s.Remove("prune"); err == nil {
		t.Error("expected not found error")
	}
}

func TestListNextRun(t *testing.T) {
	s := New(nil)
	s.Add(Job{Name: "b", Schedule: "*/15 * * * *", Run: noop})
	s.Add(Job{Name: "a", Schedule: "@every 1h", Run: noop})

	s.Start(context.Background())
	defer s.Stop()

	jobs := s.List()
	if len(jobs) != 2 || jobs[0].Name != "a" || jobs[1].Name != "b" {
		t.Fatalf("unexpected listing %+v", jobs)
	}
	for _, j := range jobs {
		if j.NextRun.IsZero() {
			t.Errorf("job %s has no next run", j.Name)
		}
	}
}

func TestRunNowRecordsStatus(t *testing.T) {
	s := New(nil)
	fail := errors.New("boom")
	calls := 0
	s.Add(Job{Name: "prune", Schedule: "@hourly", Run: func(ctx context.Context) error {
		calls++
		if calls == 2 {
			return fail
		}
		return nil
	}})

	s.RunNow("prune")
	s.RunNow("prune")

	st := s.List()[0]
	if st.RunCount != 2 {
		t.Errorf("RunCount = %d, want 2", st.RunCount)
	}
	if st.LastError != "boom" {
		t.Errorf("LastError = %q, want boom", st.LastError)
	}
	if err := s.RunNow("missing"); err == nil {
		t.Error("expected not found error")
	}
}

func TestOverlappingRunSkipped(t *testing.T) {
	s := New(nil)
	release := make(chan struct{})
	started := make(chan struct{})
	var mu sync.Mutex
	runs := 0

	s.Add(Job{Name: "slow", Schedule: "@hourly", Run: func(ctx context.Context) error {
		mu.Lock()
		runs++
		mu.Unlock()
		close(started)
		<-release
		return nil
	}})

	done := make(chan struct{})
	go func() {
		s.RunNow("slow")
		close(done)
	}()
	<-started

	s.RunNow("slow") // skipped, returns at once
	close(release)
	<-done

	mu.Lock()
	defer mu.Unlock()
	if runs != 1 {
		t.Errorf("runs = %d, want 1", runs)
	}
}

func TestJobTimeout(t *testing.T) {
	s := New(nil)
	s.Add(Job{Name: "stuck", Schedule: "@hourly", Timeout: 20 * time.Millisecond, Run: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})

	start := time.Now()
	s.RunNow("stuck")
	if time.Since(start) > time.Second {
		t.Error("timeout not applied")
	}
	if st := s.List()[0]; st.LastError == "" {
		t.Error("expected deadline error recorded")
	}
}
