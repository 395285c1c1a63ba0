package slots

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestReserveRespectsGlobalLimit(t *testing.T) {
	c := New(2)

	if !c.Reserve("A", 5) || !c.Reserve("A", 5) {
		t.Fatal("expected first two reservations to succeed")
	}
	if c.Reserve("B", 5) {
		t.Fatal("expected third reservation to fail at global limit")
	}

	c.Release("A")
	if !c.Reserve("B", 5) {
		t.Fatal("expected reservation to succeed after release")
	}
}

func TestReserveRespectsPerAgentLimit(t *testing.T) {
	c := New(10)

	if !c.Reserve("A", 1) {
		t.Fatal("expected first reservation to succeed")
	}
	if c.Reserve("A", 1) {
		t.Fatal("expected second reservation for same agent to fail")
	}
	// Global capacity is untouched by the rolled-back attempt.
	if got := c.InFlight(); got != 1 {
		t.Fatalf("global count = %d, want 1", got)
	}
	if !c.Reserve("B", 1) {
		t.Fatal("expected other agent to reserve")
	}
}

// TestReserveConcurrent hammers Reserve from many goroutines and checks
// that successes never exceed either limit. This is the check-then-
// increment race the two-step reserve exists to prevent.
func TestReserveConcurrent(t *testing.T) {
	const (
		maxConcurrent = 3
		maxParallel   = 2
		callers       = 100
	)
	c := New(maxConcurrent)

	var successes atomic.Int64
	var perAgent atomic.Int64
	var wg sync.WaitGroup
	start := make(chan struct{})

	for i := 0; i < callers; i++ {
		wg.Add(1)
		agent := "A"
		if i%2 == 1 {
			agent = "B"
		}
		go func(agent string) {
			defer wg.Done()
			<-start
			if c.Reserve(agent, maxParallel) {
				successes.Add(1)
				if agent == "A" {
					perAgent.Add(1)
				}
			}
		}(agent)
	}

	close(start)
	wg.Wait()

	if got := successes.Load(); got > maxConcurrent {
		t.Fatalf("%d concurrent reservations succeeded, limit is %d", got, maxConcurrent)
	}
	if got := perAgent.Load(); got > maxParallel {
		t.Fatalf("%d reservations for one agent succeeded, limit is %d", got, maxParallel)
	}
	if got := c.InFlight(); int64(got) != successes.Load() {
		t.Fatalf("in-flight count %d does not match successes %d", got, successes.Load())
	}
}

// TestCountersReturnToZero reserves and releases across goroutines and
// verifies no orphaned reservations remain.
func TestCountersReturnToZero(t *testing.T) {
	c := New(4)

	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if c.Reserve("A", 4) {
				c.Release("A")
			}
		}()
	}
	wg.Wait()

	if got := c.InFlight(); got != 0 {
		t.Fatalf("global count = %d after all releases, want 0", got)
	}
	if got := c.AgentInFlight("A"); got != 0 {
		t.Fatalf("per-agent count = %d after all releases, want 0", got)
	}
}
