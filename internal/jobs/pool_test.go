package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestPoolProcessesJobs(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]bool{}
	done := make(chan struct{}, 3)

	q := NewInProcessQueue(PoolConfig{
		Workers: 2,
		Handler: func(ctx context.Context, job Job) error {
			mu.Lock()
			seen[job.ConversationID] = true
			mu.Unlock()
			done <- struct{}{}
			return nil
		},
	})
	q.Start()
	defer q.Stop()

	for i := 0; i < 3; i++ {
		if !q.Enqueue(Job{Kind: KindActivation, ConversationID: fmt.Sprintf("c%d", i)}) {
			t.Fatalf("enqueue %d rejected", i)
		}
	}
	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for jobs")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 3 {
		t.Fatalf("processed %d distinct jobs, want 3", len(seen))
	}
}

func TestPoolDropsWhenFull(t *testing.T) {
	block := make(chan struct{})
	q := NewInProcessQueue(PoolConfig{
		Workers:   1,
		QueueSize: 1,
		Handler: func(ctx context.Context, job Job) error {
			<-block
			return nil
		},
	})
	q.Start()
	defer func() {
		close(block)
		q.Stop()
	}()

	// First job occupies the worker, second fills the queue. Enqueue a
	// few more with retries since the worker may not have picked up the
	// first job yet.
	accepted := 0
	for i := 0; i < 5; i++ {
		if q.Enqueue(Job{Kind: KindSummary, ConversationID: fmt.Sprintf("c%d", i)}) {
			accepted++
		}
	}
	if accepted >= 5 {
		t.Fatal("a bounded queue should reject jobs once full")
	}
}

func TestPoolSurvivesPanicAndError(t *testing.T) {
	done := make(chan string, 3)
	q := NewInProcessQueue(PoolConfig{
		Workers: 1,
		Handler: func(ctx context.Context, job Job) error {
			done <- job.ConversationID
			switch job.ConversationID {
			case "boom":
				panic("handler exploded")
			case "fail":
				return errors.New("handler failed")
			}
			return nil
		},
	})
	q.Start()
	defer q.Stop()

	for _, id := range []string{"boom", "fail", "ok"} {
		if !q.Enqueue(Job{Kind: KindActivation, ConversationID: id}) {
			t.Fatalf("enqueue %s rejected", id)
		}
	}
	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("worker died after panic")
		}
	}

	deadline := time.After(2 * time.Second)
	for {
		processed, failed, _ := q.Stats()
		if processed == 1 && failed == 2 {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("stats processed=%d failed=%d, want 1/2", processed, failed)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestEnqueueConcurrentWithStop(t *testing.T) {
	q := NewInProcessQueue(PoolConfig{
		Workers:   2,
		QueueSize: 8,
		Handler:   func(ctx context.Context, job Job) error { return nil },
	})
	q.Start()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			q.Enqueue(Job{Kind: KindActivation, ConversationID: "c"})
		}
	}()
	q.Stop()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("enqueue loop did not finish")
	}
	if q.Enqueue(Job{Kind: KindActivation, ConversationID: "late"}) {
		t.Fatal("stopped queue accepted a job")
	}
}

func TestPoolRejectsAfterStop(t *testing.T) {
	q := NewInProcessQueue(PoolConfig{
		Handler: func(ctx context.Context, job Job) error { return nil },
	})
	q.Start()
	q.Stop()
	if q.Enqueue(Job{Kind: KindActivation, ConversationID: "late"}) {
		t.Fatal("stopped queue accepted a job")
	}
}

func TestPoolReportsDepth(t *testing.T) {
	block := make(chan struct{})
	var mu sync.Mutex
	var depths []int
	q := NewInProcessQueue(PoolConfig{
		Workers:   1,
		QueueSize: 4,
		Handler: func(ctx context.Context, job Job) error {
			<-block
			return nil
		},
		OnDepth: func(depth int) {
			mu.Lock()
			depths = append(depths, depth)
			mu.Unlock()
		},
	})
	// Not started: jobs pile up so depth observations are deterministic.
	for i := 0; i < 3; i++ {
		q.Enqueue(Job{Kind: KindSummary, ConversationID: fmt.Sprintf("c%d", i)})
	}
	mu.Lock()
	got := append([]int(nil), depths...)
	mu.Unlock()
	if len(got) != 3 || got[2] != 3 {
		t.Fatalf("depths = %v, want [1 2 3]", got)
	}
	close(block)
	q.Start()
	q.Stop()
}
