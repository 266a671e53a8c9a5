package workerpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func shutdown(t *testing.T, p *Pool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestShutdownRunsQueuedTasks(t *testing.T) {
	p := New("decoder", 2, 10)
	var count atomic.Int32
	for i := 0; i < 5; i++ {
		if !p.Submit(func() { count.Add(1) }) {
			t.Fatalf("Submit %d rejected", i)
		}
	}
	shutdown(t, p)

	if got := count.Load(); got != 5 {
		t.Fatalf("count = %d, want 5", got)
	}
	if st := p.Stats(); st.Ran != 5 {
		t.Fatalf("Ran = %d, want 5", st.Ran)
	}
}

func TestSubmitAfterShutdownRejected(t *testing.T) {
	p := New("reader", 1, 1)
	shutdown(t, p)
	shutdown(t, p)

	if p.Submit(func() {}) {
		t.Fatal("Submit after Shutdown should return false")
	}
	if st := p.Stats(); st.Rejected != 1 {
		t.Fatalf("Rejected = %d, want 1", st.Rejected)
	}
}

func TestSingleWorkerPreservesOrder(t *testing.T) {
	p := New("callbacks", 1, 64)

	var mu sync.Mutex
	var got []int
	for i := 0; i < 50; i++ {
		if !p.Submit(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		}) {
			t.Fatalf("Submit %d rejected", i)
		}
	}
	shutdown(t, p)

	if len(got) != 50 {
		t.Fatalf("ran %d tasks, want 50", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("task %d ran at position %d", v, i)
		}
	}
}

func TestFullQueueRejects(t *testing.T) {
	p := New("decoder", 1, 1)
	release := make(chan struct{})
	started := make(chan struct{})
	p.Submit(func() {
		close(started)
		<-release
	})
	<-started

	if !p.Submit(func() {}) {
		t.Fatal("second task should fit in the queue")
	}
	if p.Submit(func() {}) {
		t.Fatal("Submit should return false when the queue is full")
	}
	if p.Pending() != 1 {
		t.Fatalf("Pending = %d, want 1", p.Pending())
	}

	close(release)
	shutdown(t, p)
}

func TestShutdownTimesOut(t *testing.T) {
	p := New("stuck", 1, 1)
	release := make(chan struct{})
	started := make(chan struct{})
	p.Submit(func() {
		close(started)
		<-release
	})
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := p.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Shutdown err = %v, want deadline exceeded", err)
	}
	close(release)
	shutdown(t, p)
}

func TestPanicDoesNotKillWorker(t *testing.T) {
	p := New("decoder", 1, 4)
	var ran atomic.Bool

	p.Submit(func() { panic("boom") })
	p.Submit(func() { ran.Store(true) })
	shutdown(t, p)

	if !ran.Load() {
		t.Fatal("task after panic did not run")
	}
	if st := p.Stats(); st.Panicked != 1 || st.Ran != 1 {
		t.Fatalf("stats = %+v, want 1 panicked, 1 ran", st)
	}
}
