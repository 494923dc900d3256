package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestQueueFIFO(t *testing.T) {
	q := New[int]()

	if !q.IsEmpty() {
		t.Error("Expected new queue to be empty")
	}
	for i := 1; i <= 3; i++ {
		q.Push(i)
	}

	if v, ok := q.Peek(); !ok || v != 1 {
		t.Errorf("Expected peek 1, got %d", v)
	}
	for want := 1; want <= 3; want++ {
		v, ok := q.TryPop()
		if !ok || v != want {
			t.Errorf("Expected %d, got %d (%v)", want, v, ok)
		}
	}
	if _, ok := q.TryPop(); ok {
		t.Error("Expected empty queue")
	}
}

func TestQueuePopWaits(t *testing.T) {
	q := New[string]()

	go func() {
		time.Sleep(20 * time.Millisecond)
		q.Push("hello")
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	v, err := q.Pop(ctx)
	if err != nil || v != "hello" {
		t.Errorf("Expected hello, got %q (%v)", v, err)
	}
}

func TestQueuePopContext(t *testing.T) {
	q := New[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := q.Pop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline error, got %v", err)
	}
}

func TestQueueClose(t *testing.T) {
	q := New[int]()
	q.Push(1)
	q.Close()

	if q.Push(2) {
		t.Error("Expected push after close to fail")
	}

	v, err := q.Pop(context.Background())
	if err != nil || v != 1 {
		t.Errorf("Expected queued element after close, got %d (%v)", v, err)
	}
	if _, err := q.Pop(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
}

func TestQueuePipeKeepsOrder(t *testing.T) {
	q := New[int]()
	out := q.Pipe(context.Background())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			q.Push(i)
		}
		q.Close()
	}()

	next := 0
	for v := range out {
		if v != next {
			t.Fatalf("Expected %d, got %d", next, v)
		}
		next++
	}
	wg.Wait()

	if next != 100 {
		t.Errorf("Expected 100 elements, got %d", next)
	}
}

func TestQueueDrain(t *testing.T) {
	q := New[int]()
	q.Push(1)
	q.Push(2)

	items := q.Drain()
	if len(items) != 2 || q.Len() != 0 {
		t.Errorf("Expected 2 drained items and an empty queue, got %v / %d", items, q.Len())
	}
}

func TestQueuePipeReturnsUndeliveredOnCancel(t *testing.T) {
	q := New[int]()
	for i := 1; i <= 3; i++ {
		q.Push(i)
	}

	ctx, cancel := context.WithCancel(context.Background())
	out := q.Pipe(ctx)

	if v := <-out; v != 1 {
		t.Fatalf("Expected 1, got %d", v)
	}

	// The forwarder now holds 2 while nobody receives
	waitLen(t, q, 1)
	cancel()
	waitLen(t, q, 2)

	if _, ok := <-out; ok {
		t.Fatal("Expected channel to be closed after cancel")
	}

	got := q.Drain()
	if len(got) != 2 || got[0] != 2 || got[1] != 3 {
		t.Errorf("Expected [2 3] after cancel, got %v", got)
	}
}

func TestQueuePushFront(t *testing.T) {
	q := New[string]()
	q.Push("b")
	q.Close()
	q.PushFront("a")

	got := q.Drain()
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("Expected [a b], got %v", got)
	}
}

func waitLen(t *testing.T, q *Queue[int], n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if q.Len() == n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("Timed out waiting for queue length %d, have %d", n, q.Len())
}
