package vm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestFutureCompletesOnce(t *testing.T) {
	reg := NewRegistry()
	f := NewFuture()
	if v, ex := f.Value(); v != nil || ex != nil || f.IsDone() {
		t.Fatalf("pending future = %v, %v, done=%v", v, ex, f.IsDone())
	}

	if !f.Complete(reg.Int64(1)) {
		t.Fatal("first Complete returned false")
	}
	if f.Complete(reg.Int64(2)) {
		t.Error("second Complete returned true")
	}
	if f.CompleteExceptionally(reg.NewException(reg.IllegalState, "late")) {
		t.Error("CompleteExceptionally after Complete returned true")
	}
	v, ex := f.Value()
	if ex != nil {
		t.Fatal(ex)
	}
	wantInt(t, v, 1)
}

func TestFutureCallbacks(t *testing.T) {
	reg := NewRegistry()
	f := NewFuture()
	var calls []string
	f.WhenComplete(func(*Future) { calls = append(calls, "before") })
	f.CompleteN([]ObjectHandle{reg.Int64(1), reg.Int64(2)})
	f.WhenComplete(func(*Future) { calls = append(calls, "after") })

	if len(calls) != 2 || calls[0] != "before" || calls[1] != "after" {
		t.Errorf("callbacks = %v, want [before after]", calls)
	}
	vs, _ := f.Values()
	if len(vs) != 2 {
		t.Fatalf("Values() = %v, want 2 values", vs)
	}
	wantInt(t, vs[1], 2)
}

func TestFutureWait(t *testing.T) {
	reg := NewRegistry()

	t.Run("value", func(t *testing.T) {
		f := NewFuture()
		go f.Complete(reg.Str("done"))
		vs, err := f.Wait(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if s := vs[0].(*StringHandle); s.Value != "done" {
			t.Errorf("Wait() = %q, want done", s.Value)
		}
	})

	t.Run("exception", func(t *testing.T) {
		f := NewFuture()
		f.CompleteExceptionally(reg.NewException(reg.TimedOut, "slow"))
		_, err := f.Wait(context.Background())
		var ex *ExceptionHandle
		if !errors.As(err, &ex) || !ex.IsA(reg.TimedOut) {
			t.Errorf("Wait() error = %v, want TimedOut", err)
		}
	})

	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
		defer cancel()
		if _, err := NewFuture().Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("Wait() error = %v, want DeadlineExceeded", err)
		}
	})
}

func TestFutureConcurrentCompletion(t *testing.T) {
	reg := NewRegistry()
	f := NewFuture()
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 16; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			if f.Complete(reg.Int64(int64(i))) {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Errorf("%d goroutines completed the future, want 1", wins)
	}
}
