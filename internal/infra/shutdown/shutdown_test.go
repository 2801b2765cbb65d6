package shutdown

import (
	"context"
	"errors"
	"sync"
	"syscall"
	"testing"
	"time"
)

func TestNewHandler(t *testing.T) {
	h := NewHandler(5 * time.Second)
	if h == nil {
		t.Fatal("NewHandler returned nil")
	}
	if h.timeout != 5*time.Second {
		t.Errorf("timeout = %v, want 5s", h.timeout)
	}
	if h.Len() != 0 {
		t.Errorf("Len() = %d, want 0", h.Len())
	}
	select {
	case <-h.Done():
		t.Error("Done channel should not be closed initially")
	default:
	}
}

func recordingHook(mu *sync.Mutex, order *[]int, id int) Hook {
	return func(ctx context.Context) error {
		mu.Lock()
		*order = append(*order, id)
		mu.Unlock()
		return nil
	}
}

func TestHandler_RunReverseOrder(t *testing.T) {
	h := NewHandler(time.Second)

	var mu sync.Mutex
	var order []int
	h.OnShutdown("first", recordingHook(&mu, &order, 1))
	h.OnShutdown("second", recordingHook(&mu, &order, 2))
	h.OnShutdown("third", recordingHook(&mu, &order, 3))

	if err := h.Run(); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(order) != 3 || order[0] != 3 || order[1] != 2 || order[2] != 1 {
		t.Errorf("hooks called in wrong order: %v, want [3 2 1]", order)
	}

	select {
	case <-h.Done():
	default:
		t.Error("Done channel should be closed after Run")
	}
}

func TestHandler_RunOnce(t *testing.T) {
	h := NewHandler(time.Second)
	calls := 0
	h.OnShutdown("count", func(ctx context.Context) error {
		calls++
		return nil
	})

	_ = h.Run()
	_ = h.Run()
	if calls != 1 {
		t.Errorf("hook ran %d times, want 1", calls)
	}
}

func TestHandler_RunCollectsErrors(t *testing.T) {
	h := NewHandler(time.Second)
	errA := errors.New("a failed")
	errB := errors.New("b failed")
	ranLast := false

	h.OnShutdown("last", func(ctx context.Context) error {
		ranLast = true
		return nil
	})
	h.OnShutdown("a", func(ctx context.Context) error { return errA })
	h.OnShutdown("b", func(ctx context.Context) error { return errB })

	err := h.Run()
	if !errors.Is(err, errA) || !errors.Is(err, errB) {
		t.Errorf("Run() = %v, want both hook errors", err)
	}
	if !ranLast {
		t.Error("a failing hook must not stop the remaining hooks")
	}
}

func TestHandler_HookHasDeadline(t *testing.T) {
	h := NewHandler(time.Second)
	h.OnShutdown("deadline", func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); !ok {
			return errors.New("no deadline")
		}
		return nil
	})
	if err := h.Run(); err != nil {
		t.Errorf("Run() error = %v", err)
	}
}

func TestHandler_WaitWithSignal(t *testing.T) {
	h := NewHandler(5 * time.Second)

	var mu sync.Mutex
	var order []int
	h.OnShutdown("first", recordingHook(&mu, &order, 1))
	h.OnShutdown("second", recordingHook(&mu, &order, 2))

	errCh := make(chan error, 1)
	go func() {
		errCh <- h.Wait()
	}()

	// Give Wait time to set up signal handler
	time.Sleep(50 * time.Millisecond)
	syscall.Kill(syscall.Getpid(), syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Wait() returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Wait() did not complete in time")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != 2 || order[1] != 1 {
		t.Errorf("hooks called in wrong order: %v, want [2 1]", order)
	}
}

func TestHandler_WaitReturnsAfterRun(t *testing.T) {
	h := NewHandler(time.Second)

	errCh := make(chan error, 1)
	go func() {
		errCh <- h.Wait()
	}()

	time.Sleep(20 * time.Millisecond)
	if err := h.Run(); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Wait() = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Wait() did not return after explicit Run")
	}
}

func TestHandler_ConcurrentOnShutdown(t *testing.T) {
	h := NewHandler(5 * time.Second)

	var wg sync.WaitGroup
	numGoroutines := 10
	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.OnShutdown("noop", func(ctx context.Context) error { return nil })
		}()
	}
	wg.Wait()

	if h.Len() != numGoroutines {
		t.Errorf("expected %d hooks, got %d", numGoroutines, h.Len())
	}
}
