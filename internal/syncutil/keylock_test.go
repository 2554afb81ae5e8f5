package syncutil

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestKeyLocker_MutualExclusion(t *testing.T) {
	l := NewKeyLocker()
	ctx := context.Background()

	var counter int64
	var wg sync.WaitGroup
	const n = 100
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(ctx, "booking-1")
			if err != nil {
				t.Errorf("lock failed: %v", err)
				return
			}
			defer unlock()
			v := atomic.LoadInt64(&counter)
			atomic.StoreInt64(&counter, v+1)
		}()
	}
	wg.Wait()

	if atomic.LoadInt64(&counter) != n {
		t.Fatalf("expected %d, got %d", n, atomic.LoadInt64(&counter))
	}
}

func TestKeyLocker_ContextCancelled(t *testing.T) {
	l := NewKeyLocker()
	unlock, err := l.Lock(context.Background(), "held")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := l.Lock(ctx, "held"); err != context.DeadlineExceeded {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
}

func TestKeyLocker_DoubleUnlockIsSafe(t *testing.T) {
	var l KeyLocker // zero value is usable
	unlock, err := l.Lock(context.Background(), "k")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	unlock()
	unlock()

	unlock2, err := l.Lock(context.Background(), "k")
	if err != nil {
		t.Fatalf("re-lock failed: %v", err)
	}
	unlock2()

	// A second double-unlock must not have left an extra token in the shard.
	unlock3, _ := l.Lock(context.Background(), "k")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := l.Lock(ctx, "k"); err == nil {
		t.Fatal("expected lock to be held")
	}
	unlock3()
}
