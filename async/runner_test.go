package async

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestSafeGoRecoversPanic(t *testing.T) {
	done := make(chan struct{})
	SafeGo(func() {
		defer close(done)
		panic("should not kill the process")
	})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("goroutine never ran")
	}
}

func TestGoWithContext(t *testing.T) {
	type key struct{}
	ctx := context.WithValue(context.Background(), key{}, "value")

	got := make(chan any, 1)
	DefaultRunner.GoWithContext(ctx, func(ctx context.Context) {
		got <- ctx.Value(key{})
	})

	select {
	case v := <-got:
		if v != "value" {
			t.Fatalf("context value = %v, want propagated", v)
		}
	case <-time.After(time.Second):
		t.Fatal("goroutine never ran")
	}
}

func TestGroupCollectsFirstError(t *testing.T) {
	var g Group
	want := errors.New("first failure")

	var ran int32
	g.Go(func() error {
		atomic.AddInt32(&ran, 1)
		return want
	})
	g.Go(func() error {
		atomic.AddInt32(&ran, 1)
		return nil
	})
	g.Go(func() error {
		atomic.AddInt32(&ran, 1)
		panic("panicking member")
	})

	err := g.Wait()
	if !errors.Is(err, want) {
		t.Fatalf("wait = %v, want first error", err)
	}
	if got := atomic.LoadInt32(&ran); got != 3 {
		t.Fatalf("ran %d members, want 3", got)
	}
}
