package pump

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestSignalFirstWriterWins(t *testing.T) {
	s := NewSignal()
	errA := errors.New("first")
	errB := errors.New("second")

	if !s.Fire(errA) {
		t.Fatal("first fire must win")
	}
	if s.Fire(errB) {
		t.Fatal("second fire must lose")
	}
	if got := s.Err(); !errors.Is(got, errA) {
		t.Fatalf("err = %v, want first writer's error", got)
	}
}

func TestSignalConcurrentFire(t *testing.T) {
	s := NewSignal()

	var winners int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.Fire(nil) {
				atomic.AddInt32(&winners, 1)
			}
		}()
	}
	wg.Wait()

	if winners != 1 {
		t.Fatalf("winners = %d, want exactly 1", winners)
	}
}

func TestSignalFiredAndErrBeforeFire(t *testing.T) {
	s := NewSignal()
	if s.Fired() {
		t.Fatal("new signal must not be fired")
	}
	if s.Err() != nil {
		t.Fatal("unfired signal must report nil error")
	}
}

func TestSignalWait(t *testing.T) {
	s := NewSignal()
	want := errors.New("drained with error")

	go func() {
		time.Sleep(10 * time.Millisecond)
		s.Fire(want)
	}()

	if got := s.Wait(context.Background()); !errors.Is(got, want) {
		t.Fatalf("wait returned %v, want fire error", got)
	}
}

func TestSignalWaitContextCancel(t *testing.T) {
	s := NewSignal()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if got := s.Wait(ctx); !errors.Is(got, context.Canceled) {
		t.Fatalf("wait returned %v, want context.Canceled", got)
	}
	if s.Fired() {
		t.Fatal("waiting must not fire the signal")
	}
}
