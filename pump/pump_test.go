package pump

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/wyfcoding/msgpump/listener"
	"github.com/wyfcoding/msgpump/worker"
)

// testApp 是可编程的 Application 实现，记录每次释放携带的错误。
type testApp struct {
	create  func(rc listener.RequestContext) (any, error)
	process func(ctx context.Context, appCtx any) error

	mu       sync.Mutex
	disposed []error
}

func (a *testApp) CreateContext(rc listener.RequestContext) (any, error) {
	if a.create != nil {
		return a.create(rc)
	}
	return rc, nil
}

func (a *testApp) Process(ctx context.Context, appCtx any) error {
	if a.process != nil {
		return a.process(ctx, appCtx)
	}
	if rc, ok := appCtx.(listener.RequestContext); ok {
		rc.SetStatus(http.StatusOK)
	}
	return nil
}

func (a *testApp) DisposeContext(appCtx any, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.disposed = append(a.disposed, err)
}

func (a *testApp) disposedErrors() []error {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]error, len(a.disposed))
	copy(out, a.disposed)
	return out
}

func newTestPump(t *testing.T, opts ...Option) (*Pump, *listener.MemoryListener) {
	t.Helper()
	lst := listener.NewMemoryListener()
	lst.Prefixes().Set([]string{"http://127.0.0.1:0/"})
	return New(lst, opts...), lst
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}

func TestStartOnce(t *testing.T) {
	p, lst := newTestPump(t)
	app := &testApp{}

	if err := p.Start(app); err != nil {
		t.Fatalf("first start failed: %v", err)
	}
	if got := p.State(); got != StateStarted {
		t.Fatalf("state after start = %s, want Started", got)
	}
	if !lst.Started() {
		t.Fatal("listener was not started")
	}

	err := p.Start(app)
	if !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("second start error = %v, want ErrAlreadyStarted", err)
	}
}

func TestStartNilApplication(t *testing.T) {
	p, _ := newTestPump(t)
	if err := p.Start(nil); !errors.Is(err, ErrNilApplication) {
		t.Fatalf("start(nil) error = %v, want ErrNilApplication", err)
	}
	if got := p.State(); got != StateCreated {
		t.Fatalf("state after rejected start = %s, want Created", got)
	}
}

func TestStartNoEndpoints(t *testing.T) {
	lst := listener.NewMemoryListener()
	p := New(lst)

	err := p.Start(&testApp{})
	if !errors.Is(err, ErrNoEndpoints) {
		t.Fatalf("start error = %v, want ErrNoEndpoints", err)
	}
	if lst.Started() {
		t.Fatal("listener must not start on configuration error")
	}
	if got := p.State(); got != StateStopped {
		t.Fatalf("state after fatal start = %s, want Stopped", got)
	}
}

func TestAddressResolution(t *testing.T) {
	hosting := []string{"http://10.0.0.1:5000/"}
	prefixes := []string{"http://127.0.0.1:8080/", "https://127.0.0.1:8443/"}

	equal := func(a, b []string) bool {
		if len(a) != len(b) {
			return false
		}
		for i := range a {
			if a[i] != b[i] {
				return false
			}
		}
		return true
	}

	t.Run("prefixes only", func(t *testing.T) {
		lst := listener.NewMemoryListener()
		lst.Prefixes().Set(prefixes)
		p := New(lst)
		if err := p.Start(&testApp{}); err != nil {
			t.Fatalf("start failed: %v", err)
		}
		if got := p.Addresses(); !equal(got, prefixes) {
			t.Fatalf("addresses = %v, want %v", got, prefixes)
		}
	})

	t.Run("hosting only", func(t *testing.T) {
		lst := listener.NewMemoryListener()
		p := New(lst, WithHostingAddresses(hosting))
		if err := p.Start(&testApp{}); err != nil {
			t.Fatalf("start failed: %v", err)
		}
		if got := p.Addresses(); !equal(got, hosting) {
			t.Fatalf("addresses = %v, want %v", got, hosting)
		}
		if got := lst.Prefixes().All(); !equal(got, hosting) {
			t.Fatalf("prefixes = %v, want hosting addresses %v", got, hosting)
		}
	})

	t.Run("prefixes win without preference", func(t *testing.T) {
		lst := listener.NewMemoryListener()
		lst.Prefixes().Set(prefixes)
		p := New(lst, WithHostingAddresses(hosting))
		if err := p.Start(&testApp{}); err != nil {
			t.Fatalf("start failed: %v", err)
		}
		if got := p.Addresses(); !equal(got, prefixes) {
			t.Fatalf("addresses = %v, want %v", got, prefixes)
		}
	})

	t.Run("hosting wins with preference", func(t *testing.T) {
		lst := listener.NewMemoryListener()
		lst.Prefixes().Set(prefixes)
		p := New(lst, WithHostingAddresses(hosting), WithPreferHostingAddresses(true))
		if err := p.Start(&testApp{}); err != nil {
			t.Fatalf("start failed: %v", err)
		}
		if got := p.Addresses(); !equal(got, hosting) {
			t.Fatalf("addresses = %v, want %v", got, hosting)
		}
		if got := lst.Prefixes().All(); !equal(got, hosting) {
			t.Fatalf("prefixes = %v, want replaced by %v", got, hosting)
		}
	})
}

func TestRequestConservation(t *testing.T) {
	const n = 50

	p, lst := newTestPump(t)
	app := &testApp{}
	if err := p.Start(app); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	requests := make([]*listener.MemoryRequest, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		rc := listener.NewMemoryRequest(context.Background())
		requests[i] = rc
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := lst.Deliver(rc); err != nil {
				t.Errorf("deliver failed: %v", err)
			}
		}()
	}
	wg.Wait()

	for i, rc := range requests {
		select {
		case <-rc.Done():
		case <-time.After(5 * time.Second):
			t.Fatalf("request %d never finalized", i)
		}
	}

	waitFor(t, time.Second, func() bool { return p.Inflight() == 0 })

	for i, rc := range requests {
		if rc.Status() != http.StatusOK {
			t.Errorf("request %d status = %d, want 200", i, rc.Status())
		}
		if rc.FinalizeCalls() != 1 {
			t.Errorf("request %d finalized %d times, want 1", i, rc.FinalizeCalls())
		}
	}
	if got := len(app.disposedErrors()); got != n {
		t.Fatalf("dispose called %d times, want %d", got, n)
	}
	for i, err := range app.disposedErrors() {
		if err != nil {
			t.Errorf("dispose %d carried error %v, want nil", i, err)
		}
	}
}

func TestStopImmediateWhenIdle(t *testing.T) {
	p, _ := newTestPump(t)
	if err := p.Start(&testApp{}); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	s := p.Stop(context.Background())
	select {
	case <-s.Done():
	default:
		t.Fatal("signal must fire immediately with zero inflight")
	}
	if err := s.Err(); err != nil {
		t.Fatalf("signal error = %v, want nil", err)
	}
	if got := p.State(); got != StateStopped {
		t.Fatalf("state = %s, want Stopped", got)
	}
}

func TestStopDrainsInflight(t *testing.T) {
	release := make(chan struct{})
	app := &testApp{
		process: func(ctx context.Context, appCtx any) error {
			<-release
			appCtx.(listener.RequestContext).SetStatus(http.StatusOK)
			return nil
		},
	}

	p, lst := newTestPump(t)
	if err := p.Start(app); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	requests := make([]*listener.MemoryRequest, 3)
	for i := range requests {
		requests[i] = listener.NewMemoryRequest(context.Background())
		if err := lst.Deliver(requests[i]); err != nil {
			t.Fatalf("deliver failed: %v", err)
		}
	}
	waitFor(t, time.Second, func() bool { return p.Inflight() == 3 })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s := p.Stop(ctx)

	if s.Fired() {
		t.Fatal("signal fired before drain")
	}
	if got := p.State(); got != StateStopping {
		t.Fatalf("state = %s, want Stopping", got)
	}

	close(release)
	if err := s.Wait(context.Background()); err != nil {
		t.Fatalf("drain completed with error %v, want nil", err)
	}
	if got := p.State(); got != StateStopped {
		t.Fatalf("state = %s, want Stopped", got)
	}
	if got := p.Inflight(); got != 0 {
		t.Fatalf("inflight = %d after drain, want 0", got)
	}
	for i, rc := range requests {
		if rc.FinalizeCalls() != 1 {
			t.Errorf("request %d finalized %d times, want 1", i, rc.FinalizeCalls())
		}
	}
	if got := len(app.disposedErrors()); got != 3 {
		t.Fatalf("dispose called %d times, want 3", got)
	}
}

func TestConcurrentStopSharesSignal(t *testing.T) {
	release := make(chan struct{})
	app := &testApp{
		process: func(ctx context.Context, appCtx any) error {
			<-release
			return nil
		},
	}

	p, lst := newTestPump(t)
	if err := p.Start(app); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := lst.Deliver(listener.NewMemoryRequest(context.Background())); err != nil {
		t.Fatalf("deliver failed: %v", err)
	}
	waitFor(t, time.Second, func() bool { return p.Inflight() == 1 })

	const callers = 10
	signals := make([]*Signal, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			signals[i] = p.Stop(context.Background())
		}(i)
	}
	wg.Wait()

	for i := 1; i < callers; i++ {
		if signals[i] != signals[0] {
			t.Fatal("stop callers received different signals")
		}
	}

	close(release)
	for i, s := range signals {
		if err := s.Wait(context.Background()); err != nil {
			t.Fatalf("waiter %d got error %v, want nil", i, err)
		}
	}
}

func TestStopDeadlineElapses(t *testing.T) {
	release := make(chan struct{})
	app := &testApp{
		process: func(ctx context.Context, appCtx any) error {
			<-release
			return nil
		},
	}

	p, lst := newTestPump(t)
	if err := p.Start(app); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := lst.Deliver(listener.NewMemoryRequest(context.Background())); err != nil {
		t.Fatalf("deliver failed: %v", err)
	}
	waitFor(t, time.Second, func() bool { return p.Inflight() == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	s := p.Stop(ctx)

	if err := s.Wait(context.Background()); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("signal error = %v, want DeadlineExceeded", err)
	}
	if got := p.State(); got != StateStopped {
		t.Fatalf("state = %s, want Stopped", got)
	}
	// 截止触发只是不再等待，不取消在途工作。
	if got := p.Inflight(); got != 1 {
		t.Fatalf("inflight = %d, want 1 (work must not be cancelled)", got)
	}
	close(release)
	waitFor(t, time.Second, func() bool { return p.Inflight() == 0 })
}

func TestRejectAfterStop(t *testing.T) {
	p, lst := newTestPump(t)
	app := &testApp{
		create: func(rc listener.RequestContext) (any, error) {
			t.Error("application must not see post-stop requests")
			return rc, nil
		},
	}
	if err := p.Start(app); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	p.Stop(context.Background())

	rc := listener.NewMemoryRequest(context.Background())
	if err := lst.Deliver(rc); err != nil {
		t.Fatalf("deliver failed: %v", err)
	}
	select {
	case <-rc.Done():
	case <-time.After(time.Second):
		t.Fatal("rejected request never finalized")
	}
	if got := rc.Status(); got != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", got)
	}
	if got := p.Inflight(); got != 0 {
		t.Fatalf("inflight = %d, want 0 (rejections are not counted)", got)
	}
	if got := len(app.disposedErrors()); got != 0 {
		t.Fatalf("dispose called %d times for rejected request, want 0", got)
	}
}

func TestHandlerErrorWrites500(t *testing.T) {
	handlerErr := errors.New("boom")
	app := &testApp{
		process: func(ctx context.Context, appCtx any) error {
			appCtx.(listener.RequestContext).SetStatus(http.StatusOK)
			return handlerErr
		},
	}

	p, lst := newTestPump(t)
	if err := p.Start(app); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	rc := listener.NewMemoryRequest(context.Background())
	if err := lst.Deliver(rc); err != nil {
		t.Fatalf("deliver failed: %v", err)
	}
	<-rc.Done()

	if got := rc.Status(); got != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", got)
	}
	if rc.FinalizeCalls() != 1 {
		t.Fatalf("finalize called %d times, want 1", rc.FinalizeCalls())
	}
	errs := app.disposedErrors()
	if len(errs) != 1 || !errors.Is(errs[0], handlerErr) {
		t.Fatalf("dispose errors = %v, want [boom]", errs)
	}
}

func TestHandlerErrorAfterResponseStarted(t *testing.T) {
	handlerErr := errors.New("late failure")
	app := &testApp{
		process: func(ctx context.Context, appCtx any) error {
			rc := appCtx.(*listener.MemoryRequest)
			rc.SetStatus(http.StatusOK)
			rc.MarkStarted()
			return handlerErr
		},
	}

	p, lst := newTestPump(t)
	if err := p.Start(app); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	rc := listener.NewMemoryRequest(context.Background())
	if err := lst.Deliver(rc); err != nil {
		t.Fatalf("deliver failed: %v", err)
	}
	<-rc.Done()

	// 响应头已写出：不可回收为 500，保持已写出的状态。
	if got := rc.Status(); got != http.StatusOK {
		t.Fatalf("status = %d, want 200 preserved", got)
	}
	errs := app.disposedErrors()
	if len(errs) != 1 || !errors.Is(errs[0], handlerErr) {
		t.Fatalf("dispose errors = %v, want captured handler error", errs)
	}
}

func TestHandlerPanicBecomesError(t *testing.T) {
	app := &testApp{
		process: func(ctx context.Context, appCtx any) error {
			panic("handler exploded")
		},
	}

	p, lst := newTestPump(t)
	if err := p.Start(app); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	rc := listener.NewMemoryRequest(context.Background())
	if err := lst.Deliver(rc); err != nil {
		t.Fatalf("deliver failed: %v", err)
	}
	<-rc.Done()

	if got := rc.Status(); got != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", got)
	}
	errs := app.disposedErrors()
	if len(errs) != 1 || !errors.Is(errs[0], ErrHandlerPanic) {
		t.Fatalf("dispose errors = %v, want ErrHandlerPanic", errs)
	}
	waitFor(t, time.Second, func() bool { return p.Inflight() == 0 })
}

func TestCreateContextError(t *testing.T) {
	createErr := errors.New("no context for you")
	processCalled := false
	app := &testApp{
		create: func(rc listener.RequestContext) (any, error) {
			return nil, createErr
		},
		process: func(ctx context.Context, appCtx any) error {
			processCalled = true
			return nil
		},
	}

	p, lst := newTestPump(t)
	if err := p.Start(app); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	rc := listener.NewMemoryRequest(context.Background())
	if err := lst.Deliver(rc); err != nil {
		t.Fatalf("deliver failed: %v", err)
	}
	<-rc.Done()

	if processCalled {
		t.Fatal("process must not run when context creation fails")
	}
	if got := rc.Status(); got != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", got)
	}
	errs := app.disposedErrors()
	if len(errs) != 1 || !errors.Is(errs[0], createErr) {
		t.Fatalf("dispose errors = %v, want creation error", errs)
	}
}

func TestFailureMidBatch(t *testing.T) {
	handlerErr := errors.New("second request fails")
	var seq int32
	var mu sync.Mutex
	app := &testApp{
		process: func(ctx context.Context, appCtx any) error {
			mu.Lock()
			seq++
			n := seq
			mu.Unlock()
			if n == 2 {
				return handlerErr
			}
			appCtx.(listener.RequestContext).SetStatus(http.StatusOK)
			return nil
		},
	}

	p, lst := newTestPump(t)
	if err := p.Start(app); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	var failed, succeeded int
	for i := 0; i < 3; i++ {
		rc := listener.NewMemoryRequest(context.Background())
		if err := lst.Deliver(rc); err != nil {
			t.Fatalf("deliver failed: %v", err)
		}
		<-rc.Done()
		switch rc.Status() {
		case http.StatusOK:
			succeeded++
		case http.StatusInternalServerError:
			failed++
		default:
			t.Fatalf("unexpected status %d", rc.Status())
		}
		if rc.FinalizeCalls() != 1 {
			t.Fatalf("request %d finalized %d times, want 1", i, rc.FinalizeCalls())
		}
	}

	if succeeded != 2 || failed != 1 {
		t.Fatalf("succeeded=%d failed=%d, want 2/1", succeeded, failed)
	}
	waitFor(t, time.Second, func() bool { return p.Inflight() == 0 })
	if got := len(app.disposedErrors()); got != 3 {
		t.Fatalf("dispose called %d times, want 3", got)
	}
}

type rejectingExecutor struct{}

func (rejectingExecutor) TrySubmit(task worker.Task) error {
	return worker.ErrPoolFull
}

func TestExecutorRejectionDropsRequest(t *testing.T) {
	app := &testApp{
		create: func(rc listener.RequestContext) (any, error) {
			t.Error("application must not see dropped requests")
			return rc, nil
		},
	}

	p, lst := newTestPump(t, WithExecutor(rejectingExecutor{}))
	if err := p.Start(app); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	rc := listener.NewMemoryRequest(context.Background())
	if err := lst.Deliver(rc); err != nil {
		t.Fatalf("deliver failed: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if got := rc.FinalizeCalls(); got != 0 {
		t.Fatalf("dropped request finalized %d times, want 0", got)
	}
	if got := p.Inflight(); got != 0 {
		t.Fatalf("inflight = %d, want 0", got)
	}
}

func TestDisposeReleasesWaiters(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	app := &testApp{
		process: func(ctx context.Context, appCtx any) error {
			<-release
			return nil
		},
	}

	p, lst := newTestPump(t)
	if err := p.Start(app); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := lst.Deliver(listener.NewMemoryRequest(context.Background())); err != nil {
		t.Fatalf("deliver failed: %v", err)
	}
	waitFor(t, time.Second, func() bool { return p.Inflight() == 1 })

	s := p.Stop(context.Background())
	if s.Fired() {
		t.Fatal("signal fired before drain or dispose")
	}

	p.Dispose()
	p.Dispose() // 幂等

	if err := s.Wait(context.Background()); err != nil {
		t.Fatalf("dispose released waiter with error %v, want nil", err)
	}
	if got := p.State(); got != StateStopped {
		t.Fatalf("state = %s, want Stopped", got)
	}
}

func TestStopBeforeStart(t *testing.T) {
	p, _ := newTestPump(t)

	s := p.Stop(context.Background())
	select {
	case <-s.Done():
	default:
		t.Fatal("stopping an unstarted pump must complete immediately")
	}
	if got := p.State(); got != StateStopped {
		t.Fatalf("state = %s, want Stopped", got)
	}
	if err := p.Start(&testApp{}); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("start after stop error = %v, want ErrAlreadyStarted", err)
	}
}

func TestWorkerPoolExecutor(t *testing.T) {
	pool := worker.NewPool(worker.WithSize(4), worker.WithQueueSize(16))
	defer pool.Stop()

	p, lst := newTestPump(t, WithExecutor(pool))
	app := &testApp{}
	if err := p.Start(app); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	const n = 20
	requests := make([]*listener.MemoryRequest, n)
	for i := range requests {
		requests[i] = listener.NewMemoryRequest(context.Background())
		if err := lst.Deliver(requests[i]); err != nil {
			t.Fatalf("deliver failed: %v", err)
		}
	}
	for i, rc := range requests {
		select {
		case <-rc.Done():
		case <-time.After(5 * time.Second):
			t.Fatalf("request %d never finalized", i)
		}
	}
	waitFor(t, time.Second, func() bool { return p.Inflight() == 0 })
}

func TestStateObserverOrder(t *testing.T) {
	var mu sync.Mutex
	var first, second []listener.ConnState

	lst := listener.NewMemoryListener()
	lst.Prefixes().Set([]string{"http://127.0.0.1:0/"})
	p := New(lst,
		WithStateObserver(func(s listener.ConnState) {
			mu.Lock()
			defer mu.Unlock()
			first = append(first, s)
		}),
		WithStateObserver(func(s listener.ConnState) {
			mu.Lock()
			defer mu.Unlock()
			// 第二个观察者必须在第一个之后收到同一状态。
			if len(first) != len(second)+1 {
				t.Error("observers notified out of registration order")
			}
			second = append(second, s)
		}),
	)
	if err := p.Start(&testApp{}); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	p.Dispose()

	mu.Lock()
	defer mu.Unlock()
	want := []listener.ConnState{listener.StateConnecting, listener.StateOnline, listener.StateOffline}
	if len(first) != len(want) {
		t.Fatalf("observer saw %v, want %v", first, want)
	}
	for i := range want {
		if first[i] != want[i] {
			t.Fatalf("observer saw %v, want %v", first, want)
		}
	}
}
