package listener

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrNotOnline 监听器不在线时投递请求。
var ErrNotOnline = errors.New("memory listener is not online")

// MemoryListener 是进程内监听器，用于测试与嵌入场景。
// 调用方通过 Deliver 模拟传输层投递请求；Deliver 在调用方 goroutine 上
// 执行派发回调，正如真实监听器的接收线程那样。
type MemoryListener struct {
	mu       sync.Mutex
	dispatch DispatchFunc
	sm       *connStateMachine
	prefixes *PrefixSet
	started  int32
	disposed int32
}

// NewMemoryListener 创建一个进程内监听器。
func NewMemoryListener() *MemoryListener {
	return &MemoryListener{
		sm:       newConnStateMachine(nil),
		prefixes: NewPrefixSet(),
	}
}

// SetDispatch 注册派发回调。
func (l *MemoryListener) SetDispatch(fn DispatchFunc) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dispatch = fn
}

// SetStateHandler 注册连接状态通知回调。
func (l *MemoryListener) SetStateHandler(fn StateHandler) {
	l.sm.setHandler(fn)
}

// Prefixes 返回地址前缀集合。
func (l *MemoryListener) Prefixes() *PrefixSet {
	return l.prefixes
}

// State 返回监听器当前连接状态。
func (l *MemoryListener) State() ConnState {
	return l.sm.state()
}

// Started 报告监听器是否已被启动。
func (l *MemoryListener) Started() bool {
	return atomic.LoadInt32(&l.started) == 1
}

// Start 将监听器置为在线。
func (l *MemoryListener) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&l.started, 0, 1) {
		return ErrAlreadyStarted
	}
	l.sm.to(StateConnecting)
	l.sm.to(StateOnline)
	return nil
}

// Dispose 将监听器置为下线。幂等。
func (l *MemoryListener) Dispose() error {
	if !atomic.CompareAndSwapInt32(&l.disposed, 0, 1) {
		return nil
	}
	l.sm.to(StateOffline)
	return nil
}

// Deliver 向派发回调投递一个请求，模拟传输层的接收路径。
func (l *MemoryListener) Deliver(rc RequestContext) error {
	if l.sm.state() != StateOnline {
		return ErrNotOnline
	}
	l.mu.Lock()
	dispatch := l.dispatch
	l.mu.Unlock()
	if dispatch == nil {
		return ErrNotOnline
	}
	dispatch(rc)
	return nil
}

// MemoryRequest 是进程内传输的 RequestContext 实现，记录泵写入的状态
// 与完成次数，供测试断言。
type MemoryRequest struct {
	ctx context.Context

	mu            sync.Mutex
	status        int
	started       bool
	finalizeCalls int
	done          chan struct{}
}

// NewMemoryRequest 创建一个进程内请求。ctx 为 nil 时使用 Background。
func NewMemoryRequest(ctx context.Context) *MemoryRequest {
	if ctx == nil {
		ctx = context.Background()
	}
	return &MemoryRequest{ctx: ctx, done: make(chan struct{})}
}

// Context 返回请求范围的 context。
func (r *MemoryRequest) Context() context.Context {
	return r.ctx
}

// SetStatus 记录响应状态码。
func (r *MemoryRequest) SetStatus(code int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.status = code
}

// MarkStarted 模拟响应头已写出，之后的状态覆盖不再生效。
func (r *MemoryRequest) MarkStarted() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = true
}

// ResponseStarted 报告响应头是否已写出。
func (r *MemoryRequest) ResponseStarted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.started
}

// Reset 清除未写出的响应状态。
func (r *MemoryRequest) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.status = 0
}

// Finalize 完成响应。
func (r *MemoryRequest) Finalize() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finalizeCalls++
	if r.finalizeCalls == 1 {
		close(r.done)
	}
	return nil
}

// Status 返回最终写出的状态码。
func (r *MemoryRequest) Status() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// FinalizeCalls 返回 Finalize 被调用的次数。
func (r *MemoryRequest) FinalizeCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finalizeCalls
}

// Done 返回响应完成通知通道。
func (r *MemoryRequest) Done() <-chan struct{} {
	return r.done
}
