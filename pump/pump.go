// Package pump 实现请求消息泵：从传输监听器逐个接收入站请求，
// 将每个请求派发为独立的并发单元任务，维护在途请求计数，并在停机时
// 等待在途工作排空（或调用方给定的截止时间到期）后宣告泵已停止。
//
// 泵不实现传输协议，不解析请求与响应，也不管理传输连接的握手与重连；
// 这些由 listener 包的监听器承担。应用处理逻辑对泵同样不透明，
// 通过 Application 契约注入。
package pump

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wyfcoding/msgpump/async"
	"github.com/wyfcoding/msgpump/contextx"
	"github.com/wyfcoding/msgpump/listener"
	"github.com/wyfcoding/msgpump/metrics"
	"github.com/wyfcoding/msgpump/tracing"
	"github.com/wyfcoding/msgpump/xerrors"
)

// State 表示泵的生命周期状态，流转单向：
// Created → Started → Stopping → Stopped。
type State int32

const (
	// StateCreated 泵已构造，尚未启动。
	StateCreated State = iota
	// StateStarted 泵正在接收并派发请求。
	StateStarted
	// StateStopping 泵已收到停止请求，等待在途工作排空。
	StateStopping
	// StateStopped 泵已停止。
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "Created"
	case StateStarted:
		return "Started"
	case StateStopping:
		return "Stopping"
	case StateStopped:
		return "Stopped"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

var (
	// ErrNilApplication 启动时未提供应用。
	ErrNilApplication = errors.New("pump: application must not be nil")
	// ErrAlreadyStarted 泵只能启动一次，二次启动是编程错误。
	ErrAlreadyStarted = errors.New("pump: start may be called at most once")
	// ErrNoEndpoints 既无宿主地址也无配置前缀。
	ErrNoEndpoints = errors.New("pump: no listening endpoints configured")
	// ErrBadAppContext 应用上下文类型不符合适配器预期。
	ErrBadAppContext = errors.New("pump: unexpected application context type")
	// ErrHandlerPanic 应用处理阶段发生 panic，被转换为错误。
	ErrHandlerPanic = errors.New("pump: application panicked")
)

type options struct {
	logger        *slog.Logger
	metrics       *metrics.Metrics
	exec          Executor
	hostingAddrs  []string
	preferHosting bool
	observers     []listener.StateHandler
}

// Option 定义泵的配置选项。
type Option func(*options)

// WithLogger 设置日志记录器。
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithMetrics 注入指标采集器。
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithExecutor 注入单元任务调度器（如 *worker.Pool）。
// 未注入时每个单元任务直接派生 goroutine。
func WithExecutor(exec Executor) Option {
	return func(o *options) {
		o.exec = exec
	}
}

// WithHostingAddresses 设置宿主环境提供的监听地址。
func WithHostingAddresses(addrs []string) Option {
	return func(o *options) {
		o.hostingAddrs = addrs
	}
}

// WithPreferHostingAddresses 设置宿主地址是否优先于监听器已配置的前缀。
func WithPreferHostingAddresses(prefer bool) Option {
	return func(o *options) {
		o.preferHosting = prefer
	}
}

// WithStateObserver 注册监听器连接状态观察者，按注册顺序同步调用。
func WithStateObserver(fn listener.StateHandler) Option {
	return func(o *options) {
		if fn != nil {
			o.observers = append(o.observers, fn)
		}
	}
}

// Pump 是请求消息泵。支持并发访问：Stop 可以与派发并发、可以被多次
// 调用；Dispose 幂等。
type Pump struct {
	state    int32
	inflight int64
	drainD   *Signal

	app  Application
	lst  listener.Listener
	exec Executor

	hostingAddrs  []string
	preferHosting bool

	logger *slog.Logger
	met    pumpMetrics

	mu        sync.Mutex
	addresses []string
	observers []listener.StateHandler

	disposeOnce sync.Once
}

// New 创建一个泵并接管监听器的状态通知。
func New(l listener.Listener, opts ...Option) *Pump {
	o := &options{
		logger: slog.Default(),
		exec:   goExecutor{},
	}
	for _, opt := range opts {
		opt(o)
	}

	p := &Pump{
		drainD:        NewSignal(),
		lst:           l,
		exec:          o.exec,
		hostingAddrs:  o.hostingAddrs,
		preferHosting: o.preferHosting,
		logger:        o.logger,
		met:           pumpMetrics{m: o.metrics},
		observers:     o.observers,
	}
	l.SetStateHandler(p.notifyState)
	return p
}

// State 返回泵当前的生命周期状态。
func (p *Pump) State() State {
	return State(atomic.LoadInt32(&p.state))
}

// Inflight 返回当前在途请求数。
func (p *Pump) Inflight() int64 {
	return atomic.LoadInt64(&p.inflight)
}

// Addresses 返回启动时解析出的对外地址列表。
func (p *Pump) Addresses() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.addresses))
	copy(out, p.addresses)
	return out
}

// OnStateChange 注册监听器连接状态观察者，应在 Start 之前调用。
func (p *Pump) OnStateChange(fn listener.StateHandler) {
	if fn == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.observers = append(p.observers, fn)
}

// Start 校验配置、解析监听地址并启动传输监听器。
// 至多调用一次；配置错误同步返回，属致命失败，不做重试。
// 本方法不等待监听器上线，上线进度经由连接状态通知异步上报。
func (p *Pump) Start(app Application) error {
	if app == nil {
		return xerrors.Wrap(ErrNilApplication, xerrors.ErrConfiguration, "pump start rejected")
	}
	if !atomic.CompareAndSwapInt32(&p.state, int32(StateCreated), int32(StateStarted)) {
		return xerrors.Wrap(ErrAlreadyStarted, xerrors.ErrConfiguration, "pump start rejected")
	}

	if err := p.resolveAddresses(); err != nil {
		// 配置致命错误：泵进入终态，监听器不启动。
		atomic.StoreInt32(&p.state, int32(StateStopped))
		return err
	}

	p.app = app
	p.lst.SetDispatch(p.dispatch)

	if err := p.lst.Start(context.Background()); err != nil {
		atomic.StoreInt32(&p.state, int32(StateStopped))
		return xerrors.WrapInternal(err, "failed to start transport listener")
	}

	p.logger.Info("pump started", "addresses", p.Addresses())
	return nil
}

// resolveAddresses 按优先级规则决定对外地址并回写监听器前缀。
// 规则（先匹配者生效）：
//  1. 宿主要求优先且提供了地址：覆盖已配置前缀；
//  2. 存在配置前缀：前缀决定对外地址，宿主地址被覆盖；
//  3. 仅有宿主地址：回填到监听器前缀；
//  4. 两者皆无：致命配置错误。
func (p *Pump) resolveAddresses() error {
	prefixes := p.lst.Prefixes()

	switch {
	case p.preferHosting && len(p.hostingAddrs) > 0:
		if prefixes.Len() > 0 {
			p.logger.Warn("hosting addresses take precedence, replacing configured prefixes",
				"prefixes", prefixes.All(), "hosting", p.hostingAddrs)
		}
		prefixes.Clear()
		prefixes.Set(p.hostingAddrs)
		p.setAddresses(p.hostingAddrs)
	case prefixes.Len() > 0:
		if len(p.hostingAddrs) > 0 {
			p.logger.Warn("configured prefixes override hosting addresses",
				"prefixes", prefixes.All(), "hosting", p.hostingAddrs)
		}
		p.setAddresses(prefixes.All())
	case len(p.hostingAddrs) > 0:
		prefixes.Set(p.hostingAddrs)
		p.setAddresses(p.hostingAddrs)
	default:
		return xerrors.Wrap(ErrNoEndpoints, xerrors.ErrConfiguration, "no listening endpoints configured")
	}
	return nil
}

func (p *Pump) setAddresses(addrs []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.addresses = append(p.addresses[:0], addrs...)
}

// dispatch 是注册给监听器的派发回调，在监听器的接收线程上执行，
// 必须立即返回：监听器内部可能是单线程的，阻塞在此会停住后续请求。
func (p *Pump) dispatch(rc listener.RequestContext) {
	err := p.exec.TrySubmit(func(_ context.Context) {
		p.processRequest(rc)
	})
	if err != nil {
		// 尽力而为的一次性提交：调度失败即丢弃请求，不计在途数，不重试。
		p.met.dropped()
		p.logger.Error("failed to schedule request unit, dropping request", "error", err)
	}
}

// processRequest 是单元任务入口，处理一个请求的端到端生命周期。
func (p *Pump) processRequest(rc listener.RequestContext) {
	defer func() {
		// 错误处理路径自身出错的最终防线：只记录，绝不让 panic
		// 终结执行器线程。
		if r := recover(); r != nil {
			p.logger.Error("request unit failure escaped error handling",
				"panic", r, "stack", string(debug.Stack()))
		}
	}()

	// 单元任务开始执行前泵已在停机，直接回写 503，不调应用，不计数。
	if atomic.LoadInt32(&p.state) >= int32(StateStopping) {
		p.rejectUnavailable(rc)
		return
	}

	atomic.AddInt64(&p.inflight, 1)
	p.met.inflightInc()
	defer func() {
		p.met.inflightDec()
		// 减到零且泵在停机：触发排空完成信号，首个写入者生效。
		// 先减计数再读状态，与 Stop 中先置状态再读计数构成对偶，
		// 保证两侧的竞争不会同时错过对方。
		if n := atomic.AddInt64(&p.inflight, -1); n == 0 && atomic.LoadInt32(&p.state) >= int32(StateStopping) {
			p.completeStop(nil)
		}
	}()

	p.serveRequest(rc)
}

// serveRequest 执行三段式应用契约：创建上下文 → 处理 → 收尾响应；
// 收尾无论处理成败都执行，是上下文创建的保证释放对应物。
func (p *Pump) serveRequest(rc listener.RequestContext) {
	start := time.Now()
	ctx, span := tracing.StartSpan(rc.Context(), "pump.request")
	defer span.End()

	appCtx, err := p.createContext(rc)
	if err == nil {
		err = p.invokeProcess(ctx, appCtx)
	}

	if err != nil {
		tracing.RecordError(ctx, err)
		fields := append(contextx.LogFields(ctx), "error", err)
		p.logger.Error("request processing failed", fields...)
		// 失败兜底：清理未写出的响应头，覆盖为 500。响应头已写出时
		// 无法补救，接受该情况，不作二次上报。
		if !rc.ResponseStarted() {
			rc.Reset()
			rc.SetStatus(http.StatusInternalServerError)
		}
	}

	if ferr := rc.Finalize(); ferr != nil && err == nil {
		err = ferr
		tracing.RecordError(ctx, err)
		p.logger.Error("response finalization failed", "error", err)
	}

	// 成功路径以 nil 释放，失败路径携带捕获的错误，恰好一次。
	p.app.DisposeContext(appCtx, err)

	if err != nil {
		p.met.observe(outcomeError, start)
	} else {
		p.met.observe(outcomeOK, start)
	}
}

func (p *Pump) createContext(rc listener.RequestContext) (appCtx any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()
	return p.app.CreateContext(rc)
}

func (p *Pump) invokeProcess(ctx context.Context, appCtx any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()
	return p.app.Process(ctx, appCtx)
}

// rejectUnavailable 向停机后到达的请求回写 503。这不是错误场景。
func (p *Pump) rejectUnavailable(rc listener.RequestContext) {
	rc.SetStatus(http.StatusServiceUnavailable)
	if err := rc.Finalize(); err != nil {
		p.logger.Warn("failed to finalize rejected request", "error", err)
	}
	p.met.observe(outcomeRejected, time.Time{})
}

// Stop 请求停止泵并返回共享的排空完成信号。
//
// 幂等：首个调用者完成 Stopping 转换；所有调用者的 ctx 截止/取消都被
// 附加为信号的额外触发条件，并共享同一个信号。截止触发只是不再等待，
// 不会取消在途工作，这些单元任务仍会运行至完成。
func (p *Pump) Stop(ctx context.Context) *Signal {
	for {
		s := atomic.LoadInt32(&p.state)
		if s >= int32(StateStopping) {
			break
		}
		if atomic.CompareAndSwapInt32(&p.state, s, int32(StateStopping)) {
			p.logger.Info("pump stopping", "inflight", p.Inflight())
			// 先置状态再读计数，与单元任务的先减计数再读状态对偶。
			if atomic.LoadInt64(&p.inflight) == 0 {
				p.completeStop(nil)
			}
			break
		}
	}

	p.attachTrigger(ctx)
	return p.drainD
}

// attachTrigger 将调用方的截止/取消附加为信号触发条件。
func (p *Pump) attachTrigger(ctx context.Context) {
	if ctx == nil || ctx.Done() == nil || p.drainD.Fired() {
		return
	}
	async.SafeGo(func() {
		select {
		case <-ctx.Done():
			if p.completeStop(ctx.Err()) {
				p.logger.Warn("stop deadline elapsed before drain completed", "inflight", p.Inflight())
			}
		case <-p.drainD.Done():
		}
	})
}

// completeStop 落终态并触发排空信号。返回本次是否为首个触发者。
func (p *Pump) completeStop(err error) bool {
	// 先落终态再触发信号，信号的观察者读到的状态恒为 Stopped。
	atomic.CompareAndSwapInt32(&p.state, int32(StateStopping), int32(StateStopped))
	fired := p.drainD.Fire(err)
	if fired {
		p.logger.Info("pump stopped", "error", err)
	}
	return fired
}

// Dispose 无条件同步释放泵：强制进入终态，释放所有信号等待者
// （不等待排空），并释放监听器资源。幂等，用于进程级的突然拆除。
func (p *Pump) Dispose() {
	p.disposeOnce.Do(func() {
		atomic.StoreInt32(&p.state, int32(StateStopped))
		p.drainD.Fire(nil)
		if err := p.lst.Dispose(); err != nil {
			p.logger.Warn("listener dispose failed", "error", err)
		}
		p.logger.Info("pump disposed")
	})
}

// notifyState 将监听器的连接状态变更按注册顺序同步转发给观察者。
func (p *Pump) notifyState(s listener.ConnState) {
	p.mu.Lock()
	observers := make([]listener.StateHandler, len(p.observers))
	copy(observers, p.observers)
	p.mu.Unlock()

	for _, ob := range observers {
		ob(s)
	}
}
