package listener

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gin-gonic/gin"

	"github.com/wyfcoding/msgpump/async"
	"github.com/wyfcoding/msgpump/config"
	"github.com/wyfcoding/msgpump/contextx"
	"github.com/wyfcoding/msgpump/limiter"
	"github.com/wyfcoding/msgpump/middleware"
	"github.com/wyfcoding/msgpump/response"
)

// ErrAlreadyStarted 监听器重复启动。
var ErrAlreadyStarted = errors.New("listener already started")

// HTTPListener 基于 Gin 引擎与标准 http.Server 的传输监听器。
// 每个到达的 HTTP 请求被包装为 RequestContext 交给派发回调；
// 传输 goroutine 随后阻塞等待响应完成通知，派发回调本身立即返回。
type HTTPListener struct {
	cfg      config.ListenerConfig
	logger   *slog.Logger
	engine   *gin.Engine
	srv      *http.Server
	sm       *connStateMachine
	prefixes *PrefixSet
	accept   *limiter.AcceptLimiter

	mu       sync.Mutex
	dispatch DispatchFunc

	ln          net.Listener
	started     int32
	disposeOnce sync.Once
}

// NewHTTPListener 创建一个 HTTP 监听器。
func NewHTTPListener(cfg config.ListenerConfig, logger *slog.Logger) *HTTPListener {
	if logger == nil {
		logger = slog.Default()
	}

	gin.SetMode(gin.ReleaseMode)

	l := &HTTPListener{
		cfg:      cfg,
		logger:   logger,
		sm:       newConnStateMachine(logger),
		prefixes: NewPrefixSet(),
		accept:   limiter.NewAcceptLimiter(cfg.AcceptRate, cfg.AcceptBurst),
	}

	// 引擎不内置默认中间件，治理中间件在此显式注入，顺序即生效顺序。
	engine := gin.New()
	engine.Use(
		middleware.Recovery(logger),
		middleware.RequestID(),
		middleware.MaxBodyBytes(cfg.MaxBodyBytes),
	)
	if cfg.MaxConnections > 0 {
		engine.Use(middleware.ConcurrencyLimit(limiter.NewSemaphoreLimiter(cfg.MaxConnections)))
	}
	engine.NoRoute(l.handle)
	l.engine = engine

	l.srv = &http.Server{
		Handler:           engine,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	return l
}

// SetDispatch 注册派发回调。
func (l *HTTPListener) SetDispatch(fn DispatchFunc) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dispatch = fn
}

// SetStateHandler 注册连接状态通知回调。
func (l *HTTPListener) SetStateHandler(fn StateHandler) {
	l.sm.setHandler(fn)
}

// Prefixes 返回地址前缀集合。
func (l *HTTPListener) Prefixes() *PrefixSet {
	return l.prefixes
}

// State 返回监听器当前连接状态。
func (l *HTTPListener) State() ConnState {
	return l.sm.state()
}

// Addr 返回实际绑定的地址，未启动时为空。
func (l *HTTPListener) Addr() string {
	if l.ln == nil {
		return ""
	}
	return l.ln.Addr().String()
}

// Start 建立监听并异步开始服务。不等待首个请求，也不阻塞调用方。
func (l *HTTPListener) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&l.started, 0, 1) {
		return ErrAlreadyStarted
	}

	l.sm.to(StateConnecting)

	addr := l.bindAddr()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		l.sm.to(StateOffline)
		return err
	}
	l.ln = ln
	l.sm.to(StateOnline)
	l.logger.Info("http listener online", "addr", ln.Addr().String())

	async.SafeGo(func() {
		if serveErr := l.srv.Serve(ln); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			l.logger.Error("http listener serve exited", "error", serveErr)
		}
		l.sm.to(StateOffline)
	})

	return nil
}

// Dispose 立即关闭监听器，不等待在途请求。幂等。
func (l *HTTPListener) Dispose() error {
	var err error
	l.disposeOnce.Do(func() {
		err = l.srv.Close()
	})
	return err
}

// bindAddr 从首个前缀解析绑定地址，没有前缀时退回配置地址。
func (l *HTTPListener) bindAddr() string {
	if p := l.prefixes.First(); p != "" {
		if addr := parsePrefix(p); addr != "" {
			return addr
		}
	}
	return l.cfg.Addr
}

// parsePrefix 将 "http://host:port/" 形式的前缀解析为 host:port。
// 通配主机 ("+", "*") 表示绑定所有接口。
func parsePrefix(prefix string) string {
	u, err := url.Parse(prefix)
	if err != nil {
		return ""
	}
	host := u.Hostname()
	if host == "+" || host == "*" {
		host = ""
	}
	port := u.Port()
	if port == "" {
		if strings.EqualFold(u.Scheme, "https") {
			port = "443"
		} else {
			port = "80"
		}
	}
	return net.JoinHostPort(host, port)
}

func (l *HTTPListener) dispatchFn() DispatchFunc {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dispatch
}

// handle 是所有路径的入口。它把请求交给派发回调后阻塞等待响应完成，
// 阻塞的是传输 goroutine，派发回调本身立即返回。
func (l *HTTPListener) handle(c *gin.Context) {
	if !l.accept.Allow() {
		response.ErrorWithStatus(c, http.StatusTooManyRequests, "Too Many Requests", "accept rate exceeded")
		return
	}

	dispatch := l.dispatchFn()
	if dispatch == nil {
		response.ErrorWithStatus(c, http.StatusServiceUnavailable, "Service Unavailable", "no dispatch registered")
		return
	}

	ctx := contextx.WithListener(c.Request.Context(), "http")
	c.Request = c.Request.WithContext(ctx)

	rc := newHTTPRequest(c)
	dispatch(rc)

	// 请求被丢弃时（调度失败，无响应写出）靠客户端断开解除阻塞。
	select {
	case <-rc.done:
	case <-c.Request.Context().Done():
	}
}

// HTTPRequest 是 HTTP 传输的 RequestContext 实现。
type HTTPRequest struct {
	c *gin.Context

	mu        sync.Mutex
	status    int
	finalized bool
	done      chan struct{}
}

func newHTTPRequest(c *gin.Context) *HTTPRequest {
	return &HTTPRequest{c: c, done: make(chan struct{})}
}

// Gin 返回底层的 Gin 上下文，供应用层读取请求与写出响应体。
func (r *HTTPRequest) Gin() *gin.Context {
	return r.c
}

// Context 返回请求范围的 context。
func (r *HTTPRequest) Context() context.Context {
	return r.c.Request.Context()
}

// SetStatus 记录待写出的响应状态码；响应已开始写出时无效。
func (r *HTTPRequest) SetStatus(code int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finalized || r.c.Writer.Written() {
		return
	}
	r.status = code
}

// ResponseStarted 报告响应头是否已写出。
func (r *HTTPRequest) ResponseStarted() bool {
	return r.c.Writer.Written()
}

// Reset 清除尚未写出的响应头。
func (r *HTTPRequest) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finalized || r.c.Writer.Written() {
		return
	}
	header := r.c.Writer.Header()
	for k := range header {
		delete(header, k)
	}
	r.status = 0
}

// Finalize 写出挂起的状态码并通知传输 goroutine 响应已完成。
func (r *HTTPRequest) Finalize() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finalized {
		return nil
	}
	r.finalized = true

	if !r.c.Writer.Written() {
		status := r.status
		if status == 0 {
			status = http.StatusOK
		}
		r.c.Status(status)
		r.c.Writer.WriteHeaderNow()
	}

	close(r.done)
	return nil
}
