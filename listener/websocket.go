package listener

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wyfcoding/msgpump/async"
	"github.com/wyfcoding/msgpump/config"
	"github.com/wyfcoding/msgpump/contextx"
	"github.com/wyfcoding/msgpump/idgen"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}

		u, err := url.Parse(origin)
		if err != nil {
			return false
		}

		// 同源检查：校验 Origin 的 Host 是否与请求的 Host 匹配.
		// 注意：r.Host 可能包含端口，需要处理.
		requestHost := r.Host
		originHost := u.Host

		if h, _, splitErr := net.SplitHostPort(requestHost); splitErr == nil {
			requestHost = h
		}
		if h, _, splitErr := net.SplitHostPort(originHost); splitErr == nil {
			originHost = h
		}

		if strings.EqualFold(requestHost, originHost) {
			return true
		}

		// 本地开发环境允许 localhost 访问.
		return originHost == "localhost" || originHost == "127.0.0.1"
	},
}

// WebsocketListener 基于 gorilla/websocket 的传输监听器。
// 每条入站消息即为一个请求；响应以统一信封写回同一连接。
type WebsocketListener struct {
	cfg      config.ListenerConfig
	logger   *slog.Logger
	srv      *http.Server
	sm       *connStateMachine
	prefixes *PrefixSet

	mu       sync.Mutex
	dispatch DispatchFunc

	ln          net.Listener
	started     int32
	disposeOnce sync.Once
}

// NewWebsocketListener 创建一个 WebSocket 监听器。
func NewWebsocketListener(cfg config.ListenerConfig, logger *slog.Logger) *WebsocketListener {
	if logger == nil {
		logger = slog.Default()
	}

	l := &WebsocketListener{
		cfg:      cfg,
		logger:   logger,
		sm:       newConnStateMachine(logger),
		prefixes: NewPrefixSet(),
	}

	path := cfg.Websocket.Path
	if path == "" {
		path = "/ws"
	}
	mux := http.NewServeMux()
	mux.HandleFunc(path, l.serveConn)

	l.srv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}

	return l
}

// SetDispatch 注册派发回调。
func (l *WebsocketListener) SetDispatch(fn DispatchFunc) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dispatch = fn
}

// SetStateHandler 注册连接状态通知回调。
func (l *WebsocketListener) SetStateHandler(fn StateHandler) {
	l.sm.setHandler(fn)
}

// Prefixes 返回地址前缀集合。
func (l *WebsocketListener) Prefixes() *PrefixSet {
	return l.prefixes
}

// State 返回监听器当前连接状态。
func (l *WebsocketListener) State() ConnState {
	return l.sm.state()
}

// Addr 返回实际绑定的地址，未启动时为空。
func (l *WebsocketListener) Addr() string {
	if l.ln == nil {
		return ""
	}
	return l.ln.Addr().String()
}

// Start 建立监听并异步开始服务。
func (l *WebsocketListener) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&l.started, 0, 1) {
		return ErrAlreadyStarted
	}

	l.sm.to(StateConnecting)

	addr := l.cfg.Addr
	if p := l.prefixes.First(); p != "" {
		if parsed := parsePrefix(p); parsed != "" {
			addr = parsed
		}
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		l.sm.to(StateOffline)
		return err
	}
	l.ln = ln
	l.sm.to(StateOnline)
	l.logger.Info("websocket listener online", "addr", ln.Addr().String())

	async.SafeGo(func() {
		if serveErr := l.srv.Serve(ln); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			l.logger.Error("websocket listener serve exited", "error", serveErr)
		}
		l.sm.to(StateOffline)
	})

	return nil
}

// Dispose 立即关闭监听器。幂等。
func (l *WebsocketListener) Dispose() error {
	var err error
	l.disposeOnce.Do(func() {
		err = l.srv.Close()
	})
	return err
}

// serveConn 升级连接并进入读循环。每条入站消息派发一次，读循环不等待
// 前一条消息的处理结果，后续消息可以并行处理。
func (l *WebsocketListener) serveConn(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.logger.Warn("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	if l.cfg.Websocket.ReadLimit > 0 {
		conn.SetReadLimit(l.cfg.Websocket.ReadLimit)
	}

	sendQueue := l.cfg.Websocket.SendQueue
	if sendQueue <= 0 {
		sendQueue = 64
	}
	client := &wsClient{
		conn:    conn,
		send:    make(chan []byte, sendQueue),
		timeout: l.cfg.Websocket.WriteTimeout,
		logger:  l.logger,
	}
	async.SafeGo(client.writeLoop)

	baseCtx := contextx.WithListener(r.Context(), "websocket")
	baseCtx = contextx.WithClientIP(baseCtx, r.RemoteAddr)

	for {
		msgType, payload, readErr := conn.ReadMessage()
		if readErr != nil {
			if websocket.IsUnexpectedCloseError(readErr, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				l.logger.Warn("websocket read failed", "error", readErr, "remote", r.RemoteAddr)
			}
			client.close()
			return
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}

		dispatch := l.dispatchFn()
		if dispatch == nil {
			client.enqueue(mustEnvelope(http.StatusServiceUnavailable, nil))
			continue
		}

		ctx := contextx.WithRequestID(baseCtx, idgen.GenIDString())
		dispatch(newWSRequest(ctx, client, payload))
	}
}

func (l *WebsocketListener) dispatchFn() DispatchFunc {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dispatch
}

// wsClient 持有单个连接的写队列，所有帧写出串行化在 writeLoop 中。
type wsClient struct {
	conn    *websocket.Conn
	send    chan []byte
	timeout time.Duration
	logger  *slog.Logger

	mu     sync.Mutex
	closed bool
}

func (c *wsClient) enqueue(msg []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- msg:
	default:
		c.logger.Warn("websocket send queue full, dropping frame")
	}
}

func (c *wsClient) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *wsClient) writeLoop() {
	defer c.conn.Close()
	for msg := range c.send {
		if c.timeout > 0 {
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
		}
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			c.logger.Warn("websocket write failed", "error", err)
			return
		}
	}
}

// wsEnvelope 是写回客户端的统一响应信封。
type wsEnvelope struct {
	Code int             `json:"code"`
	Data json.RawMessage `json:"data,omitempty"`
}

func mustEnvelope(code int, data []byte) []byte {
	if data != nil && !json.Valid(data) {
		quoted, _ := json.Marshal(string(data))
		data = quoted
	}
	out, err := json.Marshal(wsEnvelope{Code: code, Data: data})
	if err != nil {
		return []byte(`{"code":500}`)
	}
	return out
}

// WSRequest 是 WebSocket 传输的 RequestContext 实现。
type WSRequest struct {
	ctx    context.Context
	client *wsClient

	payload []byte

	mu        sync.Mutex
	status    int
	body      []byte
	finalized bool
}

func newWSRequest(ctx context.Context, client *wsClient, payload []byte) *WSRequest {
	return &WSRequest{ctx: ctx, client: client, payload: payload}
}

// Payload 返回入站消息内容，供应用层读取。
func (r *WSRequest) Payload() []byte {
	return r.payload
}

// Respond 记录待写回的响应体。
func (r *WSRequest) Respond(data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finalized {
		return
	}
	r.body = data
}

// Context 返回请求范围的 context。
func (r *WSRequest) Context() context.Context {
	return r.ctx
}

// SetStatus 记录响应状态码。
func (r *WSRequest) SetStatus(code int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finalized {
		return
	}
	r.status = code
}

// ResponseStarted 报告响应帧是否已写出。帧写出是原子的，完成前恒为 false。
func (r *WSRequest) ResponseStarted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finalized
}

// Reset 清除未写出的响应内容。
func (r *WSRequest) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finalized {
		return
	}
	r.status = 0
	r.body = nil
}

// Finalize 将响应信封写入连接的发送队列。
func (r *WSRequest) Finalize() error {
	r.mu.Lock()
	if r.finalized {
		r.mu.Unlock()
		return nil
	}
	r.finalized = true
	status := r.status
	if status == 0 {
		status = http.StatusOK
	}
	body := r.body
	r.mu.Unlock()

	r.client.enqueue(mustEnvelope(status, body))
	return nil
}
