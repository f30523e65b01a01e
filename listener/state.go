package listener

import (
	"fmt"
	"log/slog"
	"sync"
)

// ConnState 表示监听器的连接状态。
type ConnState int32

const (
	// StateIdle 监听器尚未启动。
	StateIdle ConnState = iota
	// StateConnecting 监听器正在建立监听。
	StateConnecting
	// StateOnline 监听器已上线并接受请求。
	StateOnline
	// StateOffline 监听器已下线。
	StateOffline
)

func (s ConnState) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateConnecting:
		return "Connecting"
	case StateOnline:
		return "Online"
	case StateOffline:
		return "Offline"
	default:
		return fmt.Sprintf("ConnState(%d)", int32(s))
	}
}

// transitions 描述合法的状态流转。Offline 为终态的例外：
// 重连型监听器允许 Offline → Connecting。
var transitions = map[ConnState][]ConnState{
	StateIdle:       {StateConnecting},
	StateConnecting: {StateOnline, StateOffline},
	StateOnline:     {StateOffline},
	StateOffline:    {StateConnecting},
}

// connStateMachine 管理监听器连接状态流转并同步通知处理器。
type connStateMachine struct {
	mu      sync.Mutex
	current ConnState
	handler StateHandler
	logger  *slog.Logger
}

func newConnStateMachine(logger *slog.Logger) *connStateMachine {
	if logger == nil {
		logger = slog.Default()
	}
	return &connStateMachine{current: StateIdle, logger: logger}
}

// setHandler 注册状态通知回调，启动前调用。
func (m *connStateMachine) setHandler(fn StateHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = fn
}

// state 返回当前状态。
func (m *connStateMachine) state() ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// to 尝试流转到目标状态；非法流转仅记录并返回 false。
// 通知回调在持锁外同步调用，保证对单个监听器的通知有序。
func (m *connStateMachine) to(next ConnState) bool {
	m.mu.Lock()
	from := m.current
	legal := false
	for _, allowed := range transitions[from] {
		if allowed == next {
			legal = true
			break
		}
	}
	if !legal {
		m.mu.Unlock()
		m.logger.Debug("listener state transition rejected", "from", from.String(), "to", next.String())
		return false
	}
	m.current = next
	handler := m.handler
	m.mu.Unlock()

	m.logger.Info("listener state transitioned", "from", from.String(), "to", next.String())
	if handler != nil {
		handler(next)
	}
	return true
}
