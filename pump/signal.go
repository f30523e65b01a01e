package pump

import (
	"context"
	"sync"
)

// Signal 是一次性完成信号：首个 Fire 生效，后续写入者的值被丢弃，
// 任意数量的等待者可以观察它。用作泵的排空完成标记。
type Signal struct {
	done chan struct{}
	once sync.Once
	err  error
}

// NewSignal 创建一个未触发的信号。
func NewSignal() *Signal {
	return &Signal{done: make(chan struct{})}
}

// Fire 触发信号并携带可选错误。返回本次调用是否为首个写入者。
func (s *Signal) Fire(err error) bool {
	fired := false
	s.once.Do(func() {
		// err 写入先于 close，等待者经由通道关闭建立 happens-before。
		s.err = err
		close(s.done)
		fired = true
	})
	return fired
}

// Done 返回完成通知通道。
func (s *Signal) Done() <-chan struct{} {
	return s.done
}

// Fired 报告信号是否已触发。
func (s *Signal) Fired() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Err 返回触发时携带的错误，信号未触发时恒为 nil。
func (s *Signal) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Wait 阻塞等待信号触发或 ctx 结束，返回先到者的错误。
func (s *Signal) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return s.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
