// Package health 提供组件健康检查：每个检查是一个 Checker 函数，
// Registry 聚合命名检查并提供并行执行与 HTTP 探针端点。
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/wyfcoding/msgpump/listener"
	"github.com/wyfcoding/msgpump/pump"
)

// Checker 定义健康检查函数原型。
type Checker func() error

// PumpChecker 返回消息泵健康检查函数：泵处于 Started 状态视为健康。
func PumpChecker(p *pump.Pump) Checker {
	return func() error {
		if p == nil {
			return errors.New("pump is nil")
		}
		if s := p.State(); s != pump.StateStarted {
			return fmt.Errorf("pump state: %s", s)
		}
		return nil
	}
}

// ListenerChecker 返回监听器连接状态检查函数：Online 视为健康。
func ListenerChecker(state func() listener.ConnState) Checker {
	return func() error {
		if state == nil {
			return errors.New("listener state source is nil")
		}
		if s := state(); s != listener.StateOnline {
			return fmt.Errorf("listener state: %s", s)
		}
		return nil
	}
}

// HTTPChecker 返回 HTTP 依赖健康检查函数。
func HTTPChecker(url string, timeout time.Duration) Checker {
	return func() error {
		if url == "" {
			return errors.New("health check url is empty")
		}
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= http.StatusBadRequest {
			return fmt.Errorf("http health check status: %d", resp.StatusCode)
		}
		return nil
	}
}

// Registry 聚合命名健康检查。
type Registry struct {
	mu       sync.RWMutex
	checkers map[string]Checker
}

// NewRegistry 创建空的健康检查注册表。
func NewRegistry() *Registry {
	return &Registry{checkers: make(map[string]Checker)}
}

// Register 注册一个命名检查，同名覆盖。
func (r *Registry) Register(name string, c Checker) {
	if c == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkers[name] = c
}

// CheckAll 并行执行全部检查，返回各项错误（健康项为 nil）。
func (r *Registry) CheckAll() map[string]error {
	r.mu.RLock()
	checkers := make(map[string]Checker, len(r.checkers))
	for name, c := range r.checkers {
		checkers[name] = c
	}
	r.mu.RUnlock()

	var (
		mu      sync.Mutex
		results = make(map[string]error, len(checkers))
		wg      conc.WaitGroup
	)
	for name, c := range checkers {
		name, c := name, c
		wg.Go(func() {
			err := c()
			mu.Lock()
			results[name] = err
			mu.Unlock()
		})
	}
	wg.Wait()
	return results
}

// Handler 返回探针端点：全部健康时 200，否则 503，响应体为各项状态。
func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		results := r.CheckAll()

		healthy := true
		body := make(map[string]string, len(results))
		for name, err := range results {
			if err != nil {
				healthy = false
				body[name] = err.Error()
			} else {
				body[name] = "ok"
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(body)
	}
}
