package pump

import (
	"time"

	"github.com/wyfcoding/msgpump/metrics"
)

// 请求结局标签值。
const (
	outcomeOK       = "ok"
	outcomeError    = "error"
	outcomeRejected = "rejected"
	outcomeDropped  = "dropped"
)

// pumpMetrics 是指标采集的薄包装，未注入采集器时所有方法为空操作。
type pumpMetrics struct {
	m *metrics.Metrics
}

func (pm pumpMetrics) inflightInc() {
	if pm.m != nil {
		pm.m.PumpInflight.Inc()
	}
}

func (pm pumpMetrics) inflightDec() {
	if pm.m != nil {
		pm.m.PumpInflight.Dec()
	}
}

func (pm pumpMetrics) observe(outcome string, start time.Time) {
	if pm.m == nil {
		return
	}
	pm.m.PumpRequestsTotal.WithLabelValues(outcome).Inc()
	if !start.IsZero() {
		pm.m.PumpRequestDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	}
}

func (pm pumpMetrics) dropped() {
	if pm.m == nil {
		return
	}
	pm.m.PumpDispatchRejected.Inc()
	pm.m.PumpRequestsTotal.WithLabelValues(outcomeDropped).Inc()
}
