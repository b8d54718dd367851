// Package monitor implements the Traffic Monitor: a single process-wide
// counter of ingested log items plus a rolling 1-second QPS figure,
// consumed by the dashboard.
//
// Grounded on cmd/trace-agent/sampler.go's logStats goroutine (atomic
// counters swapped out on a ticker to derive a rate), simplified here to
// a single incrementing counter rather than a kept/total pair.
package monitor

import (
	"sync/atomic"
	"time"
)

// Snapshot is the dashboard-facing view of the monitor's state.
type Snapshot struct {
	Uptime    time.Duration `json:"uptime"`
	TotalLogs int64         `json:"total_logs"`
	QPS       float64       `json:"qps"`
}

// Monitor counts ingested log items and derives a rolling QPS. Tick is
// called from every session handler's LOG_DATA path, so it must be safe
// for concurrent use without blocking the caller.
type Monitor struct {
	startedAt time.Time

	total        int64 // atomic: all-time total
	currentCount int64 // atomic: count accumulated within the current second
	currentQPS   int64 // atomic: bits of the last-computed float64 QPS
	windowStart  int64 // atomic: unix seconds of the window currentCount belongs to
}

// New returns a Monitor whose uptime clock starts now.
func New() *Monitor {
	return &Monitor{
		startedAt:   time.Now(),
		windowStart: time.Now().Unix(),
	}
}

// Tick records one ingested log item. When the wall-clock second has
// advanced past the window currentCount was accumulating in, the window
// rolls over and QPS is recomputed from the count it just closed out.
func (m *Monitor) Tick() {
	atomic.AddInt64(&m.total, 1)

	now := time.Now().Unix()
	prevWindow := atomic.LoadInt64(&m.windowStart)
	if now == prevWindow {
		atomic.AddInt64(&m.currentCount, 1)
		return
	}

	if atomic.CompareAndSwapInt64(&m.windowStart, prevWindow, now) {
		closed := atomic.SwapInt64(&m.currentCount, 0)
		elapsed := float64(now - prevWindow)
		if elapsed <= 0 {
			elapsed = 1
		}
		qps := float64(closed) / elapsed
		atomic.StoreInt64(&m.currentQPS, int64(qps*1000)) // fixed-point, 3 decimal places
	}
	atomic.AddInt64(&m.currentCount, 1)
}

// Snapshot returns the monitor's current view for the dashboard.
func (m *Monitor) Snapshot() Snapshot {
	return Snapshot{
		Uptime:    time.Since(m.startedAt),
		TotalLogs: atomic.LoadInt64(&m.total),
		QPS:       float64(atomic.LoadInt64(&m.currentQPS)) / 1000,
	}
}
