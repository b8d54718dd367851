package monitor

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTickAccumulatesTotal(t *testing.T) {
	m := New()
	for i := 0; i < 10; i++ {
		m.Tick()
	}
	snap := m.Snapshot()
	assert.Equal(t, int64(10), snap.TotalLogs)
}

func TestTickIsConcurrencySafe(t *testing.T) {
	m := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				m.Tick()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(1000), m.Snapshot().TotalLogs)
}

func TestQPSRecomputesOnWindowRollover(t *testing.T) {
	m := New()
	for i := 0; i < 5; i++ {
		m.Tick()
	}
	// Force the window to roll over by backdating it, simulating a second
	// boundary having passed without waiting on a real clock.
	m.windowStart -= 1
	m.Tick()

	snap := m.Snapshot()
	assert.Greater(t, snap.QPS, 0.0)
}

func TestSnapshotUptimeAdvances(t *testing.T) {
	m := New()
	time.Sleep(5 * time.Millisecond)
	snap := m.Snapshot()
	assert.Greater(t, snap.Uptime, time.Duration(0))
}
