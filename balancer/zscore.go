package balancer

import (
	"sync"
	"time"

	"github.com/limin5120/LogFun/agentconfig"
)

// ZScore mutes func_ids whose recent call frequency is a statistical
// outlier relative to its peers within the same app.
type ZScore struct {
	windowSize time.Duration
	threshold  float64

	mu   sync.Mutex
	data map[string]map[int][]time.Time // app -> fid -> ordered timestamps
}

// NewZScore returns a Z-Score strategy configured from cfg, defaulting a
// zero WindowSize/Threshold to a 180s window and a 3.0 threshold.
func NewZScore(cfg agentconfig.AlgoConfig) *ZScore {
	window := cfg.WindowSize
	if window == 0 {
		window = 180
	}
	threshold := cfg.Threshold
	if threshold == 0 {
		threshold = 3.0
	}
	return &ZScore{
		windowSize: time.Duration(window) * time.Second,
		threshold:  threshold,
		data:       map[string]map[int][]time.Time{},
	}
}

// Record appends one observed call timestamp for (app, fid).
func (z *ZScore) Record(app string, fid int, ts time.Time, _ []any) {
	z.mu.Lock()
	defer z.mu.Unlock()

	byFid, ok := z.data[app]
	if !ok {
		byFid = map[int][]time.Time{}
		z.data[app] = byFid
	}
	byFid[fid] = append(byFid[fid], ts)
}

// Analyze prunes stale samples and returns the func_ids to mute.
func (z *ZScore) Analyze(app string) []int {
	z.mu.Lock()
	defer z.mu.Unlock()

	byFid, ok := z.data[app]
	if !ok {
		return nil
	}

	cutoff := time.Now().Add(-z.windowSize)
	counts := pruneAndCount(byFid, cutoff)
	return zscoreOutliers(counts, z.threshold)
}
