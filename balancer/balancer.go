// Package balancer implements the Adaptive Balancer: two interchangeable
// sliding-window strategies (Z-Score and Weighted Entropy) that decide
// which function IDs are noisy enough to mute, plus the LogBalancer-style
// wrapper that picks the active strategy from config and pushes mute
// decisions into Storage.
//
// Restructured as Go interfaces with per-strategy locked maps, in the
// idiom of a sampler/reservoir map+RWMutex pattern, with a
// wrapper-with-swappable-engine style for the active-strategy selection.
package balancer

import (
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	log "github.com/cihub/seelog"

	"github.com/limin5120/LogFun/agentconfig"
)

// absoluteSafeguard is the count above which a single func_id is muted
// outright even when there is no peer to compare it against, or when the
// population's standard deviation is zero.
const absoluteSafeguard = 100

// Strategy is the common interface both balancer algorithms implement.
type Strategy interface {
	Record(app string, fid int, ts time.Time, vars []any)
	Analyze(app string) []int
}

// Controller is the subset of *storage.Storage the balancer needs to push
// mute decisions.
type Controller interface {
	UpdateControl(app, fid, tid string, enable bool, source string)
}

// Balancer selects the active strategy per config and drives an analysis
// cycle's mute decisions into storage.
type Balancer struct {
	mu         sync.RWMutex
	strategies map[string]Strategy
	active     string

	storage Controller
}

// New returns a Balancer with both strategies constructed from cfg, ready
// to switch between them by name.
func New(cfg map[string]agentconfig.AlgoConfig, active string, storage Controller) *Balancer {
	b := &Balancer{
		strategies: map[string]Strategy{
			"zscore":           NewZScore(cfg["zscore"]),
			"weighted_entropy": NewWeightedEntropy(cfg["weighted_entropy"]),
		},
		active:  active,
		storage: storage,
	}
	if _, ok := b.strategies[active]; !ok {
		log.Warnf("balancer: unknown active strategy %q, defaulting to zscore", active)
		b.active = "zscore"
	}
	return b
}

// SetActive switches the strategy consulted by future RecordTraffic/
// RunAnalysisCycle calls. Each strategy keeps its own independent state,
// so switching and switching back does not lose history.
func (b *Balancer) SetActive(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.strategies[name]; ok {
		b.active = name
	}
}

func (b *Balancer) current() Strategy {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.strategies[b.active]
}

// RecordTraffic feeds one observed log item into the active strategy.
func (b *Balancer) RecordTraffic(app string, fid int, vars []any) {
	b.current().Record(app, fid, time.Now(), vars)
}

// RunAnalysisCycle asks the active strategy which func_ids in app look
// like spam and mutes each via storage. An app name of "unknown" (no
// handshake/heartbeat identified it yet) is ignored.
func (b *Balancer) RunAnalysisCycle(app string) {
	if app == "" || app == "unknown" {
		return
	}
	for _, fid := range b.current().Analyze(app) {
		log.Infof("balancer: muting app=%s fid=%d (strategy=%s)", app, fid, b.active)
		b.storage.UpdateControl(app, strconv.Itoa(fid), "", false, "balancer")
	}
}

// pruneAndCount collapses a pruned timestamp-deque map into per-fid counts,
// deleting any fid left with no samples in the window.
func pruneAndCount(byFid map[int][]time.Time, cutoff time.Time) map[int]int {
	counts := map[int]int{}
	for fid, stamps := range byFid {
		kept := pruneBefore(stamps, cutoff)
		if len(kept) == 0 {
			delete(byFid, fid)
			continue
		}
		byFid[fid] = kept
		counts[fid] = len(kept)
	}
	return counts
}

func pruneBefore(stamps []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(stamps) && stamps[i].Before(cutoff) {
		i++
	}
	if i == 0 {
		return stamps
	}
	return append([]time.Time{}, stamps[i:]...)
}

// zscoreOutliers applies a safeguard ladder: with fewer than two
// populated fids, or a zero standard deviation, fall back to an
// absolute-count safeguard; otherwise mute any fid whose z-score exceeds
// threshold.
func zscoreOutliers(counts map[int]int, threshold float64) []int {
	if len(counts) == 0 {
		return nil
	}
	if len(counts) == 1 {
		return absoluteOutliers(counts)
	}

	mean, stdev := meanStdev(counts)
	if stdev == 0 {
		return absoluteOutliers(counts)
	}

	var out []int
	for fid, c := range counts {
		z := (float64(c) - mean) / stdev
		if z > threshold {
			out = append(out, fid)
		}
	}
	sort.Ints(out)
	return out
}

func absoluteOutliers(counts map[int]int) []int {
	var out []int
	for fid, c := range counts {
		if c > absoluteSafeguard {
			out = append(out, fid)
		}
	}
	sort.Ints(out)
	return out
}

func meanStdev(counts map[int]int) (mean, stdev float64) {
	n := float64(len(counts))
	var sum float64
	for _, c := range counts {
		sum += float64(c)
	}
	mean = sum / n

	var sq float64
	for _, c := range counts {
		d := float64(c) - mean
		sq += d * d
	}
	stdev = math.Sqrt(sq / (n - 1))
	return
}

// shannonEntropy computes H = -Σ p·log2(p) over the frequency distribution
// of keys.
func shannonEntropy(keys []string) float64 {
	total := len(keys)
	if total == 0 {
		return 0
	}
	counts := map[string]int{}
	for _, k := range keys {
		counts[k]++
	}
	var h float64
	for _, c := range counts {
		p := float64(c) / float64(total)
		h -= p * math.Log2(p)
	}
	return h
}
