package balancer

import (
	"fmt"
	"sync"
	"time"

	"github.com/limin5120/LogFun/agentconfig"
)

type entropySample struct {
	ts  time.Time
	key string
}

// WeightedEntropy mutes a func_id only when it is BOTH a frequency outlier
// (same test as ZScore, plus the absolute-count safeguard) AND its
// argument values carry little information — i.e. the same template
// firing with near-identical arguments over and over, the textbook
// "spam" pattern.
type WeightedEntropy struct {
	windowSize time.Duration
	threshold  float64
	minEntropy float64
	minSamples int

	mu   sync.Mutex
	data map[string]map[int][]entropySample
}

// NewWeightedEntropy returns an entropy strategy configured from cfg,
// applying the same strategy defaults as ZScore plus an entropy floor and
// a minimum sample count when a knob is left at zero.
func NewWeightedEntropy(cfg agentconfig.AlgoConfig) *WeightedEntropy {
	window := cfg.WindowSize
	if window == 0 {
		window = 180
	}
	threshold := cfg.Threshold
	if threshold == 0 {
		threshold = 3.0
	}
	minEntropy := cfg.MinEntropy
	if minEntropy == 0 {
		minEntropy = 0.8
	}
	minSamples := cfg.MinSamples
	if minSamples == 0 {
		minSamples = 20
	}
	return &WeightedEntropy{
		windowSize: time.Duration(window) * time.Second,
		threshold:  threshold,
		minEntropy: minEntropy,
		minSamples: minSamples,
		data:       map[string]map[int][]entropySample{},
	}
}

// Record appends one observed (timestamp, stringified-args) sample.
func (e *WeightedEntropy) Record(app string, fid int, ts time.Time, vars []any) {
	e.mu.Lock()
	defer e.mu.Unlock()

	byFid, ok := e.data[app]
	if !ok {
		byFid = map[int][]entropySample{}
		e.data[app] = byFid
	}
	byFid[fid] = append(byFid[fid], entropySample{ts: ts, key: fmt.Sprint(vars)})
}

// Analyze returns func_ids that are both high-frequency outliers and
// low-entropy.
func (e *WeightedEntropy) Analyze(app string) []int {
	e.mu.Lock()
	defer e.mu.Unlock()

	byFid, ok := e.data[app]
	if !ok {
		return nil
	}

	cutoff := time.Now().Add(-e.windowSize)
	counts := map[int]int{}
	for fid, samples := range byFid {
		kept := pruneEntropySamples(samples, cutoff)
		if len(kept) == 0 {
			delete(byFid, fid)
			continue
		}
		byFid[fid] = kept
		counts[fid] = len(kept)
	}
	if len(counts) == 0 {
		return nil
	}

	candidates := highFrequencyCandidates(counts, e.threshold)

	var mute []int
	for _, fid := range candidates {
		samples := byFid[fid]
		if len(samples) < e.minSamples {
			continue
		}
		keys := make([]string, len(samples))
		for i, s := range samples {
			keys[i] = s.key
		}
		if shannonEntropy(keys) < e.minEntropy {
			mute = append(mute, fid)
		}
	}
	return mute
}

func pruneEntropySamples(samples []entropySample, cutoff time.Time) []entropySample {
	i := 0
	for i < len(samples) && samples[i].ts.Before(cutoff) {
		i++
	}
	if i == 0 {
		return samples
	}
	return append([]entropySample{}, samples[i:]...)
}

// highFrequencyCandidates is the frequency half of the compound test: an
// fid qualifies via ordinary z-score comparison against its peers OR the
// absolute-count safeguard, independent of whether a z-score is even
// computable (single fid, or zero variance).
func highFrequencyCandidates(counts map[int]int, threshold float64) []int {
	seen := map[int]bool{}
	var out []int
	add := func(fid int) {
		if !seen[fid] {
			seen[fid] = true
			out = append(out, fid)
		}
	}

	for _, fid := range absoluteOutliers(counts) {
		add(fid)
	}

	if len(counts) >= 2 {
		mean, stdev := meanStdev(counts)
		if stdev > 0 {
			for fid, c := range counts {
				if (float64(c)-mean)/stdev > threshold {
					add(fid)
				}
			}
		}
	}
	return out
}
