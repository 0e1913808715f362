package fetch

import (
	"slices"
	"sync"
	"time"
)

type sample struct {
	at         time.Time
	durationMs int64
	bytes      int64
}

// StatsSnapshot aggregates the downloads inside the rolling window.
type StatsSnapshot struct {
	Count       int     `json:"count"`
	Bytes       int64   `json:"bytes"`
	MinMs       int64   `json:"min_ms"`
	MaxMs       int64   `json:"max_ms"`
	AvgMs       float64 `json:"avg_ms"`
	P50Ms       float64 `json:"p50_ms"`
	P95Ms       float64 `json:"p95_ms"`
	BytesPerSec float64 `json:"bytes_per_sec"`
}

// DownloadStats tracks recent archive transfers within a rolling window.
type DownloadStats struct {
	mu      sync.Mutex
	samples []sample
	maxAge  time.Duration
}

func NewDownloadStats(maxAge time.Duration) *DownloadStats {
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}
	return &DownloadStats{
		samples: make([]sample, 0, 32),
		maxAge:  maxAge,
	}
}

// Record adds one completed transfer.
func (s *DownloadStats) Record(d time.Duration, bytes int64) {
	ms := d.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	if bytes < 0 {
		bytes = 0
	}
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.pruneLocked(now)
	s.samples = append(s.samples, sample{at: now, durationMs: ms, bytes: bytes})
}

func (s *DownloadStats) Snapshot() StatsSnapshot {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.pruneLocked(now)
	if len(s.samples) == 0 {
		return StatsSnapshot{}
	}

	durations := make([]int64, 0, len(s.samples))
	var sumMs, sumBytes int64
	for _, sm := range s.samples {
		durations = append(durations, sm.durationMs)
		sumMs += sm.durationMs
		sumBytes += sm.bytes
	}
	slices.Sort(durations)

	snap := StatsSnapshot{
		Count: len(durations),
		Bytes: sumBytes,
		MinMs: durations[0],
		MaxMs: durations[len(durations)-1],
		AvgMs: float64(sumMs) / float64(len(durations)),
		P50Ms: percentile(durations, 50),
		P95Ms: percentile(durations, 95),
	}
	if sumMs > 0 {
		snap.BytesPerSec = float64(sumBytes) / (float64(sumMs) / 1000)
	}
	return snap
}

func (s *DownloadStats) pruneLocked(now time.Time) {
	cutoff := now.Add(-s.maxAge)
	s.samples = slices.DeleteFunc(s.samples, func(sm sample) bool {
		return sm.at.Before(cutoff)
	})
}

// percentile interpolates linearly between the closest ranks.
func percentile(sorted []int64, pct float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if pct <= 0 {
		return float64(sorted[0])
	}
	if pct >= 100 {
		return float64(sorted[len(sorted)-1])
	}

	index := (float64(len(sorted)-1) * pct) / 100.0
	lower := int(index)
	upper := lower + 1
	if upper >= len(sorted) {
		return float64(sorted[lower])
	}
	weight := index - float64(lower)
	lo := float64(sorted[lower])
	hi := float64(sorted[upper])
	return lo + ((hi - lo) * weight)
}
