// Package stats summarizes a finished run for humans.
package stats

import (
	"sort"
	"time"

	"github.com/influxdata/tdigest"

	"github.com/randomizedcoder/go-procrun/internal/result"
)

// digestCompression keeps about 100 centroids per digest.
const digestCompression = 100

// RunStats is what the exit summary reports about a result.
type RunStats struct {
	Procs    int
	Exited   int
	Failed   int
	Signaled int

	ExitCodes map[int]int
	Signals   map[int]int

	// PeakRSS is the largest max-RSS of any reaped process, in kilobytes.
	PeakRSS    int64
	PeakRSSIdx int

	Errors        int
	ProcErrors    int
	CapturedBytes int64

	elapsed    *tdigest.TDigest
	cpu        *tdigest.TDigest
	maxElapsed time.Duration
	maxCPU     time.Duration
}

// Percentiles holds the quantiles the summary shows.
type Percentiles struct {
	P50, P95, P99, Max time.Duration
}

// Collect computes RunStats from res.
func Collect(res *result.Result) *RunStats {
	s := &RunStats{
		ExitCodes:  make(map[int]int),
		Signals:    make(map[int]int),
		PeakRSSIdx: -1,
		elapsed:    tdigest.NewWithCompression(digestCompression),
		cpu:        tdigest.NewWithCompression(digestCompression),
	}
	if res == nil {
		return s
	}

	s.Errors = len(res.Errors)
	for _, pr := range res.Procs {
		s.Add(pr)
	}
	return s
}

// Add folds one process into the stats.
func (s *RunStats) Add(pr *result.ProcResult) {
	s.Procs++
	switch pr.Outcome() {
	case "signaled":
		s.Signaled++
	case "failed":
		s.Failed++
	default:
		s.Exited++
	}
	if pr.ExitCode != nil {
		s.ExitCodes[*pr.ExitCode]++
	}
	if pr.Signal != nil {
		s.Signals[*pr.Signal]++
	}

	el := pr.Elapsed * float64(time.Second)
	s.elapsed.Add(el, 1)
	s.maxElapsed = max(s.maxElapsed, time.Duration(el))
	cpu := (pr.Rusage.UserTime + pr.Rusage.SystemTime) * float64(time.Second)
	s.cpu.Add(cpu, 1)
	s.maxCPU = max(s.maxCPU, time.Duration(cpu))

	if pr.Rusage.MaxRSS > s.PeakRSS {
		s.PeakRSS = pr.Rusage.MaxRSS
		s.PeakRSSIdx = pr.Index
	}
	s.ProcErrors += len(pr.Errors)
	for _, fr := range pr.Fds {
		s.CapturedBytes += int64(fr.Size())
	}
}

// Elapsed returns wall time percentiles.
func (s *RunStats) Elapsed() Percentiles {
	return percentiles(s.elapsed, s.maxElapsed, s.Procs)
}

// CPU returns user plus system time percentiles.
func (s *RunStats) CPU() Percentiles {
	return percentiles(s.cpu, s.maxCPU, s.Procs)
}

// percentiles reads quantiles from the digest. The maximum is tracked
// exactly since the digest only approximates the tails.
func percentiles(td *tdigest.TDigest, hi time.Duration, n int) Percentiles {
	if n == 0 {
		return Percentiles{}
	}
	q := func(p float64) time.Duration { return min(time.Duration(td.Quantile(p)), hi) }
	return Percentiles{P50: q(0.50), P95: q(0.95), P99: q(0.99), Max: hi}
}

// SortedExitCodes returns the exit codes seen, ascending.
func (s *RunStats) SortedExitCodes() []int {
	return sortedKeys(s.ExitCodes)
}

// SortedSignals returns the signals seen, ascending.
func (s *RunStats) SortedSignals() []int {
	return sortedKeys(s.Signals)
}

func sortedKeys(m map[int]int) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}
