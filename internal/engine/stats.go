package engine

import (
	"runtime"
	"time"
)

func newStatistics() ExecutionStatistics {
	return ExecutionStatistics{ErrorBreakdown: make(map[ErrorCategory]int)}
}

// recordIteration folds one appended iteration into the counters.
// Tool-call attempts are counted as they happen, see recordToolCall.
func (s *ExecutionStatistics) recordIteration(it IterationResult) {
	s.TotalIterations++
	if it.Success {
		s.SuccessfulIterations++
	} else {
		s.FailedIterations++
	}
	// Running mean over all recorded durations.
	n := time.Duration(s.TotalIterations)
	s.AverageIterationDuration += (it.Duration - s.AverageIterationDuration) / n
}

func (s *ExecutionStatistics) recordToolCall() {
	s.TotalToolCalls++
	s.Performance.NetworkRequests++
}

func (s *ExecutionStatistics) recordError(cat ErrorCategory) {
	if s.ErrorBreakdown == nil {
		s.ErrorBreakdown = make(map[ErrorCategory]int)
	}
	s.ErrorBreakdown[cat]++
}

func (s *ExecutionStatistics) recordRateLimit(wait time.Duration) {
	s.RateLimitEncounters++
	s.RateLimitWaitTime += wait
}

// finalize computes throughput and resource figures for a run of length elapsed.
func (s *ExecutionStatistics) finalize(elapsed time.Duration) {
	if elapsed > 0 {
		minutes := elapsed.Minutes()
		s.Performance.Throughput = ThroughputMetrics{
			IterationsPerMinute:     float64(s.TotalIterations) / minutes,
			ToolCallsPerMinute:      float64(s.TotalToolCalls) / minutes,
			ProgressEventsPerSecond: float64(s.TotalProgressEvents) / elapsed.Seconds(),
		}
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	s.Performance.MemoryUsage = float64(ms.HeapAlloc)
}

// AggregateStatistics merges snapshots of finished runs. The mean iteration
// duration is weighted by each run's iteration count, error breakdowns are
// summed and performance figures are averaged. It does not modify its input.
func AggregateStatistics(snapshots []ExecutionStatistics) ExecutionStatistics {
	out := newStatistics()
	if len(snapshots) == 0 {
		return out
	}

	var weighted time.Duration
	var perf PerformanceMetrics
	for _, s := range snapshots {
		out.TotalIterations += s.TotalIterations
		out.SuccessfulIterations += s.SuccessfulIterations
		out.FailedIterations += s.FailedIterations
		out.TotalToolCalls += s.TotalToolCalls
		out.TotalProgressEvents += s.TotalProgressEvents
		out.RateLimitEncounters += s.RateLimitEncounters
		out.RateLimitWaitTime += s.RateLimitWaitTime
		weighted += s.AverageIterationDuration * time.Duration(s.TotalIterations)
		for cat, n := range s.ErrorBreakdown {
			out.ErrorBreakdown[cat] += n
		}

		perf.CPUUsage += s.Performance.CPUUsage
		perf.MemoryUsage += s.Performance.MemoryUsage
		perf.NetworkRequests += s.Performance.NetworkRequests
		perf.FileSystemOperations += s.Performance.FileSystemOperations
		perf.Throughput.IterationsPerMinute += s.Performance.Throughput.IterationsPerMinute
		perf.Throughput.ToolCallsPerMinute += s.Performance.Throughput.ToolCallsPerMinute
		perf.Throughput.ProgressEventsPerSecond += s.Performance.Throughput.ProgressEventsPerSecond
	}

	if out.TotalIterations > 0 {
		out.AverageIterationDuration = weighted / time.Duration(out.TotalIterations)
	}

	n := float64(len(snapshots))
	out.Performance = PerformanceMetrics{
		CPUUsage:             perf.CPUUsage / n,
		MemoryUsage:          perf.MemoryUsage / n,
		NetworkRequests:      perf.NetworkRequests / n,
		FileSystemOperations: perf.FileSystemOperations / n,
		Throughput: ThroughputMetrics{
			IterationsPerMinute:     perf.Throughput.IterationsPerMinute / n,
			ToolCallsPerMinute:      perf.Throughput.ToolCallsPerMinute / n,
			ProgressEventsPerSecond: perf.Throughput.ProgressEventsPerSecond / n,
		},
	}
	return out
}
