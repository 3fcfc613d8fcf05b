package engine

import (
	"testing"
	"time"
)

func TestAggregateStatisticsWeightsDuration(t *testing.T) {
	snapshots := []ExecutionStatistics{
		{TotalIterations: 2, AverageIterationDuration: 100 * time.Millisecond, ErrorBreakdown: map[ErrorCategory]int{CategoryConnection: 1}},
		{TotalIterations: 3, AverageIterationDuration: 200 * time.Millisecond, ErrorBreakdown: map[ErrorCategory]int{CategoryConnection: 2, CategoryTimeout: 1}},
	}

	agg := AggregateStatistics(snapshots)
	if agg.AverageIterationDuration != 160*time.Millisecond {
		t.Errorf("Expected 160ms, got %v", agg.AverageIterationDuration)
	}
	if agg.ErrorBreakdown[CategoryConnection] != 3 || agg.ErrorBreakdown[CategoryTimeout] != 1 {
		t.Errorf("Unexpected breakdown %v", agg.ErrorBreakdown)
	}
	if agg.TotalIterations != 5 {
		t.Errorf("Expected 5 iterations, got %d", agg.TotalIterations)
	}
	// Input must be untouched.
	if snapshots[0].ErrorBreakdown[CategoryConnection] != 1 {
		t.Errorf("Aggregation modified its input")
	}
}

func TestAggregateStatisticsZeroWeight(t *testing.T) {
	snapshots := []ExecutionStatistics{
		{TotalIterations: 0, AverageIterationDuration: time.Hour},
		{TotalIterations: 1, AverageIterationDuration: 50 * time.Millisecond},
	}
	agg := AggregateStatistics(snapshots)
	if agg.AverageIterationDuration != 50*time.Millisecond {
		t.Errorf("Expected 50ms, got %v", agg.AverageIterationDuration)
	}

	agg = AggregateStatistics([]ExecutionStatistics{{}, {}})
	if agg.AverageIterationDuration != 0 {
		t.Errorf("Expected zero duration, got %v", agg.AverageIterationDuration)
	}
}

func TestAggregateStatisticsEmpty(t *testing.T) {
	agg := AggregateStatistics(nil)
	if agg.Performance != (PerformanceMetrics{}) {
		t.Errorf("Expected zero performance metrics, got %+v", agg.Performance)
	}
	if agg.ErrorBreakdown == nil || len(agg.ErrorBreakdown) != 0 {
		t.Errorf("Expected empty breakdown, got %v", agg.ErrorBreakdown)
	}
}

func TestAggregateStatisticsAveragesPerformance(t *testing.T) {
	snapshots := []ExecutionStatistics{
		{Performance: PerformanceMetrics{CPUUsage: 10, MemoryUsage: 100, NetworkRequests: 4, Throughput: ThroughputMetrics{IterationsPerMinute: 2}}},
		{Performance: PerformanceMetrics{CPUUsage: 30, MemoryUsage: 300, NetworkRequests: 8, Throughput: ThroughputMetrics{IterationsPerMinute: 4}}},
	}
	got := AggregateStatistics(snapshots).Performance
	if got.CPUUsage != 20 || got.MemoryUsage != 200 || got.NetworkRequests != 6 {
		t.Errorf("Unexpected averages %+v", got)
	}
	if got.Throughput.IterationsPerMinute != 3 {
		t.Errorf("Expected 3 iterations/min, got %v", got.Throughput.IterationsPerMinute)
	}
}

func TestRecordIterationRunningMean(t *testing.T) {
	s := newStatistics()
	for _, d := range []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond} {
		s.recordIteration(IterationResult{Success: true, Duration: d})
	}
	s.recordIteration(IterationResult{Success: false, Duration: 400 * time.Millisecond})

	if s.AverageIterationDuration != 250*time.Millisecond {
		t.Errorf("Expected 250ms, got %v", s.AverageIterationDuration)
	}
	if s.SuccessfulIterations != 3 || s.FailedIterations != 1 || s.TotalIterations != 4 {
		t.Errorf("Unexpected counters %+v", s)
	}
}

func TestFinalizeThroughput(t *testing.T) {
	s := newStatistics()
	s.TotalIterations = 6
	s.TotalToolCalls = 12
	s.TotalProgressEvents = 30
	s.finalize(time.Minute)

	if s.Performance.Throughput.IterationsPerMinute != 6 {
		t.Errorf("Expected 6 iterations/min, got %v", s.Performance.Throughput.IterationsPerMinute)
	}
	if s.Performance.Throughput.ToolCallsPerMinute != 12 {
		t.Errorf("Expected 12 calls/min, got %v", s.Performance.Throughput.ToolCallsPerMinute)
	}
	if s.Performance.Throughput.ProgressEventsPerSecond != 0.5 {
		t.Errorf("Expected 0.5 events/s, got %v", s.Performance.Throughput.ProgressEventsPerSecond)
	}
}
