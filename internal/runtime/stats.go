package runtime

import (
	"math"
	"slices"
	"sync"
	"time"

	errspkg "github.com/drblury/hubflow/internal/runtime/errors"
	"github.com/drblury/hubflow/internal/runtime/telemetry"
)

const (
	latencySampleSize    = 256
	throughputWindowSize = time.Minute
)

// ConsumerInfo describes a registered consumer and its counters.
type ConsumerInfo struct {
	Name          string        `json:"name"`
	Group         string        `json:"group"`
	Topics        []string      `json:"topics"`
	Concurrency   int           `json:"concurrency"`
	MaxDeliveries int           `json:"max_deliveries"`
	Commit        string        `json:"commit"`
	Stats         StatsSnapshot `json:"stats"`
}

// StatsSnapshot is a point-in-time copy of a consumer's counters.
type StatsSnapshot struct {
	Processed       uint64            `json:"processed"`
	Failed          uint64            `json:"failed"`
	Retried         uint64            `json:"retried"`
	DeadLettered    uint64            `json:"dead_lettered"`
	Skipped         uint64            `json:"skipped"`
	InFlight        int64             `json:"in_flight"`
	LastProcessedAt time.Time         `json:"last_processed_at"`
	Latency         LatencyMetrics    `json:"latency"`
	Throughput      ThroughputMetrics `json:"throughput"`
	Errors          ErrorBreakdown    `json:"errors"`
}

type LatencyMetrics struct {
	AverageNs  int64 `json:"average_ns"`
	P50Ns      int64 `json:"p50_ns"`
	P95Ns      int64 `json:"p95_ns"`
	P99Ns      int64 `json:"p99_ns"`
	LastNs     int64 `json:"last_ns"`
	SampleSize int   `json:"sample_size"`
}

type ThroughputMetrics struct {
	CurrentRPS       float64 `json:"current_rps"`
	WindowSeconds    float64 `json:"window_seconds"`
	MessagesInWindow uint64  `json:"messages_in_window"`
}

// ErrorBreakdown counts handler failures by severity.
type ErrorBreakdown struct {
	User      uint64 `json:"user"`
	Transient uint64 `json:"transient"`
	Permanent uint64 `json:"permanent"`
	Fatal     uint64 `json:"fatal"`
	LastError string `json:"last_error,omitempty"`
}

func (e *ErrorBreakdown) record(err error) {
	switch errspkg.Triage(err) {
	case errspkg.SeverityUser:
		e.User++
	case errspkg.SeverityPermanent:
		e.Permanent++
	case errspkg.SeverityFatal:
		e.Fatal++
	default:
		e.Transient++
	}
	e.LastError = err.Error()
}

// consumerStats aggregates what one consumer did. It is safe for concurrent
// use by the consumer's workers.
type consumerStats struct {
	mu         sync.Mutex
	snap       StatsSnapshot
	latency    *latencyWindow
	throughput *throughputWindow
}

func newConsumerStats() *consumerStats {
	return &consumerStats{
		latency:    newLatencyWindow(latencySampleSize),
		throughput: newThroughputWindow(throughputWindowSize),
	}
}

func (s *consumerStats) begin() {
	s.mu.Lock()
	s.snap.InFlight++
	s.mu.Unlock()
}

// end records one finished message. err is the handler error, if any.
func (s *consumerStats) end(outcome string, elapsed time.Duration, err error) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.snap.InFlight--
	s.snap.LastProcessedAt = now
	s.latency.Add(elapsed)
	tp := s.throughput.AddAndSnapshot(now)
	s.snap.Throughput = ThroughputMetrics{
		CurrentRPS:       tp.CurrentRPS,
		WindowSeconds:    tp.WindowSeconds,
		MessagesInWindow: uint64(tp.Count),
	}

	switch outcome {
	case telemetry.OutcomeOK:
		s.snap.Processed++
	case telemetry.OutcomeSkipped:
		s.snap.Skipped++
	case telemetry.OutcomeRetry:
		s.snap.Retried++
	case telemetry.OutcomeDeadLetter:
		s.snap.DeadLettered++
	default:
		s.snap.Failed++
	}
	if err != nil {
		s.snap.Errors.record(err)
	}
}

func (s *consumerStats) snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.snap
	out.Latency = s.latency.Snapshot()
	return out
}

type latencyWindow struct {
	samples []int64
	next    int
	filled  int
	last    int64
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = latencySampleSize
	}
	return &latencyWindow{samples: make([]int64, size)}
}

func (lw *latencyWindow) Add(d time.Duration) {
	lw.samples[lw.next] = int64(d)
	lw.last = int64(d)
	lw.next = (lw.next + 1) % len(lw.samples)
	if lw.filled < len(lw.samples) {
		lw.filled++
	}
}

func (lw *latencyWindow) Snapshot() LatencyMetrics {
	metrics := LatencyMetrics{LastNs: lw.last}
	if lw.filled == 0 {
		return metrics
	}

	samples := make([]int64, lw.filled)
	for i := 0; i < lw.filled; i++ {
		idx := lw.next - lw.filled + i
		if idx < 0 {
			idx += len(lw.samples)
		}
		samples[i] = lw.samples[idx]
	}
	slices.Sort(samples)

	var sum int64
	for _, v := range samples {
		sum += v
	}
	metrics.SampleSize = lw.filled
	metrics.AverageNs = sum / int64(len(samples))
	metrics.P50Ns = percentile(samples, 0.50)
	metrics.P95Ns = percentile(samples, 0.95)
	metrics.P99Ns = percentile(samples, 0.99)
	return metrics
}

// percentile interpolates linearly between the closest ranks of sorted
// samples.
func percentile(samples []int64, quantile float64) int64 {
	if len(samples) == 0 {
		return 0
	}
	if quantile <= 0 {
		return samples[0]
	}
	if quantile >= 1 {
		return samples[len(samples)-1]
	}
	pos := quantile * float64(len(samples)-1)
	lower := int(math.Floor(pos))
	upper := int(math.Ceil(pos))
	if lower == upper {
		return samples[lower]
	}
	frac := pos - float64(lower)
	return samples[lower] + int64(float64(samples[upper]-samples[lower])*frac)
}

type throughputWindow struct {
	horizon time.Duration
	samples []time.Time
}

type throughputSnapshot struct {
	Count         int
	WindowSeconds float64
	CurrentRPS    float64
}

func newThroughputWindow(horizon time.Duration) *throughputWindow {
	return &throughputWindow{horizon: horizon, samples: make([]time.Time, 0, 64)}
}

func (tw *throughputWindow) AddAndSnapshot(now time.Time) throughputSnapshot {
	tw.samples = append(tw.samples, now)

	cutoff := now.Add(-tw.horizon)
	idx := 0
	for idx < len(tw.samples) && tw.samples[idx].Before(cutoff) {
		idx++
	}
	if idx > 0 {
		tw.samples = slices.Delete(tw.samples, 0, idx)
	}

	span := now.Sub(tw.samples[0])
	if span <= 0 {
		span = time.Nanosecond
	}
	count := len(tw.samples)
	return throughputSnapshot{
		Count:         count,
		WindowSeconds: span.Seconds(),
		CurrentRPS:    float64(count) / span.Seconds(),
	}
}
