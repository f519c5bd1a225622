package telemetry

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// DLQMetrics tracks messages consumers gave up on.
type DLQMetrics struct {
	mu     sync.RWMutex
	topics map[string]*DLQTopicMetrics
	now    func() time.Time

	messagesTotal *prometheus.CounterVec
	ageSeconds    *prometheus.HistogramVec
	attempts      *prometheus.HistogramVec
}

// DLQTopicMetrics holds the dead-letter statistics of one topic.
type DLQTopicMetrics struct {
	Messages        uint64            `json:"messages"`
	ByConsumer      map[string]uint64 `json:"by_consumer"`
	OldestMessageAt time.Time         `json:"oldest_message_at,omitempty"`
	NewestMessageAt time.Time         `json:"newest_message_at,omitempty"`
	AvgAttempts     float64           `json:"avg_attempts"`
}

// DLQMetricsSnapshot is a point-in-time copy of DLQMetrics.
type DLQMetricsSnapshot struct {
	TotalMessages uint64                      `json:"total_messages"`
	Topics        map[string]*DLQTopicMetrics `json:"topics"`
	CollectedAt   time.Time                   `json:"collected_at"`
}

// NewDLQMetrics registers the hubflow_dlq_* collectors with reg.
func NewDLQMetrics(reg prometheus.Registerer) (*DLQMetrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &DLQMetrics{
		topics: make(map[string]*DLQTopicMetrics),
		now:    time.Now,
		messagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dlq",
			Name:      "messages_total",
			Help:      "Messages dead-lettered by topic and consumer.",
		}, []string{"topic", "consumer"}),
		ageSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dlq",
			Name:      "message_age_seconds",
			Help:      "Time between first delivery and dead-lettering.",
			Buckets:   []float64{1, 5, 10, 30, 60, 300, 600, 1800, 3600},
		}, []string{"topic"}),
		attempts: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dlq",
			Name:      "attempts",
			Help:      "Handler invocations before a message was dead-lettered.",
			Buckets:   []float64{1, 2, 3, 5, 10, 20},
		}, []string{"topic"}),
	}

	var err error
	if m.messagesTotal, err = register(reg, m.messagesTotal); err != nil {
		return nil, err
	}
	if m.ageSeconds, err = register(reg, m.ageSeconds); err != nil {
		return nil, err
	}
	if m.attempts, err = register(reg, m.attempts); err != nil {
		return nil, err
	}
	return m, nil
}

// RecordMessageToDLQ records one dead-lettered message.
func (m *DLQMetrics) RecordMessageToDLQ(topic, consumer string, attempts int, age time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	tm, ok := m.topics[topic]
	if !ok {
		tm = &DLQTopicMetrics{ByConsumer: make(map[string]uint64), OldestMessageAt: now}
		m.topics[topic] = tm
	}
	tm.Messages++
	tm.ByConsumer[consumer]++
	tm.NewestMessageAt = now
	tm.AvgAttempts += (float64(attempts) - tm.AvgAttempts) / float64(tm.Messages)

	m.messagesTotal.WithLabelValues(topic, consumer).Inc()
	m.ageSeconds.WithLabelValues(topic).Observe(age.Seconds())
	m.attempts.WithLabelValues(topic).Observe(float64(attempts))
}

// GetSnapshot copies the current statistics.
func (m *DLQMetrics) GetSnapshot() DLQMetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshot := DLQMetricsSnapshot{
		Topics:      make(map[string]*DLQTopicMetrics, len(m.topics)),
		CollectedAt: m.now(),
	}
	for topic, tm := range m.topics {
		snapshot.Topics[topic] = tm.clone()
		snapshot.TotalMessages += tm.Messages
	}
	return snapshot
}

// GetTopicMetrics returns a copy of one topic's statistics, or nil.
func (m *DLQMetrics) GetTopicMetrics(topic string) *DLQTopicMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if tm, ok := m.topics[topic]; ok {
		return tm.clone()
	}
	return nil
}

// Reset clears the statistics and the Prometheus series.
func (m *DLQMetrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.topics = make(map[string]*DLQTopicMetrics)
	m.messagesTotal.Reset()
	m.ageSeconds.Reset()
	m.attempts.Reset()
}

func (tm *DLQTopicMetrics) clone() *DLQTopicMetrics {
	cp := *tm
	cp.ByConsumer = make(map[string]uint64, len(tm.ByConsumer))
	for k, v := range tm.ByConsumer {
		cp.ByConsumer[k] = v
	}
	return &cp
}
