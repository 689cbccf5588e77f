package runtime

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/drblury/ackflow/internal/runtime/correlator"
)

// PublishMetrics tracks guaranteed publish outcomes.
type PublishMetrics struct {
	mu      sync.RWMutex
	topics  map[string]*TopicPublishStats
	latency *latencyWindow

	submittedTotal     *prometheus.CounterVec
	outcomesTotal      *prometheus.CounterVec
	sendRejectedTotal  *prometheus.CounterVec
	directTotal        *prometheus.CounterVec
	pendingCurrent     *prometheus.GaugeVec
	ackLatencySeconds  *prometheus.HistogramVec
	drainBatchMessages prometheus.Histogram

	registerer prometheus.Registerer
	registered bool
}

// TopicPublishStats holds the outcome counts of one topic.
type TopicPublishStats struct {
	Submitted     uint64    `json:"submitted"`
	Accepted      uint64    `json:"accepted"`
	Rejected      uint64    `json:"rejected"`
	Indeterminate uint64    `json:"indeterminate"`
	SendRejected  uint64    `json:"send_rejected"`
	Direct        uint64    `json:"direct"`
	LastAckAt     time.Time `json:"last_ack_at,omitempty"`
}

// Pending is the number of submitted messages without a released outcome.
func (t TopicPublishStats) Pending() uint64 {
	done := t.Accepted + t.Rejected + t.Indeterminate
	if done > t.Submitted {
		return 0
	}
	return t.Submitted - done
}

// PublishStats is a point-in-time view of PublishMetrics.
type PublishStats struct {
	Accepted      uint64                       `json:"accepted"`
	Rejected      uint64                       `json:"rejected"`
	Indeterminate uint64                       `json:"indeterminate"`
	SendRejected  uint64                       `json:"send_rejected"`
	Direct        uint64                       `json:"direct"`
	AckLatency    AckLatency                   `json:"ack_latency"`
	Topics        map[string]TopicPublishStats `json:"topics"`
	CollectedAt   time.Time                    `json:"collected_at"`
}

func newPublisherCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ackflow",
			Subsystem: "publisher",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// NewPublishMetrics creates the publish collectors. A nil registerer means
// prometheus.DefaultRegisterer.
func NewPublishMetrics(registerer prometheus.Registerer) *PublishMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &PublishMetrics{
		topics:            make(map[string]*TopicPublishStats),
		latency:           newLatencyWindow(ackLatencySampleSize),
		registerer:        registerer,
		submittedTotal:    newPublisherCounterVec("submitted_total", "Messages handed to the transport for guaranteed delivery", []string{"topic"}),
		outcomesTotal:     newPublisherCounterVec("outcomes_total", "Released publish records by outcome", []string{"topic", "status"}),
		sendRejectedTotal: newPublisherCounterVec("send_rejected_total", "Messages the transport refused synchronously", []string{"topic"}),
		directTotal:       newPublisherCounterVec("direct_total", "Direct messages published without acknowledgement tracking", []string{"topic"}),
		pendingCurrent: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ackflow",
			Subsystem: "publisher",
			Name:      "pending_current",
			Help:      "Submitted messages whose record has not been released",
		}, []string{"topic"}),
		ackLatencySeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ackflow",
			Subsystem: "publisher",
			Name:      "ack_latency_seconds",
			Help:      "Time from submission to broker acknowledgement",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"topic"}),
		drainBatchMessages: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ackflow",
			Subsystem: "publisher",
			Name:      "drain_batch_messages",
			Help:      "Records released by one drain",
			Buckets:   []float64{1, 2, 5, 10, 25, 50, 100, 250},
		}),
	}
}

// Register registers the collectors. Safe to call multiple times; collectors
// another publisher already registered are reused. Any other registration
// failure is returned and Register may be retried.
func (m *PublishMetrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	var errs []error
	m.submittedTotal = registerOrExisting(m.registerer, m.submittedTotal, &errs)
	m.outcomesTotal = registerOrExisting(m.registerer, m.outcomesTotal, &errs)
	m.sendRejectedTotal = registerOrExisting(m.registerer, m.sendRejectedTotal, &errs)
	m.directTotal = registerOrExisting(m.registerer, m.directTotal, &errs)
	m.pendingCurrent = registerOrExisting(m.registerer, m.pendingCurrent, &errs)
	m.ackLatencySeconds = registerOrExisting(m.registerer, m.ackLatencySeconds, &errs)
	m.drainBatchMessages = registerOrExisting(m.registerer, m.drainBatchMessages, &errs)
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("ackflow: register publish metrics: %w", err)
	}

	m.registered = true
	return nil
}

func registerOrExisting[C prometheus.Collector](r prometheus.Registerer, c C, errs *[]error) C {
	err := r.Register(c)
	if err == nil {
		return c
	}
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(C); ok {
			return existing
		}
	}
	*errs = append(*errs, err)
	return c
}

// RecordSubmitted counts a message handed to the transport.
func (m *PublishMetrics) RecordSubmitted(topic string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.topic(topic).Submitted++

	m.submittedTotal.WithLabelValues(topic).Inc()
	m.pendingCurrent.WithLabelValues(topic).Inc()
}

// RecordDirect counts an untracked direct publish.
func (m *PublishMetrics) RecordDirect(topic string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.topic(topic).Direct++
	m.directTotal.WithLabelValues(topic).Inc()
}

// RecordSendRejected counts a synchronous send failure.
func (m *PublishMetrics) RecordSendRejected(topic string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.topic(topic).SendRejected++
	m.sendRejectedTotal.WithLabelValues(topic).Inc()
}

// RecordOutcome counts a released record. latency is ignored for
// indeterminate outcomes.
func (m *PublishMetrics) RecordOutcome(topic string, status correlator.Status, latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := m.topic(topic)
	switch status {
	case correlator.StatusAccepted:
		stats.Accepted++
	case correlator.StatusRejected:
		stats.Rejected++
	default:
		status = correlator.StatusIndeterminate
		stats.Indeterminate++
	}
	if status != correlator.StatusIndeterminate {
		stats.LastAckAt = time.Now()
		m.latency.add(latency)
		m.ackLatencySeconds.WithLabelValues(topic).Observe(latency.Seconds())
	}

	m.outcomesTotal.WithLabelValues(topic, string(status)).Inc()
	m.pendingCurrent.WithLabelValues(topic).Dec()
}

// RecordDrain observes the size of one non-empty drain.
func (m *PublishMetrics) RecordDrain(released int) {
	if released > 0 {
		m.drainBatchMessages.Observe(float64(released))
	}
}

// Snapshot returns a copy of the counters.
func (m *PublishMetrics) Snapshot() PublishStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := PublishStats{
		AckLatency:  m.latency.snapshot(),
		Topics:      make(map[string]TopicPublishStats, len(m.topics)),
		CollectedAt: time.Now(),
	}
	for topic, stats := range m.topics {
		snap.Topics[topic] = *stats
		snap.Accepted += stats.Accepted
		snap.Rejected += stats.Rejected
		snap.Indeterminate += stats.Indeterminate
		snap.SendRejected += stats.SendRejected
		snap.Direct += stats.Direct
	}
	return snap
}

func (m *PublishMetrics) topic(topic string) *TopicPublishStats {
	if stats, ok := m.topics[topic]; ok {
		return stats
	}
	stats := &TopicPublishStats{}
	m.topics[topic] = stats
	return stats
}
