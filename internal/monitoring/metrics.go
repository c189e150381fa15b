// Package monitoring - metrics.go is the metrics and cost ledger.
//
// DESIGN: Prometheus collectors on a constructor-injected registry (never the
// global default), so each Bridge and each test owns fresh state:
//   - bridge_requests_total{task_type,tier,outcome}
//   - bridge_request_duration_seconds{task_type,tier}
//   - bridge_cost_usd_total{task_type,tier}
//   - bridge_tokens_total{task_type,tier,kind}
//   - bridge_circuit_state{target}            0 closed, 1 open, 2 half-open
//   - bridge_admission_rejections_total{reason}
//   - bridge_pool_in_flight{target}           collected from the pool on scrape
//
// A requestId is recorded at most once (idempotent accounting).
package monitoring

import (
	"bytes"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/common/expfmt"

	"github.com/compresr/ai-bridge/internal/store"
)

// Ledger accumulates request, latency, token and cost series.
type Ledger struct {
	registry *prometheus.Registry
	seen     store.Store

	requests   *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	cost       *prometheus.CounterVec
	tokens     *prometheus.CounterVec
	circuit    *prometheus.GaugeVec
	rejections *prometheus.CounterVec
	namespace  string
}

// NewLedger creates a ledger with its own registry. seen may be nil to
// disable idempotent accounting.
func NewLedger(namespace string, seen store.Store) *Ledger {
	if namespace == "" {
		namespace = "bridge"
	}
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Ledger{
		registry:  reg,
		seen:      seen,
		namespace: namespace,
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Requests handled, by task type, tier and outcome.",
		}, []string{"task_type", "tier", "outcome"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "End-to-end request latency.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"task_type", "tier"}),
		cost: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cost_usd_total",
			Help:      "Cumulative dollar cost of completed requests.",
		}, []string{"task_type", "tier"}),
		tokens: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_total",
			Help:      "Tokens consumed, by kind (prompt or completion).",
		}, []string{"task_type", "tier", "kind"}),
		circuit: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_state",
			Help:      "Circuit breaker state per target (0 closed, 1 open, 2 half-open).",
		}, []string{"target"}),
		rejections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_rejections_total",
			Help:      "Requests rejected by admission control.",
		}, []string{"reason"}),
	}
}

// RecordRequest accounts one finished request. Returns false if the
// requestId was already recorded.
func (l *Ledger) RecordRequest(e LedgerEntry) bool {
	if e.RequestID != "" && l.seen != nil && !l.seen.MarkOnce("ledger:"+e.RequestID) {
		return false
	}
	taskType := e.TaskType
	if taskType == "" {
		taskType = "default"
	}
	tier := e.Tier
	if tier == "" {
		tier = "none"
	}

	l.requests.WithLabelValues(taskType, tier, e.Outcome).Inc()
	l.duration.WithLabelValues(taskType, tier).Observe(e.Duration.Seconds())
	l.cost.WithLabelValues(taskType, tier).Add(e.CostUSD)
	l.tokens.WithLabelValues(taskType, tier, "prompt").Add(float64(e.PromptTokens))
	l.tokens.WithLabelValues(taskType, tier, "completion").Add(float64(e.CompletionTokens))
	return true
}

// SetCircuitState records a breaker state for target.
func (l *Ledger) SetCircuitState(target string, state int) {
	l.circuit.WithLabelValues(target).Set(float64(state))
}

// RecordRejection counts an admission rejection.
func (l *Ledger) RecordRejection(reason string) {
	l.rejections.WithLabelValues(reason).Inc()
}

// WatchPool registers a collector reporting in-flight calls per target,
// read from fn at scrape time.
func (l *Ledger) WatchPool(fn func() map[string]int) error {
	return l.registry.Register(&poolCollector{
		desc: prometheus.NewDesc(
			prometheus.BuildFQName(l.namespace, "pool", "in_flight"),
			"Downstream calls currently holding a pool slot.",
			[]string{"target"}, nil,
		),
		stats: fn,
	})
}

type poolCollector struct {
	desc  *prometheus.Desc
	stats func() map[string]int
}

func (c *poolCollector) Describe(ch chan<- *prometheus.Desc) { ch <- c.desc }

func (c *poolCollector) Collect(ch chan<- prometheus.Metric) {
	for target, n := range c.stats() {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(n), target)
	}
}

// Render returns the Prometheus text exposition of every series.
func (l *Ledger) Render() (string, error) {
	families, err := l.registry.Gather()
	if err != nil {
		return "", fmt.Errorf("gather metrics: %w", err)
	}
	var buf bytes.Buffer
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(&buf, mf); err != nil {
			return "", fmt.Errorf("encode metric %s: %w", mf.GetName(), err)
		}
	}
	return buf.String(), nil
}
