package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	JobTransitions    *prometheus.CounterVec
	JobsFinished      *prometheus.CounterVec
	BrokerPublishes   *prometheus.CounterVec
	RPCCalls          *prometheus.CounterVec
	ConsumedEvents    *prometheus.CounterVec
	ClientDeliveries  *prometheus.CounterVec
	ToolInvocations   *prometheus.CounterVec
	AgentSteps        prometheus.Histogram
	JobLatency        prometheus.Histogram
	ActiveConnections prometheus.Gauge

	stages *stageWindow
}

// NewMetrics registers instruments on the default registry.
func NewMetrics(namespace string) *Metrics {
	return NewMetricsWithRegistry(namespace, prometheus.DefaultRegisterer)
}

func NewMetricsWithRegistry(namespace string, reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		JobTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_transitions_total",
			Help:      "Job stage transitions by target stage.",
		}, []string{"to"}),
		JobsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Jobs reaching a terminal stage by outcome.",
		}, []string{"outcome"}),
		BrokerPublishes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broker_publishes_total",
			Help:      "Broker publishes by routing key and result.",
		}, []string{"key", "result"}),
		RPCCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_calls_total",
			Help:      "RPC calls by queue and outcome (reply, timeout, error).",
		}, []string{"queue", "outcome"}),
		ConsumedEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consumed_events_total",
			Help:      "Consumed broker messages by routing key and disposition.",
		}, []string{"key", "disposition"}),
		ClientDeliveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "client_deliveries_total",
			Help:      "Messages routed to client channels by kind and result.",
		}, []string{"kind", "result"}),
		ToolInvocations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_invocations_total",
			Help:      "Tool invocations by tool and status.",
		}, []string{"tool", "status"}),
		AgentSteps: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "agent_steps",
			Help:      "Graph steps executed per agent invocation.",
			Buckets:   []float64{1, 2, 3, 4, 6, 8, 10, 15, 25},
		}),
		JobLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_latency_ms",
			Help:      "Latency from job start to final delivery in milliseconds.",
			Buckets:   []float64{500, 1000, 2000, 3000, 5000, 8000, 13000, 21000, 34000},
		}),
		ActiveConnections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_client_connections",
			Help:      "Client channels currently registered for delivery.",
		}),
		stages: newStageWindow(256),
	}
}

func (m *Metrics) ObserveTransition(to string) {
	if m == nil {
		return
	}
	m.JobTransitions.WithLabelValues(to).Inc()
}

func (m *Metrics) ObserveJobFinished(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.JobsFinished.WithLabelValues(outcome).Inc()
	if outcome == "delivered" {
		m.JobLatency.Observe(float64(elapsed.Milliseconds()))
	}
	m.stages.Observe("job_total", float64(elapsed.Milliseconds()))
}

func (m *Metrics) ObservePublish(key string, err error) {
	if m == nil {
		return
	}
	m.BrokerPublishes.WithLabelValues(key, resultLabel(err)).Inc()
}

func (m *Metrics) ObserveRPC(queue, outcome string) {
	if m == nil {
		return
	}
	m.RPCCalls.WithLabelValues(queue, outcome).Inc()
	if outcome == "timeout" {
		m.stages.ObserveIndicator("rpc_timeout")
	}
}

func (m *Metrics) ObserveConsumed(key, disposition string) {
	if m == nil {
		return
	}
	m.ConsumedEvents.WithLabelValues(key, disposition).Inc()
}

func (m *Metrics) ObserveDelivery(kind string, delivered bool) {
	if m == nil {
		return
	}
	result := "delivered"
	if !delivered {
		result = "no_client"
	}
	m.ClientDeliveries.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) ObserveTool(name, status string) {
	if m == nil {
		return
	}
	m.ToolInvocations.WithLabelValues(name, status).Inc()
}

func (m *Metrics) ObserveAgentSteps(steps int) {
	if m == nil {
		return
	}
	m.AgentSteps.Observe(float64(steps))
}

func (m *Metrics) SetActiveConnections(n int) {
	if m == nil {
		return
	}
	m.ActiveConnections.Set(float64(n))
}

// ObserveStage records how long a pipeline stage took (stt, agent, tts).
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stages.Observe(stage, float64(d.Microseconds())/1000)
}

// ObserveIndicator counts a notable pipeline event such as an apology reply.
func (m *Metrics) ObserveIndicator(name string) {
	if m == nil {
		return
	}
	m.stages.ObserveIndicator(name)
}

func (m *Metrics) SnapshotStages() StageSnapshot {
	if m == nil {
		return StageSnapshot{GeneratedAt: time.Now().UTC(), Stages: []StageStats{}}
	}
	return m.stages.Snapshot()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
