package remediation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/qiniu/remediator/internal/alerting/service/jobrunner"
)

const metricsNamespace = "remediator"

// Metrics holds the pipeline's Prometheus collectors.
type Metrics struct {
	Alerts             *prometheus.CounterVec
	Invocations        *prometheus.CounterVec
	InvocationDuration *prometheus.HistogramVec
	RegistryReloads    *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg when it is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "alerts_total",
			Help:      "Alerts handled by result (matched, unmatched, malformed).",
		}, []string{"result"}),

		Invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "invocations_total",
			Help:      "Action invocations by kind and reported status.",
		}, []string{"action", "status"}),

		InvocationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "invocation_duration_seconds",
			Help:      "Wall time of waited invocations until a terminal status.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"action"}),

		RegistryReloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "registry_reloads_total",
			Help:      "Playbook reload attempts by result.",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(m.Alerts, m.Invocations, m.InvocationDuration, m.RegistryReloads)
	}
	return m
}

func (m *Metrics) alert(result string) {
	if m == nil {
		return
	}
	m.Alerts.WithLabelValues(result).Inc()
}

func (m *Metrics) invocation(action string, res *jobrunner.Result) {
	if m == nil || res == nil {
		return
	}
	m.Invocations.WithLabelValues(action, string(res.Outcome)).Inc()
	if res.Outcome != jobrunner.OutcomeSubmitted && res.Invocation.EndedAt != nil {
		m.InvocationDuration.WithLabelValues(action).Observe(res.Invocation.Duration().Seconds())
	}
}

// ObserveReload is meant to be passed to playbook.Watch.
func (m *Metrics) ObserveReload(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.RegistryReloads.WithLabelValues("error").Inc()
		return
	}
	m.RegistryReloads.WithLabelValues("ok").Inc()
}
