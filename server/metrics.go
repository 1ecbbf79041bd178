package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"openidrp/openid"
	"openidrp/session"
)

// Metrics counts login attempts and sweeper work. It implements
// session.Recorder.
type Metrics struct {
	registry       *prometheus.Registry
	LoginsStarted  *prometheus.CounterVec
	LoginsFinished *prometheus.CounterVec
	Swept          *prometheus.CounterVec
}

// NewMetrics registers the collectors on a private registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		LoginsStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "openidrp_logins_started_total",
			Help: "Login attempts by purpose and result (ok, discovery_error, association_error, error)",
		}, []string{"purpose", "result"}),
		LoginsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "openidrp_logins_finished_total",
			Help: "Completed logins by purpose and result (ok, session_not_found, failure kind, continuation_error, error)",
		}, []string{"purpose", "result"}),
		Swept: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "openidrp_swept_entries_total",
			Help: "Expired entries removed by the sweeper, by store",
		}, []string{"store"}),
	}
}

// LoginStarted records the outcome of a commence.
func (m *Metrics) LoginStarted(purpose session.Purpose, err error) {
	result := "ok"
	switch {
	case err == nil:
	case openid.IsErrDiscovery(err):
		result = "discovery_error"
	case openid.IsErrAssociation(err):
		result = "association_error"
	default:
		result = "error"
	}
	m.LoginsStarted.WithLabelValues(string(purpose), result).Inc()
}

// LoginFinished records the outcome of a finish.
func (m *Metrics) LoginFinished(purpose session.Purpose, err error) {
	result := "ok"
	switch {
	case err == nil:
	case session.IsErrSessionNotFound(err):
		result = "session_not_found"
	case openid.IsErrVerification(err):
		result = string(openid.VerificationKind(err))
	case session.IsErrContinuation(err):
		result = "continuation_error"
	default:
		result = "error"
	}
	m.LoginsFinished.WithLabelValues(string(purpose), result).Inc()
}

// Handler exposes the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
