// Package metrics holds the Prometheus collectors of an instance. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	RequestsTotal  *prometheus.CounterVec // result=done|fail|cancel
	Inflight       prometheus.Gauge
	RequestLatency prometheus.Histogram

	Sessions        *prometheus.GaugeVec // state=disconnected|connecting|connected
	ReconnectsTotal prometheus.Counter

	KeyDestroyTotal   *prometheus.CounterVec // result=destroyed|none|failed|timed_out
	KeyCheckTotal     *prometheus.CounterVec // result=valid|invalid|failed
	ConfigFetchTotal  *prometheus.CounterVec // kind=config|cdn_config, result=ok|fail
	ProxyResolveTotal *prometheus.CounterVec // result=ok|fail
}

// New creates the collectors and registers them on reg when it is not nil.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mtp_requests_total",
				Help: "Finished requests by result",
			},
			[]string{"result"},
		),
		Inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mtp_requests_inflight",
			Help: "Requests registered and not yet resolved",
		}),
		RequestLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mtp_request_latency_seconds",
			Help:    "Time from submission to result or failure",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms .. ~10s
		}),
		Sessions: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mtp_sessions",
				Help: "Sessions by connection state",
			},
			[]string{"state"},
		),
		ReconnectsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mtp_reconnects_total",
			Help: "Scheduled session reconnects",
		}),
		KeyDestroyTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mtp_key_destroy_total",
				Help: "Auth key destructions by outcome",
			},
			[]string{"result"},
		),
		KeyCheckTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mtp_key_check_total",
				Help: "Auth key checks by outcome",
			},
			[]string{"result"},
		),
		ConfigFetchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mtp_config_fetch_total",
				Help: "Config fetches by kind and result",
			},
			[]string{"kind", "result"},
		),
		ProxyResolveTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mtp_proxy_resolve_total",
				Help: "Proxy domain lookups by result",
			},
			[]string{"result"},
		),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{
		m.RequestsTotal,
		m.Inflight,
		m.RequestLatency,
		m.Sessions,
		m.ReconnectsTotal,
		m.KeyDestroyTotal,
		m.KeyCheckTotal,
		m.ConfigFetchTotal,
		m.ProxyResolveTotal,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "fail"
}

// RequestStarted counts a newly registered request.
func (m *Metrics) RequestStarted() {
	if m == nil {
		return
	}
	m.Inflight.Inc()
}

// RequestFinished records a resolved request. Canceled requests have no
// latency sample.
func (m *Metrics) RequestFinished(res string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.Inflight.Dec()
	m.RequestsTotal.WithLabelValues(res).Inc()
	if res != "cancel" {
		m.RequestLatency.Observe(elapsed.Seconds())
	}
}

// SessionState moves one session between state gauges. An empty from adds
// a session, an empty to removes one.
func (m *Metrics) SessionState(from, to string) {
	if m == nil || from == to {
		return
	}
	if from != "" {
		m.Sessions.WithLabelValues(from).Dec()
	}
	if to != "" {
		m.Sessions.WithLabelValues(to).Inc()
	}
}

// Reconnect counts a scheduled reconnect.
func (m *Metrics) Reconnect() {
	if m == nil {
		return
	}
	m.ReconnectsTotal.Inc()
}

// KeyDestroyed records the outcome of one key destruction.
func (m *Metrics) KeyDestroyed(res string) {
	if m == nil {
		return
	}
	m.KeyDestroyTotal.WithLabelValues(res).Inc()
}

// KeyChecked records the outcome of one key check.
func (m *Metrics) KeyChecked(res string) {
	if m == nil {
		return
	}
	m.KeyCheckTotal.WithLabelValues(res).Inc()
}

// ConfigFetched records a finished config fetch.
func (m *Metrics) ConfigFetched(kind string, ok bool) {
	if m == nil {
		return
	}
	m.ConfigFetchTotal.WithLabelValues(kind, result(ok)).Inc()
}

// ProxyResolved records a proxy domain lookup.
func (m *Metrics) ProxyResolved(ok bool) {
	if m == nil {
		return
	}
	m.ProxyResolveTotal.WithLabelValues(result(ok)).Inc()
}
