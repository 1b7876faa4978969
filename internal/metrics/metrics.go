package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "hcmp"

type Metrics struct {
	JobsSubmitted    *prometheus.CounterVec
	JobsRejected     *prometheus.CounterVec
	JobsFinished     *prometheus.CounterVec
	Relays           prometheus.Gauge
	Subscribers      prometheus.Gauge
	TerminalSessions prometheus.Gauge
	TerminalLogins   *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		JobsSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_submitted_total",
			Help:      "Provisioning jobs accepted, by template.",
		}, []string{"template"}),
		JobsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_rejected_total",
			Help:      "Provisioning requests rejected before a job was created, by reason.",
		}, []string{"reason"}),
		JobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Provisioning jobs that reached a terminal status.",
		}, []string{"status"}),
		Relays: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "eventbus_relays",
			Help:      "Subjects with a running relay.",
		}),
		Subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "eventbus_subscribers",
			Help:      "Live viewer channels across all subjects.",
		}),
		TerminalSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "terminal_sessions",
			Help:      "Open web terminal sessions.",
		}),
		TerminalLogins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "terminal_logins_total",
			Help:      "Terminal login attempts, by result.",
		}, []string{"result"}),
	}
	reg.MustRegister(m.JobsSubmitted, m.JobsRejected, m.JobsFinished, m.Relays, m.Subscribers, m.TerminalSessions, m.TerminalLogins)
	return m
}

// NewNop returns collectors that are not registered anywhere.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}

// RegisterHandler mounts the scrape endpoint on mux.
func RegisterHandler(mux *http.ServeMux, g prometheus.Gatherer) {
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
}
