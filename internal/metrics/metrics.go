package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registerOnce sync.Once

	presenceDocuments = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "cellsync",
			Subsystem: "presence",
			Name:      "documents",
			Help:      "Documents with at least one present session.",
		},
	)
	presenceSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "cellsync",
			Subsystem: "presence",
			Name:      "sessions",
			Help:      "Sessions present across all documents.",
		},
	)
	routerEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cellsync",
			Subsystem: "router",
			Name:      "events_total",
			Help:      "Collaboration events handled by the router.",
		},
		[]string{"kind", "outcome"},
	)
	auditWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cellsync",
			Subsystem: "audit",
			Name:      "writes_total",
			Help:      "Change-log writes by outcome.",
		},
		[]string{"outcome"},
	)
	wsClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "cellsync",
			Subsystem: "ws",
			Name:      "clients",
			Help:      "Connected websocket clients.",
		},
	)
	relayMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cellsync",
			Subsystem: "relay",
			Name:      "messages_total",
			Help:      "Broadcasts exchanged with other nodes.",
		},
		[]string{"direction"},
	)
)

const (
	OutcomeAccepted = "accepted"
	OutcomeDropped  = "dropped"

	AuditWritten = "written"
	AuditSkipped = "skipped"
	AuditFailed  = "failed"
	AuditDropped = "dropped"
)

func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			presenceDocuments,
			presenceSessions,
			routerEvents,
			auditWrites,
			wsClients,
			relayMessages,
		)
	})
}

func Handler() http.Handler {
	return promhttp.Handler()
}

func SetPresence(documents, sessions int) {
	presenceDocuments.Set(float64(documents))
	presenceSessions.Set(float64(sessions))
}

func RecordEvent(kind, outcome string) {
	routerEvents.WithLabelValues(kind, outcome).Inc()
}

func RecordAudit(outcome string) {
	auditWrites.WithLabelValues(outcome).Inc()
}

func SetClients(n int) {
	wsClients.Set(float64(n))
}

func RecordRelay(direction string) {
	relayMessages.WithLabelValues(direction).Inc()
}
