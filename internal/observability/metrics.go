package observability

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registerOnce sync.Once

	activeSessions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "packetbbs",
			Subsystem: "session",
			Name:      "active",
			Help:      "Currently registered sessions.",
		},
		[]string{"transport"},
	)
	commandsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "packetbbs",
			Subsystem: "dispatch",
			Name:      "commands_total",
			Help:      "Commands processed by verb.",
		},
		[]string{"verb"},
	)
	chatPairings = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "packetbbs",
			Subsystem: "chat",
			Name:      "pairings_total",
			Help:      "Chat requests that reached the paired state.",
		},
	)
	storeErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "packetbbs",
			Subsystem: "store",
			Name:      "errors_total",
			Help:      "Message store failures surfaced to users.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(activeSessions, commandsProcessed, chatPairings, storeErrors)
	})
}

func SessionOpened(transport string) {
	RegisterMetrics()
	activeSessions.WithLabelValues(transport).Inc()
}

func SessionClosed(transport string) {
	RegisterMetrics()
	activeSessions.WithLabelValues(transport).Dec()
}

func RecordCommand(verb string) {
	RegisterMetrics()
	commandsProcessed.WithLabelValues(verb).Inc()
}

func RecordChatPairing() {
	RegisterMetrics()
	chatPairings.Inc()
}

func RecordStoreError() {
	RegisterMetrics()
	storeErrors.Inc()
}

// Handler exposes the process metrics endpoint.
func Handler() http.Handler {
	RegisterMetrics()
	return promhttp.Handler()
}
