package server

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the coordinator's prometheus collectors.
type Metrics struct {
	Registry *prometheus.Registry

	ConnectedClients   prometheus.Gauge
	ActiveDocuments    prometheus.Gauge
	OperationsApplied  prometheus.Counter
	OperationsRejected prometheus.Counter
	Broadcasts         prometheus.Counter
	Disconnects        prometheus.Counter
}

// NewMetrics builds and registers the collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		ConnectedClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "collab_connected_clients",
			Help: "Currently connected websocket clients.",
		}),
		ActiveDocuments: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "collab_active_documents",
			Help: "Resident document authorities.",
		}),
		OperationsApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "collab_operations_applied_total",
			Help: "Operations accepted and assigned a canonical version.",
		}),
		OperationsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "collab_operations_rejected_total",
			Help: "Operations dropped by validation or transform failure.",
		}),
		Broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "collab_broadcasts_total",
			Help: "Messages fanned out to document peers.",
		}),
		Disconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "collab_disconnects_total",
			Help: "Sessions closed, whether by the server or the client.",
		}),
	}
	reg.MustRegister(
		m.ConnectedClients, m.ActiveDocuments,
		m.OperationsApplied, m.OperationsRejected,
		m.Broadcasts, m.Disconnects,
	)
	return m
}
