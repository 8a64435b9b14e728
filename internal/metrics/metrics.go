// Package metrics holds the Prometheus collectors for the sync engine. All
// methods are safe on a nil *Metrics so components can run uninstrumented.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	ConnectAttempts *prometheus.CounterVec
	SessionState    *prometheus.GaugeVec
	SocketEvents    *prometheus.CounterVec
	RejectedEvents  *prometheus.CounterVec
	RoomJoins       *prometheus.CounterVec
	Merges          *prometheus.CounterVec
	Duplicates      prometheus.Counter
	PersistErrors   prometheus.Counter
	Rollbacks       *prometheus.CounterVec
	BlobLookups     *prometheus.CounterVec
	BlobStoreBytes  prometheus.Gauge
	BlobSwept       *prometheus.CounterVec
	CompressedBytes prometheus.Histogram
	HTTPRequests    *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ConnectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "roomly_socket_connect_attempts_total",
			Help: "Socket connection attempts by result.",
		}, []string{"result"}),
		SessionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "roomly_session_state",
			Help: "1 for the current session state, 0 otherwise.",
		}, []string{"state"}),
		SocketEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "roomly_socket_events_total",
			Help: "Inbound socket events by name.",
		}, []string{"event"}),
		RejectedEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "roomly_socket_events_rejected_total",
			Help: "Inbound socket frames that failed to decode or validate.",
		}, []string{"event"}),
		RoomJoins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "roomly_room_joins_total",
			Help: "Household join attempts by result.",
		}, []string{"result"}),
		Merges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "roomly_timeline_merges_total",
			Help: "Timeline merges by source.",
		}, []string{"source"}),
		Duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "roomly_timeline_duplicates_total",
			Help: "Incoming entries folded into an existing id.",
		}),
		PersistErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "roomly_timeline_persist_errors_total",
			Help: "Failed write-through saves of a household timeline.",
		}),
		Rollbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "roomly_optimistic_rollbacks_total",
			Help: "Optimistic updates reverted after a server failure.",
		}, []string{"op"}),
		BlobLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "roomly_blob_lookups_total",
			Help: "Blob cache lookups by serving layer (memory, store, miss).",
		}, []string{"layer"}),
		BlobStoreBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "roomly_blob_store_bytes",
			Help: "Aggregate size of the durable blob store.",
		}),
		BlobSwept: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "roomly_blob_swept_total",
			Help: "Blob records removed by the sweep, by reason.",
		}, []string{"reason"}),
		CompressedBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "roomly_blob_stored_bytes",
			Help: "Size of stored blobs after compression.",
			Buckets: []float64{
				10 << 10, 50 << 10, 100 << 10, 250 << 10, 500 << 10,
				1 << 20, 2 << 20, 5 << 20,
			},
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "roomly_debug_http_requests_total",
			Help: "Diagnostics server requests by route and status.",
		}, []string{"method", "path", "status"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.ConnectAttempts, m.SessionState, m.SocketEvents, m.RejectedEvents,
			m.RoomJoins, m.Merges, m.Duplicates, m.PersistErrors, m.Rollbacks,
			m.BlobLookups, m.BlobStoreBytes, m.BlobSwept, m.CompressedBytes,
			m.HTTPRequests,
		)
	}
	return m
}

// States lists every session state label so SetState can zero the others.
var States = []string{"disconnected", "connecting", "authenticating", "authenticated", "joined", "error"}

func (m *Metrics) SetState(state string) {
	if m == nil {
		return
	}
	for _, s := range States {
		v := 0.0
		if s == state {
			v = 1
		}
		m.SessionState.WithLabelValues(s).Set(v)
	}
}

func (m *Metrics) ConnectAttempt(result string) {
	if m == nil {
		return
	}
	m.ConnectAttempts.WithLabelValues(result).Inc()
}

func (m *Metrics) SocketEvent(event string) {
	if m == nil {
		return
	}
	m.SocketEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) RejectedEvent(event string) {
	if m == nil {
		return
	}
	if event == "" {
		event = "unknown"
	}
	m.RejectedEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) RoomJoin(result string) {
	if m == nil {
		return
	}
	m.RoomJoins.WithLabelValues(result).Inc()
}

func (m *Metrics) Merge(source string, duplicates int) {
	if m == nil {
		return
	}
	m.Merges.WithLabelValues(source).Inc()
	if duplicates > 0 {
		m.Duplicates.Add(float64(duplicates))
	}
}

func (m *Metrics) PersistError() {
	if m == nil {
		return
	}
	m.PersistErrors.Inc()
}

func (m *Metrics) Rollback(op string) {
	if m == nil {
		return
	}
	m.Rollbacks.WithLabelValues(op).Inc()
}

func (m *Metrics) BlobLookup(layer string) {
	if m == nil {
		return
	}
	m.BlobLookups.WithLabelValues(layer).Inc()
}

func (m *Metrics) BlobStored(size int64) {
	if m == nil {
		return
	}
	m.CompressedBytes.Observe(float64(size))
}

func (m *Metrics) BlobTotal(total int64) {
	if m == nil {
		return
	}
	m.BlobStoreBytes.Set(float64(total))
}

func (m *Metrics) BlobSweep(reason string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.BlobSwept.WithLabelValues(reason).Add(float64(n))
}

func (m *Metrics) HTTPRequest(method, path, status string) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, path, status).Inc()
}
