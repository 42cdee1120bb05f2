// Package metrics holds the ledger's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	markersAppendedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nexusledger_markers_appended_total",
		Help: "Total markers appended by event type.",
	}, []string{"event_type"})

	streamLength = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nexusledger_stream_length",
		Help: "Number of markers in the stream.",
	})

	tornTailsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nexusledger_torn_tails_total",
		Help: "Torn-tail truncations performed while opening the stream.",
	})

	rootPublishesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nexusledger_root_publishes_total",
		Help: "Root pointer publications by result.",
	}, []string{"result"})

	bootstrapsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nexusledger_bootstraps_total",
		Help: "Root pointer bootstrap attempts by result code.",
	}, []string{"code"})

	currentEpoch = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nexusledger_control_epoch",
		Help: "Current control epoch.",
	})

	artifactsRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nexusledger_epoch_artifacts_rejected_total",
		Help: "Artifacts rejected by the epoch validity gate, by reason.",
	}, []string{"reason"})

	proofsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nexusledger_proofs_total",
		Help: "Proofs generated by kind and result.",
	}, []string{"kind", "result"})

	// RequestsTotal and RequestDuration are fed by the status API middleware.
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nexusledger_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "nexusledger_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// RecordAppend records a marker append and the new stream length.
func RecordAppend(eventType string, length uint64) {
	markersAppendedTotal.WithLabelValues(eventType).Inc()
	streamLength.Set(float64(length))
}

// SetStreamLength sets the stream length gauge.
func SetStreamLength(length uint64) {
	streamLength.Set(float64(length))
}

// RecordTornTail records a torn-tail truncation.
func RecordTornTail() {
	tornTailsTotal.Inc()
}

// RecordRootPublish records a root publication attempt.
func RecordRootPublish(success bool) {
	if success {
		rootPublishesTotal.WithLabelValues("success").Inc()
	} else {
		rootPublishesTotal.WithLabelValues("failure").Inc()
	}
}

// RecordBootstrap records a bootstrap outcome; an empty code means success.
func RecordBootstrap(code string) {
	if code == "" {
		code = "ok"
	}
	bootstrapsTotal.WithLabelValues(code).Inc()
}

// SetEpoch sets the control epoch gauge.
func SetEpoch(e uint64) {
	currentEpoch.Set(float64(e))
}

// RecordArtifactRejected records an epoch gate rejection.
func RecordArtifactRejected(reason string) {
	artifactsRejectedTotal.WithLabelValues(reason).Inc()
}

// RecordProof records a proof generation attempt.
func RecordProof(kind string, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	proofsTotal.WithLabelValues(kind, result).Inc()
}

var healthChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "nexusledger_health_checks_total",
	Help: "Total ledger self-check probes by probe and result.",
}, []string{"probe", "result"})

// RecordHealthCheck records a self-check probe result.
func RecordHealthCheck(probe string, success bool) {
	if success {
		healthChecksTotal.WithLabelValues(probe, "success").Inc()
	} else {
		healthChecksTotal.WithLabelValues(probe, "failure").Inc()
	}
}
