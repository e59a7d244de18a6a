// Package metrics exposes the agent's pipeline health on a private
// prometheus registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Queue lanes.
const (
	LaneLive    = "live"
	LaneBacklog = "backlog"
)

// Download and upload result labels.
const (
	ResultOK      = "ok"
	ResultRetry   = "retry"
	ResultBanned  = "banned"
	ResultSkipped = "skipped"
	ResultFailed  = "failed"
)

// Stage labels for the in-flight gauge.
const (
	StageDownload = "download"
	StageUpload   = "upload"
)

// Metrics manages metric aggregation and exposure. Stages update the
// fields directly.
type Metrics struct {
	registry *prometheus.Registry

	// Pipeline
	QueueDepth    *prometheus.GaugeVec
	BufferBytes   prometheus.Gauge
	InFlight      *prometheus.GaugeVec
	Downloads     *prometheus.CounterVec
	Uploads       *prometheus.CounterVec
	UploadedBytes prometheus.Counter

	// Producers
	Reconnects  prometheus.Counter
	MissedFound prometheus.Counter

	// Retention
	Purged        prometheus.Counter
	PurgeFailures prometheus.Counter

	// Ledger
	LedgerRows prometheus.Gauge
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{registry: reg}

	m.QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "upb_event_queue_depth",
		Help: "Events waiting in the pipeline queue, per lane",
	}, []string{"lane"})
	reg.MustRegister(m.QueueDepth)

	m.BufferBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "upb_download_buffer_bytes",
		Help: "Clip bytes currently held between download and upload",
	})
	reg.MustRegister(m.BufferBytes)

	m.InFlight = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "upb_stage_in_flight",
		Help: "Events being processed, per stage (1=busy, 0=idle)",
	}, []string{"stage"})
	reg.MustRegister(m.InFlight)

	m.Downloads = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "upb_downloads_total",
		Help: "Clip download attempts by result",
	}, []string{"result"})
	reg.MustRegister(m.Downloads)

	m.Uploads = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "upb_uploads_total",
		Help: "Clip upload attempts by result",
	}, []string{"result"})
	reg.MustRegister(m.Uploads)

	m.UploadedBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "upb_uploaded_bytes_total",
		Help: "Clip bytes successfully written to the remote",
	})
	reg.MustRegister(m.UploadedBytes)

	m.Reconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "upb_websocket_reconnects_total",
		Help: "Times the realtime event stream had to be re-established",
	})
	reg.MustRegister(m.Reconnects)

	m.MissedFound = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "upb_missed_events_total",
		Help: "Events the reconciler found missing and re-queued",
	})
	reg.MustRegister(m.MissedFound)

	m.Purged = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "upb_purged_events_total",
		Help: "Events removed from the remote by retention",
	})
	reg.MustRegister(m.Purged)

	m.PurgeFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "upb_purge_failures_total",
		Help: "Retention deletions that failed and will be retried",
	})
	reg.MustRegister(m.PurgeFailures)

	m.LedgerRows = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "upb_ledger_rows",
		Help: "Rows in the upload ledger",
	})
	reg.MustRegister(m.LedgerRows)

	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
