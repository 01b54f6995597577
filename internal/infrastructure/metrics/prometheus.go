package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sglre6355/meteogram/internal/usecase"
)

// Recorder exports download and blob store metrics on its own registry.
type Recorder struct {
	registry *prometheus.Registry

	downloadTotal    *prometheus.CounterVec
	downloadDuration *prometheus.HistogramVec
	blobUnits        *prometheus.CounterVec
	blobBytes        *prometheus.CounterVec
}

// NewRecorder creates a recorder with Go runtime and process collectors registered.
func NewRecorder() *Recorder {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	r := &Recorder{
		registry: registry,
		downloadTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meteogram_download_total",
			Help: "Completed forecast downloads by model and outcome.",
		}, []string{"model", "status"}),
		downloadDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "meteogram_download_duration_seconds",
			Help:    "Duration of forecast downloads.",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"model"}),
		blobUnits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meteogram_blob_units",
			Help: "Storage units touched by blob store operations.",
		}, []string{"operation"}),
		blobBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meteogram_blob_bytes_total",
			Help: "Serialized bytes moved by blob store operations.",
		}, []string{"operation"}),
	}

	registry.MustRegister(r.downloadTotal)
	registry.MustRegister(r.downloadDuration)
	registry.MustRegister(r.blobUnits)
	registry.MustRegister(r.blobBytes)

	return r
}

// Registry returns the Prometheus registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// ObserveDownload records one finished, cancelled or failed download.
func (r *Recorder) ObserveDownload(model string, status usecase.DownloadStatus, elapsed time.Duration) {
	r.downloadTotal.WithLabelValues(model, string(status)).Inc()
	r.downloadDuration.WithLabelValues(model).Observe(elapsed.Seconds())
}

// ObserveUnits counts storage units per blob store operation.
func (r *Recorder) ObserveUnits(operation string, units int) {
	if units <= 0 {
		return
	}
	r.blobUnits.WithLabelValues(operation).Add(float64(units))
}

// ObserveBytes counts serialized bytes per blob store operation.
func (r *Recorder) ObserveBytes(operation string, bytes int) {
	if bytes <= 0 {
		return
	}
	r.blobBytes.WithLabelValues(operation).Add(float64(bytes))
}
