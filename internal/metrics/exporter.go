package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

// Exporter is the metrics sink. It owns its own registry so several
// exporters can coexist in tests.
type Exporter struct {
	metricsPrefix string
	registry      *prometheus.Registry
	activeSet     prometheus.Gauge
	offline       *prometheus.GaugeVec
	offlineOnce   *prometheus.GaugeVec
}

func NewExporter(prefix string) *Exporter {
	if prefix == "" {
		prefix = "kusama"
	}

	e := &Exporter{
		metricsPrefix: prefix,
		registry:      prometheus.NewRegistry(),
		activeSet: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: prefix + "_num_active_set_validators_total",
			Help: "Number of validators forming the active set",
		}),
		offline: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: prefix + "_offline_validator_session_reports_state",
			Help: "Whether a validator is reported as offline in the current session",
		}, []string{"name"}),
		offlineOnce: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: prefix + "_offline_validator_session_at_least_once",
			Help: "Whether a validator is reported as offline at least once in the current era",
		}, []string{"name"}),
	}

	e.registry.MustRegister(e.activeSet)
	e.registry.MustRegister(e.offline)
	e.registry.MustRegister(e.offlineOnce)
	e.registry.MustRegister(collectors.NewGoCollector())
	e.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return e
}

func (e *Exporter) Registry() *prometheus.Registry {
	return e.registry
}

// Handler serves the registry in the Prometheus text format.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{Registry: e.registry})
}

func (e *Exporter) SetActiveSetSize(n int) {
	e.activeSet.Set(float64(n))
}

func (e *Exporter) ActiveSetSize() int {
	return int(gaugeValue(e.activeSet))
}

// MarkOffline flags a validator at risk of being reported offline this session.
func (e *Exporter) MarkOffline(name string) {
	e.offline.WithLabelValues(name).Set(1)
}

func (e *Exporter) ClearOffline(name string) {
	e.offline.WithLabelValues(name).Set(0)
}

func (e *Exporter) IsOffline(name string) bool {
	return gaugeValue(e.offline.WithLabelValues(name)) == 1
}

// MarkOfflineOnce records that a validator was caught offline during the era.
func (e *Exporter) MarkOfflineOnce(name string) {
	e.offlineOnce.WithLabelValues(name).Set(1)
}

func (e *Exporter) ClearOfflineOnce(name string) {
	e.offlineOnce.WithLabelValues(name).Set(0)
}

func (e *Exporter) IsOfflineOnce(name string) bool {
	return gaugeValue(e.offlineOnce.WithLabelValues(name)) == 1
}

func gaugeValue(g prometheus.Gauge) float64 {
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		return 0
	}
	return m.GetGauge().GetValue()
}
