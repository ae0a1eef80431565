package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics mirrors the durable counters for scrape-time observability.
// The counters in sqlite are the source of truth across restarts; these
// only cover the current process.
type Metrics struct {
	Fetched      prometheus.Counter
	OCRCompleted prometheus.Counter
	Validated    prometheus.Counter
	Failed       prometheus.Counter
	InReview     prometheus.Gauge
	QueueDepth   prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Fetched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tallyflow", Name: "forms_fetched_total",
			Help: "Forms fetched from the portal and registered.",
		}),
		OCRCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tallyflow", Name: "forms_ocr_completed_total",
			Help: "Forms whose OCR pass produced a full cell set.",
		}),
		Validated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tallyflow", Name: "forms_validated_total",
			Help: "Forms that reached VALIDATED.",
		}),
		Failed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tallyflow", Name: "forms_failed_total",
			Help: "Forms that exhausted retries and were marked FAILED.",
		}),
		InReview: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tallyflow", Name: "forms_in_review",
			Help: "Forms currently waiting on human review.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tallyflow", Name: "ocr_queue_depth",
			Help: "Jobs queued for OCR (not in flight).",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Fetched, m.OCRCompleted, m.Validated, m.Failed, m.InReview, m.QueueDepth)
	}
	return m
}
