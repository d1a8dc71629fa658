package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PipelineMetrics records ingestion pipeline activity.
type PipelineMetrics struct {
	processed  *prometheus.CounterVec
	dropped    *prometheus.CounterVec
	produced   *prometheus.CounterVec
	stepTime   *prometheus.HistogramVec
	inFlight   prometheus.Gauge
	lastEvent  prometheus.Gauge
	pauses     prometheus.Counter
	resumes    prometheus.Counter
	batchSizes prometheus.Histogram
}

// NewPipelineMetrics registers the ingestion metrics on the provided registerer.
func NewPipelineMetrics(reg prometheus.Registerer) *PipelineMetrics {
	if reg == nil {
		return &PipelineMetrics{}
	}
	processed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "events_processed",
		Help: "Events that completed the pipeline.",
	}, []string{"status"})
	dropped := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "events_dropped",
		Help: "Events dropped before reaching the destination topic.",
	}, []string{"reason"})
	produced := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "messages_produced",
		Help: "Messages queued to outbound topics.",
	}, []string{"topic"})
	stepTime := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pipeline_step_duration_seconds",
		Help:    "Duration of individual pipeline steps.",
		Buckets: prometheus.DefBuckets,
	}, []string{"step"})
	inFlight := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "events_in_flight",
		Help: "Events admitted from the broker and not yet resolved.",
	})
	lastEvent := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "last_event_timestamp_seconds",
		Help: "Unix time of the most recent event processed.",
	})
	pauses := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_pauses",
		Help: "Times the consumer paused fetching due to backpressure.",
	})
	resumes := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_resumes",
		Help: "Times the consumer resumed fetching after backpressure.",
	})
	batchSizes := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "consumer_batch_size",
		Help:    "Messages claimed per consumer poll.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})
	reg.MustRegister(processed, dropped, produced, stepTime, inFlight, lastEvent, pauses, resumes, batchSizes)
	return &PipelineMetrics{
		processed:  processed,
		dropped:    dropped,
		produced:   produced,
		stepTime:   stepTime,
		inFlight:   inFlight,
		lastEvent:  lastEvent,
		pauses:     pauses,
		resumes:    resumes,
		batchSizes: batchSizes,
	}
}

// IncProcessed counts an event that completed the pipeline with the given status.
func (p *PipelineMetrics) IncProcessed(status string) {
	if p == nil || p.processed == nil {
		return
	}
	p.processed.WithLabelValues(normalizeLabel(status)).Inc()
}

// IncDropped counts an event dropped for the given reason.
func (p *PipelineMetrics) IncDropped(reason string) {
	if p == nil || p.dropped == nil {
		return
	}
	p.dropped.WithLabelValues(normalizeLabel(reason)).Inc()
}

// IncProduced counts a message queued for the given topic.
func (p *PipelineMetrics) IncProduced(topic string) {
	if p == nil || p.produced == nil {
		return
	}
	p.produced.WithLabelValues(normalizeLabel(topic)).Inc()
}

// ObserveStep records the duration of a named pipeline step.
func (p *PipelineMetrics) ObserveStep(step string, duration time.Duration) {
	if p == nil || p.stepTime == nil {
		return
	}
	p.stepTime.WithLabelValues(normalizeLabel(step)).Observe(duration.Seconds())
}

// SetInFlight reports the number of unresolved events.
func (p *PipelineMetrics) SetInFlight(n int) {
	if p == nil || p.inFlight == nil {
		return
	}
	p.inFlight.Set(float64(n))
}

// MarkEvent stamps the most recent event time.
func (p *PipelineMetrics) MarkEvent(ts time.Time) {
	if p == nil || p.lastEvent == nil {
		return
	}
	p.lastEvent.Set(float64(ts.Unix()))
}

// IncPause counts a backpressure pause.
func (p *PipelineMetrics) IncPause() {
	if p == nil || p.pauses == nil {
		return
	}
	p.pauses.Inc()
}

// IncResume counts a backpressure resume.
func (p *PipelineMetrics) IncResume() {
	if p == nil || p.resumes == nil {
		return
	}
	p.resumes.Inc()
}

// ObserveBatchSize records how many messages one poll returned.
func (p *PipelineMetrics) ObserveBatchSize(n int) {
	if p == nil || p.batchSizes == nil {
		return
	}
	p.batchSizes.Observe(float64(n))
}
