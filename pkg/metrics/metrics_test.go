package metrics

import (
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestWorkerMetricsExportsCountersAndHistogram(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewWorkerMetrics(reg)
	task := "processEvent"
	metrics.ObserveDuration(task, 250*time.Millisecond)
	metrics.IncCompleted(task)
	metrics.IncTimedOut(task)
	metrics.SetQueueSize(3)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}

	if got, err := fetchCounterValue(mfs, "task_completed", "task", task); err != nil {
		t.Fatalf("fetch completed: %v", err)
	} else if got != 1 {
		t.Fatalf("expected completed=1, got %f", got)
	}

	if got, err := fetchCounterValue(mfs, "task_timed_out", "task", task); err != nil {
		t.Fatalf("fetch timed out: %v", err)
	} else if got != 1 {
		t.Fatalf("expected timed_out=1, got %f", got)
	}

	if got, err := fetchHistogramSum(mfs, "task_duration_seconds", "task", task); err != nil {
		t.Fatalf("fetch duration: %v", err)
	} else if got <= 0 {
		t.Fatalf("expected duration sum > 0, got %f", got)
	}
}

func TestPipelineMetricsCountsDrops(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewPipelineMetrics(reg)
	metrics.IncDropped("invalid_payload")
	metrics.IncDropped("invalid_payload")
	metrics.IncProcessed("ok")

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	if got, err := fetchCounterValue(mfs, "events_dropped", "reason", "invalid_payload"); err != nil {
		t.Fatalf("fetch dropped: %v", err)
	} else if got != 2 {
		t.Fatalf("expected dropped=2, got %f", got)
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var w *WorkerMetrics
	w.IncCompleted("anything")
	w.ObserveDuration("anything", time.Second)

	empty := NewWorkerMetrics(nil)
	empty.IncFailed("anything")

	var p *PipelineMetrics
	p.IncPause()
	p.MarkEvent(time.Now())

	var s *SchedulerMetrics
	s.SetLeader(true)
	s.IncTick("minute")
}

func fetchCounterValue(mfs []*dto.MetricFamily, name, label, value string) (float64, error) {
	mf := findMetricFamily(mfs, name)
	if mf == nil {
		return 0, fmt.Errorf("metric %q not found", name)
	}
	for _, metric := range mf.GetMetric() {
		if matchesLabel(metric.GetLabel(), label, value) {
			return metric.GetCounter().GetValue(), nil
		}
	}
	return 0, fmt.Errorf("metric %q missing label %s=%s", name, label, value)
}

func fetchHistogramSum(mfs []*dto.MetricFamily, name, label, value string) (float64, error) {
	mf := findMetricFamily(mfs, name)
	if mf == nil {
		return 0, fmt.Errorf("metric %q not found", name)
	}
	for _, metric := range mf.GetMetric() {
		if matchesLabel(metric.GetLabel(), label, value) {
			return metric.GetHistogram().GetSampleSum(), nil
		}
	}
	return 0, fmt.Errorf("histogram %q missing label %s=%s", name, label, value)
}

func findMetricFamily(mfs []*dto.MetricFamily, name string) *dto.MetricFamily {
	for _, mf := range mfs {
		if mf.GetName() == name {
			return mf
		}
	}
	return nil
}

func matchesLabel(labels []*dto.LabelPair, name, value string) bool {
	for _, label := range labels {
		if label.GetName() == name && label.GetValue() == value {
			return true
		}
	}
	return false
}
