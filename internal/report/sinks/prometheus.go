package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ajslaghu/open-agenda-api/internal/report"
)

// PrometheusSink exports source-run and item counters.
type PrometheusSink struct {
	sourcesStarted   *prometheus.CounterVec
	sourcesCompleted *prometheus.CounterVec
	sourceRuntime    *prometheus.HistogramVec
	itemsIndexed     *prometheus.CounterVec
	itemsFailed      *prometheus.CounterVec
}

// NewPrometheusSink registers the collectors against reg.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		sourcesStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agenda_source_runs_started_total",
			Help: "Source ingestion runs started.",
		}, []string{"source"}),
		sourcesCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agenda_source_runs_completed_total",
			Help: "Source ingestion runs completed partitioned by result.",
		}, []string{"source", "result"}),
		sourceRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agenda_source_run_seconds",
			Help:    "Wall time per source ingestion run.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}, []string{"result"}),
		itemsIndexed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agenda_items_indexed_total",
			Help: "Documents accepted by the search backend.",
		}, []string{"source"}),
		itemsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agenda_items_failed_total",
			Help: "Items dropped from a run partitioned by phase.",
		}, []string{"source", "phase"}),
	}
	for _, collector := range []prometheus.Collector{
		s.sourcesStarted,
		s.sourcesCompleted,
		s.sourceRuntime,
		s.itemsIndexed,
		s.itemsFailed,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register report collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors.
func (s *PrometheusSink) Consume(_ context.Context, batch []report.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case report.StageSourceStart:
			s.sourcesStarted.WithLabelValues(evt.Source).Inc()
		case report.StageSourceDone:
			s.completed(evt, "success")
		case report.StageSourceError:
			s.completed(evt, "error")
		case report.StageItemIndexed:
			s.itemsIndexed.WithLabelValues(evt.Source).Add(float64(evt.Count))
		case report.StageItemFailed:
			s.itemsFailed.WithLabelValues(evt.Source, string(evt.Phase)).Inc()
		}
	}
	return nil
}

func (s *PrometheusSink) completed(evt report.Event, result string) {
	s.sourcesCompleted.WithLabelValues(evt.Source, result).Inc()
	if evt.Dur > 0 {
		s.sourceRuntime.WithLabelValues(result).Observe(evt.Dur.Seconds())
	}
}

// Close implements report.Sink.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
