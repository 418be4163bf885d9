// Package metrics counts pipeline work: items scraped, upserted,
// analyzed, backfilled. Counters live in a private prometheus registry
// and are reported as an end-of-run snapshot.
package metrics

import (
	"fmt"
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Registry holds the pipeline's counters.
type Registry struct {
	registry *prometheus.Registry

	EventsScraped  prometheus.Counter
	EventsUpserted prometheus.Counter
	PostsFetched   prometheus.Counter
	PostsUpserted  prometheus.Counter

	// ItemsAnalyzed is labeled by kind (event|post) and outcome
	// (scored|failed).
	ItemsAnalyzed *prometheus.CounterVec
	ModelRetries  prometheus.Counter
	ImageFailures prometheus.Counter

	// WeeksBackfilled is labeled by status (ok|failed).
	WeeksBackfilled *prometheus.CounterVec
	MonitorTicks    prometheus.Counter
}

// NewRegistry builds and registers the full counter set. Each call
// returns an isolated registry, so runs never share state.
func NewRegistry() *Registry {
	m := &Registry{
		registry: prometheus.NewRegistry(),

		EventsScraped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marketmood_events_scraped_total",
			Help: "Calendar events parsed from rendered pages",
		}),
		EventsUpserted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marketmood_events_upserted_total",
			Help: "Calendar events written to the store",
		}),
		PostsFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marketmood_posts_fetched_total",
			Help: "Forum posts fetched from listings",
		}),
		PostsUpserted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marketmood_posts_upserted_total",
			Help: "Forum posts written to the store",
		}),
		ItemsAnalyzed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketmood_items_analyzed_total",
			Help: "Items run through the sentiment model",
		}, []string{"kind", "outcome"}),
		ModelRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marketmood_model_retries_total",
			Help: "Model calls repeated after rate-limit errors",
		}),
		ImageFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marketmood_image_failures_total",
			Help: "Post images that could not be downloaded",
		}),
		WeeksBackfilled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketmood_weeks_backfilled_total",
			Help: "Calendar weeks processed by the backfill driver",
		}, []string{"status"}),
		MonitorTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marketmood_monitor_ticks_total",
			Help: "Completed monitor ticks",
		}),
	}

	m.registry.MustRegister(
		m.EventsScraped,
		m.EventsUpserted,
		m.PostsFetched,
		m.PostsUpserted,
		m.ItemsAnalyzed,
		m.ModelRetries,
		m.ImageFailures,
		m.WeeksBackfilled,
		m.MonitorTicks,
	)
	return m
}

// RecordAnalyzed counts one item through the model.
func (m *Registry) RecordAnalyzed(kind string, failed bool) {
	outcome := "scored"
	if failed {
		outcome = "failed"
	}
	m.ItemsAnalyzed.WithLabelValues(kind, outcome).Inc()
}

// RecordBackfillWeek counts one week of backfill.
func (m *Registry) RecordBackfillWeek(ok bool) {
	status := "ok"
	if !ok {
		status = "failed"
	}
	m.WeeksBackfilled.WithLabelValues(status).Inc()
}

// Snapshot flattens every counter into name{label="value"} → value,
// for the end-of-run summary log. Vec series appear only once touched.
func (m *Registry) Snapshot() map[string]float64 {
	families, err := m.registry.Gather()
	if err != nil {
		return nil
	}

	out := make(map[string]float64)
	for _, fam := range families {
		for _, metric := range fam.GetMetric() {
			out[seriesName(fam.GetName(), metric)] = metric.GetCounter().GetValue()
		}
	}
	return out
}

func seriesName(name string, metric *dto.Metric) string {
	labels := metric.GetLabel()
	if len(labels) == 0 {
		return name
	}
	parts := make([]string, 0, len(labels))
	for _, l := range labels {
		parts = append(parts, fmt.Sprintf("%s=%q", l.GetName(), l.GetValue()))
	}
	sort.Strings(parts)
	return name + "{" + strings.Join(parts, ",") + "}"
}
