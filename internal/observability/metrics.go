package observability

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// IngestCollector bundles Prometheus metrics for the ingestion loop and
// exposes them over HTTP.
type IngestCollector struct {
	gatherer prometheus.Gatherer

	Cycles          *prometheus.CounterVec
	CycleDurations  prometheus.Histogram
	EntitiesIndexed prometheus.Counter
	EntitiesSkipped *prometheus.CounterVec
	CatalogEntries  prometheus.Counter
	Observations    prometheus.Counter
	LastSuccess     prometheus.Gauge
}

// NewIngestCollector registers ingestion metrics against the provided
// registerer, defaulting to the global Prometheus registry when nil.
func NewIngestCollector(reg prometheus.Registerer) (*IngestCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	cycles, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_cycles_total",
		Help: "Completed ingestion cycles, labeled by outcome.",
	}, []string{"outcome"}), "ingest_cycles_total")
	if err != nil {
		return nil, err
	}

	durations, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "ingest_cycle_duration_seconds",
		Help:    "Wall time of one ingestion cycle, excluding the inter-cycle delay.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
	}), "ingest_cycle_duration_seconds")
	if err != nil {
		return nil, err
	}

	indexed, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ingest_entities_indexed_total",
		Help: "Entities that were quantized and assigned a Hilbert index.",
	}), "ingest_entities_indexed_total")
	if err != nil {
		return nil, err
	}

	skipped, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_entities_skipped_total",
		Help: "Entities dropped from a cycle, labeled by reason.",
	}, []string{"reason"}), "ingest_entities_skipped_total")
	if err != nil {
		return nil, err
	}

	catalog, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ingest_catalog_entries_submitted_total",
		Help: "Catalog entries submitted to the spatial catalog.",
	}), "ingest_catalog_entries_submitted_total")
	if err != nil {
		return nil, err
	}

	observations, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ingest_observations_written_total",
		Help: "Observation records committed to the observation log.",
	}), "ingest_observations_written_total")
	if err != nil {
		return nil, err
	}

	lastSuccess, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ingest_last_success_timestamp_seconds",
		Help: "Unix time of the last cycle that committed its observations.",
	}), "ingest_last_success_timestamp_seconds")
	if err != nil {
		return nil, err
	}

	return &IngestCollector{
		gatherer:        gatherer,
		Cycles:          cycles,
		CycleDurations:  durations,
		EntitiesIndexed: indexed,
		EntitiesSkipped: skipped,
		CatalogEntries:  catalog,
		Observations:    observations,
		LastSuccess:     lastSuccess,
	}, nil
}

// Handler exposes a ready-to-use /metrics handler.
func (c *IngestCollector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *IngestCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// ObserveCycle counts a finished cycle and its duration.
func (c *IngestCollector) ObserveCycle(outcome string, d time.Duration) {
	if c == nil {
		return
	}
	if c.Cycles != nil {
		c.Cycles.WithLabelValues(outcome).Inc()
	}
	if c.CycleDurations != nil {
		c.CycleDurations.Observe(d.Seconds())
	}
}

// AddIndexed counts entities that reached the index stage.
func (c *IngestCollector) AddIndexed(n int) {
	if c == nil || c.EntitiesIndexed == nil {
		return
	}
	c.EntitiesIndexed.Add(float64(n))
}

// AddSkipped counts entities dropped for reason.
func (c *IngestCollector) AddSkipped(reason string, n int) {
	if c == nil || c.EntitiesSkipped == nil || n == 0 {
		return
	}
	c.EntitiesSkipped.WithLabelValues(reason).Add(float64(n))
}

// AddCatalogEntries counts entries handed to the catalog.
func (c *IngestCollector) AddCatalogEntries(n int) {
	if c == nil || c.CatalogEntries == nil {
		return
	}
	c.CatalogEntries.Add(float64(n))
}

// AddObservations counts committed observation rows.
func (c *IngestCollector) AddObservations(n int) {
	if c == nil || c.Observations == nil {
		return
	}
	c.Observations.Add(float64(n))
}

// SetLastSuccess records the time of a fully committed cycle.
func (c *IngestCollector) SetLastSuccess(t time.Time) {
	if c == nil || c.LastSuccess == nil {
		return
	}
	c.LastSuccess.Set(float64(t.Unix()))
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogram(reg prometheus.Registerer, hist prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(hist); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return hist, nil
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}
