package memcache

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// metrics counts cache outcomes, tagged by backend.
type metrics struct {
	backend attribute.KeyValue
	hits    metric.Int64Counter
	misses  metric.Int64Counter
	errors  metric.Int64Counter
}

func newMetrics(backend string) *metrics {
	meter := otel.Meter("threadkeep/memcache")
	hits, _ := meter.Int64Counter("memcache.hits")
	misses, _ := meter.Int64Counter("memcache.misses")
	errs, _ := meter.Int64Counter("memcache.errors")
	return &metrics{
		backend: attribute.String("backend", backend),
		hits:    hits,
		misses:  misses,
		errors:  errs,
	}
}

func (m *metrics) hit(ctx context.Context)  { m.hits.Add(ctx, 1, metric.WithAttributes(m.backend)) }
func (m *metrics) miss(ctx context.Context) { m.misses.Add(ctx, 1, metric.WithAttributes(m.backend)) }
func (m *metrics) err(ctx context.Context)  { m.errors.Add(ctx, 1, metric.WithAttributes(m.backend)) }
