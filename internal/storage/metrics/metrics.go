// Package metrics wires the storage engine's internal counters into an
// OpenTelemetry meter, typically the Meter built from config by this
// codebase's telemetry package (pkg/telemetry).
package metrics

import (
	"context"

	"go.opentelemetry.io/otel/metric"
)

// Engine holds the instruments the storage engine records against
// during normal operation: cache hit/miss, lock wait time, and
// fallback-traversal depth.
type Engine struct {
	DataCacheHits     metric.Int64Counter
	DataCacheMisses   metric.Int64Counter
	BTreeCacheHits    metric.Int64Counter
	BTreeCacheMisses  metric.Int64Counter
	LockWaitDuration  metric.Float64Histogram
	LockTimeouts      metric.Int64Counter
	FallbackDepth     metric.Int64Histogram
	FallbackFailures  metric.Int64Counter
}

// New creates the Engine instrument set against meter. meter may be a
// no-op meter (telemetry.New returns one when telemetry is disabled),
// in which case every call below is cheap and side-effect free.
func New(meter metric.Meter) (*Engine, error) {
	dataHits, err := meter.Int64Counter("domstore.datacache.hits")
	if err != nil {
		return nil, err
	}
	dataMisses, err := meter.Int64Counter("domstore.datacache.misses")
	if err != nil {
		return nil, err
	}
	btreeHits, err := meter.Int64Counter("domstore.btreecache.hits")
	if err != nil {
		return nil, err
	}
	btreeMisses, err := meter.Int64Counter("domstore.btreecache.misses")
	if err != nil {
		return nil, err
	}
	lockWait, err := meter.Float64Histogram("domstore.lock.wait_seconds")
	if err != nil {
		return nil, err
	}
	lockTimeouts, err := meter.Int64Counter("domstore.lock.timeouts")
	if err != nil {
		return nil, err
	}
	fallbackDepth, err := meter.Int64Histogram("domstore.fallback.ancestor_depth")
	if err != nil {
		return nil, err
	}
	fallbackFailures, err := meter.Int64Counter("domstore.fallback.failures")
	if err != nil {
		return nil, err
	}
	return &Engine{
		DataCacheHits:    dataHits,
		DataCacheMisses:  dataMisses,
		BTreeCacheHits:   btreeHits,
		BTreeCacheMisses: btreeMisses,
		LockWaitDuration: lockWait,
		LockTimeouts:     lockTimeouts,
		FallbackDepth:    fallbackDepth,
		FallbackFailures: fallbackFailures,
	}, nil
}

// RecordLockWait records how long an Acquire call waited before being
// granted or timing out.
func (e *Engine) RecordLockWait(ctx context.Context, seconds float64) {
	if e == nil {
		return
	}
	e.LockWaitDuration.Record(ctx, seconds)
}
