package otel

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MrEthical07/credledger"
	"github.com/MrEthical07/credledger/metrics/export/internaldefs"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	ErrNilMeter  = errors.New("nil meter")
	ErrNilSource = errors.New("nil metrics source")
)

// MetricsSource is what the exporter reads on each collection.
// *credledger.Service satisfies it.
type MetricsSource interface {
	MetricsSnapshot() credledger.MetricsSnapshot
	AuditDropped() uint64
}

// reading pulls one value set out of a snapshot taken for the current
// collection cycle.
type reading func(snap credledger.MetricsSnapshot, dropped uint64, observer metric.Observer)

// Exporter publishes credledger counters as OTel observable instruments.
// Histogram buckets are reported on a single gauge with an "le" attribute.
type Exporter struct {
	source       MetricsSource
	readings     []reading
	registration metric.Registration
}

// NewExporter registers one callback on meter that reads source.
func NewExporter(meter metric.Meter, source MetricsSource) (*Exporter, error) {
	if meter == nil {
		return nil, ErrNilMeter
	}
	if source == nil {
		return nil, ErrNilSource
	}

	e := &Exporter{source: source}
	var observables []metric.Observable

	for _, def := range internaldefs.CounterDefs {
		id := def.ID
		ins, err := meter.Int64ObservableCounter(def.Name, metric.WithDescription(def.Help))
		if err != nil {
			return nil, fmt.Errorf("counter %s: %w", def.Name, err)
		}
		observables = append(observables, ins)
		e.readings = append(e.readings, func(snap credledger.MetricsSnapshot, _ uint64, o metric.Observer) {
			o.ObserveInt64(ins, int64(snap.Counters[id]))
		})
	}

	for _, def := range internaldefs.HistogramDefs {
		r, ins, err := histogramReading(meter, def)
		if err != nil {
			return nil, err
		}
		observables = append(observables, ins...)
		e.readings = append(e.readings, r)
	}

	dropped, err := meter.Int64ObservableCounter(
		"credledger_audit_dropped_total",
		metric.WithDescription("Audit events dropped by the dispatcher."),
	)
	if err != nil {
		return nil, fmt.Errorf("counter credledger_audit_dropped_total: %w", err)
	}
	observables = append(observables, dropped)
	e.readings = append(e.readings, func(_ credledger.MetricsSnapshot, n uint64, o metric.Observer) {
		o.ObserveInt64(dropped, int64(n))
	})

	e.registration, err = meter.RegisterCallback(e.collect, observables...)
	if err != nil {
		return nil, fmt.Errorf("register callback: %w", err)
	}
	return e, nil
}

func histogramReading(meter metric.Meter, def internaldefs.HistogramDef) (reading, []metric.Observable, error) {
	buckets, err := meter.Int64ObservableGauge(def.Name+"_bucket",
		metric.WithDescription("Cumulative histogram bucket count."))
	if err != nil {
		return nil, nil, fmt.Errorf("gauge %s_bucket: %w", def.Name, err)
	}
	count, err := meter.Int64ObservableGauge(def.Name+"_count", metric.WithDescription(def.Help))
	if err != nil {
		return nil, nil, fmt.Errorf("gauge %s_count: %w", def.Name, err)
	}

	bounds := make([]metric.ObserveOption, len(internaldefs.HistogramBoundSuffix))
	for i, suffix := range internaldefs.HistogramBoundSuffix {
		bounds[i] = metric.WithAttributes(attribute.String("le", boundLabel(suffix)))
	}

	id := def.ID
	r := func(snap credledger.MetricsSnapshot, _ uint64, o metric.Observer) {
		cumulative := internaldefs.CumulativeBuckets(snap.Histograms[id])
		for i, v := range cumulative {
			o.ObserveInt64(buckets, int64(v), bounds[i])
		}
		o.ObserveInt64(count, int64(cumulative[len(cumulative)-1]))
	}
	return r, []metric.Observable{buckets, count}, nil
}

// boundLabel turns a bucket suffix like "0_0001" into "0.0001".
func boundLabel(suffix string) string {
	if suffix == "inf" {
		return "+Inf"
	}
	return strings.Replace(suffix, "_", ".", 1)
}

func (e *Exporter) collect(_ context.Context, observer metric.Observer) error {
	snap := e.source.MetricsSnapshot()
	dropped := e.source.AuditDropped()
	for _, r := range e.readings {
		r(snap, dropped, observer)
	}
	return nil
}

// Close unregisters the callback.
func (e *Exporter) Close() error {
	if e == nil || e.registration == nil {
		return nil
	}
	return e.registration.Unregister()
}
