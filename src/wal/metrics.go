package wal

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "github.com/Blackdeer1524/rawstore/src/wal"

type metrics struct {
	appends  metric.Int64Counter
	bytes    metric.Int64Counter
	flushes  metric.Int64Counter
	switches metric.Int64Counter
}

func newMetrics() *metrics {
	meter := otel.Meter(meterName)

	counter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			return noop.Int64Counter{}
		}
		return c
	}

	return &metrics{
		appends:  counter("rawstore.log.appends", "Log records appended"),
		bytes:    counter("rawstore.log.bytes", "Bytes appended to the log"),
		flushes:  counter("rawstore.log.flushes", "Forced log writes"),
		switches: counter("rawstore.log.switches", "Log file switches"),
	}
}

func (m *metrics) appended(n int) {
	ctx := context.Background()
	m.appends.Add(ctx, 1)
	m.bytes.Add(ctx, int64(n))
}

func (m *metrics) flushed() {
	m.flushes.Add(context.Background(), 1)
}

func (m *metrics) switched() {
	m.switches.Add(context.Background(), 1)
}
