package rawstore

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/Blackdeer1524/rawstore/src/wal"
)

const meterName = "github.com/Blackdeer1524/rawstore/src/rawstore"

type metrics struct {
	commits     metric.Int64Counter
	aborts      metric.Int64Counter
	checkpoints metric.Int64Counter
	reclaimed   metric.Int64Counter
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
		commits:     counter("rawstore.txn.commits", "Committed transactions"),
		aborts:      counter("rawstore.txn.aborts", "Aborted transactions"),
		checkpoints: counter("rawstore.checkpoints", "Checkpoints taken"),
		reclaimed:   counter("rawstore.pages.reclaimed", "Deallocated pages made reusable"),
	}
}

func kindAttr(k wal.TxnKind) metric.AddOption {
	return metric.WithAttributes(attribute.String("kind", k.String()))
}

func (m *metrics) committed(k wal.TxnKind) {
	m.commits.Add(context.Background(), 1, kindAttr(k))
}

func (m *metrics) aborted(k wal.TxnKind) {
	m.aborts.Add(context.Background(), 1, kindAttr(k))
}

func (m *metrics) checkpointed() {
	m.checkpoints.Add(context.Background(), 1)
}

func (m *metrics) pagesReclaimed(n int) {
	m.reclaimed.Add(context.Background(), int64(n))
}
