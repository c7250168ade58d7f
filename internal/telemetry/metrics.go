// Package telemetry exposes runtime counters through the OpenTelemetry
// metric API. The process wires a real exporter only when one is
// configured; otherwise the no-op global provider makes every Add call
// free.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/seshat-ai/seshat"

// Metrics holds the instrument set for the session runtime.
type Metrics struct {
	SessionsCreated    metric.Int64Counter
	SessionsTerminated metric.Int64Counter
	SessionCrashes     metric.Int64Counter
	MemoriesPromoted   metric.Int64Counter
	PromotionsSkipped  metric.Int64Counter
	PromotionsFailed   metric.Int64Counter
	MessagesEvicted    metric.Int64Counter
	Retrievals         metric.Int64Counter
	RetrievalCacheHits metric.Int64Counter
}

// New builds the instrument set against the global meter provider.
func New() (*Metrics, error) {
	meter := otel.Meter(meterName)

	m := &Metrics{}
	var err error

	if m.SessionsCreated, err = meter.Int64Counter("seshat.sessions.created",
		metric.WithDescription("Sessions created")); err != nil {
		return nil, err
	}
	if m.SessionsTerminated, err = meter.Int64Counter("seshat.sessions.terminated",
		metric.WithDescription("Sessions terminated")); err != nil {
		return nil, err
	}
	if m.SessionCrashes, err = meter.Int64Counter("seshat.sessions.crashes",
		metric.WithDescription("Session units recovered from a panic")); err != nil {
		return nil, err
	}
	if m.MemoriesPromoted, err = meter.Int64Counter("seshat.promotions.promoted",
		metric.WithDescription("Pending items promoted to long-term storage")); err != nil {
		return nil, err
	}
	if m.PromotionsSkipped, err = meter.Int64Counter("seshat.promotions.skipped",
		metric.WithDescription("Pending items skipped by promotion criteria")); err != nil {
		return nil, err
	}
	if m.PromotionsFailed, err = meter.Int64Counter("seshat.promotions.failed",
		metric.WithDescription("Pending items dropped as invalid or unpersistable")); err != nil {
		return nil, err
	}
	if m.MessagesEvicted, err = meter.Int64Counter("seshat.conversation.evicted",
		metric.WithDescription("Messages evicted to keep the token budget")); err != nil {
		return nil, err
	}
	if m.Retrievals, err = meter.Int64Counter("seshat.retrieval.searches",
		metric.WithDescription("Long-term retrieval searches")); err != nil {
		return nil, err
	}
	if m.RetrievalCacheHits, err = meter.Int64Counter("seshat.retrieval.cache_hits",
		metric.WithDescription("Retrieval searches served from cache")); err != nil {
		return nil, err
	}
	return m, nil
}

// SessionAttr tags a measurement with its session id.
func SessionAttr(sessionID string) metric.AddOption {
	return metric.WithAttributes(attribute.String("session.id", sessionID))
}

// Count is a nil-safe counter increment.
func Count(ctx context.Context, c metric.Int64Counter, n int64, opts ...metric.AddOption) {
	if c == nil {
		return
	}
	c.Add(ctx, n, opts...)
}
