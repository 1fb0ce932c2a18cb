package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the relay and agent instruments. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	ActiveConnections metric.Int64UpDownCounter
	Handshakes        metric.Int64Counter
	HandshakeDuration metric.Float64Histogram
	EventsRouted      metric.Int64Counter
	EventsDropped     metric.Int64Counter
	PacketsRejected   metric.Int64Counter
	SyncRequests      metric.Int64Counter
	RateLimitRejects  metric.Int64Counter
	Reconnects        metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.ActiveConnections, err = meter.Int64UpDownCounter("aesterisk.connections.active",
		metric.WithDescription("Number of authenticated connections"),
	)
	if err != nil {
		return nil, err
	}

	m.Handshakes, err = meter.Int64Counter("aesterisk.handshakes",
		metric.WithDescription("Completed handshakes by role and result"),
	)
	if err != nil {
		return nil, err
	}

	m.HandshakeDuration, err = meter.Float64Histogram("aesterisk.handshake.duration",
		metric.WithDescription("Time from first packet to auth response in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.EventsRouted, err = meter.Int64Counter("aesterisk.events.routed",
		metric.WithDescription("Events enqueued to dashboard subscribers"),
	)
	if err != nil {
		return nil, err
	}

	m.EventsDropped, err = meter.Int64Counter("aesterisk.events.dropped",
		metric.WithDescription("Events not delivered, by reason"),
	)
	if err != nil {
		return nil, err
	}

	m.PacketsRejected, err = meter.Int64Counter("aesterisk.packets.rejected",
		metric.WithDescription("Inbound packets discarded, by reason"),
	)
	if err != nil {
		return nil, err
	}

	m.SyncRequests, err = meter.Int64Counter("aesterisk.sync.requests",
		metric.WithDescription("Sync requests forwarded to daemons"),
	)
	if err != nil {
		return nil, err
	}

	m.RateLimitRejects, err = meter.Int64Counter("aesterisk.ratelimit.rejects",
		metric.WithDescription("Packets or connections rejected by rate limiter"),
	)
	if err != nil {
		return nil, err
	}

	m.Reconnects, err = meter.Int64Counter("aesterisk.agent.reconnects",
		metric.WithDescription("Agent reconnect attempts"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Metrics) ConnectionOpened(ctx context.Context, role string) {
	if m == nil {
		return
	}
	m.ActiveConnections.Add(ctx, 1, metric.WithAttributes(AttrRole.String(role)))
}

func (m *Metrics) ConnectionClosed(ctx context.Context, role string) {
	if m == nil {
		return
	}
	m.ActiveConnections.Add(ctx, -1, metric.WithAttributes(AttrRole.String(role)))
}

// Handshake records one finished handshake.
func (m *Metrics) Handshake(ctx context.Context, role, result string, seconds float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(AttrRole.String(role), attribute.String("result", result))
	m.Handshakes.Add(ctx, 1, attrs)
	m.HandshakeDuration.Record(ctx, seconds, attrs)
}

func (m *Metrics) Routed(ctx context.Context, event string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.EventsRouted.Add(ctx, int64(n), metric.WithAttributes(AttrEvent.String(event)))
}

func (m *Metrics) Dropped(ctx context.Context, reason string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.EventsDropped.Add(ctx, int64(n), metric.WithAttributes(AttrReason.String(reason)))
}

func (m *Metrics) Rejected(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.PacketsRejected.Add(ctx, 1, metric.WithAttributes(AttrReason.String(reason)))
}

func (m *Metrics) Synced(ctx context.Context) {
	if m == nil {
		return
	}
	m.SyncRequests.Add(ctx, 1)
}

func (m *Metrics) RateLimited(ctx context.Context, scope string) {
	if m == nil {
		return
	}
	m.RateLimitRejects.Add(ctx, 1, metric.WithAttributes(attribute.String("scope", scope)))
}

func (m *Metrics) Reconnected(ctx context.Context) {
	if m == nil {
		return
	}
	m.Reconnects.Add(ctx, 1)
}
