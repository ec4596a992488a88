package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/aaronromeo/paywatch"

// Counters are the watcher's event counters.
type Counters struct {
	dispatched metric.Int64Counter
	dropped    metric.Int64Counter
	ignored    metric.Int64Counter
}

// NewCounters registers the counters on meter. A nil meter uses the global
// meter provider.
func NewCounters(meter metric.Meter) (*Counters, error) {
	if meter == nil {
		meter = otel.Meter(meterName)
	}
	dispatched, err := meter.Int64Counter("paywatch.events.dispatched",
		metric.WithDescription("Payment events delivered to a subscriber"))
	if err != nil {
		return nil, err
	}
	dropped, err := meter.Int64Counter("paywatch.events.dropped",
		metric.WithDescription("Payment events dropped because a subscriber buffer was full"))
	if err != nil {
		return nil, err
	}
	ignored, err := meter.Int64Counter("paywatch.messages.ignored",
		metric.WithDescription("Messages from senders outside the allow-list"))
	if err != nil {
		return nil, err
	}
	return &Counters{dispatched: dispatched, dropped: dropped, ignored: ignored}, nil
}

func (c *Counters) Dispatched(ctx context.Context) {
	if c != nil {
		c.dispatched.Add(ctx, 1)
	}
}

func (c *Counters) Dropped(ctx context.Context) {
	if c != nil {
		c.dropped.Add(ctx, 1)
	}
}

func (c *Counters) Ignored(ctx context.Context) {
	if c != nil {
		c.ignored.Add(ctx, 1)
	}
}
