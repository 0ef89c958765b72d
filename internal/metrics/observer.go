package metrics

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/aristath/conductor/internal/events"
	"github.com/aristath/conductor/internal/logging"
	"github.com/aristath/conductor/internal/orchestrator"
)

// Observer keeps the exported metrics aligned with the system: counters
// follow the event stream, gauges are re-sampled from store snapshots on a
// fixed cadence.
type Observer struct {
	surface  *orchestrator.Surface
	bus      *events.Bus
	log      *logging.Logger
	interval time.Duration
}

// NewObserver builds an observer sampling every interval.
func NewObserver(surf *orchestrator.Surface, bus *events.Bus, log *logging.Logger, interval time.Duration) *Observer {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Observer{
		surface:  surf,
		bus:      bus,
		log:      log.Named("metrics"),
		interval: interval,
	}
}

// Run consumes the event stream and refreshes the gauges until the context
// ends.
func (o *Observer) Run(ctx context.Context) error {
	ch := o.bus.SubscribeAll(256)
	tick := time.NewTicker(o.interval)
	defer tick.Stop()

	o.sample(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-ch:
			CountEvent(ev)
		case <-tick.C:
			o.sample(ctx)
		}
	}
}

func (o *Observer) sample(ctx context.Context) {
	m, err := o.surface.GetQueueMetrics(ctx)
	if err != nil {
		if ctx.Err() == nil {
			o.log.Warn("failed to sample queue metrics", zap.Error(err))
		}
		return
	}
	UpdateQueueMetrics(m)

	h, err := o.surface.GetRoadmapHealth(ctx)
	if err != nil {
		if ctx.Err() == nil {
			o.log.Warn("failed to sample roadmap health", zap.Error(err))
		}
		return
	}
	UpdateRoadmapHealth(h)
}
