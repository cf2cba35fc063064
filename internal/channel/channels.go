package channel

import (
	"context"
	"sync"
	"time"

	"deriflow/internal/metrics"
	"deriflow/logger"
	"deriflow/models"
)

// Channels carries market-data events from the connector's dispatch loop to
// the fan-out consumer. The buffer decouples transport dispatch latency from
// downstream routing cost; a full buffer drops the event with a warning
// rather than blocking the read loop.
type Channels struct {
	Events chan models.MarketEvent

	closeOnce sync.Once
	log       *logger.Log
}

func NewChannels(eventBuffer int) *Channels {
	if eventBuffer <= 0 {
		eventBuffer = 1024
	}
	return &Channels{
		Events: make(chan models.MarketEvent, eventBuffer),
		log:    logger.GetLogger(),
	}
}

// Publish enqueues an event without blocking. It reports whether the event
// was accepted.
func (c *Channels) Publish(ev models.MarketEvent) bool {
	select {
	case c.Events <- ev:
		logger.RecordChannelMessage("events", len(ev.Data))
		return true
	default:
		logger.IncrementEventDropped()
		metrics.RecordEventDropped()
		c.log.WithComponent("channels").WithFields(logger.Fields{
			"channel": ev.Channel,
			"symbol":  ev.Symbol,
		}).Warn("event channel full, dropping event")
		return false
	}
}

// Drain consumes events until the context is cancelled or the channel is
// closed, handing each event to fn.
func (c *Channels) Drain(ctx context.Context, fn func(models.MarketEvent)) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-c.Events:
			if !ok {
				return
			}
			fn(ev)
		}
	}
}

// StartMetricsReporting periodically records the event channel depth.
func (c *Channels) StartMetricsReporting(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logger.RecordChannelMessage("events_depth", len(c.Events))
			}
		}
	}()
}

func (c *Channels) Close() {
	c.closeOnce.Do(func() {
		close(c.Events)
	})
}
