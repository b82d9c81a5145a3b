package mqtt

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// PollFunc triggers an immediate mail check. It is called from the
// MQTT receive path and must not block for long.
type PollFunc func(ctx context.Context)

// commandRateLimiter bounds how often remote poll commands are acted
// on. Counters are atomic so the receive path never takes a lock.
type commandRateLimiter struct {
	count    atomic.Int64
	dropped  atomic.Int64
	limit    int64
	interval time.Duration
	logger   *slog.Logger
}

func newCommandRateLimiter(limit int64, interval time.Duration, logger *slog.Logger) *commandRateLimiter {
	return &commandRateLimiter{
		limit:    limit,
		interval: interval,
		logger:   logger,
	}
}

// start resets the counters every interval until ctx is cancelled,
// warning when commands were dropped.
func (r *commandRateLimiter) start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count := r.count.Swap(0)
			dropped := r.dropped.Swap(0)
			if dropped > 0 {
				r.logger.Warn("mqtt poll commands dropped due to rate limit",
					"received", count,
					"dropped", dropped,
					"interval", r.interval.String(),
					"limit", r.limit,
				)
			}
		}
	}
}

// allow reports whether another command fits in the current interval.
func (r *commandRateLimiter) allow() bool {
	n := r.count.Add(1)
	if n > r.limit {
		r.dropped.Add(1)
		return false
	}
	return true
}

// handleCommand dispatches one inbound message. Only the poll command
// topic is acted on; anything else is logged and ignored.
func (p *Publisher) handleCommand(ctx context.Context, topic string, payload []byte) {
	if topic != p.commandTopic() {
		p.logger.Debug("mqtt message on unexpected topic", "topic", topic, "payload_size", len(payload))
		return
	}
	if p.poll == nil {
		p.logger.Debug("mqtt poll command ignored, no poller attached")
		return
	}
	if !p.limiter.allow() {
		return
	}
	p.logger.Info("mqtt poll command received", "payload_size", len(payload))
	go p.poll(ctx)
}
