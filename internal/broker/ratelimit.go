package broker

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// inboundLimiter caps how many subscribed-topic messages are
// dispatched per interval. Messages over the cap are dropped, not
// queued; a chatty or misbehaving publisher on the command topic must
// not be able to starve the telemetry loop. Atomic counters keep the
// receive path lock-free.
type inboundLimiter struct {
	count    atomic.Int64
	dropped  atomic.Int64
	limit    int64
	interval time.Duration
	logger   *slog.Logger
}

func newInboundLimiter(limit int64, interval time.Duration, logger *slog.Logger) *inboundLimiter {
	return &inboundLimiter{
		limit:    limit,
		interval: interval,
		logger:   logger,
	}
}

// run resets the counter at each interval boundary, logging a summary
// when messages were dropped. Blocks until ctx is cancelled.
func (r *inboundLimiter) run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			received := r.count.Swap(0)
			dropped := r.dropped.Swap(0)
			if dropped > 0 {
				r.logger.Warn("inbound messages dropped by rate limit",
					"received", received,
					"dropped", dropped,
					"interval", r.interval.String(),
					"limit", r.limit,
				)
			}
		}
	}
}

// allow reports whether one more message fits in the current window.
func (r *inboundLimiter) allow() bool {
	if r.count.Add(1) > r.limit {
		r.dropped.Add(1)
		return false
	}
	return true
}
