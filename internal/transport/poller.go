package transport

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"notifyd/internal/notification"
	"notifyd/pkg/logx"
)

// watermarkFallback bounds the first poll when no watermark was persisted.
const watermarkFallback = time.Hour

// Poller is the degraded strategy: fixed-interval fetches with a monotonic
// since watermark. Individual poll failures are logged and swallowed; the
// loop only stops with its context. A limiter guards against a misconfigured
// interval hammering the server.
type Poller struct {
	client   *Client
	interval time.Duration
	limiter  *rate.Limiter
	log      logx.Logger
	now      func() time.Time
}

func NewPoller(client *Client, interval time.Duration, log logx.Logger) *Poller {
	return &Poller{
		client:   client,
		interval: interval,
		limiter:  rate.NewLimiter(rate.Limit(1), 1),
		log:      log,
		now:      time.Now,
	}
}

// Run polls immediately, then on every interval tick. since is the persisted
// watermark (zero means fall back to now-1h). advanced, if non-nil, is called
// with the new watermark after every attempt that got a server response, even
// an empty one.
func (p *Poller) Run(ctx context.Context, topic string, since time.Time, out chan<- Message, advanced func(time.Time)) error {
	if since.IsZero() {
		since = p.now().Add(-watermarkFallback)
	}

	poll := func() {
		if err := p.limiter.Wait(ctx); err != nil {
			return
		}
		attempt := p.now()
		list, err := p.client.Poll(ctx, topic, since)
		if err != nil {
			if ctx.Err() == nil && !p.log.IsZero() {
				p.log.Warn("poll attempt failed", logx.String("topic", topic), logx.Err(err))
			}
			return
		}
		// Advance even when the payload is empty so the window never
		// re-covers already-seen ground.
		since = attempt
		if advanced != nil {
			advanced(attempt)
		}
		for i := range list {
			n := list[i]
			notification.Normalize(&n, notification.SourcePoll, p.now())
			n.IsNew = true
			if n.Topic == "" {
				n.Topic = topic
			}
			if !send(ctx, out, Message{Kind: KindNotification, Notification: &n}) {
				return
			}
		}
	}

	poll()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			poll()
		}
	}
}
