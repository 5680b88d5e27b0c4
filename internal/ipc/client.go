package ipc

import (
	"context"
	"time"

	"github.com/google/uuid"

	"notifyd/internal/config"
	"notifyd/pkg/logx"
)

// retryBaseDelay is the wait after the first timed-out attempt; it doubles
// per attempt (1s, 2s, ...).
const retryBaseDelay = time.Second

type Client struct {
	pipe *Pipe
	set  config.IPCSettings
	log  logx.Logger
}

func NewClient(pipe *Pipe, set config.IPCSettings, log logx.Logger) *Client {
	return &Client{pipe: pipe, set: set, log: log}
}

// Call sends req and waits for the matching response. Every attempt gets the
// configured timeout; timed-out attempts are retried with a doubling delay.
// After the last attempt Call returns ErrTimeout, which is recoverable: the
// daemon may simply have been busy.
func (c *Client) Call(ctx context.Context, req Request) (Response, error) {
	delay := retryBaseDelay
	attempts := c.set.RetryAttempts

	for attempt := 1; attempt <= attempts; attempt++ {
		resp, err := c.attempt(ctx, req)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return Response{}, ctx.Err()
		}
		if attempt == attempts {
			break
		}
		if !c.log.IsZero() {
			c.log.Warn("ipc attempt timed out; retrying",
				logx.String("action", string(req.Action)),
				logx.Int("attempt", attempt),
				logx.Duration("delay", delay),
			)
		}
		select {
		case <-ctx.Done():
			return Response{}, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return Response{}, ErrTimeout
}

func (c *Client) attempt(ctx context.Context, req Request) (Response, error) {
	// fresh id per attempt so a late reply to a dead attempt can't be
	// mistaken for this one
	req.ID = uuid.NewString()
	env := envelope{req: req, reply: make(chan Response, 1)}

	timer := time.NewTimer(c.set.RequestTimeout)
	defer timer.Stop()

	select {
	case c.pipe.ch <- env:
	case <-timer.C:
		return Response{}, ErrTimeout
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}

	select {
	case resp := <-env.reply:
		return resp, nil
	case <-timer.C:
		return Response{}, ErrTimeout
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}
