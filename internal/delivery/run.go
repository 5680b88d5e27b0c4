package delivery

import (
	"context"
	"encoding/json"
	"time"

	"notifyd/internal/eventbus"
	"notifyd/internal/notification"
	"notifyd/internal/storage"
	"notifyd/internal/transport"
	"notifyd/pkg/logx"
)

// run is one generation of the state machine. It returns only when ctx ends.
//
// Streaming is primary. Each failed stream run costs one attempt; when the
// budget is spent the loop demotes to polling and re-probes the stream after
// every cooldown window. A probe failure goes straight back to polling
// without burning through the backoff ladder again.
func (s *Service) run(ctx context.Context, gen uint64, topic string, demoted bool) {
	attempt := 0
	probing := demoted

	if demoted {
		if !s.pollUntilCooldown(ctx, gen, topic) {
			return
		}
	}

	for ctx.Err() == nil {
		connected, redial, err := s.runStreamOnce(ctx, gen, topic)
		if ctx.Err() != nil {
			return
		}
		if connected {
			attempt = 0
			probing = false
			// A kick queued while the stream was up was satisfied by that
			// connection; drop it so it cannot skip the next backoff wait.
			select {
			case <-s.kick:
			default:
			}
		}
		if redial {
			// Server-directed redial bypasses backoff entirely.
			if !s.log.IsZero() {
				s.log.Info("server requested reconnect", logx.String("topic", topic))
			}
			continue
		}

		if err != nil && !s.log.IsZero() {
			s.log.Warn("stream ended", logx.String("topic", topic), logx.Err(err))
		}

		if probing && !connected {
			if !s.pollUntilCooldown(ctx, gen, topic) {
				return
			}
			continue
		}

		attempt++
		if attempt >= s.set.MaxReconnectAttempts {
			if !s.log.IsZero() {
				s.log.Warn("reconnect budget exhausted; falling back to polling",
					logx.String("topic", topic),
					logx.Int("attempts", attempt),
				)
			}
			probing = true
			if !s.pollUntilCooldown(ctx, gen, topic) {
				return
			}
			continue
		}

		delay := s.backoffDelay(attempt)
		s.setStatus(ctx, Status{
			State:            StateReconnecting,
			Topic:            topic,
			Attempt:          attempt,
			NextRetryAt:      s.now().Add(delay),
			LastDisconnected: s.now(),
		})
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		case <-s.kick:
			attempt = 0
			if !s.log.IsZero() {
				s.log.Info("reconnect requested; bypassing backoff", logx.String("topic", topic))
			}
		}
		s.setStatus(ctx, Status{State: StateConnecting, Topic: topic, Attempt: attempt})
	}
}

// runStreamOnce hosts a single stream connection and pumps its messages into
// the ingest pipeline until it ends.
func (s *Service) runStreamOnce(ctx context.Context, gen uint64, topic string) (connected, redial bool, err error) {
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	out := make(chan transport.Message, 32)
	errc := make(chan error, 1)
	go func() { errc <- s.stream.Run(sctx, topic, out) }()

	handle := func(m transport.Message) {
		switch m.Kind {
		case transport.KindConnected:
			connected = true
			s.onConnected(ctx, topic, m.Handshake)
		case transport.KindNotification:
			s.ingestFrom(ctx, gen, m.Notification)
		case transport.KindReconnect:
			redial = true
			cancel()
		}
	}

	for {
		select {
		case m := <-out:
			handle(m)
		case err = <-errc:
			// drain whatever the transport managed to queue before dying
			for {
				select {
				case m := <-out:
					handle(m)
				default:
					return connected, redial, err
				}
			}
		}
	}
}

// pollUntilCooldown runs the poll loop for one cooldown window, then returns
// true so the caller can probe the stream. A Reconnect() kick ends the window
// early. Returns false only when ctx ended.
func (s *Service) pollUntilCooldown(ctx context.Context, gen uint64, topic string) bool {
	s.setStatus(ctx, Status{State: StatePolling, Topic: topic})

	var since time.Time
	if st, ok, err := s.store.GetPollStatus(ctx); err == nil && ok && st.LastPoll > 0 {
		since = time.UnixMilli(st.LastPoll)
	}
	ps := storage.PollStatus{
		Polling:  true,
		Topic:    topic,
		Interval: s.set.PollInterval.Milliseconds(),
	}
	if !since.IsZero() {
		ps.LastPoll = since.UnixMilli()
	}
	if err := s.store.PutPollStatus(ctx, ps); err != nil && !s.log.IsZero() {
		s.log.Warn("persisting poll status failed", logx.Err(err))
	}

	pctx, cancel := context.WithCancel(ctx)
	defer cancel()
	out := make(chan transport.Message, 32)
	done := make(chan struct{})

	advanced := func(ts time.Time) {
		err := s.store.PutPollStatus(ctx, storage.PollStatus{
			Polling:  true,
			Topic:    topic,
			LastPoll: ts.UnixMilli(),
			Interval: s.set.PollInterval.Milliseconds(),
		})
		if err != nil && !s.log.IsZero() {
			s.log.Warn("advancing poll watermark failed", logx.Err(err))
		}
	}
	go func() {
		defer close(done)
		_ = s.poll.Run(pctx, topic, since, out, advanced)
	}()

	cooldown := time.NewTimer(s.set.StreamCooldown)
	defer cooldown.Stop()

	stop := func(probe bool) bool {
		cancel()
		<-done
		if probe {
			s.setStatus(ctx, Status{State: StateConnecting, Topic: topic})
		}
		return probe
	}

	for {
		select {
		case <-ctx.Done():
			return stop(false)
		case m := <-out:
			if m.Kind == transport.KindNotification {
				s.ingestFrom(ctx, gen, m.Notification)
			}
		case <-cooldown.C:
			return stop(true)
		case <-s.kick:
			if !s.log.IsZero() {
				s.log.Info("reconnect requested; probing stream early", logx.String("topic", topic))
			}
			return stop(true)
		}
	}
}

func (s *Service) onConnected(ctx context.Context, topic string, handshake json.RawMessage) {
	s.mu.Lock()
	s.status = Status{
		State:            StateConnected,
		Topic:            topic,
		LastConnected:    s.now(),
		LastDisconnected: s.status.LastDisconnected,
	}
	s.handshake = handshake
	s.mu.Unlock()

	s.persistStatus(ctx)
	if err := s.store.PutPollStatus(ctx, storage.PollStatus{Polling: false}); err != nil && !s.log.IsZero() {
		s.log.Warn("clearing poll status failed", logx.Err(err))
	}

	if !s.log.IsZero() {
		s.log.Info("stream connected", logx.String("topic", topic))
	}
	s.publishStatus()
}

// ingestFrom is the transport-facing ingest: messages from a torn-down
// generation are dropped.
func (s *Service) ingestFrom(ctx context.Context, gen uint64, n *notification.Notification) {
	if n == nil || gen != s.gen.Load() {
		return
	}
	s.ingest(ctx, n)
}

// ingest is the single funnel shared by all sources: dedup, durable append,
// then fan-out (notification first, history snapshot second).
func (s *Service) ingest(ctx context.Context, n *notification.Notification) {
	if s.dedup.IsDuplicate(n) {
		if !s.log.IsZero() {
			s.log.Debug("duplicate dropped", logx.String("id", n.ID), logx.String("source", string(n.Source)))
		}
		return
	}
	if err := s.store.AppendNotification(ctx, *n); err != nil && !s.log.IsZero() {
		// still fan out: a storage hiccup should not hide the
		// notification from live listeners
		s.log.Warn("persisting notification failed", logx.String("id", n.ID), logx.Err(err))
	}
	s.bus.Publish(eventbus.Event{Kind: eventbus.KindNotification, Notification: n})

	hist, err := s.store.Notifications(ctx, storage.HistoryCap)
	if err != nil {
		if !s.log.IsZero() {
			s.log.Warn("loading history for fan-out failed", logx.Err(err))
		}
		return
	}
	s.bus.Publish(eventbus.Event{Kind: eventbus.KindHistoryUpdated, History: hist})
}

// setStatus commits a transition: snapshot under lock, persist, fan out.
func (s *Service) setStatus(ctx context.Context, st Status) {
	s.mu.Lock()
	if st.LastConnected.IsZero() {
		st.LastConnected = s.status.LastConnected
	}
	if st.LastDisconnected.IsZero() {
		st.LastDisconnected = s.status.LastDisconnected
	}
	s.status = st
	s.mu.Unlock()

	s.persistStatus(ctx)
	s.publishStatus()
}

func (s *Service) persistStatus(ctx context.Context) {
	s.mu.Lock()
	st := s.status
	handshake := s.handshake
	s.mu.Unlock()

	rec := storage.StreamStatus{
		Connected:        st.State == StateConnected,
		Reconnecting:     st.State == StateReconnecting || st.State == StateConnecting,
		ReconnectAttempt: st.Attempt,
	}
	if rec.Connected {
		rec.Handshake = handshake
	}
	if !st.LastConnected.IsZero() {
		rec.LastConnected = st.LastConnected.UnixMilli()
	}
	if !st.LastDisconnected.IsZero() {
		rec.LastDisconnected = st.LastDisconnected.UnixMilli()
	}
	if !st.NextRetryAt.IsZero() {
		rec.NextReconnect = st.NextRetryAt.UnixMilli()
	}
	if err := s.store.PutStreamStatus(ctx, rec); err != nil && !s.log.IsZero() {
		s.log.Warn("persisting stream status failed", logx.Err(err))
	}
}

func (s *Service) publishStatus() {
	st := s.Status()

	var state eventbus.StreamState
	switch st.State {
	case StateConnected:
		state = eventbus.StreamConnected
	case StateReconnecting, StateConnecting:
		state = eventbus.StreamReconnecting
	case StatePolling:
		state = eventbus.StreamPolling
	default:
		state = eventbus.StreamDisconnected
	}

	var delay time.Duration
	if !st.NextRetryAt.IsZero() {
		if d := st.NextRetryAt.Sub(s.now()); d > 0 {
			delay = d
		}
	}
	// Connection status first, stream detail second, so listeners that only
	// track connectivity see the flip before the retry bookkeeping.
	s.bus.Publish(eventbus.Event{
		Kind:             eventbus.KindConnectionStatus,
		ConnectionStatus: &eventbus.ConnectionStatusEvent{Connected: st.State == StateConnected, Topic: st.Topic},
	})
	s.bus.Publish(eventbus.Event{
		Kind:         eventbus.KindStreamStatus,
		StreamStatus: &eventbus.StreamStatusEvent{State: state, Attempt: st.Attempt, Delay: delay},
	})
}
