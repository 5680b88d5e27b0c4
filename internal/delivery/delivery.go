// Package delivery owns the connection state machine: one topic, one live
// transport at a time. The stream is primary; polling is the degraded mode
// entered after the reconnect budget is exhausted. Every transition is
// persisted so a restart resumes instead of starting over.
package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"notifyd/internal/config"
	"notifyd/internal/dedup"
	"notifyd/internal/eventbus"
	"notifyd/internal/notification"
	"notifyd/internal/storage"
	"notifyd/internal/transport"
	"notifyd/pkg/logx"
)

// teardownWait bounds how long Stop/Subscribe wait for the previous
// transport goroutine to drain.
const teardownWait = 5 * time.Second

var ErrNotStarted = errors.New("delivery: service not started")

// Streamer is one SSE connection attempt; see transport.Stream.
type Streamer interface {
	Run(ctx context.Context, topic string, out chan<- transport.Message) error
}

// PollLoop is the degraded strategy loop; see transport.Poller.
type PollLoop interface {
	Run(ctx context.Context, topic string, since time.Time, out chan<- transport.Message, advanced func(time.Time)) error
}

type Options struct {
	Stream   Streamer
	Poll     PollLoop
	Store    *storage.Store
	Bus      eventbus.Bus
	Dedup    *dedup.Cache
	Settings config.DeliverySettings
	Log      logx.Logger

	// PushRegister/PushUnregister are optional hooks into the registration
	// manager. Register is fire-and-forget: its failure never blocks
	// stream delivery.
	PushRegister   func(ctx context.Context, topic string)
	PushUnregister func(ctx context.Context)

	Now func() time.Time
}

type Service struct {
	stream Streamer
	poll   PollLoop
	store  *storage.Store
	bus    eventbus.Bus
	dedup  *dedup.Cache
	set    config.DeliverySettings
	log    logx.Logger

	pushRegister   func(ctx context.Context, topic string)
	pushUnregister func(ctx context.Context)

	now func() time.Time

	rngMu sync.Mutex
	rng   *rand.Rand

	// gen invalidates in-flight messages from a torn-down transport.
	gen atomic.Uint64

	// opMu serializes Subscribe/Stop/Unsubscribe so a topic switch is a
	// single writer end to end.
	opMu sync.Mutex

	mu        sync.Mutex
	started   bool
	base      context.Context
	status    Status
	handshake json.RawMessage
	runCancel context.CancelFunc
	runDone   chan struct{}

	kick chan struct{}
}

func New(opts Options) *Service {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		stream:         opts.Stream,
		poll:           opts.Poll,
		store:          opts.Store,
		bus:            opts.Bus,
		dedup:          opts.Dedup,
		set:            opts.Settings,
		log:            opts.Log,
		pushRegister:   opts.PushRegister,
		pushUnregister: opts.PushUnregister,
		now:            now,
		rng:            rand.New(rand.NewSource(now().UnixNano())),
		kick:           make(chan struct{}, 1),
		status:         Status{State: StateDisconnected},
	}
}

// Start resumes a persisted subscription, if any. It never fails the daemon
// for a missing or unreadable topic.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.base = ctx
	s.mu.Unlock()

	topic, err := s.store.GetTopic(ctx)
	if err != nil {
		if !s.log.IsZero() {
			s.log.Warn("resume: reading persisted topic failed", logx.Err(err))
		}
		return nil
	}
	if topic == "" {
		return nil
	}
	// A restart mid-fallback resumes polling instead of burning a fresh
	// reconnect budget against a server that was already unreachable.
	demoted := false
	if st, ok, err := s.store.GetPollStatus(ctx); err == nil && ok {
		demoted = st.Polling && st.Topic == topic
	}
	if !s.log.IsZero() {
		s.log.Info("resuming persisted subscription",
			logx.String("topic", topic),
			logx.Bool("polling", demoted),
		)
	}
	s.startRun(topic, demoted)
	return nil
}

// Subscribe switches the supervisor to topic: previous transport fully torn
// down, topic persisted, push registration kicked off, stream opened. Safe to
// call while connected to another topic.
func (s *Service) Subscribe(ctx context.Context, topic string) error {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return errors.New("delivery: topic is required")
	}
	s.mu.Lock()
	started := s.started
	base := s.base
	s.mu.Unlock()
	if !started {
		return ErrNotStarted
	}

	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.teardown()
	if err := s.store.PutTopic(ctx, topic); err != nil {
		return err
	}
	if s.pushRegister != nil {
		go s.pushRegister(base, topic)
	}
	s.startRun(topic, false)
	return nil
}

// StartPolling is Subscribe forced into the degraded mode: the caller has
// already concluded the stream is unusable, so the supervisor goes straight
// to the poll loop and only probes the stream on the cooldown cadence.
func (s *Service) StartPolling(ctx context.Context, topic string) error {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return errors.New("delivery: topic is required")
	}
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		return ErrNotStarted
	}

	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.teardown()
	if err := s.store.PutTopic(ctx, topic); err != nil {
		return err
	}
	s.startRun(topic, true)
	return nil
}

// Stop tears down the transport but keeps the persisted topic so the next
// Start resumes it. Idempotent.
func (s *Service) Stop(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.teardown()
	s.setStatus(ctx, Status{State: StateDisconnected, LastDisconnected: s.now()})
	return nil
}

// Unsubscribe is Stop plus forgetting the topic: persisted state cleared and
// the push registration revoked. Idempotent from any state.
func (s *Service) Unsubscribe(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.teardown()
	if s.pushUnregister != nil {
		s.pushUnregister(ctx)
	}
	if err := s.store.ClearTopic(ctx); err != nil && !s.log.IsZero() {
		s.log.Warn("unsubscribe: clearing topic failed", logx.Err(err))
	}
	if err := s.store.PutPollStatus(ctx, storage.PollStatus{Polling: false}); err != nil && !s.log.IsZero() {
		s.log.Warn("unsubscribe: clearing poll status failed", logx.Err(err))
	}
	s.setStatus(ctx, Status{State: StateDisconnected, LastDisconnected: s.now()})
	return nil
}

// Reconnect is the external back-online signal: an active run retries
// immediately with its backoff reset; a stopped service with a persisted
// topic dials again.
func (s *Service) Reconnect() {
	s.mu.Lock()
	running := s.runCancel != nil
	started := s.started
	base := s.base
	s.mu.Unlock()

	if running {
		select {
		case s.kick <- struct{}{}:
		default:
		}
		return
	}
	if !started {
		return
	}
	topic, err := s.store.GetTopic(base)
	if err != nil || topic == "" {
		return
	}
	s.startRun(topic, false)
}

func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Deliver pushes a notification through the ingest pipeline from outside the
// transports (push receiver, diagnostics).
func (s *Service) Deliver(ctx context.Context, n *notification.Notification) {
	if n == nil {
		return
	}
	notification.Normalize(n, notification.SourceTest, s.now())
	s.ingest(ctx, n)
}

func (s *Service) startRun(topic string, demoted bool) {
	s.mu.Lock()
	base := s.base
	if base == nil {
		s.mu.Unlock()
		return
	}
	gen := s.gen.Add(1)
	ctx, cancel := context.WithCancel(base)
	done := make(chan struct{})
	s.runCancel = cancel
	s.runDone = done
	state := StateConnecting
	if demoted {
		state = StatePolling
	}
	s.status = Status{State: state, Topic: topic}
	s.mu.Unlock()

	s.persistStatus(ctx)
	go func() {
		defer close(done)
		s.run(ctx, gen, topic, demoted)
	}()
}

// teardown cancels the active run and waits (bounded) for it to drain. The
// generation bump makes any message still in flight from the old transport a
// no-op.
func (s *Service) teardown() {
	s.mu.Lock()
	cancel, done := s.runCancel, s.runDone
	s.runCancel, s.runDone = nil, nil
	s.gen.Add(1)
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	select {
	case <-done:
	case <-time.After(teardownWait):
		if !s.log.IsZero() {
			s.log.Warn("teardown: transport did not drain in time")
		}
	}
}

// backoffDelay is min(maxDelay, 1.5^min(attempt,8) seconds) plus up to one
// second of jitter.
func (s *Service) backoffDelay(attempt int) time.Duration {
	exp := attempt
	if exp > 8 {
		exp = 8
	}
	d := time.Duration(math.Pow(1.5, float64(exp)) * float64(time.Second))
	if d > s.set.MaxReconnectDelay {
		d = s.set.MaxReconnectDelay
	}
	s.rngMu.Lock()
	j := time.Duration(s.rng.Int63n(int64(time.Second)))
	s.rngMu.Unlock()
	return d + j
}
