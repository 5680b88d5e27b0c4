// Package push manages the platform push registration: minting a
// subscription handle, keeping the server's record in sync, and prompting
// for renewal when the handle ages out. It is deliberately independent of
// the stream/poll transport: a broken stream must not take the push channel
// down with it.
package push

import (
	"bytes"
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/google/uuid"

	"notifyd/internal/config"
	"notifyd/internal/eventbus"
	"notifyd/internal/notification"
	"notifyd/internal/storage"
	"notifyd/pkg/logx"
)

// inflightWait bounds how long Unregister waits for a register/refresh
// request that is still on the wire.
const inflightWait = 500 * time.Millisecond

var ErrNoSubscription = errors.New("push: no subscription stored")

type Options struct {
	ServerBase string
	Settings   config.PushSettings
	HTTPClient *http.Client
	Store      *storage.Store
	Bus        eventbus.Bus
	Log        logx.Logger

	// Deliver routes confirmation notifications through the normal ingest
	// pipeline (dedup, history, fan-out).
	Deliver func(ctx context.Context, n *notification.Notification)

	Now func() time.Time
}

type Manager struct {
	base string
	set  config.PushSettings
	hc   *http.Client

	store   *storage.Store
	bus     eventbus.Bus
	log     logx.Logger
	deliver func(ctx context.Context, n *notification.Notification)
	now     func() time.Time

	inflight sync.WaitGroup

	mu   sync.Mutex
	cron cronRunner
}

func New(opts Options) *Manager {
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Manager{
		base:    strings.TrimRight(opts.ServerBase, "/"),
		set:     opts.Settings,
		hc:      hc,
		store:   opts.Store,
		bus:     opts.Bus,
		log:     opts.Log,
		deliver: opts.Deliver,
		now:     now,
	}
}

// Register ensures a server-side registration for topic. An existing stored
// handle is reused (re-announced to the server); otherwise a fresh one is
// minted. Registration failure is recoverable: the caller's delivery path
// keeps working without push.
func (m *Manager) Register(ctx context.Context, topic string) error {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return errors.New("push: topic is required")
	}

	rec, ok, err := m.store.GetSubscription(ctx)
	if err != nil {
		return err
	}
	if !ok {
		sub, err := m.mint(ctx)
		if err != nil {
			return err
		}
		rec = storage.SubscriptionRecord{
			Subscription: *sub,
			CreatedAt:    m.now().UnixMilli(),
		}
	}
	rec.Topic = topic

	m.inflight.Add(1)
	err = m.post(ctx, "/subscribe", subscribePayload{Subscription: rec.Subscription, Topic: topic})
	m.inflight.Done()
	if err != nil {
		return err
	}
	if err := m.store.PutSubscription(ctx, rec); err != nil {
		return err
	}
	if !m.log.IsZero() {
		m.log.Info("push registration active",
			logx.String("topic", topic),
			logx.String("endpoint", rec.Subscription.Endpoint),
		)
	}
	return nil
}

// Validate probes the subscription endpoint. gone=true means the push
// service no longer knows the handle (the local copy is cleared and the
// caller should re-register). A probe error is not "gone": the handle may
// still be fine.
func (m *Manager) Validate(ctx context.Context) (gone bool, err error) {
	rec, ok, err := m.store.GetSubscription(ctx)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, ErrNoSubscription
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rec.Subscription.Endpoint, nil)
	if err != nil {
		return false, err
	}
	resp, err := m.hc.Do(req)
	if err != nil {
		return false, err
	}
	drainClose(resp.Body)

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		if !m.log.IsZero() {
			m.log.Warn("push subscription gone", logx.String("endpoint", rec.Subscription.Endpoint))
		}
		if err := m.store.ClearSubscription(ctx); err != nil && !m.log.IsZero() {
			m.log.Warn("clearing dead subscription failed", logx.Err(err))
		}
		return true, nil
	}
	return false, nil
}

// EnsureValid re-registers when the stored handle turned out to be dead.
// Missing subscription is not an error here; there is simply nothing to fix.
func (m *Manager) EnsureValid(ctx context.Context) error {
	rec, ok, err := m.store.GetSubscription(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	gone, err := m.Validate(ctx)
	if err != nil {
		return err
	}
	if !gone {
		return nil
	}
	return m.Register(ctx, rec.Topic)
}

// Unregister revokes the registration server-side and always clears the
// local handle, even when the server call fails. It briefly waits for an
// in-flight register/refresh so the revoke is not raced by it.
func (m *Manager) Unregister(ctx context.Context) error {
	waited := make(chan struct{})
	go func() {
		m.inflight.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(inflightWait):
		if !m.log.IsZero() {
			m.log.Debug("unregister: proceeding with request still in flight")
		}
	}

	rec, ok, err := m.store.GetSubscription(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	if err := m.post(ctx, "/unsubscribe", subscribePayload{Subscription: rec.Subscription, Topic: rec.Topic}); err != nil {
		if !m.log.IsZero() {
			m.log.Warn("server unsubscribe failed; clearing local state anyway", logx.Err(err))
		}
	}
	return m.store.ClearSubscription(ctx)
}

// Refresh renews the registration in place: same handle, reset age, and a
// confirmation notification so the user sees the renewal took.
func (m *Manager) Refresh(ctx context.Context) error {
	rec, ok, err := m.store.GetSubscription(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNoSubscription
	}

	m.inflight.Add(1)
	err = m.post(ctx, "/refresh", subscribePayload{Subscription: rec.Subscription, Topic: rec.Topic})
	m.inflight.Done()
	if err != nil {
		return err
	}

	rec.CreatedAt = m.now().UnixMilli()
	rec.LastRenewalPrompt = 0
	if err := m.store.PutSubscription(ctx, rec); err != nil {
		return err
	}

	if m.deliver != nil {
		n := &notification.Notification{
			Title:  "Subscription renewed",
			Body:   fmt.Sprintf("Push notifications for %q will keep arriving.", rec.Topic),
			Topic:  rec.Topic,
			Source: notification.SourcePush,
			IsNew:  true,
		}
		notification.Normalize(n, notification.SourcePush, m.now())
		m.deliver(ctx, n)
	}
	if !m.log.IsZero() {
		m.log.Info("push subscription refreshed", logx.String("topic", rec.Topic))
	}
	return nil
}

// mint builds a fresh subscription handle: server VAPID key fetched and
// sanity-checked, local P-256 keypair plus auth secret generated, endpoint
// assigned under the configured push service.
func (m *Manager) mint(ctx context.Context) (*webpush.Subscription, error) {
	if _, err := m.fetchVAPIDKey(ctx); err != nil {
		return nil, err
	}

	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("push: generate keypair: %w", err)
	}
	auth := make([]byte, 16)
	if _, err := rand.Read(auth); err != nil {
		return nil, fmt.Errorf("push: generate auth secret: %w", err)
	}

	return &webpush.Subscription{
		Endpoint: m.set.EndpointBase + "/" + uuid.NewString(),
		Keys: webpush.Keys{
			P256dh: base64.RawURLEncoding.EncodeToString(priv.PublicKey().Bytes()),
			Auth:   base64.RawURLEncoding.EncodeToString(auth),
		},
	}, nil
}

func (m *Manager) fetchVAPIDKey(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.base+"/vapidPublicKey", nil)
	if err != nil {
		return nil, err
	}
	resp, err := m.hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer drainClose(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("push: vapid key fetch returned %s", resp.Status)
	}
	var body struct {
		Key string `json:"key"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&body); err != nil {
		return nil, fmt.Errorf("push: decode vapid key: %w", err)
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(body.Key, "="))
	if err != nil {
		return nil, fmt.Errorf("push: vapid key is not base64url: %w", err)
	}
	// uncompressed P-256 point
	if len(raw) != 65 || raw[0] != 0x04 {
		return nil, fmt.Errorf("push: vapid key has unexpected shape (%d bytes)", len(raw))
	}
	return raw, nil
}

type subscribePayload struct {
	Subscription webpush.Subscription `json:"subscription"`
	Topic        string               `json:"topic"`
}

func (m *Manager) post(ctx context.Context, path string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.base+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.hc.Do(req)
	if err != nil {
		return err
	}
	drainClose(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("push: %s returned %s", path, resp.Status)
	}
	return nil
}

func drainClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 1<<16))
	_ = body.Close()
}
