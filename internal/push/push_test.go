package push

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"

	"notifyd/internal/config"
	"notifyd/internal/eventbus"
	"notifyd/internal/notification"
	"notifyd/internal/storage"
	"notifyd/pkg/logx"
)

type fakeServer struct {
	mu          sync.Mutex
	vapidCalls  int
	subscribes  []subscribePayload
	refreshes   int
	unsubStatus int // 0 means 200
	probeStatus int // status for HEAD on /push/* endpoints
	srv         *httptest.Server
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	f := &fakeServer{probeStatus: http.StatusOK}

	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate vapid key: %v", err)
	}
	vapidKey := base64.RawURLEncoding.EncodeToString(priv.PublicKey().Bytes())

	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		switch {
		case r.URL.Path == "/vapidPublicKey":
			f.vapidCalls++
			_ = json.NewEncoder(w).Encode(map[string]string{"key": vapidKey})
		case r.URL.Path == "/subscribe":
			var p subscribePayload
			_ = json.NewDecoder(r.Body).Decode(&p)
			f.subscribes = append(f.subscribes, p)
		case r.URL.Path == "/unsubscribe":
			if f.unsubStatus != 0 {
				w.WriteHeader(f.unsubStatus)
			}
		case r.URL.Path == "/refresh":
			f.refreshes++
		case strings.HasPrefix(r.URL.Path, "/push/"):
			w.WriteHeader(f.probeStatus)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func newTestManager(t *testing.T, f *fakeServer, deliver func(context.Context, *notification.Notification)) (*Manager, *storage.Store, eventbus.Bus) {
	t.Helper()
	store, err := storage.Open(storage.Config{
		Driver: "file",
		Path:   filepath.Join(t.TempDir(), "state"),
	}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	set, err := config.PushConfig{}.Resolve(f.srv.URL)
	if err != nil {
		t.Fatalf("resolve push settings: %v", err)
	}
	bus := eventbus.New()
	m := New(Options{
		ServerBase: f.srv.URL,
		Settings:   set,
		Store:      store,
		Bus:        bus,
		Log:        logx.Nop(),
		Deliver:    deliver,
	})
	return m, store, bus
}

func TestRegisterMintsAndPersists(t *testing.T) {
	t.Parallel()

	f := newFakeServer(t)
	m, store, _ := newTestManager(t, f, nil)
	ctx := context.Background()

	if err := m.Register(ctx, "alerts"); err != nil {
		t.Fatalf("register: %v", err)
	}

	rec, ok, err := store.GetSubscription(ctx)
	if err != nil || !ok {
		t.Fatalf("subscription not stored: %v", err)
	}
	if rec.Topic != "alerts" || rec.CreatedAt == 0 {
		t.Fatalf("record = %+v", rec)
	}
	if !strings.HasPrefix(rec.Subscription.Endpoint, f.srv.URL+"/push/") {
		t.Fatalf("endpoint = %q", rec.Subscription.Endpoint)
	}
	pub, err := base64.RawURLEncoding.DecodeString(rec.Subscription.Keys.P256dh)
	if err != nil || len(pub) != 65 || pub[0] != 0x04 {
		t.Fatalf("p256dh key malformed: %v (%d bytes)", err, len(pub))
	}
	auth, err := base64.RawURLEncoding.DecodeString(rec.Subscription.Keys.Auth)
	if err != nil || len(auth) != 16 {
		t.Fatalf("auth secret malformed: %v (%d bytes)", err, len(auth))
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.subscribes) != 1 || f.subscribes[0].Topic != "alerts" {
		t.Fatalf("server saw subscribes: %+v", f.subscribes)
	}
	if f.vapidCalls != 1 {
		t.Fatalf("vapid calls = %d", f.vapidCalls)
	}
}

func TestRegisterReusesStoredHandle(t *testing.T) {
	t.Parallel()

	f := newFakeServer(t)
	m, store, _ := newTestManager(t, f, nil)
	ctx := context.Background()

	seed := storage.SubscriptionRecord{
		Subscription: webpush.Subscription{
			Endpoint: f.srv.URL + "/push/existing",
			Keys:     webpush.Keys{P256dh: "pk", Auth: "as"},
		},
		Topic:     "old",
		CreatedAt: time.Now().Add(-time.Hour).UnixMilli(),
	}
	if err := store.PutSubscription(ctx, seed); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if err := m.Register(ctx, "new-topic"); err != nil {
		t.Fatalf("register: %v", err)
	}

	rec, _, _ := store.GetSubscription(ctx)
	if rec.Subscription.Endpoint != seed.Subscription.Endpoint {
		t.Fatal("existing handle should be reused")
	}
	if rec.Topic != "new-topic" {
		t.Fatalf("topic = %q", rec.Topic)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.vapidCalls != 0 {
		t.Fatal("reuse path should not mint a new handle")
	}
}

func TestValidateGoneClearsLocalState(t *testing.T) {
	t.Parallel()

	f := newFakeServer(t)
	f.probeStatus = http.StatusGone
	m, store, _ := newTestManager(t, f, nil)
	ctx := context.Background()

	if err := m.Register(ctx, "alerts"); err != nil {
		t.Fatalf("register: %v", err)
	}
	gone, err := m.Validate(ctx)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !gone {
		t.Fatal("expected gone=true for 410 probe")
	}
	if _, ok, _ := store.GetSubscription(ctx); ok {
		t.Fatal("dead subscription should be cleared")
	}
}

func TestValidateServerErrorIsNotGone(t *testing.T) {
	t.Parallel()

	f := newFakeServer(t)
	f.probeStatus = http.StatusInternalServerError
	m, store, _ := newTestManager(t, f, nil)
	ctx := context.Background()

	if err := m.Register(ctx, "alerts"); err != nil {
		t.Fatalf("register: %v", err)
	}
	gone, err := m.Validate(ctx)
	if err != nil || gone {
		t.Fatalf("gone=%v err=%v; a 500 probe must not kill the handle", gone, err)
	}
	if _, ok, _ := store.GetSubscription(ctx); !ok {
		t.Fatal("subscription should survive a probe error")
	}
}

func TestEnsureValidReRegisters(t *testing.T) {
	t.Parallel()

	f := newFakeServer(t)
	m, store, _ := newTestManager(t, f, nil)
	ctx := context.Background()

	if err := m.Register(ctx, "alerts"); err != nil {
		t.Fatalf("register: %v", err)
	}
	f.mu.Lock()
	f.probeStatus = http.StatusNotFound
	f.mu.Unlock()

	if err := m.EnsureValid(ctx); err != nil {
		t.Fatalf("ensure valid: %v", err)
	}
	rec, ok, _ := store.GetSubscription(ctx)
	if !ok || rec.Topic != "alerts" {
		t.Fatalf("expected re-registration, got %+v ok=%v", rec, ok)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.subscribes) != 2 {
		t.Fatalf("subscribe calls = %d, want 2", len(f.subscribes))
	}
}

func TestUnregisterClearsLocalEvenWhenServerFails(t *testing.T) {
	t.Parallel()

	f := newFakeServer(t)
	f.unsubStatus = http.StatusInternalServerError
	m, store, _ := newTestManager(t, f, nil)
	ctx := context.Background()

	if err := m.Register(ctx, "alerts"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := m.Unregister(ctx); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	if _, ok, _ := store.GetSubscription(ctx); ok {
		t.Fatal("local state should be cleared regardless of server outcome")
	}
	// a second unregister with nothing stored is a no-op
	if err := m.Unregister(ctx); err != nil {
		t.Fatalf("second unregister: %v", err)
	}
}

func TestRefreshResetsAgeAndConfirms(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var confirmed *notification.Notification
	deliver := func(_ context.Context, n *notification.Notification) {
		mu.Lock()
		confirmed = n
		mu.Unlock()
	}

	f := newFakeServer(t)
	m, store, _ := newTestManager(t, f, deliver)
	ctx := context.Background()

	if err := m.Register(ctx, "alerts"); err != nil {
		t.Fatalf("register: %v", err)
	}
	old := time.Now().Add(-40 * 24 * time.Hour).UnixMilli()
	rec, _, _ := store.GetSubscription(ctx)
	rec.CreatedAt = old
	rec.LastRenewalPrompt = time.Now().UnixMilli()
	if err := store.PutSubscription(ctx, rec); err != nil {
		t.Fatalf("age record: %v", err)
	}

	if err := m.Refresh(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	rec, _, _ = store.GetSubscription(ctx)
	if rec.CreatedAt == old || rec.LastRenewalPrompt != 0 {
		t.Fatalf("record not renewed: %+v", rec)
	}
	f.mu.Lock()
	refreshes := f.refreshes
	f.mu.Unlock()
	if refreshes != 1 {
		t.Fatalf("refresh calls = %d", refreshes)
	}
	mu.Lock()
	defer mu.Unlock()
	if confirmed == nil || confirmed.Source != notification.SourcePush {
		t.Fatalf("confirmation = %+v", confirmed)
	}
}

func TestRenewalPromptIsRateLimited(t *testing.T) {
	t.Parallel()

	f := newFakeServer(t)
	m, store, bus := newTestManager(t, f, nil)
	ctx := context.Background()

	now := time.Now()
	m.now = func() time.Time { return now }

	rec := storage.SubscriptionRecord{
		Subscription: webpush.Subscription{Endpoint: f.srv.URL + "/push/x"},
		Topic:        "alerts",
		CreatedAt:    now.Add(-31 * 24 * time.Hour).UnixMilli(),
	}
	if err := store.PutSubscription(ctx, rec); err != nil {
		t.Fatalf("seed: %v", err)
	}

	events, unsub := bus.Subscribe(8)
	defer unsub()

	m.checkRenewal(ctx)
	select {
	case e := <-events:
		if e.Kind != eventbus.KindRenewalDue || e.RenewalTopic != "alerts" {
			t.Fatalf("event = %+v", e)
		}
	default:
		t.Fatal("expected renewal-due event")
	}

	// same day: prompt suppressed
	m.checkRenewal(ctx)
	select {
	case e := <-events:
		t.Fatalf("unexpected second prompt: %+v", e)
	default:
	}

	// next day: prompt raised again
	now = now.Add(25 * time.Hour)
	m.checkRenewal(ctx)
	select {
	case e := <-events:
		if e.Kind != eventbus.KindRenewalDue {
			t.Fatalf("event = %+v", e)
		}
	default:
		t.Fatal("expected renewal-due event after prompt interval")
	}
}
