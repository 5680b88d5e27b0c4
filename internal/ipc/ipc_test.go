package ipc

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"notifyd/internal/config"
	"notifyd/internal/delivery"
	"notifyd/internal/notification"
	"notifyd/internal/storage"
	"notifyd/pkg/logx"
)

type fakeSupervisor struct {
	mu          sync.Mutex
	subscribed  []string
	polled      []string
	stops       int
	unsubs      int
	delivered   []notification.Notification
	status      delivery.Status
	subscribeFn func(ctx context.Context, topic string) error
}

func (f *fakeSupervisor) Subscribe(ctx context.Context, topic string) error {
	if f.subscribeFn != nil {
		return f.subscribeFn(ctx, topic)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed = append(f.subscribed, topic)
	f.status = delivery.Status{State: delivery.StateConnected, Topic: topic}
	return nil
}

func (f *fakeSupervisor) StartPolling(ctx context.Context, topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polled = append(f.polled, topic)
	f.status = delivery.Status{State: delivery.StatePolling, Topic: topic}
	return nil
}

func (f *fakeSupervisor) Stop(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	f.status = delivery.Status{State: delivery.StateDisconnected, Topic: f.status.Topic}
	return nil
}

func (f *fakeSupervisor) Unsubscribe(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubs++
	f.status = delivery.Status{State: delivery.StateDisconnected}
	return nil
}

func (f *fakeSupervisor) Status() delivery.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeSupervisor) Deliver(ctx context.Context, n *notification.Notification) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delivered = append(f.delivered, *n)
}

type fakeTester struct {
	mu     sync.Mutex
	topics []string
}

func (f *fakeTester) TestNotification(ctx context.Context, topic, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.topics = append(f.topics, topic)
	return nil
}

type fakeRenewer struct {
	mu         sync.Mutex
	refreshes  int
	unregs     int
	refreshErr error
}

func (f *fakeRenewer) Refresh(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	return f.refreshErr
}

func (f *fakeRenewer) Unregister(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unregs++
	return nil
}

func testPair(t *testing.T, sup *fakeSupervisor, tester Tester, set config.IPCSettings) (*Client, *storage.Store) {
	return testPairPush(t, sup, nil, tester, set)
}

func testPairPush(t *testing.T, sup *fakeSupervisor, renewer Renewer, tester Tester, set config.IPCSettings) (*Client, *storage.Store) {
	t.Helper()
	store, err := storage.Open(storage.Config{
		Driver: "file",
		Path:   filepath.Join(t.TempDir(), "state"),
	}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	pipe := NewPipe()
	srv := NewServer(ServerOptions{
		Pipe:     pipe,
		Delivery: sup,
		Store:    store,
		Push:     renewer,
		Tester:   tester,
		Settings: set,
		Log:      logx.Nop(),
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = srv.Serve(ctx) }()

	return NewClient(pipe, set, logx.Nop()), store
}

func defaultSettings() config.IPCSettings {
	s, _ := config.IPCConfig{}.Resolve()
	return s
}

func TestConnectRoundTrip(t *testing.T) {
	t.Parallel()

	sup := &fakeSupervisor{}
	client, _ := testPair(t, sup, nil, defaultSettings())

	resp, err := client.Call(context.Background(), Request{Action: ActionConnect, Topic: "alerts"})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if resp.Error != "" || !resp.Connected || resp.Topic != "alerts" {
		t.Fatalf("response = %+v", resp)
	}
	sup.mu.Lock()
	defer sup.mu.Unlock()
	if len(sup.subscribed) != 1 || sup.subscribed[0] != "alerts" {
		t.Fatalf("subscribed = %v", sup.subscribed)
	}
}

func TestConnectRequiresTopic(t *testing.T) {
	t.Parallel()

	client, _ := testPair(t, &fakeSupervisor{}, nil, defaultSettings())
	resp, err := client.Call(context.Background(), Request{Action: ActionConnect})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if !strings.Contains(resp.Error, "topic is required") {
		t.Fatalf("error = %q", resp.Error)
	}
}

func TestUnknownActionRejected(t *testing.T) {
	t.Parallel()

	client, _ := testPair(t, &fakeSupervisor{}, nil, defaultSettings())
	resp, err := client.Call(context.Background(), Request{Action: Action("selfDestruct")})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if !strings.Contains(resp.Error, "unknown action") {
		t.Fatalf("error = %q", resp.Error)
	}
}

func TestStartPollingDispatch(t *testing.T) {
	t.Parallel()

	sup := &fakeSupervisor{}
	client, _ := testPair(t, sup, nil, defaultSettings())

	resp, err := client.Call(context.Background(), Request{Action: ActionStartPolling, Topic: "alerts"})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if resp.Error != "" || resp.Connected {
		t.Fatalf("response = %+v", resp)
	}
	sup.mu.Lock()
	defer sup.mu.Unlock()
	if len(sup.polled) != 1 {
		t.Fatalf("polled = %v", sup.polled)
	}
}

func TestSyncReturnsHistoryAndMarksViewed(t *testing.T) {
	t.Parallel()

	client, store := testPair(t, &fakeSupervisor{}, nil, defaultSettings())
	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		err := store.AppendNotification(ctx, notification.Notification{
			ID: id, Title: "T", Body: "B", Timestamp: time.Now().UnixMilli(), IsNew: true,
		})
		if err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	resp, err := client.Call(ctx, Request{Action: ActionSyncNotifications})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if len(resp.Notifications) != 2 {
		t.Fatalf("notifications = %d", len(resp.Notifications))
	}

	after, err := store.Notifications(ctx, storage.HistoryCap)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	for _, n := range after {
		if n.IsNew {
			t.Fatalf("notification %s still flagged new after sync", n.ID)
		}
	}
}

func TestTestNotificationDeliversAndPings(t *testing.T) {
	t.Parallel()

	sup := &fakeSupervisor{status: delivery.Status{State: delivery.StateConnected, Topic: "alerts"}}
	tester := &fakeTester{}
	client, _ := testPair(t, sup, tester, defaultSettings())

	resp, err := client.Call(context.Background(), Request{Action: ActionTestNotification})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if resp.Error != "" {
		t.Fatalf("error = %q", resp.Error)
	}
	sup.mu.Lock()
	if len(sup.delivered) != 1 || sup.delivered[0].Topic != "alerts" {
		t.Fatalf("delivered = %+v", sup.delivered)
	}
	sup.mu.Unlock()
	tester.mu.Lock()
	defer tester.mu.Unlock()
	if len(tester.topics) != 1 {
		t.Fatalf("tester calls = %v", tester.topics)
	}
}

func TestRenewSubscriptionDispatch(t *testing.T) {
	t.Parallel()

	renewer := &fakeRenewer{}
	client, _ := testPairPush(t, &fakeSupervisor{}, renewer, nil, defaultSettings())

	resp, err := client.Call(context.Background(), Request{Action: ActionRenewSubscription})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if resp.Error != "" {
		t.Fatalf("error = %q", resp.Error)
	}
	renewer.mu.Lock()
	defer renewer.mu.Unlock()
	if renewer.refreshes != 1 {
		t.Fatalf("refreshes = %d", renewer.refreshes)
	}
}

func TestRenewSubscriptionWithPushDisabled(t *testing.T) {
	t.Parallel()

	client, _ := testPair(t, &fakeSupervisor{}, nil, defaultSettings())
	resp, err := client.Call(context.Background(), Request{Action: ActionRenewSubscription})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if !strings.Contains(resp.Error, "push is disabled") {
		t.Fatalf("error = %q", resp.Error)
	}
}

func TestDeclineRenewalRevokesAndStops(t *testing.T) {
	t.Parallel()

	sup := &fakeSupervisor{status: delivery.Status{State: delivery.StateConnected, Topic: "alerts"}}
	renewer := &fakeRenewer{}
	client, _ := testPairPush(t, sup, renewer, nil, defaultSettings())

	resp, err := client.Call(context.Background(), Request{Action: ActionDeclineRenewal})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if resp.Error != "" || resp.Connected {
		t.Fatalf("response = %+v", resp)
	}
	renewer.mu.Lock()
	if renewer.unregs != 1 {
		t.Fatalf("unregisters = %d", renewer.unregs)
	}
	renewer.mu.Unlock()
	sup.mu.Lock()
	defer sup.mu.Unlock()
	if sup.stops != 1 {
		t.Fatalf("stops = %d", sup.stops)
	}
}

func TestCallTimesOutWithoutServer(t *testing.T) {
	t.Parallel()

	set := config.IPCSettings{RequestTimeout: 30 * time.Millisecond, RetryAttempts: 2}
	client := NewClient(NewPipe(), set, logx.Nop())

	start := time.Now()
	_, err := client.Call(context.Background(), Request{Action: ActionCheckStatus})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	// two attempts plus one doubling delay must have elapsed
	if elapsed := time.Since(start); elapsed < retryBaseDelay {
		t.Fatalf("returned too quickly (%v) for a retried call", elapsed)
	}
}

func TestServerDeadlineSurfacesAsError(t *testing.T) {
	t.Parallel()

	set := config.IPCSettings{RequestTimeout: 50 * time.Millisecond, RetryAttempts: 1}
	sup := &fakeSupervisor{subscribeFn: func(ctx context.Context, topic string) error {
		<-ctx.Done()
		return ctx.Err()
	}}
	client, _ := testPair(t, sup, nil, set)

	resp, err := client.Call(context.Background(), Request{Action: ActionConnect, Topic: "alerts"})
	if err == nil {
		if !strings.Contains(resp.Error, "deadline") {
			t.Fatalf("response = %+v", resp)
		}
		return
	}
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v", err)
	}
}
