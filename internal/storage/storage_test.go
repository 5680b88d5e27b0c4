package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"notifyd/internal/notification"
	"notifyd/pkg/logx"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "notifyd")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestTopicRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t)

	topic, err := st.GetTopic(ctx)
	if err != nil {
		t.Fatalf("GetTopic: %v", err)
	}
	if topic != "" {
		t.Fatalf("expected empty topic, got %q", topic)
	}

	if err := st.PutTopic(ctx, "room42"); err != nil {
		t.Fatalf("PutTopic: %v", err)
	}
	topic, err = st.GetTopic(ctx)
	if err != nil || topic != "room42" {
		t.Fatalf("GetTopic = %q, %v; want room42", topic, err)
	}

	if err := st.ClearTopic(ctx); err != nil {
		t.Fatalf("ClearTopic: %v", err)
	}
	topic, _ = st.GetTopic(ctx)
	if topic != "" {
		t.Fatalf("topic not cleared: %q", topic)
	}
}

func TestHistoryCapEvictsOldest(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t)

	for i := 0; i < 60; i++ {
		n := notification.Notification{
			ID:        fmt.Sprintf("n-%02d", i),
			Title:     "t",
			Body:      "b",
			Timestamp: int64(1000 + i),
			IsNew:     true,
		}
		if err := st.AppendNotification(ctx, n); err != nil {
			t.Fatalf("AppendNotification(%d): %v", i, err)
		}
	}

	got, err := st.Notifications(ctx, 0)
	if err != nil {
		t.Fatalf("Notifications: %v", err)
	}
	if len(got) != HistoryCap {
		t.Fatalf("history length = %d, want %d", len(got), HistoryCap)
	}
	// The 50 most recent remain, ordered by timestamp descending.
	if got[0].ID != "n-59" {
		t.Fatalf("newest entry = %s, want n-59", got[0].ID)
	}
	if got[len(got)-1].ID != "n-10" {
		t.Fatalf("oldest surviving entry = %s, want n-10", got[len(got)-1].ID)
	}
	for i := 1; i < len(got); i++ {
		if got[i-1].Timestamp < got[i].Timestamp {
			t.Fatalf("history not descending at %d", i)
		}
	}
}

func TestMarkAllViewed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t)

	for i := 0; i < 3; i++ {
		_ = st.AppendNotification(ctx, notification.Notification{
			ID: fmt.Sprintf("v-%d", i), Title: "t", Body: "b", Timestamp: int64(i), IsNew: true,
		})
	}
	if err := st.MarkAllViewed(ctx); err != nil {
		t.Fatalf("MarkAllViewed: %v", err)
	}
	got, _ := st.Notifications(ctx, 0)
	for _, n := range got {
		if n.IsNew {
			t.Fatalf("entry %s still marked new", n.ID)
		}
	}
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "notifyd")

	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := st.PutTopic(ctx, "room42"); err != nil {
		t.Fatalf("PutTopic: %v", err)
	}
	if err := st.PutPollStatus(ctx, PollStatus{Polling: true, Topic: "room42", LastPoll: 123}); err != nil {
		t.Fatalf("PutPollStatus: %v", err)
	}
	_ = st.AppendNotification(ctx, notification.Notification{ID: "keep", Title: "t", Body: "b", Timestamp: 1})
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	st2, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st2.Close()

	topic, err := st2.GetTopic(ctx)
	if err != nil || topic != "room42" {
		t.Fatalf("GetTopic after reopen = %q, %v; want room42", topic, err)
	}
	ps, ok, err := st2.GetPollStatus(ctx)
	if err != nil || !ok || !ps.Polling || ps.LastPoll != 123 {
		t.Fatalf("GetPollStatus after reopen = %+v, ok=%v, err=%v", ps, ok, err)
	}
	got, _ := st2.Notifications(ctx, 0)
	if len(got) != 1 || got[0].ID != "keep" {
		t.Fatalf("history after reopen = %+v", got)
	}
}

func TestUnknownDriverRejected(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "bolt", Path: "x"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}
