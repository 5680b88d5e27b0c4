package dedup

import (
	"testing"
	"time"

	"notifyd/internal/notification"
)

func TestIsDuplicateByID(t *testing.T) {
	t.Parallel()
	c := New()
	n := &notification.Notification{ID: "n-1", Title: "Join", Body: "Someone joined"}
	if c.IsDuplicate(n) {
		t.Fatal("first sighting reported as duplicate")
	}
	again := &notification.Notification{ID: "n-1", Title: "different", Body: "different"}
	if !c.IsDuplicate(again) {
		t.Fatal("second sighting of same id not reported as duplicate")
	}
}

func TestFingerprintFallbackWithoutIDs(t *testing.T) {
	t.Parallel()
	base := time.Unix(1_700_000_000, 0)
	now := base
	c := New(WithClock(func() time.Time { return now }))

	a := &notification.Notification{Title: "Join", Body: "Someone joined your room", Source: notification.SourceStream}
	b := &notification.Notification{Title: "Join", Body: "Someone joined your room", Source: notification.SourcePoll}

	if c.IsDuplicate(a) {
		t.Fatal("first arrival reported as duplicate")
	}
	if a.ID == "" {
		t.Fatal("IsDuplicate must assign an id when absent")
	}
	now = base.Add(2 * time.Second)
	if !c.IsDuplicate(b) {
		t.Fatal("identical title/body within 5s window not suppressed")
	}
	if a.ID == b.ID {
		t.Fatal("distinct arrivals must not share a generated id")
	}
}

func TestFingerprintExpiresAfterWindow(t *testing.T) {
	t.Parallel()
	base := time.Unix(1_700_000_000, 0)
	now := base
	c := New(WithClock(func() time.Time { return now }))

	first := &notification.Notification{Title: "Join", Body: "x"}
	if c.IsDuplicate(first) {
		t.Fatal("unexpected duplicate")
	}
	// Past the fingerprint TTL and into a later bucket.
	now = base.Add(11 * time.Second)
	second := &notification.Notification{Title: "Join", Body: "x"}
	if c.IsDuplicate(second) {
		t.Fatal("fingerprint suppressed past its TTL")
	}
}

func TestIDExpiresAfterTTL(t *testing.T) {
	t.Parallel()
	base := time.Unix(1_700_000_000, 0)
	now := base
	c := New(WithClock(func() time.Time { return now }))

	if c.IsDuplicate(&notification.Notification{ID: "n-2", Title: "a", Body: "b"}) {
		t.Fatal("unexpected duplicate")
	}
	now = base.Add(DefaultIDTTL + time.Second)
	if c.IsDuplicate(&notification.Notification{ID: "n-2", Title: "c", Body: "d"}) {
		t.Fatal("id suppressed past its TTL")
	}
}

func TestSweepDropsExpiredEntries(t *testing.T) {
	t.Parallel()
	base := time.Unix(1_700_000_000, 0)
	now := base
	c := New(WithClock(func() time.Time { return now }))

	c.IsDuplicate(&notification.Notification{ID: "sweep-1", Title: "a", Body: "b"})
	now = base.Add(time.Minute)
	ids, fps := c.Len()
	if ids != 0 || fps != 0 {
		t.Fatalf("expected empty cache after TTL sweep, got ids=%d fps=%d", ids, fps)
	}
}
