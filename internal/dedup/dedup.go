package dedup

import (
	"strconv"
	"sync"
	"time"

	"notifyd/internal/notification"
)

// Defaults match the delivery server's observed duplicate horizons. The two
// windows are intentionally different: ids are stable across transports and
// can be remembered longer, while the content fingerprint only has to cover
// near-simultaneous arrival of the same event via push, stream and poll.
const (
	DefaultIDTTL          = 30 * time.Second
	DefaultFingerprintTTL = 5 * time.Second

	fingerprintBucket = 5 * time.Second

	// maxEntries bounds both sets; beyond it the earliest-expiring entries
	// are evicted first.
	maxEntries = 2000
)

// Cache suppresses re-delivery of events seen twice within a short horizon.
//
// Two independent tiers are needed because the same logical event can arrive
// with different ids (or none) depending on which transport saw it first:
//   - seen ids, for transports that carry a stable id
//   - title|body fingerprints in a 5-second bucket, for the rest
//
// Entries are in-memory only; duplicates are only a risk within the TTLs.
type Cache struct {
	idTTL time.Duration
	fpTTL time.Duration
	now   func() time.Time

	mu           sync.Mutex
	seenIDs      map[string]time.Time // id -> expiry
	fingerprints map[string]time.Time // title|body|bucket -> expiry
}

type Option func(*Cache)

// WithTTLs overrides both horizons. Zero values keep the defaults.
func WithTTLs(id, fingerprint time.Duration) Option {
	return func(c *Cache) {
		if id > 0 {
			c.idTTL = id
		}
		if fingerprint > 0 {
			c.fpTTL = fingerprint
		}
	}
}

// WithClock injects a time source (tests).
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

func New(opts ...Option) *Cache {
	c := &Cache{
		idTTL:        DefaultIDTTL,
		fpTTL:        DefaultFingerprintTTL,
		now:          time.Now,
		seenIDs:      map[string]time.Time{},
		fingerprints: map[string]time.Time{},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// IsDuplicate reports whether n was already seen within the dedup horizon.
//
// Side effects: assigns a generated id when n has none, and records both the
// id and the content fingerprint when the notification is unique.
func (c *Cache) IsDuplicate(n *notification.Notification) bool {
	if n == nil {
		return true
	}
	now := c.now()
	notification.Normalize(n, n.Source, now)

	fp := n.Title + "|" + n.Body + "|" + strconv.FormatInt(now.UnixMilli()/fingerprintBucket.Milliseconds(), 10)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.sweepLocked(now)

	if until, ok := c.seenIDs[n.ID]; ok && now.Before(until) {
		return true
	}
	if until, ok := c.fingerprints[fp]; ok && now.Before(until) {
		return true
	}

	c.seenIDs[n.ID] = now.Add(c.idTTL)
	c.fingerprints[fp] = now.Add(c.fpTTL)
	capLocked(c.seenIDs)
	capLocked(c.fingerprints)
	return false
}

// Len returns the live entry counts (ids, fingerprints). Status/testing only.
func (c *Cache) Len() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sweepLocked(c.now())
	return len(c.seenIDs), len(c.fingerprints)
}

func (c *Cache) sweepLocked(now time.Time) {
	for k, until := range c.seenIDs {
		if !now.Before(until) {
			delete(c.seenIDs, k)
		}
	}
	for k, until := range c.fingerprints {
		if !now.Before(until) {
			delete(c.fingerprints, k)
		}
	}
}

func capLocked(m map[string]time.Time) {
	for len(m) > maxEntries {
		var (
			minKey string
			minT   time.Time
			set    bool
		)
		for k, t := range m {
			if !set || t.Before(minT) {
				minKey, minT, set = k, t, true
			}
		}
		if minKey == "" {
			return
		}
		delete(m, minKey)
	}
}
