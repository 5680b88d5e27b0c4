package storage

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"notifyd/internal/notification"
	"notifyd/pkg/logx"
)

// backend is the primitive surface each driver implements. The typed API
// lives on Store so both drivers stay small.
type backend interface {
	putKV(ctx context.Context, key string, value json.RawMessage) error
	getKV(ctx context.Context, key string) (json.RawMessage, bool, error)
	deleteKV(ctx context.Context, key string) error

	appendNotification(ctx context.Context, n notification.Notification) error
	notifications(ctx context.Context, limit int) ([]notification.Notification, error)
	markAllViewed(ctx context.Context) error
	clearHistory(ctx context.Context) error

	close() error
}

// Store is the persistence layer shared by the delivery supervisor and the
// push registration manager. All writes are durable before the method
// returns, so an interrupted startup resumes correctly on next activation.
type Store struct {
	b   backend
	log logx.Logger
}

// Open initializes the configured driver. An empty driver defaults to sqlite.
func Open(cfg Config, log logx.Logger) (*Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))

	var (
		b   backend
		err error
	)
	switch driver {
	case "", "sqlite", "sqlite3":
		b, err = openSQLite(cfg, log)
	case "file":
		b, err = openFile(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
	if err != nil {
		return nil, err
	}
	return &Store{b: b, log: log}, nil
}

func (s *Store) Close() error {
	if s == nil || s.b == nil {
		return nil
	}
	return s.b.close()
}

// ---- KV ----

func (s *Store) PutTopic(ctx context.Context, topic string) error {
	return s.putJSON(ctx, keyTopic, topic)
}

// GetTopic returns the persisted topic, or "" when no subscription is active.
func (s *Store) GetTopic(ctx context.Context) (string, error) {
	var topic string
	if _, err := s.getJSON(ctx, keyTopic, &topic); err != nil {
		return "", err
	}
	return topic, nil
}

func (s *Store) ClearTopic(ctx context.Context) error {
	return s.b.deleteKV(ctx, keyTopic)
}

func (s *Store) PutStreamStatus(ctx context.Context, st StreamStatus) error {
	return s.putJSON(ctx, keyStreamStatus, st)
}

func (s *Store) GetStreamStatus(ctx context.Context) (StreamStatus, bool, error) {
	var st StreamStatus
	ok, err := s.getJSON(ctx, keyStreamStatus, &st)
	return st, ok, err
}

func (s *Store) PutPollStatus(ctx context.Context, st PollStatus) error {
	return s.putJSON(ctx, keyPollStatus, st)
}

func (s *Store) GetPollStatus(ctx context.Context) (PollStatus, bool, error) {
	var st PollStatus
	ok, err := s.getJSON(ctx, keyPollStatus, &st)
	return st, ok, err
}

func (s *Store) PutSubscription(ctx context.Context, rec SubscriptionRecord) error {
	return s.putJSON(ctx, keySubscription, rec)
}

func (s *Store) GetSubscription(ctx context.Context) (SubscriptionRecord, bool, error) {
	var rec SubscriptionRecord
	ok, err := s.getJSON(ctx, keySubscription, &rec)
	return rec, ok, err
}

func (s *Store) ClearSubscription(ctx context.Context) error {
	return s.b.deleteKV(ctx, keySubscription)
}

// ---- History ----

// AppendNotification stores n and prunes the history to HistoryCap entries
// by timestamp descending.
func (s *Store) AppendNotification(ctx context.Context, n notification.Notification) error {
	return s.b.appendNotification(ctx, n)
}

// Notifications returns up to limit entries ordered by timestamp descending.
// limit <= 0 means the full (capped) history.
func (s *Store) Notifications(ctx context.Context, limit int) ([]notification.Notification, error) {
	return s.b.notifications(ctx, limit)
}

// MarkAllViewed flips isNew off on every stored entry. Called once the
// foreground has synced the history list.
func (s *Store) MarkAllViewed(ctx context.Context) error {
	return s.b.markAllViewed(ctx)
}

func (s *Store) ClearHistory(ctx context.Context) error {
	return s.b.clearHistory(ctx)
}

// ---- helpers ----

func (s *Store) putJSON(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.b.putKV(ctx, key, raw)
}

func (s *Store) getJSON(ctx context.Context, key string, out any) (bool, error) {
	raw, ok, err := s.b.getKV(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		// A corrupt value is treated as absent rather than wedging the
		// caller; the supervisor will rewrite it on the next transition.
		s.log.Warn("discarding corrupt stored value", logx.String("key", key), logx.Err(err))
		return false, nil
	}
	return true, nil
}
