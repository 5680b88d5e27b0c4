package storage

import (
	"encoding/json"
	"errors"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
)

var (
	ErrClosed = errors.New("storage closed")
)

// HistoryCap bounds the persisted notification history. Older entries (by
// timestamp) are evicted once the cap is exceeded.
const HistoryCap = 50

// Config configures storage.
//
// Driver values:
//   - "sqlite" (default): SQLite database file
//   - "file": dependency-free file backend (snapshot + jsonl journal)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Persisted KV keys. Kept schema-stable; other processes read these to
// answer status queries without holding a live transport reference.
const (
	keyTopic        = "topic"
	keyStreamStatus = "sseStatus"
	keyPollStatus   = "pollingStatus"
	keySubscription = "pushSubscription"
)

// StreamStatus is the persisted state of the event-stream transport.
// Timestamps are unix milliseconds.
type StreamStatus struct {
	Connected        bool            `json:"connected"`
	Reconnecting     bool            `json:"reconnecting,omitempty"`
	LastConnected    int64           `json:"lastConnected,omitempty"`
	LastDisconnected int64           `json:"lastDisconnected,omitempty"`
	ReconnectAttempt int             `json:"reconnectAttempt,omitempty"`
	NextReconnect    int64           `json:"nextReconnect,omitempty"`
	Handshake        json.RawMessage `json:"handshake,omitempty"`
}

// PollStatus is the persisted state of the polling transport. LastPoll is the
// monotonic `since` watermark (unix milliseconds), advanced only on polls the
// server answered.
type PollStatus struct {
	Polling  bool   `json:"isPolling"`
	Topic    string `json:"topic,omitempty"`
	LastPoll int64  `json:"lastPoll,omitempty"`
	Interval int64  `json:"interval,omitempty"` // milliseconds
}

// SubscriptionRecord is the locally persisted push subscription handle plus
// the metadata the renewal flow needs.
type SubscriptionRecord struct {
	Subscription      webpush.Subscription `json:"subscription"`
	Topic             string               `json:"topic"`
	CreatedAt         int64                `json:"createdAt"`
	LastRenewalPrompt int64                `json:"lastRenewalPrompt,omitempty"`
}
