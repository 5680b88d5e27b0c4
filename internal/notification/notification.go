package notification

import (
	"time"

	"github.com/google/uuid"
)

// Source identifies which transport observed a notification first.
type Source string

const (
	SourcePush   Source = "push"
	SourceStream Source = "sse"
	SourcePoll   Source = "poll"
	SourceTest   Source = "test"
)

// Notification is the normalized record every transport produces.
//
// Identity is ID. Timestamp is unix milliseconds (the server's wire format);
// use Time() when a time.Time is needed.
type Notification struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Body      string `json:"body"`
	URL       string `json:"url,omitempty"`
	Topic     string `json:"topic,omitempty"`
	Timestamp int64  `json:"timestamp"`
	Source    Source `json:"source,omitempty"`
	IsNew     bool   `json:"isNew"`
}

func (n Notification) Time() time.Time { return time.UnixMilli(n.Timestamp) }

// Normalize fills the fields a transport may omit: a generated id, the
// receive timestamp and the observing source. Present values are kept.
func Normalize(n *Notification, src Source, now time.Time) {
	if n == nil {
		return
	}
	if n.ID == "" {
		n.ID = string(src) + "-" + uuid.NewString()
	}
	if n.Timestamp == 0 {
		n.Timestamp = now.UnixMilli()
	}
	if n.Source == "" {
		n.Source = src
	}
}

// Placeholder synthesizes a generic notification for payloads that could not
// be decoded. Malformed messages are never dropped silently; the user is
// still told something happened.
func Placeholder(src Source, topic string, now time.Time) Notification {
	n := Notification{
		Title:     "Notification",
		Body:      "New notification received",
		Topic:     topic,
		Timestamp: now.UnixMilli(),
		Source:    src,
		IsNew:     true,
	}
	Normalize(&n, src, now)
	return n
}
