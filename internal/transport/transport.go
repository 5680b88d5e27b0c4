// Package transport implements the two delivery strategies against the
// notification server: a long-lived SSE stream and a fixed-interval poller.
// Both normalize records through internal/notification and hand them to the
// supervisor over a Message channel; neither decides retry policy.
package transport

import (
	"encoding/json"
	"errors"

	"notifyd/internal/notification"
)

type Kind string

const (
	// KindConnected is emitted once per stream run, when the server's
	// connect handshake arrives.
	KindConnected Kind = "connected"

	// KindNotification carries a normalized notification record.
	KindNotification Kind = "notification"

	// KindReconnect is a server hint to drop the current stream and dial
	// again immediately.
	KindReconnect Kind = "reconnect"
)

type Message struct {
	Kind         Kind
	Notification *notification.Notification

	// Handshake is the raw connect payload, kept opaque for status
	// reporting.
	Handshake json.RawMessage
}

// ErrHandshakeTimeout is returned by Stream.Run when the server accepts the
// connection but never sends the connect event.
var ErrHandshakeTimeout = errors.New("transport: no connect handshake before deadline")
