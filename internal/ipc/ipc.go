// Package ipc is the request/response contract between the foreground
// surface and the background daemon. The pipe is an in-process channel; the
// schema stays JSON-shaped so the transport can later become a socket
// without touching either side.
package ipc

import (
	"errors"

	"notifyd/internal/notification"
	"notifyd/internal/storage"
)

// Action is the closed set of requests the daemon answers. Anything else is
// rejected at the boundary with an error response.
type Action string

const (
	ActionConnect           Action = "connect"
	ActionDisconnect        Action = "disconnect"
	ActionCheckStatus       Action = "checkStatus"
	ActionStartPolling      Action = "startPolling"
	ActionSyncNotifications Action = "syncNotifications"
	ActionTestNotification  Action = "testNotification"

	// Renewal prompt answers: accept re-confirms the push binding and
	// resets its age, decline revokes it and stops the transport.
	ActionRenewSubscription Action = "renewSubscription"
	ActionDeclineRenewal    Action = "declineRenewal"
)

type Request struct {
	ID     string `json:"id"`
	Action Action `json:"action"`

	// Topic is required for connect and startPolling.
	Topic string `json:"topic,omitempty"`

	// Notification rides along on testNotification.
	Notification *notification.Notification `json:"notification,omitempty"`
}

type Response struct {
	ID        string `json:"id"`
	Connected bool   `json:"connected"`
	Topic     string `json:"topic,omitempty"`

	Notifications []notification.Notification `json:"notifications,omitempty"`
	Stream        *storage.StreamStatus       `json:"sseStatus,omitempty"`
	Polling       *storage.PollStatus         `json:"pollingStatus,omitempty"`

	// Error is an application-level failure. The request itself completed;
	// retrying it verbatim will not help.
	Error string `json:"error,omitempty"`
}

// ErrTimeout is returned by Client.Call once every retry attempt has expired
// without a response. The caller may try again later; daemon state is not
// assumed broken.
var ErrTimeout = errors.New("ipc: request timed out")

type envelope struct {
	req   Request
	reply chan Response
}

// Pipe connects exactly one Client to one Server.
type Pipe struct {
	ch chan envelope
}

func NewPipe() *Pipe {
	return &Pipe{ch: make(chan envelope, 16)}
}
