package delivery

import "time"

// State is the supervisor's connection state machine.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StatePolling      State = "polling"
)

// Status is a point-in-time snapshot of the supervisor. Attempt and
// NextRetryAt are meaningful in StateReconnecting only.
type Status struct {
	State            State     `json:"state"`
	Topic            string    `json:"topic,omitempty"`
	Attempt          int       `json:"attempt,omitempty"`
	NextRetryAt      time.Time `json:"nextRetryAt,omitzero"`
	LastConnected    time.Time `json:"lastConnected,omitzero"`
	LastDisconnected time.Time `json:"lastDisconnected,omitzero"`
}
