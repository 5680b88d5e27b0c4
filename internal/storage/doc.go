// Package storage is notifyd's persistence layer.
//
// It holds the active topic, transport status records and push subscription
// handle (keyed values), plus a bounded notification history. The delivery
// supervisor resumes from this state after the host suspends or restarts the
// process, so every write is durable before the triggering operation is
// considered complete.
package storage
