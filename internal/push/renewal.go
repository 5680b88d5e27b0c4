package push

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"notifyd/internal/eventbus"
	"notifyd/pkg/logx"
)

// cronRunner is the slice of *cron.Cron the manager needs; kept as an
// interface so tests can drive checkRenewal directly.
type cronRunner interface {
	Stop() context.Context
}

// StartRenewalLoop schedules the periodic age check. The schedule comes from
// config (push.renewal_check_spec, "@daily" by default).
func (m *Manager) StartRenewalLoop(ctx context.Context) error {
	c := cron.New()
	if _, err := c.AddFunc(m.set.RenewalCheckSpec, func() { m.checkRenewal(ctx) }); err != nil {
		return err
	}
	c.Start()

	m.mu.Lock()
	m.cron = c
	m.mu.Unlock()
	return nil
}

// StopRenewalLoop stops the schedule and waits for a running check to finish.
func (m *Manager) StopRenewalLoop() {
	m.mu.Lock()
	c := m.cron
	m.cron = nil
	m.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

// checkRenewal raises a renewal-due event when the subscription has aged past
// the renewal threshold. The prompt is rate-limited: once raised, it is not
// raised again until the prompt interval has passed, so a user who dismisses
// it is not nagged on every check.
func (m *Manager) checkRenewal(ctx context.Context) {
	rec, ok, err := m.store.GetSubscription(ctx)
	if err != nil {
		if !m.log.IsZero() {
			m.log.Warn("renewal check: reading subscription failed", logx.Err(err))
		}
		return
	}
	if !ok || rec.CreatedAt == 0 {
		return
	}

	now := m.now()
	age := now.Sub(time.UnixMilli(rec.CreatedAt))
	if age < m.set.RenewalAge {
		return
	}
	if rec.LastRenewalPrompt != 0 && now.Sub(time.UnixMilli(rec.LastRenewalPrompt)) < m.set.RenewalPromptEvery {
		return
	}

	rec.LastRenewalPrompt = now.UnixMilli()
	if err := m.store.PutSubscription(ctx, rec); err != nil {
		if !m.log.IsZero() {
			m.log.Warn("renewal check: persisting prompt time failed", logx.Err(err))
		}
		return
	}

	if !m.log.IsZero() {
		m.log.Info("push subscription due for renewal",
			logx.String("topic", rec.Topic),
			logx.Duration("age", age),
		)
	}
	m.bus.Publish(eventbus.Event{Kind: eventbus.KindRenewalDue, RenewalTopic: rec.Topic})
}
