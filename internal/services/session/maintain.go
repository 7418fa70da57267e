package session

import (
	"context"
	"time"
)

// maybeReplenish kicks off a background replenish when the one-time
// prekey pool is low. Failures are logged, never surfaced on the
// decrypt path.
func (m *Manager) maybeReplenish(ctx context.Context) {
	count, err := m.ks.OneTimePreKeyCount()
	if err != nil {
		m.log.Errorf("one-time prekey count: %v", err)
		return
	}
	if count >= m.cfg.ReplenishThreshold {
		return
	}
	if !m.replenishing.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer m.replenishing.Store(false)
		if err := m.Maintain(context.WithoutCancel(ctx)); err != nil {
			m.log.Errorf("background replenish: %v", err)
		}
	}()
}

// Maintain performs one maintenance pass synchronously: rotate the
// signed prekey if due, top up the one-time pool, and republish the
// bundle. It is the unit a scheduler drives; tests call it directly.
func (m *Manager) Maintain(ctx context.Context) error {
	due, err := m.prekeys.RotationDue()
	if err != nil {
		return err
	}
	if due {
		if _, err := m.prekeys.RotateSignedPreKey(); err != nil {
			return err
		}
	}

	count, err := m.ks.OneTimePreKeyCount()
	if err != nil {
		return err
	}
	if count < m.cfg.ReplenishThreshold {
		if _, err := m.prekeys.Replenish(m.cfg.ReplenishBatch); err != nil {
			return err
		}
	}

	bundle, err := m.prekeys.BuildBundle()
	if err != nil {
		return err
	}
	id, err := m.ks.Identity()
	if err != nil {
		return err
	}
	addr := Address(id)
	if err := m.dir.PublishBundle(ctx, addr, bundle); err != nil {
		return err
	}
	m.log.Debugf("published bundle for %s/%s", addr.User, addr.Device)
	return nil
}

// Run drives Maintain on a fixed interval until ctx is cancelled.
func (m *Manager) Run(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := m.Maintain(ctx); err != nil {
				m.log.Errorf("maintenance: %v", err)
			}
		}
	}
}
