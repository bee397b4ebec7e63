package syncer

import (
	"context"
	"time"
)

// minWait keeps the Run loop from spinning on deadlines that are already
// due but whose dispatch was skipped.
const minWait = 5 * time.Millisecond

// Run dispatches tasks as they become due until ctx is cancelled or the
// Manager is closed. It wakes on queue changes, retry deadlines and
// connectivity restoration. While offline it only waits.
func (m *Manager) Run(ctx context.Context) error {
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	m.logger.Info("sync loop started", "workers", m.workers)
	defer m.logger.Info("sync loop stopped")

	for {
		if _, err := m.RunPendingSync(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			m.logger.Error("sync pass failed", "error", err)
		}

		var wake <-chan time.Time
		if m.monitor.IsOnline() {
			if next, ok := m.queue.NextDeadline(); ok {
				wait := next.Sub(m.clock.Now())
				if wait < minWait {
					wait = minWait
				}
				timer.Reset(wait)
				wake = timer.C
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-m.queue.Wait():
			if !ok {
				return nil
			}
		case <-m.restored:
			n := m.queue.MakeDue(m.clock.Now())
			m.logger.Info("connectivity restored", "tasks", n)
		case <-wake:
		}
		timer.Stop()
	}
}
