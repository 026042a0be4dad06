package monitor

import (
	"context"
	"time"
)

// runTicker drives duration updates on its own schedule, independent of
// ingestion.
func (m *Monitor) runTicker(ctx context.Context) {
	interval := m.cfg.Watcher.TickInterval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick()
		}
	}
}

// tick advances the current session to the wall clock. A session that is
// restoring history ignores ticks; its time follows the replayed events.
func (m *Monitor) tick() {
	if cur := m.store.Current(); cur != nil {
		cur.Tick(m.clock.Now())
	}
}
