// Package liveness implements the connection health monitor: one ticking
// task that walks the registry snapshot every second, looking for
// participants who have gone quiet past the soft or hard heartbeat timeout.
package liveness

import (
	"context"
	"log/slog"
	"time"

	"github.com/akinalpfdn/lanhub/registry"
)

const tickInterval = 1 * time.Second

// EvictFunc is called once a participant crosses the hard timeout. The
// caller (main wiring) is expected to perform the actual registry.Remove +
// user_left broadcast, since liveness only detects the condition.
type EvictFunc func(id int, reason string)

// Monitor ticks once a second and evicts any participant silent past hard.
type Monitor struct {
	reg    *registry.Registry
	soft   time.Duration
	hard   time.Duration
	evict  EvictFunc
	logger *slog.Logger

	warned map[int]bool
}

// New constructs a liveness monitor. Call Run in its own goroutine.
func New(reg *registry.Registry, soft, hard time.Duration, evict EvictFunc, logger *slog.Logger) *Monitor {
	return &Monitor{
		reg:    reg,
		soft:   soft,
		hard:   hard,
		evict:  evict,
		logger: logger,
		warned: make(map[int]bool),
	}
}

// Run blocks until ctx is cancelled, ticking every second.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Monitor) sweep() {
	now := time.Now()
	for _, p := range m.reg.Snapshot() {
		elapsed := now.Sub(p.LastHeartbeatAt)
		switch {
		case elapsed > m.hard:
			delete(m.warned, p.ID)
			m.logger.Warn("heartbeat hard timeout, evicting", "participant_id", p.ID, "name", p.Name)
			m.evict(p.ID, "timeout")
		case elapsed > m.soft:
			if !m.warned[p.ID] {
				m.warned[p.ID] = true
				m.logger.Warn("heartbeat soft timeout", "participant_id", p.ID, "name", p.Name, "elapsed", elapsed)
			}
		default:
			delete(m.warned, p.ID)
		}
	}
}
