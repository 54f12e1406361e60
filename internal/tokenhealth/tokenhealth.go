// Package tokenhealth deactivates device tokens the push gateway reports as
// permanently invalid.
package tokenhealth

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"
)

// Store flips tokens inactive. Implementations only ever move is_active from
// 1 to 0.
type Store interface {
	DeactivateTokens(ctx context.Context, ids []string) (int64, error)
}

// Manager applies deactivations on behalf of the dispatch path.
type Manager struct {
	store    Store
	log      *zap.Logger
	failures atomic.Int64
}

func NewManager(store Store, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{store: store, log: log}
}

// Deactivate marks ids inactive and returns how many rows changed. A storage
// failure is logged and counted, never returned: the notifications it follows
// have already been sent.
func (m *Manager) Deactivate(ctx context.Context, ids []string) int64 {
	if len(ids) == 0 {
		return 0
	}
	n, err := m.store.DeactivateTokens(ctx, ids)
	if err != nil {
		m.failures.Add(1)
		m.log.Error("failed to deactivate device tokens",
			zap.Int("tokens", len(ids)),
			zap.Int64("failures_total", m.failureCount()),
			zap.Error(err))
		return 0
	}
	m.log.Info("deactivated device tokens", zap.Int64("deactivated", n), zap.Int("reported", len(ids)))
	return n
}

// failureCount returns the number of deactivation calls that failed since
// start.
func (m *Manager) failureCount() int64 {
	return m.failures.Load()
}
