package syncclient

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// HealthChecker probes server reachability.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// ProbeMonitor tracks connectivity by polling the server's liveness endpoint.
type ProbeMonitor struct {
	checker  HealthChecker
	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger

	online  atomic.Bool
	changes chan bool
}

// NewProbeMonitor builds a monitor that starts out optimistic: the first failed probe marks the
// device offline.
func NewProbeMonitor(checker HealthChecker, interval, timeout time.Duration, logger *zap.Logger) *ProbeMonitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	monitor := &ProbeMonitor{
		checker:  checker,
		interval: interval,
		timeout:  timeout,
		logger:   logger,
		changes:  make(chan bool, 1),
	}
	monitor.online.Store(true)
	return monitor
}

// Online reports the last observed connectivity.
func (m *ProbeMonitor) Online() bool {
	return m.online.Load()
}

// Changes delivers the latest connectivity state after each transition. Intermediate states may be
// dropped when the reader is slow.
func (m *ProbeMonitor) Changes() <-chan bool {
	return m.changes
}

// Probe checks the server once and records the result.
func (m *ProbeMonitor) Probe(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	err := m.checker.Health(probeCtx)
	if ctx.Err() != nil {
		return m.Online()
	}
	online := err == nil
	if m.online.Swap(online) != online {
		m.logger.Info("connectivity changed", zap.Bool("online", online), zap.Error(err))
		m.notify(online)
	}
	return online
}

// Run probes until ctx is done.
func (m *ProbeMonitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	m.Probe(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Probe(ctx)
		}
	}
}

func (m *ProbeMonitor) notify(online bool) {
	select {
	case m.changes <- online:
		return
	default:
	}
	select {
	case <-m.changes:
	default:
	}
	select {
	case m.changes <- online:
	default:
	}
}
