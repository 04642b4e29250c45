// Package health periodically probes the store engine, tracks rolling
// failure and latency statistics, and drives the recovery ladder after
// repeated failures.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// rollingWindow is the number of probe latency samples in the rolling mean.
const rollingWindow = 10

// Target is the store surface the monitor watches and, when auto-recovery
// is enabled, repairs.
type Target interface {
	Probe(ctx context.Context) error
	Recover(ctx context.Context) (string, error)
}

// Status is the monitor's view of store health. Mutated only by the
// monitor itself.
type Status struct {
	Healthy             bool
	Known               bool // false until the first probe completes
	LastCheck           time.Time
	ConsecutiveFailures int
	TotalChecks         int64
	AverageResponseTime time.Duration
	LastError           string
	Recoveries          int64
	LastRecovery        string
}

// Monitor probes the target on an interval. Logging is state-transition
// based, not per-tick: only flips and the first couple of consecutive
// failures are logged.
type Monitor struct {
	target       Target
	interval     time.Duration
	probeTimeout time.Duration
	maxFailures  int
	autoRecover  bool

	mu      sync.Mutex
	status  Status
	samples []time.Duration

	lifecycle sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
}

// New creates a monitor for target.
func New(target Target, interval, probeTimeout time.Duration, maxFailures int, autoRecover bool) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if probeTimeout <= 0 {
		probeTimeout = 5 * time.Second
	}
	if maxFailures <= 0 {
		maxFailures = 3
	}
	return &Monitor{
		target:       target,
		interval:     interval,
		probeTimeout: probeTimeout,
		maxFailures:  maxFailures,
		autoRecover:  autoRecover,
	}
}

// Start launches the probe loop in a goroutine. Idempotent: a running
// monitor is left alone.
func (m *Monitor) Start(ctx context.Context) {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	if m.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.cancel = cancel
	m.done = done
	go func() {
		defer close(done)
		m.run(runCtx)
	}()
}

// Stop halts the probe loop and waits for it to exit. Safe to call when
// not running.
func (m *Monitor) Stop() {
	m.lifecycle.Lock()
	cancel, done := m.cancel, m.done
	m.cancel = nil
	m.done = nil
	m.lifecycle.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Status returns a copy of the current health status.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *Monitor) run(ctx context.Context) {
	slog.Info("health monitor started",
		"component", "health", "interval", m.interval.String())

	// Probe immediately on start, then on each tick.
	m.cycle(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("health monitor stopped", "component", "health")
			return
		case <-ticker.C:
			if m.cycle(ctx) {
				// A recovery ran while the ticker was stopped; restart
				// the cadence so monitoring resumes regardless of the
				// recovery outcome.
				ticker.Reset(m.interval)
			}
		}
	}
}

// cycle runs one probe and, when the failure threshold is crossed, the
// recovery ladder. Returns true when a recovery was attempted.
func (m *Monitor) cycle(ctx context.Context) bool {
	m.probeOnce(ctx)

	m.mu.Lock()
	trigger := m.autoRecover && m.status.ConsecutiveFailures >= m.maxFailures
	m.mu.Unlock()
	if !trigger {
		return false
	}

	slog.Warn("failure threshold reached, invoking recovery",
		"component", "health", "action", "auto_recover",
		"consecutive_failures", m.maxFailures)

	strategy, err := m.target.Recover(ctx)

	m.mu.Lock()
	m.status.ConsecutiveFailures = 0
	m.status.Recoveries++
	m.status.LastRecovery = strategy
	m.mu.Unlock()

	if err != nil {
		// Monitoring continues even after a failed recovery so later
		// manual intervention is still observed.
		slog.Error("recovery failed",
			"component", "health", "error", err)
	} else {
		slog.Info("recovery completed",
			"component", "health", "strategy", strategy)
	}
	return true
}

func (m *Monitor) probeOnce(ctx context.Context) {
	pctx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()

	start := time.Now()
	err := m.target.Probe(pctx)
	elapsed := time.Since(start)

	m.mu.Lock()
	defer m.mu.Unlock()

	wasHealthy, wasKnown := m.status.Healthy, m.status.Known
	m.status.Known = true
	m.status.LastCheck = time.Now()
	m.status.TotalChecks++

	if err != nil {
		m.status.Healthy = false
		m.status.ConsecutiveFailures++
		m.status.LastError = err.Error()

		if (wasHealthy || !wasKnown) || m.status.ConsecutiveFailures <= 2 {
			slog.Warn("store probe failed",
				"component", "health",
				"consecutive_failures", m.status.ConsecutiveFailures,
				"error", err)
		}
		return
	}

	m.status.Healthy = true
	m.status.ConsecutiveFailures = 0
	m.status.LastError = ""

	m.samples = append(m.samples, elapsed)
	if len(m.samples) > rollingWindow {
		m.samples = m.samples[len(m.samples)-rollingWindow:]
	}
	var total time.Duration
	for _, s := range m.samples {
		total += s
	}
	m.status.AverageResponseTime = total / time.Duration(len(m.samples))

	if !wasHealthy || !wasKnown {
		slog.Info("store healthy",
			"component", "health",
			"avg_response", m.status.AverageResponseTime.String())
	}
}
