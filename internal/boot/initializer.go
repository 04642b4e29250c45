// Package boot orchestrates first-boot sequencing for the store: open,
// verify health, start monitoring, and self-test, with bounded retries and
// a cooldown to prevent thrashing.
package boot

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/messmate/outpost/internal/store"
	"github.com/oklog/ulid/v2"
	"github.com/sethvargo/go-retry"
)

// emergencyThreshold is the consecutive-failure count inside one retry
// loop that triggers a proactive emergency reset before continuing.
const emergencyThreshold = 3

// Store is the engine surface the initializer drives.
type Store interface {
	Init(ctx context.Context) error
	Probe(ctx context.Context) error
	SaveData(ctx context.Context, table store.Table, rec store.Record) (store.Record, error)
	GetByID(ctx context.Context, table store.Table, id string) (*store.Record, error)
	DeleteData(ctx context.Context, table store.Table, id string) error
	SoftReset(ctx context.Context) error
	HardReset(ctx context.Context) error
	EmergencyReset(ctx context.Context) error
}

// MonitorControl is the health monitor lifecycle surface.
type MonitorControl interface {
	Start(ctx context.Context)
	Stop()
}

// State mirrors the initializer's externally visible condition.
type State struct {
	IsInitializing      bool
	ConsecutiveFailures int
	LastInitialization  time.Time
	LastSuccess         time.Time
}

// attempt is the shared in-flight handle: concurrent callers await the
// same attempt's outcome rather than starting parallel initializations.
type attempt struct {
	done chan struct{}
	err  error
}

// Initializer boots the store. At most one initialization pass runs at a
// time; a success within the cooldown window short-circuits new requests.
type Initializer struct {
	store          Store
	monitor        MonitorControl
	maxAttempts    int
	attemptTimeout time.Duration
	cooldown       time.Duration
	backoffBase    time.Duration

	mu       sync.Mutex
	inflight *attempt
	state    State
}

// New creates an initializer.
func New(s Store, monitor MonitorControl, maxAttempts int, attemptTimeout, cooldown, backoffBase time.Duration) *Initializer {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	if attemptTimeout <= 0 {
		attemptTimeout = 30 * time.Second
	}
	if cooldown <= 0 {
		cooldown = 5 * time.Second
	}
	if backoffBase <= 0 {
		backoffBase = 500 * time.Millisecond
	}
	return &Initializer{
		store:          s,
		monitor:        monitor,
		maxAttempts:    maxAttempts,
		attemptTimeout: attemptTimeout,
		cooldown:       cooldown,
		backoffBase:    backoffBase,
	}
}

// State returns a copy of the current initialization state.
func (i *Initializer) State() State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// Initialize boots the store end to end. Concurrent callers share one
// attempt; a recent success inside the cooldown returns immediately.
func (i *Initializer) Initialize(ctx context.Context) error {
	i.mu.Lock()
	if !i.state.LastSuccess.IsZero() && time.Since(i.state.LastSuccess) < i.cooldown {
		i.mu.Unlock()
		return nil
	}
	if i.inflight != nil {
		a := i.inflight
		i.mu.Unlock()
		select {
		case <-a.done:
			return a.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	a := &attempt{done: make(chan struct{})}
	i.inflight = a
	i.state.IsInitializing = true
	i.mu.Unlock()

	err := i.runAttempts(ctx)

	i.mu.Lock()
	a.err = err
	i.inflight = nil
	i.state.IsInitializing = false
	i.state.LastInitialization = time.Now()
	if err == nil {
		i.state.LastSuccess = time.Now()
		i.state.ConsecutiveFailures = 0
	} else {
		i.state.ConsecutiveFailures++
	}
	close(a.done)
	i.mu.Unlock()
	return err
}

// runAttempts retries the boot sequence with exponential backoff
// (base x 2^(attempt-1)). After emergencyThreshold consecutive failures it
// proactively runs an emergency reset before continuing the loop.
func (i *Initializer) runAttempts(ctx context.Context) error {
	failures := 0
	backoff := retry.WithMaxRetries(uint64(i.maxAttempts-1), retry.NewExponential(i.backoffBase))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		actx, cancel := context.WithTimeout(ctx, i.attemptTimeout)
		defer cancel()

		if err := i.attemptOnce(actx); err != nil {
			failures++
			slog.Warn("initialization attempt failed",
				"component", "boot", "attempt", failures, "error", err)
			if failures >= emergencyThreshold {
				if rerr := i.store.EmergencyReset(ctx); rerr != nil {
					slog.Warn("emergency reset during init failed",
						"component", "boot", "error", rerr)
				}
			}
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("initialization exhausted after %d attempts: %w", i.maxAttempts, err)
	}

	slog.Info("initialization complete", "component", "boot", "attempts", failures+1)
	return nil
}

// attemptOnce runs the four-step boot sequence: open store, verify health,
// start the monitor, then a sentinel write/read-back/delete self-test.
// All four must succeed for initialization to be considered complete.
func (i *Initializer) attemptOnce(ctx context.Context) error {
	if err := i.store.Init(ctx); err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	if err := i.store.Probe(ctx); err != nil {
		return fmt.Errorf("verify health: %w", err)
	}

	// The monitor outlives the attempt; do not bind it to the attempt
	// timeout.
	i.monitor.Start(context.WithoutCancel(ctx))

	if err := i.selfTest(ctx); err != nil {
		return fmt.Errorf("self-test: %w", err)
	}
	return nil
}

// selfTest writes a sentinel record, reads it back, and deletes it.
func (i *Initializer) selfTest(ctx context.Context) error {
	sentinel := "boot-selftest-" + ulid.Make().String()

	rec, err := i.store.SaveData(ctx, store.TableUserData, store.Record{
		ID:     sentinel,
		Fields: store.Fields{"sentinel": true},
	})
	if err != nil {
		return fmt.Errorf("sentinel write: %w", err)
	}

	got, err := i.store.GetByID(ctx, store.TableUserData, rec.ID)
	if err != nil {
		return fmt.Errorf("sentinel read-back: %w", err)
	}
	if v, ok := got.Fields["sentinel"].(bool); !ok || !v {
		return fmt.Errorf("sentinel read-back mismatch: %v", got.Fields["sentinel"])
	}

	if err := i.store.DeleteData(ctx, store.TableUserData, rec.ID); err != nil {
		return fmt.Errorf("sentinel delete: %w", err)
	}
	return nil
}

// ForceReinitialize tries graceful recovery first; only if that fails does
// it perform a destructive reset followed by a fresh Initialize.
func (i *Initializer) ForceReinitialize(ctx context.Context) error {
	i.monitor.Stop()

	if err := i.store.SoftReset(ctx); err == nil {
		if err := i.selfTest(ctx); err == nil {
			i.monitor.Start(context.WithoutCancel(ctx))
			i.mu.Lock()
			i.state.LastSuccess = time.Now()
			i.state.ConsecutiveFailures = 0
			i.mu.Unlock()
			slog.Info("graceful reinitialization succeeded", "component", "boot")
			return nil
		}
	}

	slog.Warn("graceful recovery failed, performing destructive reset",
		"component", "boot")
	if err := i.store.HardReset(ctx); err != nil {
		slog.Warn("destructive reset failed", "component", "boot", "error", err)
	}

	i.mu.Lock()
	i.state.LastSuccess = time.Time{} // bypass the cooldown for the fresh pass
	i.mu.Unlock()
	return i.Initialize(ctx)
}
