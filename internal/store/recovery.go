package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"
)

// emergencyStepDelay is the inter-step pause used by the emergency reset,
// giving the filesystem and any straggling readers time to settle.
const emergencyStepDelay = 500 * time.Millisecond

// RecoveryStrategy is one rung of the recovery ladder: a named remediation
// with a success/failure outcome. Strategies are tried in order; the first
// success stops the ladder.
type RecoveryStrategy struct {
	Name  string
	Apply func(context.Context) error
}

// Ladder returns the ordered recovery strategies, least to most
// destructive: soft reset, hard reset, emergency reset, bypass. The final
// rung cannot fail, so the ladder always terminates in a usable (possibly
// degraded) engine.
func (e *Engine) Ladder() []RecoveryStrategy {
	return []RecoveryStrategy{
		{Name: "soft_reset", Apply: e.SoftReset},
		{Name: "hard_reset", Apply: e.HardReset},
		{Name: "emergency_reset", Apply: e.EmergencyReset},
		{Name: "bypass", Apply: func(context.Context) error {
			e.EnterBypass()
			return nil
		}},
	}
}

// Recover walks the ladder and returns the name of the strategy that
// succeeded.
func (e *Engine) Recover(ctx context.Context) (string, error) {
	for _, s := range e.Ladder() {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if err := s.Apply(ctx); err != nil {
			slog.Warn("recovery strategy failed",
				"component", "store", "strategy", s.Name, "error", err)
			continue
		}
		slog.Info("store recovered",
			"component", "store", "strategy", s.Name)
		return s.Name, nil
	}
	return "", errors.New("recovery ladder exhausted")
}

// SoftReset recreates only missing tables, keeping existing data. If the
// connection was never opened (or has been closed) it reopens first.
func (e *Engine) SoftReset(ctx context.Context) error {
	e.mu.Lock()
	if e.db == nil {
		if err := e.openLocked(ctx); err != nil {
			e.mu.Unlock()
			return fmt.Errorf("soft reset reopen: %w", err)
		}
	}
	db := e.db
	e.mu.Unlock()

	for _, t := range AllTables {
		if _, err := db.ExecContext(ctx, t.createStmt()); err != nil {
			return fmt.Errorf("soft reset %s: %w", t, err)
		}
	}

	var one int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("soft reset verify: %w", err)
	}

	e.bypassed.Store(false)
	return nil
}

// HardReset closes the connection, deletes the physical store file, and
// reopens with a fresh schema. All local data is lost but the engine
// becomes usable again.
func (e *Engine) HardReset(ctx context.Context) error {
	return e.reset(ctx, 0)
}

// EmergencyReset is a hard reset with longer inter-step delays, used when
// the hard reset itself throws.
func (e *Engine) EmergencyReset(ctx context.Context) error {
	return e.reset(ctx, emergencyStepDelay)
}

func (e *Engine) reset(ctx context.Context, stepDelay time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.db != nil {
		if err := e.db.Close(); err != nil {
			slog.Warn("close before reset failed",
				"component", "store", "error", err)
		}
		e.db = nil
	}
	if err := pause(ctx, stepDelay); err != nil {
		return err
	}

	for _, suffix := range []string{"", "-wal", "-shm"} {
		if err := os.Remove(e.path + suffix); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove %s%s: %w", e.path, suffix, err)
		}
	}
	if err := pause(ctx, stepDelay); err != nil {
		return err
	}

	if err := e.openLocked(ctx); err != nil {
		return fmt.Errorf("reopen after reset: %w", err)
	}

	e.bypassed.Store(false)
	return nil
}

// EnterBypass gives up on persistence: subsequent store calls become
// no-ops so the application keeps running without local durability.
func (e *Engine) EnterBypass() {
	if e.bypassed.CompareAndSwap(false, true) {
		slog.Error("store entering bypass mode, persistence disabled",
			"component", "store")
	}
	e.mu.Lock()
	if e.db != nil {
		e.db.Close()
		e.db = nil
	}
	e.mu.Unlock()
}

func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
