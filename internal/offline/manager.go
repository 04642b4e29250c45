// Package offline is the composition root: the façade the application
// calls for reads with network/cache/offline fallback, form submissions
// that always persist before trying to send, and lifecycle management of
// the sync, health, and connectivity machinery.
package offline

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/messmate/outpost/internal/boot"
	"github.com/messmate/outpost/internal/connectivity"
	"github.com/messmate/outpost/internal/health"
	"github.com/messmate/outpost/internal/remote"
	"github.com/messmate/outpost/internal/store"
	"github.com/messmate/outpost/internal/syncq"
	"github.com/oklog/ulid/v2"
)

// Sender is the remote API surface used for interactive submissions.
type Sender interface {
	Do(ctx context.Context, method, endpoint string, body []byte, headers map[string]string) (*remote.Result, error)
}

// Options carries the orchestrator's timing knobs.
type Options struct {
	CacheTTL      time.Duration
	SweepInterval time.Duration
	DrainInterval time.Duration
}

// Manager composes the store engine, sync queue, health monitor, and
// connectivity observer. It owns no storage directly.
type Manager struct {
	engine   *store.Engine
	queue    *syncq.Queue
	drainer  *syncq.Drainer
	monitor  *health.Monitor
	observer *connectivity.Observer
	client   Sender
	booter   *boot.Initializer

	cacheTTL      time.Duration
	sweepInterval time.Duration
	drainInterval time.Duration

	degraded atomic.Bool

	cancel      context.CancelFunc
	wg          sync.WaitGroup
	unsubscribe func()
	destroyOnce sync.Once
}

// New wires the orchestrator. Start must be called before use.
func New(engine *store.Engine, queue *syncq.Queue, drainer *syncq.Drainer,
	monitor *health.Monitor, observer *connectivity.Observer, client Sender,
	booter *boot.Initializer, opts Options) *Manager {
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 10 * time.Minute
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 5 * time.Minute
	}
	if opts.DrainInterval <= 0 {
		opts.DrainInterval = time.Minute
	}
	return &Manager{
		engine:        engine,
		queue:         queue,
		drainer:       drainer,
		monitor:       monitor,
		observer:      observer,
		client:        client,
		booter:        booter,
		cacheTTL:      opts.CacheTTL,
		sweepInterval: opts.SweepInterval,
		drainInterval: opts.DrainInterval,
	}
}

// Start initializes the store and launches the background loops: the
// connectivity probe, the online-edge drain trigger, the periodic drain
// timer, and the cache sweep. Initialization failure does not abort: the
// orchestrator continues in degraded mode, serving cache-only reads and
// queue-only writes.
func (m *Manager) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.cancel = cancel

	if err := m.booter.Initialize(ctx); err != nil {
		m.degraded.Store(true)
		slog.Error("initialization exhausted, continuing degraded",
			"component", "offline", "error", err)
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.observer.Run(runCtx)
	}()

	events, unsub := m.observer.Subscribe()
	m.unsubscribe = unsub
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.watchConnectivity(runCtx, events)
	}()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.drainLoop(runCtx)
	}()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.sweepLoop(runCtx)
	}()

	return nil
}

// Degraded reports whether initialization was exhausted and the manager is
// running without a verified store.
func (m *Manager) Degraded() bool { return m.degraded.Load() }

// watchConnectivity drains the queue on every offline→online edge.
func (m *Manager) watchConnectivity(ctx context.Context, events <-chan connectivity.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Online {
				slog.Info("online edge, draining queue", "component", "offline")
				m.runDrain(ctx)
			}
		}
	}
}

func (m *Manager) drainLoop(ctx context.Context) {
	ticker := time.NewTicker(m.drainInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.runDrain(ctx)
		}
	}
}

func (m *Manager) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if purged, err := m.engine.PurgeExpiredCache(ctx); err != nil {
				slog.Warn("cache sweep failed", "component", "offline", "error", err)
			} else if purged > 0 {
				slog.Info("cache sweep", "component", "offline", "purged", purged)
			}
		}
	}
}

// runDrain executes one drain pass and folds the outcome into statistics.
func (m *Manager) runDrain(ctx context.Context) *syncq.Result {
	res, err := m.drainer.Drain(ctx)
	if err != nil {
		slog.Warn("drain pass error", "component", "offline", "error", err)
		return res
	}
	if res != nil && len(res.Synced) > 0 {
		m.recordSyncStats(ctx, len(res.Synced))
	}
	return res
}

// SyncNow forces one drain pass outside the timer cadence.
func (m *Manager) SyncNow(ctx context.Context) (*syncq.Result, error) {
	res := m.runDrain(ctx)
	if res == nil {
		return nil, errors.New("drain did not run")
	}
	return res, nil
}

// SubmitResult tells the caller what happened to a form submission. From
// the caller's perspective the write always succeeded; Queued
// distinguishes "sent" from "queued offline" for telemetry only.
type SubmitResult struct {
	ID     string
	Queued bool
	Sent   bool
}

// SubmitForm persists the submission locally, then attempts the remote
// send; on failure or offline it enqueues for later replay. The caller is
// never handed a network error for a write.
func (m *Manager) SubmitForm(ctx context.Context, endpoint string, data store.Fields, action syncq.Action) (*SubmitResult, error) {
	if data == nil {
		data = store.Fields{}
	}
	id, _ := data["id"].(string)
	if id == "" {
		id = ulid.Make().String()
		data["id"] = id
	}

	// Persist first: local durability before any network attempt.
	if table, ok := store.TableForEndpoint(endpoint); ok {
		if _, err := m.engine.SaveData(ctx, table, store.Record{ID: id, Fields: data}); err != nil {
			slog.Warn("local persist failed, queueing anyway",
				"component", "offline", "endpoint", endpoint, "error", err)
		}
	}

	payload, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	if m.observer.Online() && !m.Degraded() {
		res, serr := m.client.Do(ctx, methodFor(action), endpoint, payload, nil)
		if serr == nil && res.Success {
			// Confirmed remotely; the local row was only staging.
			if table, ok := store.TableForEndpoint(endpoint); ok {
				if derr := m.engine.DeleteData(ctx, table, id); derr != nil {
					slog.Warn("staging row cleanup failed",
						"component", "offline", "endpoint", endpoint, "error", derr)
				}
			}
			m.recordSyncStats(ctx, 1)
			return &SubmitResult{ID: id, Sent: true}, nil
		}
		if serr != nil {
			slog.Info("interactive send failed, queueing",
				"component", "offline", "endpoint", endpoint, "error", serr)
		}
	}

	if _, err := m.queue.Enqueue(ctx, action, endpoint, payload); err != nil {
		return nil, err
	}
	return &SubmitResult{ID: id, Queued: true}, nil
}

func methodFor(action syncq.Action) string {
	switch action {
	case syncq.ActionUpdate:
		return http.MethodPut
	case syncq.ActionDelete:
		return http.MethodDelete
	default:
		return http.MethodPost
	}
}

// PendingRequests lists the queued mutations awaiting sync.
func (m *Manager) PendingRequests(ctx context.Context) ([]syncq.Item, error) {
	return m.queue.Pending(ctx)
}

// RemoveRequest drops one queued mutation by id.
func (m *Manager) RemoveRequest(ctx context.Context, id string) error {
	return m.queue.Remove(ctx, id)
}

// RemovePendingByEndpoint drops every queued mutation for an endpoint.
func (m *Manager) RemovePendingByEndpoint(ctx context.Context, endpoint string) (int64, error) {
	return m.queue.RemoveByEndpoint(ctx, endpoint)
}

// Health returns the monitor's current view of the store.
func (m *Manager) Health() health.Status {
	return m.monitor.Status()
}

// TableCounts exposes per-table row counts for diagnostics.
func (m *Manager) TableCounts(ctx context.Context) (map[store.Table]int64, error) {
	return m.engine.TableCounts(ctx)
}

// recordSyncStats folds a successful sync batch into the statistics table.
func (m *Manager) recordSyncStats(ctx context.Context, synced int) {
	rec, err := m.engine.GetByID(ctx, store.TableStatistics, "sync_stats")
	total := float64(synced)
	if err == nil {
		if prev, ok := rec.Fields["total_synced"].(float64); ok {
			total += prev
		}
	}
	_, err = m.engine.SaveData(ctx, store.TableStatistics, store.Record{
		ID: "sync_stats",
		Fields: store.Fields{
			"total_synced": total,
			"last_sync_at": time.Now().UnixMilli(),
		},
	})
	if err != nil {
		slog.Warn("statistics update failed", "component", "offline", "error", err)
	}
}

// Destroy stops the timers, unsubscribes from connectivity, stops the
// health monitor, and closes the store. Idempotent.
func (m *Manager) Destroy() {
	m.destroyOnce.Do(func() {
		if m.cancel != nil {
			m.cancel()
		}
		if m.unsubscribe != nil {
			m.unsubscribe()
		}
		m.wg.Wait()
		m.monitor.Stop()
		m.observer.Close()
		if err := m.engine.Close(); err != nil {
			slog.Warn("store close failed", "component", "offline", "error", err)
		}
		slog.Info("offline manager destroyed", "component", "offline")
	})
}
