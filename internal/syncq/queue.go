// Package syncq is the durable outbox: every offline or failed-online
// mutation is queued here and replayed against the remote API in FIFO
// order once connectivity returns.
package syncq

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/messmate/outpost/internal/store"
	"github.com/oklog/ulid/v2"
)

// Action is the mutation kind a queue item replays.
type Action string

const (
	ActionCreate Action = "CREATE"
	ActionUpdate Action = "UPDATE"
	ActionDelete Action = "DELETE"
)

// Status is the queue item lifecycle state. Items transition
// pending -> synced only after a confirmed remote acknowledgment, and are
// never deleted before being marked synced.
type Status string

const (
	StatusPending Status = "pending"
	StatusSynced  Status = "synced"
)

// Item is one queued mutation. Data is the serialized payload; it may
// embed the original HTTP method and headers (see drain.go) when an action
// must be replayed as a read.
type Item struct {
	ID         string          `json:"id"`
	Action     Action          `json:"action"`
	Endpoint   string          `json:"endpoint"`
	Data       json.RawMessage `json:"data"`
	Timestamp  int64           `json:"timestamp"`
	RetryCount int             `json:"retry_count"`
	MaxRetries int             `json:"max_retries"`
	Status     Status          `json:"status"`
}

// Queue owns sync-queue semantics; storage is delegated to the engine.
type Queue struct {
	engine     *store.Engine
	maxRetries int
}

// NewQueue creates a queue. maxRetries caps replay attempts per item.
func NewQueue(engine *store.Engine, maxRetries int) *Queue {
	if maxRetries <= 0 {
		maxRetries = 5
	}
	return &Queue{engine: engine, maxRetries: maxRetries}
}

// Enqueue appends a pending item. It always succeeds locally; in bypass
// mode the item is acknowledged but not persisted, which is the documented
// cost of a store that has already lost durability.
func (q *Queue) Enqueue(ctx context.Context, action Action, endpoint string, data json.RawMessage) (Item, error) {
	if data == nil {
		data = json.RawMessage("{}")
	}
	now := time.Now().UnixMilli()
	item := Item{
		ID:         ulid.Make().String(),
		Action:     action,
		Endpoint:   endpoint,
		Data:       data,
		Timestamp:  now,
		RetryCount: 0,
		MaxRetries: q.maxRetries,
		Status:     StatusPending,
	}

	err := q.engine.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sync_queue
				(id, action, endpoint, payload, timestamp, retry_count, max_retries, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, item.ID, string(item.Action), item.Endpoint, string(item.Data),
			item.Timestamp, item.RetryCount, item.MaxRetries, string(item.Status), now, now)
		return err
	})
	if errors.Is(err, store.ErrBypassed) {
		return item, nil
	}
	if err != nil {
		return item, fmt.Errorf("enqueue %s %s: %w", action, endpoint, err)
	}
	return item, nil
}

// Pending returns all pending items ordered by timestamp ascending, so a
// drain pass replays a user's actions in causal order.
func (q *Queue) Pending(ctx context.Context) ([]Item, error) {
	var items []Item
	err := q.engine.WithTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT id, action, endpoint, payload, timestamp, retry_count, max_retries, status
			FROM sync_queue
			WHERE status = ?
			ORDER BY timestamp ASC
		`, string(StatusPending))
		if err != nil {
			return err
		}
		defer rows.Close()

		items = items[:0]
		for rows.Next() {
			var it Item
			var action, status, payload string
			if err := rows.Scan(&it.ID, &action, &it.Endpoint, &payload,
				&it.Timestamp, &it.RetryCount, &it.MaxRetries, &status); err != nil {
				return err
			}
			it.Action = Action(action)
			it.Status = Status(status)
			it.Data = json.RawMessage(payload)
			items = append(items, it)
		}
		return rows.Err()
	})
	if errors.Is(err, store.ErrBypassed) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	return items, nil
}

// PendingCount returns the number of pending items.
func (q *Queue) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := q.engine.WithTx(ctx, func(tx *sql.Tx) error {
		return tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM sync_queue WHERE status = ?`,
			string(StatusPending)).Scan(&n)
	})
	if errors.Is(err, store.ErrBypassed) {
		return 0, nil
	}
	return n, err
}

// MarkSynced flips an item to synced. Called before any cleanup of the
// originating business record: a crash between the two must not lose the
// fact that sync succeeded.
func (q *Queue) MarkSynced(ctx context.Context, id string) error {
	err := q.engine.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE sync_queue SET status = ?, updated_at = ? WHERE id = ?
		`, string(StatusSynced), time.Now().UnixMilli(), id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return store.ErrNotFound
		}
		return nil
	})
	if errors.Is(err, store.ErrBypassed) {
		return nil
	}
	return err
}

// IncrementRetry bumps an item's retry counter after a failed replay.
func (q *Queue) IncrementRetry(ctx context.Context, id string) error {
	err := q.engine.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE sync_queue SET retry_count = retry_count + 1, updated_at = ? WHERE id = ?
		`, time.Now().UnixMilli(), id)
		return err
	})
	if errors.Is(err, store.ErrBypassed) {
		return nil
	}
	return err
}

// Remove deletes one item regardless of status. Exposed for the caller
// facade's explicit request management; the drain pass itself never
// removes unconfirmed work.
func (q *Queue) Remove(ctx context.Context, id string) error {
	err := q.engine.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, id)
		return err
	})
	if errors.Is(err, store.ErrBypassed) {
		return nil
	}
	return err
}

// RemoveByEndpoint deletes all items for one endpoint.
func (q *Queue) RemoveByEndpoint(ctx context.Context, endpoint string) (int64, error) {
	var removed int64
	err := q.engine.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM sync_queue WHERE endpoint = ?`, endpoint)
		if err != nil {
			return err
		}
		removed, _ = res.RowsAffected()
		return nil
	})
	if errors.Is(err, store.ErrBypassed) {
		return 0, nil
	}
	return removed, err
}

// PurgeSynced deletes items already marked synced. Used by the partial
// cleanup path after a drain pass with failures.
func (q *Queue) PurgeSynced(ctx context.Context) (int64, error) {
	var purged int64
	err := q.engine.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM sync_queue WHERE status = ?`, string(StatusSynced))
		if err != nil {
			return err
		}
		purged, _ = res.RowsAffected()
		return nil
	})
	if errors.Is(err, store.ErrBypassed) {
		return 0, nil
	}
	return purged, err
}

// ClearAllIfQuiescent bulk-clears every business table and the queue, but
// only if no pending item exists at the moment of the check. Check and
// clear run in one transaction under the engine's lock, closing the window
// where an item enqueued mid-pass could be swept away unconfirmed.
func (q *Queue) ClearAllIfQuiescent(ctx context.Context) (bool, error) {
	cleared := false
	err := q.engine.WithTx(ctx, func(tx *sql.Tx) error {
		var pending int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM sync_queue WHERE status = ?`,
			string(StatusPending)).Scan(&pending); err != nil {
			return err
		}
		if pending > 0 {
			return nil
		}

		// Submission tables plus the queue. Cache, user profile, and
		// statistics have their own lifecycles and are not sync state.
		for _, t := range []store.Table{
			store.TableBazar,
			store.TableMeals,
			store.TableActivities,
			store.TableDashboard,
			store.TableSyncQueue,
		} {
			if _, err := tx.ExecContext(ctx, `DELETE FROM `+string(t)); err != nil {
				return fmt.Errorf("clear %s: %w", t, err)
			}
		}
		cleared = true
		return nil
	})
	if errors.Is(err, store.ErrBypassed) {
		return false, nil
	}
	return cleared, err
}
