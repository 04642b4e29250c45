package syncq

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/messmate/outpost/internal/remote"
	"github.com/messmate/outpost/internal/store"
)

// Sender is the remote API surface the drain pass needs.
type Sender interface {
	Do(ctx context.Context, method, endpoint string, body []byte, headers map[string]string) (*remote.Result, error)
}

// OnlineSource reports current connectivity.
type OnlineSource interface {
	Online() bool
}

// methodKey and headersKey are the reserved payload fields an item may
// carry when its original HTTP method and headers must survive replay.
const (
	methodKey  = "_method"
	headersKey = "_headers"
)

// Drainer runs drain passes: one execution that attempts to send every
// currently pending queue item in FIFO order.
type Drainer struct {
	queue          *Queue
	engine         *store.Engine
	client         Sender
	online         OnlineSource
	perItemTimeout time.Duration
	readOnly       map[string]struct{}

	inFlight atomic.Bool
}

// NewDrainer creates a drainer. readOnlyEndpoints is the allow-list of
// GET-only paths: an offline-queued refresh against one of these must
// never be replayed as a write.
func NewDrainer(queue *Queue, engine *store.Engine, client Sender, online OnlineSource,
	perItemTimeout time.Duration, readOnlyEndpoints []string) *Drainer {
	if perItemTimeout <= 0 {
		perItemTimeout = 30 * time.Second
	}
	ro := make(map[string]struct{}, len(readOnlyEndpoints))
	for _, ep := range readOnlyEndpoints {
		ro[ep] = struct{}{}
	}
	return &Drainer{
		queue:          queue,
		engine:         engine,
		client:         client,
		online:         online,
		perItemTimeout: perItemTimeout,
		readOnly:       ro,
	}
}

// Result summarizes one drain pass.
type Result struct {
	Attempted  int
	Synced     []string
	Failed     int
	Skipped    bool // another pass was already in flight
	Aborted    bool // connectivity dropped mid-pass
	ClearedAll bool
}

// Drain runs one pass. A second trigger while a pass is running is a
// no-op, not a queued second pass. Going offline mid-pass stops the
// remainder: processed items keep their outcome, unprocessed items remain
// pending.
func (d *Drainer) Drain(ctx context.Context) (*Result, error) {
	res := &Result{}

	if !d.online.Online() {
		res.Aborted = true
		return res, nil
	}
	if !d.inFlight.CompareAndSwap(false, true) {
		res.Skipped = true
		return res, nil
	}
	defer d.inFlight.Store(false)

	items, err := d.queue.Pending(ctx)
	if err != nil {
		return res, err
	}
	if len(items) == 0 {
		return res, nil
	}

	slog.Info("drain pass started",
		"component", "syncq", "action", "drain_start", "pending", len(items))

	for _, item := range items {
		if err := ctx.Err(); err != nil {
			res.Aborted = true
			break
		}
		if !d.online.Online() {
			res.Aborted = true
			break
		}

		if item.RetryCount >= item.MaxRetries {
			// Exhausted items stay pending for manual intervention but
			// block the bulk-clear path like any other failure.
			res.Failed++
			continue
		}

		res.Attempted++
		if d.replay(ctx, item) {
			res.Synced = append(res.Synced, item.ID)
		} else {
			res.Failed++
			if err := d.queue.IncrementRetry(ctx, item.ID); err != nil {
				slog.Warn("retry count update failed",
					"component", "syncq", "item", item.ID, "error", err)
			}
		}
	}

	d.cleanup(ctx, res)

	slog.Info("drain pass finished",
		"component", "syncq", "action", "drain_complete",
		"attempted", res.Attempted, "synced", len(res.Synced),
		"failed", res.Failed, "aborted", res.Aborted, "cleared_all", res.ClearedAll)
	return res, nil
}

// replay sends one item and, on confirmed success, marks it synced and
// removes the originating business row. Returns false on any failure so
// the item stays pending with an incremented retry count.
func (d *Drainer) replay(ctx context.Context, item Item) bool {
	method, body, headers := d.resolveReplay(item)

	ictx, cancel := context.WithTimeout(ctx, d.perItemTimeout)
	defer cancel()

	result, err := d.client.Do(ictx, method, item.Endpoint, body, headers)
	if err != nil || !result.Success {
		if err != nil {
			slog.Warn("queue item replay failed",
				"component", "syncq", "item", item.ID,
				"endpoint", item.Endpoint, "method", method, "error", err)
		}
		return false
	}

	// Mark synced before touching the business record: a crash between
	// the two must re-run cleanup, never re-send.
	if err := d.queue.MarkSynced(ctx, item.ID); err != nil {
		slog.Warn("mark synced failed",
			"component", "syncq", "item", item.ID, "error", err)
		return false
	}

	d.removeBusinessRow(ctx, item)
	return true
}

// resolveReplay decides the HTTP verb and strips the replay envelope from
// the payload. CREATE against a documented GET-only endpoint, or any item
// carrying an explicit method override, replays as that verb instead of a
// write.
func (d *Drainer) resolveReplay(item Item) (method string, body []byte, headers map[string]string) {
	method = actionMethod(item.Action)

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(item.Data, &fields); err == nil {
		if raw, ok := fields[methodKey]; ok {
			var m string
			if json.Unmarshal(raw, &m) == nil && m != "" {
				method = m
			}
			delete(fields, methodKey)
		}
		if raw, ok := fields[headersKey]; ok {
			var h map[string]string
			if json.Unmarshal(raw, &h) == nil {
				headers = h
			}
			delete(fields, headersKey)
		}
		if stripped, err := json.Marshal(fields); err == nil {
			body = stripped
		}
	}
	if body == nil {
		body = item.Data
	}

	if _, ok := d.readOnly[item.Endpoint]; ok {
		method = http.MethodGet
	}
	if method == http.MethodGet {
		body = nil
	}
	return method, body, headers
}

func actionMethod(a Action) string {
	switch a {
	case ActionUpdate:
		return http.MethodPut
	case ActionDelete:
		return http.MethodDelete
	default:
		return http.MethodPost
	}
}

// removeBusinessRow deletes the locally persisted copy of a confirmed
// mutation, selecting the table from the endpoint's URL segment and the
// row from the payload id.
func (d *Drainer) removeBusinessRow(ctx context.Context, item Item) {
	table, ok := store.TableForEndpoint(item.Endpoint)
	if !ok {
		return
	}
	var payload struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(item.Data, &payload); err != nil || payload.ID == "" {
		return
	}
	if err := d.engine.DeleteData(ctx, table, payload.ID); err != nil {
		slog.Warn("business row cleanup failed",
			"component", "syncq", "table", string(table),
			"id", payload.ID, "error", err)
	}
}

// cleanup runs the post-pass cleanup: bulk-clear everything only when
// there were zero failures and no new items arrived during the pass;
// otherwise only the individually confirmed items go.
func (d *Drainer) cleanup(ctx context.Context, res *Result) {
	if res.Failed == 0 && !res.Aborted && len(res.Synced) > 0 {
		cleared, err := d.queue.ClearAllIfQuiescent(ctx)
		if err != nil {
			slog.Warn("bulk clear failed", "component", "syncq", "error", err)
		}
		if cleared {
			res.ClearedAll = true
			return
		}
	}

	if len(res.Synced) > 0 {
		if _, err := d.queue.PurgeSynced(ctx); err != nil {
			slog.Warn("synced item purge failed", "component", "syncq", "error", err)
		}
	}
}
