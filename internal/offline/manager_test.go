package offline

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/messmate/outpost/internal/boot"
	"github.com/messmate/outpost/internal/connectivity"
	"github.com/messmate/outpost/internal/health"
	"github.com/messmate/outpost/internal/remote"
	"github.com/messmate/outpost/internal/store"
	"github.com/messmate/outpost/internal/syncq"
)

type sentCall struct {
	Method   string
	Endpoint string
	Body     []byte
}

type mockSender struct {
	mu    sync.Mutex
	calls []sentCall
	err   error
	fail  bool
}

func (m *mockSender) Do(ctx context.Context, method, endpoint string, body []byte, headers map[string]string) (*remote.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, sentCall{Method: method, Endpoint: endpoint, Body: body})
	if m.err != nil {
		return nil, m.err
	}
	if m.fail {
		return &remote.Result{Success: false, StatusCode: http.StatusInternalServerError}, nil
	}
	return &remote.Result{Success: true, StatusCode: http.StatusOK}, nil
}

func (m *mockSender) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func newTestManager(t *testing.T, sender *mockSender) (*Manager, *store.Engine, *syncq.Queue, *connectivity.Observer) {
	t.Helper()
	engine := store.NewEngine(filepath.Join(t.TempDir(), "outpost.db"))
	if err := engine.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { engine.Close() })

	queue := syncq.NewQueue(engine, 5)
	observer := connectivity.New("", time.Second, time.Second)
	drainer := syncq.NewDrainer(queue, engine, sender, observer, time.Second, nil)
	monitor := health.New(engine, time.Minute, time.Second, 3, true)
	booter := boot.New(engine, monitor, 1, time.Second, time.Second, time.Millisecond)

	mgr := New(engine, queue, drainer, monitor, observer, sender, booter, Options{
		CacheTTL:      time.Minute,
		SweepInterval: time.Minute,
		DrainInterval: time.Minute,
	})
	return mgr, engine, queue, observer
}

func TestManager_SubmitFormOnlineSendsDirect(t *testing.T) {
	sender := &mockSender{}
	mgr, engine, queue, observer := newTestManager(t, sender)
	ctx := context.Background()
	observer.SetOnline(true)

	res, err := mgr.SubmitForm(ctx, "/api/meals", store.Fields{"name": "lunch"}, syncq.ActionCreate)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Sent || res.Queued {
		t.Errorf("Expected direct send, got %+v", res)
	}
	if sender.callCount() != 1 {
		t.Errorf("Expected 1 remote call, got %d", sender.callCount())
	}

	// Remote confirmation removes the staging row and skips the queue.
	if _, err := engine.GetByID(ctx, store.TableMeals, res.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Expected staging row removed, got %v", err)
	}
	n, err := queue.PendingCount(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("Expected empty queue, got %d", n)
	}

	// A confirmed sync lands in statistics.
	stats, err := engine.GetByID(ctx, store.TableStatistics, "sync_stats")
	if err != nil {
		t.Fatal(err)
	}
	if stats.Fields["total_synced"] != float64(1) {
		t.Errorf("Expected 1 recorded sync, got %v", stats.Fields["total_synced"])
	}
}

func TestManager_SubmitFormOfflineQueues(t *testing.T) {
	sender := &mockSender{}
	mgr, engine, queue, observer := newTestManager(t, sender)
	ctx := context.Background()
	observer.SetOnline(false)

	res, err := mgr.SubmitForm(ctx, "/api/bazar", store.Fields{"item": "rice"}, syncq.ActionCreate)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Queued || res.Sent {
		t.Errorf("Expected queued submission, got %+v", res)
	}
	if sender.callCount() != 0 {
		t.Errorf("Expected no remote call offline, got %d", sender.callCount())
	}

	// The write is locally durable before anything else.
	items, err := queue.Pending(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 {
		t.Fatalf("Expected 1 queued item, got %d", len(items))
	}
	counts, err := engine.TableCounts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts[store.TableBazar] != 1 {
		t.Errorf("Expected persisted business row, got %d", counts[store.TableBazar])
	}
}

func TestManager_SubmitFormSendFailureFallsBackToQueue(t *testing.T) {
	sender := &mockSender{err: errors.New("connection reset")}
	mgr, _, queue, observer := newTestManager(t, sender)
	ctx := context.Background()
	observer.SetOnline(true)

	res, err := mgr.SubmitForm(ctx, "/api/meals", store.Fields{"name": "dinner"}, syncq.ActionCreate)
	if err != nil {
		t.Fatalf("A failed send must not surface to the caller, got %v", err)
	}
	if !res.Queued {
		t.Error("Expected fallback to queue")
	}

	n, err := queue.PendingCount(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("Expected 1 queued item, got %d", n)
	}
}

func TestManager_SubmitFormAssignsID(t *testing.T) {
	sender := &mockSender{}
	mgr, _, _, observer := newTestManager(t, sender)
	observer.SetOnline(false)

	res, err := mgr.SubmitForm(context.Background(), "/api/meals", store.Fields{}, syncq.ActionCreate)
	if err != nil {
		t.Fatal(err)
	}
	if res.ID == "" {
		t.Error("Expected generated id")
	}
}

func TestManager_SyncNowDrainsQueue(t *testing.T) {
	sender := &mockSender{}
	mgr, _, queue, observer := newTestManager(t, sender)
	ctx := context.Background()
	observer.SetOnline(false)

	if _, err := mgr.SubmitForm(ctx, "/api/meals", store.Fields{"name": "lunch"}, syncq.ActionCreate); err != nil {
		t.Fatal(err)
	}

	observer.SetOnline(true)
	res, err := mgr.SyncNow(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Synced) != 1 {
		t.Fatalf("Expected 1 synced item, got %d", len(res.Synced))
	}

	n, err := queue.PendingCount(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("Expected drained queue, got %d", n)
	}
}

// Full round trip: a meal entry submitted offline survives in the queue and
// the business table, then an online edge drains it and both end up empty.
func TestManager_OfflineMealSyncsOnReconnect(t *testing.T) {
	sender := &mockSender{}
	mgr, engine, queue, observer := newTestManager(t, sender)
	ctx := context.Background()
	observer.SetOnline(false)

	res, err := mgr.SubmitForm(ctx, "/api/meals",
		store.Fields{"id": "m1", "breakfast": true}, syncq.ActionCreate)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Queued || res.ID != "m1" {
		t.Fatalf("Expected queued submission for m1, got %+v", res)
	}
	if n, _ := queue.PendingCount(ctx); n != 1 {
		t.Fatalf("Expected 1 pending item, got %d", n)
	}

	if err := mgr.Start(ctx); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(mgr.Destroy)

	observer.SetOnline(true)

	deadline := time.Now().Add(2 * time.Second)
	for {
		n, err := queue.PendingCount(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if n == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Queue never drained, %d pending", n)
		}
		time.Sleep(10 * time.Millisecond)
	}

	if sender.callCount() != 1 {
		t.Errorf("Expected 1 remote call, got %d", sender.callCount())
	}
	if _, err := engine.GetByID(ctx, store.TableMeals, "m1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Expected business row removed after sync, got %v", err)
	}
}

func TestManager_RemovePendingByEndpoint(t *testing.T) {
	sender := &mockSender{}
	mgr, _, _, observer := newTestManager(t, sender)
	ctx := context.Background()
	observer.SetOnline(false)

	if _, err := mgr.SubmitForm(ctx, "/api/meals", store.Fields{}, syncq.ActionCreate); err != nil {
		t.Fatal(err)
	}
	if _, err := mgr.SubmitForm(ctx, "/api/bazar", store.Fields{}, syncq.ActionCreate); err != nil {
		t.Fatal(err)
	}

	removed, err := mgr.RemovePendingByEndpoint(ctx, "/api/meals")
	if err != nil {
		t.Fatal(err)
	}
	if removed != 1 {
		t.Errorf("Expected 1 removed, got %d", removed)
	}

	items, err := mgr.PendingRequests(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].Endpoint != "/api/bazar" {
		t.Errorf("Expected only the bazar item left, got %+v", items)
	}
}

func TestManager_StartAndDestroy(t *testing.T) {
	sender := &mockSender{}
	mgr, engine, _, observer := newTestManager(t, sender)
	ctx := context.Background()

	if err := mgr.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if mgr.Degraded() {
		t.Error("Expected healthy start")
	}

	observer.SetOnline(true)

	mgr.Destroy()
	mgr.Destroy() // idempotent

	if err := engine.Probe(ctx); !errors.Is(err, store.ErrNotReady) {
		t.Errorf("Expected closed store after destroy, got %v", err)
	}
}
