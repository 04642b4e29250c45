package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func newTestEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	path := filepath.Join(t.TempDir(), "outpost.db")
	e := NewEngine(path, opts...)
	if err := e.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func TestEngine_InitIdempotent(t *testing.T) {
	e := newTestEngine(t)
	if err := e.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestEngine_SaveDataGeneratesID(t *testing.T) {
	e := newTestEngine(t)

	rec, err := e.SaveData(context.Background(), TableMeals, Record{
		Fields: Fields{"name": "lunch"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if rec.ID == "" {
		t.Error("Expected generated ID")
	}
	if rec.CreatedAt == 0 || rec.UpdatedAt == 0 {
		t.Error("Expected timestamps to be set")
	}
}

func TestEngine_SaveDataUpsert(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.SaveData(ctx, TableBazar, Record{
		ID:     "entry-1",
		Fields: Fields{"item": "rice", "amount": 100},
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := e.SaveData(ctx, TableBazar, Record{
		ID:     "entry-1",
		Fields: Fields{"item": "rice", "amount": 250},
	}); err != nil {
		t.Fatal(err)
	}

	all, err := e.GetData(ctx, TableBazar)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 {
		t.Fatalf("Expected 1 row after double save, got %d", len(all))
	}
	if got := all[0].Fields["amount"]; got != float64(250) {
		t.Errorf("Expected latest payload to win, got amount %v", got)
	}
}

func TestEngine_SaveDataRejectsSyncQueue(t *testing.T) {
	e := newTestEngine(t)

	_, err := e.SaveData(context.Background(), TableSyncQueue, Record{ID: "x"})
	if !errors.Is(err, ErrUnknownTable) {
		t.Fatalf("Expected ErrUnknownTable for sync_queue, got %v", err)
	}
}

func TestEngine_GetByIDNotFound(t *testing.T) {
	e := newTestEngine(t)

	_, err := e.GetByID(context.Background(), TableMeals, "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}
}

func TestEngine_UpdateDataMergesFields(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.SaveData(ctx, TableUserData, Record{
		ID:     "profile",
		Fields: Fields{"name": "rahim", "theme": "dark"},
	}); err != nil {
		t.Fatal(err)
	}

	if err := e.UpdateData(ctx, TableUserData, "profile", Fields{"theme": "light"}); err != nil {
		t.Fatal(err)
	}

	rec, err := e.GetByID(ctx, TableUserData, "profile")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Fields["theme"] != "light" {
		t.Errorf("Expected merged field theme=light, got %v", rec.Fields["theme"])
	}
	if rec.Fields["name"] != "rahim" {
		t.Errorf("Expected untouched field to survive merge, got %v", rec.Fields["name"])
	}
}

func TestEngine_UpdateDataMissingRecord(t *testing.T) {
	e := newTestEngine(t)

	err := e.UpdateData(context.Background(), TableUserData, "ghost", Fields{"a": 1})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}
}

func TestEngine_DeleteDataAbsentID(t *testing.T) {
	e := newTestEngine(t)

	if err := e.DeleteData(context.Background(), TableMeals, "never-existed"); err != nil {
		t.Fatalf("Deleting an absent id should not error, got %v", err)
	}
}

func TestEngine_GetDataOrderedOldestFirst(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	first := Record{ID: "a", Fields: Fields{}, CreatedAt: 100}
	second := Record{ID: "b", Fields: Fields{}, CreatedAt: 200}
	if _, err := e.SaveData(ctx, TableActivities, second); err != nil {
		t.Fatal(err)
	}
	if _, err := e.SaveData(ctx, TableActivities, first); err != nil {
		t.Fatal(err)
	}

	all, err := e.GetData(ctx, TableActivities)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("Expected 2 rows, got %d", len(all))
	}
	if all[0].ID != "a" || all[1].ID != "b" {
		t.Errorf("Expected oldest-first ordering, got %s then %s", all[0].ID, all[1].ID)
	}
}

func TestEngine_GetDataRecreatesDroppedTable(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	// Drop a table behind the engine's back.
	raw, err := sql.Open("sqlite", e.Path())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := raw.Exec("DROP TABLE meal_entries"); err != nil {
		t.Fatal(err)
	}
	raw.Close()

	all, err := e.GetData(ctx, TableMeals)
	if err != nil {
		t.Fatalf("Read after missing table should not error, got %v", err)
	}
	if len(all) != 0 {
		t.Fatalf("Expected empty result, got %d rows", len(all))
	}

	// The table must exist again.
	if _, err := e.SaveData(ctx, TableMeals, Record{ID: "m1", Fields: Fields{}}); err != nil {
		t.Fatalf("Expected lazily recreated table to accept writes, got %v", err)
	}
}

func TestEngine_TableCounts(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.SaveData(ctx, TableBazar, Record{ID: "b1", Fields: Fields{}}); err != nil {
		t.Fatal(err)
	}
	if _, err := e.SaveData(ctx, TableBazar, Record{ID: "b2", Fields: Fields{}}); err != nil {
		t.Fatal(err)
	}

	counts, err := e.TableCounts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts[TableBazar] != 2 {
		t.Errorf("Expected 2 bazar rows, got %d", counts[TableBazar])
	}
	if counts[TableMeals] != 0 {
		t.Errorf("Expected 0 meal rows, got %d", counts[TableMeals])
	}
}

func TestEngine_ProbeBeforeInit(t *testing.T) {
	e := NewEngine(filepath.Join(t.TempDir(), "outpost.db"))

	err := e.Probe(context.Background())
	if !errors.Is(err, ErrNotReady) {
		t.Fatalf("Expected ErrNotReady, got %v", err)
	}
}

func TestEngine_LockStealAfterTimeout(t *testing.T) {
	e := newTestEngine(t, WithLockTimeout(50*time.Millisecond))

	// Wedge the cooperative lock as a stuck holder would.
	e.sem <- struct{}{}

	start := time.Now()
	if err := e.Probe(context.Background()); err != nil {
		t.Fatalf("Expected probe to succeed after stealing the lock, got %v", err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("Expected probe to wait out the lock timeout, took %v", elapsed)
	}
}

func TestEngine_StaleReleaseAfterStealIsNoop(t *testing.T) {
	e := newTestEngine(t, WithLockTimeout(50*time.Millisecond))
	ctx := context.Background()

	// A holds the lock, then wedges long enough to be stolen from.
	releaseA, err := e.acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}

	// B steals after the bounded wait.
	releaseB, err := e.acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}

	// A finally wakes up and releases. The token now belongs to B, so
	// this must not free it.
	releaseA()

	// C must still be locked out while B holds: a short deadline has to
	// expire rather than the lock coming free.
	cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if _, err := e.acquire(cctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected C to stay locked out behind the stealer, got %v", err)
	}

	// B's own release is the real one; C then acquires on the fast path.
	releaseB()
	start := time.Now()
	releaseC, err := e.acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}
	releaseC()
	if elapsed := time.Since(start); elapsed >= 50*time.Millisecond {
		t.Errorf("Expected immediate acquire after a genuine release, took %v", elapsed)
	}
}

func TestEngine_LockWaitRespectsContext(t *testing.T) {
	e := newTestEngine(t, WithLockTimeout(time.Minute))

	e.sem <- struct{}{}
	defer func() { <-e.sem }()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := e.Probe(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected context deadline, got %v", err)
	}
}

func TestEngine_BypassMode(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	e.EnterBypass()
	if !e.Bypassed() {
		t.Fatal("Expected bypass flag set")
	}

	// Writes report success without persisting.
	rec, err := e.SaveData(ctx, TableMeals, Record{Fields: Fields{"x": 1}})
	if err != nil {
		t.Fatalf("Bypassed save should report success, got %v", err)
	}
	if rec.ID == "" {
		t.Error("Bypassed save should still assign an id")
	}

	// Reads are empty, not errors.
	all, err := e.GetData(ctx, TableMeals)
	if err != nil || len(all) != 0 {
		t.Errorf("Bypassed read should be empty and nil-error, got %d rows, %v", len(all), err)
	}
	if _, err := e.GetByID(ctx, TableMeals, rec.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Bypassed GetByID should miss, got %v", err)
	}

	// The monitor's probe still sees the degradation.
	if err := e.Probe(ctx); !errors.Is(err, ErrBypassed) {
		t.Errorf("Expected ErrBypassed from probe, got %v", err)
	}
}

func TestEngine_SoftResetClearsBypass(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	e.EnterBypass()
	if err := e.SoftReset(ctx); err != nil {
		t.Fatal(err)
	}
	if e.Bypassed() {
		t.Error("Expected soft reset to leave bypass mode")
	}
	if err := e.Probe(ctx); err != nil {
		t.Errorf("Expected healthy probe after soft reset, got %v", err)
	}
}

func TestEngine_CacheRoundTrip(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	data := json.RawMessage(`{"total":42}`)
	expiry := time.Now().Add(time.Hour).UnixMilli()
	if err := e.SetCache(ctx, "dashboard", data, expiry); err != nil {
		t.Fatal(err)
	}

	entry, err := e.GetCache(ctx, "dashboard")
	if err != nil {
		t.Fatal(err)
	}
	if string(entry.Data) != string(data) {
		t.Errorf("Expected cached data %s, got %s", data, entry.Data)
	}
	if entry.Version != 1 {
		t.Errorf("Expected version 1 on first write, got %d", entry.Version)
	}
}

func TestEngine_CacheVersionIncrementsOnOverwrite(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	expiry := time.Now().Add(time.Hour).UnixMilli()
	if err := e.SetCache(ctx, "k", json.RawMessage(`1`), expiry); err != nil {
		t.Fatal(err)
	}
	if err := e.SetCache(ctx, "k", json.RawMessage(`2`), expiry); err != nil {
		t.Fatal(err)
	}

	entry, err := e.GetCache(ctx, "k")
	if err != nil {
		t.Fatal(err)
	}
	if entry.Version != 2 {
		t.Errorf("Expected version 2 after overwrite, got %d", entry.Version)
	}
	if string(entry.Data) != "2" {
		t.Errorf("Expected latest data, got %s", entry.Data)
	}
}

func TestEngine_CacheExpiredIsMiss(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Minute).UnixMilli()
	if err := e.SetCache(ctx, "stale", json.RawMessage(`{}`), past); err != nil {
		t.Fatal(err)
	}

	if _, err := e.GetCache(ctx, "stale"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected expired entry to miss, got %v", err)
	}
}

func TestEngine_PurgeExpiredCache(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Minute).UnixMilli()
	future := time.Now().Add(time.Hour).UnixMilli()
	if err := e.SetCache(ctx, "old1", json.RawMessage(`{}`), past); err != nil {
		t.Fatal(err)
	}
	if err := e.SetCache(ctx, "old2", json.RawMessage(`{}`), past); err != nil {
		t.Fatal(err)
	}
	if err := e.SetCache(ctx, "fresh", json.RawMessage(`{}`), future); err != nil {
		t.Fatal(err)
	}

	purged, err := e.PurgeExpiredCache(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if purged != 2 {
		t.Errorf("Expected 2 purged rows, got %d", purged)
	}
	if _, err := e.GetCache(ctx, "fresh"); err != nil {
		t.Errorf("Expected fresh entry to survive, got %v", err)
	}
}
