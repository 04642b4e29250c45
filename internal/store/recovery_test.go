package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestEngine_LadderOrder(t *testing.T) {
	e := NewEngine(filepath.Join(t.TempDir(), "outpost.db"))

	want := []string{"soft_reset", "hard_reset", "emergency_reset", "bypass"}
	ladder := e.Ladder()
	if len(ladder) != len(want) {
		t.Fatalf("Expected %d strategies, got %d", len(want), len(ladder))
	}
	for i, s := range ladder {
		if s.Name != want[i] {
			t.Errorf("Rung %d: expected %s, got %s", i, want[i], s.Name)
		}
	}
}

func TestEngine_RecoverPrefersLeastDestructive(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.SaveData(ctx, TableMeals, Record{ID: "keep", Fields: Fields{}}); err != nil {
		t.Fatal(err)
	}

	strategy, err := e.Recover(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if strategy != "soft_reset" {
		t.Errorf("Expected soft_reset on a healthy store, got %s", strategy)
	}

	// Soft reset must not lose data.
	if _, err := e.GetByID(ctx, TableMeals, "keep"); err != nil {
		t.Errorf("Expected record to survive soft reset, got %v", err)
	}
}

func TestEngine_HardResetWipesData(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.SaveData(ctx, TableBazar, Record{ID: "gone", Fields: Fields{}}); err != nil {
		t.Fatal(err)
	}

	if err := e.HardReset(ctx); err != nil {
		t.Fatal(err)
	}

	if _, err := e.GetByID(ctx, TableBazar, "gone"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected data to be wiped, got %v", err)
	}

	// The engine stays usable after the wipe.
	if _, err := e.SaveData(ctx, TableBazar, Record{ID: "fresh", Fields: Fields{}}); err != nil {
		t.Fatalf("Expected writable store after hard reset, got %v", err)
	}
}

func TestEngine_SoftResetReopensClosedStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outpost.db")
	e := NewEngine(path)
	ctx := context.Background()
	if err := e.Init(ctx); err != nil {
		t.Fatal(err)
	}
	if err := e.Close(); err != nil {
		t.Fatal(err)
	}

	if err := e.SoftReset(ctx); err != nil {
		t.Fatal(err)
	}
	if err := e.Probe(ctx); err != nil {
		t.Errorf("Expected probe to pass after reopen, got %v", err)
	}
}

func TestEngine_RecoverSurvivesDeletedFile(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if err := e.Close(); err != nil {
		t.Fatal(err)
	}
	for _, suffix := range []string{"", "-wal", "-shm"} {
		os.Remove(e.Path() + suffix)
	}

	if _, err := e.Recover(ctx); err != nil {
		t.Fatal(err)
	}
	if err := e.Probe(ctx); err != nil {
		t.Errorf("Expected usable store after recovery, got %v", err)
	}
	if e.Bypassed() {
		t.Error("Expected recovery to succeed without bypass")
	}
}

func TestEngine_EnterBypassIsSticky(t *testing.T) {
	e := newTestEngine(t)

	e.EnterBypass()
	e.EnterBypass() // second call is a no-op
	if !e.Bypassed() {
		t.Fatal("Expected bypass to remain set")
	}
}
