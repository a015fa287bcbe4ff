package service

import (
	"context"
	"errors"
	"testing"

	"agenc.dev/replay/replay"
)

func fixtureRecords(t *testing.T) []Record {
	t.Helper()
	res, err := replay.Project(replay.ChaosFixtureEvents(), replay.ProjectOptions{
		Seed: replay.ChaosFixtureSeed,
	})
	if err != nil {
		t.Fatalf("project fixture: %v", err)
	}
	return RecordsFromEvents(res.Events)
}

func TestMemoryStoreSaveIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	records := fixtureRecords(t)

	first, err := store.Save(ctx, records)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if first.Inserted != len(records) || first.Duplicates != 0 {
		t.Fatalf("first save = %+v", first)
	}
	second, err := store.Save(ctx, records)
	if err != nil {
		t.Fatalf("second save: %v", err)
	}
	if second.Inserted != 0 || second.Duplicates != len(records) {
		t.Fatalf("second save = %+v", second)
	}
	got, err := store.Query(ctx, Filter{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != len(records) {
		t.Fatalf("query returned %d records, want %d", len(got), len(records))
	}
}

func TestMemoryStoreQueryOrderAndFilters(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	records := fixtureRecords(t)
	if _, err := store.Save(ctx, records); err != nil {
		t.Fatalf("save: %v", err)
	}

	all, err := store.Query(ctx, Filter{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	for i := 1; i < len(all); i++ {
		if all[i].Slot < all[i-1].Slot {
			t.Fatalf("slot order broken at %d", i)
		}
		if all[i].Slot == all[i-1].Slot && all[i].Signature < all[i-1].Signature {
			t.Fatalf("signature order broken at %d", i)
		}
	}

	taskA := all[0].TaskPDA
	byTask, err := store.Query(ctx, Filter{TaskPDA: taskA})
	if err != nil {
		t.Fatalf("query by task: %v", err)
	}
	for _, r := range byTask {
		if r.TaskPDA != taskA {
			t.Fatalf("task filter leaked %q", r.TaskPDA)
		}
	}

	windowed, err := store.Query(ctx, Filter{FromSlot: 12, ToSlot: 14})
	if err != nil {
		t.Fatalf("query window: %v", err)
	}
	for _, r := range windowed {
		if r.Slot < 12 || r.Slot > 14 {
			t.Fatalf("window filter leaked slot %d", r.Slot)
		}
	}

	disputes, err := store.Query(ctx, Filter{SourceEventType: replay.GroupDispute})
	if err != nil {
		t.Fatalf("query by group: %v", err)
	}
	if len(disputes) != 2 {
		t.Fatalf("dispute-group records = %d, want 2", len(disputes))
	}

	limited, err := store.Query(ctx, Filter{Limit: 3})
	if err != nil {
		t.Fatalf("query limit: %v", err)
	}
	if len(limited) != 3 {
		t.Fatalf("limit ignored: %d", len(limited))
	}
}

func TestMemoryStoreCursorMonotonic(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	if cur, err := store.GetCursor(ctx); err != nil || cur != nil {
		t.Fatalf("fresh cursor = %v, %v", cur, err)
	}
	first := &Cursor{Slot: 10, Signature: "SIG_A"}
	if err := store.SaveCursor(ctx, first); err != nil {
		t.Fatalf("save cursor: %v", err)
	}
	second := &Cursor{Slot: 12, Signature: "SIG_B"}
	if err := store.SaveCursor(ctx, second); err != nil {
		t.Fatalf("advance cursor: %v", err)
	}
	err := store.SaveCursor(ctx, first)
	if err == nil {
		t.Fatalf("cursor regression accepted")
	}
	var re *replay.Error
	if !errors.As(err, &re) || re.Code != replay.ErrCursorRegression {
		t.Fatalf("regression error = %v", err)
	}
	cur, err := store.GetCursor(ctx)
	if err != nil || cur == nil || cur.Slot != 12 {
		t.Fatalf("cursor after refusal = %+v, %v", cur, err)
	}
	// Equal cursor re-writes are allowed (idempotent checkpointing).
	if err := store.SaveCursor(ctx, second); err != nil {
		t.Fatalf("equal cursor rejected: %v", err)
	}
}

func TestMemoryStoreClear(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if _, err := store.Save(ctx, fixtureRecords(t)); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.SaveCursor(ctx, &Cursor{Slot: 18, Signature: "SIG_S2"}); err != nil {
		t.Fatalf("save cursor: %v", err)
	}
	if err := store.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	got, err := store.Query(ctx, Filter{})
	if err != nil || len(got) != 0 {
		t.Fatalf("store not empty after clear: %d, %v", len(got), err)
	}
	if cur, err := store.GetCursor(ctx); err != nil || cur != nil {
		t.Fatalf("cursor survived clear: %v, %v", cur, err)
	}
}
