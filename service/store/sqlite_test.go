package store

import (
	"context"
	"testing"

	"agenc.dev/replay/replay"
	"agenc.dev/replay/service"
)

func mustOpenSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(t.TempDir())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStoreSaveIdempotent(t *testing.T) {
	ctx := context.Background()
	s := mustOpenSQLite(t)
	records := fixtureRecords(t)

	first, err := s.Save(ctx, records)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if first.Inserted != len(records) || first.Duplicates != 0 {
		t.Fatalf("first save = %+v", first)
	}
	second, err := s.Save(ctx, records)
	if err != nil {
		t.Fatalf("second save: %v", err)
	}
	if second.Inserted != 0 || second.Duplicates != len(records) {
		t.Fatalf("second save = %+v", second)
	}
}

func TestSQLiteStoreQueryFilters(t *testing.T) {
	ctx := context.Background()
	s := mustOpenSQLite(t)
	records := fixtureRecords(t)
	if _, err := s.Save(ctx, records); err != nil {
		t.Fatalf("save: %v", err)
	}

	all, err := s.Query(ctx, service.Filter{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(all) != len(records) {
		t.Fatalf("got %d records, want %d", len(all), len(records))
	}
	for i := 1; i < len(all); i++ {
		if all[i].Slot < all[i-1].Slot {
			t.Fatalf("slot order broken at %d", i)
		}
	}

	taskA := all[0].TaskPDA
	byTask, err := s.Query(ctx, service.Filter{TaskPDA: taskA})
	if err != nil {
		t.Fatalf("query by task: %v", err)
	}
	for _, r := range byTask {
		if r.TaskPDA != taskA {
			t.Fatalf("task filter leaked %q", r.TaskPDA)
		}
	}

	disputes, err := s.Query(ctx, service.Filter{SourceEventType: replay.GroupDispute})
	if err != nil {
		t.Fatalf("query by group: %v", err)
	}
	if len(disputes) != 2 {
		t.Fatalf("dispute-group records = %d, want 2", len(disputes))
	}

	cursored, err := s.Query(ctx, service.Filter{Cursor: &service.Cursor{Slot: 13, Signature: "SIG_D1"}})
	if err != nil {
		t.Fatalf("cursored query: %v", err)
	}
	for _, r := range cursored {
		if r.Slot < 13 || (r.Slot == 13 && r.Signature <= "SIG_D1") {
			t.Fatalf("cursor filter leaked slot %d sig %s", r.Slot, r.Signature)
		}
	}
}

func TestSQLiteStoreCursorLifecycle(t *testing.T) {
	ctx := context.Background()
	s := mustOpenSQLite(t)
	if cur, err := s.GetCursor(ctx); err != nil || cur != nil {
		t.Fatalf("fresh cursor = %+v, %v", cur, err)
	}
	if err := s.SaveCursor(ctx, &service.Cursor{Slot: 11, Signature: "SIG_B1", EventName: "task_created"}); err != nil {
		t.Fatalf("save cursor: %v", err)
	}
	if err := s.SaveCursor(ctx, &service.Cursor{Slot: 15, Signature: "SIG_UNK"}); err != nil {
		t.Fatalf("advance cursor: %v", err)
	}
	if err := s.SaveCursor(ctx, &service.Cursor{Slot: 11, Signature: "SIG_B1"}); err == nil {
		t.Fatalf("cursor regression accepted")
	}
	cur, err := s.GetCursor(ctx)
	if err != nil || cur == nil || cur.Slot != 15 {
		t.Fatalf("cursor = %+v, %v", cur, err)
	}
	if err := s.SaveCursor(ctx, nil); err != nil {
		t.Fatalf("clear cursor: %v", err)
	}
	if cur, err := s.GetCursor(ctx); err != nil || cur != nil {
		t.Fatalf("cursor survived delete: %+v, %v", cur, err)
	}
}

func TestSQLiteStoreClear(t *testing.T) {
	ctx := context.Background()
	s := mustOpenSQLite(t)
	if _, err := s.Save(ctx, fixtureRecords(t)); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	got, err := s.Query(ctx, service.Filter{})
	if err != nil || len(got) != 0 {
		t.Fatalf("records survived clear: %d, %v", len(got), err)
	}
}
