package service

import (
	"context"
	"fmt"
	"sort"

	"agenc.dev/replay/replay"
)

// Record is the stored form of a projected event plus the taxonomy group
// tag used for filtered queries.
type Record struct {
	replay.ProjectedTimelineEvent
	SourceEventType replay.EventGroup `json:"source_event_type"`
}

// RecordsFromEvents wraps projected events into their stored form.
func RecordsFromEvents(events []replay.ProjectedTimelineEvent) []Record {
	out := make([]Record, len(events))
	for i, ev := range events {
		group, _ := replay.GroupOf(replay.EventName(ev.SourceEventName))
		out[i] = Record{ProjectedTimelineEvent: ev, SourceEventType: group}
	}
	return out
}

// IngestKey is the store identity of a record. One source event may project
// to more than one timeline record (a dispute initiation also marks its
// task disputed), so the projected type participates in the key.
func (r Record) IngestKey() string {
	return fmt.Sprintf("%020d|%s|%s", r.Slot, r.Signature, r.Type)
}

// Cursor marks backfill progress. Monotone in (slot, signature).
type Cursor struct {
	Slot      uint64 `json:"slot"`
	Signature string `json:"signature"`
	EventName string `json:"event_name,omitempty"`
}

// Less orders cursors by (slot, signature).
func (c Cursor) Less(other Cursor) bool {
	if c.Slot != other.Slot {
		return c.Slot < other.Slot
	}
	return c.Signature < other.Signature
}

// SaveResult reports an idempotent append outcome.
type SaveResult struct {
	Inserted   int `json:"inserted"`
	Duplicates int `json:"duplicates"`
}

// Filter narrows a timeline query. Zero values mean "any".
type Filter struct {
	TaskPDA         string
	DisputePDA      string
	FromSlot        uint64
	ToSlot          uint64 // 0 = unbounded
	SourceEventName string
	SourceEventType replay.EventGroup
	Limit           int
	Cursor          *Cursor // results strictly after this cursor
}

// TimelineStore is the durable timeline contract. Save is idempotent on the
// ingest key and atomic at the call (page) level; Query returns records in
// canonical (slot, signature, source_event_sequence) order. A store has a
// single writer (the backfill job) but may serve concurrent readers.
type TimelineStore interface {
	Save(ctx context.Context, records []Record) (SaveResult, error)
	Query(ctx context.Context, f Filter) ([]Record, error)
	GetCursor(ctx context.Context) (*Cursor, error)
	SaveCursor(ctx context.Context, c *Cursor) error
	Clear(ctx context.Context) error
	Close() error
}

// MatchFilter reports whether a record passes every set filter field.
// Shared by the store backends.
func MatchFilter(r Record, f Filter) bool {
	if f.TaskPDA != "" && r.TaskPDA != f.TaskPDA {
		return false
	}
	if f.DisputePDA != "" && r.DisputePDA != f.DisputePDA {
		return false
	}
	if f.FromSlot != 0 && r.Slot < f.FromSlot {
		return false
	}
	if f.ToSlot != 0 && r.Slot > f.ToSlot {
		return false
	}
	if f.SourceEventName != "" && r.SourceEventName != f.SourceEventName {
		return false
	}
	if f.SourceEventType != "" && r.SourceEventType != f.SourceEventType {
		return false
	}
	return true
}

// AfterCursor reports whether a record sorts strictly after the cursor.
func AfterCursor(r Record, c *Cursor) bool {
	if c == nil {
		return true
	}
	if r.Slot != c.Slot {
		return r.Slot > c.Slot
	}
	return r.Signature > c.Signature
}

// SortRecords applies the canonical query order in place.
func SortRecords(records []Record) {
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if a.Slot != b.Slot {
			return a.Slot < b.Slot
		}
		if a.Signature != b.Signature {
			return a.Signature < b.Signature
		}
		if a.SourceEventSequence != b.SourceEventSequence {
			return a.SourceEventSequence < b.SourceEventSequence
		}
		return a.Seq < b.Seq
	})
}

// CheckCursorMonotone guards every cursor write: a cursor strictly below the
// persisted one indicates a replay bug and is refused.
func CheckCursorMonotone(prev, next *Cursor) error {
	if prev == nil || next == nil {
		return nil
	}
	if next.Less(*prev) {
		return replay.Errf(replay.ErrCursorRegression,
			"cursor (%d,%s) precedes persisted (%d,%s)",
			next.Slot, next.Signature, prev.Slot, prev.Signature)
	}
	return nil
}

// Events unwraps records back to projected events.
func Events(records []Record) []replay.ProjectedTimelineEvent {
	out := make([]replay.ProjectedTimelineEvent, len(records))
	for i := range records {
		out[i] = records[i].ProjectedTimelineEvent
	}
	return out
}
