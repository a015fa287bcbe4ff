package service

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"sort"

	"agenc.dev/replay/replay"
)

// SliceFetcher pages over an in-memory raw event sequence, sorted by
// (slot, signature). It backs tests and file-captured replays.
type SliceFetcher struct {
	events []replay.RawOnChainEvent
}

func NewSliceFetcher(events []replay.RawOnChainEvent) *SliceFetcher {
	sorted := append([]replay.RawOnChainEvent(nil), events...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Slot != sorted[j].Slot {
			return sorted[i].Slot < sorted[j].Slot
		}
		return sorted[i].Signature < sorted[j].Signature
	})
	return &SliceFetcher{events: sorted}
}

// NewFileFetcher loads a JSONL capture of raw on-chain events. The capture
// stands in for the RPC collaborator, which is outside this module.
func NewFileFetcher(path string) (*SliceFetcher, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, replay.Wrap(replay.ErrFetchFailed, "open capture", err)
	}
	defer f.Close()
	var events []replay.RawOnChainEvent
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev replay.RawOnChainEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			return nil, replay.Wrap(replay.ErrFetchFailed, "decode capture line", err)
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, replay.Wrap(replay.ErrFetchFailed, "scan capture", err)
	}
	return NewSliceFetcher(events), nil
}

func (f *SliceFetcher) FetchPage(ctx context.Context, cursor *Cursor, toSlot uint64, pageSize int) (*Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if pageSize <= 0 {
		pageSize = 256
	}
	start := 0
	if cursor != nil {
		for start < len(f.events) && !afterRawCursor(f.events[start], cursor) {
			start++
		}
	}
	end := start
	for end < len(f.events) && end-start < pageSize {
		if toSlot != 0 && f.events[end].Slot > toSlot {
			break
		}
		end++
	}
	page := &Page{Events: append([]replay.RawOnChainEvent(nil), f.events[start:end]...)}
	if end > start {
		last := f.events[end-1]
		page.NextCursor = &Cursor{
			Slot:      last.Slot,
			Signature: last.Signature,
			EventName: last.EventName,
		}
	}
	page.Done = end >= len(f.events) ||
		(toSlot != 0 && end < len(f.events) && f.events[end].Slot > toSlot)
	return page, nil
}

func afterRawCursor(ev replay.RawOnChainEvent, c *Cursor) bool {
	if ev.Slot != c.Slot {
		return ev.Slot > c.Slot
	}
	return ev.Signature > c.Signature
}
