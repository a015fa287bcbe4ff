package service

import (
	"context"

	"github.com/sirupsen/logrus"

	"agenc.dev/replay/replay"
)

// Page is one fetch result. Done marks the final page of the range.
type Page struct {
	Events     []replay.RawOnChainEvent
	NextCursor *Cursor
	Done       bool
}

// PageFetcher is the contract of the external RPC collaborator: a paginated
// pull of raw events up to a target slot.
type PageFetcher interface {
	FetchPage(ctx context.Context, cursor *Cursor, toSlot uint64, pageSize int) (*Page, error)
}

// CurrentSlotFn reports the chain head, for lag detection.
type CurrentSlotFn func(ctx context.Context) (uint64, error)

const (
	AlertCodeStoreWriteFailed = "replay.backfill.store_write_failed"
	AlertCodeIngestionLag     = "replay.backfill.ingestion_lag"
)

// BackfillConfig wires a backfill run. Store and Fetcher are required;
// everything else has workable defaults.
type BackfillConfig struct {
	Store       TimelineStore
	Fetcher     PageFetcher
	ToSlot      uint64
	PageSize    int
	Alerts      *Dispatcher
	MaxLagSlots uint64
	CurrentSlot CurrentSlotFn
	TraceID     string
	Seed        uint64
	NowMs       func() int64
	Log         *logrus.Logger
}

// BackfillResult summarizes a run.
type BackfillResult struct {
	Processed     int                        `json:"processed"`
	Duplicates    int                        `json:"duplicates"`
	Cursor        *Cursor                    `json:"cursor"`
	Pages         int                        `json:"pages"`
	Telemetry     replay.ProjectionTelemetry `json:"telemetry"`
	AlertsEmitted int                        `json:"alerts_emitted"`
	StoreFailures int                        `json:"store_failures"`
}

// Backfill drives fetch → project → save with cursor progression. It is the
// only writer of its store.
type Backfill struct {
	cfg BackfillConfig
}

func NewBackfill(cfg BackfillConfig) (*Backfill, error) {
	if cfg.Store == nil {
		return nil, replay.Errf(replay.ErrStoreWriteFailed, "nil store")
	}
	if cfg.Fetcher == nil {
		return nil, replay.Errf(replay.ErrFetchFailed, "nil fetcher")
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 256
	}
	if cfg.NowMs == nil {
		cfg.NowMs = func() int64 { return 0 }
	}
	if cfg.Log == nil {
		cfg.Log = logrus.StandardLogger()
	}
	return &Backfill{cfg: cfg}, nil
}

// Run executes the catch-up loop. Fetcher errors surface as fatal
// replay.fetch_failed; a mid-stream store failure emits an alert, keeps the
// last good cursor and halts.
func (b *Backfill) Run(ctx context.Context) (*BackfillResult, error) {
	cfg := b.cfg
	res := &BackfillResult{}

	cursor, err := cfg.Store.GetCursor(ctx)
	if err != nil {
		return nil, replay.Wrap(replay.ErrStoreWriteFailed, "read cursor", err)
	}
	res.Cursor = cursor

	var lastProjectedSlot uint64
	if cursor != nil {
		lastProjectedSlot = cursor.Slot
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page, err := cfg.Fetcher.FetchPage(ctx, cursor, cfg.ToSlot, cfg.PageSize)
		if err != nil {
			return nil, replay.Wrap(replay.ErrFetchFailed, "fetch page", err)
		}
		res.Pages++

		projected, err := replay.Project(page.Events, replay.ProjectOptions{
			Mode:        replay.ModeLenient,
			TraceID:     cfg.TraceID,
			Seed:        cfg.Seed,
			CreatedAtMs: cfg.NowMs(),
		})
		if err != nil {
			return nil, err
		}
		accumulate(&res.Telemetry, projected.Telemetry)

		if n := len(projected.Events); n > 0 {
			saveRes, err := cfg.Store.Save(ctx, RecordsFromEvents(projected.Events))
			if err != nil {
				res.StoreFailures++
				res.AlertsEmitted += b.alertStoreFailure(ctx, page, err)
				if page.Done {
					break
				}
				cfg.Log.WithError(err).Error("store write failed, halting backfill")
				break
			}
			res.Processed += saveRes.Inserted
			res.Duplicates += saveRes.Duplicates
			if last := projected.Events[n-1].Slot; last > lastProjectedSlot {
				lastProjectedSlot = last
			}
		}

		if page.NextCursor != nil {
			if err := cfg.Store.SaveCursor(ctx, page.NextCursor); err != nil {
				return nil, err
			}
			cursor = page.NextCursor
			res.Cursor = cursor
		}

		cfg.Log.WithFields(logrus.Fields{
			"pages":     res.Pages,
			"processed": res.Processed,
		}).Debug("backfill page complete")

		if page.Done {
			break
		}
	}

	res.AlertsEmitted += b.alertLag(ctx, lastProjectedSlot)
	return res, nil
}

func (b *Backfill) alertStoreFailure(ctx context.Context, page *Page, saveErr error) int {
	if b.cfg.Alerts == nil {
		return 0
	}
	slot := b.cfg.ToSlot
	if page.NextCursor != nil {
		slot = page.NextCursor.Slot
	}
	alert, _ := b.cfg.Alerts.Emit(ctx, AlertContext{
		Code:     AlertCodeStoreWriteFailed,
		Kind:     KindStoreIO,
		Severity: AlertError,
		Message:  "timeline store write failed: " + saveErr.Error(),
		Slot:     slot,
		TraceID:  b.cfg.TraceID,
	})
	if alert != nil {
		return 1
	}
	return 0
}

func (b *Backfill) alertLag(ctx context.Context, lastProjectedSlot uint64) int {
	cfg := b.cfg
	if cfg.Alerts == nil || cfg.CurrentSlot == nil || cfg.MaxLagSlots == 0 {
		return 0
	}
	current, err := cfg.CurrentSlot(ctx)
	if err != nil {
		cfg.Log.WithError(err).Warn("current slot unavailable, skipping lag check")
		return 0
	}
	if current <= lastProjectedSlot || current-lastProjectedSlot <= cfg.MaxLagSlots {
		return 0
	}
	alert, _ := cfg.Alerts.Emit(ctx, AlertContext{
		Code:     AlertCodeIngestionLag,
		Kind:     KindReplayIngestionLag,
		Severity: AlertWarning,
		Message: "replay ingestion lagging behind chain head",
		Slot:     current,
		TraceID:  cfg.TraceID,
		Metadata: map[string]any{
			"last_projected_slot": lastProjectedSlot,
			"max_lag_slots":       cfg.MaxLagSlots,
		},
	})
	if alert != nil {
		return 1
	}
	return 0
}

func accumulate(total *replay.ProjectionTelemetry, page replay.ProjectionTelemetry) {
	total.ProjectedEvents += page.ProjectedEvents
	total.DuplicatesDropped += page.DuplicatesDropped
	total.MalformedInputs += page.MalformedInputs
	total.UnknownEvents += page.UnknownEvents
	total.TransitionConflicts += page.TransitionConflicts
	total.TransitionViolations += page.TransitionViolations
}
