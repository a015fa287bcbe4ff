package service

import (
	"container/list"
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"agenc.dev/replay/replay"
)

// AlertSeverity tiers an emitted alert.
type AlertSeverity string

const (
	AlertInfo    AlertSeverity = "info"
	AlertWarning AlertSeverity = "warning"
	AlertError   AlertSeverity = "error"
)

// AlertKind classifies what the alert is about.
type AlertKind string

const (
	KindReplayHashMismatch   AlertKind = "replay_hash_mismatch"
	KindTransitionValidation AlertKind = "transition_validation"
	KindReplayIngestionLag   AlertKind = "replay_ingestion_lag"
	KindStoreIO              AlertKind = "store_io"
)

var knownSeverities = map[AlertSeverity]struct{}{
	AlertInfo: {}, AlertWarning: {}, AlertError: {},
}

var knownKinds = map[AlertKind]struct{}{
	KindReplayHashMismatch: {}, KindTransitionValidation: {},
	KindReplayIngestionLag: {}, KindStoreIO: {},
}

// Alert is the deduped, emitted form.
type Alert struct {
	ID                  string         `json:"id"`
	Code                string         `json:"code"`
	Severity            AlertSeverity  `json:"severity"`
	Kind                AlertKind      `json:"kind"`
	Message             string         `json:"message"`
	TaskPDA             string         `json:"task_pda,omitempty"`
	DisputePDA          string         `json:"dispute_pda,omitempty"`
	SourceEventName     string         `json:"source_event_name,omitempty"`
	Signature           string         `json:"signature,omitempty"`
	Slot                uint64         `json:"slot,omitempty"`
	SourceEventSequence uint64         `json:"source_event_sequence,omitempty"`
	TraceID             string         `json:"trace_id,omitempty"`
	Metadata            map[string]any `json:"metadata,omitempty"`
	OccurredAtMs        int64          `json:"occurred_at_ms,omitempty"`
	RepeatCount         int            `json:"repeat_count"`
	EmittedAtMs         int64          `json:"emitted_at_ms"`
}

// AlertContext is what callers hand to Emit; the dispatcher assigns
// identity and emission time.
type AlertContext struct {
	Code                string
	Kind                AlertKind
	Severity            AlertSeverity
	Message             string
	TaskPDA             string
	DisputePDA          string
	SourceEventName     string
	Signature           string
	Slot                uint64
	SourceEventSequence uint64
	TraceID             string
	Metadata            map[string]any
	OccurredAtMs        int64
}

// AlertAdapter delivers an alert to a sink. Adapters may suspend; failures
// are swallowed by the dispatcher.
type AlertAdapter interface {
	Emit(ctx context.Context, alert *Alert) error
}

const (
	defaultDedupeWindowMs = 60_000
	defaultMaxTrackedKeys = 10_000
)

// DispatcherConfig configures a Dispatcher. A nil NowMs falls back to a
// zero clock, so runtimes must inject one.
type DispatcherConfig struct {
	Adapters       []AlertAdapter
	DedupeWindowMs int64
	MaxTrackedKeys int
	NowMs          func() int64
	Disabled       bool
	Log            *logrus.Logger
}

// Dispatcher emits deduped, severity-tiered alerts to its adapters.
// The dedupe map is process-local and LRU-bounded.
type Dispatcher struct {
	cfg DispatcherConfig

	mu      sync.Mutex
	order   *list.List               // front = most recent
	entries map[string]*list.Element // dedupe key -> entry
}

type dedupeEntry struct {
	key         string
	lastEmitMs  int64
	occurrences int
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.DedupeWindowMs <= 0 {
		cfg.DedupeWindowMs = defaultDedupeWindowMs
	}
	if cfg.MaxTrackedKeys <= 0 {
		cfg.MaxTrackedKeys = defaultMaxTrackedKeys
	}
	if cfg.NowMs == nil {
		cfg.NowMs = func() int64 { return 0 }
	}
	if cfg.Log == nil {
		cfg.Log = logrus.StandardLogger()
	}
	return &Dispatcher{
		cfg:     cfg,
		order:   list.New(),
		entries: make(map[string]*list.Element),
	}
}

// Emit builds and dispatches an alert, or returns (nil, nil) when the
// dispatcher is disabled, has no adapters, or the context dedupes into a
// recent emission. Adapters run sequentially; their errors are logged and
// swallowed.
func (d *Dispatcher) Emit(ctx context.Context, ac AlertContext) (*Alert, error) {
	if d == nil || d.cfg.Disabled || len(d.cfg.Adapters) == 0 {
		return nil, nil
	}
	now := d.cfg.NowMs()

	key := dedupeKey(ac)
	repeat := 0
	d.mu.Lock()
	if el, ok := d.entries[key]; ok {
		entry := el.Value.(*dedupeEntry)
		if now-entry.lastEmitMs < d.cfg.DedupeWindowMs {
			entry.occurrences++
			d.order.MoveToFront(el)
			d.mu.Unlock()
			return nil, nil
		}
		repeat = entry.occurrences
		entry.occurrences = 0
		entry.lastEmitMs = now
		d.order.MoveToFront(el)
	} else {
		el := d.order.PushFront(&dedupeEntry{key: key, lastEmitMs: now})
		d.entries[key] = el
		for len(d.entries) > d.cfg.MaxTrackedKeys {
			oldest := d.order.Back()
			if oldest == nil {
				break
			}
			d.order.Remove(oldest)
			delete(d.entries, oldest.Value.(*dedupeEntry).key)
		}
	}
	d.mu.Unlock()

	alert := &Alert{
		Code:                ac.Code,
		Severity:            ac.Severity,
		Kind:                ac.Kind,
		Message:             ac.Message,
		TaskPDA:             ac.TaskPDA,
		DisputePDA:          ac.DisputePDA,
		SourceEventName:     ac.SourceEventName,
		Signature:           ac.Signature,
		Slot:                ac.Slot,
		SourceEventSequence: ac.SourceEventSequence,
		TraceID:             ac.TraceID,
		Metadata:            ac.Metadata,
		OccurredAtMs:        ac.OccurredAtMs,
		RepeatCount:         repeat,
		EmittedAtMs:         now,
	}
	alert.ID = alertID(alert)

	for _, adapter := range d.cfg.Adapters {
		if err := adapter.Emit(ctx, alert); err != nil {
			d.cfg.Log.WithFields(logrus.Fields{
				"alert_id": alert.ID,
				"code":     alert.Code,
			}).WithError(err).Warn("alert adapter failed")
		}
	}
	return alert, nil
}

// dedupeKey scopes an alert to its subject: code, kind, the strongest
// available locator, and slot.
func dedupeKey(ac AlertContext) string {
	scope := ac.TaskPDA
	if scope == "" {
		scope = ac.DisputePDA
	}
	if scope == "" {
		scope = ac.SourceEventName
	}
	if scope == "" {
		scope = ac.Signature
	}
	return strings.Join([]string{
		ac.Code, string(ac.Kind), scope, fmt.Sprintf("%d", ac.Slot),
	}, "|")
}

// alertID hashes the alert payload minus repeat_count.
func alertID(a *Alert) string {
	m := map[string]any{
		"code":          a.Code,
		"severity":      string(a.Severity),
		"kind":          string(a.Kind),
		"message":       a.Message,
		"emitted_at_ms": a.EmittedAtMs,
	}
	if a.TaskPDA != "" {
		m["task_pda"] = a.TaskPDA
	}
	if a.DisputePDA != "" {
		m["dispute_pda"] = a.DisputePDA
	}
	if a.SourceEventName != "" {
		m["source_event_name"] = a.SourceEventName
	}
	if a.Signature != "" {
		m["signature"] = a.Signature
	}
	if a.Slot != 0 {
		m["slot"] = a.Slot
	}
	if a.SourceEventSequence != 0 {
		m["source_event_sequence"] = a.SourceEventSequence
	}
	if a.TraceID != "" {
		m["trace_id"] = a.TraceID
	}
	if a.Metadata != nil {
		m["metadata"] = a.Metadata
	}
	if a.OccurredAtMs != 0 {
		m["occurred_at_ms"] = a.OccurredAtMs
	}
	return replay.Sha256Hex(replay.CanonicalBytes(m))
}

// LogAdapter writes alerts as structured log lines.
type LogAdapter struct {
	Log *logrus.Logger
}

func (a LogAdapter) Emit(_ context.Context, alert *Alert) error {
	log := a.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	entry := log.WithFields(logrus.Fields{
		"alert_id":     alert.ID,
		"code":         alert.Code,
		"kind":         alert.Kind,
		"slot":         alert.Slot,
		"repeat_count": alert.RepeatCount,
	})
	switch alert.Severity {
	case AlertError:
		entry.Error(alert.Message)
	case AlertWarning:
		entry.Warn(alert.Message)
	default:
		entry.Info(alert.Message)
	}
	return nil
}

// AdapterFunc adapts a function to the AlertAdapter interface.
type AdapterFunc func(ctx context.Context, alert *Alert) error

func (f AdapterFunc) Emit(ctx context.Context, alert *Alert) error { return f(ctx, alert) }

// AlertSchemaReport is the outcome of a compatibility check over a decoded
// alert object.
type AlertSchemaReport struct {
	Compatible    bool     `json:"compatible"`
	SchemaVersion int      `json:"schema_version"`
	MissingFields []string `json:"missing_fields,omitempty"`
	InvalidFields []string `json:"invalid_fields,omitempty"`
}

// ValidateAlertSchema checks the required alert tuple and enumerations.
func ValidateAlertSchema(obj map[string]any) AlertSchemaReport {
	report := AlertSchemaReport{SchemaVersion: 1}
	required := []string{"id", "code", "severity", "kind", "message", "emitted_at_ms"}
	for _, field := range required {
		if _, ok := obj[field]; !ok {
			report.MissingFields = append(report.MissingFields, field)
		}
	}
	if v, ok := obj["severity"]; ok {
		s, isStr := v.(string)
		if !isStr {
			report.InvalidFields = append(report.InvalidFields, "severity")
		} else if _, known := knownSeverities[AlertSeverity(s)]; !known {
			report.InvalidFields = append(report.InvalidFields, "severity")
		}
	}
	if v, ok := obj["kind"]; ok {
		s, isStr := v.(string)
		if !isStr {
			report.InvalidFields = append(report.InvalidFields, "kind")
		} else if _, known := knownKinds[AlertKind(s)]; !known {
			report.InvalidFields = append(report.InvalidFields, "kind")
		}
	}
	if v, ok := obj["emitted_at_ms"]; ok {
		switch v.(type) {
		case int64, uint64, int, float64:
		default:
			report.InvalidFields = append(report.InvalidFields, "emitted_at_ms")
		}
	}
	report.Compatible = len(report.MissingFields) == 0 && len(report.InvalidFields) == 0
	return report
}

// ComputeAnomalySetHash fingerprints a batch of alerts by sorted id.
func ComputeAnomalySetHash(alerts []*Alert) string {
	ids := make([]string, 0, len(alerts))
	for _, a := range alerts {
		if a != nil {
			ids = append(ids, a.ID)
		}
	}
	return replay.AnomalySetHash(ids)
}
