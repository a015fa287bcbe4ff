package replay

import (
	"fmt"
	"sort"
)

// compareWindow is the sliding alignment horizon: a peer must appear within
// this many unconsumed events of the opposite stream.
const compareWindow = 16

const defaultTopAnomalies = 10

// CompareFilter narrows both streams before alignment.
type CompareFilter struct {
	TaskPDA    string
	DisputePDA string
	FromSlot   uint64
	ToSlot     uint64 // 0 = unbounded
}

type CompareOptions struct {
	Strictness Mode
	Filter     *CompareFilter
	TopN       int
	// RedactionsApplied is reported through; redaction happens at the tool
	// boundary before payloads reach the comparison output.
	RedactionsApplied int
}

type CompareStatus string

const (
	CompareClean      CompareStatus = "clean"
	CompareMismatched CompareStatus = "mismatched"
)

type CompareResult struct {
	Status              CompareStatus `json:"status"`
	Strictness          Mode          `json:"strictness"`
	AnomalyIDs          []string      `json:"anomaly_ids"`
	TopAnomalies        []Anomaly     `json:"top_anomalies"`
	MismatchCount       int           `json:"mismatch_count"`
	ProjectedEventCount int           `json:"projected_event_count"`
	LocalEventCount     int           `json:"local_event_count"`
	RedactionsApplied   int           `json:"redactions_applied"`

	// Anomalies is the full classified set, consumed by the incident
	// builder; the tool surface exposes only the ids plus TopAnomalies.
	Anomalies []Anomaly `json:"-"`
}

type alignKey struct {
	typ  ProjectedType
	task string
	disp string
}

func keyOf(ev ProjectedTimelineEvent) alignKey {
	return alignKey{typ: ev.Type, task: ev.TaskPDA, disp: ev.DisputePDA}
}

func entityOf(ev ProjectedTimelineEvent) [2]string {
	return [2]string{ev.TaskPDA, ev.DisputePDA}
}

// Compare aligns the canonical projection against a locally recorded
// trajectory and classifies every divergence. Both inputs are read-only.
func Compare(projected []ProjectedTimelineEvent, local *TrajectoryTrace, opts CompareOptions) *CompareResult {
	if opts.Strictness == "" {
		opts.Strictness = ModeLenient
	}
	if opts.TopN <= 0 {
		opts.TopN = defaultTopAnomalies
	}

	proj := filterEvents(projected, opts.Filter)
	sort.SliceStable(proj, func(i, j int) bool {
		if proj[i].Slot != proj[j].Slot {
			return proj[i].Slot < proj[j].Slot
		}
		if proj[i].Signature != proj[j].Signature {
			return proj[i].Signature < proj[j].Signature
		}
		return proj[i].Seq < proj[j].Seq
	})

	var loc []ProjectedTimelineEvent
	traceID := ""
	if local != nil {
		traceID = local.TraceID
		loc = filterEvents(local.Events, opts.Filter)
		sort.SliceStable(loc, func(i, j int) bool { return loc[i].Seq < loc[j].Seq })
	}

	c := &comparer{local: loc, traceID: traceID, consumed: make([]bool, len(loc))}
	c.run(proj)

	anomalies := c.anomalies
	for i := range anomalies {
		if opts.Strictness == ModeStrict && anomalies[i].Severity == SeverityWarning {
			anomalies[i].Severity = SeverityError
		}
		anomalies[i].AnomalyID = AnomalyID(anomalies[i])
	}

	ids := make([]string, len(anomalies))
	for i := range anomalies {
		ids[i] = anomalies[i].AnomalyID
	}
	top := anomalies
	if len(top) > opts.TopN {
		top = top[:opts.TopN]
	}
	status := CompareClean
	if len(anomalies) > 0 {
		status = CompareMismatched
	}
	return &CompareResult{
		Status:              status,
		Strictness:          opts.Strictness,
		AnomalyIDs:          ids,
		TopAnomalies:        top,
		MismatchCount:       len(anomalies),
		ProjectedEventCount: len(proj),
		LocalEventCount:     len(loc),
		RedactionsApplied:   opts.RedactionsApplied,
		Anomalies:           anomalies,
	}
}

type comparer struct {
	local     []ProjectedTimelineEvent
	consumed  []bool
	traceID   string
	anomalies []Anomaly
}

func (c *comparer) run(proj []ProjectedTimelineEvent) {
	l := 0
	for p := 0; p < len(proj); {
		for l < len(c.local) && c.consumed[l] {
			l++
		}
		if l >= len(c.local) {
			c.unexpected(proj[p])
			p++
			continue
		}
		pe, le := proj[p], c.local[l]
		if keyOf(pe) == keyOf(le) {
			c.pair(pe, le, false)
			c.consumed[l] = true
			p++
			continue
		}
		// A displaced exact peer beats an entity-level type divergence.
		if k := c.findLocal(keyOf(pe), l); k >= 0 {
			c.pair(pe, c.local[k], true)
			c.consumed[k] = true
			p++
			continue
		}
		if entityOf(pe) == entityOf(le) {
			c.typeMismatch(pe, le)
			c.consumed[l] = true
			p++
			continue
		}
		if c.projectedHas(proj, p, keyOf(le)) {
			c.unexpected(pe)
			p++
			continue
		}
		c.missing(le)
		c.consumed[l] = true
	}
	for ; l < len(c.local); l++ {
		if !c.consumed[l] {
			c.missing(c.local[l])
		}
	}
}

// findLocal scans the unconsumed local window for key, skipping the head.
func (c *comparer) findLocal(key alignKey, from int) int {
	budget := compareWindow
	for k := from + 1; k < len(c.local) && budget > 0; k++ {
		if c.consumed[k] {
			continue
		}
		budget--
		if keyOf(c.local[k]) == key {
			return k
		}
	}
	return -1
}

func (c *comparer) projectedHas(proj []ProjectedTimelineEvent, from int, key alignKey) bool {
	budget := compareWindow
	for k := from + 1; k < len(proj) && budget > 0; k++ {
		budget--
		if keyOf(proj[k]) == key {
			return true
		}
	}
	return false
}

func (c *comparer) pair(pe, le ProjectedTimelineEvent, displaced bool) {
	if displaced {
		c.add(Anomaly{
			Code:     AnomalyOrderMismatch,
			Severity: SeverityWarning,
			Message: fmt.Sprintf("event %s found out of order (projected seq %d, local seq %d)",
				pe.Type, pe.Seq, le.Seq),
			Context: c.contextFor(pe),
		})
	}
	if !CanonicalEqual(pe.Payload, le.Payload) {
		path := DiffPath(le.Payload, pe.Payload)
		c.add(Anomaly{
			Code:     AnomalyPayloadMismatch,
			Severity: SeverityError,
			Message: fmt.Sprintf("payload divergence for %s at %s", pe.Type, path),
			Context:          c.contextFor(pe),
			LocalPayload:     le.Payload,
			ProjectedPayload: pe.Payload,
		})
	}
}

func (c *comparer) typeMismatch(pe, le ProjectedTimelineEvent) {
	c.add(Anomaly{
		Code:     AnomalyTypeMismatch,
		Severity: SeverityError,
		Message: fmt.Sprintf("type divergence: projected %s, local %s", pe.Type, le.Type),
		Context:          c.contextFor(pe),
		LocalPayload:     le.Payload,
		ProjectedPayload: pe.Payload,
	})
}

func (c *comparer) unexpected(pe ProjectedTimelineEvent) {
	c.add(Anomaly{
		Code:     AnomalyUnexpectedEvent,
		Severity: SeverityWarning,
		Message: fmt.Sprintf("projected %s has no local peer within window", pe.Type),
		Context:          c.contextFor(pe),
		ProjectedPayload: pe.Payload,
	})
}

func (c *comparer) missing(le ProjectedTimelineEvent) {
	ctx := AnomalyContext{
		Seq:        le.Seq,
		TaskPDA:    le.TaskPDA,
		DisputePDA: le.DisputePDA,
		TraceID:    c.traceID,
		EventType:  string(le.Type),
	}
	c.add(Anomaly{
		Code:         AnomalyMissingEvent,
		Severity:     SeverityWarning,
		Message:      fmt.Sprintf("local %s has no projected peer within window", le.Type),
		Context:      ctx,
		LocalPayload: le.Payload,
	})
}

func (c *comparer) contextFor(pe ProjectedTimelineEvent) AnomalyContext {
	return AnomalyContext{
		Seq:             pe.Seq,
		TaskPDA:         pe.TaskPDA,
		DisputePDA:      pe.DisputePDA,
		SourceEventName: pe.SourceEventName,
		Signature:       pe.Signature,
		TraceID:         c.traceID,
		EventType:       string(pe.Type),
	}
}

func (c *comparer) add(a Anomaly) {
	c.anomalies = append(c.anomalies, a)
}

func filterEvents(events []ProjectedTimelineEvent, f *CompareFilter) []ProjectedTimelineEvent {
	out := make([]ProjectedTimelineEvent, 0, len(events))
	for _, ev := range events {
		if f != nil {
			if f.TaskPDA != "" && ev.TaskPDA != f.TaskPDA {
				continue
			}
			if f.DisputePDA != "" && ev.DisputePDA != f.DisputePDA {
				continue
			}
			if f.FromSlot != 0 && ev.Slot < f.FromSlot {
				continue
			}
			if f.ToSlot != 0 && ev.Slot > f.ToSlot {
				continue
			}
		}
		out = append(out, ev)
	}
	return out
}
