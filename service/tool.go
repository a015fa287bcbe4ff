package service

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"agenc.dev/replay/replay"
)

// Stable output schema identifiers. Required top-level keys per schema are
// the gating contract; anything else stays optional.
const (
	SchemaBackfillV1 = "replay.backfill.output.v1"
	SchemaCompareV1  = "replay.compare.output.v1"
	SchemaIncidentV1 = "replay.incident.output.v1"
	SchemaStatusV1   = "replay.status.output.v1"
)

// ErrorEnvelope is the uniform failure shape of every tool command.
type ErrorEnvelope struct {
	Status    string         `json:"status"`
	Command   string         `json:"command"`
	Schema    string         `json:"schema"`
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Retriable bool           `json:"retriable"`
	Details   map[string]any `json:"details,omitempty"`
}

// Runtime hosts the four tool commands over one store. The clock and the
// actor identity are injected by the transport layer.
type Runtime struct {
	Store         TimelineStore
	StoreType     string
	Fetcher       PageFetcher
	CurrentSlot   CurrentSlotFn
	Alerts        *Dispatcher
	Policy        ReplayPolicy
	Log           *logrus.Logger
	NowMs         func() int64
	Version       string
	Actor         string
	Authenticated bool
}

func (rt *Runtime) log() *logrus.Logger {
	if rt.Log == nil {
		return logrus.StandardLogger()
	}
	return rt.Log
}

func (rt *Runtime) nowMs() int64 {
	if rt.NowMs == nil {
		return 0
	}
	return rt.NowMs()
}

func (rt *Runtime) errorEnvelope(command, schema string, err error) ErrorEnvelope {
	code := replay.CodeOf(err)
	if code == "" {
		code = replay.ErrStoreWriteFailed
	}
	return ErrorEnvelope{
		Status:    "error",
		Command:   command,
		Schema:    schema,
		Code:      string(code),
		Message:   err.Error(),
		Retriable: code.Retriable(),
	}
}

func (rt *Runtime) audit(tool, status, reason string, startedMs int64, sealed, mutated bool) {
	entry := AuditEntry{
		Tool:         tool,
		Actor:        rt.Actor,
		RequestID:    uuid.NewString(),
		Status:       status,
		DurationMs:   rt.nowMs() - startedMs,
		Reason:       reason,
		RiskLevel:    RiskLevel(tool, sealed),
		MutatedState: mutated,
		EffectiveCaps: map[string]any{
			"max_event_count":     rt.Policy.MaxEventCount,
			"max_slot_window":     rt.Policy.MaxSlotWindow,
			"max_tool_runtime_ms": rt.Policy.MaxToolRuntimeMs,
		},
	}
	if status != "ok" {
		entry.ViolationCode = reason
	}
	rt.Policy.WriteAudit(rt.log(), entry)
}

// --- replay.backfill ------------------------------------------------------

type BackfillParams struct {
	RPC          string   `json:"rpc"`
	ToSlot       uint64   `json:"to_slot"`
	StoreType    string   `json:"store_type"`
	PageSize     int      `json:"page_size,omitempty"`
	RedactFields []string `json:"redact_fields,omitempty"`
	TraceID      string   `json:"trace_id,omitempty"`
	Seed         uint64   `json:"seed,omitempty"`
}

type BackfillOutput struct {
	Status        string                     `json:"status"`
	Command       string                     `json:"command"`
	Schema        string                     `json:"schema"`
	Mode          string                     `json:"mode"`
	ToSlot        uint64                     `json:"to_slot"`
	StoreType     string                     `json:"store_type"`
	Result        BackfillResult             `json:"result"`
	Telemetry     replay.ProjectionTelemetry `json:"telemetry"`
	CommandParams BackfillParams             `json:"command_params"`
	Sections      []string                   `json:"sections"`
	Redactions    []string                   `json:"redactions"`
	Truncated     bool                       `json:"truncated"`
	TruncationReason string                  `json:"truncation_reason,omitempty"`
}

// RunBackfill executes the catch-up command.
func (rt *Runtime) RunBackfill(ctx context.Context, params BackfillParams) any {
	const command = "replay.backfill"
	started := rt.nowMs()
	if err := rt.Policy.Authorize(command, rt.Actor, rt.Authenticated, true); err != nil {
		rt.audit(command, "denied", string(replay.ErrAccessDenied), started, true, false)
		return rt.errorEnvelope(command, SchemaBackfillV1, err)
	}

	bf, err := NewBackfill(BackfillConfig{
		Store:       rt.Store,
		Fetcher:     rt.Fetcher,
		ToSlot:      params.ToSlot,
		PageSize:    params.PageSize,
		Alerts:      rt.Alerts,
		MaxLagSlots: 0,
		CurrentSlot: rt.CurrentSlot,
		TraceID:     params.TraceID,
		Seed:        params.Seed,
		NowMs:       rt.NowMs,
		Log:         rt.log(),
	})
	if err != nil {
		rt.audit(command, "error", err.Error(), started, true, false)
		return rt.errorEnvelope(command, SchemaBackfillV1, err)
	}
	res, err := bf.Run(ctx)
	if err != nil {
		rt.audit(command, "error", err.Error(), started, true, true)
		return rt.errorEnvelope(command, SchemaBackfillV1, err)
	}
	rt.audit(command, "ok", "", started, true, true)
	return BackfillOutput{
		Status:        "ok",
		Command:       command,
		Schema:        SchemaBackfillV1,
		Mode:          string(replay.ModeLenient),
		ToSlot:        params.ToSlot,
		StoreType:     rt.StoreType,
		Result:        *res,
		Telemetry:     res.Telemetry,
		CommandParams: params,
		Sections:      []string{"result", "telemetry"},
		Redactions:    params.RedactFields,
	}
}

// --- replay.compare -------------------------------------------------------

type CompareParams struct {
	LocalTracePath string   `json:"local_trace_path"`
	StoreType      string   `json:"store_type"`
	StrictMode     bool     `json:"strict_mode,omitempty"`
	TaskPDA        string   `json:"task_pda,omitempty"`
	DisputePDA     string   `json:"dispute_pda,omitempty"`
	RedactFields   []string `json:"redact_fields,omitempty"`
}

type CompareOutput struct {
	Status        string                `json:"status"`
	Command       string                `json:"command"`
	Schema        string                `json:"schema"`
	Strictness    string                `json:"strictness"`
	StoreType     string                `json:"store_type"`
	Result        *replay.CompareResult `json:"result"`
	CommandParams CompareParams         `json:"command_params"`
	Sections      []string              `json:"sections"`
	Redactions    []string              `json:"redactions"`
	Truncated     bool                  `json:"truncated"`
	TruncationReason string             `json:"truncation_reason,omitempty"`
}

// RunCompare diffs a local trajectory against the stored projection.
func (rt *Runtime) RunCompare(ctx context.Context, params CompareParams) any {
	const command = "replay.compare"
	started := rt.nowMs()
	if err := rt.Policy.Authorize(command, rt.Actor, rt.Authenticated, true); err != nil {
		rt.audit(command, "denied", string(replay.ErrAccessDenied), started, true, false)
		return rt.errorEnvelope(command, SchemaCompareV1, err)
	}

	trace, err := replay.LoadTrace(params.LocalTracePath)
	if err != nil {
		rt.audit(command, "error", err.Error(), started, true, false)
		return rt.errorEnvelope(command, SchemaCompareV1, err)
	}
	records, err := rt.Store.Query(ctx, Filter{
		TaskPDA:    params.TaskPDA,
		DisputePDA: params.DisputePDA,
	})
	if err != nil {
		rt.audit(command, "error", err.Error(), started, true, false)
		return rt.errorEnvelope(command, SchemaCompareV1, err)
	}
	if rt.Policy.MaxEventCount > 0 && len(records) > rt.Policy.MaxEventCount {
		err := replay.Errf(replay.ErrLimitsExceeded,
			"%d projected events exceed cap %d", len(records), rt.Policy.MaxEventCount)
		rt.audit(command, "error", err.Error(), started, true, false)
		return rt.errorEnvelope(command, SchemaCompareV1, err)
	}

	strictness := replay.ModeLenient
	if params.StrictMode {
		strictness = replay.ModeStrict
	}
	redactions := applyPayloadRedactions(records, trace, params.RedactFields)
	result := replay.Compare(Events(records), trace, replay.CompareOptions{
		Strictness: strictness,
		Filter: &replay.CompareFilter{
			TaskPDA:    params.TaskPDA,
			DisputePDA: params.DisputePDA,
		},
		RedactionsApplied: redactions,
	})

	out := CompareOutput{
		Status:        "ok",
		Command:       command,
		Schema:        SchemaCompareV1,
		Strictness:    string(strictness),
		StoreType:     rt.StoreType,
		Result:        result,
		CommandParams: params,
		Sections:      []string{"result"},
		Redactions:    params.RedactFields,
	}
	if strictness == replay.ModeStrict && result.Status == replay.CompareMismatched {
		rt.audit(command, "mismatched", "strict comparison failed", started, true, false)
		return rt.errorEnvelope(command, SchemaCompareV1, replay.Errf(
			replay.ErrProjectionStrictFailure,
			"strict comparison found %d anomalies", result.MismatchCount))
	}
	rt.audit(command, "ok", "", started, true, false)
	return out
}

// applyPayloadRedactions strips the named fields from every payload on both
// sides before comparison output, returning the redaction count.
func applyPayloadRedactions(records []Record, trace *replay.TrajectoryTrace, fields []string) int {
	if len(fields) == 0 {
		return 0
	}
	count := 0
	// Payload maps may be shared with the backing store; redaction works on
	// copies.
	strip := func(payload map[string]any) map[string]any {
		if payload == nil {
			return nil
		}
		out := make(map[string]any, len(payload))
		for k, v := range payload {
			out[k] = v
		}
		for _, f := range fields {
			if _, ok := out[f]; ok {
				delete(out, f)
				count++
			}
		}
		return out
	}
	for i := range records {
		records[i].Payload = strip(records[i].Payload)
	}
	if trace != nil {
		for i := range trace.Events {
			trace.Events[i].Payload = strip(trace.Events[i].Payload)
		}
	}
	return count
}

// --- replay.incident ------------------------------------------------------

type IncidentParams struct {
	TaskPDA         string   `json:"task_pda,omitempty"`
	DisputePDA      string   `json:"dispute_pda,omitempty"`
	StoreType       string   `json:"store_type"`
	FromSlot        uint64   `json:"from_slot,omitempty"`
	ToSlot          uint64   `json:"to_slot,omitempty"`
	Sealed          bool     `json:"sealed,omitempty"`
	MaxPayloadBytes int      `json:"max_payload_bytes,omitempty"`
	RedactFields    []string `json:"redact_fields,omitempty"`
	OutputDir       string   `json:"output_dir,omitempty"`
}

type IncidentSummary struct {
	CaseID       string              `json:"case_id"`
	CaseStatus   replay.CaseStatus   `json:"case_status"`
	EventCount   int                 `json:"event_count"`
	TaskCount    int                 `json:"task_count"`
	DisputeCount int                 `json:"dispute_count"`
	TraceWindow  replay.TraceWindow  `json:"trace_window"`
}

type IncidentValidation struct {
	Transitions        int `json:"transitions"`
	InvalidTransitions int `json:"invalid_transitions"`
}

type IncidentOutput struct {
	Status           string              `json:"status"`
	Command          string              `json:"command"`
	Schema           string              `json:"schema"`
	StoreType        string              `json:"store_type"`
	Summary          IncidentSummary     `json:"summary"`
	Validation       IncidentValidation  `json:"validation"`
	Narrative        string              `json:"narrative"`
	EvidencePack     *replay.EvidencePack `json:"evidence_pack,omitempty"`
	CommandParams    IncidentParams      `json:"command_params"`
	Sections         []string            `json:"sections"`
	Redactions       []string            `json:"redactions"`
	Truncated        bool                `json:"truncated"`
	TruncationReason string              `json:"truncation_reason,omitempty"`
}

// RunIncident reconstructs a case over the stored window and, optionally,
// seals its evidence pack.
func (rt *Runtime) RunIncident(ctx context.Context, params IncidentParams) any {
	const command = "replay.incident"
	started := rt.nowMs()
	if err := rt.Policy.Authorize(command, rt.Actor, rt.Authenticated, params.Sealed); err != nil {
		rt.audit(command, "denied", string(replay.ErrAccessDenied), started, params.Sealed, false)
		return rt.errorEnvelope(command, SchemaIncidentV1, err)
	}
	if rt.Policy.MaxSlotWindow > 0 && params.ToSlot > params.FromSlot &&
		params.ToSlot-params.FromSlot > rt.Policy.MaxSlotWindow {
		err := replay.Errf(replay.ErrLimitsExceeded,
			"slot window %d exceeds cap %d", params.ToSlot-params.FromSlot, rt.Policy.MaxSlotWindow)
		rt.audit(command, "error", err.Error(), started, params.Sealed, false)
		return rt.errorEnvelope(command, SchemaIncidentV1, err)
	}

	filter := Filter{
		TaskPDA:    params.TaskPDA,
		DisputePDA: params.DisputePDA,
		FromSlot:   params.FromSlot,
		ToSlot:     params.ToSlot,
	}
	records, err := rt.Store.Query(ctx, filter)
	if err != nil {
		rt.audit(command, "error", err.Error(), started, params.Sealed, false)
		return rt.errorEnvelope(command, SchemaIncidentV1, err)
	}
	if rt.Policy.MaxEventCount > 0 && len(records) > rt.Policy.MaxEventCount {
		err := replay.Errf(replay.ErrLimitsExceeded,
			"%d events exceed cap %d", len(records), rt.Policy.MaxEventCount)
		rt.audit(command, "error", err.Error(), started, params.Sealed, false)
		return rt.errorEnvelope(command, SchemaIncidentV1, err)
	}

	events := Events(records)
	in := replay.IncidentInput{Events: events, CreatedAtMs: rt.nowMs()}
	if params.FromSlot != 0 {
		from := params.FromSlot
		in.FromSlot = &from
	}
	if params.ToSlot != 0 {
		to := params.ToSlot
		in.ToSlot = &to
	}
	caseData := replay.BuildIncidentCase(in)

	pack, err := replay.BuildEvidencePack(caseData, events, filter, nil, rt.Version)
	if err != nil {
		rt.audit(command, "error", err.Error(), started, params.Sealed, false)
		return rt.errorEnvelope(command, SchemaIncidentV1, err)
	}
	redactFields := append([]string(nil), rt.Policy.DefaultRedactions...)
	redactFields = append(redactFields, params.RedactFields...)
	if params.Sealed {
		if _, err := pack.Seal(replay.RedactionPolicy{
			RemoveFields:   redactFields,
			HashSignatures: true,
		}); err != nil {
			rt.audit(command, "error", err.Error(), started, params.Sealed, false)
			return rt.errorEnvelope(command, SchemaIncidentV1, err)
		}
	}
	if params.OutputDir != "" {
		if err := replay.WriteEvidencePack(params.OutputDir, pack); err != nil {
			rt.audit(command, "error", err.Error(), started, params.Sealed, false)
			return rt.errorEnvelope(command, SchemaIncidentV1, err)
		}
	}

	invalid := 0
	for _, tr := range caseData.Transitions {
		if !tr.Valid {
			invalid++
		}
	}
	out := IncidentOutput{
		Status:    "ok",
		Command:   command,
		Schema:    SchemaIncidentV1,
		StoreType: rt.StoreType,
		Summary: IncidentSummary{
			CaseID:       caseData.CaseID,
			CaseStatus:   caseData.CaseStatus,
			EventCount:   len(events),
			TaskCount:    len(caseData.TaskIDs),
			DisputeCount: len(caseData.DisputeIDs),
			TraceWindow:  caseData.TraceWindow,
		},
		Validation: IncidentValidation{
			Transitions:        len(caseData.Transitions),
			InvalidTransitions: invalid,
		},
		Narrative:     narrative(caseData),
		EvidencePack:  pack,
		CommandParams: params,
		Sections:      []string{"summary", "validation", "narrative", "evidence_pack"},
		Redactions:    redactFields,
	}
	if params.MaxPayloadBytes > 0 {
		if truncated := truncatePackPayloads(pack, params.MaxPayloadBytes); truncated {
			out.Truncated = true
			out.TruncationReason = "max_payload_bytes"
		}
	}
	rt.audit(command, "ok", "", started, params.Sealed, false)
	return out
}

func narrative(c *replay.IncidentCase) string {
	return fmt.Sprintf(
		"case %s: %d transitions across %d tasks and %d disputes in slots %d-%d; %d anomalies; status %s",
		c.CaseID, len(c.Transitions), len(c.TaskIDs), len(c.DisputeIDs),
		c.TraceWindow.FromSlot, c.TraceWindow.ToSlot, len(c.AnomalyIDs), c.CaseStatus)
}

// truncatePackPayloads drops event payloads whose canonical form exceeds the
// cap, replacing them with a stub carrying the payload hash.
func truncatePackPayloads(pack *replay.EvidencePack, maxBytes int) bool {
	truncated := false
	for i := range pack.Events {
		raw := replay.CanonicalBytes(pack.Events[i].Payload)
		if len(raw) <= maxBytes {
			continue
		}
		pack.Events[i].Payload = map[string]any{
			"truncated":    true,
			"payload_hash": replay.Sha256Hex(raw),
		}
		truncated = true
	}
	if truncated {
		pack.Manifest.EventsHash = replay.EventsHash(pack.Events)
	}
	return truncated
}

// --- replay.status --------------------------------------------------------

type StatusParams struct {
	StoreType string `json:"store_type"`
}

type StatusOutput struct {
	Status             string         `json:"status"`
	Command            string         `json:"command"`
	Schema             string         `json:"schema"`
	StoreType          string         `json:"store_type"`
	EventCount         int            `json:"event_count"`
	UniqueTaskCount    int            `json:"unique_task_count"`
	UniqueDisputeCount int            `json:"unique_dispute_count"`
	ActiveCursor       *Cursor        `json:"active_cursor"`
	TypeCounts         map[string]int `json:"type_counts"`
	FromSlot           uint64         `json:"from_slot"`
	ToSlot             uint64         `json:"to_slot"`
	Sections           []string       `json:"sections"`
}

// RunStatus summarizes the store.
func (rt *Runtime) RunStatus(ctx context.Context, params StatusParams) any {
	const command = "replay.status"
	started := rt.nowMs()
	if err := rt.Policy.Authorize(command, rt.Actor, rt.Authenticated, true); err != nil {
		rt.audit(command, "denied", string(replay.ErrAccessDenied), started, true, false)
		return rt.errorEnvelope(command, SchemaStatusV1, err)
	}
	records, err := rt.Store.Query(ctx, Filter{})
	if err != nil {
		rt.audit(command, "error", err.Error(), started, true, false)
		return rt.errorEnvelope(command, SchemaStatusV1, err)
	}
	cursor, err := rt.Store.GetCursor(ctx)
	if err != nil {
		rt.audit(command, "error", err.Error(), started, true, false)
		return rt.errorEnvelope(command, SchemaStatusV1, err)
	}

	tasks := make(map[string]struct{})
	disputes := make(map[string]struct{})
	typeCounts := make(map[string]int)
	var fromSlot, toSlot uint64
	for i, r := range records {
		if r.TaskPDA != "" {
			tasks[r.TaskPDA] = struct{}{}
		}
		if r.DisputePDA != "" {
			disputes[r.DisputePDA] = struct{}{}
		}
		typeCounts[string(r.Type)]++
		if i == 0 || r.Slot < fromSlot {
			fromSlot = r.Slot
		}
		if r.Slot > toSlot {
			toSlot = r.Slot
		}
	}
	rt.audit(command, "ok", "", started, true, false)
	return StatusOutput{
		Status:             "ok",
		Command:            command,
		Schema:             SchemaStatusV1,
		StoreType:          rt.StoreType,
		EventCount:         len(records),
		UniqueTaskCount:    len(tasks),
		UniqueDisputeCount: len(disputes),
		ActiveCursor:       cursor,
		TypeCounts:         typeCounts,
		FromSlot:           fromSlot,
		ToSlot:             toSlot,
		Sections:           []string{"counts", "cursor"},
	}
}

// SortedTypeCounts renders type counts in stable order for text output.
func SortedTypeCounts(counts map[string]int) []string {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, fmt.Sprintf("%s=%d", k, counts[k]))
	}
	return out
}
