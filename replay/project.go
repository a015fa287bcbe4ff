package replay

import (
	"fmt"
	"sort"
)

// Mode selects the projection failure policy.
type Mode string

const (
	ModeLenient Mode = "lenient"
	ModeStrict  Mode = "strict"
)

// ProjectionTelemetry counts the non-fatal observations of a lenient run.
type ProjectionTelemetry struct {
	ProjectedEvents      int `json:"projected_events"`
	DuplicatesDropped    int `json:"duplicates_dropped"`
	MalformedInputs      int `json:"malformed_inputs"`
	UnknownEvents        int `json:"unknown_events"`
	TransitionConflicts  int `json:"transition_conflicts"`
	TransitionViolations int `json:"transition_violations"`
}

// TrajectoryTrace is the replayable form of a projection run, also the
// locally recorded shape the comparison service consumes.
type TrajectoryTrace struct {
	SchemaVersion int                      `json:"schema_version"`
	TraceID       string                   `json:"trace_id"`
	Seed          uint64                   `json:"seed"`
	CreatedAtMs   int64                    `json:"created_at_ms"`
	Events        []ProjectedTimelineEvent `json:"events"`
}

// ProjectOptions carry the deterministic inputs of a run. CreatedAtMs is
// injected; the projector never reads a clock.
type ProjectOptions struct {
	Mode        Mode
	TraceID     string
	Seed        uint64
	CreatedAtMs int64
}

// ProjectResult is the full output of a projection run.
type ProjectResult struct {
	Trace     TrajectoryTrace
	Events    []ProjectedTimelineEvent
	Telemetry ProjectionTelemetry
}

// lifecycle projection targets per source event. Events absent here project
// to protocol:<name>.
var projectedTypeOf = map[EventName]ProjectedType{
	EvTaskCreated:                  PtDiscovered,
	EvDependentTaskCreated:         PtDiscovered,
	EvTaskClaimed:                  PtClaimed,
	EvTaskCompleted:                PtCompleted,
	EvTaskCancelled:                PtFailed,
	EvDisputeInitiated:             PtDisputeInitiated,
	EvDisputeVoteCast:              PtDisputeVoteCast,
	EvDisputeResolved:              PtDisputeResolved,
	EvDisputeExpired:               PtDisputeExpired,
	EvDisputeCancelled:             PtDisputeCancelled,
	EvSpeculativeCommitmentCreated: PtSpeculationStarted,
	EvBondReleased:                 PtSpeculationConfirmed,
	EvBondSlashed:                  PtSpeculationAborted,
}

type projectedEntry struct {
	typ     ProjectedType
	taskPDA string
	dispPDA string
	ev      *TypedDomainEvent
	raw     RawOnChainEvent
}

// Project turns raw on-chain events into the canonical ordered timeline.
// Given the same inputs, trace id and seed, output bytes are identical
// across runs and platforms.
func Project(inputs []RawOnChainEvent, opts ProjectOptions) (*ProjectResult, error) {
	if opts.Mode == "" {
		opts.Mode = ModeLenient
	}
	tel := ProjectionTelemetry{}

	type ingestKey struct {
		slot uint64
		sig  string
		name string
	}
	seen := make(map[ingestKey]struct{}, len(inputs))

	entries := make([]projectedEntry, 0, len(inputs))
	for _, raw := range inputs {
		name := NormalizeEventName(raw.EventName)
		key := ingestKey{slot: raw.Slot, sig: raw.Signature, name: string(name)}
		if _, dup := seen[key]; dup {
			tel.DuplicatesDropped++
			continue
		}
		seen[key] = struct{}{}

		typed, known, err := ParseEvent(raw)
		if !known {
			tel.UnknownEvents++
			continue
		}
		if err != nil {
			tel.MalformedInputs++
			if opts.Mode == ModeStrict {
				fail := err.(*ParseFailure)
				return nil, Errf(ErrParseFailed, "%s:%s@%s: %s",
					fail.Category, raw.EventName, raw.Signature, fail.Reason())
			}
			continue
		}

		typ, ok := projectedTypeOf[typed.Name]
		if !ok {
			typ = ProtocolProjectedType(typed.Name)
		}
		entries = append(entries, projectedEntry{
			typ:     typ,
			taskPDA: typed.TaskID(),
			dispPDA: typed.DisputeID(),
			ev:      typed,
			raw:     raw,
		})
	}

	sortEntries(entries)

	tasks := newMachineState(taskMachine)
	disputes := newMachineState(disputeMachine)
	speculations := newMachineState(speculationMachine)

	out := make([]ProjectedTimelineEvent, 0, len(entries))
	for _, e := range entries {
		if err := applyMachines(e, tasks, disputes, speculations, &tel, opts.Mode); err != nil {
			return nil, err
		}
		out = append(out, buildProjected(e))

		// A dispute initiation also moves its task to disputed when the
		// task machine permits; both projections are emitted.
		if e.typ == PtDisputeInitiated && e.taskPDA != "" {
			if taskMachine.allows(tasks.state(e.taskPDA), PtDisputed) {
				tasks.apply(e.taskPDA, PtDisputed)
				side := e
				side.typ = PtDisputed
				out = append(out, buildProjected(side))
			}
		}
	}

	for i := range out {
		out[i].Seq = uint64(i + 1)
		out[i].ProjectionHash = ProjectionHash(out[i])
	}
	tel.ProjectedEvents = len(out)

	traceID := opts.TraceID
	if traceID == "" {
		traceID = deriveTraceID(opts.Seed)
	}
	res := &ProjectResult{
		Trace: TrajectoryTrace{
			SchemaVersion: 1,
			TraceID:       traceID,
			Seed:          opts.Seed,
			CreatedAtMs:   opts.CreatedAtMs,
			Events:        out,
		},
		Events:    out,
		Telemetry: tel,
	}
	return res, nil
}

func applyMachines(e projectedEntry, tasks, disputes, speculations *machineState, tel *ProjectionTelemetry, mode Mode) error {
	var m *machineState
	var entity string
	switch {
	case e.typ == PtDiscovered || e.typ == PtClaimed || e.typ == PtCompleted ||
		e.typ == PtFailed || e.typ == PtDisputed:
		m, entity = tasks, e.taskPDA
	case e.typ == PtDisputeInitiated || e.typ == PtDisputeVoteCast ||
		e.typ == PtDisputeResolved || e.typ == PtDisputeCancelled || e.typ == PtDisputeExpired:
		m, entity = disputes, e.dispPDA
	case e.typ == PtSpeculationStarted || e.typ == PtSpeculationConfirmed ||
		e.typ == PtSpeculationAborted:
		m, entity = speculations, e.taskPDA
	default:
		return nil // protocol:* carries no lifecycle
	}
	if entity == "" {
		return nil
	}
	from, outcome := m.apply(entity, e.typ)
	switch outcome {
	case transitionConflict:
		tel.TransitionConflicts++
	case transitionViolation:
		tel.TransitionViolations++
	default:
		return nil
	}
	if mode == ModeStrict {
		return Errf(ErrProjectionStrictFailure, "%s:%s@%s: invalid_transition %s -> %s",
			m.table.kind, e.raw.EventName, e.raw.Signature, stateLabel(from), e.typ)
	}
	return nil
}

func stateLabel(s ProjectedType) string {
	if s == "" {
		return "<none>"
	}
	return string(s)
}

func buildProjected(e projectedEntry) ProjectedTimelineEvent {
	payload := make(map[string]any, len(e.ev.Fields)+1)
	for k, v := range e.ev.Fields {
		payload[k] = v
	}
	payload["onchain"] = map[string]any{
		"signature":  e.raw.Signature,
		"slot":       e.raw.Slot,
		"event_type": string(e.ev.Name),
	}
	return ProjectedTimelineEvent{
		Type:                e.typ,
		TaskPDA:             e.taskPDA,
		DisputePDA:          e.dispPDA,
		Slot:                e.raw.Slot,
		Signature:           e.raw.Signature,
		SourceEventName:     string(e.ev.Name),
		SourceEventSequence: e.raw.SourceEventSequence,
		TimestampMs:         e.raw.TimestampMs,
		Payload:             payload,
	}
}

// sortEntries applies the total projection order: slot, signature, source
// event name, source sequence, type, then task pda with empty sorting last.
func sortEntries(entries []projectedEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.raw.Slot != b.raw.Slot {
			return a.raw.Slot < b.raw.Slot
		}
		if a.raw.Signature != b.raw.Signature {
			return a.raw.Signature < b.raw.Signature
		}
		if a.ev.Name != b.ev.Name {
			return a.ev.Name < b.ev.Name
		}
		if a.raw.SourceEventSequence != b.raw.SourceEventSequence {
			return a.raw.SourceEventSequence < b.raw.SourceEventSequence
		}
		if a.typ != b.typ {
			return a.typ < b.typ
		}
		return taskPDALess(a.taskPDA, b.taskPDA)
	})
}

func taskPDALess(a, b string) bool {
	if a == "" {
		return false
	}
	if b == "" {
		return true
	}
	return a < b
}

func deriveTraceID(seed uint64) string {
	return "trace-" + Sha256Hex([]byte(fmt.Sprintf("replay-trace:%d", seed)))[:16]
}
