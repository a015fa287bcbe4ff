package replay

import (
	"sort"
)

const caseSchemaVersion = 1

// TraceWindow is the inclusive slot/timestamp span an incident case covers.
type TraceWindow struct {
	FromSlot uint64 `json:"from_slot"`
	ToSlot   uint64 `json:"to_slot"`
	FromTs   int64  `json:"from_ts"`
	ToTs     int64  `json:"to_ts"`
}

// Transition is one observed lifecycle step of a task, dispute or
// speculation within the case window.
type Transition struct {
	Machine         string        `json:"machine"` // task|dispute|speculation
	EntityID        string        `json:"entity_id"`
	From            string        `json:"from"`
	To              ProjectedType `json:"to"`
	Seq             uint64        `json:"seq"`
	Slot            uint64        `json:"slot"`
	Signature       string        `json:"signature"`
	SourceEventName string        `json:"source_event_name"`
	Valid           bool          `json:"valid"`
}

// Actor is a participant pubkey with its strongest observed role.
type Actor struct {
	Pubkey       string `json:"pubkey"`
	Role         string `json:"role"`
	FirstSeenSeq uint64 `json:"first_seen_seq"`
}

type CaseStatus string

const (
	CaseStatusClean   CaseStatus = "clean"
	CaseStatusFlagged CaseStatus = "flagged"
)

// IncidentCase is the hash-stable case view. Instances are built once and
// never mutated; sealing operates on a copy inside the evidence pack.
type IncidentCase struct {
	SchemaVersion  int            `json:"schema_version"`
	CaseID         string         `json:"case_id"`
	CreatedAtMs    int64          `json:"created_at_ms"`
	TraceWindow    TraceWindow    `json:"trace_window"`
	Transitions    []Transition   `json:"transitions"`
	AnomalyIDs     []string       `json:"anomaly_ids"`
	Anomalies      []AnomalyRef   `json:"anomalies"`
	ActorMap       []Actor        `json:"actor_map"`
	EvidenceHashes []string       `json:"evidence_hashes"`
	CaseStatus     CaseStatus     `json:"case_status"`
	TaskIDs        []string       `json:"task_ids"`
	DisputeIDs     []string       `json:"dispute_ids"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// IncidentInput collects everything the builder consumes. CreatedAtMs is
// injected; the builder never reads a clock.
type IncidentInput struct {
	Events      []ProjectedTimelineEvent
	Anomalies   []Anomaly
	FromSlot    *uint64
	ToSlot      *uint64
	Metadata    map[string]any
	CreatedAtMs int64
}

// actorFieldRoles maps payload fields to actor roles, strongest first in
// rolePriority.
var actorFieldRoles = map[string]string{
	"creator":    "creator",
	"worker":     "worker",
	"voter":      "arbiter",
	"arbiter":    "arbiter",
	"authority":  "authority",
	"updater":    "authority",
	"updated_by": "authority",
	"initiator":  "unknown",
	"defendant":  "unknown",
	"recipient":  "unknown",
	"agent":      "unknown",
	"producer":   "unknown",
}

var rolePriority = map[string]int{
	"creator":   4,
	"worker":    3,
	"arbiter":   2,
	"authority": 1,
	"unknown":   0,
}

// actorFieldOrder fixes the scan order so the role assigned when one event
// names the same pubkey under several fields is deterministic.
var actorFieldOrder = []string{
	"creator", "worker", "voter", "arbiter", "authority", "updater",
	"updated_by", "initiator", "defendant", "recipient", "agent", "producer",
}

// BuildIncidentCase derives the deterministic case view of a projected
// window.
func BuildIncidentCase(in IncidentInput) *IncidentCase {
	events := append([]ProjectedTimelineEvent(nil), in.Events...)
	sort.SliceStable(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if a.Seq != b.Seq {
			return a.Seq < b.Seq
		}
		if a.Slot != b.Slot {
			return a.Slot < b.Slot
		}
		if a.TimestampMs != b.TimestampMs {
			return a.TimestampMs < b.TimestampMs
		}
		if a.Signature != b.Signature {
			return a.Signature < b.Signature
		}
		if a.SourceEventName != b.SourceEventName {
			return a.SourceEventName < b.SourceEventName
		}
		if a.Type != b.Type {
			return a.Type < b.Type
		}
		return a.TaskPDA < b.TaskPDA
	})

	window := windowOf(events, in.FromSlot, in.ToSlot)
	windowed := make([]ProjectedTimelineEvent, 0, len(events))
	for _, ev := range events {
		if ev.Slot >= window.FromSlot && ev.Slot <= window.ToSlot {
			windowed = append(windowed, ev)
		}
	}

	transitions := deriveTransitions(windowed)
	actors := deriveActors(windowed)

	taskIDs := uniqueSorted(windowed, func(ev ProjectedTimelineEvent) string { return ev.TaskPDA })
	disputeIDs := uniqueSorted(windowed, func(ev ProjectedTimelineEvent) string { return ev.DisputePDA })

	refs := make([]AnomalyRef, 0, len(in.Anomalies))
	ids := make([]string, 0, len(in.Anomalies))
	for _, a := range in.Anomalies {
		id := a.AnomalyID
		if id == "" {
			id = AnomalyID(a)
		}
		ids = append(ids, id)
		refs = append(refs, AnomalyRef{
			AnomalyID: id,
			Code:      a.Code,
			Severity:  a.Severity,
			Message:   a.Message,
			Seq:       a.Context.Seq,
		})
	}

	hashes := make([]string, 0, len(windowed))
	for _, ev := range windowed {
		hashes = append(hashes, ev.ProjectionHash)
	}

	status := CaseStatusClean
	if len(refs) > 0 {
		status = CaseStatusFlagged
	}
	for _, tr := range transitions {
		if !tr.Valid {
			status = CaseStatusFlagged
			break
		}
	}

	return &IncidentCase{
		SchemaVersion:  caseSchemaVersion,
		CaseID:         CaseID(window.FromSlot, window.ToSlot, taskIDs, disputeIDs),
		CreatedAtMs:    in.CreatedAtMs,
		TraceWindow:    window,
		Transitions:    transitions,
		AnomalyIDs:     ids,
		Anomalies:      refs,
		ActorMap:       actors,
		EvidenceHashes: hashes,
		CaseStatus:     status,
		TaskIDs:        taskIDs,
		DisputeIDs:     disputeIDs,
		Metadata:       in.Metadata,
	}
}

func windowOf(events []ProjectedTimelineEvent, fromOverride, toOverride *uint64) TraceWindow {
	if len(events) == 0 && fromOverride == nil && toOverride == nil {
		return TraceWindow{}
	}
	w := TraceWindow{}
	if len(events) > 0 {
		w.FromSlot = events[0].Slot
		w.ToSlot = events[0].Slot
		w.FromTs = events[0].TimestampMs
		w.ToTs = events[0].TimestampMs
		for _, ev := range events[1:] {
			if ev.Slot < w.FromSlot {
				w.FromSlot = ev.Slot
			}
			if ev.Slot > w.ToSlot {
				w.ToSlot = ev.Slot
			}
			if ev.TimestampMs < w.FromTs {
				w.FromTs = ev.TimestampMs
			}
			if ev.TimestampMs > w.ToTs {
				w.ToTs = ev.TimestampMs
			}
		}
	}
	if fromOverride != nil {
		w.FromSlot = *fromOverride
	}
	if toOverride != nil {
		w.ToSlot = *toOverride
	}
	if w.ToSlot < w.FromSlot {
		w.ToSlot = w.FromSlot
	}
	return w
}

func deriveTransitions(events []ProjectedTimelineEvent) []Transition {
	tasks := newMachineState(taskMachine)
	disputes := newMachineState(disputeMachine)
	speculations := newMachineState(speculationMachine)

	// Explicit disputed projections present in the window; their presence
	// suppresses the builder's own parallel task entry for the same
	// initiation so the transition is not recorded twice.
	explicitDisputed := make(map[string]bool)
	for _, ev := range events {
		if ev.Type == PtDisputed {
			explicitDisputed[ev.Signature] = true
		}
	}

	out := make([]Transition, 0, len(events))
	record := func(m *machineState, machine string, entity string, ev ProjectedTimelineEvent, to ProjectedType) {
		from, outcome := m.apply(entity, to)
		out = append(out, Transition{
			Machine:         machine,
			EntityID:        entity,
			From:            string(from),
			To:              to,
			Seq:             ev.Seq,
			Slot:            ev.Slot,
			Signature:       ev.Signature,
			SourceEventName: ev.SourceEventName,
			Valid:           outcome == transitionOK,
		})
	}

	for _, ev := range events {
		switch ev.Type {
		case PtDiscovered, PtClaimed, PtCompleted, PtFailed, PtDisputed:
			if ev.TaskPDA != "" {
				record(tasks, "task", ev.TaskPDA, ev, ev.Type)
			}
		case PtDisputeInitiated, PtDisputeVoteCast, PtDisputeResolved,
			PtDisputeCancelled, PtDisputeExpired:
			if ev.DisputePDA != "" {
				record(disputes, "dispute", ev.DisputePDA, ev, ev.Type)
			}
			if ev.Type == PtDisputeInitiated && ev.TaskPDA != "" && !explicitDisputed[ev.Signature] {
				if taskMachine.allows(tasks.state(ev.TaskPDA), PtDisputed) {
					record(tasks, "task", ev.TaskPDA, ev, PtDisputed)
				}
			}
		case PtSpeculationStarted, PtSpeculationConfirmed, PtSpeculationAborted:
			if ev.TaskPDA != "" {
				record(speculations, "speculation", ev.TaskPDA, ev, ev.Type)
			}
		}
	}
	return out
}

func deriveActors(events []ProjectedTimelineEvent) []Actor {
	byKey := make(map[string]*Actor)
	for _, ev := range events {
		for _, field := range actorFieldOrder {
			v, ok := ev.Payload[field]
			if !ok {
				continue
			}
			pubkey, ok := v.(string)
			if !ok || pubkey == "" {
				continue
			}
			role := actorFieldRoles[field]
			cur, seen := byKey[pubkey]
			if !seen {
				byKey[pubkey] = &Actor{Pubkey: pubkey, Role: role, FirstSeenSeq: ev.Seq}
				continue
			}
			if rolePriority[role] > rolePriority[cur.Role] {
				cur.Role = role
			}
			if ev.Seq < cur.FirstSeenSeq {
				cur.FirstSeenSeq = ev.Seq
			}
		}
	}
	actors := make([]Actor, 0, len(byKey))
	for _, a := range byKey {
		actors = append(actors, *a)
	}
	sort.SliceStable(actors, func(i, j int) bool {
		if actors[i].FirstSeenSeq != actors[j].FirstSeenSeq {
			return actors[i].FirstSeenSeq < actors[j].FirstSeenSeq
		}
		return actors[i].Pubkey < actors[j].Pubkey
	})
	return actors
}

func uniqueSorted(events []ProjectedTimelineEvent, get func(ProjectedTimelineEvent) string) []string {
	set := make(map[string]struct{})
	for _, ev := range events {
		if id := get(ev); id != "" {
			set[id] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
