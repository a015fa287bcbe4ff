package replay

// EventName enumerates the fixed on-chain event taxonomy. The list is the
// ABI of the ingest surface: adding a name is a minor schema bump, removing
// one is a major.
type EventName string

const (
	// Task lifecycle.
	EvTaskCreated          EventName = "task_created"
	EvTaskClaimed          EventName = "task_claimed"
	EvTaskCompleted        EventName = "task_completed"
	EvTaskCancelled        EventName = "task_cancelled"
	EvDependentTaskCreated EventName = "dependent_task_created"

	// Dispute lifecycle.
	EvDisputeInitiated      EventName = "dispute_initiated"
	EvDisputeVoteCast       EventName = "dispute_vote_cast"
	EvDisputeResolved       EventName = "dispute_resolved"
	EvDisputeExpired        EventName = "dispute_expired"
	EvDisputeCancelled      EventName = "dispute_cancelled"
	EvArbiterVotesCleanedUp EventName = "arbiter_votes_cleaned_up"

	// Speculation lifecycle.
	EvSpeculativeCommitmentCreated EventName = "speculative_commitment_created"
	EvBondLocked                   EventName = "bond_locked"
	EvBondReleased                 EventName = "bond_released"
	EvBondSlashed                  EventName = "bond_slashed"
	EvBondDeposited                EventName = "bond_deposited"

	// Agent lifecycle.
	EvAgentRegistered   EventName = "agent_registered"
	EvAgentUpdated      EventName = "agent_updated"
	EvAgentDeregistered EventName = "agent_deregistered"
	EvAgentSuspended    EventName = "agent_suspended"
	EvAgentUnsuspended  EventName = "agent_unsuspended"
	EvReputationChanged EventName = "reputation_changed"

	// Protocol admin.
	EvProtocolInitialized    EventName = "protocol_initialized"
	EvStateUpdated           EventName = "state_updated"
	EvRewardDistributed      EventName = "reward_distributed"
	EvRateLimitHit           EventName = "rate_limit_hit"
	EvRateLimitsUpdated      EventName = "rate_limits_updated"
	EvProtocolFeeUpdated     EventName = "protocol_fee_updated"
	EvMigrationCompleted     EventName = "migration_completed"
	EvProtocolVersionUpdated EventName = "protocol_version_updated"
)

// EventGroup tags the taxonomy group a source event belongs to. Stored
// records carry it as source_event_type for filtered queries.
type EventGroup string

const (
	GroupTask        EventGroup = "task_lifecycle"
	GroupDispute     EventGroup = "dispute_lifecycle"
	GroupSpeculation EventGroup = "speculation"
	GroupAgent       EventGroup = "agent_lifecycle"
	GroupProtocol    EventGroup = "protocol_admin"
)

// ProjectedType is the canonical timeline tag set.
type ProjectedType string

const (
	PtDiscovered           ProjectedType = "discovered"
	PtClaimed              ProjectedType = "claimed"
	PtCompleted            ProjectedType = "completed"
	PtFailed               ProjectedType = "failed"
	PtDisputed             ProjectedType = "disputed"
	PtDisputeInitiated     ProjectedType = "dispute:initiated"
	PtDisputeVoteCast      ProjectedType = "dispute:vote_cast"
	PtDisputeResolved      ProjectedType = "dispute:resolved"
	PtDisputeCancelled     ProjectedType = "dispute:cancelled"
	PtDisputeExpired       ProjectedType = "dispute:expired"
	PtSpeculationStarted   ProjectedType = "speculation_started"
	PtSpeculationConfirmed ProjectedType = "speculation_confirmed"
	PtSpeculationAborted   ProjectedType = "speculation_aborted"
)

// ProtocolProjectedType builds the protocol:* tag for events that have no
// task/dispute/speculation lifecycle meaning.
func ProtocolProjectedType(name EventName) ProjectedType {
	return ProjectedType("protocol:" + string(name))
}

// EventSource carries the on-chain provenance of a typed event.
type EventSource struct {
	EventName   EventName `json:"event_name"`
	Slot        uint64    `json:"slot"`
	Signature   string    `json:"signature"`
	Sequence    uint64    `json:"sequence"`
	TimestampMs int64     `json:"timestamp_ms"`
}

// TypedDomainEvent is a parsed event of the closed taxonomy. Fields holds
// the normalized payload: 32-byte ids as hex or base58 strings, integers as
// native 64-bit, everything else verbatim.
type TypedDomainEvent struct {
	Name   EventName
	Group  EventGroup
	Source EventSource
	Fields map[string]any
}

func (e *TypedDomainEvent) stringField(name string) string {
	if e == nil || e.Fields == nil {
		return ""
	}
	s, _ := e.Fields[name].(string)
	return s
}

// TaskID returns the normalized hex task id, when the event carries one.
func (e *TypedDomainEvent) TaskID() string { return e.stringField("task_id") }

// DisputeID returns the normalized hex dispute id, when present.
func (e *TypedDomainEvent) DisputeID() string { return e.stringField("dispute_id") }

// ProjectedTimelineEvent is the canonical unit of the timeline.
type ProjectedTimelineEvent struct {
	Seq                 uint64         `json:"seq"`
	Type                ProjectedType  `json:"type"`
	TaskPDA             string         `json:"task_pda,omitempty"`
	DisputePDA          string         `json:"dispute_pda,omitempty"`
	Slot                uint64         `json:"slot"`
	Signature           string         `json:"signature"`
	SourceEventName     string         `json:"source_event_name"`
	SourceEventSequence uint64         `json:"source_event_sequence"`
	TimestampMs         int64          `json:"timestamp_ms"`
	Payload             map[string]any `json:"payload"`
	ProjectionHash      string         `json:"projection_hash"`
}

func (ev ProjectedTimelineEvent) canonicalValue() map[string]any {
	m := map[string]any{
		"seq":                   ev.Seq,
		"type":                  string(ev.Type),
		"slot":                  ev.Slot,
		"signature":             ev.Signature,
		"source_event_name":     ev.SourceEventName,
		"source_event_sequence": ev.SourceEventSequence,
		"timestamp_ms":          ev.TimestampMs,
		"payload":               ev.Payload,
		"projection_hash":       ev.ProjectionHash,
	}
	if ev.TaskPDA != "" {
		m["task_pda"] = ev.TaskPDA
	}
	if ev.DisputePDA != "" {
		m["dispute_pda"] = ev.DisputePDA
	}
	return m
}

// GroupOf reports the taxonomy group of a known event name.
func GroupOf(name EventName) (EventGroup, bool) {
	spec, ok := eventSchemas[name]
	if !ok {
		return "", false
	}
	return spec.group, true
}

// KnownEventNames returns the taxonomy in stable (sorted) order.
func KnownEventNames() []EventName {
	names := make([]EventName, 0, len(eventSchemas))
	for name := range eventSchemas {
		names = append(names, name)
	}
	for i := 1; i < len(names); i++ {
		for j := i; j > 0 && names[j] < names[j-1]; j-- {
			names[j], names[j-1] = names[j-1], names[j]
		}
	}
	return names
}
