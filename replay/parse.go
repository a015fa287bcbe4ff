package replay

import (
	"fmt"
	"strconv"
	"strings"
)

// RawOnChainEvent is the shape handed over by the RPC collaborator. Event is
// the decoded payload; its field forms vary per event name and are
// normalized here, exactly once.
type RawOnChainEvent struct {
	EventName           string         `json:"event_name"`
	Slot                uint64         `json:"slot"`
	Signature           string         `json:"signature"`
	TimestampMs         int64          `json:"timestamp_ms"`
	SourceEventSequence uint64         `json:"source_event_sequence"`
	Event               map[string]any `json:"event"`
}

// FailureKind is the fixed parse failure classification.
type FailureKind string

const (
	FailMissingField FailureKind = "missing_field"
	FailWrongArity   FailureKind = "wrong_arity"
	FailInvalidBytes FailureKind = "invalid_bytes"
)

// ParseFailure reports why a raw event failed its schema.
type ParseFailure struct {
	Kind     FailureKind
	Event    string // raw event name as received
	Category string // state-machine category: task|dispute|speculation|agent|protocol
	Field    string
}

func (e *ParseFailure) Error() string {
	return fmt.Sprintf("%s %s.%s", e.Kind, e.Event, e.Field)
}

// Reason renders the compact reason used in strict-mode failure messages,
// e.g. "missing_task_id".
func (e *ParseFailure) Reason() string {
	switch e.Kind {
	case FailMissingField:
		return "missing_" + e.Field
	case FailWrongArity:
		return "wrong_arity_" + e.Field
	default:
		return "invalid_bytes_" + e.Field
	}
}

type fieldKind int

const (
	fkHash32 fieldKind = iota // 32-byte id rendered lowercase hex
	fkPubkey                  // 32-byte account address rendered base58
	fkU64
	fkI64
	fkU32
	fkU16
	fkString
	fkBool
)

type fieldSpec struct {
	name     string
	kind     fieldKind
	optional bool
}

type eventSchema struct {
	group    EventGroup
	category string
	fields   []fieldSpec
}

func req(name string, kind fieldKind) fieldSpec { return fieldSpec{name: name, kind: kind} }
func opt(name string, kind fieldKind) fieldSpec {
	return fieldSpec{name: name, kind: kind, optional: true}
}

// eventSchemas is the exhaustive, fixed taxonomy. Field kinds decide the
// one-shot id rendering: hash-like 32-byte ids to hex, account addresses to
// base58.
var eventSchemas = map[EventName]eventSchema{
	EvTaskCreated: {GroupTask, "task", []fieldSpec{
		req("task_id", fkHash32), req("creator", fkPubkey), req("reward", fkU64),
		opt("deadline", fkI64), opt("task_type", fkString),
	}},
	EvTaskClaimed: {GroupTask, "task", []fieldSpec{
		req("task_id", fkHash32), req("worker", fkPubkey),
		opt("bond", fkU64), opt("claimed_at", fkI64),
	}},
	EvTaskCompleted: {GroupTask, "task", []fieldSpec{
		req("task_id", fkHash32), req("worker", fkPubkey),
		opt("result_hash", fkHash32), opt("reward", fkU64),
	}},
	EvTaskCancelled: {GroupTask, "task", []fieldSpec{
		req("task_id", fkHash32), opt("authority", fkPubkey), opt("reason", fkString),
	}},
	EvDependentTaskCreated: {GroupTask, "task", []fieldSpec{
		req("task_id", fkHash32), req("parent_task_id", fkHash32),
		req("creator", fkPubkey), opt("reward", fkU64),
	}},

	EvDisputeInitiated: {GroupDispute, "dispute", []fieldSpec{
		req("dispute_id", fkHash32), req("task_id", fkHash32), req("initiator", fkPubkey),
		opt("defendant", fkPubkey), opt("stake", fkU64),
	}},
	EvDisputeVoteCast: {GroupDispute, "dispute", []fieldSpec{
		req("dispute_id", fkHash32), req("voter", fkPubkey),
		opt("vote", fkString), opt("weight", fkU64),
	}},
	EvDisputeResolved: {GroupDispute, "dispute", []fieldSpec{
		req("dispute_id", fkHash32), opt("outcome", fkString), opt("winner", fkPubkey),
	}},
	EvDisputeExpired: {GroupDispute, "dispute", []fieldSpec{
		req("dispute_id", fkHash32), opt("expired_at", fkI64),
	}},
	EvDisputeCancelled: {GroupDispute, "dispute", []fieldSpec{
		req("dispute_id", fkHash32), opt("authority", fkPubkey),
	}},
	EvArbiterVotesCleanedUp: {GroupDispute, "dispute", []fieldSpec{
		req("dispute_id", fkHash32), opt("arbiter", fkPubkey), opt("votes_removed", fkU64),
	}},

	EvSpeculativeCommitmentCreated: {GroupSpeculation, "speculation", []fieldSpec{
		req("task_id", fkHash32), req("producer", fkPubkey),
		opt("commitment", fkPubkey), opt("amount", fkU64),
	}},
	EvBondLocked: {GroupSpeculation, "speculation", []fieldSpec{
		req("task_id", fkHash32), req("agent", fkPubkey), req("amount", fkU64),
	}},
	EvBondReleased: {GroupSpeculation, "speculation", []fieldSpec{
		req("task_id", fkHash32), req("agent", fkPubkey), opt("amount", fkU64),
	}},
	EvBondSlashed: {GroupSpeculation, "speculation", []fieldSpec{
		req("task_id", fkHash32), req("agent", fkPubkey), opt("amount", fkU64),
		opt("recipient", fkPubkey),
	}},
	EvBondDeposited: {GroupSpeculation, "speculation", []fieldSpec{
		req("agent", fkPubkey), req("amount", fkU64),
	}},

	EvAgentRegistered: {GroupAgent, "agent", []fieldSpec{
		req("agent_id", fkHash32), req("agent", fkPubkey), opt("capabilities", fkU64),
	}},
	EvAgentUpdated: {GroupAgent, "agent", []fieldSpec{
		req("agent_id", fkHash32), opt("agent", fkPubkey), opt("capabilities", fkU64),
	}},
	EvAgentDeregistered: {GroupAgent, "agent", []fieldSpec{
		req("agent_id", fkHash32), opt("agent", fkPubkey),
	}},
	EvAgentSuspended: {GroupAgent, "agent", []fieldSpec{
		req("agent_id", fkHash32), opt("authority", fkPubkey), opt("reason", fkString),
	}},
	EvAgentUnsuspended: {GroupAgent, "agent", []fieldSpec{
		req("agent_id", fkHash32), opt("authority", fkPubkey),
	}},
	EvReputationChanged: {GroupAgent, "agent", []fieldSpec{
		req("agent_id", fkHash32), req("delta", fkI64), opt("new_score", fkU64),
	}},

	EvProtocolInitialized: {GroupProtocol, "protocol", []fieldSpec{
		req("authority", fkPubkey), opt("state_key", fkHash32),
	}},
	EvStateUpdated: {GroupProtocol, "protocol", []fieldSpec{
		req("state_key", fkHash32), opt("updated_by", fkPubkey),
	}},
	EvRewardDistributed: {GroupProtocol, "protocol", []fieldSpec{
		req("recipient", fkPubkey), req("amount", fkU64), opt("treasury", fkPubkey),
	}},
	EvRateLimitHit: {GroupProtocol, "protocol", []fieldSpec{
		opt("agent", fkPubkey), opt("limit", fkU64), opt("window_ms", fkU64),
	}},
	EvRateLimitsUpdated: {GroupProtocol, "protocol", []fieldSpec{
		opt("updater", fkPubkey), opt("max_per_window", fkU64), opt("window_ms", fkU64),
	}},
	EvProtocolFeeUpdated: {GroupProtocol, "protocol", []fieldSpec{
		req("fee_bps", fkU64), opt("authority", fkPubkey),
	}},
	EvMigrationCompleted: {GroupProtocol, "protocol", []fieldSpec{
		opt("authority", fkPubkey), opt("version", fkU64),
	}},
	EvProtocolVersionUpdated: {GroupProtocol, "protocol", []fieldSpec{
		req("version", fkU64), opt("authority", fkPubkey),
	}},
}

// NormalizeEventName folds camelCase wire names onto the snake_case
// taxonomy. Unknown names pass through unchanged and are flagged by the
// projector as unknown_events.
func NormalizeEventName(raw string) EventName {
	name := strings.TrimSpace(raw)
	if _, ok := eventSchemas[EventName(name)]; ok {
		return EventName(name)
	}
	var b strings.Builder
	for i, r := range name {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r - 'A' + 'a')
			continue
		}
		b.WriteRune(r)
	}
	return EventName(b.String())
}

// ParseEvent turns a raw on-chain event into a typed domain event. A return
// of (nil, true, nil) never happens: unknown names return a nil event with
// ok=false and no failure, schema failures return *ParseFailure.
func ParseEvent(raw RawOnChainEvent) (*TypedDomainEvent, bool, error) {
	name := NormalizeEventName(raw.EventName)
	schema, ok := eventSchemas[name]
	if !ok {
		return nil, false, nil
	}

	fields := make(map[string]any, len(schema.fields))
	for _, spec := range schema.fields {
		v, present := raw.Event[spec.name]
		if !present || v == nil {
			if spec.optional {
				continue
			}
			return nil, true, &ParseFailure{
				Kind: FailMissingField, Event: raw.EventName,
				Category: schema.category, Field: spec.name,
			}
		}
		norm, err := normalizeField(spec, v)
		if err != nil {
			fail := &ParseFailure{
				Kind: FailInvalidBytes, Event: raw.EventName,
				Category: schema.category, Field: spec.name,
			}
			if strings.HasPrefix(err.Error(), "wrong_arity") {
				fail.Kind = FailWrongArity
			}
			return nil, true, fail
		}
		fields[spec.name] = norm
	}

	return &TypedDomainEvent{
		Name:  name,
		Group: schema.group,
		Source: EventSource{
			EventName:   name,
			Slot:        raw.Slot,
			Signature:   raw.Signature,
			Sequence:    raw.SourceEventSequence,
			TimestampMs: raw.TimestampMs,
		},
		Fields: fields,
	}, true, nil
}

func normalizeField(spec fieldSpec, v any) (any, error) {
	switch spec.kind {
	case fkHash32:
		b, err := DecodeBytes32(v)
		if err != nil {
			return nil, err
		}
		return RenderHash32(b), nil
	case fkPubkey:
		b, err := DecodeBytes32(v)
		if err != nil {
			return nil, err
		}
		return RenderPubkey(b), nil
	case fkU64:
		n, ok := asUint64(v)
		if !ok {
			return nil, fmt.Errorf("invalid_bytes: not a u64")
		}
		return n, nil
	case fkI64:
		n, ok := asInt64(v)
		if !ok {
			return nil, fmt.Errorf("invalid_bytes: not an i64")
		}
		return n, nil
	case fkU32:
		n, ok := asUint64(v)
		if !ok || n > 1<<32-1 {
			return nil, fmt.Errorf("invalid_bytes: not a u32")
		}
		return uint64(uint32(n)), nil
	case fkU16:
		n, ok := asUint64(v)
		if !ok || n > 1<<16-1 {
			return nil, fmt.Errorf("invalid_bytes: not a u16")
		}
		return uint64(uint16(n)), nil
	case fkBool:
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("invalid_bytes: not a bool")
		}
		return b, nil
	default:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("invalid_bytes: not a string")
		}
		return s, nil
	}
}

// asUint64 accepts the numeric forms a decoded payload may carry; 64-bit
// values arriving as decimal strings are restored exactly, never through a
// float path.
func asUint64(v any) (uint64, bool) {
	switch x := v.(type) {
	case uint64:
		return x, true
	case uint32:
		return uint64(x), true
	case uint16:
		return uint64(x), true
	case uint8:
		return uint64(x), true
	case uint:
		return uint64(x), true
	case int:
		if x < 0 {
			return 0, false
		}
		return uint64(x), true
	case int64:
		if x < 0 {
			return 0, false
		}
		return uint64(x), true
	case float64:
		if x < 0 || x != float64(uint64(x)) {
			return 0, false
		}
		return uint64(x), true
	case string:
		n, err := strconv.ParseUint(x, 10, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	}
	if num, ok := jsonNumberString(v); ok {
		n, err := strconv.ParseUint(num, 10, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	}
	return 0, false
}

func asInt64(v any) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case int:
		return int64(x), true
	case int32:
		return int64(x), true
	case uint64:
		if x > 1<<63-1 {
			return 0, false
		}
		return int64(x), true
	case float64:
		if x != float64(int64(x)) {
			return 0, false
		}
		return int64(x), true
	case string:
		n, err := strconv.ParseInt(x, 10, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	}
	if num, ok := jsonNumberString(v); ok {
		n, err := strconv.ParseInt(num, 10, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	}
	return 0, false
}

func jsonNumberString(v any) (string, bool) {
	type stringer interface{ String() string }
	if s, ok := v.(stringer); ok {
		return s.String(), true
	}
	return "", false
}
