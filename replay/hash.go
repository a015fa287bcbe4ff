package replay

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
)

func Sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// ProjectionHash computes the stable hash of a projected event. The hash is
// taken after seq assignment, over the canonical serialization of the fixed
// field tuple; optional PDA fields participate only when set.
func ProjectionHash(ev ProjectedTimelineEvent) string {
	m := map[string]any{
		"seq":                   ev.Seq,
		"type":                  string(ev.Type),
		"slot":                  ev.Slot,
		"signature":             ev.Signature,
		"source_event_name":     ev.SourceEventName,
		"source_event_sequence": ev.SourceEventSequence,
		"timestamp_ms":          ev.TimestampMs,
		"payload":               ev.Payload,
	}
	if ev.TaskPDA != "" {
		m["task_pda"] = ev.TaskPDA
	}
	if ev.DisputePDA != "" {
		m["dispute_pda"] = ev.DisputePDA
	}
	return Sha256Hex(CanonicalBytes(m))
}

// CaseID derives the deterministic incident case id: the first 32 hex chars
// of the SHA-256 over the sorted window identity.
func CaseID(fromSlot, toSlot uint64, taskIDs, disputeIDs []string) string {
	tasks := append([]string(nil), taskIDs...)
	disputes := append([]string(nil), disputeIDs...)
	sort.Strings(tasks)
	sort.Strings(disputes)
	full := Sha256Hex(CanonicalBytes(map[string]any{
		"from_slot":   fromSlot,
		"to_slot":     toSlot,
		"task_ids":    tasks,
		"dispute_ids": disputes,
	}))
	return full[:32]
}

// ToolFingerprint identifies the tool build that emitted an artifact.
func ToolFingerprint(version string) string {
	return Sha256Hex([]byte("agenc-replay-tool:" + version))
}

// EventsHash hashes the canonical serialization of a projected event slice.
func EventsHash(events []ProjectedTimelineEvent) string {
	arr := make([]any, len(events))
	for i := range events {
		arr[i] = events[i].canonicalValue()
	}
	return Sha256Hex(CanonicalBytes(arr))
}

// AnomalySetHash hashes the sorted anomaly id set.
func AnomalySetHash(ids []string) string {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	return Sha256Hex(CanonicalBytes(sorted))
}
