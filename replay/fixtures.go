package replay

// Deterministic fixtures shared by the conformance tests and the
// gen-replay-fixtures generator.

// ChaosFixtureSeed is the seed pinned by the chaos conformance stream.
const ChaosFixtureSeed uint64 = 777

func fixtureBytes32(fill byte) string {
	b := make([]byte, 64)
	const digits = "0123456789abcdef"
	for i := 0; i < 64; i += 2 {
		b[i] = digits[fill>>4]
		b[i+1] = digits[fill&0xF]
	}
	return string(b)
}

// ChaosFixtureEvents is a 10-event stream exercising duplication, unknown
// events, an illegal completion, a dispute with its parallel task
// transition, and a speculation lifecycle.
func ChaosFixtureEvents() []RawOnChainEvent {
	taskA := fixtureBytes32(0x01)
	taskB := fixtureBytes32(0x02)
	disputeD := fixtureBytes32(0x0D)
	creator := fixtureBytes32(0xAA)
	worker := fixtureBytes32(0xBB)
	initiator := fixtureBytes32(0xCC)
	producer := fixtureBytes32(0xDD)

	return []RawOnChainEvent{
		{EventName: "task_created", Slot: 10, Signature: "SIG_A1", TimestampMs: 1_700_000_010_000, SourceEventSequence: 1,
			Event: map[string]any{"task_id": taskA, "creator": creator, "reward": uint64(500)}},
		{EventName: "task_created", Slot: 11, Signature: "SIG_B1", TimestampMs: 1_700_000_011_000, SourceEventSequence: 2,
			Event: map[string]any{"task_id": taskB, "creator": creator, "reward": uint64(750)}},
		{EventName: "task_claimed", Slot: 12, Signature: "SIG_A2", TimestampMs: 1_700_000_012_000, SourceEventSequence: 3,
			Event: map[string]any{"task_id": taskA, "worker": worker}},
		{EventName: "dispute_initiated", Slot: 13, Signature: "SIG_D1", TimestampMs: 1_700_000_013_000, SourceEventSequence: 4,
			Event: map[string]any{"dispute_id": disputeD, "task_id": taskA, "initiator": initiator}},
		{EventName: "dispute_initiated", Slot: 13, Signature: "SIG_D1", TimestampMs: 1_700_000_013_000, SourceEventSequence: 4,
			Event: map[string]any{"dispute_id": disputeD, "task_id": taskA, "initiator": initiator}},
		{EventName: "task_completed", Slot: 14, Signature: "SIG_A3", TimestampMs: 1_700_000_014_000, SourceEventSequence: 5,
			Event: map[string]any{"task_id": taskA, "worker": worker}},
		{EventName: "mystery_event", Slot: 15, Signature: "SIG_UNK", TimestampMs: 1_700_000_015_000, SourceEventSequence: 6,
			Event: map[string]any{"whatever": "ignored"}},
		{EventName: "task_completed", Slot: 16, Signature: "SIG_B2", TimestampMs: 1_700_000_016_000, SourceEventSequence: 7,
			Event: map[string]any{"task_id": taskB, "worker": worker}},
		{EventName: "speculative_commitment_created", Slot: 17, Signature: "SIG_S1", TimestampMs: 1_700_000_017_000, SourceEventSequence: 8,
			Event: map[string]any{"task_id": taskB, "producer": producer}},
		{EventName: "bond_released", Slot: 18, Signature: "SIG_S2", TimestampMs: 1_700_000_018_000, SourceEventSequence: 9,
			Event: map[string]any{"task_id": taskB, "agent": producer}},
	}
}
