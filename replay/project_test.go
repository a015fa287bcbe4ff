package replay

import (
	"errors"
	"math/rand"
	"strings"
	"testing"
)

func mustProject(t *testing.T, inputs []RawOnChainEvent, opts ProjectOptions) *ProjectResult {
	t.Helper()
	res, err := Project(inputs, opts)
	if err != nil {
		t.Fatalf("project: %v", err)
	}
	return res
}

func typesOf(events []ProjectedTimelineEvent) []ProjectedType {
	out := make([]ProjectedType, len(events))
	for i := range events {
		out[i] = events[i].Type
	}
	return out
}

func sameTypes(a, b []ProjectedType) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func taskLifecycleFixture() []RawOnChainEvent {
	taskID := hex32(0x01)
	return []RawOnChainEvent{
		{EventName: "task_created", Slot: 2, Signature: "SIG_1", TimestampMs: 1000, SourceEventSequence: 1,
			Event: map[string]any{"task_id": taskID, "creator": hex32(0xAA), "reward": uint64(10)}},
		{EventName: "task_claimed", Slot: 4, Signature: "SIG_2", TimestampMs: 2000, SourceEventSequence: 2,
			Event: map[string]any{"task_id": taskID, "worker": hex32(0xBB)}},
		{EventName: "task_completed", Slot: 5, Signature: "SIG_3", TimestampMs: 3000, SourceEventSequence: 3,
			Event: map[string]any{"task_id": taskID, "worker": hex32(0xBB)}},
	}
}

func TestProjectCleanTaskLifecycle(t *testing.T) {
	res := mustProject(t, taskLifecycleFixture(), ProjectOptions{Seed: 1})
	want := []ProjectedType{PtDiscovered, PtClaimed, PtCompleted}
	if !sameTypes(typesOf(res.Events), want) {
		t.Fatalf("types = %v", typesOf(res.Events))
	}
	for i, ev := range res.Events {
		if ev.Seq != uint64(i+1) {
			t.Fatalf("seq[%d] = %d", i, ev.Seq)
		}
		if ev.ProjectionHash == "" || len(ev.ProjectionHash) != 64 {
			t.Fatalf("projection hash missing at %d", i)
		}
		if ev.TaskPDA != hex32(0x01) {
			t.Fatalf("task_pda = %q", ev.TaskPDA)
		}
	}
	tel := res.Telemetry
	if tel.DuplicatesDropped != 0 || tel.TransitionConflicts != 0 ||
		tel.TransitionViolations != 0 || tel.ProjectedEvents != 3 {
		t.Fatalf("telemetry = %+v", tel)
	}
	onchain := res.Events[0].Payload["onchain"].(map[string]any)
	if onchain["signature"] != "SIG_1" || onchain["event_type"] != "task_created" {
		t.Fatalf("onchain block = %v", onchain)
	}
}

func TestProjectDropsDuplicateDisputeVote(t *testing.T) {
	vote := RawOnChainEvent{
		EventName: "dispute_vote_cast", Slot: 9, Signature: "SIG_V", SourceEventSequence: 4,
		Event: map[string]any{"dispute_id": hex32(0x0D), "voter": hex32(0xCC)},
	}
	res := mustProject(t, []RawOnChainEvent{vote, vote}, ProjectOptions{})
	if res.Telemetry.DuplicatesDropped != 1 {
		t.Fatalf("duplicates_dropped = %d", res.Telemetry.DuplicatesDropped)
	}
	if res.Telemetry.ProjectedEvents != 1 {
		t.Fatalf("projected_events = %d", res.Telemetry.ProjectedEvents)
	}
}

func TestProjectOutOfOrderCompletionLenient(t *testing.T) {
	taskID := hex32(0x03)
	inputs := []RawOnChainEvent{
		{EventName: "task_created", Slot: 1, Signature: "SIG_1", SourceEventSequence: 1,
			Event: map[string]any{"task_id": taskID, "creator": hex32(0xAA), "reward": uint64(1)}},
		{EventName: "task_completed", Slot: 2, Signature: "SIG_2", SourceEventSequence: 2,
			Event: map[string]any{"task_id": taskID, "worker": hex32(0xBB)}},
	}
	res := mustProject(t, inputs, ProjectOptions{})
	if res.Telemetry.ProjectedEvents != 2 {
		t.Fatalf("lenient mode dropped events: %+v", res.Telemetry)
	}
	if res.Telemetry.TransitionViolations != 1 {
		t.Fatalf("transition_violations = %d", res.Telemetry.TransitionViolations)
	}
}

func TestProjectOutOfOrderCompletionStrict(t *testing.T) {
	taskID := hex32(0x03)
	inputs := []RawOnChainEvent{
		{EventName: "task_created", Slot: 1, Signature: "SIG_1", SourceEventSequence: 1,
			Event: map[string]any{"task_id": taskID, "creator": hex32(0xAA), "reward": uint64(1)}},
		{EventName: "task_completed", Slot: 2, Signature: "SIG_2", SourceEventSequence: 2,
			Event: map[string]any{"task_id": taskID, "worker": hex32(0xBB)}},
	}
	_, err := Project(inputs, ProjectOptions{Mode: ModeStrict})
	if err == nil {
		t.Fatalf("strict mode must raise")
	}
	var re *Error
	if !errors.As(err, &re) || re.Code != ErrProjectionStrictFailure {
		t.Fatalf("error = %v", err)
	}
	if !strings.Contains(err.Error(), "task:") || !strings.Contains(err.Error(), "invalid_transition") {
		t.Fatalf("message = %q", err.Error())
	}
}

func TestProjectStrictParseFailureMessage(t *testing.T) {
	inputs := []RawOnChainEvent{{
		EventName: "taskCreated", Slot: 3, Signature: "SIG_MALFORMED", SourceEventSequence: 1,
		Event: map[string]any{"creator": hex32(0xAA), "reward": uint64(1)},
	}}
	_, err := Project(inputs, ProjectOptions{Mode: ModeStrict})
	if err == nil {
		t.Fatalf("strict mode must raise on malformed input")
	}
	if !strings.Contains(err.Error(), "task:taskCreated@SIG_MALFORMED: missing_task_id") {
		t.Fatalf("message = %q", err.Error())
	}
	if CodeOf(err) != ErrParseFailed {
		t.Fatalf("code = %s", CodeOf(err))
	}
}

func TestProjectChaosFixture(t *testing.T) {
	res := mustProject(t, ChaosFixtureEvents(), ProjectOptions{Seed: ChaosFixtureSeed})
	want := []ProjectedType{
		PtDiscovered, PtDiscovered, PtClaimed,
		PtDisputeInitiated, PtDisputed,
		PtCompleted, PtCompleted,
		PtSpeculationStarted, PtSpeculationConfirmed,
	}
	if !sameTypes(typesOf(res.Events), want) {
		t.Fatalf("types = %v\nwant  %v", typesOf(res.Events), want)
	}
	tel := res.Telemetry
	if tel.ProjectedEvents != 9 || tel.DuplicatesDropped != 1 || tel.MalformedInputs != 0 ||
		tel.UnknownEvents != 1 || tel.TransitionConflicts != 0 || tel.TransitionViolations != 1 {
		t.Fatalf("telemetry = %+v", tel)
	}
	// The parallel task projection of a dispute initiation keeps its source
	// identity; it must not be collapsed with the dispute projection.
	if res.Events[3].Signature != res.Events[4].Signature ||
		res.Events[3].SourceEventName != res.Events[4].SourceEventName {
		t.Fatalf("dual projection lost shared source: %+v vs %+v", res.Events[3], res.Events[4])
	}
}

func TestProjectDeterministicAcrossRuns(t *testing.T) {
	first := mustProject(t, ChaosFixtureEvents(), ProjectOptions{Seed: ChaosFixtureSeed})
	second := mustProject(t, ChaosFixtureEvents(), ProjectOptions{Seed: ChaosFixtureSeed})
	if EventsHash(first.Events) != EventsHash(second.Events) {
		t.Fatalf("events hash unstable across runs")
	}
	for i := range first.Events {
		if first.Events[i].ProjectionHash != second.Events[i].ProjectionHash {
			t.Fatalf("projection hash unstable at %d", i)
		}
	}
	if first.Trace.TraceID != second.Trace.TraceID {
		t.Fatalf("trace id unstable")
	}
}

func TestProjectOrderingInvariantUnderPermutation(t *testing.T) {
	base := ChaosFixtureEvents()
	reference := mustProject(t, base, ProjectOptions{Seed: ChaosFixtureSeed})
	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 20; trial++ {
		shuffled := append([]RawOnChainEvent(nil), base...)
		rng.Shuffle(len(shuffled), func(i, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})
		res := mustProject(t, shuffled, ProjectOptions{Seed: ChaosFixtureSeed})
		if EventsHash(res.Events) != EventsHash(reference.Events) {
			t.Fatalf("trial %d: permuted input changed output ordering", trial)
		}
	}
}

func TestProjectOrderingNonDecreasing(t *testing.T) {
	res := mustProject(t, ChaosFixtureEvents(), ProjectOptions{Seed: ChaosFixtureSeed})
	for i := 1; i < len(res.Events); i++ {
		prev, cur := res.Events[i-1], res.Events[i]
		if cur.Slot < prev.Slot {
			t.Fatalf("slot order regressed at %d", i)
		}
		if cur.Slot == prev.Slot && cur.Signature < prev.Signature {
			t.Fatalf("signature order regressed at %d", i)
		}
	}
}

func TestProjectStrictTotality(t *testing.T) {
	// Strict mode either projects everything or raises; it never returns a
	// partial result alongside an error.
	res, err := Project(taskLifecycleFixture(), ProjectOptions{Mode: ModeStrict})
	if err != nil {
		t.Fatalf("clean input raised: %v", err)
	}
	if res.Telemetry.TransitionViolations != 0 || len(res.Events) != 3 {
		t.Fatalf("strict clean run: %+v", res.Telemetry)
	}
	bad := append(taskLifecycleFixture(), RawOnChainEvent{
		EventName: "task_claimed", Slot: 6, Signature: "SIG_4", SourceEventSequence: 4,
		Event: map[string]any{"task_id": hex32(0x01), "worker": hex32(0xBB)},
	})
	if res2, err := Project(bad, ProjectOptions{Mode: ModeStrict}); err == nil {
		t.Fatalf("strict mode returned partial result: %+v", res2.Telemetry)
	}
}
