package replay

import (
	"testing"
)

func projectedFixture(t *testing.T) *ProjectResult {
	t.Helper()
	return mustProject(t, taskLifecycleFixture(), ProjectOptions{Seed: 7, TraceID: "trace-fixture"})
}

func traceFrom(res *ProjectResult) *TrajectoryTrace {
	events := make([]ProjectedTimelineEvent, len(res.Events))
	copy(events, res.Events)
	return &TrajectoryTrace{
		SchemaVersion: 1,
		TraceID:       res.Trace.TraceID,
		Seed:          res.Trace.Seed,
		CreatedAtMs:   res.Trace.CreatedAtMs,
		Events:        events,
	}
}

func TestCompareCleanRoundTrip(t *testing.T) {
	res := projectedFixture(t)
	out := Compare(res.Events, traceFrom(res), CompareOptions{})
	if out.Status != CompareClean {
		t.Fatalf("status = %s, anomalies = %+v", out.Status, out.TopAnomalies)
	}
	if out.MismatchCount != 0 || len(out.AnomalyIDs) != 0 {
		t.Fatalf("clean compare reported %d anomalies", out.MismatchCount)
	}
	if out.ProjectedEventCount != 3 || out.LocalEventCount != 3 {
		t.Fatalf("counts = %d/%d", out.ProjectedEventCount, out.LocalEventCount)
	}
}

func TestCompareMissingEvent(t *testing.T) {
	res := projectedFixture(t)
	local := traceFrom(res)
	// Local trajectory recorded an extra event the projection never saw.
	extra := res.Events[2]
	extra.Type = PtFailed
	extra.Seq = 4
	local.Events = append(local.Events, extra)
	out := Compare(res.Events, local, CompareOptions{})
	if out.Status != CompareMismatched {
		t.Fatalf("status = %s", out.Status)
	}
	if !hasAnomaly(out, AnomalyMissingEvent) {
		t.Fatalf("missing_event not reported: %+v", out.TopAnomalies)
	}
}

func TestCompareUnexpectedEvent(t *testing.T) {
	res := projectedFixture(t)
	local := traceFrom(res)
	local.Events = local.Events[:2] // local never recorded the completion
	out := Compare(res.Events, local, CompareOptions{})
	if !hasAnomaly(out, AnomalyUnexpectedEvent) {
		t.Fatalf("unexpected_event not reported: %+v", out.TopAnomalies)
	}
}

func TestComparePayloadMismatch(t *testing.T) {
	res := projectedFixture(t)
	local := traceFrom(res)
	payload := make(map[string]any, len(local.Events[1].Payload))
	for k, v := range local.Events[1].Payload {
		payload[k] = v
	}
	payload["reward"] = uint64(999)
	local.Events[1].Payload = payload
	out := Compare(res.Events, local, CompareOptions{})
	if !hasAnomaly(out, AnomalyPayloadMismatch) {
		t.Fatalf("payload_mismatch not reported: %+v", out.TopAnomalies)
	}
	var found *Anomaly
	for i := range out.Anomalies {
		if out.Anomalies[i].Code == AnomalyPayloadMismatch {
			found = &out.Anomalies[i]
		}
	}
	if found.Severity != SeverityError {
		t.Fatalf("payload mismatch severity = %s", found.Severity)
	}
	if found.Message == "" || found.AnomalyID == "" || len(found.AnomalyID) != 16 {
		t.Fatalf("anomaly identity incomplete: %+v", found)
	}
}

func TestCompareTypeMismatch(t *testing.T) {
	res := projectedFixture(t)
	local := traceFrom(res)
	local.Events[2].Type = PtFailed
	out := Compare(res.Events, local, CompareOptions{})
	if !hasAnomaly(out, AnomalyTypeMismatch) {
		t.Fatalf("type_mismatch not reported: %+v", out.TopAnomalies)
	}
}

func TestCompareOrderMismatch(t *testing.T) {
	res := projectedFixture(t)
	local := traceFrom(res)
	local.Events[1], local.Events[2] = local.Events[2], local.Events[1]
	local.Events[1].Seq = 2
	local.Events[2].Seq = 3
	out := Compare(res.Events, local, CompareOptions{})
	if !hasAnomaly(out, AnomalyOrderMismatch) {
		t.Fatalf("order_mismatch not reported: %+v", out.TopAnomalies)
	}
}

func TestCompareStrictElevatesWarnings(t *testing.T) {
	res := projectedFixture(t)
	local := traceFrom(res)
	local.Events = local.Events[:2]
	out := Compare(res.Events, local, CompareOptions{Strictness: ModeStrict})
	for _, a := range out.Anomalies {
		if a.Severity == SeverityWarning {
			t.Fatalf("strict mode left warning severity: %+v", a)
		}
	}
	if out.Strictness != ModeStrict {
		t.Fatalf("strictness = %s", out.Strictness)
	}
}

func TestCompareAnomalyIDStableAcrossSeverity(t *testing.T) {
	res := projectedFixture(t)
	local := traceFrom(res)
	local.Events = local.Events[:2]
	lenientOut := Compare(res.Events, local, CompareOptions{})
	strictLocal := traceFrom(res)
	strictLocal.Events = strictLocal.Events[:2]
	strictOut := Compare(res.Events, strictLocal, CompareOptions{Strictness: ModeStrict})
	if len(lenientOut.AnomalyIDs) == 0 || len(lenientOut.AnomalyIDs) != len(strictOut.AnomalyIDs) {
		t.Fatalf("anomaly counts differ: %d vs %d", len(lenientOut.AnomalyIDs), len(strictOut.AnomalyIDs))
	}
	for i := range lenientOut.AnomalyIDs {
		if lenientOut.AnomalyIDs[i] != strictOut.AnomalyIDs[i] {
			t.Fatalf("anomaly id changed with severity at %d", i)
		}
	}
}

func TestCompareWindowFilter(t *testing.T) {
	res := projectedFixture(t)
	out := Compare(res.Events, traceFrom(res), CompareOptions{
		Filter: &CompareFilter{FromSlot: 4, ToSlot: 5},
	})
	if out.ProjectedEventCount != 2 || out.LocalEventCount != 2 {
		t.Fatalf("window filter counts = %d/%d", out.ProjectedEventCount, out.LocalEventCount)
	}
	if out.Status != CompareClean {
		t.Fatalf("windowed compare mismatched: %+v", out.TopAnomalies)
	}
}

func TestCompareTopAnomaliesBounded(t *testing.T) {
	res := projectedFixture(t)
	local := &TrajectoryTrace{SchemaVersion: 1, TraceID: "empty"}
	out := Compare(res.Events, local, CompareOptions{TopN: 2})
	if out.MismatchCount != 3 {
		t.Fatalf("mismatch_count = %d", out.MismatchCount)
	}
	if len(out.TopAnomalies) != 2 {
		t.Fatalf("top anomalies = %d", len(out.TopAnomalies))
	}
	if len(out.AnomalyIDs) != 3 {
		t.Fatalf("anomaly ids = %d", len(out.AnomalyIDs))
	}
}

func hasAnomaly(out *CompareResult, code AnomalyCode) bool {
	for _, a := range out.Anomalies {
		if a.Code == code {
			return true
		}
	}
	return false
}
