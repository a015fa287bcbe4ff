package replay

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func mustBuildPack(t *testing.T) *EvidencePack {
	t.Helper()
	events := mustProject(t, taskLifecycleFixture(), ProjectOptions{Seed: 7}).Events
	caseData := BuildIncidentCase(IncidentInput{Events: events, CreatedAtMs: 42})
	pack, err := BuildEvidencePack(caseData, events, map[string]any{"task_pda": hex32(0x01)}, nil, "1.0.0")
	if err != nil {
		t.Fatalf("build pack: %v", err)
	}
	return pack
}

func TestEvidencePackVerifiesClean(t *testing.T) {
	pack := mustBuildPack(t)
	report := VerifyEvidencePackIntegrity(pack)
	if !report.Valid {
		t.Fatalf("fresh pack invalid: %v", report.Errors)
	}
	if pack.Manifest.Sealed {
		t.Fatalf("fresh pack already sealed")
	}
	if pack.Manifest.SlotCursor.Start != 2 || pack.Manifest.SlotCursor.End != 5 {
		t.Fatalf("slot cursor = %+v", pack.Manifest.SlotCursor)
	}
	if pack.Manifest.ToolFingerprint != ToolFingerprint("1.0.0") {
		t.Fatalf("tool fingerprint mismatch")
	}
}

func TestEvidencePackTamperDetection(t *testing.T) {
	pack := mustBuildPack(t)

	pack.CaseData.CreatedAtMs++
	report := VerifyEvidencePackIntegrity(pack)
	if report.Valid {
		t.Fatalf("case mutation not detected")
	}
	if !containsError(report, "Case hash mismatch") {
		t.Fatalf("errors = %v", report.Errors)
	}
	pack.CaseData.CreatedAtMs--

	pack.Events[1].Slot++
	report = VerifyEvidencePackIntegrity(pack)
	if report.Valid || !containsError(report, "Events hash mismatch") {
		t.Fatalf("event mutation not detected: %v", report.Errors)
	}
}

func TestEvidencePackSealRedactions(t *testing.T) {
	pack := mustBuildPack(t)
	originalSig := pack.Events[0].Signature
	count, err := pack.Seal(RedactionPolicy{
		RemoveFields:      []string{"private_key"},
		TruncateActorKeys: 8,
		HashSignatures:    true,
	})
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if count == 0 {
		t.Fatalf("no redactions applied")
	}
	if !pack.Manifest.Sealed {
		t.Fatalf("manifest not sealed")
	}
	for i, ev := range pack.Events {
		if !strings.HasPrefix(ev.Signature, "[REDACTED:") {
			t.Fatalf("event %d signature not redacted: %q", i, ev.Signature)
		}
		onchain := ev.Payload["onchain"].(map[string]any)
		if !strings.HasPrefix(onchain["signature"].(string), "[REDACTED:") {
			t.Fatalf("payload signature not redacted")
		}
	}
	if pack.Events[0].Signature == originalSig {
		t.Fatalf("signature untouched")
	}
	for _, actor := range pack.CaseData.ActorMap {
		if len(actor.Pubkey) > 11 || !strings.HasSuffix(actor.Pubkey, "...") {
			t.Fatalf("actor key not truncated: %q", actor.Pubkey)
		}
	}
	report := VerifyEvidencePackIntegrity(pack)
	if !report.Valid {
		t.Fatalf("sealed pack fails verification: %v", report.Errors)
	}
	pack.CaseData.CreatedAtMs++
	if VerifyEvidencePackIntegrity(pack).Valid {
		t.Fatalf("sealed pack mutation not detected")
	}
}

func TestEvidencePackSealOnce(t *testing.T) {
	pack := mustBuildPack(t)
	if _, err := pack.Seal(RedactionPolicy{}); err != nil {
		t.Fatalf("first seal: %v", err)
	}
	if _, err := pack.Seal(RedactionPolicy{}); err == nil {
		t.Fatalf("second seal must fail")
	}
}

func TestEvidencePackMaskAndRemoveRecurse(t *testing.T) {
	pack := mustBuildPack(t)
	pack.CaseData.Metadata = map[string]any{
		"nested": map[string]any{"secret": "s3cr3t", "keep": "ok"},
		"list":   []any{map[string]any{"token": "abc"}},
	}
	count, err := pack.Seal(RedactionPolicy{
		RemoveFields: []string{"secret"},
		MaskFields:   []string{"token"},
	})
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if count < 2 {
		t.Fatalf("redaction count = %d", count)
	}
	nested := pack.CaseData.Metadata["nested"].(map[string]any)
	if _, ok := nested["secret"]; ok {
		t.Fatalf("removed field survived")
	}
	if nested["keep"] != "ok" {
		t.Fatalf("unrelated field dropped")
	}
	item := pack.CaseData.Metadata["list"].([]any)[0].(map[string]any)
	if item["token"] != "[MASKED]" {
		t.Fatalf("masked field = %v", item["token"])
	}
}

func TestEvidencePackWriteReadRoundTrip(t *testing.T) {
	pack := mustBuildPack(t)
	dir := filepath.Join(t.TempDir(), "pack")
	if err := WriteEvidencePack(dir, pack); err != nil {
		t.Fatalf("write pack: %v", err)
	}
	for _, name := range []string{ManifestFileName, CaseFileName, EventsFileName} {
		raw, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		if len(raw) == 0 || raw[len(raw)-1] != '\n' {
			t.Fatalf("%s not newline terminated", name)
		}
	}
	back, err := ReadEvidencePack(dir)
	if err != nil {
		t.Fatalf("read pack: %v", err)
	}
	report := VerifyEvidencePackIntegrity(back)
	if !report.Valid {
		t.Fatalf("round-tripped pack invalid: %v", report.Errors)
	}
	if back.Manifest.CaseHash != pack.Manifest.CaseHash ||
		back.Manifest.EventsHash != pack.Manifest.EventsHash {
		t.Fatalf("manifest hashes changed in round trip")
	}
	if len(back.Events) != len(pack.Events) {
		t.Fatalf("event count changed: %d vs %d", len(back.Events), len(pack.Events))
	}
}

func TestEvidencePackReadTamperedFile(t *testing.T) {
	pack := mustBuildPack(t)
	dir := filepath.Join(t.TempDir(), "pack")
	if err := WriteEvidencePack(dir, pack); err != nil {
		t.Fatalf("write pack: %v", err)
	}
	casePath := filepath.Join(dir, CaseFileName)
	raw, err := os.ReadFile(casePath)
	if err != nil {
		t.Fatalf("read case: %v", err)
	}
	mutated := strings.Replace(string(raw), `"created_at_ms":42`, `"created_at_ms":43`, 1)
	if mutated == string(raw) {
		t.Fatalf("fixture assumption broken: created_at_ms not found")
	}
	if err := os.WriteFile(casePath, []byte(mutated), 0o600); err != nil {
		t.Fatalf("write tampered case: %v", err)
	}
	back, err := ReadEvidencePack(dir)
	if err != nil {
		t.Fatalf("read pack: %v", err)
	}
	report := VerifyEvidencePackIntegrity(back)
	if report.Valid || !containsError(report, "Case hash mismatch") {
		t.Fatalf("tampered artifact not detected: %v", report.Errors)
	}
}

func containsError(r VerifyReport, want string) bool {
	for _, e := range r.Errors {
		if e == want {
			return true
		}
	}
	return false
}
