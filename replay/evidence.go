package replay

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const manifestSchemaVersion = 1

const (
	ManifestFileName = "manifest.json"
	CaseFileName     = "incident-case.jsonl"
	EventsFileName   = "events.jsonl"
)

// SlotCursor is the inclusive slot span recorded in a pack manifest.
type SlotCursor struct {
	Start uint64 `json:"start"`
	End   uint64 `json:"end"`
}

// EvidenceManifest is the tamper-evidence header of a pack.
type EvidenceManifest struct {
	SchemaVersion   int        `json:"schema_version"`
	QueryHash       string     `json:"query_hash"`
	CaseHash        string     `json:"case_hash"`
	EventsHash      string     `json:"events_hash"`
	Sealed          bool       `json:"sealed"`
	SlotCursor      SlotCursor `json:"slot_cursor"`
	Seed            *uint64    `json:"seed,omitempty"`
	ToolFingerprint string     `json:"tool_fingerprint"`
}

// EvidencePack bundles the three artifacts of an incident export.
type EvidencePack struct {
	Manifest EvidenceManifest         `json:"manifest"`
	CaseData *IncidentCase            `json:"case_data"`
	Events   []ProjectedTimelineEvent `json:"events"`
}

// RedactionPolicy is applied by Seal. Redaction is irreversible: hashes are
// recomputed afterwards and the pre-image is discarded.
type RedactionPolicy struct {
	RemoveFields      []string `json:"remove_fields,omitempty"`
	MaskFields        []string `json:"mask_fields,omitempty"`
	TruncateActorKeys int      `json:"truncate_actor_keys,omitempty"`
	HashSignatures    bool     `json:"hash_signatures,omitempty"`
}

const maskedValue = "[MASKED]"

// BuildEvidencePack assembles an unsealed pack over a built case and its
// windowed events. query is the original filter the window was produced
// from; its hash pins the pack to the request.
func BuildEvidencePack(caseData *IncidentCase, events []ProjectedTimelineEvent, query any, seed *uint64, toolVersion string) (*EvidencePack, error) {
	if caseData == nil {
		return nil, errors.New("nil case data")
	}
	queryHash, err := hashCanonicalJSON(query)
	if err != nil {
		return nil, fmt.Errorf("query hash: %w", err)
	}
	caseHash, err := hashCanonicalJSON(caseData)
	if err != nil {
		return nil, fmt.Errorf("case hash: %w", err)
	}
	// The pack owns its own copy of the case so sealing leaves the caller's case untouched.
	caseCopy := *caseData
	caseCopy.Transitions = append(caseData.Transitions[:0:0], caseData.Transitions...)
	caseCopy.ActorMap = append(caseData.ActorMap[:0:0], caseData.ActorMap...)
	pack := &EvidencePack{
		Manifest: EvidenceManifest{
			SchemaVersion: manifestSchemaVersion,
			QueryHash:     queryHash,
			CaseHash:      caseHash,
			EventsHash:    EventsHash(events),
			SlotCursor: SlotCursor{
				Start: caseData.TraceWindow.FromSlot,
				End:   caseData.TraceWindow.ToSlot,
			},
			Seed:            seed,
			ToolFingerprint: ToolFingerprint(toolVersion),
		},
		CaseData: &caseCopy,
		Events:   append([]ProjectedTimelineEvent(nil), events...),
	}
	return pack, nil
}

// Seal applies the redaction policy across the whole pack, marks it sealed
// and recomputes both hashes. Returns the number of redactions applied.
// Sealing is single-shot; sealing an already sealed pack is an error.
func (p *EvidencePack) Seal(policy RedactionPolicy) (int, error) {
	if p.Manifest.Sealed {
		return 0, errors.New("pack already sealed")
	}
	r := &redactor{policy: policy}

	for i := range p.Events {
		p.Events[i].Payload = r.redactMap(p.Events[i].Payload)
		if policy.HashSignatures && p.Events[i].Signature != "" {
			p.Events[i].Signature = r.hashValue(p.Events[i].Signature)
		}
	}
	if p.CaseData != nil {
		p.CaseData.Metadata = r.redactMap(p.CaseData.Metadata)
		if policy.TruncateActorKeys > 0 {
			for i := range p.CaseData.ActorMap {
				p.CaseData.ActorMap[i].Pubkey = r.truncate(p.CaseData.ActorMap[i].Pubkey)
			}
		}
		if policy.HashSignatures {
			for i := range p.CaseData.Transitions {
				if p.CaseData.Transitions[i].Signature != "" {
					p.CaseData.Transitions[i].Signature = r.hashValue(p.CaseData.Transitions[i].Signature)
				}
			}
		}
	}

	caseHash, err := hashCanonicalJSON(p.CaseData)
	if err != nil {
		return r.count, err
	}
	p.Manifest.CaseHash = caseHash
	p.Manifest.EventsHash = EventsHash(p.Events)
	p.Manifest.Sealed = true
	return r.count, nil
}

type redactor struct {
	policy RedactionPolicy
	count  int
}

func (r *redactor) redactMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if r.has(r.policy.RemoveFields, k) {
			r.count++
			continue
		}
		if r.has(r.policy.MaskFields, k) {
			r.count++
			out[k] = maskedValue
			continue
		}
		out[k] = r.redactValue(k, v)
	}
	return out
}

func (r *redactor) redactValue(key string, v any) any {
	switch x := v.(type) {
	case map[string]any:
		return r.redactMap(x)
	case []any:
		out := make([]any, len(x))
		for i := range x {
			out[i] = r.redactValue("", x[i])
		}
		return out
	case string:
		if r.policy.HashSignatures && key == "signature" && x != "" {
			return r.hashValue(x)
		}
		if r.policy.TruncateActorKeys > 0 && actorFieldRoles[key] != "" {
			return r.truncate(x)
		}
		return x
	}
	return v
}

func (r *redactor) hashValue(s string) string {
	r.count++
	return "[REDACTED:" + Sha256Hex([]byte(s))[:16] + "]"
}

func (r *redactor) truncate(s string) string {
	n := r.policy.TruncateActorKeys
	if n <= 0 || len(s) <= n {
		return s
	}
	r.count++
	return s[:n] + "..."
}

func (r *redactor) has(list []string, key string) bool {
	for _, f := range list {
		if f == key {
			return true
		}
	}
	return false
}

// VerifyReport carries the per-check outcome of an integrity verification.
type VerifyReport struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// VerifyEvidencePackIntegrity recomputes both content hashes against the
// manifest. Any mutated byte in case data or events flips the matching
// check.
func VerifyEvidencePackIntegrity(p *EvidencePack) VerifyReport {
	report := VerifyReport{Valid: true}
	fail := func(msg string) {
		report.Valid = false
		report.Errors = append(report.Errors, msg)
	}
	caseHash, err := hashCanonicalJSON(p.CaseData)
	if err != nil {
		fail(fmt.Sprintf("Case hash unavailable: %v", err))
	} else if caseHash != p.Manifest.CaseHash {
		fail("Case hash mismatch")
	}
	if EventsHash(p.Events) != p.Manifest.EventsHash {
		fail("Events hash mismatch")
	}
	return report
}

// hashCanonicalJSON hashes any JSON-marshalable value through the canonical
// serializer, so field order and integer width never affect the digest.
func hashCanonicalJSON(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	val, err := CanonicalParse(string(raw))
	if err != nil {
		return "", err
	}
	return Sha256Hex(CanonicalBytes(val)), nil
}

// WriteEvidencePack emits the three artifacts under dir, each newline
// terminated and canonically serialized.
func WriteEvidencePack(dir string, p *EvidencePack) error {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	manifest, err := canonicalJSONLine(p.Manifest)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(dir, ManifestFileName), manifest, 0o600); err != nil {
		return err
	}
	caseLine, err := canonicalJSONLine(p.CaseData)
	if err != nil {
		return fmt.Errorf("encode case: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(dir, CaseFileName), caseLine, 0o600); err != nil {
		return err
	}
	var events []byte
	for i := range p.Events {
		events = AppendCanonical(events, p.Events[i].canonicalValue())
		events = append(events, '\n')
	}
	return writeFileAtomic(filepath.Join(dir, EventsFileName), events, 0o600)
}

// ReadEvidencePack loads a pack previously written with WriteEvidencePack.
func ReadEvidencePack(dir string) (*EvidencePack, error) {
	manifestRaw, err := os.ReadFile(filepath.Join(dir, ManifestFileName))
	if err != nil {
		return nil, Wrap(ErrEvidenceIntegrity, "read manifest", err)
	}
	var manifest EvidenceManifest
	if err := json.Unmarshal(manifestRaw, &manifest); err != nil {
		return nil, Wrap(ErrEvidenceIntegrity, "decode manifest", err)
	}
	caseRaw, err := os.ReadFile(filepath.Join(dir, CaseFileName))
	if err != nil {
		return nil, Wrap(ErrEvidenceIntegrity, "read case", err)
	}
	var caseData IncidentCase
	if err := json.Unmarshal(caseRaw, &caseData); err != nil {
		return nil, Wrap(ErrEvidenceIntegrity, "decode case", err)
	}
	pack := &EvidencePack{Manifest: manifest, CaseData: &caseData}

	f, err := os.Open(filepath.Join(dir, EventsFileName))
	if err != nil {
		return nil, Wrap(ErrEvidenceIntegrity, "read events", err)
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev ProjectedTimelineEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			return nil, Wrap(ErrEvidenceIntegrity, "decode event line", err)
		}
		pack.Events = append(pack.Events, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, Wrap(ErrEvidenceIntegrity, "scan events", err)
	}
	return pack, nil
}

func canonicalJSONLine(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	val, err := CanonicalParse(string(raw))
	if err != nil {
		return nil, err
	}
	return append(CanonicalBytes(val), '\n'), nil
}
