package service

import (
	"os"
	"path/filepath"
	"testing"

	"agenc.dev/replay/replay"
)

func TestResolveActorChain(t *testing.T) {
	if got := ResolveActor("client-7", "sess-1"); got != "client-7" {
		t.Fatalf("actor = %q", got)
	}
	if got := ResolveActor("", "sess-1"); got != "session_id:sess-1" {
		t.Fatalf("actor = %q", got)
	}
	if got := ResolveActor("", ""); got != "anonymous" {
		t.Fatalf("actor = %q", got)
	}
}

func TestAuthorizeDenylistFirst(t *testing.T) {
	p := DefaultReplayPolicy()
	p.Denylist = []string{"mallory"}
	p.Allowlist = []string{"mallory"} // deny wins even when allowlisted
	err := p.Authorize("replay.status", "mallory", false, true)
	if replay.CodeOf(err) != replay.ErrAccessDenied {
		t.Fatalf("error = %v", err)
	}
}

func TestAuthorizeAllowlist(t *testing.T) {
	p := DefaultReplayPolicy()
	p.Allowlist = []string{"alice"}
	if err := p.Authorize("replay.status", "alice", false, true); err != nil {
		t.Fatalf("allowlisted actor denied: %v", err)
	}
	err := p.Authorize("replay.status", "bob", false, true)
	if replay.CodeOf(err) != replay.ErrAccessDenied {
		t.Fatalf("non-allowlisted actor passed: %v", err)
	}
}

func TestAuthorizeHighRiskGate(t *testing.T) {
	t.Setenv(RequireAuthEnvVar, "true")
	p := DefaultReplayPolicy()

	err := p.Authorize("replay.backfill", "anonymous", false, true)
	if replay.CodeOf(err) != replay.ErrAccessDenied {
		t.Fatalf("unauthenticated backfill allowed: %v", err)
	}
	if err := p.Authorize("replay.backfill", "client-1", true, true); err != nil {
		t.Fatalf("authenticated backfill denied: %v", err)
	}
	// Sealed incident is not high risk; unsealed is.
	if err := p.Authorize("replay.incident", "anonymous", false, true); err != nil {
		t.Fatalf("sealed incident gated: %v", err)
	}
	err = p.Authorize("replay.incident", "anonymous", false, false)
	if replay.CodeOf(err) != replay.ErrAccessDenied {
		t.Fatalf("unsealed incident allowed: %v", err)
	}
	if err := p.Authorize("replay.status", "anonymous", false, true); err != nil {
		t.Fatalf("status gated: %v", err)
	}
}

func TestAuthorizeHighRiskGateOff(t *testing.T) {
	t.Setenv(RequireAuthEnvVar, "")
	p := DefaultReplayPolicy()
	if err := p.Authorize("replay.backfill", "anonymous", false, true); err != nil {
		t.Fatalf("gate active without env: %v", err)
	}
}

func TestLoadPolicyYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	body := []byte(`
max_slot_window: 250
max_event_count: 10
allowlist: [alice]
default_redactions: [private_key]
audit_enabled: false
`)
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	p, err := LoadPolicy(path)
	if err != nil {
		t.Fatalf("load policy: %v", err)
	}
	if p.MaxSlotWindow != 250 || p.MaxEventCount != 10 {
		t.Fatalf("caps = %+v", p)
	}
	if len(p.Allowlist) != 1 || p.Allowlist[0] != "alice" {
		t.Fatalf("allowlist = %+v", p.Allowlist)
	}
	if p.AuditEnabled {
		t.Fatalf("audit_enabled override lost")
	}
	if len(p.DefaultRedactions) != 1 || p.DefaultRedactions[0] != "private_key" {
		t.Fatalf("default redactions = %+v", p.DefaultRedactions)
	}
}

func TestLoadPolicyMissingFileDefaults(t *testing.T) {
	p, err := LoadPolicy(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("missing policy errored: %v", err)
	}
	if p.MaxEventCount != DefaultReplayPolicy().MaxEventCount {
		t.Fatalf("defaults not applied: %+v", p)
	}
}

func TestRiskLevel(t *testing.T) {
	if RiskLevel("replay.backfill", true) != "high" {
		t.Fatalf("backfill should be high risk")
	}
	if RiskLevel("replay.incident", false) != "high" {
		t.Fatalf("unsealed incident should be high risk")
	}
	if RiskLevel("replay.compare", true) != "low" {
		t.Fatalf("compare should be low risk")
	}
}
