package service

import (
	"errors"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"agenc.dev/replay/replay"
)

// ReplayPolicy is the global cap and access policy; per-command caps
// override it. Loaded from YAML, with workable defaults.
type ReplayPolicy struct {
	MaxSlotWindow     uint64   `yaml:"max_slot_window" json:"max_slot_window"`
	MaxEventCount     int      `yaml:"max_event_count" json:"max_event_count"`
	MaxConcurrentJobs int      `yaml:"max_concurrent_jobs" json:"max_concurrent_jobs"`
	MaxToolRuntimeMs  int64    `yaml:"max_tool_runtime_ms" json:"max_tool_runtime_ms"`
	MaxPayloadBytes   int      `yaml:"max_payload_bytes" json:"max_payload_bytes"`
	Allowlist         []string `yaml:"allowlist" json:"allowlist"`
	Denylist          []string `yaml:"denylist" json:"denylist"`
	DefaultRedactions []string `yaml:"default_redactions" json:"default_redactions"`
	AuditEnabled      bool     `yaml:"audit_enabled" json:"audit_enabled"`
}

func DefaultReplayPolicy() ReplayPolicy {
	return ReplayPolicy{
		MaxSlotWindow:     1_000_000,
		MaxEventCount:     100_000,
		MaxConcurrentJobs: 4,
		MaxToolRuntimeMs:  120_000,
		MaxPayloadBytes:   1 << 20,
		AuditEnabled:      true,
	}
}

// LoadPolicy reads a YAML policy file; missing path yields the defaults.
func LoadPolicy(path string) (ReplayPolicy, error) {
	policy := DefaultReplayPolicy()
	if path == "" {
		return policy, nil
	}
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return policy, nil
	}
	if err != nil {
		return policy, err
	}
	if err := yaml.Unmarshal(raw, &policy); err != nil {
		return policy, err
	}
	return policy, nil
}

// Actor resolution order: authenticated client id, then session, then
// anonymous.
func ResolveActor(authClientID, sessionID string) string {
	if authClientID != "" {
		return authClientID
	}
	if sessionID != "" {
		return "session_id:" + sessionID
	}
	return "anonymous"
}

// RequireAuthEnvVar gates high-risk tools behind authenticated actors.
const RequireAuthEnvVar = "REQUIRE_AUTH_FOR_HIGH_RISK"

// highRisk reports whether a tool invocation mutates state or exports
// unredacted data.
func highRisk(tool string, sealed bool) bool {
	switch tool {
	case "replay.backfill":
		return true
	case "replay.incident":
		return !sealed
	}
	return false
}

// Authorize applies denylist, then allowlist, then the high-risk auth gate.
// Failures map to replay.access_denied.
func (p ReplayPolicy) Authorize(tool, actor string, authenticated, sealed bool) error {
	for _, denied := range p.Denylist {
		if denied == actor {
			return replay.Errf(replay.ErrAccessDenied, "actor %s denied", actor)
		}
	}
	if len(p.Allowlist) > 0 {
		allowed := false
		for _, a := range p.Allowlist {
			if a == actor {
				allowed = true
				break
			}
		}
		if !allowed {
			return replay.Errf(replay.ErrAccessDenied, "actor %s not allowlisted", actor)
		}
	}
	if highRisk(tool, sealed) && requireAuthForHighRisk() && !authenticated {
		return replay.Errf(replay.ErrAccessDenied, "%s requires an authenticated actor", tool)
	}
	return nil
}

func requireAuthForHighRisk() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(RequireAuthEnvVar)))
	return v == "1" || v == "true" || v == "yes"
}

// AuditEntry is the per-invocation audit record, emitted as one structured
// log line.
type AuditEntry struct {
	Tool          string `json:"tool"`
	Actor         string `json:"actor"`
	RequestID     string `json:"request_id"`
	Status        string `json:"status"`
	DurationMs    int64  `json:"duration_ms"`
	Reason        string `json:"reason,omitempty"`
	ViolationCode string `json:"violation_code,omitempty"`
	RiskLevel     string `json:"risk_level"`
	MutatedState  bool   `json:"mutated_state"`
	EffectiveCaps any    `json:"effective_caps"`
}

// WriteAudit emits the entry through logrus. The timestamp comes from the
// log formatter, keeping clocks at the edges.
func (p ReplayPolicy) WriteAudit(log *logrus.Logger, e AuditEntry) {
	if !p.AuditEnabled {
		return
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	log.WithFields(logrus.Fields{
		"tool":           e.Tool,
		"actor":          e.Actor,
		"request_id":     e.RequestID,
		"status":         e.Status,
		"duration_ms":    e.DurationMs,
		"reason":         e.Reason,
		"violation_code": e.ViolationCode,
		"risk_level":     e.RiskLevel,
		"mutated_state":  e.MutatedState,
		"effective_caps": e.EffectiveCaps,
	}).Info("replay tool invocation")
}

// RiskLevel labels an invocation for the audit line.
func RiskLevel(tool string, sealed bool) string {
	if highRisk(tool, sealed) {
		return "high"
	}
	return "low"
}
