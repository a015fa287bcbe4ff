package replay

// AnomalyCode classifies a divergence between a local trajectory and the
// canonical projection.
type AnomalyCode string

const (
	AnomalyMissingEvent    AnomalyCode = "missing_event"
	AnomalyUnexpectedEvent AnomalyCode = "unexpected_event"
	AnomalyPayloadMismatch AnomalyCode = "payload_mismatch"
	AnomalyTypeMismatch    AnomalyCode = "type_mismatch"
	AnomalyOrderMismatch   AnomalyCode = "order_mismatch"
)

// AnomalySeverity tiers follow the alert severities.
type AnomalySeverity string

const (
	SeverityInfo    AnomalySeverity = "info"
	SeverityWarning AnomalySeverity = "warning"
	SeverityError   AnomalySeverity = "error"
)

// AnomalyContext locates an anomaly in both streams.
type AnomalyContext struct {
	Seq             uint64 `json:"seq,omitempty"`
	TaskPDA         string `json:"task_pda,omitempty"`
	DisputePDA      string `json:"dispute_pda,omitempty"`
	SourceEventName string `json:"source_event_name,omitempty"`
	Signature       string `json:"signature,omitempty"`
	TraceID         string `json:"trace_id,omitempty"`
	EventType       string `json:"event_type,omitempty"`
	Sampled         bool   `json:"sampled,omitempty"`
}

// Anomaly is a classified divergence. AnomalyID is derived over the
// severity-stable portion so reclassification does not change identity.
type Anomaly struct {
	AnomalyID        string          `json:"anomaly_id"`
	Code             AnomalyCode     `json:"code"`
	Severity         AnomalySeverity `json:"severity"`
	Message          string          `json:"message"`
	Context          AnomalyContext  `json:"context"`
	LocalPayload     map[string]any  `json:"local_payload,omitempty"`
	ProjectedPayload map[string]any  `json:"projected_payload,omitempty"`
}

// AnomalyID computes the hex16 identity of an anomaly: SHA-256 over the
// canonical form minus the severity-volatile fields.
func AnomalyID(a Anomaly) string {
	ctx := map[string]any{}
	if a.Context.Seq != 0 {
		ctx["seq"] = a.Context.Seq
	}
	if a.Context.TaskPDA != "" {
		ctx["task_pda"] = a.Context.TaskPDA
	}
	if a.Context.DisputePDA != "" {
		ctx["dispute_pda"] = a.Context.DisputePDA
	}
	if a.Context.SourceEventName != "" {
		ctx["source_event_name"] = a.Context.SourceEventName
	}
	if a.Context.Signature != "" {
		ctx["signature"] = a.Context.Signature
	}
	if a.Context.TraceID != "" {
		ctx["trace_id"] = a.Context.TraceID
	}
	if a.Context.EventType != "" {
		ctx["event_type"] = a.Context.EventType
	}
	stable := map[string]any{
		"code":    string(a.Code),
		"message": a.Message,
		"context": ctx,
	}
	return Sha256Hex(CanonicalBytes(stable))[:16]
}

// AnomalyRef is the compact form carried inside an incident case.
type AnomalyRef struct {
	AnomalyID string          `json:"anomaly_id"`
	Code      AnomalyCode     `json:"code"`
	Severity  AnomalySeverity `json:"severity"`
	Message   string          `json:"message"`
	Seq       uint64          `json:"seq,omitempty"`
}
