// File: api/schemas/events.go
package schemas

// EventType classifies evidence stream entries.
type EventType string

const (
	EventRunStarted    EventType = "run_started"
	EventStepStarted   EventType = "step_started"
	EventAttempt       EventType = "attempt"
	EventStepFinished  EventType = "step_finished"
	EventPlanRewritten EventType = "plan_rewritten"
	EventClarification EventType = "clarification"
	EventRunFinished   EventType = "run_finished"
)

// ArtifactRef points at an immutable artifact (screenshot, extracted text)
// held by the evidence store for the owning request.
type ArtifactRef struct {
	ArtifactID string `json:"artifact_id"`
	Kind       string `json:"kind"` // "image" or "text"
	MIME       string `json:"mime"`
	Bytes      int    `json:"bytes"`
	SHA256     string `json:"sha256,omitempty"`
}

// EvidenceEvent is one entry of the per-request, append-only evidence stream.
// Seq is strictly increasing from 1 for each request; a late subscriber joins
// at the current sequence and never sees an event twice.
type EvidenceEvent struct {
	RequestID string         `json:"request_id"`
	Seq       uint64         `json:"seq"`
	TsMs      int64          `json:"ts_ms"`
	Type      EventType      `json:"type"`
	StepIndex int            `json:"step_index"`
	Attempt   int            `json:"attempt,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Artifact  *ArtifactRef   `json:"artifact,omitempty"`
}
