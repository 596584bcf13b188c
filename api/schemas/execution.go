// File: api/schemas/execution.go
package schemas

import "time"

// Tier identifies one of the three escalating action strategies.
type Tier string

const (
	TierPattern    Tier = "pattern"     // accessibility-pattern invocation
	TierFocusInput Tier = "focus_input" // focus target, then synthetic input
	TierCoordinate Tier = "coordinate"  // raw pointer action at a screen point
)

// Next returns the escalation successor, or "" when the tier ladder is
// exhausted.
func (t Tier) Next() Tier {
	switch t {
	case TierPattern:
		return TierFocusInput
	case TierFocusInput:
		return TierCoordinate
	}
	return ""
}

// AttemptStatus is the terminal classification of a single attempt.
type AttemptStatus string

const (
	AttemptSuccess AttemptStatus = "success"
	AttemptError   AttemptStatus = "error"
	AttemptUnsafe  AttemptStatus = "unsafe"
)

// RawOutcome is what a resolver tier reports before verification.
type RawOutcome string

const (
	OutcomeSuccess  RawOutcome = "success"
	OutcomeNoEffect RawOutcome = "no_effect"
	OutcomeError    RawOutcome = "error"
)

// CapturePhase labels when in the attempt the evidence was captured. The
// verifier compares pre and post observations internally and publishes one
// record at verification time.
type CapturePhase string

const (
	PhaseVerify CapturePhase = "verify"
)

// VerifyDecision is the verifier's judgement of one attempt.
type VerifyDecision string

const (
	VerifyMatch        VerifyDecision = "match"
	VerifyMismatch     VerifyDecision = "mismatch"
	VerifyInconclusive VerifyDecision = "inconclusive"
)

// RiskLevel grades advisory risk evidence. It never gates execution; gating
// is the safety gate's job.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// RiskInfo is advisory evidence about an attempt's risk posture, e.g. an
// unexpected destructive-looking focus change.
type RiskInfo struct {
	Level  RiskLevel `json:"level"`
	Reason string    `json:"reason,omitempty"`
}

// FocusSnapshot records the foreground window at a capture point.
type FocusSnapshot struct {
	Title   string `json:"title,omitempty"`
	Process string `json:"process,omitempty"`
	PID     int    `json:"pid,omitempty"`
}

// Evidence carries enough captured state to reconstruct why an attempt passed
// or failed without re-running it.
type Evidence struct {
	CapturePhase  CapturePhase   `json:"capture_phase"`
	Expected      map[string]any `json:"expected,omitempty"`
	Actual        map[string]any `json:"actual,omitempty"`
	FocusExpected *FocusSnapshot `json:"focus_expected,omitempty"`
	FocusActual   *FocusSnapshot `json:"focus_actual,omitempty"`
	Risk          *RiskInfo      `json:"risk,omitempty"`
	ArtifactID    string         `json:"artifact_id,omitempty"`
}

// Attempt is one resolver+verifier cycle for a step. Immutable once recorded.
// Numbers within a step are strictly increasing from 1.
type Attempt struct {
	Number   int           `json:"attempt_number"`
	Tier     Tier          `json:"strategy_tier,omitempty"`
	Status   AttemptStatus `json:"status"`
	Evidence *Evidence     `json:"evidence,omitempty"`
	Reason   string        `json:"reason,omitempty"`
}

// StepStatus is the terminal status of a step. Set exactly once.
type StepStatus string

const (
	StepSuccess   StepStatus = "success"
	StepError     StepStatus = "error"
	StepUnsafe    StepStatus = "unsafe"
	StepSkipped   StepStatus = "skipped"
	StepReplanned StepStatus = "replanned"
)

// StepLog is the terminal record for one step.
type StepLog struct {
	StepIndex int        `json:"step_index"`
	Action    ActionType `json:"action"`
	Status    StepStatus `json:"status"`
	Attempts  []Attempt  `json:"attempts,omitempty"`
	Reason    string     `json:"reason,omitempty"`
	Warning   string     `json:"warning,omitempty"`
	Duration  float64    `json:"duration_ms,omitempty"`
}

// Rewrite describes how the remaining plan suffix was altered in response to
// a failure signal. The engine applies rewrites; it never generates them.
type Rewrite struct {
	Pattern          string `json:"pattern"`
	Replacement      []Step `json:"replacement"`
	AppliesFromIndex int    `json:"applies_from_index"`
}

// Clarification describes why a plan is paused awaiting the user, and how to
// resume it.
type Clarification struct {
	StepIndex int      `json:"step_index"`
	Question  string   `json:"question"`
	Options   []string `json:"options,omitempty"`
	Hint      string   `json:"hint,omitempty"`
}

// OverallStatus classifies a whole run.
type OverallStatus string

const (
	OverallSuccess      OverallStatus = "success"
	OverallError        OverallStatus = "error"
	OverallUnsafe       OverallStatus = "unsafe"
	OverallAwaitingUser OverallStatus = "awaiting_user"
	OverallCancelled    OverallStatus = "cancelled"
	OverallDryRun       OverallStatus = "dry_run"
)

// Summary aggregates a finished run so callers need not scan the full
// attempt log to understand what went wrong.
type Summary struct {
	TotalSteps     int      `json:"total_steps"`
	Succeeded      int      `json:"succeeded"`
	Failed         int      `json:"failed"`
	Unsafe         int      `json:"unsafe"`
	Skipped        int      `json:"skipped"`
	Replans        int      `json:"replans"`
	FailureReasons []string `json:"failure_reasons,omitempty"`
}

// ExecutionResult is the full outcome of one request, as consumed by callers.
type ExecutionResult struct {
	RequestID     string         `json:"request_id"`
	Plan          *Plan          `json:"plan"`
	OverallStatus OverallStatus  `json:"overall_status"`
	Logs          []StepLog      `json:"logs"`
	Summary       *Summary       `json:"summary,omitempty"`
	PlanRewrites  []Rewrite      `json:"plan_rewrites,omitempty"`
	Clarification *Clarification `json:"clarification,omitempty"`
	StartedAt     time.Time      `json:"started_at"`
	FinishedAt    time.Time      `json:"finished_at,omitempty"`
}
