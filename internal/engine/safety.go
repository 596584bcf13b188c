// File: internal/engine/safety.go
package engine

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/xkilldash9x/marionette/api/schemas"
	"github.com/xkilldash9x/marionette/internal/config"
	"github.com/xkilldash9x/marionette/internal/files"
)

// Decision is the safety gate's classification of one step. A disallowed
// step terminates unsafe with zero attempts; a confirmation-requiring step
// pauses the plan with a clarification instead of executing.
type Decision struct {
	Allowed              bool
	RequiresConfirmation bool
	Reason               string
	Code                 string
	Clarification        *schemas.Clarification
}

// Gate classifies steps against the safety policy. It is a pure function of
// the step and the policy: no side effects, no OS calls.
type Gate struct {
	policy config.SafetyConfig
	guard  *files.Guard
	haltOn map[schemas.StepStatus]struct{}
}

// NewGate builds a gate over the configured policy.
func NewGate(policy config.SafetyConfig) *Gate {
	haltOn := make(map[schemas.StepStatus]struct{}, len(policy.HaltOn))
	for _, s := range policy.HaltOn {
		haltOn[schemas.StepStatus(strings.ToLower(strings.TrimSpace(s)))] = struct{}{}
	}
	return &Gate{
		policy: policy,
		guard:  files.NewGuard(policy.WorkDir, policy.AllowedRoots, policy.BlockedPaths),
		haltOn: haltOn,
	}
}

// HaltsPlan reports whether a terminal step status stops the run. This is
// explicit policy per status, never inferred from status strings elsewhere.
func (g *Gate) HaltsPlan(status schemas.StepStatus) bool {
	_, ok := g.haltOn[status]
	return ok
}

func denied(code, reason string) Decision {
	return Decision{Allowed: false, Code: code, Reason: reason}
}

// Classify evaluates one step. Order matters: hard denials (keywords,
// blocked processes, forbidden paths) before consent requirements, so a step
// that is both dangerous and unconfirmed is reported as dangerous.
func (g *Gate) Classify(step schemas.Step) Decision {
	// Keyword check over every string parameter.
	for _, v := range step.Params {
		s, ok := v.(string)
		if !ok {
			continue
		}
		lower := strings.ToLower(s)
		for _, kw := range g.policy.DangerKeywords {
			if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
				return denied("danger_keyword",
					fmt.Sprintf("param contains danger keyword for action %q", step.Action))
			}
		}
	}

	if step.Action == schemas.ActionOpenApp {
		if requested := firstStringParam(step, "target", "app", "name", "path"); requested != "" {
			if rule := g.matchBlockedProcess(requested); rule != "" {
				return denied("process_blocked",
					fmt.Sprintf("blocked by safety policy: %s (rule %s)", requested, rule))
			}
		}
	}

	// Path containment for file actions.
	for _, path := range g.filePaths(step) {
		if err := g.guard.Check(g.guard.Resolve(path)); err != nil {
			return denied("path_blocked", err.Error())
		}
	}

	// Sensitivity consent: a high-sensitivity action without confirm=true
	// pauses the plan for clarification rather than executing or failing.
	level := g.policy.SensitiveActions[string(step.Action)]
	if strings.EqualFold(level, "high") && !step.BoolParam("confirm") {
		target := firstStringParam(step, "path", "source", "target")
		question := fmt.Sprintf("Step %d wants to run %s", step.Index, step.Action)
		if target != "" {
			question = fmt.Sprintf("Step %d wants to run %s on %q", step.Index, step.Action, target)
		}
		return Decision{
			Allowed:              false,
			RequiresConfirmation: true,
			Code:                 "confirm_required",
			Reason:               fmt.Sprintf("%s requires confirmation due to high risk", step.Action),
			Clarification: &schemas.Clarification{
				StepIndex: step.Index,
				Question:  question + ". Continue?",
				Options:   []string{"confirm", "skip", "abort"},
				Hint:      "confirm re-runs the step with consent; skip moves past it; abort stops the plan",
			},
		}
	}

	return Decision{Allowed: true, Reason: "allowed"}
}

// ScoreRisk produces advisory risk evidence for a step. Advisory only: the
// verifier attaches it to evidence, nothing gates on it.
func (g *Gate) ScoreRisk(step schemas.Step) *schemas.RiskInfo {
	switch {
	case step.Action.IsRiskyFile():
		return &schemas.RiskInfo{Level: schemas.RiskHigh, Reason: "filesystem mutation"}
	case step.Action.IsRiskyInput():
		return &schemas.RiskInfo{Level: schemas.RiskMedium, Reason: "synthetic input delivery"}
	default:
		return &schemas.RiskInfo{Level: schemas.RiskLow}
	}
}

func (g *Gate) matchBlockedProcess(requested string) string {
	base := strings.ToLower(filepath.Base(strings.TrimSpace(requested)))
	base = strings.TrimSuffix(base, ".exe")
	for _, rule := range g.policy.BlockedProcesses {
		r := strings.ToLower(strings.TrimSuffix(strings.TrimSpace(rule), ".exe"))
		if r != "" && (base == r || strings.Contains(base, r)) {
			return rule
		}
	}
	return ""
}

// filePaths collects every path-like parameter the step will touch.
func (g *Gate) filePaths(step schemas.Step) []string {
	var out []string
	add := func(keys ...string) {
		for _, k := range keys {
			if v := step.StringParam(k); v != "" {
				out = append(out, v)
			}
		}
	}
	switch step.Action {
	case schemas.ActionReadFile, schemas.ActionOpenFile, schemas.ActionWriteFile,
		schemas.ActionListFiles, schemas.ActionDeleteFile, schemas.ActionCreateFolder:
		add("path")
	case schemas.ActionMoveFile, schemas.ActionCopyFile:
		add("source", "destination_dir", "destination")
	case schemas.ActionRenameFile:
		add("source")
	}
	return out
}

func firstStringParam(step schemas.Step, keys ...string) string {
	for _, k := range keys {
		if v := step.StringParam(k); v != "" {
			return v
		}
	}
	return ""
}
