// File: internal/engine/verifier.go
package engine

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/marionette/api/schemas"
	"github.com/xkilldash9x/marionette/internal/config"
	"github.com/xkilldash9x/marionette/internal/files"
	"github.com/xkilldash9x/marionette/internal/uia"
)

// Observation is a snapshot of the observable state relevant to one step,
// captured before and after an attempt.
type Observation struct {
	Focus      *schemas.FocusSnapshot
	Value      string
	Toggle     string
	PathExists map[string]bool
}

// Verifier decides whether an attempt actually produced its intended effect.
// It polls within the verify timeout: UI state often lags the input by a few
// frames, and a premature mismatch would burn an attempt for nothing.
type Verifier struct {
	session uia.Session
	ops     *files.Ops
	gate    *Gate
	cfg     config.EngineConfig
	poll    time.Duration
	logger  *zap.Logger
}

// NewVerifier builds a verifier sharing the session and file ops with the
// rest of the engine.
func NewVerifier(session uia.Session, ops *files.Ops, gate *Gate, cfg config.EngineConfig, logger *zap.Logger) *Verifier {
	return &Verifier{
		session: session,
		ops:     ops,
		gate:    gate,
		cfg:     cfg,
		poll:    100 * time.Millisecond,
		logger:  logger.Named("Verifier"),
	}
}

// Capture records the observable state for a step at one point in time.
// Failures to observe are tolerated; missing fields make the later decision
// inconclusive rather than wrong.
func (v *Verifier) Capture(ctx context.Context, step schemas.Step, element uia.Element) *Observation {
	obs := &Observation{PathExists: map[string]bool{}}
	if v.session != nil {
		if win, err := v.session.Foreground(ctx); err == nil {
			obs.Focus = &schemas.FocusSnapshot{Title: win.Title, Process: win.Process, PID: win.PID}
		}
	}
	if element != nil {
		obs.Value = element.ValueText()
		obs.Toggle = element.ToggleState()
	}
	if v.ops != nil {
		for _, p := range verifyPaths(step) {
			obs.PathExists[p] = v.ops.Exists(p)
		}
	}
	return obs
}

// Verify judges one attempt. pre is the observation captured before the
// action ran; the verifier re-observes until it sees a match or the verify
// timeout lapses, then returns its last decision with evidence attached.
func (v *Verifier) Verify(
	ctx context.Context,
	step schemas.Step,
	element uia.Element,
	pre *Observation,
) (schemas.VerifyDecision, *schemas.Evidence) {
	deadline := time.Now().Add(v.cfg.VerifyTimeout)

	var (
		decision schemas.VerifyDecision
		post     *Observation
	)
	for {
		post = v.Capture(ctx, step, element)
		decision = v.judge(step, pre, post)
		if decision == schemas.VerifyMatch || time.Now().After(deadline) || ctx.Err() != nil {
			break
		}
		select {
		case <-ctx.Done():
		case <-time.After(v.poll):
		}
		if ctx.Err() != nil {
			break
		}
	}

	ev := v.buildEvidence(step, pre, post, decision)
	v.logger.Debug("Verification decided",
		zap.Int("step", step.Index),
		zap.String("action", string(step.Action)),
		zap.String("decision", string(decision)))
	return decision, ev
}

// judge compares pre and post state for the step's expected effect.
func (v *Verifier) judge(step schemas.Step, pre, post *Observation) schemas.VerifyDecision {
	switch step.Action {
	case schemas.ActionTypeText:
		want := step.StringParam("text")
		if post == nil || want == "" {
			return schemas.VerifyInconclusive
		}
		if strings.Contains(post.Value, want) {
			return schemas.VerifyMatch
		}
		if pre != nil && post.Value != pre.Value {
			// The field changed, just not to what we asked for.
			return schemas.VerifyMismatch
		}
		return schemas.VerifyMismatch

	case schemas.ActionClick, schemas.ActionDoubleClick:
		if pre == nil || post == nil {
			return schemas.VerifyInconclusive
		}
		// A toggle flip, value change, or focus shift all count as the click
		// landing. A click with no observable consequence cannot be confirmed.
		if pre.Toggle != "" && post.Toggle != pre.Toggle {
			return schemas.VerifyMatch
		}
		if post.Value != pre.Value {
			return schemas.VerifyMatch
		}
		if focusChanged(pre.Focus, post.Focus) {
			return schemas.VerifyMatch
		}
		if pre.Toggle != "" && post.Toggle == pre.Toggle {
			return schemas.VerifyMismatch
		}
		return schemas.VerifyInconclusive

	case schemas.ActionActivateWindow, schemas.ActionOpenApp:
		target := firstStringParam(step, "target", "app", "name", "title")
		if post == nil || post.Focus == nil {
			return schemas.VerifyInconclusive
		}
		if target == "" {
			return schemas.VerifyInconclusive
		}
		lower := strings.ToLower(target)
		if strings.Contains(strings.ToLower(post.Focus.Title), lower) ||
			strings.Contains(strings.ToLower(post.Focus.Process), lower) {
			return schemas.VerifyMatch
		}
		return schemas.VerifyMismatch

	case schemas.ActionWriteFile, schemas.ActionCreateFolder, schemas.ActionCopyFile:
		return v.expectExists(step, post, true)
	case schemas.ActionDeleteFile:
		return v.expectExists(step, post, false)

	case schemas.ActionWait, schemas.ActionMouseMove, schemas.ActionScroll:
		// Nothing observable to confirm.
		return schemas.VerifyMatch

	default:
		return schemas.VerifyInconclusive
	}
}

func (v *Verifier) expectExists(step schemas.Step, post *Observation, want bool) schemas.VerifyDecision {
	if post == nil {
		return schemas.VerifyInconclusive
	}
	paths := verifyPaths(step)
	if len(paths) == 0 {
		return schemas.VerifyInconclusive
	}
	for _, p := range paths {
		if post.PathExists[p] != want {
			return schemas.VerifyMismatch
		}
	}
	return schemas.VerifyMatch
}

// buildEvidence assembles the attempt's evidence record, including advisory
// risk when the foreground moved to a process the step never targeted.
func (v *Verifier) buildEvidence(step schemas.Step, pre, post *Observation, decision schemas.VerifyDecision) *schemas.Evidence {
	ev := &schemas.Evidence{CapturePhase: schemas.PhaseVerify}
	if pre != nil {
		ev.FocusExpected = pre.Focus
		ev.Expected = map[string]any{}
		if pre.Value != "" {
			ev.Expected["value_before"] = pre.Value
		}
		if pre.Toggle != "" {
			ev.Expected["toggle_before"] = pre.Toggle
		}
	}
	if post != nil {
		ev.FocusActual = post.Focus
		ev.Actual = map[string]any{"decision": string(decision)}
		if post.Value != "" {
			ev.Actual["value_after"] = post.Value
		}
		if post.Toggle != "" {
			ev.Actual["toggle_after"] = post.Toggle
		}
		for p, exists := range post.PathExists {
			ev.Actual["exists:"+p] = exists
		}
	}

	if v.gate != nil {
		ev.Risk = v.gate.ScoreRisk(step)
	}
	if pre != nil && post != nil && focusChanged(pre.Focus, post.Focus) && !expectsFocusChange(step) {
		ev.Risk = &schemas.RiskInfo{
			Level:  schemas.RiskMedium,
			Reason: "foreground moved to a window the step did not target",
		}
	}
	return ev
}

func focusChanged(before, after *schemas.FocusSnapshot) bool {
	if before == nil || after == nil {
		return false
	}
	return before.PID != after.PID || before.Title != after.Title
}

func expectsFocusChange(step schemas.Step) bool {
	switch step.Action {
	case schemas.ActionActivateWindow, schemas.ActionOpenApp, schemas.ActionClick,
		schemas.ActionDoubleClick, schemas.ActionHotkey, schemas.ActionKeyPress,
		schemas.ActionOpenFile, schemas.ActionOpenURL:
		return true
	}
	return false
}

// verifyPaths lists the paths whose existence confirms a file action.
func verifyPaths(step schemas.Step) []string {
	switch step.Action {
	case schemas.ActionWriteFile, schemas.ActionCreateFolder, schemas.ActionDeleteFile:
		if p := step.StringParam("path"); p != "" {
			return []string{p}
		}
	}
	return nil
}
