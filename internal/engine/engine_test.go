// internal/engine/engine_test.go
package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/marionette/api/schemas"
	"github.com/xkilldash9x/marionette/internal/evidence"
	"github.com/xkilldash9x/marionette/internal/registry"
	"github.com/xkilldash9x/marionette/internal/uia"
)

// harness bundles the engine and its fakes for one test.
type harness struct {
	engine  *Engine
	session *fakeSession
	store   *evidence.Store
	reg     *registry.Registry
	browser *fakeBrowser
	cfg     *testConfig
}

func newHarness(t *testing.T, cfg *testConfig) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	session := newFakeSession()
	store := evidence.NewStore(cfg.engine.StreamWindow, cfg.engine.SubscriberBuffer, logger)
	reg := registry.New()
	br := &fakeBrowser{text: "page text"}

	eng := New(cfg, Deps{
		Session:  session,
		Browser:  br,
		Store:    store,
		Registry: reg,
	}, logger)

	return &harness{engine: eng, session: session, store: store, reg: reg, browser: br, cfg: cfg}
}

func plan(steps ...schemas.Step) *schemas.Plan {
	return &schemas.Plan{Steps: steps}
}

func step(action schemas.ActionType, params map[string]any) schemas.Step {
	return schemas.Step{Action: action, Params: params}
}

func TestRunClickViaPatternTier(t *testing.T) {
	h := newHarness(t, newTestConfig())

	save := newButton("btn-save", "Save")
	save.onInvoke = func(e *fakeElement) { e.value = "saved" }
	root := &fakeElement{id: "root", role: "window", enabled: true, children: []*fakeElement{save}}
	h.session.addWindow("Notepad", "notepad.exe", 1, root)

	result, err := h.engine.Run(context.Background(), "", plan(
		step(schemas.ActionActivateWindow, map[string]any{"target": "Notepad"}),
		step(schemas.ActionClick, map[string]any{"name": "Save"}),
	), RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, schemas.OverallSuccess, result.OverallStatus)
	require.Len(t, result.Logs, 2)

	clickLog := result.Logs[1]
	assert.Equal(t, schemas.StepSuccess, clickLog.Status)
	require.Len(t, clickLog.Attempts, 1)
	assert.Equal(t, 1, clickLog.Attempts[0].Number)
	assert.Equal(t, schemas.TierPattern, clickLog.Attempts[0].Tier)
	assert.Equal(t, schemas.AttemptSuccess, clickLog.Attempts[0].Status)
	require.NotNil(t, clickLog.Attempts[0].Evidence)
	assert.Equal(t, schemas.PhaseVerify, clickLog.Attempts[0].Evidence.CapturePhase)

	// The pattern tier never touches the input driver.
	assert.Empty(t, h.session.input.callKinds())
}

func TestEscalatesToFocusInputWhenPatternMissing(t *testing.T) {
	h := newHarness(t, newTestConfig())

	// A legacy button that exposes no actionable pattern, only focus. The
	// pattern tier reports no_effect and the ladder escalates.
	legacy := newButton("btn-legacy", "OK")
	legacy.caps = map[uia.Capability]bool{uia.CapFocus: true}
	root := &fakeElement{id: "root", role: "window", enabled: true, children: []*fakeElement{legacy}}
	h.session.addWindow("Legacy App", "legacy.exe", 4, root)
	dialogWin := h.session.addWindow("Dialog", "legacy.exe", 5, &fakeElement{id: "dlg", role: "window", enabled: true})

	// The synthetic click opens a dialog, which the verifier observes as a
	// focus change.
	h.session.input.onClick = func() { h.session.setForeground(dialogWin) }

	result, err := h.engine.Run(context.Background(), "", plan(
		step(schemas.ActionActivateWindow, map[string]any{"target": "Legacy App"}),
		step(schemas.ActionClick, map[string]any{"name": "OK"}),
	), RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, schemas.OverallSuccess, result.OverallStatus)
	clickLog := result.Logs[1]
	assert.Equal(t, schemas.StepSuccess, clickLog.Status)
	require.Len(t, clickLog.Attempts, 2)
	assert.Equal(t, schemas.TierPattern, clickLog.Attempts[0].Tier)
	assert.Equal(t, schemas.AttemptError, clickLog.Attempts[0].Status)
	assert.Equal(t, schemas.TierFocusInput, clickLog.Attempts[1].Tier)
	assert.Equal(t, schemas.AttemptSuccess, clickLog.Attempts[1].Status)
	assert.Equal(t, []string{"click"}, h.session.input.callKinds())
}

func TestTypeTextVerifiedThroughValuePattern(t *testing.T) {
	h := newHarness(t, newTestConfig())

	field := newTextField("edit-1", "Search")
	root := &fakeElement{id: "root", role: "window", enabled: true, children: []*fakeElement{field}}
	h.session.addWindow("Browser", "browser.exe", 2, root)

	result, err := h.engine.Run(context.Background(), "", plan(
		step(schemas.ActionActivateWindow, map[string]any{"target": "Browser"}),
		step(schemas.ActionTypeText, map[string]any{"name": "Search", "text": "hello world"}),
	), RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, schemas.OverallSuccess, result.OverallStatus)
	typeLog := result.Logs[1]
	assert.Equal(t, schemas.StepSuccess, typeLog.Status)
	require.Len(t, typeLog.Attempts, 1)
	assert.Equal(t, schemas.TierPattern, typeLog.Attempts[0].Tier)
	assert.Equal(t, "hello world", field.ValueText())
}

func TestUnsafeStepGetsZeroAttempts(t *testing.T) {
	h := newHarness(t, newTestConfig())

	result, err := h.engine.Run(context.Background(), "", plan(
		step(schemas.ActionTypeText, map[string]any{"name": "Terminal", "text": "rm -rf /important"}),
		step(schemas.ActionWait, map[string]any{"seconds": 0.01}),
	), RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, schemas.OverallUnsafe, result.OverallStatus)
	require.Len(t, result.Logs, 1, "the plan halts at the unsafe step")
	assert.Equal(t, schemas.StepUnsafe, result.Logs[0].Status)
	assert.Empty(t, result.Logs[0].Attempts, "an unsafe step must never execute")
	assert.Empty(t, h.session.input.callKinds())
}

func TestCoordinateTierBlockedWithoutBoundRoot(t *testing.T) {
	cfg := newTestConfig()
	cfg.engine.MaxAttempts = 3
	h := newHarness(t, cfg)

	result, err := h.engine.Run(context.Background(), "", plan(
		step(schemas.ActionClick, map[string]any{"name": "Anything"}),
	), RunOptions{})
	require.NoError(t, err)

	// With no bound root no tier can act, so the step fails before any
	// attempt and the reason names the missing binding.
	assert.Equal(t, schemas.OverallError, result.OverallStatus)
	log := result.Logs[0]
	assert.Equal(t, schemas.StepError, log.Status)
	assert.Empty(t, log.Attempts)
	assert.Contains(t, log.Reason, schemas.ErrNoBoundRoot.Error())
	assert.Contains(t, log.Reason, "Anything")
	// No pointer input may ever be delivered desktop-wide.
	assert.Empty(t, h.session.input.callKinds())
}

func TestAttemptNumbersAreStrictlyIncreasing(t *testing.T) {
	cfg := newTestConfig()
	cfg.engine.MaxAttempts = 3
	h := newHarness(t, cfg)

	root := &fakeElement{id: "root", role: "window", enabled: true}
	h.session.addWindow("App", "app.exe", 9, root)

	result, err := h.engine.Run(context.Background(), "", plan(
		step(schemas.ActionActivateWindow, map[string]any{"target": "App"}),
		step(schemas.ActionClick, map[string]any{"name": "Missing"}),
	), RunOptions{})
	require.NoError(t, err)

	log := result.Logs[1]
	require.NotEmpty(t, log.Attempts)
	for i, attempt := range log.Attempts {
		assert.Equal(t, i+1, attempt.Number)
	}
}

func TestUnresolvedTargetReasonNamesTheFailure(t *testing.T) {
	h := newHarness(t, newTestConfig())

	root := &fakeElement{id: "root", role: "window", enabled: true}
	h.session.addWindow("App", "app.exe", 6, root)

	result, err := h.engine.Run(context.Background(), "", plan(
		step(schemas.ActionActivateWindow, map[string]any{"target": "App"}),
		step(schemas.ActionClick, map[string]any{"name": "Ghost"}),
	), RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, schemas.OverallError, result.OverallStatus)
	log := result.Logs[1]
	assert.Equal(t, schemas.StepError, log.Status)
	// The binding failure stays visible in the step reason and in every
	// attempt the ladder spent working around it.
	assert.Contains(t, log.Reason, schemas.ErrNotFound.Error())
	require.NotEmpty(t, log.Attempts)
	for _, attempt := range log.Attempts {
		assert.Contains(t, attempt.Reason, schemas.ErrNotFound.Error())
	}
}

func TestFileActionsRunThroughGuard(t *testing.T) {
	cfg := newTestConfig()
	workDir := t.TempDir()
	cfg.safety.WorkDir = workDir
	h := newHarness(t, cfg)

	result, err := h.engine.Run(context.Background(), "", plan(
		step(schemas.ActionCreateFolder, map[string]any{"path": "out"}),
		step(schemas.ActionWriteFile, map[string]any{"path": "out/notes.txt", "content": "alpha"}),
		step(schemas.ActionReadFile, map[string]any{"path": "out/notes.txt"}),
	), RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, schemas.OverallSuccess, result.OverallStatus)
	data, err := os.ReadFile(filepath.Join(workDir, "out", "notes.txt"))
	require.NoError(t, err)
	assert.Equal(t, "alpha", string(data))
}

func TestHighSensitivityActionPausesForConfirmation(t *testing.T) {
	cfg := newTestConfig()
	workDir := t.TempDir()
	cfg.safety.WorkDir = workDir
	h := newHarness(t, cfg)

	target := filepath.Join(workDir, "victim.txt")
	require.NoError(t, os.WriteFile(target, []byte("x"), 0o644))

	result, err := h.engine.Run(context.Background(), "req-confirm", plan(
		step(schemas.ActionDeleteFile, map[string]any{"path": "victim.txt"}),
	), RunOptions{})
	require.NoError(t, err)

	require.Equal(t, schemas.OverallAwaitingUser, result.OverallStatus)
	require.NotNil(t, result.Clarification)
	assert.Contains(t, result.Clarification.Options, "confirm")
	assert.FileExists(t, target, "nothing is deleted before consent")

	record, err := h.reg.Get("req-confirm")
	require.NoError(t, err)
	assert.Equal(t, registry.StatusAwaitingUser, record.Status)

	resumed, err := h.engine.Resume(context.Background(), "req-confirm", "confirm")
	require.NoError(t, err)
	assert.Equal(t, schemas.OverallSuccess, resumed.OverallStatus)
	assert.NoFileExists(t, target)
}

func TestResumeSkipLeavesStepUntouched(t *testing.T) {
	cfg := newTestConfig()
	workDir := t.TempDir()
	cfg.safety.WorkDir = workDir
	h := newHarness(t, cfg)

	target := filepath.Join(workDir, "keep.txt")
	require.NoError(t, os.WriteFile(target, []byte("x"), 0o644))

	result, err := h.engine.Run(context.Background(), "req-skip", plan(
		step(schemas.ActionDeleteFile, map[string]any{"path": "keep.txt"}),
		step(schemas.ActionWait, map[string]any{"seconds": 0.01}),
	), RunOptions{})
	require.NoError(t, err)
	require.Equal(t, schemas.OverallAwaitingUser, result.OverallStatus)

	resumed, err := h.engine.Resume(context.Background(), "req-skip", "skip")
	require.NoError(t, err)
	assert.Equal(t, schemas.OverallSuccess, resumed.OverallStatus)
	assert.FileExists(t, target)
	require.Len(t, resumed.Logs, 2)
	assert.Equal(t, schemas.StepSkipped, resumed.Logs[0].Status)
	assert.Equal(t, schemas.StepSuccess, resumed.Logs[1].Status)
}

func TestTakeOverPausesThenResumes(t *testing.T) {
	h := newHarness(t, newTestConfig())

	result, err := h.engine.Run(context.Background(), "req-takeover", plan(
		step(schemas.ActionTakeOver, map[string]any{"message": "Please log in manually."}),
		step(schemas.ActionWait, map[string]any{"seconds": 0.01}),
	), RunOptions{})
	require.NoError(t, err)

	require.Equal(t, schemas.OverallAwaitingUser, result.OverallStatus)
	require.NotNil(t, result.Clarification)
	assert.Equal(t, "Please log in manually.", result.Clarification.Question)

	resumed, err := h.engine.Resume(context.Background(), "req-takeover", "resume")
	require.NoError(t, err)
	assert.Equal(t, schemas.OverallSuccess, resumed.OverallStatus)
	require.Len(t, resumed.Logs, 2)
}

func TestPausedRunEvidenceStaysInItsOwnStream(t *testing.T) {
	h := newHarness(t, newTestConfig())

	save := newButton("btn-save", "Save")
	save.onInvoke = func(e *fakeElement) { e.value = "saved" }
	root := &fakeElement{id: "root", role: "window", enabled: true, children: []*fakeElement{save}}
	h.session.addWindow("Editor", "editor.exe", 7, root)

	// Run A pauses at take_over with UI work still ahead of it.
	paused, err := h.engine.Run(context.Background(), "req-a", plan(
		step(schemas.ActionTakeOver, map[string]any{"message": "over to you"}),
		step(schemas.ActionActivateWindow, map[string]any{"target": "Editor"}),
		step(schemas.ActionClick, map[string]any{"name": "Save"}),
	), RunOptions{})
	require.NoError(t, err)
	require.Equal(t, schemas.OverallAwaitingUser, paused.OverallStatus)

	// Run B starts and finishes while A is paused.
	other, err := h.engine.Run(context.Background(), "req-b", plan(
		step(schemas.ActionWait, map[string]any{"seconds": 0.01}),
	), RunOptions{})
	require.NoError(t, err)
	require.Equal(t, schemas.OverallSuccess, other.OverallStatus)

	resumed, err := h.engine.Resume(context.Background(), "req-a", "resume")
	require.NoError(t, err)
	require.Equal(t, schemas.OverallSuccess, resumed.OverallStatus)

	countAttempts := func(requestID string) int {
		n := 0
		for _, ev := range h.store.Recent(requestID) {
			if ev.Type == schemas.EventAttempt {
				n++
			}
		}
		return n
	}
	// A's click attempts land in A's stream even though B ran in between.
	assert.NotZero(t, countAttempts("req-a"))
	assert.Zero(t, countAttempts("req-b"))
}

func TestResumeAbortCancelsRun(t *testing.T) {
	h := newHarness(t, newTestConfig())

	_, err := h.engine.Run(context.Background(), "req-abort", plan(
		step(schemas.ActionTakeOver, nil),
	), RunOptions{})
	require.NoError(t, err)

	resumed, err := h.engine.Resume(context.Background(), "req-abort", "abort")
	require.NoError(t, err)
	assert.Equal(t, schemas.OverallCancelled, resumed.OverallStatus)

	record, err := h.reg.Get("req-abort")
	require.NoError(t, err)
	assert.Equal(t, registry.StatusCancelled, record.Status)
}

func TestResumeUnknownTaskFails(t *testing.T) {
	h := newHarness(t, newTestConfig())
	_, err := h.engine.Resume(context.Background(), "ghost", "confirm")
	assert.Error(t, err)
}

func TestDryRunExecutesNothing(t *testing.T) {
	cfg := newTestConfig()
	cfg.safety.WorkDir = t.TempDir()
	h := newHarness(t, cfg)

	result, err := h.engine.Run(context.Background(), "", plan(
		step(schemas.ActionWriteFile, map[string]any{"path": "f.txt", "content": "x"}),
		step(schemas.ActionDeleteFile, map[string]any{"path": "f.txt"}),
	), RunOptions{DryRun: true})
	require.NoError(t, err)

	assert.Equal(t, schemas.OverallDryRun, result.OverallStatus)
	require.Len(t, result.Logs, 2)
	assert.Equal(t, schemas.StepSkipped, result.Logs[0].Status)
	assert.Equal(t, schemas.StepSkipped, result.Logs[1].Status)
	assert.NoFileExists(t, filepath.Join(cfg.safety.WorkDir, "f.txt"))
}

func TestBrowserStepsUseCollaborator(t *testing.T) {
	h := newHarness(t, newTestConfig())
	h.browser.text = "extracted body"

	result, err := h.engine.Run(context.Background(), "", plan(
		step(schemas.ActionOpenURL, map[string]any{"url": "https://example.com"}),
		step(schemas.ActionBrowserExtractText, nil),
	), RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, schemas.OverallSuccess, result.OverallStatus)
	assert.Equal(t, "https://example.com", h.browser.openURL)
}

func TestCancellationBetweenSteps(t *testing.T) {
	h := newHarness(t, newTestConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := h.engine.Run(ctx, "", plan(
		step(schemas.ActionWait, map[string]any{"seconds": 0.01}),
	), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, schemas.OverallCancelled, result.OverallStatus)
	assert.Empty(t, result.Logs)
}

func TestMalformedPlanRejected(t *testing.T) {
	h := newHarness(t, newTestConfig())

	_, err := h.engine.Run(context.Background(), "", plan(
		step(schemas.ActionType("teleport"), nil),
	), RunOptions{})
	assert.ErrorIs(t, err, schemas.ErrUnknownAction)

	_, err = h.engine.Run(context.Background(), "", &schemas.Plan{}, RunOptions{})
	assert.ErrorIs(t, err, schemas.ErrMalformedPlan)
}

func TestPlanTooLongRejected(t *testing.T) {
	cfg := newTestConfig()
	cfg.engine.MaxSteps = 2
	h := newHarness(t, cfg)

	_, err := h.engine.Run(context.Background(), "", plan(
		step(schemas.ActionWait, nil),
		step(schemas.ActionWait, nil),
		step(schemas.ActionWait, nil),
	), RunOptions{})
	assert.ErrorIs(t, err, schemas.ErrMalformedPlan)
}

// rewriterFunc adapts a function to the PlanRewriter interface.
type rewriterFunc func(ctx context.Context, p *schemas.Plan, failed schemas.StepLog) (*schemas.Rewrite, bool)

func (f rewriterFunc) Propose(ctx context.Context, p *schemas.Plan, failed schemas.StepLog) (*schemas.Rewrite, bool) {
	return f(ctx, p, failed)
}

func TestFailedStepTriggersBoundedReplan(t *testing.T) {
	cfg := newTestConfig()
	logger := zaptest.NewLogger(t)
	session := newFakeSession()
	root := &fakeElement{id: "root", role: "window", enabled: true}
	session.addWindow("App", "app.exe", 3, root)

	store := evidence.NewStore(64, 16, logger)
	reg := registry.New()

	proposals := 0
	rewriter := rewriterFunc(func(_ context.Context, _ *schemas.Plan, failed schemas.StepLog) (*schemas.Rewrite, bool) {
		proposals++
		return &schemas.Rewrite{
			Pattern:          "replace failing click with wait",
			Replacement:      []schemas.Step{step(schemas.ActionWait, map[string]any{"seconds": 0.01})},
			AppliesFromIndex: failed.StepIndex,
		}, true
	})

	eng := New(cfg, Deps{
		Session: session, Store: store, Registry: reg, Rewriter: rewriter,
	}, logger)

	result, err := eng.Run(context.Background(), "", plan(
		step(schemas.ActionActivateWindow, map[string]any{"target": "App"}),
		step(schemas.ActionClick, map[string]any{"name": "No Such Button"}),
	), RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, schemas.OverallSuccess, result.OverallStatus)
	assert.Equal(t, 1, proposals)
	require.Len(t, result.PlanRewrites, 1)
	assert.Equal(t, 1, result.Summary.Replans)

	// The failed click was recorded as replanned, then the rewrite's wait ran.
	var statuses []schemas.StepStatus
	for _, l := range result.Logs {
		statuses = append(statuses, l.Status)
	}
	assert.Equal(t, []schemas.StepStatus{schemas.StepSuccess, schemas.StepReplanned, schemas.StepSuccess}, statuses)
}

func TestEvidenceStreamOrdering(t *testing.T) {
	h := newHarness(t, newTestConfig())

	result, err := h.engine.Run(context.Background(), "req-events", plan(
		step(schemas.ActionWait, map[string]any{"seconds": 0.01}),
	), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, schemas.OverallSuccess, result.OverallStatus)

	events := h.store.Recent("req-events")
	require.NotEmpty(t, events)
	assert.Equal(t, schemas.EventRunStarted, events[0].Type)
	assert.Equal(t, schemas.EventRunFinished, events[len(events)-1].Type)

	var lastSeq uint64
	for _, ev := range events {
		assert.Greater(t, ev.Seq, lastSeq, "sequence numbers are strictly increasing")
		lastSeq = ev.Seq
	}
}

func TestSummaryCountsAndFailureReasons(t *testing.T) {
	cfg := newTestConfig()
	// Let the run continue past errors so the summary aggregates them.
	cfg.safety.HaltOn = []string{"unsafe"}
	h := newHarness(t, cfg)

	result, err := h.engine.Run(context.Background(), "", plan(
		step(schemas.ActionWait, map[string]any{"seconds": 0.01}),
		step(schemas.ActionClick, map[string]any{"name": "Nope"}),
		step(schemas.ActionWait, map[string]any{"seconds": 0.01}),
	), RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, schemas.OverallSuccess, result.OverallStatus)
	assert.Equal(t, 2, result.Summary.Succeeded)
	assert.Equal(t, 1, result.Summary.Failed)
	require.NotEmpty(t, result.Summary.FailureReasons)
	assert.Contains(t, result.Summary.FailureReasons[0], "click")
}
