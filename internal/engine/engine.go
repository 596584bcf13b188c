// File: internal/engine/engine.go
// Task execution engine: runs validated plans step by step through the safety
// gate, the tiered resolver, and the verifier, streaming evidence as it goes.
// One run owns its request's registry record for the whole execution; that
// single-writer discipline keeps task state coherent without cross-step
// locking.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/marionette/api/schemas"
	"github.com/xkilldash9x/marionette/internal/config"
	"github.com/xkilldash9x/marionette/internal/evidence"
	"github.com/xkilldash9x/marionette/internal/files"
	"github.com/xkilldash9x/marionette/internal/locator"
	"github.com/xkilldash9x/marionette/internal/registry"
	"github.com/xkilldash9x/marionette/internal/uia"
)

// PlanRewriter proposes a replacement for the remaining plan suffix after a
// step fails. The engine applies rewrites; it never invents them.
type PlanRewriter interface {
	Propose(ctx context.Context, plan *schemas.Plan, failed schemas.StepLog) (*schemas.Rewrite, bool)
}

// RunOptions tune a single run.
type RunOptions struct {
	// DryRun classifies every step through the safety gate without executing
	// anything.
	DryRun bool
	// UserText is the free-form request the plan was derived from, kept on
	// the task record for operators.
	UserText string
}

// Deps bundles the engine's external collaborators. Browser, Screen, Vision,
// and Rewriter are optional; the engine degrades the matching features when
// they are nil.
type Deps struct {
	Session  uia.Session
	Browser  Browser
	Screen   ScreenReader
	Vision   locator.CoordinateEstimator
	Store    *evidence.Store
	Registry *registry.Registry
	Rewriter PlanRewriter
}

// Engine executes plans. Collaborators are shared across runs; per-run state
// lives in a runState.
type Engine struct {
	cfg        config.Interface
	session    uia.Session
	binder     *uia.Binder
	controller *AttemptController
	handlers   *handlers
	gate       *Gate
	store      *evidence.Store
	registry   *registry.Registry
	rewriter   PlanRewriter
	logger     *zap.Logger

	mu     sync.Mutex
	paused map[string]*pausedRun
}

// pausedRun is a run frozen mid-plan awaiting user input.
type pausedRun struct {
	state         *runState
	clarification *schemas.Clarification
	// confirmStep is set when the pause came from the consent gate; resuming
	// with "confirm" re-runs this step with consent attached.
	confirmStep *schemas.Step
}

// runState is the mutable state of one execution.
type runState struct {
	requestID string
	plan      *schemas.Plan
	logs      []schemas.StepLog
	rewrites  []schemas.Rewrite
	replans   int
	boundRoot *uia.WindowInfo
	stepIdx   int
	startedAt time.Time
	dryRun    bool
	// observe routes attempt evidence into this run's stream. It travels with
	// the state so concurrent runs never see each other's attempts.
	observe AttemptObserver
}

// New wires an engine from configuration and collaborators.
func New(cfg config.Interface, deps Deps, logger *zap.Logger) *Engine {
	log := logger.Named("Engine")
	gate := NewGate(cfg.Safety())
	guard := files.NewGuard(cfg.Safety().WorkDir, cfg.Safety().AllowedRoots, cfg.Safety().BlockedPaths)
	ops := files.NewOps(guard)
	binder := uia.NewBinder(deps.Session)
	resolver := NewResolver(deps.Session, cfg.Engine(), deps.Screen, deps.Vision, log)
	verifier := NewVerifier(deps.Session, ops, gate, cfg.Engine(), log)
	controller := NewAttemptController(binder, resolver, verifier, cfg.Engine().MaxAttempts, log)

	return &Engine{
		cfg:        cfg,
		session:    deps.Session,
		binder:     binder,
		controller: controller,
		handlers:   newHandlers(deps.Session, ops, deps.Browser, log),
		gate:       gate,
		store:      deps.Store,
		registry:   deps.Registry,
		rewriter:   deps.Rewriter,
		logger:     log,
		paused:     make(map[string]*pausedRun),
	}
}

// Run executes a plan to a terminal or paused state. The result is also
// recorded in the registry under the request id.
func (e *Engine) Run(ctx context.Context, requestID string, plan *schemas.Plan, opts RunOptions) (*schemas.ExecutionResult, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	if max := e.cfg.Engine().MaxSteps; len(plan.Steps) > max {
		return nil, fmt.Errorf("%w: plan has %d steps, limit is %d", schemas.ErrMalformedPlan, len(plan.Steps), max)
	}

	record, err := e.registry.Create(requestID, opts.UserText, plan)
	if err != nil {
		return nil, err
	}
	state := &runState{
		requestID: record.RequestID,
		plan:      plan,
		startedAt: time.Now().UTC(),
		dryRun:    opts.DryRun,
	}
	// Attempt evidence flows out as it happens, not at step end.
	state.observe = func(step schemas.Step, attempt schemas.Attempt) {
		e.emit(state, schemas.EventAttempt, step.Index, attempt.Number, map[string]any{
			"tier":   string(attempt.Tier),
			"status": string(attempt.Status),
			"reason": attempt.Reason,
		}, nil)
	}

	e.emit(state, schemas.EventRunStarted, -1, 0, map[string]any{
		"steps":   len(plan.Steps),
		"dry_run": opts.DryRun,
	}, nil)

	return e.runLoop(ctx, state), nil
}

// Resume continues a paused run with the user's chosen option and blocks
// until the run reaches its next terminal or paused state.
func (e *Engine) Resume(ctx context.Context, requestID, option string) (*schemas.ExecutionResult, error) {
	state, result, err := e.prepareResume(requestID, option)
	if err != nil {
		return nil, err
	}
	if result != nil {
		return result, nil
	}
	return e.runLoop(ctx, state), nil
}

// ResumeAsync continues a paused run detached from the caller: the resumed
// loop runs on a background context so a dropped client connection cannot
// cancel a desktop automation mid-plan.
func (e *Engine) ResumeAsync(requestID, option string) error {
	state, result, err := e.prepareResume(requestID, option)
	if err != nil {
		return err
	}
	if result == nil {
		go e.runLoop(context.Background(), state)
	}
	return nil
}

// prepareResume pops the paused run and applies the chosen option. A non-nil
// result means the option itself was terminal (abort).
func (e *Engine) prepareResume(requestID, option string) (*runState, *schemas.ExecutionResult, error) {
	e.mu.Lock()
	paused, ok := e.paused[requestID]
	if ok {
		delete(e.paused, requestID)
	}
	e.mu.Unlock()
	if !ok {
		return nil, nil, fmt.Errorf("task %q is not awaiting user input", requestID)
	}

	state := paused.state
	switch option {
	case "confirm":
		if paused.confirmStep == nil {
			return nil, nil, fmt.Errorf("task %q has no confirmable step pending", requestID)
		}
		// Re-run the held step with consent attached, then continue.
		step := *paused.confirmStep
		if step.Params == nil {
			step.Params = map[string]any{}
		}
		step.Params["confirm"] = true
		state.plan.Steps[state.stepIdx] = step
	case "skip":
		e.finishStep(state, schemas.StepLog{
			StepIndex: state.stepIdx,
			Action:    state.plan.Steps[state.stepIdx].Action,
			Status:    schemas.StepSkipped,
			Reason:    "skipped by user",
		})
		state.stepIdx++
	case "resume":
		// take_over pause: the held step already succeeded, move on.
		state.stepIdx++
	case "abort":
		return nil, e.finishRun(state, schemas.OverallCancelled), nil
	default:
		// An unknown option re-pauses rather than guessing.
		e.mu.Lock()
		e.paused[requestID] = paused
		e.mu.Unlock()
		return nil, nil, fmt.Errorf("unknown resume option %q (want confirm, skip, resume, or abort)", option)
	}

	e.registry.Update(requestID, func(r *registry.TaskRecord) {
		r.Status = registry.StatusRunning
		r.Clarification = nil
	})
	return state, nil, nil
}

// runLoop drives steps from state.stepIdx to a terminal or paused state.
func (e *Engine) runLoop(ctx context.Context, state *runState) *schemas.ExecutionResult {
	for state.stepIdx < len(state.plan.Steps) {
		// Cancellation is honored between steps; an in-flight OS action is
		// never torn down halfway.
		if ctx.Err() != nil {
			return e.finishRun(state, schemas.OverallCancelled)
		}

		step := state.plan.Steps[state.stepIdx]
		e.emit(state, schemas.EventStepStarted, step.Index, 0, map[string]any{
			"action": string(step.Action),
		}, nil)

		decision := e.gate.Classify(step)
		switch {
		case decision.RequiresConfirmation:
			if state.dryRun {
				e.finishStep(state, schemas.StepLog{
					StepIndex: step.Index, Action: step.Action,
					Status: schemas.StepSkipped,
					Reason: "dry_run: would require confirmation (" + decision.Reason + ")",
				})
				state.stepIdx++
				continue
			}
			return e.pause(state, decision.Clarification, &step)

		case !decision.Allowed:
			e.finishStep(state, schemas.StepLog{
				StepIndex: step.Index, Action: step.Action,
				Status: schemas.StepUnsafe,
				Reason: decision.Reason,
			})
			if e.gate.HaltsPlan(schemas.StepUnsafe) {
				return e.finishRun(state, schemas.OverallUnsafe)
			}
			state.stepIdx++
			continue
		}

		if state.dryRun {
			e.finishStep(state, schemas.StepLog{
				StepIndex: step.Index, Action: step.Action,
				Status: schemas.StepSkipped,
				Reason: "dry_run: allowed",
			})
			state.stepIdx++
			continue
		}

		log, clarify := e.executeStep(ctx, state, step)

		if log.Status == schemas.StepError && e.rewriter != nil && state.replans < e.cfg.Engine().MaxReplans {
			if rewrite, ok := e.rewriter.Propose(ctx, state.plan, log); ok {
				if err := e.applyRewrite(state, rewrite); err == nil {
					log.Status = schemas.StepReplanned
					log.Reason = "replaced by plan rewrite: " + log.Reason
					e.finishStep(state, log)
					continue
				}
			}
		}

		e.finishStep(state, log)

		if log.Status == schemas.StepSuccess && clarify != nil {
			// take_over: the step succeeded but the plan pauses here.
			return e.pause(state, clarify, nil)
		}

		if log.Status != schemas.StepSuccess && e.gate.HaltsPlan(log.Status) {
			switch log.Status {
			case schemas.StepUnsafe:
				return e.finishRun(state, schemas.OverallUnsafe)
			case schemas.StepError:
				return e.finishRun(state, schemas.OverallError)
			}
		}
		state.stepIdx++
	}

	status := schemas.OverallSuccess
	if state.dryRun {
		status = schemas.OverallDryRun
	}
	return e.finishRun(state, status)
}

// executeStep dispatches one allowed step and returns its terminal log plus
// an optional pause request (take_over).
func (e *Engine) executeStep(ctx context.Context, state *runState, step schemas.Step) (schemas.StepLog, *schemas.Clarification) {
	started := time.Now()
	log := schemas.StepLog{StepIndex: step.Index, Action: step.Action}
	var clarify *schemas.Clarification

	switch {
	case e.handlers.handles(step.Action):
		res := e.handlers.run(ctx, step)
		log.Status = res.Status
		log.Reason = res.Reason
		clarify = res.Clarification
		if res.NewBoundRoot != nil {
			state.boundRoot = res.NewBoundRoot
		}
		if res.Payload != nil {
			e.emit(state, schemas.EventAttempt, step.Index, 1, res.Payload, nil)
		}

	case step.Action.IsUI():
		log = e.executeUIStep(ctx, state, step)

	default:
		log.Status = schemas.StepError
		log.Reason = fmt.Sprintf("%s: %q", schemas.ErrUnknownAction.Error(), step.Action)
	}

	log.Duration = float64(time.Since(started).Milliseconds())
	return log, clarify
}

// executeUIStep resolves the target and drives the tier ladder.
func (e *Engine) executeUIStep(ctx context.Context, state *runState, step schemas.Step) schemas.StepLog {
	log := schemas.StepLog{StepIndex: step.Index, Action: step.Action}

	loc := uia.LocatorFromStep(step)
	ref, element, err := e.binder.Resolve(ctx, loc, state.boundRoot)
	if err != nil {
		// Resolution failure is not terminal by itself; the tier ladder can
		// still land the action from coordinates inside a bound window. The
		// error travels with the verdict so the final reason names it.
		e.logger.Debug("Initial resolution failed",
			zap.Int("step", step.Index), zap.Error(err))
	}

	verdict := e.controller.RunUIStep(ctx, step, ref, element, state.boundRoot, err, state.observe)
	log.Attempts = verdict.Attempts
	log.Status = verdict.Status
	log.Reason = verdict.Reason
	log.Warning = verdict.Warning

	if log.Status == schemas.StepError {
		e.captureFailureShot(ctx, state, step, len(verdict.Attempts))
	}
	return log
}

// captureFailureShot attaches a screenshot artifact to a failed step's
// evidence stream. Best effort; a failed capture never changes the verdict.
func (e *Engine) captureFailureShot(ctx context.Context, state *runState, step schemas.Step, attempts int) {
	if e.session == nil {
		return
	}
	shot, err := e.session.Screenshot(ctx)
	if err != nil || len(shot) == 0 {
		return
	}
	e.emit(state, schemas.EventAttempt, step.Index, attempts, map[string]any{
		"capture": "failure_screenshot",
	}, &evidence.ArtifactUpload{Kind: "image", MIME: "image/png", Data: shot})
}

// applyRewrite splices the replacement suffix into the plan.
func (e *Engine) applyRewrite(state *runState, rewrite *schemas.Rewrite) error {
	if rewrite == nil || rewrite.AppliesFromIndex != state.stepIdx {
		return fmt.Errorf("rewrite does not apply at step %d", state.stepIdx)
	}
	newSteps := append([]schemas.Step{}, state.plan.Steps[:state.stepIdx]...)
	newSteps = append(newSteps, rewrite.Replacement...)
	candidate := &schemas.Plan{Steps: newSteps}
	if err := candidate.Validate(); err != nil {
		return err
	}
	// Replans scale the step budget once; runaway rewrite loops are bounded
	// by MaxReplans, not by step count alone.
	limit := e.cfg.Engine().MaxSteps * (1 + e.cfg.Engine().MaxReplans)
	if len(candidate.Steps) > limit {
		return fmt.Errorf("%w: rewritten plan has %d steps, limit is %d", schemas.ErrMalformedPlan, len(candidate.Steps), limit)
	}

	state.plan = candidate
	state.replans++
	state.rewrites = append(state.rewrites, *rewrite)
	e.registry.Update(state.requestID, func(r *registry.TaskRecord) { r.Plan = state.plan })
	e.emit(state, schemas.EventPlanRewritten, state.stepIdx, 0, map[string]any{
		"pattern":     rewrite.Pattern,
		"new_steps":   len(rewrite.Replacement),
		"total_steps": len(state.plan.Steps),
	}, nil)
	return nil
}

// pause freezes the run awaiting user input.
func (e *Engine) pause(state *runState, clar *schemas.Clarification, confirmStep *schemas.Step) *schemas.ExecutionResult {
	e.mu.Lock()
	e.paused[state.requestID] = &pausedRun{state: state, clarification: clar, confirmStep: confirmStep}
	e.mu.Unlock()

	e.emit(state, schemas.EventClarification, clar.StepIndex, 0, map[string]any{
		"question": clar.Question,
		"options":  clar.Options,
	}, nil)

	result := e.buildResult(state, schemas.OverallAwaitingUser)
	result.Clarification = clar
	e.registry.Update(state.requestID, func(r *registry.TaskRecord) {
		r.Status = registry.StatusAwaitingUser
		r.StepIndex = state.stepIdx
		r.Clarification = clar
		r.Result = result
	})
	return result
}

// finishStep records a terminal step log and streams the step_finished event.
func (e *Engine) finishStep(state *runState, log schemas.StepLog) {
	state.logs = append(state.logs, log)
	e.registry.Update(state.requestID, func(r *registry.TaskRecord) { r.StepIndex = log.StepIndex })
	e.emit(state, schemas.EventStepFinished, log.StepIndex, len(log.Attempts), map[string]any{
		"status":  string(log.Status),
		"reason":  log.Reason,
		"warning": log.Warning,
	}, nil)
	e.logger.Info("Step finished",
		zap.String("request_id", state.requestID),
		zap.Int("step", log.StepIndex),
		zap.String("action", string(log.Action)),
		zap.String("status", string(log.Status)))
}

// finishRun seals the result, updates the registry, and closes the stream.
func (e *Engine) finishRun(state *runState, status schemas.OverallStatus) *schemas.ExecutionResult {
	result := e.buildResult(state, status)

	regStatus := registry.StatusCompleted
	switch status {
	case schemas.OverallError, schemas.OverallUnsafe:
		regStatus = registry.StatusFailed
	case schemas.OverallCancelled:
		regStatus = registry.StatusCancelled
	}
	e.registry.Update(state.requestID, func(r *registry.TaskRecord) {
		r.Status = regStatus
		r.Result = result
	})

	e.emit(state, schemas.EventRunFinished, -1, 0, map[string]any{
		"overall_status": string(status),
		"succeeded":      result.Summary.Succeeded,
		"failed":         result.Summary.Failed,
	}, nil)
	if e.store != nil {
		e.store.CloseRequest(state.requestID)
	}

	e.logger.Info("Run finished",
		zap.String("request_id", state.requestID),
		zap.String("status", string(status)),
		zap.Int("steps", len(state.logs)))
	return result
}

// buildResult assembles the execution result and summary from the run state.
func (e *Engine) buildResult(state *runState, status schemas.OverallStatus) *schemas.ExecutionResult {
	summary := &schemas.Summary{TotalSteps: len(state.plan.Steps), Replans: state.replans}
	reasonLimit := e.cfg.Engine().FailureReasonLimit
	for _, log := range state.logs {
		switch log.Status {
		case schemas.StepSuccess:
			summary.Succeeded++
		case schemas.StepError:
			summary.Failed++
			if len(summary.FailureReasons) < reasonLimit && log.Reason != "" {
				summary.FailureReasons = append(summary.FailureReasons,
					fmt.Sprintf("step %d (%s): %s", log.StepIndex, log.Action, log.Reason))
			}
		case schemas.StepUnsafe:
			summary.Unsafe++
			if len(summary.FailureReasons) < reasonLimit && log.Reason != "" {
				summary.FailureReasons = append(summary.FailureReasons,
					fmt.Sprintf("step %d (%s): %s", log.StepIndex, log.Action, log.Reason))
			}
		case schemas.StepSkipped:
			summary.Skipped++
		}
	}

	finished := time.Now().UTC()
	if status == schemas.OverallAwaitingUser {
		// Paused runs have no finish time yet.
		finished = time.Time{}
	}
	return &schemas.ExecutionResult{
		RequestID:     state.requestID,
		Plan:          state.plan,
		OverallStatus: status,
		Logs:          append([]schemas.StepLog{}, state.logs...),
		Summary:       summary,
		PlanRewrites:  append([]schemas.Rewrite{}, state.rewrites...),
		StartedAt:     state.startedAt,
		FinishedAt:    finished,
	}
}

func (e *Engine) emit(state *runState, eventType schemas.EventType, stepIndex, attempt int, payload map[string]any, upload *evidence.ArtifactUpload) {
	if e.store == nil {
		return
	}
	e.store.Emit(state.requestID, eventType, stepIndex, attempt, payload, upload)
}
