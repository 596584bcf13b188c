// File: internal/engine/retry.go
package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/marionette/api/schemas"
	"github.com/xkilldash9x/marionette/internal/uia"
)

// StepVerdict is the attempt controller's terminal judgement of one UI step.
type StepVerdict struct {
	Attempts []schemas.Attempt
	Status   schemas.StepStatus
	Reason   string
	Warning  string
}

// AttemptObserver sees each recorded attempt as it happens. The engine uses
// it to stream evidence into the owning request.
type AttemptObserver func(step schemas.Step, attempt schemas.Attempt)

// AttemptController drives the bounded retry/escalation ladder for UI steps.
// Each resolver+verifier cycle is one recorded attempt; escalation rules:
//
//	no_effect  escalate to the next tier
//	mismatch   retry the same tier once, then escalate
//	error      rebind the target, then escalate
//
// The ladder stops at max attempts or when the tiers are exhausted. The
// controller itself is stateless across calls so one instance can serve
// every run of the engine.
type AttemptController struct {
	binder      *uia.Binder
	resolver    *Resolver
	verifier    *Verifier
	maxAttempts int
	logger      *zap.Logger
}

// NewAttemptController wires the controller over the shared collaborators.
func NewAttemptController(
	binder *uia.Binder,
	resolver *Resolver,
	verifier *Verifier,
	maxAttempts int,
	logger *zap.Logger,
) *AttemptController {
	if maxAttempts <= 0 {
		maxAttempts = 2
	}
	return &AttemptController{
		binder:      binder,
		resolver:    resolver,
		verifier:    verifier,
		maxAttempts: maxAttempts,
		logger:      logger.Named("Attempts"),
	}
}

// RunUIStep executes one UI-targeting step through the tier ladder. ref and
// element come from the initial resolution, resolveErr from its failure;
// boundRoot scopes every tier. observe belongs to the run that owns the
// step, never to the controller.
func (c *AttemptController) RunUIStep(
	ctx context.Context,
	step schemas.Step,
	ref *uia.TargetRef,
	element uia.Element,
	boundRoot *uia.WindowInfo,
	resolveErr error,
	observe AttemptObserver,
) StepVerdict {
	verdict := StepVerdict{Status: schemas.StepError}
	tier := schemas.TierPattern
	retriedTier := false
	lastReason := "no attempts executed"
	if resolveErr != nil {
		lastReason = fmt.Sprintf("target resolution failed: %v", resolveErr)
	}

	if element == nil && boundRoot == nil {
		// No tier can act: pattern and focus+input need an element, the
		// coordinate tier needs a bound root. Surface the binding failure
		// instead of burning the attempt budget on it.
		if resolveErr == nil {
			resolveErr = schemas.ErrNoBoundRoot
		}
		verdict.Reason = fmt.Sprintf("target resolution failed: %v", resolveErr)
		return verdict
	}

	for number := 1; number <= c.maxAttempts; number++ {
		if err := ctx.Err(); err != nil {
			verdict.Reason = "cancelled"
			return verdict
		}

		pre := c.verifier.Capture(ctx, step, element)
		result := c.resolver.Attempt(ctx, step, element, tier, boundRoot)
		if element == nil && resolveErr != nil && result.Outcome != schemas.OutcomeSuccess {
			// Keep the original binding failure visible in every attempt the
			// ladder spends working around it.
			result.Reason = fmt.Sprintf("%s (%v)", result.Reason, resolveErr)
		}

		attempt := schemas.Attempt{Number: number, Tier: tier}

		switch result.Outcome {
		case schemas.OutcomeSuccess:
			decision, evidence := c.verifier.Verify(ctx, step, element, pre)
			attempt.Evidence = evidence
			switch decision {
			case schemas.VerifyMatch:
				attempt.Status = schemas.AttemptSuccess
				attempt.Reason = result.Reason
				c.record(step, &verdict, attempt, observe)
				verdict.Status = schemas.StepSuccess
				verdict.Reason = result.Reason
				return verdict
			case schemas.VerifyInconclusive:
				// Action landed but its effect cannot be confirmed. Succeed
				// with a warning rather than burn attempts chasing certainty.
				attempt.Status = schemas.AttemptSuccess
				attempt.Reason = "verification inconclusive"
				c.record(step, &verdict, attempt, observe)
				verdict.Status = schemas.StepSuccess
				verdict.Reason = result.Reason
				verdict.Warning = "verification inconclusive"
				return verdict
			default: // mismatch
				attempt.Status = schemas.AttemptError
				attempt.Reason = fmt.Sprintf("%s via %s", schemas.ErrMismatch.Error(), result.Method)
				lastReason = attempt.Reason
				c.record(step, &verdict, attempt, observe)
				if !retriedTier {
					retriedTier = true
					// Same tier once more; the UI may have been mid-transition.
					continue
				}
				tier, retriedTier = c.escalate(tier)
			}

		case schemas.OutcomeNoEffect:
			attempt.Status = schemas.AttemptError
			attempt.Reason = result.Reason
			lastReason = result.Reason
			c.record(step, &verdict, attempt, observe)
			tier, retriedTier = c.escalate(tier)

		default: // error
			attempt.Status = schemas.AttemptError
			attempt.Reason = result.Reason
			lastReason = result.Reason
			c.record(step, &verdict, attempt, observe)
			ref, element = c.tryRebind(ctx, ref, element)
			tier, retriedTier = c.escalate(tier)
		}

		if tier == "" {
			verdict.Reason = fmt.Sprintf("strategy tiers exhausted: %s", lastReason)
			return verdict
		}
	}

	verdict.Reason = fmt.Sprintf("attempt budget exhausted after %d attempts: %s", len(verdict.Attempts), lastReason)
	return verdict
}

func (c *AttemptController) record(step schemas.Step, verdict *StepVerdict, attempt schemas.Attempt, observe AttemptObserver) {
	verdict.Attempts = append(verdict.Attempts, attempt)
	if observe != nil {
		observe(step, attempt)
	}
}

func (c *AttemptController) escalate(tier schemas.Tier) (schemas.Tier, bool) {
	next := tier.Next()
	c.logger.Debug("Escalating strategy tier",
		zap.String("from", string(tier)),
		zap.String("to", string(next)))
	return next, false
}

// tryRebind refreshes a stale element reference. Failure keeps the old pair;
// the next tier may not need the element at all.
func (c *AttemptController) tryRebind(ctx context.Context, ref *uia.TargetRef, element uia.Element) (*uia.TargetRef, uia.Element) {
	if c.binder == nil || ref == nil {
		return ref, element
	}
	fresh, freshElement, err := c.binder.Rebind(ctx, ref)
	if err != nil {
		c.logger.Debug("Rebind after attempt error failed", zap.Error(err))
		return ref, element
	}
	return fresh, freshElement
}
