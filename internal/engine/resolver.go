// File: internal/engine/resolver.go
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/marionette/api/schemas"
	"github.com/xkilldash9x/marionette/internal/config"
	"github.com/xkilldash9x/marionette/internal/locator"
	"github.com/xkilldash9x/marionette/internal/uia"
)

// ScreenReader supplies OCR boxes for the current screen. The OCR engine
// itself is an external collaborator; the resolver only consumes its output.
type ScreenReader interface {
	Boxes(ctx context.Context) ([]locator.Box, error)
}

// TierResult is what one tier attempt reports before verification.
type TierResult struct {
	Outcome schemas.RawOutcome
	Method  string
	Reason  string
}

// Resolver executes one step against a resolved element using one of the
// three escalating strategies. It never decides retries or escalation; the
// attempt controller owns that.
type Resolver struct {
	session uia.Session
	limiter *rate.Limiter
	screen  ScreenReader
	vision  locator.CoordinateEstimator
	timeout config.EngineConfig
	logger  *zap.Logger
}

// NewResolver builds a resolver. screen and vision may be nil; the
// coordinate tier then falls back to element bounds only.
func NewResolver(
	session uia.Session,
	cfg config.EngineConfig,
	screen ScreenReader,
	vision locator.CoordinateEstimator,
	logger *zap.Logger,
) *Resolver {
	perSec := cfg.InputRatePerSec
	if perSec <= 0 {
		perSec = 30
	}
	return &Resolver{
		session: session,
		limiter: rate.NewLimiter(rate.Limit(perSec), 1),
		screen:  screen,
		vision:  vision,
		timeout: cfg,
		logger:  logger.Named("Resolver"),
	}
}

// Attempt runs one tier for one step. boundRoot is read-only here; only an
// activate_window step may change the binding.
func (r *Resolver) Attempt(
	ctx context.Context,
	step schemas.Step,
	element uia.Element,
	tier schemas.Tier,
	boundRoot *uia.WindowInfo,
) TierResult {
	actx, cancel := context.WithTimeout(ctx, r.timeout.ActionTimeout)
	defer cancel()

	var res TierResult
	switch tier {
	case schemas.TierPattern:
		res = r.patternTier(actx, step, element)
	case schemas.TierFocusInput:
		res = r.focusInputTier(actx, step, element)
	case schemas.TierCoordinate:
		res = r.coordinateTier(actx, step, element, boundRoot)
	default:
		res = TierResult{Outcome: schemas.OutcomeError, Reason: fmt.Sprintf("unknown tier %q", tier)}
	}

	if res.Outcome == schemas.OutcomeError && errors.Is(actx.Err(), context.DeadlineExceeded) {
		res.Reason = fmt.Sprintf("%s: %s", schemas.ErrTimeout.Error(), res.Reason)
	}
	r.logger.Debug("Tier attempt finished",
		zap.Int("step", step.Index),
		zap.String("action", string(step.Action)),
		zap.String("tier", string(tier)),
		zap.String("outcome", string(res.Outcome)),
		zap.String("reason", res.Reason))
	return res
}

// patternTier invokes the most specific accessibility capability matching
// the action. Missing capability is no_effect, which escalates; it is not an
// error.
func (r *Resolver) patternTier(ctx context.Context, step schemas.Step, element uia.Element) TierResult {
	if element == nil {
		return TierResult{Outcome: schemas.OutcomeError, Reason: "no resolved element"}
	}
	var (
		pr  uia.PatternResult
		err error
	)
	switch step.Action {
	case schemas.ActionClick, schemas.ActionDoubleClick:
		switch {
		case element.Supports(uia.CapInvoke):
			pr, err = uia.TryInvoke(ctx, element)
		case element.Supports(uia.CapToggle):
			pr, err = uia.TryToggle(ctx, element)
		case element.Supports(uia.CapSelect):
			pr, err = uia.TrySelect(ctx, element)
		default:
			return TierResult{Outcome: schemas.OutcomeNoEffect, Reason: "no actionable pattern"}
		}
	case schemas.ActionTypeText:
		pr, err = uia.TrySetValue(ctx, element, step.StringParam("text"))
	default:
		// Pointer-shaped actions have no pattern equivalent.
		return TierResult{Outcome: schemas.OutcomeNoEffect, Reason: "pattern tier inapplicable"}
	}

	if err != nil {
		return TierResult{Outcome: schemas.OutcomeError, Method: pr.Method, Reason: pr.Reason}
	}
	if !pr.Applied {
		return TierResult{Outcome: schemas.OutcomeNoEffect, Reason: pr.Reason}
	}
	return TierResult{Outcome: schemas.OutcomeSuccess, Method: pr.Method, Reason: pr.Reason}
}

// focusInputTier brings the element into focus and delivers synthetic input,
// paced by the rate limiter so bursts do not outrun the target application.
func (r *Resolver) focusInputTier(ctx context.Context, step schemas.Step, element uia.Element) TierResult {
	if element == nil {
		return TierResult{Outcome: schemas.OutcomeError, Reason: "no resolved element"}
	}
	if _, err := uia.TryFocus(ctx, element); err != nil {
		return TierResult{Outcome: schemas.OutcomeError, Reason: "focus_failed"}
	}
	if err := r.limiter.Wait(ctx); err != nil {
		return TierResult{Outcome: schemas.OutcomeError, Reason: "input pacing interrupted"}
	}

	input := r.session.Input()
	cx, cy := element.Bounds().Center()
	var err error
	switch step.Action {
	case schemas.ActionClick:
		err = input.Click(ctx, cx, cy, uia.ButtonLeft, 1)
	case schemas.ActionRightClick:
		err = input.Click(ctx, cx, cy, uia.ButtonRight, 1)
	case schemas.ActionDoubleClick:
		err = input.Click(ctx, cx, cy, uia.ButtonLeft, 2)
	case schemas.ActionMouseMove:
		err = input.MoveMouse(ctx, cx, cy)
	case schemas.ActionScroll:
		delta := -3
		if d, ok := step.FloatParam("delta"); ok {
			delta = int(d)
		}
		err = input.Scroll(ctx, cx, cy, delta)
	case schemas.ActionDrag:
		toX, okX := step.FloatParam("to_x")
		toY, okY := step.FloatParam("to_y")
		if !okX || !okY {
			return TierResult{Outcome: schemas.OutcomeError, Reason: "drag requires to_x and to_y"}
		}
		err = input.Drag(ctx, cx, cy, toX, toY)
	case schemas.ActionTypeText:
		err = input.TypeText(ctx, step.StringParam("text"))
	case schemas.ActionKeyPress:
		err = input.KeyPress(ctx, step.StringParam("key"))
	case schemas.ActionHotkey:
		keys := splitKeys(step.StringParam("keys"))
		if len(keys) == 0 {
			return TierResult{Outcome: schemas.OutcomeError, Reason: "hotkey requires keys"}
		}
		err = input.Hotkey(ctx, keys...)
	default:
		return TierResult{Outcome: schemas.OutcomeNoEffect, Reason: "focus+input tier inapplicable"}
	}

	if err != nil {
		return TierResult{Outcome: schemas.OutcomeError, Method: "focus_input", Reason: err.Error()}
	}
	return TierResult{Outcome: schemas.OutcomeSuccess, Method: "focus_input", Reason: "input_delivered"}
}

// coordinateTier performs a raw pointer action at a computed screen point.
// It is blocked outright without a bound root: an unconstrained desktop-wide
// click is never acceptable.
func (r *Resolver) coordinateTier(
	ctx context.Context,
	step schemas.Step,
	element uia.Element,
	boundRoot *uia.WindowInfo,
) TierResult {
	if boundRoot == nil {
		return TierResult{
			Outcome: schemas.OutcomeError,
			Reason:  schemas.ErrNoBoundRoot.Error(),
		}
	}

	point, reason, ok := r.resolvePoint(ctx, step, element)
	if !ok {
		return TierResult{Outcome: schemas.OutcomeError, Method: "coordinate", Reason: reason}
	}

	if err := r.limiter.Wait(ctx); err != nil {
		return TierResult{Outcome: schemas.OutcomeError, Reason: "input pacing interrupted"}
	}
	input := r.session.Input()
	var err error
	switch step.Action {
	case schemas.ActionClick:
		err = input.Click(ctx, point.X, point.Y, uia.ButtonLeft, 1)
	case schemas.ActionRightClick:
		err = input.Click(ctx, point.X, point.Y, uia.ButtonRight, 1)
	case schemas.ActionDoubleClick:
		err = input.Click(ctx, point.X, point.Y, uia.ButtonLeft, 2)
	case schemas.ActionMouseMove:
		err = input.MoveMouse(ctx, point.X, point.Y)
	case schemas.ActionScroll:
		delta := -3
		if d, ok := step.FloatParam("delta"); ok {
			delta = int(d)
		}
		err = input.Scroll(ctx, point.X, point.Y, delta)
	default:
		return TierResult{Outcome: schemas.OutcomeNoEffect, Reason: "coordinate tier inapplicable"}
	}

	if err != nil {
		return TierResult{Outcome: schemas.OutcomeError, Method: "coordinate", Reason: err.Error()}
	}
	return TierResult{
		Outcome: schemas.OutcomeSuccess,
		Method:  "coordinate",
		Reason:  fmt.Sprintf("pointer action at (%.0f, %.0f)", point.X, point.Y),
	}
}

// resolvePoint picks a screen point: element bounds first, then OCR text
// ranking, then the vision estimator.
func (r *Resolver) resolvePoint(ctx context.Context, step schemas.Step, element uia.Element) (locator.Point, string, bool) {
	if element != nil {
		if b := element.Bounds(); !b.Empty() {
			x, y := b.Center()
			return locator.Point{X: x, Y: y}, "element_bounds", true
		}
	}

	target := firstStringParam(step, "locator", "target", "name", "text")
	if target == "" {
		return locator.Point{}, "no target text for coordinate lookup", false
	}

	if r.screen != nil {
		boxes, err := r.screen.Boxes(ctx)
		if err == nil {
			if cand, ok := locator.Locate(target, boxes); ok {
				return cand.Center, "", true
			}
		}
	}

	if r.vision != nil {
		shot, err := r.session.Screenshot(ctx)
		if err != nil {
			return locator.Point{}, fmt.Sprintf("screenshot unavailable: %v", err), false
		}
		point, err := r.vision.EstimatePoint(ctx, target, shot)
		if err != nil {
			return locator.Point{}, fmt.Sprintf("vision estimate failed: %v", err), false
		}
		return point, "", true
	}

	return locator.Point{}, "no screenshot-derived coordinates available", false
}

func splitKeys(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.FieldsFunc(raw, func(r rune) bool { return r == '+' || r == ',' || r == ' ' })
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
