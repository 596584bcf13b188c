// File: internal/uia/patterns.go
package uia

import (
	"context"
	"fmt"
)

// PatternResult reports a pattern invocation. Applied=false with a nil error
// means the element does not support the needed capability, which callers
// treat as no-effect and escalate.
type PatternResult struct {
	Applied bool
	Method  string
	Reason  string
}

// TryInvoke fires the element's invoke pattern when present.
func TryInvoke(ctx context.Context, e Element) (PatternResult, error) {
	if !e.Supports(CapInvoke) {
		return PatternResult{Reason: "invoke_pattern_missing"}, nil
	}
	if err := e.Invoke(ctx); err != nil {
		return PatternResult{Reason: "invoke_failed"}, fmt.Errorf("invoke: %w", err)
	}
	return PatternResult{Applied: true, Method: "invoke", Reason: "invoke_ok"}, nil
}

// TrySetValue writes text through the value pattern when present and
// writable.
func TrySetValue(ctx context.Context, e Element, text string) (PatternResult, error) {
	if !e.Supports(CapSetValue) {
		return PatternResult{Reason: "value_pattern_missing"}, nil
	}
	if err := e.SetValue(ctx, text); err != nil {
		return PatternResult{Reason: "value_failed"}, fmt.Errorf("set value: %w", err)
	}
	return PatternResult{Applied: true, Method: "set_value", Reason: "value_ok"}, nil
}

// TryToggle flips the element's toggle pattern when present.
func TryToggle(ctx context.Context, e Element) (PatternResult, error) {
	if !e.Supports(CapToggle) {
		return PatternResult{Reason: "toggle_pattern_missing"}, nil
	}
	if err := e.Toggle(ctx); err != nil {
		return PatternResult{Reason: "toggle_failed"}, fmt.Errorf("toggle: %w", err)
	}
	return PatternResult{Applied: true, Method: "toggle", Reason: "toggle_ok"}, nil
}

// TrySelect selects the element through the selection-item pattern.
func TrySelect(ctx context.Context, e Element) (PatternResult, error) {
	if !e.Supports(CapSelect) {
		return PatternResult{Reason: "selection_pattern_missing"}, nil
	}
	if err := e.Select(ctx); err != nil {
		return PatternResult{Reason: "select_failed"}, fmt.Errorf("select: %w", err)
	}
	return PatternResult{Applied: true, Method: "select", Reason: "select_ok"}, nil
}

// TryFocus moves keyboard focus to the element.
func TryFocus(ctx context.Context, e Element) (PatternResult, error) {
	if !e.Supports(CapFocus) {
		return PatternResult{Reason: "focus_missing"}, nil
	}
	if err := e.Focus(ctx); err != nil {
		return PatternResult{Reason: "focus_failed"}, fmt.Errorf("focus: %w", err)
	}
	return PatternResult{Applied: true, Method: "focus", Reason: "focus_ok"}, nil
}
