// File: api/schemas/plan.go
package schemas

import (
	"fmt"
	"strings"
)

// ActionType enumerates every step action the engine understands. The
// vocabulary is closed: a plan containing anything else is rejected before the
// safety gate ever sees it.
type ActionType string

const (
	// -- Tiered UI actions (resolved through the accessibility layer) --
	ActionClick       ActionType = "click"
	ActionRightClick  ActionType = "right_click"
	ActionDoubleClick ActionType = "double_click"
	ActionMouseMove   ActionType = "mouse_move"
	ActionScroll      ActionType = "scroll"
	ActionDrag        ActionType = "drag"
	ActionTypeText    ActionType = "type_text"
	ActionKeyPress    ActionType = "key_press"
	ActionHotkey      ActionType = "hotkey"

	// -- Window / application control --
	ActionActivateWindow ActionType = "activate_window"
	ActionOpenApp        ActionType = "open_app"

	// -- Waiting --
	ActionWait      ActionType = "wait"
	ActionWaitUntil ActionType = "wait_until"

	// -- Browser collaborator --
	ActionOpenURL            ActionType = "open_url"
	ActionBrowserExtractText ActionType = "browser_extract_text"

	// -- Guarded file operations --
	ActionReadFile     ActionType = "read_file"
	ActionOpenFile     ActionType = "open_file"
	ActionWriteFile    ActionType = "write_file"
	ActionListFiles    ActionType = "list_files"
	ActionDeleteFile   ActionType = "delete_file"
	ActionMoveFile     ActionType = "move_file"
	ActionCopyFile     ActionType = "copy_file"
	ActionRenameFile   ActionType = "rename_file"
	ActionCreateFolder ActionType = "create_folder"

	// -- Control flow --
	ActionTakeOver ActionType = "take_over"
)

// knownActions is the closed dispatch set. Membership here is the only thing
// that makes an action executable.
var knownActions = map[ActionType]struct{}{
	ActionClick: {}, ActionRightClick: {}, ActionDoubleClick: {},
	ActionMouseMove: {}, ActionScroll: {}, ActionDrag: {},
	ActionTypeText: {}, ActionKeyPress: {}, ActionHotkey: {},
	ActionActivateWindow: {}, ActionOpenApp: {},
	ActionWait: {}, ActionWaitUntil: {},
	ActionOpenURL: {}, ActionBrowserExtractText: {},
	ActionReadFile: {}, ActionOpenFile: {}, ActionWriteFile: {},
	ActionListFiles: {}, ActionDeleteFile: {}, ActionMoveFile: {},
	ActionCopyFile: {}, ActionRenameFile: {}, ActionCreateFolder: {},
	ActionTakeOver: {},
}

// uiActions are delivered through the tiered resolver (pattern, focus+input,
// coordinate) against a resolved accessibility element.
var uiActions = map[ActionType]struct{}{
	ActionClick: {}, ActionRightClick: {}, ActionDoubleClick: {},
	ActionMouseMove: {}, ActionScroll: {}, ActionDrag: {},
	ActionTypeText: {}, ActionKeyPress: {}, ActionHotkey: {},
}

var fileActions = map[ActionType]struct{}{
	ActionReadFile: {}, ActionOpenFile: {}, ActionWriteFile: {},
	ActionListFiles: {}, ActionDeleteFile: {}, ActionMoveFile: {},
	ActionCopyFile: {}, ActionRenameFile: {}, ActionCreateFolder: {},
}

var browserActions = map[ActionType]struct{}{
	ActionOpenURL: {}, ActionBrowserExtractText: {},
}

// riskyFileActions mutate the filesystem and are subject to the consent gate.
var riskyFileActions = map[ActionType]struct{}{
	ActionWriteFile: {}, ActionDeleteFile: {}, ActionMoveFile: {},
	ActionCopyFile: {}, ActionRenameFile: {},
}

// riskyInputActions deliver synthetic input and carry an elevated risk score
// when the foreground window is not the bound one.
var riskyInputActions = map[ActionType]struct{}{
	ActionTypeText: {}, ActionKeyPress: {}, ActionHotkey: {},
}

// ParseActionType validates a raw action string against the closed vocabulary.
func ParseActionType(raw string) (ActionType, error) {
	a := ActionType(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := knownActions[a]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownAction, raw)
	}
	return a, nil
}

// Known reports whether the action is part of the closed vocabulary.
func (a ActionType) Known() bool { _, ok := knownActions[a]; return ok }

// IsUI reports whether the action goes through the tiered resolver.
func (a ActionType) IsUI() bool { _, ok := uiActions[a]; return ok }

// IsFile reports whether the action is a guarded filesystem operation.
func (a ActionType) IsFile() bool { _, ok := fileActions[a]; return ok }

// IsBrowser reports whether the action is handled by the browser collaborator.
func (a ActionType) IsBrowser() bool { _, ok := browserActions[a]; return ok }

// IsRiskyFile reports whether the action mutates the filesystem.
func (a ActionType) IsRiskyFile() bool { _, ok := riskyFileActions[a]; return ok }

// IsRiskyInput reports whether the action delivers synthetic input.
func (a ActionType) IsRiskyInput() bool { _, ok := riskyInputActions[a]; return ok }

// Step is one abstract planner action. The engine treats it as read-only; the
// terminal status lives in the StepLog, never on the step itself.
type Step struct {
	Index  int            `json:"index"`
	Action ActionType     `json:"action"`
	Params map[string]any `json:"params,omitempty"`
}

// StringParam returns the named parameter as a trimmed string, or "" when it
// is absent or not a string.
func (s Step) StringParam(key string) string {
	v, ok := s.Params[key]
	if !ok {
		return ""
	}
	str, ok := v.(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(str)
}

// BoolParam returns the named parameter as a bool, false when absent.
func (s Step) BoolParam(key string) bool {
	v, ok := s.Params[key].(bool)
	return ok && v
}

// FloatParam returns the named numeric parameter. JSON decoding produces
// float64 for all numbers, so that is the canonical form.
func (s Step) FloatParam(key string) (float64, bool) {
	switch v := s.Params[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}

// Plan is the ordered step sequence produced by the external planner. It is
// immutable once execution starts except through an explicit Rewrite, which
// replaces a remaining suffix.
type Plan struct {
	Steps []Step `json:"steps"`
}

// Validate checks the plan against the closed vocabulary and normalizes step
// indices. A single unknown action fails the whole plan: the engine refuses to
// guess at planner intent.
func (p *Plan) Validate() error {
	if p == nil || len(p.Steps) == 0 {
		return fmt.Errorf("%w: plan has no steps", ErrMalformedPlan)
	}
	for i := range p.Steps {
		action, err := ParseActionType(string(p.Steps[i].Action))
		if err != nil {
			return fmt.Errorf("step %d: %w", i, err)
		}
		p.Steps[i].Action = action
		p.Steps[i].Index = i
	}
	return nil
}
