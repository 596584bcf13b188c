// File: internal/engine/handlers.go
package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/marionette/api/schemas"
	"github.com/xkilldash9x/marionette/internal/files"
	"github.com/xkilldash9x/marionette/internal/uia"
)

// Browser is the collaborator behind open_url and browser_extract_text.
type Browser interface {
	Open(ctx context.Context, url string) error
	ExtractText(ctx context.Context, selector string) (string, error)
}

// directResult is the outcome of a non-tiered action handler.
type directResult struct {
	Status  schemas.StepStatus
	Reason  string
	Payload map[string]any
	// NewBoundRoot, when set, rebinds the task's window scope. Only
	// activate_window and open_app produce it.
	NewBoundRoot *uia.WindowInfo
	// Clarification pauses the run awaiting the user (take_over).
	Clarification *schemas.Clarification
}

// handlers executes actions that bypass the tier ladder: file operations,
// browser steps, waits, window control, and the take_over escape hatch.
type handlers struct {
	session uia.Session
	ops     *files.Ops
	browser Browser
	logger  *zap.Logger
}

func newHandlers(session uia.Session, ops *files.Ops, browser Browser, logger *zap.Logger) *handlers {
	return &handlers{session: session, ops: ops, browser: browser, logger: logger.Named("Handlers")}
}

// handles reports whether the step is dispatched directly.
func (h *handlers) handles(action schemas.ActionType) bool {
	if action.IsFile() || action.IsBrowser() {
		return true
	}
	switch action {
	case schemas.ActionWait, schemas.ActionWaitUntil,
		schemas.ActionActivateWindow, schemas.ActionOpenApp,
		schemas.ActionTakeOver:
		return true
	}
	return false
}

func (h *handlers) run(ctx context.Context, step schemas.Step) directResult {
	switch {
	case step.Action.IsFile():
		return h.fileAction(step)
	case step.Action.IsBrowser():
		return h.browserAction(ctx, step)
	}

	switch step.Action {
	case schemas.ActionWait:
		return h.wait(ctx, step)
	case schemas.ActionWaitUntil:
		return h.waitUntil(ctx, step)
	case schemas.ActionActivateWindow:
		return h.activateWindow(ctx, step)
	case schemas.ActionOpenApp:
		return h.openApp(ctx, step)
	case schemas.ActionTakeOver:
		return h.takeOver(step)
	}
	return directResult{Status: schemas.StepError, Reason: fmt.Sprintf("no handler for action %q", step.Action)}
}

func (h *handlers) fileAction(step schemas.Step) directResult {
	if h.ops == nil {
		return directResult{Status: schemas.StepError, Reason: "file operations unavailable"}
	}
	var (
		res *files.Result
		err error
	)
	switch step.Action {
	case schemas.ActionReadFile, schemas.ActionOpenFile:
		res, err = h.ops.Read(step.StringParam("path"))
	case schemas.ActionWriteFile:
		res, err = h.ops.Write(step.StringParam("path"), step.StringParam("content"), step.BoolParam("overwrite"))
	case schemas.ActionListFiles:
		res, err = h.ops.List(step.StringParam("path"))
	case schemas.ActionDeleteFile:
		res, err = h.ops.Delete(step.StringParam("path"))
	case schemas.ActionMoveFile:
		res, err = h.ops.Move(step.StringParam("source"), firstStringParam(step, "destination_dir", "destination"))
	case schemas.ActionCopyFile:
		res, err = h.ops.Copy(step.StringParam("source"), firstStringParam(step, "destination_dir", "destination"))
	case schemas.ActionRenameFile:
		res, err = h.ops.Rename(step.StringParam("source"), firstStringParam(step, "new_name", "name"))
	case schemas.ActionCreateFolder:
		res, err = h.ops.CreateFolder(step.StringParam("path"))
	default:
		err = fmt.Errorf("unhandled file action %q", step.Action)
	}
	if err != nil {
		return directResult{Status: schemas.StepError, Reason: err.Error()}
	}

	payload := map[string]any{"path": res.Path}
	if res.Content != "" {
		payload["content"] = res.Content
	}
	if res.Entries != nil {
		payload["entries"] = res.Entries
		payload["count"] = res.Count
	}
	return directResult{Status: schemas.StepSuccess, Reason: res.Action + " completed", Payload: payload}
}

func (h *handlers) browserAction(ctx context.Context, step schemas.Step) directResult {
	if h.browser == nil {
		return directResult{Status: schemas.StepError, Reason: "browser collaborator unavailable"}
	}
	switch step.Action {
	case schemas.ActionOpenURL:
		url := firstStringParam(step, "url", "target")
		if err := h.browser.Open(ctx, url); err != nil {
			return directResult{Status: schemas.StepError, Reason: err.Error()}
		}
		return directResult{Status: schemas.StepSuccess, Reason: "navigation complete", Payload: map[string]any{"url": url}}
	case schemas.ActionBrowserExtractText:
		text, err := h.browser.ExtractText(ctx, step.StringParam("selector"))
		if err != nil {
			return directResult{Status: schemas.StepError, Reason: err.Error()}
		}
		return directResult{
			Status:  schemas.StepSuccess,
			Reason:  "text extracted",
			Payload: map[string]any{"text": text, "chars": len(text)},
		}
	}
	return directResult{Status: schemas.StepError, Reason: fmt.Sprintf("unhandled browser action %q", step.Action)}
}

func (h *handlers) wait(ctx context.Context, step schemas.Step) directResult {
	seconds, ok := step.FloatParam("seconds")
	if !ok || seconds <= 0 {
		seconds = 1
	}
	select {
	case <-ctx.Done():
		return directResult{Status: schemas.StepError, Reason: "cancelled during wait"}
	case <-time.After(time.Duration(seconds * float64(time.Second))):
		return directResult{Status: schemas.StepSuccess, Reason: fmt.Sprintf("waited %.1fs", seconds)}
	}
}

// waitUntil polls a named condition until it holds or the timeout lapses.
// Supported conditions: window_active (foreground title/process contains the
// target) and path_exists.
func (h *handlers) waitUntil(ctx context.Context, step schemas.Step) directResult {
	condition := strings.ToLower(firstStringParam(step, "condition", "until"))
	target := firstStringParam(step, "target", "title", "path")
	timeout := 10.0
	if t, ok := step.FloatParam("timeout_seconds"); ok && t > 0 {
		timeout = t
	}
	if condition == "" || target == "" {
		return directResult{Status: schemas.StepError, Reason: "wait_until requires condition and target"}
	}

	check := func() bool {
		switch condition {
		case "window_active", "window_focused":
			if h.session == nil {
				return false
			}
			win, err := h.session.Foreground(ctx)
			if err != nil {
				return false
			}
			lower := strings.ToLower(target)
			return strings.Contains(strings.ToLower(win.Title), lower) ||
				strings.Contains(strings.ToLower(win.Process), lower)
		case "path_exists", "file_exists":
			return h.ops != nil && h.ops.Exists(target)
		}
		return false
	}

	deadline := time.Now().Add(time.Duration(timeout * float64(time.Second)))
	for {
		if check() {
			return directResult{Status: schemas.StepSuccess, Reason: fmt.Sprintf("condition %q met", condition)}
		}
		if time.Now().After(deadline) {
			return directResult{
				Status: schemas.StepError,
				Reason: fmt.Sprintf("%s: condition %q not met within %.0fs", schemas.ErrTimeout.Error(), condition, timeout),
			}
		}
		select {
		case <-ctx.Done():
			return directResult{Status: schemas.StepError, Reason: "cancelled during wait_until"}
		case <-time.After(250 * time.Millisecond):
		}
	}
}

func (h *handlers) activateWindow(ctx context.Context, step schemas.Step) directResult {
	query := firstStringParam(step, "target", "title", "name")
	if query == "" {
		return directResult{Status: schemas.StepError, Reason: "activate_window requires a target"}
	}
	if h.session == nil {
		return directResult{Status: schemas.StepError, Reason: "desktop session unavailable"}
	}
	win, err := h.session.ActivateWindow(ctx, query)
	if err != nil {
		return directResult{Status: schemas.StepError, Reason: fmt.Sprintf("activate_window: %v", err)}
	}
	h.logger.Debug("Window activated", zap.String("title", win.Title), zap.Int("pid", win.PID))
	return directResult{
		Status:       schemas.StepSuccess,
		Reason:       fmt.Sprintf("activated %q", win.Title),
		Payload:      map[string]any{"title": win.Title, "process": win.Process, "pid": win.PID},
		NewBoundRoot: &win,
	}
}

func (h *handlers) openApp(ctx context.Context, step schemas.Step) directResult {
	name := firstStringParam(step, "target", "app", "name", "path")
	if name == "" {
		return directResult{Status: schemas.StepError, Reason: "open_app requires an application name"}
	}
	if h.session == nil {
		return directResult{Status: schemas.StepError, Reason: "desktop session unavailable"}
	}
	win, err := h.session.OpenApp(ctx, name)
	if err != nil {
		return directResult{Status: schemas.StepError, Reason: fmt.Sprintf("open_app: %v", err)}
	}
	return directResult{
		Status:       schemas.StepSuccess,
		Reason:       fmt.Sprintf("opened %q", name),
		Payload:      map[string]any{"title": win.Title, "process": win.Process, "pid": win.PID},
		NewBoundRoot: &win,
	}
}

// takeOver hands the desktop back to the user mid-plan.
func (h *handlers) takeOver(step schemas.Step) directResult {
	message := firstStringParam(step, "message", "reason")
	if message == "" {
		message = "The plan requests manual user control at this point."
	}
	return directResult{
		Status: schemas.StepSuccess,
		Reason: "control handed to user",
		Clarification: &schemas.Clarification{
			StepIndex: step.Index,
			Question:  message,
			Options:   []string{"resume", "abort"},
			Hint:      "resume continues with the next step; abort stops the plan",
		},
	}
}
