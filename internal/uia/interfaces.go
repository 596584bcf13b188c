// File: internal/uia/interfaces.go
// Abstractions over the OS accessibility layer. Concrete implementations
// (Windows UIA, AT-SPI) are external collaborators; the engine only consumes
// these interfaces, and tests drive them with a simulated desktop.
package uia

import "context"

// Capability names an accessibility pattern an element may support.
type Capability string

const (
	CapInvoke   Capability = "invoke"
	CapSetValue Capability = "set_value"
	CapToggle   Capability = "toggle"
	CapSelect   Capability = "select"
	CapFocus    Capability = "focus"
)

// Rect is an on-screen bounding rectangle in desktop coordinates.
type Rect struct {
	X, Y, Width, Height float64
}

// Center returns the midpoint of the rectangle.
func (r Rect) Center() (float64, float64) {
	return r.X + r.Width/2, r.Y + r.Height/2
}

// Empty reports whether the rectangle carries no usable area.
func (r Rect) Empty() bool { return r.Width <= 0 || r.Height <= 0 }

// WindowInfo identifies a top-level window and its owning process. It is the
// engine's bound root: resolutions are scoped to it and coordinate actions
// are forbidden without it.
type WindowInfo struct {
	Handle  uintptr `json:"handle"`
	Title   string  `json:"title"`
	PID     int     `json:"pid"`
	Process string  `json:"process"`
	Bounds  Rect    `json:"-"`
}

// Element is a live accessibility node. Property reads reflect the state at
// call time; the node may vanish between calls, in which case methods return
// an error and callers rebind.
type Element interface {
	RuntimeID() string
	Name() string
	Role() string
	AutomationID() string
	ClassName() string
	Bounds() Rect
	IsEnabled() bool
	IsOffscreen() bool
	Children(ctx context.Context) ([]Element, error)

	Supports(cap Capability) bool
	Invoke(ctx context.Context) error
	SetValue(ctx context.Context, value string) error
	Toggle(ctx context.Context) error
	Select(ctx context.Context) error
	Focus(ctx context.Context) error

	// ValueText returns the element's current textual value, used by the
	// verifier to confirm set-value effects.
	ValueText() string
	// ToggleState returns the current toggle state when the element supports
	// it ("on", "off", "indeterminate"); empty otherwise.
	ToggleState() string
}

// MouseButton selects the pointer button for synthetic clicks.
type MouseButton string

const (
	ButtonLeft  MouseButton = "left"
	ButtonRight MouseButton = "right"
)

// InputDriver delivers synthetic keyboard and pointer input to the desktop.
type InputDriver interface {
	Click(ctx context.Context, x, y float64, button MouseButton, count int) error
	MoveMouse(ctx context.Context, x, y float64) error
	Scroll(ctx context.Context, x, y float64, deltaY int) error
	Drag(ctx context.Context, fromX, fromY, toX, toY float64) error
	TypeText(ctx context.Context, text string) error
	KeyPress(ctx context.Context, key string) error
	Hotkey(ctx context.Context, keys ...string) error
}

// Session is one live desktop automation session. The bound window handle is
// read by the resolver and verifier but mutated only by an explicit
// activate_window step.
type Session interface {
	// RootElement returns the accessibility root of the given window.
	RootElement(ctx context.Context, win WindowInfo) (Element, error)
	// FromRuntimeID looks an element up by its opaque runtime identifier.
	// The identifier is not guaranteed stable across UI refreshes.
	FromRuntimeID(ctx context.Context, id string) (Element, error)
	// Foreground reports the currently focused top-level window.
	Foreground(ctx context.Context) (WindowInfo, error)
	// ActivateWindow brings the best-matching window for the query to the
	// foreground and returns it.
	ActivateWindow(ctx context.Context, query string) (WindowInfo, error)
	// OpenApp launches or focuses the named application.
	OpenApp(ctx context.Context, name string) (WindowInfo, error)
	// Screenshot captures the current desktop as PNG bytes.
	Screenshot(ctx context.Context) ([]byte, error)
	// Input returns the synthetic input driver for this session.
	Input() InputDriver
}
