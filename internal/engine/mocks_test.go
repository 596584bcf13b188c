// File: internal/engine/mocks_test.go
// Simulated desktop used by the engine tests: a fake accessibility tree, a
// recording input driver, and a scriptable session.
package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/xkilldash9x/marionette/internal/config"
	"github.com/xkilldash9x/marionette/internal/uia"
)

// -- test configuration --

type testConfig struct {
	engine config.EngineConfig
	safety config.SafetyConfig
}

func newTestConfig() *testConfig {
	return &testConfig{
		engine: config.EngineConfig{
			MaxAttempts:        2,
			MaxSteps:           10,
			MaxReplans:         1,
			VerifyTimeout:      50 * time.Millisecond,
			ActionTimeout:      time.Second,
			InputRatePerSec:    1000,
			StreamWindow:       64,
			SubscriberBuffer:   16,
			FailureReasonLimit: 3,
		},
		safety: config.SafetyConfig{
			DangerKeywords:   []string{"format c:", "rm -rf"},
			BlockedProcesses: []string{"regedit"},
			SensitiveActions: map[string]string{"delete_file": "high"},
			HaltOn:           []string{"unsafe", "error"},
		},
	}
}

func (c *testConfig) Logger() config.LoggerConfig   { return config.LoggerConfig{} }
func (c *testConfig) Engine() config.EngineConfig   { return c.engine }
func (c *testConfig) Safety() config.SafetyConfig   { return c.safety }
func (c *testConfig) Server() config.ServerConfig   { return config.ServerConfig{} }
func (c *testConfig) Browser() config.BrowserConfig { return config.BrowserConfig{} }
func (c *testConfig) Vision() config.VisionConfig   { return config.VisionConfig{} }

// -- fake accessibility element --

type fakeElement struct {
	mu           sync.Mutex
	id           string
	name         string
	role         string
	automationID string
	className    string
	bounds       uia.Rect
	enabled      bool
	offscreen    bool
	caps         map[uia.Capability]bool
	value        string
	toggle       string
	children     []*fakeElement

	invokeErr error
	onInvoke  func(e *fakeElement)
}

func newButton(id, name string) *fakeElement {
	return &fakeElement{
		id:      id,
		name:    name,
		role:    "button",
		bounds:  uia.Rect{X: 100, Y: 100, Width: 80, Height: 24},
		enabled: true,
		caps:    map[uia.Capability]bool{uia.CapInvoke: true, uia.CapFocus: true},
	}
}

func newTextField(id, name string) *fakeElement {
	return &fakeElement{
		id:      id,
		name:    name,
		role:    "edit",
		bounds:  uia.Rect{X: 100, Y: 140, Width: 200, Height: 24},
		enabled: true,
		caps:    map[uia.Capability]bool{uia.CapSetValue: true, uia.CapFocus: true},
	}
}

func (e *fakeElement) RuntimeID() string    { return e.id }
func (e *fakeElement) Name() string         { return e.name }
func (e *fakeElement) Role() string         { return e.role }
func (e *fakeElement) AutomationID() string { return e.automationID }
func (e *fakeElement) ClassName() string    { return e.className }
func (e *fakeElement) Bounds() uia.Rect     { return e.bounds }
func (e *fakeElement) IsEnabled() bool      { return e.enabled }
func (e *fakeElement) IsOffscreen() bool    { return e.offscreen }

func (e *fakeElement) Children(context.Context) ([]uia.Element, error) {
	out := make([]uia.Element, len(e.children))
	for i, c := range e.children {
		out[i] = c
	}
	return out, nil
}

func (e *fakeElement) Supports(cap uia.Capability) bool { return e.caps[cap] }

func (e *fakeElement) Invoke(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.invokeErr != nil {
		return e.invokeErr
	}
	if e.onInvoke != nil {
		e.onInvoke(e)
	}
	return nil
}

func (e *fakeElement) SetValue(_ context.Context, value string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.value = value
	return nil
}

func (e *fakeElement) Toggle(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.toggle == "on" {
		e.toggle = "off"
	} else {
		e.toggle = "on"
	}
	return nil
}

func (e *fakeElement) Select(context.Context) error { return nil }
func (e *fakeElement) Focus(context.Context) error  { return nil }

func (e *fakeElement) ValueText() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.value
}

func (e *fakeElement) ToggleState() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.toggle
}

// -- recording input driver --

type inputCall struct {
	kind   string
	x, y   float64
	button uia.MouseButton
	text   string
	keys   []string
}

type fakeInput struct {
	mu    sync.Mutex
	calls []inputCall
	err   error
	// onClick lets a test script a desktop reaction to the click.
	onClick func()
}

func (f *fakeInput) record(c inputCall) error {
	f.mu.Lock()
	f.calls = append(f.calls, c)
	err := f.err
	onClick := f.onClick
	f.mu.Unlock()
	if err != nil {
		return err
	}
	if c.kind == "click" && onClick != nil {
		onClick()
	}
	return nil
}

func (f *fakeInput) Click(_ context.Context, x, y float64, b uia.MouseButton, _ int) error {
	return f.record(inputCall{kind: "click", x: x, y: y, button: b})
}
func (f *fakeInput) MoveMouse(_ context.Context, x, y float64) error {
	return f.record(inputCall{kind: "move", x: x, y: y})
}
func (f *fakeInput) Scroll(_ context.Context, x, y float64, _ int) error {
	return f.record(inputCall{kind: "scroll", x: x, y: y})
}
func (f *fakeInput) Drag(_ context.Context, x, y, _, _ float64) error {
	return f.record(inputCall{kind: "drag", x: x, y: y})
}
func (f *fakeInput) TypeText(_ context.Context, text string) error {
	return f.record(inputCall{kind: "type", text: text})
}
func (f *fakeInput) KeyPress(_ context.Context, key string) error {
	return f.record(inputCall{kind: "key", text: key})
}
func (f *fakeInput) Hotkey(_ context.Context, keys ...string) error {
	return f.record(inputCall{kind: "hotkey", keys: keys})
}

func (f *fakeInput) callKinds() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.kind
	}
	return out
}

// -- scriptable session --

type fakeSession struct {
	mu         sync.Mutex
	windows    map[string]uia.WindowInfo // query -> window
	roots      map[uintptr]*fakeElement  // window handle -> tree root
	byRuntime  map[string]*fakeElement
	foreground uia.WindowInfo
	input      *fakeInput
	screenshot []byte
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		windows:    make(map[string]uia.WindowInfo),
		roots:      make(map[uintptr]*fakeElement),
		byRuntime:  make(map[string]*fakeElement),
		input:      &fakeInput{},
		screenshot: []byte("png-bytes"),
	}
}

// addWindow registers a window with a tree root and indexes the tree by
// runtime id.
func (s *fakeSession) addWindow(title, process string, handle uintptr, root *fakeElement) uia.WindowInfo {
	win := uia.WindowInfo{Handle: handle, Title: title, PID: int(handle) + 1000, Process: process,
		Bounds: uia.Rect{Width: 1920, Height: 1080}}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.windows[strings.ToLower(title)] = win
	s.roots[handle] = root
	var index func(e *fakeElement)
	index = func(e *fakeElement) {
		s.byRuntime[e.id] = e
		for _, c := range e.children {
			index(c)
		}
	}
	if root != nil {
		index(root)
	}
	return win
}

func (s *fakeSession) setForeground(win uia.WindowInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.foreground = win
}

func (s *fakeSession) RootElement(_ context.Context, win uia.WindowInfo) (uia.Element, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	root, ok := s.roots[win.Handle]
	if !ok {
		return nil, fmt.Errorf("no tree for window %q", win.Title)
	}
	return root, nil
}

func (s *fakeSession) FromRuntimeID(_ context.Context, id string) (uia.Element, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byRuntime[id]
	if !ok {
		return nil, fmt.Errorf("stale runtime id %q", id)
	}
	return e, nil
}

func (s *fakeSession) Foreground(context.Context) (uia.WindowInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.foreground, nil
}

func (s *fakeSession) ActivateWindow(_ context.Context, query string) (uia.WindowInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for title, win := range s.windows {
		if strings.Contains(title, strings.ToLower(query)) {
			s.foreground = win
			return win, nil
		}
	}
	return uia.WindowInfo{}, fmt.Errorf("no window matching %q", query)
}

func (s *fakeSession) OpenApp(_ context.Context, name string) (uia.WindowInfo, error) {
	return s.ActivateWindow(context.Background(), name)
}

func (s *fakeSession) Screenshot(context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.screenshot, nil
}

func (s *fakeSession) Input() uia.InputDriver { return s.input }

// -- fake browser --

type fakeBrowser struct {
	mu      sync.Mutex
	openURL string
	text    string
	openErr error
}

func (b *fakeBrowser) Open(_ context.Context, url string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.openErr != nil {
		return b.openErr
	}
	b.openURL = url
	return nil
}

func (b *fakeBrowser) ExtractText(context.Context, string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.text, nil
}
