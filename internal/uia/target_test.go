// File: internal/uia/target_test.go
package uia

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/marionette/api/schemas"
)

// stubElement is a minimal accessibility node for binder tests.
type stubElement struct {
	id           string
	name         string
	role         string
	automationID string
	className    string
	enabled      bool
	offscreen    bool
	children     []*stubElement
}

func (e *stubElement) RuntimeID() string    { return e.id }
func (e *stubElement) Name() string         { return e.name }
func (e *stubElement) Role() string         { return e.role }
func (e *stubElement) AutomationID() string { return e.automationID }
func (e *stubElement) ClassName() string    { return e.className }
func (e *stubElement) Bounds() Rect         { return Rect{X: 10, Y: 10, Width: 50, Height: 20} }
func (e *stubElement) IsEnabled() bool      { return e.enabled }
func (e *stubElement) IsOffscreen() bool    { return e.offscreen }

func (e *stubElement) Children(context.Context) ([]Element, error) {
	out := make([]Element, len(e.children))
	for i, c := range e.children {
		out[i] = c
	}
	return out, nil
}

func (e *stubElement) Supports(Capability) bool         { return false }
func (e *stubElement) Invoke(context.Context) error     { return nil }
func (e *stubElement) SetValue(context.Context, string) error { return nil }
func (e *stubElement) Toggle(context.Context) error     { return nil }
func (e *stubElement) Select(context.Context) error     { return nil }
func (e *stubElement) Focus(context.Context) error      { return nil }
func (e *stubElement) ValueText() string                { return "" }
func (e *stubElement) ToggleState() string              { return "" }

// stubSession serves one tree and a runtime-id index.
type stubSession struct {
	root      *stubElement
	byRuntime map[string]*stubElement
	rootErr   error
}

func newStubSession(root *stubElement) *stubSession {
	s := &stubSession{root: root, byRuntime: map[string]*stubElement{}}
	var index func(e *stubElement)
	index = func(e *stubElement) {
		s.byRuntime[e.id] = e
		for _, c := range e.children {
			index(c)
		}
	}
	if root != nil {
		index(root)
	}
	return s
}

func (s *stubSession) RootElement(context.Context, WindowInfo) (Element, error) {
	if s.rootErr != nil {
		return nil, s.rootErr
	}
	return s.root, nil
}

func (s *stubSession) FromRuntimeID(_ context.Context, id string) (Element, error) {
	e, ok := s.byRuntime[id]
	if !ok {
		return nil, fmt.Errorf("stale id %q", id)
	}
	return e, nil
}

func (s *stubSession) Foreground(context.Context) (WindowInfo, error) { return WindowInfo{}, nil }
func (s *stubSession) ActivateWindow(context.Context, string) (WindowInfo, error) {
	return WindowInfo{}, nil
}
func (s *stubSession) OpenApp(context.Context, string) (WindowInfo, error) {
	return WindowInfo{}, nil
}
func (s *stubSession) Screenshot(context.Context) ([]byte, error) { return nil, nil }
func (s *stubSession) Input() InputDriver                         { return nil }

func testTree() *stubElement {
	return &stubElement{
		id: "root", role: "window", enabled: true,
		children: []*stubElement{
			{id: "toolbar", role: "toolbar", enabled: true, children: []*stubElement{
				{id: "btn-save", name: "Save", role: "button", automationID: "SaveButton", enabled: true},
				{id: "btn-save-hidden", name: "Save", role: "button", enabled: true, offscreen: true},
			}},
			{id: "edit-1", name: "Search", role: "edit", className: "TextBox", enabled: true},
			{id: "btn-off", name: "Disabled", role: "button", enabled: false},
		},
	}
}

func boundWin() *WindowInfo {
	return &WindowInfo{Handle: 7, Title: "App", PID: 42, Process: "app.exe"}
}

func TestResolveFailsClosedWithoutBoundRoot(t *testing.T) {
	binder := NewBinder(newStubSession(testTree()))

	_, _, err := binder.Resolve(context.Background(), Locator{Name: "Save"}, nil)
	assert.ErrorIs(t, err, schemas.ErrNoBoundRoot)
}

func TestResolveByNameAndRole(t *testing.T) {
	binder := NewBinder(newStubSession(testTree()))

	ref, element, err := binder.Resolve(context.Background(), Locator{Name: "Save", Role: "button"}, boundWin())
	require.NoError(t, err)
	assert.Equal(t, "btn-save", element.RuntimeID())
	assert.Equal(t, "btn-save", ref.RuntimeID)
	assert.Equal(t, boundWin().Handle, ref.BoundRoot.Handle)
}

func TestResolveSkipsUnusableElements(t *testing.T) {
	binder := NewBinder(newStubSession(testTree()))

	// The disabled button matches the locator but is not usable.
	_, _, err := binder.Resolve(context.Background(), Locator{Name: "Disabled"}, boundWin())
	assert.ErrorIs(t, err, schemas.ErrNotFound)
}

func TestResolveEmptyLocatorRejected(t *testing.T) {
	binder := NewBinder(newStubSession(testTree()))
	_, _, err := binder.Resolve(context.Background(), Locator{}, boundWin())
	assert.ErrorIs(t, err, schemas.ErrNotFound)
}

func TestResolveByAutomationIDIsStrongest(t *testing.T) {
	binder := NewBinder(newStubSession(testTree()))

	_, element, err := binder.Resolve(context.Background(), Locator{AutomationID: "SaveButton"}, boundWin())
	require.NoError(t, err)
	assert.Equal(t, "btn-save", element.RuntimeID())
}

func TestRebindPrefersRuntimeID(t *testing.T) {
	session := newStubSession(testTree())
	binder := NewBinder(session)

	ref, _, err := binder.Resolve(context.Background(), Locator{Name: "Save", Role: "button"}, boundWin())
	require.NoError(t, err)

	fresh, element, err := binder.Rebind(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, ref.RuntimeID, fresh.RuntimeID)
	assert.Equal(t, "btn-save", element.RuntimeID())
}

func TestRebindFallsBackToStructuralSearch(t *testing.T) {
	session := newStubSession(testTree())
	binder := NewBinder(session)

	ref, _, err := binder.Resolve(context.Background(), Locator{Name: "Search"}, boundWin())
	require.NoError(t, err)

	// Simulate a UI refresh: the runtime id rotates but the structure stays.
	delete(session.byRuntime, "edit-1")
	refreshed := &stubElement{id: "edit-1-v2", name: "Search", role: "edit", className: "TextBox", enabled: true}
	session.root.children[1] = refreshed
	session.byRuntime["edit-1-v2"] = refreshed

	fresh, element, err := binder.Rebind(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, "edit-1-v2", element.RuntimeID())
	assert.Equal(t, "edit-1-v2", fresh.RuntimeID)
	assert.Equal(t, ref.LocatorKey, fresh.LocatorKey, "the structural key survives the rebind")
}

func TestRebindNilRef(t *testing.T) {
	binder := NewBinder(newStubSession(testTree()))
	_, _, err := binder.Rebind(context.Background(), nil)
	assert.ErrorIs(t, err, schemas.ErrNotFound)
}

func TestSearchTreeRespectsNodeBudget(t *testing.T) {
	// A wide tree larger than the inspection budget with the target beyond it.
	root := &stubElement{id: "root", role: "window", enabled: true}
	for i := 0; i < maxTreeNodes+10; i++ {
		root.children = append(root.children, &stubElement{
			id: fmt.Sprintf("filler-%d", i), role: "pane", enabled: true,
		})
	}
	root.children = append(root.children, &stubElement{id: "needle", name: "Needle", role: "button", enabled: true})

	binder := NewBinder(newStubSession(root))
	_, _, err := binder.Resolve(context.Background(), Locator{Name: "Needle"}, boundWin())
	assert.ErrorIs(t, err, schemas.ErrNotFound, "the search gives up at the node budget")
}

func TestLocatorFromStep(t *testing.T) {
	loc := LocatorFromStep(schemas.Step{Action: schemas.ActionClick, Params: map[string]any{
		"name": "Save", "role": "button", "class_name": "Btn",
	}})
	assert.Equal(t, Locator{Name: "Save", Role: "button", ClassName: "Btn"}, loc)

	// A bare target string is treated as a name.
	loc = LocatorFromStep(schemas.Step{Action: schemas.ActionClick, Params: map[string]any{
		"target": "OK",
	}})
	assert.Equal(t, "OK", loc.Name)

	assert.True(t, LocatorFromStep(schemas.Step{}).Empty())
}
