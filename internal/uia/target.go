// File: internal/uia/target.go
package uia

import (
	"context"
	"fmt"
	"strings"

	"github.com/xkilldash9x/marionette/api/schemas"
)

// maxTreeNodes bounds the structural search so a pathological accessibility
// tree cannot stall an attempt.
const maxTreeNodes = 512

// Locator is the structural descriptor of a target element. It survives UI
// refreshes that invalidate runtime identifiers.
type Locator struct {
	Name         string `json:"name,omitempty"`
	Role         string `json:"role,omitempty"`
	AutomationID string `json:"automation_id,omitempty"`
	ClassName    string `json:"class_name,omitempty"`
}

// Empty reports whether the locator matches nothing meaningful.
func (l Locator) Empty() bool {
	return l.Name == "" && l.Role == "" && l.AutomationID == "" && l.ClassName == ""
}

// TargetRef is a UI element reference that survives across steps. It owns no
// OS resources; staleness is detected on reuse, never assumed away.
type TargetRef struct {
	RuntimeID  string      `json:"runtime_id"`
	LocatorKey Locator     `json:"locator_key"`
	BoundRoot  *WindowInfo `json:"bound_root,omitempty"`
}

// Binder resolves and rebinds target references against a live session.
type Binder struct {
	session Session
}

// NewBinder wraps a session for target resolution.
func NewBinder(session Session) *Binder {
	return &Binder{session: session}
}

// Resolve searches the accessibility tree scoped to boundRoot for the
// locator. When boundRoot is nil resolution fails closed: the engine never
// searches the whole desktop, which is what keeps actions off the wrong
// window.
func (b *Binder) Resolve(ctx context.Context, locator Locator, boundRoot *WindowInfo) (*TargetRef, Element, error) {
	if boundRoot == nil {
		return nil, nil, fmt.Errorf("%w: activate a window before resolving %q", schemas.ErrNoBoundRoot, locator.Name)
	}
	if locator.Empty() {
		return nil, nil, fmt.Errorf("%w: empty locator", schemas.ErrNotFound)
	}

	root, err := b.session.RootElement(ctx, *boundRoot)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: bound root unavailable: %v", schemas.ErrNotFound, err)
	}

	element, err := searchTree(ctx, root, locator)
	if err != nil {
		return nil, nil, err
	}

	ref := &TargetRef{
		RuntimeID:  element.RuntimeID(),
		LocatorKey: locator,
		BoundRoot:  boundRoot,
	}
	return ref, element, nil
}

// Rebind recovers a live element from a stored reference: runtime-id lookup
// first, then a structural search by locator key. NotFound here is not fatal
// by itself; callers decide whether to escalate.
func (b *Binder) Rebind(ctx context.Context, ref *TargetRef) (*TargetRef, Element, error) {
	if ref == nil {
		return nil, nil, fmt.Errorf("%w: nil target reference", schemas.ErrNotFound)
	}

	if ref.RuntimeID != "" {
		if element, err := b.session.FromRuntimeID(ctx, ref.RuntimeID); err == nil && usable(element) {
			return ref, element, nil
		}
	}

	// Runtime id is stale; fall back to the structural key under the same
	// bound root.
	fresh, element, err := b.Resolve(ctx, ref.LocatorKey, ref.BoundRoot)
	if err != nil {
		return nil, nil, err
	}
	return fresh, element, nil
}

// usable screens out disabled or offscreen elements that would swallow input.
func usable(e Element) bool {
	if e == nil {
		return false
	}
	return e.IsEnabled() && !e.IsOffscreen()
}

// searchTree walks the tree breadth-first under root looking for a usable
// match, inspecting at most maxTreeNodes nodes.
func searchTree(ctx context.Context, root Element, locator Locator) (Element, error) {
	queue := []Element{root}
	inspected := 0
	for len(queue) > 0 && inspected < maxTreeNodes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		element := queue[0]
		queue = queue[1:]
		inspected++

		if matches(element, locator) && usable(element) {
			return element, nil
		}
		children, err := element.Children(ctx)
		if err != nil {
			// A vanished subtree is not fatal to the search.
			continue
		}
		queue = append(queue, children...)
	}
	return nil, fmt.Errorf("%w: no element matching %+v after %d nodes", schemas.ErrNotFound, locator, inspected)
}

// matches applies the locator's populated fields. AutomationID is the
// strongest signal, then exact name, then role+class.
func matches(e Element, locator Locator) bool {
	roleNorm := normalizeRole(locator.Role)
	elemRole := normalizeRole(e.Role())

	if locator.AutomationID != "" {
		if e.AutomationID() != locator.AutomationID {
			return false
		}
		if locator.ClassName != "" && e.ClassName() != locator.ClassName {
			return false
		}
		if roleNorm != "" && elemRole != "" && elemRole != roleNorm {
			return false
		}
		return true
	}

	if locator.Name != "" {
		if !strings.EqualFold(strings.TrimSpace(e.Name()), strings.TrimSpace(locator.Name)) {
			return false
		}
		if roleNorm != "" && elemRole != "" && elemRole != roleNorm {
			return false
		}
		if locator.ClassName != "" && e.ClassName() != locator.ClassName {
			return false
		}
		return true
	}

	if roleNorm != "" && elemRole == roleNorm {
		return locator.ClassName == "" || e.ClassName() == locator.ClassName
	}
	return false
}

func normalizeRole(role string) string {
	return strings.ToLower(strings.ReplaceAll(role, " ", ""))
}

// LocatorFromStep derives a locator from step params. Planners send either a
// plain "locator"/"target" string (treated as a name) or structured fields.
func LocatorFromStep(step schemas.Step) Locator {
	loc := Locator{
		Name:         step.StringParam("name"),
		Role:         step.StringParam("role"),
		AutomationID: step.StringParam("automation_id"),
		ClassName:    step.StringParam("class_name"),
	}
	if loc.Name == "" {
		if target := step.StringParam("locator"); target != "" {
			loc.Name = target
		} else if target := step.StringParam("target"); target != "" {
			loc.Name = target
		}
	}
	return loc
}
