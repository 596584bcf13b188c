// File: internal/uia/factory.go
package uia

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// BackendFactory constructs a live desktop session. Platform backends
// (Windows UIA, AT-SPI) register themselves from their own packages, the same
// way database drivers register with database/sql.
type BackendFactory func(ctx context.Context, logger *zap.Logger) (Session, error)

var (
	backendMu sync.Mutex
	backend   BackendFactory
)

// RegisterBackend installs the platform backend. Typically called from a
// platform package's init; a second registration replaces the first.
func RegisterBackend(f BackendFactory) {
	backendMu.Lock()
	defer backendMu.Unlock()
	backend = f
}

// NewSession opens a session through the registered backend.
func NewSession(ctx context.Context, logger *zap.Logger) (Session, error) {
	backendMu.Lock()
	f := backend
	backendMu.Unlock()
	if f == nil {
		return nil, fmt.Errorf("no desktop automation backend registered for this platform")
	}
	return f(ctx, logger)
}
