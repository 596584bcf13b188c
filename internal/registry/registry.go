// File: internal/registry/registry.go
// In-memory task registry keyed by request id. Single process only: task
// state is not synchronized across processes, so the hosting service must
// never run multiple workers over the same registry. Within the process the
// discipline is single-writer-per-request — exactly one engine run mutates a
// record; everyone else reads snapshots.
package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/xkilldash9x/marionette/api/schemas"
)

// TaskStatus tracks a request through its lifetime.
type TaskStatus string

const (
	StatusRunning      TaskStatus = "running"
	StatusAwaitingUser TaskStatus = "awaiting_user"
	StatusCompleted    TaskStatus = "completed"
	StatusFailed       TaskStatus = "failed"
	StatusCancelled    TaskStatus = "cancelled"
)

// TaskRecord is the registry's view of one request.
type TaskRecord struct {
	RequestID     string                   `json:"request_id"`
	Status        TaskStatus               `json:"status"`
	CreatedAt     time.Time                `json:"created_at"`
	UpdatedAt     time.Time                `json:"updated_at"`
	UserText      string                   `json:"user_text,omitempty"`
	Plan          *schemas.Plan            `json:"plan,omitempty"`
	StepIndex     int                      `json:"step_index"`
	Result        *schemas.ExecutionResult `json:"result,omitempty"`
	Clarification *schemas.Clarification   `json:"clarification,omitempty"`
	LastError     string                   `json:"last_error,omitempty"`
}

// Registry maps request ids to task records.
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]*TaskRecord
	order []string
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{tasks: make(map[string]*TaskRecord)}
}

// Create registers a new task. An empty requestID gets a generated one; a
// requestID that is already registered is rejected, since reusing it would
// splice two runs into one record and one evidence stream.
func (r *Registry) Create(requestID, userText string, plan *schemas.Plan) (*TaskRecord, error) {
	if requestID == "" {
		requestID = uuid.NewString()
	}
	now := time.Now().UTC()
	record := &TaskRecord{
		RequestID: requestID,
		Status:    StatusRunning,
		CreatedAt: now,
		UpdatedAt: now,
		UserText:  userText,
		Plan:      plan,
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tasks[requestID]; exists {
		return nil, fmt.Errorf("task %q already exists", requestID)
	}
	r.tasks[requestID] = record
	r.order = append(r.order, requestID)
	return r.snapshotLocked(record), nil
}

// Get returns a snapshot of the task, or an error when unknown.
func (r *Registry) Get(requestID string) (*TaskRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	record, ok := r.tasks[requestID]
	if !ok {
		return nil, fmt.Errorf("unknown task %q", requestID)
	}
	return r.snapshotLocked(record), nil
}

// Update applies mutations to the record under the registry lock. The
// mutator sees the live record; UpdatedAt is bumped afterwards.
func (r *Registry) Update(requestID string, mutate func(*TaskRecord)) (*TaskRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	record, ok := r.tasks[requestID]
	if !ok {
		return nil, fmt.Errorf("unknown task %q", requestID)
	}
	mutate(record)
	record.UpdatedAt = time.Now().UTC()
	return r.snapshotLocked(record), nil
}

// List returns snapshots of the most recent tasks, newest first.
func (r *Registry) List(limit int) []*TaskRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if limit <= 0 || limit > len(r.order) {
		limit = len(r.order)
	}
	out := make([]*TaskRecord, 0, limit)
	for i := len(r.order) - 1; i >= 0 && len(out) < limit; i-- {
		if record, ok := r.tasks[r.order[i]]; ok {
			out = append(out, r.snapshotLocked(record))
		}
	}
	return out
}

// snapshotLocked copies the record so readers never alias the live one.
func (r *Registry) snapshotLocked(record *TaskRecord) *TaskRecord {
	cp := *record
	return &cp
}
