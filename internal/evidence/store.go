// File: internal/evidence/store.go
// In-memory evidence stream: one producer per request, zero or more live
// subscribers. Events are append-only and monotonically sequenced per
// request; a bounded recent window is kept for late joiners to inspect, but
// there is no durable replay. A slow or vanished subscriber never blocks the
// producer.
package evidence

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/marionette/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ArtifactUpload carries raw artifact bytes alongside an emitted event.
type ArtifactUpload struct {
	Kind string // "image" or "text"
	MIME string
	Data []byte
}

type artifact struct {
	ref  schemas.ArtifactRef
	data []byte
}

type requestLog struct {
	seq       uint64
	window    []schemas.EvidenceEvent // bounded ring, oldest first
	subs      map[int]chan schemas.EvidenceEvent
	nextSubID int
	artifacts map[string]artifact
	dropped   uint64
	closed    bool
}

// Store owns evidence state for all in-flight requests. All task/evidence
// state lives in this process only; running multiple workers over the same
// registry is not supported.
type Store struct {
	mu            sync.Mutex
	requests      map[string]*requestLog
	windowSize    int
	subBufferSize int
	logger        *zap.Logger
}

// NewStore builds a store with the given recent-window and subscriber buffer
// sizes.
func NewStore(windowSize, subBufferSize int, logger *zap.Logger) *Store {
	if windowSize <= 0 {
		windowSize = 256
	}
	if subBufferSize <= 0 {
		subBufferSize = 64
	}
	return &Store{
		requests:      make(map[string]*requestLog),
		windowSize:    windowSize,
		subBufferSize: subBufferSize,
		logger:        logger.Named("EvidenceStore"),
	}
}

func (s *Store) log(requestID string) *requestLog {
	rl, ok := s.requests[requestID]
	if !ok {
		rl = &requestLog{
			subs:      make(map[int]chan schemas.EvidenceEvent),
			artifacts: make(map[string]artifact),
		}
		s.requests[requestID] = rl
	}
	return rl
}

// Emit appends one event to the request's stream, assigning the next
// sequence number, and fans it out to live subscribers without blocking.
// When upload is non-nil the bytes are stored as an immutable artifact and
// the event carries its reference.
func (s *Store) Emit(
	requestID string,
	eventType schemas.EventType,
	stepIndex, attempt int,
	payload map[string]any,
	upload *ArtifactUpload,
) schemas.EvidenceEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	rl := s.log(requestID)
	rl.seq++

	event := schemas.EvidenceEvent{
		RequestID: requestID,
		Seq:       rl.seq,
		TsMs:      time.Now().UnixMilli(),
		Type:      eventType,
		StepIndex: stepIndex,
		Attempt:   attempt,
		Payload:   payload,
	}

	if upload != nil && len(upload.Data) > 0 {
		id := uuid.NewString()
		sum := sha256.Sum256(upload.Data)
		ref := schemas.ArtifactRef{
			ArtifactID: id,
			Kind:       upload.Kind,
			MIME:       upload.MIME,
			Bytes:      len(upload.Data),
			SHA256:     hex.EncodeToString(sum[:]),
		}
		data := make([]byte, len(upload.Data))
		copy(data, upload.Data)
		rl.artifacts[id] = artifact{ref: ref, data: data}
		event.Artifact = &ref
	}

	rl.window = append(rl.window, event)
	if len(rl.window) > s.windowSize {
		rl.window = rl.window[len(rl.window)-s.windowSize:]
	}

	for id, ch := range rl.subs {
		select {
		case ch <- event:
		default:
			// Subscriber is not keeping up; drop rather than stall the run.
			rl.dropped++
			s.logger.Debug("Dropped evidence event for slow subscriber",
				zap.String("request_id", requestID),
				zap.Int("subscriber", id),
				zap.Uint64("seq", event.Seq))
		}
	}
	return event
}

// Subscribe attaches a live consumer to the request's stream starting at the
// current sequence number; earlier events are not replayed. The returned
// cancel function detaches and closes the channel, and is safe to call more
// than once.
func (s *Store) Subscribe(requestID string) (<-chan schemas.EvidenceEvent, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rl := s.log(requestID)
	ch := make(chan schemas.EvidenceEvent, s.subBufferSize)
	if rl.closed {
		close(ch)
		return ch, func() {}
	}
	id := rl.nextSubID
	rl.nextSubID++
	rl.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if cur, ok := rl.subs[id]; ok {
				delete(rl.subs, id)
				close(cur)
			}
		})
	}
	return ch, cancel
}

// Recent returns a snapshot of the bounded recent window for the request.
func (s *Store) Recent(requestID string) []schemas.EvidenceEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	rl, ok := s.requests[requestID]
	if !ok {
		return nil
	}
	out := make([]schemas.EvidenceEvent, len(rl.window))
	copy(out, rl.window)
	return out
}

// Artifact returns the immutable bytes referenced by an evidence artifact.
func (s *Store) Artifact(requestID, artifactID string) ([]byte, schemas.ArtifactRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rl, ok := s.requests[requestID]
	if !ok {
		return nil, schemas.ArtifactRef{}, fmt.Errorf("unknown request %q", requestID)
	}
	a, ok := rl.artifacts[artifactID]
	if !ok {
		return nil, schemas.ArtifactRef{}, fmt.Errorf("unknown artifact %q for request %q", artifactID, requestID)
	}
	return a.data, a.ref, nil
}

// CloseRequest ends the request's stream: all subscriber channels are closed
// and later Subscribe calls return a closed channel. Events and artifacts in
// the window remain readable until DropRequest.
func (s *Store) CloseRequest(requestID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rl, ok := s.requests[requestID]
	if !ok {
		return
	}
	if rl.closed {
		return
	}
	rl.closed = true
	for id, ch := range rl.subs {
		delete(rl.subs, id)
		close(ch)
	}
}

// DropRequest discards all state for a request. Artifacts are request-scoped
// and die with it.
func (s *Store) DropRequest(requestID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rl, ok := s.requests[requestID]; ok {
		for id, ch := range rl.subs {
			delete(rl.subs, id)
			close(ch)
		}
		delete(s.requests, requestID)
	}
}

// MarshalEvent serializes an event for the wire (SSE data frames).
func MarshalEvent(ev schemas.EvidenceEvent) ([]byte, error) {
	return json.Marshal(ev)
}
