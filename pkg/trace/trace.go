// Package trace records the typed event stream of a completion.
package trace

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/code-rabi/rllm/pkg/core"
)

// Recorder accumulates trace events for one completion and optionally
// forwards each to a caller-supplied callback.
type Recorder struct {
	mu      sync.Mutex
	events  []core.TraceEvent
	onEvent func(core.TraceEvent)
	last    time.Time
}

// NewRecorder creates a Recorder. onEvent may be nil.
func NewRecorder(onEvent func(core.TraceEvent)) *Recorder {
	return &Recorder{onEvent: onEvent}
}

// Emit appends an event with a monotonically non-decreasing timestamp and
// invokes the callback synchronously. A panicking callback is swallowed so
// it cannot interfere with the driver.
func (r *Recorder) Emit(t core.TraceEventType, iteration int, payload map[string]any) core.TraceEvent {
	r.mu.Lock()

	now := time.Now()
	if now.Before(r.last) {
		now = r.last
	}
	r.last = now

	event := core.TraceEvent{
		ID:        uuid.New().String(),
		Type:      t,
		Timestamp: now,
		Iteration: iteration,
		Payload:   payload,
	}
	r.events = append(r.events, event)
	callback := r.onEvent
	r.mu.Unlock()

	if callback != nil {
		func() {
			defer func() { _ = recover() }()
			callback(event)
		}()
	}

	return event
}

// Events returns the recorded events in emission order.
func (r *Recorder) Events() []core.TraceEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]core.TraceEvent(nil), r.events...)
}
