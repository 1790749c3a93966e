package tasks

import "sync"

// EventKind distinguishes the progress-stream event shapes of §4.4.
type EventKind string

const (
	StepStarted   EventKind = "step-started"
	StepCompleted EventKind = "step-completed"
	StepFailed    EventKind = "step-failed"
	LoopIteration EventKind = "loop-iteration"
	ProgressHint  EventKind = "progress-hint"
)

// ProgressEvent is one observation on a run's progress stream.
type ProgressEvent struct {
	Timestamp int64 // unix nanos, stamped by Run.emit when the event is raised
	NodeID    string
	Kind      EventKind
	Payload   any
}

// ProgressHandler receives progress events in subscription order, the same
// synchronous-delivery contract internal/configstore's Store uses for
// config-change notifications.
type ProgressHandler func(ProgressEvent)

// progressBus fans a run's progress events out to its subscribers.
type progressBus struct {
	mu   sync.Mutex
	subs []ProgressHandler
}

func newProgressBus() *progressBus { return &progressBus{} }

// Subscribe registers handler and returns a function that unsubscribes it.
func (b *progressBus) Subscribe(handler ProgressHandler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, handler)
	idx := len(b.subs) - 1
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if idx < len(b.subs) {
			b.subs[idx] = nil
		}
	}
}

func (b *progressBus) emit(ev ProgressEvent) {
	b.mu.Lock()
	subs := append([]ProgressHandler{}, b.subs...)
	b.mu.Unlock()
	for _, sub := range subs {
		if sub != nil {
			sub(ev)
		}
	}
}
